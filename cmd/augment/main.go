package main

import (
	"flag"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/augment"
)

func main() {
	root := flag.String("corpus", "Images", "Image corpus root (one directory per label)")
	stdDev := flag.Float64("stddev", augment.DefaultStdDev, "Noise standard deviation in 8-bit levels")
	seed := flag.Int64("seed", 1, "Noise seed")
	workers := flag.Int("workers", 0, "Parallel workers (0 = GOMAXPROCS)")
	overwrite := flag.Bool("overwrite", false, "Regenerate existing noisy clones")
	verbose := flag.Bool("v", false, "Debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	opts := []augment.Option{
		augment.WithStdDev(*stdDev),
		augment.WithSeed(*seed),
		augment.WithOverwrite(*overwrite),
	}
	if *workers > 0 {
		opts = append(opts, augment.WithWorkers(*workers))
	}

	stats, err := augment.New(opts...).Run(*root)
	if err != nil {
		log.Error("[Augment] Failed: ", err)
		os.Exit(1)
	}
	fmt.Printf("written %d, existing %d, corrupt %d in %s\n", stats.Written, stats.Existing, stats.Corrupt, stats.Duration)
}
