package main

import (
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/config"
	"github.com/Brownie44l1/digitpad/internal/dataset"
	"github.com/Brownie44l1/digitpad/internal/model"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal("[Retrain] Invalid configuration: ", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatal("[Retrain] Couldn't set up logging: ", err)
	}

	codec, err := cfg.Codec()
	if err != nil {
		log.Fatal("[Retrain] Couldn't create codec: ", err)
	}
	data, stats, err := dataset.Load(cfg.CorpusDir, codec, dataset.WithWorkers(cfg.Workers))
	if err != nil {
		log.Fatal("[Retrain] Couldn't load corpus: ", err)
	}
	if data.Len() == 0 {
		log.WithField("corpus", cfg.CorpusDir).Fatal("[Retrain] Corpus is empty, nothing to train on")
	}

	net, report, err := model.LoadOrInit(cfg.ModelPath, cfg.Model(), model.WithStrict(cfg.StrictModel))
	if err != nil {
		log.Fatal("[Retrain] Couldn't load model: ", err)
	}
	if report.Err != nil {
		log.Warn("[Retrain] Previous model discarded: ", report.Err)
	}

	fit, err := net.Fit(data)
	if err != nil {
		log.Fatal("[Retrain] Training failed: ", err)
	}
	if err := net.Save(cfg.ModelPath); err != nil {
		log.Fatal("[Retrain] Couldn't save model: ", err)
	}

	fmt.Printf("samples:    %d (%d corrupt skipped)\n", fit.Samples, stats.Corrupt)
	fmt.Printf("per label:  %v\n", data.Counts())
	fmt.Printf("epochs:     %d\n", fit.Epochs)
	fmt.Printf("loss:       %.4f\n", fit.Loss)
	fmt.Printf("accuracy:   %.2f%%\n", fit.Accuracy*100)
	fmt.Printf("generation: %d\n", fit.Generation)
	fmt.Printf("model:      %s\n", cfg.ModelPath)
}
