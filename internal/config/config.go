// Package config holds the runtime settings shared by the digitpad commands.
// Every flag can also be set through a DIGITPAD_* environment variable; flags win.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strconv"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/model"
	"github.com/Brownie44l1/digitpad/internal/tensor"
)

const envPrefix = "DIGITPAD_"

type Config struct {
	Addr      string
	CorpusDir string
	ModelPath string

	Side   int
	Filter string

	Hidden       int
	Epochs       int
	BatchSize    int
	LearningRate float64
	Seed         int64
	StrictModel  bool

	Workers   int
	LogLevel  string
	LogFormat string
	Release   bool
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	m := model.DefaultConfig()
	return Config{
		Addr:         ":8080",
		CorpusDir:    "Images",
		ModelPath:    "models/digits.dgnn",
		Side:         m.Side,
		Filter:       "lanczos3",
		Hidden:       m.Hidden,
		Epochs:       m.Epochs,
		BatchSize:    m.BatchSize,
		LearningRate: m.LearningRate,
		Seed:         m.Seed,
		LogLevel:     "info",
		LogFormat:    "text",
	}
}

type envReader struct {
	getenv func(string) string
	errs   []error
}

func (e *envReader) lookup(name string) (string, bool) {
	v := strings.TrimSpace(e.getenv(envPrefix + name))
	return v, v != ""
}

func (e *envReader) str(name string, def string) string {
	if v, ok := e.lookup(name); ok {
		return v
	}
	return def
}

func (e *envReader) int(name string, def int) int {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return def
	}
	return n
}

func (e *envReader) float(name string, def float64) float64 {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return def
	}
	return f
}

func (e *envReader) bool(name string, def bool) bool {
	v, ok := e.lookup(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", envPrefix, name, err))
		return def
	}
	return b
}

// Parse reads the environment through getenv and then the command line args
// (without the program name).
func Parse(name string, args []string, getenv func(string) string) (Config, error) {
	def := Default()
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		def.Addr = ":" + port
	}
	env := &envReader{getenv: getenv}

	var c Config
	fset := flag.NewFlagSet(name, flag.ContinueOnError)
	fset.StringVar(&c.Addr, "addr", env.str("ADDR", def.Addr), "HTTP listen address")
	fset.StringVar(&c.CorpusDir, "corpus", env.str("CORPUS", def.CorpusDir), "Image corpus root (one directory per label)")
	fset.StringVar(&c.ModelPath, "model", env.str("MODEL", def.ModelPath), "Model parameter file")
	fset.IntVar(&c.Side, "side", env.int("SIDE", def.Side), "Tensor side length")
	fset.StringVar(&c.Filter, "filter", env.str("FILTER", def.Filter), "Resize filter (lanczos3, lanczos2, bilinear, bicubic, mitchell)")
	fset.IntVar(&c.Hidden, "hidden", env.int("HIDDEN", def.Hidden), "Hidden layer width")
	fset.IntVar(&c.Epochs, "epochs", env.int("EPOCHS", def.Epochs), "Epochs per retrain")
	fset.IntVar(&c.BatchSize, "batch-size", env.int("BATCH_SIZE", def.BatchSize), "Mini-batch size")
	fset.Float64Var(&c.LearningRate, "learning-rate", env.float("LEARNING_RATE", def.LearningRate), "SGD step size")
	seed := fset.Int("seed", env.int("SEED", int(def.Seed)), "Weight init and shuffle seed")
	fset.BoolVar(&c.StrictModel, "strict-model", env.bool("STRICT_MODEL", def.StrictModel), "Fail on an undecodable model file instead of starting fresh")
	fset.IntVar(&c.Workers, "workers", env.int("WORKERS", def.Workers), "Parallel image decoders (0 = GOMAXPROCS)")
	fset.StringVar(&c.LogLevel, "log-level", env.str("LOG_LEVEL", def.LogLevel), "Log level")
	fset.StringVar(&c.LogFormat, "log-format", env.str("LOG_FORMAT", def.LogFormat), "Log format (text or json)")
	fset.BoolVar(&c.Release, "release", env.bool("RELEASE", def.Release), "Run in release mode")

	if err := errors.Join(env.errs...); err != nil {
		return Config{}, err
	}
	if err := fset.Parse(args); err != nil {
		return Config{}, err
	}
	c.Seed = int64(*seed)
	return c, c.Validate()
}

func (c Config) Validate() error {
	if c.CorpusDir == "" {
		return errors.New("corpus directory must be set")
	}
	if c.ModelPath == "" {
		return errors.New("model path must be set")
	}
	if _, err := tensor.ParseFilter(c.Filter); err != nil {
		return err
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must be >= 0, got %d", c.Workers)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return c.Model().Validate()
}

// Model returns the classifier settings.
func (c Config) Model() model.Config {
	m := model.DefaultConfig()
	m.Side = c.Side
	m.Hidden = c.Hidden
	m.Epochs = c.Epochs
	m.BatchSize = c.BatchSize
	m.LearningRate = c.LearningRate
	m.Seed = c.Seed
	return m
}

// Codec builds the tensor codec.
func (c Config) Codec() (*tensor.Codec, error) {
	f, err := tensor.ParseFilter(c.Filter)
	if err != nil {
		return nil, err
	}
	return tensor.NewCodec(c.Side, tensor.WithFilter(f)), nil
}

// SetupLogging applies the log level and format to the standard logrus logger.
func (c Config) SetupLogging() error {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}
