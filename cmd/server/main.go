package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/Brownie44l1/digitpad/internal/config"
	"github.com/Brownie44l1/digitpad/internal/dataset"
	"github.com/Brownie44l1/digitpad/internal/feedback"
	"github.com/Brownie44l1/digitpad/internal/handlers"
	"github.com/Brownie44l1/digitpad/internal/metrics"
	"github.com/Brownie44l1/digitpad/internal/model"
)

func main() {
	cfg, err := config.Parse(os.Args[0], os.Args[1:], os.Getenv)
	if err != nil {
		log.Fatal("[Main] Invalid configuration: ", err)
	}
	if err := cfg.SetupLogging(); err != nil {
		log.Fatal("[Main] Couldn't set up logging: ", err)
	}
	if cfg.Release {
		gin.SetMode(gin.ReleaseMode)
	}

	codec, err := cfg.Codec()
	if err != nil {
		log.Fatal("[Main] Couldn't create codec: ", err)
	}

	data, stats, err := dataset.Load(cfg.CorpusDir, codec, dataset.WithWorkers(cfg.Workers))
	if err != nil {
		log.Fatal("[Main] Couldn't load corpus: ", err)
	}
	if stats.Corrupt > 0 {
		log.WithField("corrupt", stats.Corrupt).Warn("[Main] Skipped undecodable corpus images")
	}

	net, report, err := model.LoadOrInit(cfg.ModelPath, cfg.Model(), model.WithStrict(cfg.StrictModel))
	if err != nil {
		log.Fatal("[Main] Couldn't load model: ", err)
	}
	if report.Err != nil {
		log.WithField("path", report.Path).Warn("[Main] Started with a fresh model, the previous file was unusable: ", report.Err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec, err := metrics.NewPrometheus(reg)
	if err != nil {
		log.Fatal("[Main] Couldn't register metrics: ", err)
	}

	ctrl := feedback.New(codec, data, net, cfg.ModelPath,
		feedback.WithMetrics(rec),
		feedback.WithClasses(data.Classes()),
	)

	var middleware []gin.HandlerFunc
	if !cfg.Release {
		middleware = append(middleware, gin.Logger())
	}
	router := handlers.NewRouter(handlers.NewHandler(ctrl), promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), middleware...)
	srv := &http.Server{Addr: cfg.Addr, Handler: router}

	log.WithFields(log.Fields{
		"addr":       cfg.Addr,
		"corpus":     cfg.CorpusDir,
		"samples":    data.Len(),
		"model":      cfg.ModelPath,
		"fresh":      report.Fresh,
		"generation": net.Metadata().Generation,
	}).Info("[Main] Server starting")
	log.Info("[Main] Endpoints:")
	log.Info("[Main]   GET  /health, /state, /metrics")
	log.Info("[Main]   POST /stroke (multipart 'image'), /stroke/raw, /stroke/points")
	log.Info("[Main]   POST /confirm, /reject, /label")

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("[Main] Server failed: ", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("[Main] Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("[Main] Server shutdown: ", err)
	}
	if err := ctrl.Close(); err != nil {
		log.Error("[Main] Final model save failed: ", err)
		os.Exit(1)
	}
	log.WithField("path", cfg.ModelPath).Info("[Main] Model saved")
}
