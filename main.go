package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"bitmexflow/config"
	"bitmexflow/gateway"
	"bitmexflow/internal/metrics"
	"bitmexflow/internal/status"
	"bitmexflow/logger"
	"bitmexflow/writer"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	instrumentsPath := flag.String("instruments", config.DefaultInstrumentsPath, "Path to instrument configuration file")

	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.Bitmexflow.Name,
		"version":     cfg.Bitmexflow.Version,
		"environment": config.AppEnvironment(),
	}).Info("starting bitmexflow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}
	if cfg.Metrics.CloudWatch.Enabled {
		logger.InitCloudWatch(ctx, cfg.Metrics.CloudWatch.Region, cfg.Metrics.CloudWatch.Namespace)
	}
	metrics.Init()

	instruments, err := config.LoadInstruments(*instrumentsPath)
	if err != nil {
		log.WithError(err).Error("failed to load instrument configuration")
		os.Exit(1)
	}

	pg, err := writer.OpenPostgres(cfg.Storage.Postgres)
	if err != nil {
		log.WithError(err).Error("failed to open postgres")
		os.Exit(1)
	}

	deadLetter := writer.NewDeadLetter(cfg.Writer.DeadLetter)

	var archive *writer.ArchiveSink
	if cfg.Storage.S3.Enabled {
		archive, err = writer.NewArchiveSink(ctx, cfg.Storage.S3, deadLetter)
		if err != nil {
			log.WithError(err).Error("failed to create archive sink")
			os.Exit(1)
		}
		if err := archive.Start(ctx); err != nil {
			log.WithError(err).Error("failed to start archive sink")
			os.Exit(1)
		}
	} else {
		log.WithComponent("main").Info("S3 archive disabled; skipping archive sink")
	}

	var store writer.Store = pg
	if archive != nil {
		store = writer.NewFanout(pg, archive)
	}

	gw, err := gateway.New(cfg, store, deadLetter)
	if err != nil {
		log.WithError(err).Error("failed to create gateway")
		os.Exit(1)
	}

	var (
		sessionsMu sync.RWMutex
		sessions   []*gateway.Session
	)
	for _, instmt := range instruments.Instruments {
		s, err := gw.Start(ctx, instmt)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"instrument": instmt.String()}).Error("failed to start gateway")
			continue
		}
		sessionsMu.Lock()
		sessions = append(sessions, s)
		sessionsMu.Unlock()
	}
	if len(sessions) == 0 {
		log.WithComponent("main").Error("no gateway could be started")
		os.Exit(1)
	}

	if config.IsProductionLike(config.AppEnvironment()) {
		gin.SetMode(gin.ReleaseMode)
	}
	statusServer := status.NewServer(cfg.Status, cfg.Bitmexflow, func() []gateway.Status {
		sessionsMu.RLock()
		defer sessionsMu.RUnlock()
		out := make([]gateway.Status, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, s.Status())
		}
		return out
	}, log)

	var wg sync.WaitGroup
	if statusServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := statusServer.Run(ctx); err != nil {
				log.WithComponent("status_server").WithError(err).Error("status server stopped")
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	log.WithFields(logger.Fields{"signal": sig.String()}).Info("shutdown signal received")

	cancel()

	done := make(chan struct{})
	go func() {
		for _, s := range sessions {
			s.Stop()
		}
		if archive != nil {
			archive.Stop()
		}
		if err := deadLetter.Close(); err != nil {
			log.WithError(err).Warn("failed to close dead letter file")
		}
		if err := pg.Close(); err != nil {
			log.WithError(err).Warn("failed to close postgres")
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("graceful shutdown completed")
	case <-time.After(30 * time.Second):
		log.Warn("shutdown timeout exceeded")
	}
}
