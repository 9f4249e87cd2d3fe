package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"sendwave/internal/api"
	"sendwave/internal/channel"
	"sendwave/internal/config"
	"sendwave/internal/csvparser"
	"sendwave/internal/db"
	"sendwave/internal/dispatch"
	"sendwave/internal/metrics"
	"sendwave/internal/notify"
	"sendwave/internal/progress"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown Signal
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// ------------------------------------------------
	// Database
	// ------------------------------------------------
	store, err := db.New(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer store.Close()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Fatal("schema migration failed", zap.Error(err))
	}

	// ------------------------------------------------
	// Progress Store (Redis)
	// ------------------------------------------------
	progressStore := progress.New(cfg.RedisAddr)
	defer progressStore.Close()

	if err := progressStore.Ping(ctx); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}

	// A stale drain flag from a crashed process would stop every new run.
	if err := progressStore.ClearDrain(ctx); err != nil {
		logger.Warn("failed to clear drain flag", zap.Error(err))
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Notification Fan-out
	// ------------------------------------------------
	hub := notify.NewHub(logger)

	// ------------------------------------------------
	// Channel Sessions
	// ------------------------------------------------
	var driver channel.Driver
	switch cfg.ChannelDriver {
	case "loopback":
		driver = &channel.LoopbackDriver{FailRate: cfg.LoopbackFailRate}
	default:
		logger.Fatal("unknown channel driver", zap.String("driver", cfg.ChannelDriver))
	}

	sessions := channel.NewManager(
		driver,
		store,
		hub,
		progressStore,
		logger,
		cfg.PairingMaxAttempts,
		cfg.AuthWait,
	)

	// ------------------------------------------------
	// Dispatch Worker Pool
	// ------------------------------------------------
	runner := dispatch.NewRunner(store, progressStore, sessions, hub, logger, cfg.MessageDelay)

	if cfg.EmailEnabled && cfg.SMTPTo != "" {
		runner.SetMailer(&notify.Mailer{
			Host: cfg.SMTPHost,
			Port: cfg.SMTPPort,
			From: cfg.SMTPFrom,
			To:   cfg.SMTPTo,
		})
	}

	pool := dispatch.NewPool(runner, cfg.QueueSize, logger)
	pool.Start(ctx, cfg.WorkerCount)

	drainer := dispatch.NewDrainer(progressStore, pool, cfg.DrainPoll, cfg.DrainTimeout, logger)

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Store:    store,
		Progress: progressStore,
		Jobs:     pool,
		Sessions: sessions,
		Hub:      hub,
		Loader:   &csvparser.Loader{BaseDir: cfg.UploadDir, MaxRows: cfg.MaxRows},
		Log:      logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: apiHandler.Router(),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown, then drain
	// ------------------------------------------------
	sig := <-sigChan
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	// Two-phase drain: flag first so in-flight runs checkpoint to a
	// consistent stopped report, then wait for the pool to empty.
	if err := drainer.Drain(context.Background()); err != nil {
		logger.Warn("drain incomplete", zap.Error(err))
	}

	cancel()

	// Stop accepting new jobs and wait workers out.
	pool.Close()
	pool.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
