package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"expensetracker/internal/backend"
	"expensetracker/internal/config"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
	"expensetracker/internal/worker"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentWorker,
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)

	logger.Info("Starting reconcile-worker")

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete")
}

func run(cfg *config.Config, logger *log.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	// The worker has no use for the month cache.
	bcfg.CacheDBPath = ""
	bcfg.RequireEvents = cfg.AMQPURL != ""
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", log.FieldError, err)
		}
	}()

	w := worker.NewReconcileWorker(res.Store, loc, m)

	// On startup, check every month the user has an aggregate for
	logger.Info("Performing startup reconciliation check...")
	if sum, err := w.StartupCheck(ctx, cfg.UserID); err != nil {
		// Don't exit - the periodic sweep retries
		logger.Error("Startup reconciliation check failed", log.FieldError, err)
	} else {
		logger.Info("Startup reconciliation check finished",
			"checked", sum.Checked, "repaired", sum.Repaired, "errors", sum.Errors)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return w.Run(gctx, cfg.ReconcileInterval)
	})
	if res.Events != nil {
		g.Go(func() error {
			err := res.Events.ConsumeExpenseEvents(gctx, w.HandleExpenseEvent)
			if err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("Event consumption failed", log.FieldError, err)
			}
			return err
		})
	} else {
		logger.Info("Skipping event consumption - no AMQP_URL provided")
	}

	// Metrics for the worker, served on PORT.
	msrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           metrics.Handler(reg),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		if err := msrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return msrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
