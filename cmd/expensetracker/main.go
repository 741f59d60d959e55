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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"expensetracker/internal/backend"
	"expensetracker/internal/cache"
	"expensetracker/internal/config"
	apphttp "expensetracker/internal/http"
	"expensetracker/internal/log"
	"expensetracker/internal/metrics"
	"expensetracker/internal/reader"
	"expensetracker/internal/services"
	"expensetracker/internal/stats"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	cfg := config.Load()
	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		Component: log.ComponentApp,
		Format:    cfg.LogFormat,
		Output:    os.Stdout,
	})
	log.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", log.FieldError, err)
		os.Exit(1)
	}
	if err := run(cfg, logger); err != nil {
		logger.Error("Server stopped with error", log.FieldError, err)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully")
}

func run(cfg *config.Config, logger *log.Logger) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	bcfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	res, err := backend.NewFactory(logger).CreateBackend(ctx, bcfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := res.Cleanup(); err != nil {
			logger.Warn("Backend cleanup failed", log.FieldError, err)
		}
	}()

	cacheOpts := []cache.Option{cache.WithLogger(logger), cache.WithMetrics(m)}
	if res.Tier != nil {
		cacheOpts = append(cacheOpts, cache.WithPersistent(res.Tier))
	}
	cm := cache.NewManager(cacheOpts...)
	defer cm.Close()

	svcOpts := []services.Option{services.WithMetrics(m)}
	if res.Events != nil {
		svcOpts = append(svcOpts, services.WithPublisher(res.Events))
	}
	svc := services.NewExpenseService(res.Store, cfg.UserID, loc, svcOpts...)

	tracker, err := stats.NewTracker(ctx, res.Store, cfg.UserID, logger)
	if err != nil {
		return err
	}
	defer tracker.Close()

	srv := apphttp.NewServer(":"+cfg.Port, apphttp.Deps{
		Service:         svc,
		Reader:          reader.New(res.Store, cm, cfg.UserID, loc, reader.WithMetrics(m), reader.WithLogger(logger)),
		Stats:           tracker,
		Cache:           cm,
		Reconciler:      services.NewReconciler(svc, m),
		Metrics:         m,
		Gatherer:        reg,
		Logger:          logger,
		ReconcileOnRead: cfg.ReconcileOnRead,
		WriteLimit:      cfg.WriteRateLimit,
	})

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 30 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Starting expensetracker server",
			"port", cfg.Port,
			log.FieldBackend, cfg.DataBackend,
			log.FieldUserID, cfg.UserID,
			"timezone", loc.String())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
