// Command server runs the opportunity metrics API: the dashboard and
// portfolio endpoints, the scanner event consumer and the maintenance jobs.
package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/trogers1052/opportunity-metrics/internal/api"
	"github.com/trogers1052/opportunity-metrics/internal/cache"
	"github.com/trogers1052/opportunity-metrics/internal/config"
	"github.com/trogers1052/opportunity-metrics/internal/database"
	"github.com/trogers1052/opportunity-metrics/internal/kafka"
	"github.com/trogers1052/opportunity-metrics/internal/logger"
	"github.com/trogers1052/opportunity-metrics/internal/scheduler"
	"github.com/trogers1052/opportunity-metrics/internal/service"
)

func main() {
	cfg := config.Load()

	log, err := logger.New(cfg.Log)
	if err != nil {
		os.Stderr.WriteString("failed to build logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := run(cfg, log); err != nil {
		log.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Database
	db, err := database.New(cfg.Database.ConnectionString(),
		database.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime),
		database.WithQueryTimeout(cfg.Database.QueryTimeout),
	)
	if err != nil {
		return err
	}
	defer db.Close()
	log.Info("database connected", zap.String("host", cfg.Database.Host), zap.String("db", cfg.Database.DBName))

	if err := db.RunMigrations(cfg.Database.MigrationsDir); err != nil {
		return err
	}
	log.Info("migrations applied", zap.String("dir", cfg.Database.MigrationsDir))

	// Aggregate cache. An unreachable Redis degrades to no caching.
	store, backend, err := cache.Open(ctx, cfg.Cache)
	if err != nil {
		log.Warn("cache unavailable, serving uncached", zap.Error(err))
		store, backend = cache.NoopStore{}, cache.BackendNone
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}
	aggregates := cache.NewAggregates(store, backend, cfg.Cache.TTL, log.Named("cache"))
	log.Info("cache ready", zap.String("backend", backend), zap.Duration("ttl", cfg.Cache.TTL))

	// Event producer
	var events service.EventPublisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer producer.Close()
		events = producer
		log.Info("kafka producer ready", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}

	// Services
	dashboardSvc := service.NewDashboardService(db, aggregates, log.Named("dashboard"), cfg.Metrics.Strict)
	portfolioSvc := service.NewPortfolioService(db, aggregates, events, log.Named("portfolio"))
	positionSvc := service.NewPositionService(db)
	opportunitySvc := service.NewOpportunityService(db, aggregates, log.Named("opportunities"))

	// Scanner consumer
	consumerDone := make(chan struct{})
	if cfg.Kafka.Enabled {
		consumer := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ScannerTopic, cfg.Kafka.GroupID, opportunitySvc, log.Named("consumer"))
		go func() {
			defer close(consumerDone)
			if err := consumer.Start(ctx); err != nil {
				log.Error("kafka consumer stopped", zap.Error(err))
			}
		}()
	} else {
		close(consumerDone)
	}

	// Scheduler
	if cfg.Scheduler.Enabled {
		runner := scheduler.New(log.Named("scheduler"), ctx)
		if err := runner.Register(cfg.Scheduler, opportunitySvc, portfolioSvc); err != nil {
			return err
		}
		runner.Start()
		defer runner.Stop()
	}

	// HTTP
	handler := api.NewHandler(api.Deps{
		Dashboard: dashboardSvc,
		Portfolio: portfolioSvc,
		Positions: positionSvc,
		Cache:     aggregates,
		DB:        db,
		Logger:    log.Named("http"),
	})

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.SetupRoutes(handler, cfg.Metrics),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown error", zap.Error(err))
	}
	<-consumerDone

	select {
	case err := <-serveErr:
		return err
	default:
	}
	log.Info("server stopped cleanly")
	return nil
}
