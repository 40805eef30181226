package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jwalitptl/compounding-api/internal/app"
	"github.com/jwalitptl/compounding-api/internal/config"
	"github.com/jwalitptl/compounding-api/internal/handler/health"
	"github.com/jwalitptl/compounding-api/internal/repository/postgres"
	"github.com/jwalitptl/compounding-api/pkg/logger"
	"github.com/jwalitptl/compounding-api/pkg/messaging"
	"github.com/jwalitptl/compounding-api/pkg/messaging/redis"
	"github.com/jwalitptl/compounding-api/pkg/worker"
)

func main() {
	var (
		configPath string
		healthAddr string
	)
	cmd := &cobra.Command{
		Use:           "worker",
		Short:         "Publish outbox audit events and sweep expired rows",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, healthAddr)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config.yaml")
	cmd.Flags().StringVar(&healthAddr, "health-addr", ":8081", "listen address for health and metrics")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, healthAddr string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	}).With("component", "worker")

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()
	repos := postgres.NewRepositories(db)

	m, reg := app.NewMetrics()
	checks := map[string]health.Check{"database": db.PingContext}

	var broker messaging.Broker
	if cfg.Redis.URL == "" {
		log.Warn("No redis url configured, audit events are published in-process only")
		broker = messaging.NewMemoryBroker()
	} else {
		rb, err := redis.NewRedisBroker(ctx, redis.Config{
			URL:          cfg.Redis.URL,
			MaxRetries:   cfg.Redis.MaxRetries,
			RetryBackoff: cfg.Redis.RetryBackoff,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
		}, log, m)
		if err != nil {
			return err
		}
		checks["redis"] = rb.Ping
		broker = rb
	}
	defer broker.Close()

	processor, err := worker.NewOutboxProcessor(repos.Outbox, broker, worker.OutboxProcessorConfig{
		Channel:       cfg.Redis.Channel,
		BatchSize:     cfg.Outbox.BatchSize,
		PollInterval:  cfg.Outbox.PollInterval,
		RetryAttempts: cfg.Outbox.RetryAttempts,
		RetryDelay:    cfg.Outbox.RetryDelay,
	}, log, m)
	if err != nil {
		return fmt.Errorf("invalid outbox config: %w", err)
	}
	retention := worker.NewRetentionWorker(repos.Signing, repos.Outbox, worker.RetentionConfig{
		Interval:     cfg.Retention.Interval,
		OutboxMaxAge: cfg.Retention.OutboxMaxAge,
		IntentMaxAge: cfg.Retention.IntentMaxAge,
	}, log)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(checks).RegisterRoutes(engine)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	srv := &http.Server{Addr: healthAddr, Handler: engine, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		processor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		retention.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("health server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	log.Info("Worker started", "channel", cfg.Redis.Channel, "health_addr", healthAddr)
	err = g.Wait()
	log.Info("Worker stopped")
	return err
}
