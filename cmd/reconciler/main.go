package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/solarcrm/reconciler/cmd/reconciler/cli"
	"github.com/solarcrm/reconciler/internal/app"
	"github.com/solarcrm/reconciler/internal/delivery"
	"github.com/solarcrm/reconciler/internal/delivery/offers"
	"github.com/solarcrm/reconciler/internal/delivery/status"
	"github.com/solarcrm/reconciler/internal/observability"
	"github.com/solarcrm/reconciler/internal/platform/cache"
	"github.com/solarcrm/reconciler/internal/platform/db"
	"github.com/solarcrm/reconciler/internal/shared"
	"github.com/solarcrm/reconciler/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	if len(os.Args) > 1 && os.Args[1] == "jobs" {
		os.Exit(runJobs(ctx, cfg, os.Args[2:]))
	}

	metrics := observability.NewMetrics()

	strategies, err := delivery.ParseStrategies(cfg.OffersWriteStrategy)
	if err != nil {
		logger.Error("parse write strategies", slog.Any("error", err))
		os.Exit(1)
	}

	offersClient := offers.NewClient(offers.Config{
		APIRoot:       cfg.OffersBaseURL,
		Token:         cfg.OffersAPIToken,
		Timeout:       cfg.OffersTimeout,
		RatePerSecond: cfg.OffersRatePerSec,
		IndexEndpoint: cfg.OffersIndexEndpoint,
		Logger:        logger,
	})

	svcCfg := delivery.ServiceConfig{
		Store:       offersClient,
		Strategies:  strategies,
		Observer:    metrics,
		Logger:      logger,
		SaveTimeout: cfg.SaveTimeout,
	}

	var redisClient *redis.Client
	if client, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr}); err != nil {
		logger.Warn("redis unavailable, status cache and save locks are local only", slog.Any("error", err))
	} else {
		redisClient = client
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close", slog.Any("error", err))
			}
		}()
		svcCfg.Locker = cache.NewLocker(redisClient)
	}

	statusCache := status.NewCache(redisClient, cfg.StatusSessionTTL, cfg.StatusIndexTTL)
	classifier := status.NewClassifier(statusCache, offersClient, logger)
	svcCfg.Status = statusCache

	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN, "reconciler")
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		svcCfg.Audit = shared.NewAuditLogger(pool)
		svcCfg.Idempotency = shared.NewIdempotencyStore(pool)
	} else {
		logger.Warn("PG_DSN not set, audit trail and idempotency keys disabled")
	}

	service, err := delivery.NewService(svcCfg)
	if err != nil {
		logger.Error("init delivery service", slog.Any("error", err))
		os.Exit(1)
	}

	var jobHandler *jobs.Handler
	if redisClient != nil {
		redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
		jobClient, err := jobs.NewClient(redisOpts, logger)
		if err != nil {
			logger.Error("init job client", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() {
			if err := jobClient.Close(); err != nil {
				logger.Warn("job client close", slog.Any("error", err))
			}
		}()
		service.OnSaved(jobClient.DeliverySaved())
		if _, err := jobClient.EnqueueIndexRefresh(ctx, "startup"); err != nil {
			logger.Warn("enqueue delivery index refresh", slog.Any("error", err))
		}

		inspector := asynq.NewInspector(redisOpts)
		defer func() {
			if err := inspector.Close(); err != nil {
				logger.Warn("inspector close", slog.Any("error", err))
			}
		}()
		jobHandler = jobs.NewHandler(inspector, logger)
	}

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		DeliveryService: service,
		Classifier:      classifier,
		JobHandler:      jobHandler,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	// Saves in flight keep running on their own timeout; give them room.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.SaveTimeout+5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr, cfg.IdempotencyTTL)
	if err != nil {
		slog.Default().Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()
	return jobsCLI.Run(ctx, args, os.Stdout, os.Stderr)
}
