package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/solarcrm/reconciler/internal/app"
	"github.com/solarcrm/reconciler/internal/delivery/offers"
	"github.com/solarcrm/reconciler/internal/delivery/status"
	jobmetrics "github.com/solarcrm/reconciler/internal/jobs"
	"github.com/solarcrm/reconciler/internal/platform/cache"
	"github.com/solarcrm/reconciler/internal/platform/db"
	"github.com/solarcrm/reconciler/internal/shared"
	"github.com/solarcrm/reconciler/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	metrics := jobmetrics.NewMetrics(nil)

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	offersClient := offers.NewClient(offers.Config{
		APIRoot:       cfg.OffersBaseURL,
		Token:         cfg.OffersAPIToken,
		Timeout:       cfg.OffersTimeout,
		RatePerSecond: cfg.OffersRatePerSec,
		IndexEndpoint: cfg.OffersIndexEndpoint,
		Logger:        logger,
	})
	statusCache := status.NewCache(redisClient, cfg.StatusSessionTTL, cfg.StatusIndexTTL)
	classifier := status.NewClassifier(statusCache, offersClient, logger)

	refreshJob := jobs.NewIndexRefreshJob(classifier, logger, metrics)
	savedJob := jobs.NewDeliverySavedJob(statusCache, refreshJob, logger, metrics)

	refreshTask, err := jobs.NewIndexRefreshTask("cron")
	if err != nil {
		logger.Error("build index refresh task", slog.Any("error", err))
		os.Exit(1)
	}
	handlers := []jobs.TaskHandler{
		{Type: jobs.TaskDeliveryIndexRefresh, Handler: refreshJob.Handle},
		{Type: jobs.TaskDeliverySaved, Handler: savedJob.Handle},
	}
	cron := []jobs.CronRegistration{
		{Spec: "*/5 * * * *", Task: refreshTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
	}

	if cfg.PGDSN != "" {
		pool, err := db.New(ctx, cfg.PGDSN, "reconciler-worker")
		if err != nil {
			logger.Error("connect postgres", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()

		cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics)
		cleanupTask, err := jobs.NewIdempotencyCleanupTask(cfg.IdempotencyTTL)
		if err != nil {
			logger.Error("build cleanup task", slog.Any("error", err))
			os.Exit(1)
		}
		handlers = append(handlers, jobs.TaskHandler{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle})
		cron = append(cron, jobs.CronRegistration{Spec: "0 3 * * *", Task: cleanupTask, Options: []asynq.Option{asynq.MaxRetry(3)}})
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers:  handlers,
		Cron:      cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
