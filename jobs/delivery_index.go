package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/solarcrm/reconciler/internal/delivery/offers"
	jobmetrics "github.com/solarcrm/reconciler/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// IndexRefresher reloads and caches the bulk delivery index.
type IndexRefresher interface {
	RefreshIndex(ctx context.Context) (offers.Index, error)
}

// StatusInvalidator retires memoized list statuses for a contact.
type StatusInvalidator interface {
	Invalidate(ctx context.Context, entityKey string) error
}

// IndexRefreshJob keeps the cached delivery index warm.
type IndexRefreshJob struct {
	Index   IndexRefresher
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewIndexRefreshJob wires dependencies for the refresh handler.
func NewIndexRefreshJob(index IndexRefresher, logger *slog.Logger, metrics *jobmetrics.Metrics) *IndexRefreshJob {
	return &IndexRefreshJob{Index: index, Logger: logger, Metrics: metrics}
}

// Handle processes index refresh tasks.
func (j *IndexRefreshJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Index == nil {
		return errors.New("index refresh: handler not configured")
	}
	var payload IndexRefreshPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	return j.refresh(ctx, payload.Reason)
}

func (j *IndexRefreshJob) refresh(ctx context.Context, reason string) (resultErr error) {
	tracker := metricsOr(j.Metrics).Track(TaskDeliveryIndexRefresh)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	started := time.Now()
	idx, err := j.Index.RefreshIndex(ctx)
	if err != nil {
		// Nothing to retry against until the backend exposes an index again.
		if errors.Is(err, offers.ErrIndexUnavailable) {
			jobLogger(j.Logger, TaskDeliveryIndexRefresh).Warn("delivery index unavailable", slog.String("reason", reason))
			return nil
		}
		return err
	}
	metricsOr(j.Metrics).SetIndexSize(len(idx.OfferIDs), len(idx.ContactKeys))
	jobLogger(j.Logger, TaskDeliveryIndexRefresh).Info("delivery index refreshed",
		slog.String("reason", reason),
		slog.String("source", idx.Source),
		slog.Int("offers", len(idx.OfferIDs)),
		slog.Int("contacts", len(idx.ContactKeys)),
		slog.Duration("duration", time.Since(started)),
	)
	return nil
}

// DeliverySavedJob follows up on verified saves: every replica's memo for
// the contact is retired and the index is reloaded so lists pick up the
// new deliveries.
type DeliverySavedJob struct {
	Status  StatusInvalidator
	Refresh *IndexRefreshJob
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewDeliverySavedJob wires dependencies for the saved-event handler.
func NewDeliverySavedJob(status StatusInvalidator, refresh *IndexRefreshJob, logger *slog.Logger, metrics *jobmetrics.Metrics) *DeliverySavedJob {
	return &DeliverySavedJob{Status: status, Refresh: refresh, Logger: logger, Metrics: metrics}
}

// Handle processes delivery saved tasks.
func (j *DeliverySavedJob) Handle(ctx context.Context, t *asynq.Task) (resultErr error) {
	if j == nil {
		return errors.New("delivery saved: handler not configured")
	}
	var payload DeliverySavedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil || payload.EntityKey == "" {
		return asynq.SkipRetry
	}

	tracker := metricsOr(j.Metrics).Track(TaskDeliverySaved)
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := jobLogger(j.Logger, TaskDeliverySaved).With(
		slog.String("entity", payload.EntityKey),
		slog.String("offer_id", payload.OfferID),
	)
	if j.Status != nil {
		if err := j.Status.Invalidate(ctx, payload.EntityKey); err != nil {
			logger.Error("invalidate delivery status", slog.Any("error", err))
			return err
		}
	}
	if j.Refresh != nil && j.Refresh.Index != nil {
		if err := j.Refresh.refresh(ctx, "saved:"+payload.EntityKey); err != nil {
			logger.Error("refresh delivery index", slog.Any("error", err))
			return err
		}
	}
	logger.Info("delivery save followed up",
		slog.String("strategy", payload.Strategy),
		slog.Int("items", payload.Items),
		slog.Int("quantity", payload.Quantity),
	)
	return nil
}

func metricsOr(m *jobmetrics.Metrics) *jobmetrics.Metrics {
	if m != nil {
		return m
	}
	return defaultJobMetrics
}

func jobLogger(logger *slog.Logger, job string) *slog.Logger {
	if logger != nil {
		return logger.With(slog.String("job", job))
	}
	return slog.Default().With(slog.String("job", job))
}
