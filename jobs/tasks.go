package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskDeliverySaved follows up on a verified delivery save.
	TaskDeliverySaved = "delivery:saved"
	// TaskDeliveryIndexRefresh reloads the bulk delivery index.
	TaskDeliveryIndexRefresh = "delivery:index_refresh"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"
)

// DeliverySavedPayload describes a verified save.
type DeliverySavedPayload struct {
	Kind      string    `json:"kind"`
	Ref       string    `json:"ref"`
	EntityKey string    `json:"entity_key"`
	OfferID   string    `json:"offer_id"`
	SessionID string    `json:"session_id,omitempty"`
	Strategy  string    `json:"strategy"`
	Items     int       `json:"items"`
	Quantity  int       `json:"quantity"`
	SavedAt   time.Time `json:"saved_at"`
}

// NewDeliverySavedTask constructs an Asynq task.
func NewDeliverySavedTask(payload DeliverySavedPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliverySaved, data, asynq.Queue(QueueDefault), asynq.MaxRetry(5)), nil
}

// IndexRefreshPayload carries the reason a refresh was requested.
type IndexRefreshPayload struct {
	Reason string `json:"reason"`
}

// NewIndexRefreshTask builds a delivery index refresh task.
func NewIndexRefreshTask(reason string) (*asynq.Task, error) {
	body, err := json.Marshal(IndexRefreshPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskDeliveryIndexRefresh, body, asynq.Queue(QueueDefault)), nil
}

// IdempotencyCleanupPayload configures how long keys are retained.
type IdempotencyCleanupPayload struct {
	RetentionHours int `json:"retention_hours"`
}

// NewIdempotencyCleanupTask builds a cleanup task.
func NewIdempotencyCleanupTask(retention time.Duration) (*asynq.Task, error) {
	body, err := json.Marshal(IdempotencyCleanupPayload{RetentionHours: int(retention.Hours())})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault)), nil
}
