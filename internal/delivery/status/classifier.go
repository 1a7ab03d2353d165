package status

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/solarcrm/reconciler/internal/delivery/offers"
)

// Status is the tri-state answer to "does this contact have deliveries".
type Status string

const (
	StatusYes     Status = "yes"
	StatusNo      Status = "no"
	StatusUnknown Status = "unknown"
)

// Source names the signal a status was derived from.
type Source string

const (
	SourceDialog   Source = "dialog"
	SourceIndex    Source = "index"
	SourceEmbedded Source = "embedded"
	SourceNone     Source = "none"
)

// Result is the classification of one list row.
type Result struct {
	Key    string `json:"key"`
	Status Status `json:"status"`
	Source Source `json:"source"`
	Memo   bool   `json:"memoized,omitempty"`
	// PendingMaterials is set when the index lists one of the row's offers
	// as still having material to deliver.
	PendingMaterials bool `json:"pending_materials,omitempty"`
}

// IndexLoader reads the bulk delivery index.
type IndexLoader interface {
	DeliveryIndex(ctx context.Context) (offers.Index, error)
}

// Classifier answers the delivery status for a page of leads or clients.
type Classifier struct {
	cache  *Cache
	index  IndexLoader
	logger *slog.Logger
}

// NewClassifier builds a classifier. cache may be nil; index may be nil
// when no bulk index is configured.
func NewClassifier(cache *Cache, index IndexLoader, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{cache: cache, index: index, logger: logger}
}

// NewSessionID opens a list session for memoization.
func NewSessionID() string { return uuid.NewString() }

// RefreshIndex reloads the cached bulk index.
func (c *Classifier) RefreshIndex(ctx context.Context) (offers.Index, error) {
	if c.index == nil {
		return offers.Index{}, offers.ErrIndexUnavailable
	}
	return c.cache.RefreshIndex(ctx, c.index.DeliveryIndex)
}

// CloseSession forgets everything memoized for a list session.
func (c *Classifier) CloseSession(ctx context.Context, sessionID string) error {
	return c.cache.DropSession(ctx, sessionID)
}

// Classify resolves each entity in order of trust: the result of a
// verified save in this session, the session memo, the bulk index, then the row's embedded offer data.
// A row is unknown only when the index is unavailable and the row carries
// no delivery data at all. Unknown results are never memoized.
func (c *Classifier) Classify(ctx context.Context, sessionID string, entities []Entity) ([]Result, error) {
	results := make([]Result, len(entities))
	var (
		idx       offers.Index
		available bool
		loaded    bool
	)
	loadIndex := func() {
		if loaded {
			return
		}
		loaded = true
		if c.index == nil {
			return
		}
		var err error
		idx, err = c.cache.Index(ctx, c.index.DeliveryIndex)
		if err != nil {
			c.logger.WarnContext(ctx, "delivery index unavailable", slog.Any("error", err))
			return
		}
		available = true
	}

	for i, e := range entities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		key := e.Key()
		if has, ok, err := c.cache.DialogResult(ctx, sessionID, key); err != nil {
			c.logger.WarnContext(ctx, "read dialog result", slog.String("entity", key), slog.Any("error", err))
		} else if ok {
			results[i] = Result{Key: key, Status: yesNo(has), Source: SourceDialog}
			continue
		}

		if res, ok, err := c.cache.Memo(ctx, sessionID, key); err != nil {
			c.logger.WarnContext(ctx, "read status memo", slog.String("entity", key), slog.Any("error", err))
		} else if ok {
			res.Memo = true
			results[i] = res
			continue
		}

		loadIndex()
		res := classifyRow(e, key, idx, available)
		if res.Status != StatusUnknown {
			if err := c.cache.StoreMemo(ctx, sessionID, res); err != nil {
				c.logger.WarnContext(ctx, "store status memo", slog.String("entity", key), slog.Any("error", err))
			}
		}
		results[i] = res
	}
	return results, nil
}

func classifyRow(e Entity, key string, idx offers.Index, available bool) Result {
	res := Result{Key: key, PendingMaterials: available && idx.HasPending(e.OfferIDs())}
	has, known := e.embedded()
	switch {
	case available && idx.Contains(e.OfferIDs(), e.ContactKeys()):
		res.Status, res.Source = StatusYes, SourceIndex
	case has:
		res.Status, res.Source = StatusYes, SourceEmbedded
	case available:
		res.Status, res.Source = StatusNo, SourceIndex
	case known:
		res.Status, res.Source = StatusNo, SourceEmbedded
	default:
		res.Status, res.Source = StatusUnknown, SourceNone
	}
	return res
}

func yesNo(has bool) Status {
	if has {
		return StatusYes
	}
	return StatusNo
}
