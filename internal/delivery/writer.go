package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/delivery/offers"
)

// Strategy is one way of writing an offer back.
type Strategy string

const (
	StrategyReplace    Strategy = "put"
	StrategyPatch      Strategy = "patch"
	StrategyPatchItems Strategy = "patch_items"
)

// DefaultStrategies is the attempt order used when none is configured.
var DefaultStrategies = []Strategy{StrategyReplace, StrategyPatch, StrategyPatchItems}

// ParseStrategies reads a comma separated attempt order.
func ParseStrategies(values []string) ([]Strategy, error) {
	var out []Strategy
	seen := map[Strategy]bool{}
	for _, v := range values {
		s := Strategy(strings.ToLower(strings.TrimSpace(v)))
		if s == "" {
			continue
		}
		switch s {
		case StrategyReplace, StrategyPatch, StrategyPatchItems:
		default:
			return nil, fmt.Errorf("unknown write strategy %q", v)
		}
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return append([]Strategy(nil), DefaultStrategies...), nil
	}
	return out, nil
}

// Apply folds a validated batch into a copy of the offer. The input offer
// is left untouched.
func Apply(offer ledger.Offer, v batch.Validated) ledger.Offer {
	updated := offer.Clone()
	for _, e := range v.Entries {
		updated.Append(e.ItemIndex, e.Delivery())
	}
	return updated
}

// Writer persists offers, falling back through the configured strategies
// because the backend does not accept the same verb and payload everywhere.
type Writer struct {
	store      OfferStore
	strategies []Strategy
	observer   Observer
	logger     *slog.Logger
}

// NewWriter builds a writer trying strategies in order.
func NewWriter(store OfferStore, strategies []Strategy, observer Observer, logger *slog.Logger) *Writer {
	if len(strategies) == 0 {
		strategies = DefaultStrategies
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{store: store, strategies: strategies, observer: observer, logger: logger}
}

// Write tries each strategy sequentially and stops at the first success,
// returning the strategy that was accepted. When every attempt fails the
// error is a *WriteError.
func (w *Writer) Write(ctx context.Context, offer ledger.Offer) (Strategy, error) {
	werr := &WriteError{}
	for _, s := range w.strategies {
		err := w.attempt(ctx, s, offer)
		if err == nil {
			w.observe(s, "ok")
			return s, nil
		}
		w.observe(s, "failed")
		w.logger.WarnContext(ctx, "offer write attempt failed",
			slog.String("offer_id", offer.ID),
			slog.String("strategy", string(s)),
			slog.Any("error", err),
		)
		werr.Attempts = append(werr.Attempts, fmt.Sprintf("%s: %v", s, err))
		if msg := backendMessage(err); msg != "" {
			werr.Message = msg
		} else if werr.Message == "" {
			werr.Message = err.Error()
		}
		if ctx.Err() != nil {
			break
		}
	}
	return "", werr
}

func (w *Writer) attempt(ctx context.Context, s Strategy, offer ledger.Offer) error {
	switch s {
	case StrategyReplace:
		return w.store.ReplaceOffer(ctx, offer)
	case StrategyPatch:
		return w.store.PatchOffer(ctx, offer)
	case StrategyPatchItems:
		return w.store.PatchOfferItems(ctx, offer.ID, offer.Items)
	default:
		return fmt.Errorf("unknown write strategy %q", s)
	}
}

func (w *Writer) observe(s Strategy, outcome string) {
	if w.observer != nil {
		w.observer.ObserveWriteAttempt(string(s), outcome)
	}
}

// backendMessage extracts the explanation the backend itself gave.
func backendMessage(err error) string {
	var werr *offers.WriteError
	if errors.As(err, &werr) {
		return werr.Message
	}
	return ""
}
