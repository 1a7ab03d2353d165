package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/platform/cache"
	"github.com/solarcrm/reconciler/internal/shared"
)

const (
	idempotencyModule = "delivery.save"
	auditAction       = "delivery.reconcile"
)

// Save outcomes reported to the observer and the audit trail.
const (
	OutcomeSaved        = "saved"
	OutcomeInvalid      = "invalid"
	OutcomeNoOffer      = "no_offer"
	OutcomeLoadFailed   = "load_failed"
	OutcomeWriteFailed  = "write_failed"
	OutcomeNotPersisted = "not_persisted"
	OutcomeBusy         = "busy"
	OutcomeDuplicate    = "duplicate"
	OutcomeError        = "error"
)

// Locker guards one save per contact at a time.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error)
}

// ServiceConfig wires the service. Store is required.
type ServiceConfig struct {
	Store       OfferStore
	Strategies  []Strategy
	Status      StatusRecorder
	Audit       AuditRecorder
	Idempotency IdempotencyGuard
	Locker      Locker
	Observer    Observer
	Logger      *slog.Logger
	// SaveTimeout bounds a save once started; it is not cut short when the
	// caller goes away.
	SaveTimeout time.Duration
}

// Service runs the load → validate → write → verify cycle.
type Service struct {
	store    OfferStore
	writer   *Writer
	verifier *Verifier
	status   StatusRecorder
	audit    AuditRecorder
	idem     IdempotencyGuard
	locker   Locker
	observer Observer
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu      sync.RWMutex
	onSaved []CompletionFunc
}

// NewService builds a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("delivery: offer store required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := cfg.Locker
	if locker == nil {
		locker = newLocalLocker()
	}
	timeout := cfg.SaveTimeout
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &Service{
		store:    cfg.Store,
		writer:   NewWriter(cfg.Store, cfg.Strategies, cfg.Observer, logger),
		verifier: NewVerifier(cfg.Store),
		status:   cfg.Status,
		audit:    cfg.Audit,
		idem:     cfg.Idempotency,
		locker:   locker,
		observer: cfg.Observer,
		logger:   logger,
		timeout:  timeout,
		now:      time.Now,
	}, nil
}

// OnSaved registers fn to run after every verified save.
func (s *Service) OnSaved(fn CompletionFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSaved = append(s.onSaved, fn)
}

// Load fetches the entity's offer for the delivery dialog. offerID picks
// one of several offers; empty selects the first. Nothing is recorded for
// the status classifier until a save has been verified.
func (s *Service) Load(ctx context.Context, entity EntityRef, offerID string) (OfferView, error) {
	offer, err := s.loadOffer(ctx, entity, offerID)
	if err != nil {
		return OfferView{}, err
	}
	return NewOfferView(entity, offer), nil
}

func (s *Service) loadOffer(ctx context.Context, entity EntityRef, offerID string) (ledger.Offer, error) {
	offers, err := fetchOffers(ctx, s.store, entity)
	if err != nil {
		return ledger.Offer{}, fmt.Errorf("%w for %s: %w", ErrLoadFailed, entity, err)
	}
	if len(offers) == 0 {
		return ledger.Offer{}, ErrNoOffer
	}
	if offerID == "" {
		return offers[0], nil
	}
	for _, o := range offers {
		if o.ID == offerID {
			return o, nil
		}
	}
	return ledger.Offer{}, fmt.Errorf("%w: offer %s not found", ErrNoOffer, offerID)
}

// Save validates the drafts against a fresh copy of the offer, writes the
// updated offer and confirms the write by reading it back. Nothing is
// reported as saved unless the read-back shows the new deliveries.
func (s *Service) Save(ctx context.Context, in SaveInput) (*SaveResult, error) {
	started := s.now()
	if err := batch.Precheck(in.Drafts); err != nil {
		s.observe(OutcomeInvalid, started)
		return nil, err
	}

	// The caller may disconnect; the save still runs to completion.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	key := in.Entity.Key()
	release, err := s.locker.Acquire(ctx, shared.DeliverySaveLockKey(key), s.timeout)
	if err != nil {
		if errors.Is(err, cache.ErrLockHeld) {
			s.observe(OutcomeBusy, started)
			return nil, ErrSaveInProgress
		}
		s.observe(OutcomeError, started)
		return nil, fmt.Errorf("lock %s: %w", in.Entity, err)
	}
	defer func() {
		if err := release(ctx); err != nil {
			s.logger.WarnContext(ctx, "release delivery lock", slog.String("entity", key), slog.Any("error", err))
		}
	}()

	if in.IdempotencyKey != "" && s.idem != nil {
		if err := s.idem.CheckAndInsert(ctx, in.IdempotencyKey, idempotencyModule); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				s.observe(OutcomeDuplicate, started)
				return nil, ErrDuplicateRequest
			}
			s.observe(OutcomeError, started)
			return nil, fmt.Errorf("idempotency: %w", err)
		}
	}

	result, entries, offerID, err := s.reconcile(ctx, in)
	outcome := outcomeOf(err)
	s.observe(outcome, started)
	s.recordAudit(ctx, in, offerID, outcome, result, entries, err, started)

	if err != nil {
		if in.IdempotencyKey != "" && s.idem != nil {
			if derr := s.idem.Delete(ctx, in.IdempotencyKey); derr != nil {
				s.logger.WarnContext(ctx, "release idempotency key", slog.Any("error", derr))
			}
		}
		return nil, err
	}

	s.recordStatus(ctx, in.SessionID, in.Entity, result.View.HasDeliveries)
	if s.status != nil {
		if err := s.status.Invalidate(ctx, key); err != nil {
			s.logger.WarnContext(ctx, "invalidate delivery status", slog.String("entity", key), slog.Any("error", err))
		}
	}
	s.notify(ctx, SavedEvent{
		Entity:    in.Entity,
		EntityKey: key,
		OfferID:   result.View.OfferID,
		SessionID: in.SessionID,
		Strategy:  result.Strategy,
		Items:     len(batch.Validated{Entries: entries}.Totals()),
		Quantity:  sumQuantities(entries),
		SavedAt:   s.now(),
	})
	return result, nil
}

func (s *Service) reconcile(ctx context.Context, in SaveInput) (*SaveResult, []batch.Entry, string, error) {
	prior, err := s.loadOffer(ctx, in.Entity, in.OfferID)
	if err != nil {
		return nil, nil, in.OfferID, err
	}

	validated, err := batch.Validate(in.Drafts, prior)
	if err != nil {
		return nil, nil, prior.ID, err
	}

	updated := Apply(prior, validated)
	strategy, err := s.writer.Write(ctx, updated)
	if err != nil {
		return nil, validated.Entries, prior.ID, err
	}

	reloaded, err := s.verifier.Verify(ctx, in.Entity, prior, Expectations(prior, validated))
	if err != nil {
		s.logger.ErrorContext(ctx, "delivery write not persisted",
			slog.String("entity", in.Entity.String()),
			slog.String("offer_id", prior.ID),
			slog.String("strategy", string(strategy)),
			slog.Any("error", err),
		)
		return nil, validated.Entries, prior.ID, err
	}

	s.logger.InfoContext(ctx, "delivery reconciled",
		slog.String("entity", in.Entity.String()),
		slog.String("offer_id", reloaded.ID),
		slog.String("strategy", string(strategy)),
		slog.Int("rows", len(validated.Entries)),
	)
	return &SaveResult{View: NewOfferView(in.Entity, reloaded), Strategy: strategy}, validated.Entries, prior.ID, nil
}

func (s *Service) recordStatus(ctx context.Context, sessionID string, entity EntityRef, has bool) {
	if s.status == nil {
		return
	}
	if err := s.status.RecordDialogResult(ctx, sessionID, entity.Key(), has); err != nil {
		s.logger.WarnContext(ctx, "record delivery status", slog.String("entity", entity.String()), slog.Any("error", err))
	}
}

func (s *Service) recordAudit(ctx context.Context, in SaveInput, offerID, outcome string, result *SaveResult, entries []batch.Entry, saveErr error, started time.Time) {
	if s.audit == nil {
		return
	}
	meta := map[string]any{
		"session_id": in.SessionID,
		"elapsed_ms": s.now().Sub(started).Milliseconds(),
	}
	if result != nil {
		meta["strategy"] = string(result.Strategy)
	}
	if saveErr != nil {
		meta["error"] = saveErr.Error()
	}
	lines := make([]shared.AuditLine, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, shared.AuditLine{
			ItemKey:     e.ItemKey,
			Description: e.Item.Label(),
			Quantity:    e.Quantity,
			Date:        e.Date.Format(ledger.DateLayout),
		})
	}
	entityID := offerID
	if entityID == "" {
		entityID = in.Entity.Key()
	}
	err := s.audit.Record(ctx, shared.AuditLog{
		ID:       uuid.New(),
		Actor:    in.Actor,
		Action:   auditAction,
		Entity:   string(in.Entity.Kind),
		EntityID: entityID,
		Outcome:  outcome,
		Meta:     meta,
		Lines:    lines,
		At:       started,
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record reconciliation audit", slog.Any("error", err))
	}
}

func (s *Service) notify(ctx context.Context, ev SavedEvent) {
	s.mu.RLock()
	handlers := append([]CompletionFunc(nil), s.onSaved...)
	s.mu.RUnlock()
	for _, fn := range handlers {
		fn(ctx, ev)
	}
}

func (s *Service) observe(outcome string, started time.Time) {
	if s.observer != nil {
		s.observer.ObserveSave(outcome, s.now().Sub(started))
	}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeSaved
	case errors.Is(err, batch.ErrInvalidBatch):
		return OutcomeInvalid
	case errors.Is(err, ErrNoOffer):
		return OutcomeNoOffer
	case errors.Is(err, ErrWriteFailed):
		return OutcomeWriteFailed
	case errors.Is(err, ErrNotPersisted):
		return OutcomeNotPersisted
	default:
		return OutcomeLoadFailed
	}
}

func sumQuantities(entries []batch.Entry) int {
	total := 0
	for _, e := range entries {
		total += e.Quantity
	}
	return total
}

// localLocker is the in-process fallback when no shared lock is configured.
type localLocker struct {
	held sync.Map
}

func newLocalLocker() *localLocker { return &localLocker{} }

func (l *localLocker) Acquire(_ context.Context, key string, _ time.Duration) (func(context.Context) error, error) {
	if _, busy := l.held.LoadOrStore(key, struct{}{}); busy {
		return nil, cache.ErrLockHeld
	}
	return func(context.Context) error {
		l.held.Delete(key)
		return nil
	}, nil
}
