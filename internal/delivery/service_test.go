package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/delivery/offers"
	"github.com/solarcrm/reconciler/internal/platform/cache"
	"github.com/solarcrm/reconciler/internal/shared"
)

const leadOffer = `{
	"id": "of-1",
	"lead_id": "L1",
	"estado": "confirmada",
	"items": [
		{"material_codigo": "P1", "descripcion": "Panel 550W", "cantidad": 10,
		 "entregas": [{"cantidad": 4, "fecha": "2023-12-01"}]},
		{"material_codigo": "INV", "descripcion": "Inversor", "cantidad": 1, "entregas": []}
	]
}`

func mustOffer(t *testing.T, raw string) ledger.Offer {
	t.Helper()
	var o ledger.Offer
	require.NoError(t, json.Unmarshal([]byte(raw), &o))
	return o
}

// fakeStore is an in-memory offers backend keyed by lead id or client number.
type fakeStore struct {
	mu      sync.Mutex
	offers  map[string][]ledger.Offer
	fail    map[Strategy]error
	loadErr error
	// drop accepts writes without persisting them.
	drop    bool
	calls   []Strategy
	loads   int
	written []ledger.Offer
}

func newFakeStore(ref string, list ...ledger.Offer) *fakeStore {
	return &fakeStore{offers: map[string][]ledger.Offer{ref: list}, fail: map[Strategy]error{}}
}

func (f *fakeStore) lookup(ref string) ([]ledger.Offer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	out := make([]ledger.Offer, 0, len(f.offers[ref]))
	for _, o := range f.offers[ref] {
		out = append(out, o.Clone())
	}
	return out, nil
}

func (f *fakeStore) OffersByLead(_ context.Context, leadID string) ([]ledger.Offer, error) {
	return f.lookup(leadID)
}

func (f *fakeStore) OffersByClient(_ context.Context, clientNumber string) ([]ledger.Offer, error) {
	return f.lookup(clientNumber)
}

func (f *fakeStore) save(s Strategy, offer ledger.Offer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
	if err := f.fail[s]; err != nil {
		return err
	}
	f.written = append(f.written, offer.Clone())
	if f.drop {
		return nil
	}
	for ref, list := range f.offers {
		for i := range list {
			if list[i].ID == offer.ID {
				f.offers[ref][i] = offer.Clone()
			}
		}
	}
	return nil
}

func (f *fakeStore) ReplaceOffer(_ context.Context, offer ledger.Offer) error {
	return f.save(StrategyReplace, offer)
}

func (f *fakeStore) PatchOffer(_ context.Context, offer ledger.Offer) error {
	return f.save(StrategyPatch, offer)
}

func (f *fakeStore) PatchOfferItems(_ context.Context, offerID string, items []ledger.Item) error {
	f.mu.Lock()
	var current ledger.Offer
	for _, list := range f.offers {
		for _, o := range list {
			if o.ID == offerID {
				current = o.Clone()
			}
		}
	}
	f.mu.Unlock()
	current.Items = items
	return f.save(StrategyPatchItems, current)
}

func (f *fakeStore) stored(ref string) ledger.Offer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers[ref][0].Clone()
}

type fakeStatus struct {
	dialog      map[string]bool
	invalidated []string
}

func (f *fakeStatus) RecordDialogResult(_ context.Context, sessionID, key string, has bool) error {
	if f.dialog == nil {
		f.dialog = map[string]bool{}
	}
	f.dialog[sessionID+"/"+key] = has
	return nil
}

func (f *fakeStatus) Invalidate(_ context.Context, key string) error {
	f.invalidated = append(f.invalidated, key)
	return nil
}

type fakeAudit struct {
	logs []shared.AuditLog
}

func (f *fakeAudit) Record(_ context.Context, log shared.AuditLog) error {
	f.logs = append(f.logs, log)
	return nil
}

type fakeIdempotency struct {
	keys map[string]bool
	err  error
}

func (f *fakeIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	if f.err != nil {
		return f.err
	}
	if f.keys == nil {
		f.keys = map[string]bool{}
	}
	if f.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	f.keys[key] = true
	return nil
}

func (f *fakeIdempotency) Delete(_ context.Context, key string) error {
	delete(f.keys, key)
	return nil
}

type fakeObserver struct {
	mu       sync.Mutex
	saves    []string
	attempts []string
}

func (f *fakeObserver) ObserveSave(outcome string, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves = append(f.saves, outcome)
}

func (f *fakeObserver) ObserveWriteAttempt(strategy, outcome string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, strategy+":"+outcome)
}

type fixture struct {
	store    *fakeStore
	status   *fakeStatus
	audit    *fakeAudit
	idem     *fakeIdempotency
	observer *fakeObserver
	svc      *Service
}

func newFixture(t *testing.T, store *fakeStore) *fixture {
	t.Helper()
	f := &fixture{
		store:    store,
		status:   &fakeStatus{},
		audit:    &fakeAudit{},
		idem:     &fakeIdempotency{},
		observer: &fakeObserver{},
	}
	svc, err := NewService(ServiceConfig{
		Store:       store,
		Status:      f.status,
		Audit:       f.audit,
		Idempotency: f.idem,
		Observer:    f.observer,
	})
	require.NoError(t, err)
	f.svc = svc
	return f
}

func leadInput(drafts ...batch.Draft) SaveInput {
	return SaveInput{Entity: EntityRef{Kind: KindLead, Ref: "L1"}, SessionID: "s1", Actor: "ana", Drafts: drafts}
}

func TestService_Save(t *testing.T) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		f := newFixture(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		var events []SavedEvent
		f.svc.OnSaved(func(_ context.Context, ev SavedEvent) { events = append(events, ev) })

		res, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.NoError(t, err)

		assert.Equal(t, StrategyReplace, res.Strategy)
		assert.Equal(t, "of-1", res.View.OfferID)
		panel := res.View.Items[0]
		assert.Equal(t, 9, panel.Delivered)
		assert.Equal(t, 1, panel.Pending)
		require.Len(t, panel.Deliveries, 2)
		assert.Equal(t, DeliveryView{Quantity: 5, Date: "2024-01-01"}, panel.Deliveries[1])

		stored := f.store.stored("L1")
		assert.Equal(t, 9, ledger.Delivered(stored.Items[0]))
		assert.Equal(t, 0, ledger.Delivered(stored.Items[1]))

		payload, err := json.Marshal(f.store.written[0])
		require.NoError(t, err)
		assert.Contains(t, string(payload), `"estado":"confirmada"`)

		assert.Equal(t, map[string]bool{"s1/lead:L1": true}, f.status.dialog)
		assert.Equal(t, []string{"lead:L1"}, f.status.invalidated)
		assert.Equal(t, []string{OutcomeSaved}, f.observer.saves)
		assert.Equal(t, []string{"put:ok"}, f.observer.attempts)

		require.Len(t, events, 1)
		assert.Equal(t, "lead:L1", events[0].EntityKey)
		assert.Equal(t, 5, events[0].Quantity)
		assert.Equal(t, 1, events[0].Items)

		require.Len(t, f.audit.logs, 1)
		assert.Equal(t, OutcomeSaved, f.audit.logs[0].Outcome)
		assert.Equal(t, "of-1", f.audit.logs[0].EntityID)
		require.Len(t, f.audit.logs[0].Lines, 1)
		assert.Equal(t, "code:P1", f.audit.logs[0].Lines[0].ItemKey)
	})

	t.Run("over-delivery rejected without writing", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		f := newFixture(t, store)

		_, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "7", Date: "2024-01-01"}))
		require.ErrorIs(t, err, batch.ErrInvalidBatch)
		var verr *batch.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, batch.RuleWithinPending, verr.Rule)
		assert.Empty(t, store.calls)
		assert.Equal(t, 4, ledger.Delivered(store.stored("L1").Items[0]))
		assert.Empty(t, f.status.invalidated)
	})

	t.Run("empty batch never reaches the backend", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		f := newFixture(t, store)

		_, err := f.svc.Save(ctx, leadInput())
		require.ErrorIs(t, err, batch.ErrInvalidBatch)
		assert.Zero(t, store.loads)
		assert.Equal(t, []string{OutcomeInvalid}, f.observer.saves)
	})

	t.Run("silent failure is not persisted", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.drop = true
		f := newFixture(t, store)

		_, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.ErrorIs(t, err, ErrNotPersisted)
		var verr *VerificationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, 9, verr.Expected)
		assert.Equal(t, 4, verr.Found)
		assert.Empty(t, f.status.dialog)
		assert.Equal(t, OutcomeNotPersisted, f.audit.logs[0].Outcome)
	})

	t.Run("falls back through strategies", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.fail[StrategyReplace] = &offers.WriteError{Method: "PUT", Status: 405, Message: "method not allowed"}
		f := newFixture(t, store)

		res, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.NoError(t, err)
		assert.Equal(t, StrategyPatch, res.Strategy)
		assert.Equal(t, []Strategy{StrategyReplace, StrategyPatch}, store.calls)
		assert.Equal(t, []string{"put:failed", "patch:ok"}, f.observer.attempts)
	})

	t.Run("items-only patch", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.fail[StrategyReplace] = errors.New("boom")
		store.fail[StrategyPatch] = errors.New("boom")
		f := newFixture(t, store)

		res, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:INV", Quantity: "1", Date: "2024-02-01"}))
		require.NoError(t, err)
		assert.Equal(t, StrategyPatchItems, res.Strategy)
		assert.Equal(t, 1, ledger.Delivered(store.stored("L1").Items[1]))
	})

	t.Run("all attempts fail", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.fail[StrategyReplace] = &offers.WriteError{Method: "PUT", Status: 500, Message: "Error interno"}
		store.fail[StrategyPatch] = &offers.WriteError{Method: "PATCH", Status: 422, Message: "items: campo requerido"}
		store.fail[StrategyPatchItems] = &offers.WriteError{Method: "PATCH", Status: 502}
		f := newFixture(t, store)
		f.idem.keys = map[string]bool{}
		in := leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"})
		in.IdempotencyKey = "k-1"

		_, err := f.svc.Save(ctx, in)
		require.ErrorIs(t, err, ErrWriteFailed)
		var werr *WriteError
		require.ErrorAs(t, err, &werr)
		assert.Equal(t, "items: campo requerido", werr.Message)
		assert.Len(t, werr.Attempts, 3)
		assert.Equal(t, 4, ledger.Delivered(store.stored("L1").Items[0]))
		assert.False(t, f.idem.keys["k-1"], "failed save releases its idempotency key")
	})

	t.Run("no offer", func(t *testing.T) {
		f := newFixture(t, newFakeStore("L1"))
		_, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.ErrorIs(t, err, ErrNoOffer)
	})

	t.Run("load failure", func(t *testing.T) {
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		store.loadErr = offers.ErrUpstream
		f := newFixture(t, store)
		_, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.ErrorIs(t, err, ErrLoadFailed)
		require.ErrorIs(t, err, offers.ErrUpstream)
	})

	t.Run("save already in flight", func(t *testing.T) {
		f := newFixture(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		release, err := f.svc.locker.Acquire(ctx, shared.DeliverySaveLockKey("lead:L1"), time.Minute)
		require.NoError(t, err)

		_, err = f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.ErrorIs(t, err, ErrSaveInProgress)
		assert.Empty(t, f.store.calls)

		require.NoError(t, release(ctx))
		_, err = f.svc.Save(ctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "5", Date: "2024-01-01"}))
		require.NoError(t, err)
	})

	t.Run("replayed idempotency key", func(t *testing.T) {
		f := newFixture(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		in := leadInput(batch.Draft{Item: "code:P1", Quantity: "1", Date: "2024-01-01"})
		in.IdempotencyKey = "k-2"

		_, err := f.svc.Save(ctx, in)
		require.NoError(t, err)
		_, err = f.svc.Save(ctx, in)
		require.ErrorIs(t, err, ErrDuplicateRequest)
		assert.Equal(t, 5, ledger.Delivered(f.store.stored("L1").Items[0]))
	})

	t.Run("survives caller cancellation", func(t *testing.T) {
		f := newFixture(t, newFakeStore("L1", mustOffer(t, leadOffer)))
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := f.svc.Save(cctx, leadInput(batch.Draft{Item: "code:P1", Quantity: "2", Date: "2024-01-01"}))
		require.NoError(t, err)
		assert.Equal(t, 6, ledger.Delivered(f.store.stored("L1").Items[0]))
	})
}

type stubLocker struct {
	err error
}

func (l stubLocker) Acquire(context.Context, string, time.Duration) (func(context.Context) error, error) {
	if l.err != nil {
		return nil, l.err
	}
	return func(context.Context) error { return nil }, nil
}

func TestService_SaveOutcomes(t *testing.T) {
	ctx := context.Background()
	in := leadInput(batch.Draft{Item: "code:P1", Quantity: "1", Date: "2024-01-01"})

	newService := func(t *testing.T, locker Locker, idem IdempotencyGuard) (*Service, *fakeStore, *fakeObserver) {
		t.Helper()
		store := newFakeStore("L1", mustOffer(t, leadOffer))
		observer := &fakeObserver{}
		svc, err := NewService(ServiceConfig{Store: store, Locker: locker, Idempotency: idem, Observer: observer})
		require.NoError(t, err)
		return svc, store, observer
	}

	t.Run("lock held is busy", func(t *testing.T) {
		svc, _, observer := newService(t, stubLocker{err: cache.ErrLockHeld}, nil)
		_, err := svc.Save(ctx, in)
		require.ErrorIs(t, err, ErrSaveInProgress)
		assert.Equal(t, []string{OutcomeBusy}, observer.saves)
	})

	t.Run("lock backend failure is an error", func(t *testing.T) {
		down := errors.New("redis: connection refused")
		svc, store, observer := newService(t, stubLocker{err: down}, nil)
		_, err := svc.Save(ctx, in)
		require.ErrorIs(t, err, down)
		assert.NotErrorIs(t, err, ErrSaveInProgress)
		assert.Equal(t, []string{OutcomeError}, observer.saves)
		assert.Zero(t, store.loads)
	})

	t.Run("idempotency conflict is a duplicate", func(t *testing.T) {
		svc, _, observer := newService(t, stubLocker{}, &fakeIdempotency{err: shared.ErrIdempotencyConflict})
		replay := in
		replay.IdempotencyKey = "k-1"
		_, err := svc.Save(ctx, replay)
		require.ErrorIs(t, err, ErrDuplicateRequest)
		assert.Equal(t, []string{OutcomeDuplicate}, observer.saves)
	})

	t.Run("idempotency store failure is an error", func(t *testing.T) {
		down := errors.New("pg: connection reset")
		svc, store, observer := newService(t, stubLocker{}, &fakeIdempotency{err: down})
		keyed := in
		keyed.IdempotencyKey = "k-2"
		_, err := svc.Save(ctx, keyed)
		require.ErrorIs(t, err, down)
		assert.NotErrorIs(t, err, ErrDuplicateRequest)
		assert.Equal(t, []string{OutcomeError}, observer.saves)
		assert.Zero(t, store.loads)
	})
}

func TestService_SaveRepeatedMaterialCode(t *testing.T) {
	ctx := context.Background()
	offer := mustOffer(t, `{"id":"of-1","lead_id":"L1","items":[
		{"material_codigo":"P1","descripcion":"Panel roof A","cantidad":5,"entregas":[{"cantidad":5,"fecha":"2024-01-01"}]},
		{"material_codigo":"P1","descripcion":"Panel roof B","cantidad":5,"entregas":[]}
	]}`)
	f := newFixture(t, newFakeStore("L1", offer))

	view, err := f.svc.Load(ctx, EntityRef{Kind: KindLead, Ref: "L1"}, "")
	require.NoError(t, err)
	require.Len(t, view.Items, 2)
	assert.Equal(t, "code:P1", view.Items[0].Key)
	assert.Equal(t, "code:P1#2", view.Items[1].Key)

	res, err := f.svc.Save(ctx, leadInput(batch.Draft{Item: view.Items[1].Key, Quantity: "2", Date: "2024-02-01"}))
	require.NoError(t, err)
	assert.Equal(t, 5, res.View.Items[0].Delivered)
	assert.Equal(t, 2, res.View.Items[1].Delivered)
	assert.Equal(t, 3, res.View.Items[1].Pending)
	assert.Equal(t, 2, ledger.Delivered(f.store.stored("L1").Items[1]))

	require.Len(t, f.audit.logs, 1)
	assert.Equal(t, "code:P1#2", f.audit.logs[0].Lines[0].ItemKey)
}

func TestService_Load(t *testing.T) {
	ctx := context.Background()
	second := `{"id":"of-2","items":[{"material_codigo":"B1","cantidad":2}]}`
	f := newFixture(t, newFakeStore("C-042", mustOffer(t, leadOffer), mustOffer(t, second)))
	client := EntityRef{Kind: KindClient, Ref: "C-042"}

	view, err := f.svc.Load(ctx, client, "")
	require.NoError(t, err)
	assert.Equal(t, "of-1", view.OfferID)
	assert.True(t, view.HasDeliveries)
	assert.Equal(t, "code:P1", view.Items[0].Key)
	assert.Equal(t, 6, view.Items[0].Pending)
	assert.Empty(t, f.status.dialog, "opening the dialog records nothing for the classifier")

	view, err = f.svc.Load(ctx, client, "of-2")
	require.NoError(t, err)
	assert.False(t, view.HasDeliveries)

	_, err = f.svc.Load(ctx, client, "missing")
	require.ErrorIs(t, err, ErrNoOffer)
}

func TestApply(t *testing.T) {
	prior := mustOffer(t, leadOffer)
	v, err := batch.Validate([]batch.Draft{{Item: "P1", Quantity: "5", Date: "2024-01-01"}}, prior)
	require.NoError(t, err)

	updated := Apply(prior, v)
	assert.Equal(t, 9, ledger.Delivered(updated.Items[0]))
	assert.Equal(t, 4, ledger.Delivered(prior.Items[0]))
	assert.Len(t, prior.Items[0].Deliveries, 1)

	exp := Expectations(prior, v)
	require.Len(t, exp, 1)
	assert.Equal(t, 9, exp[0].Expected)
}

func TestParseStrategies(t *testing.T) {
	got, err := ParseStrategies([]string{" PATCH_ITEMS", "put", "put"})
	require.NoError(t, err)
	assert.Equal(t, []Strategy{StrategyPatchItems, StrategyReplace}, got)

	got, err = ParseStrategies(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultStrategies, got)

	_, err = ParseStrategies([]string{"post"})
	require.Error(t, err)
}

func TestParseEntityRef(t *testing.T) {
	ref, err := ParseEntityRef("Client", " c-042 ")
	require.NoError(t, err)
	assert.Equal(t, "cliente_numero:C042", ref.Key())

	_, err = ParseEntityRef("vendor", "1")
	require.ErrorIs(t, err, ErrInvalidEntity)
	_, err = ParseEntityRef("lead", " ")
	require.ErrorIs(t, err, ErrInvalidEntity)
}
