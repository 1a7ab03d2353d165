package delivery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
	"github.com/solarcrm/reconciler/internal/shared"
)

// ============================================================================
// CONTACTS
// ============================================================================

// EntityKind distinguishes leads from clients.
type EntityKind string

const (
	KindLead   EntityKind = "lead"
	KindClient EntityKind = "client"
)

// EntityRef addresses the lead or client whose offer is reconciled. Ref is
// the lead id or the client number.
type EntityRef struct {
	Kind EntityKind `json:"kind"`
	Ref  string     `json:"ref"`
}

// ParseEntityRef validates a kind/ref pair taken from a request.
func ParseEntityRef(kind, ref string) (EntityRef, error) {
	e := EntityRef{Kind: EntityKind(strings.ToLower(strings.TrimSpace(kind))), Ref: strings.TrimSpace(ref)}
	if e.Kind != KindLead && e.Kind != KindClient {
		return EntityRef{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidEntity, kind)
	}
	if e.Ref == "" {
		return EntityRef{}, fmt.Errorf("%w: empty reference", ErrInvalidEntity)
	}
	return e, nil
}

// Key is the contact key shared with the status classifier and the bulk
// delivery index.
func (e EntityRef) Key() string {
	if e.Kind == KindClient {
		return ledger.ContactKey(ledger.KeyClientNumber, e.Ref)
	}
	return ledger.ContactKey(ledger.KeyLead, e.Ref)
}

func (e EntityRef) String() string {
	return string(e.Kind) + "/" + e.Ref
}

// ============================================================================
// COLLABORATORS
// ============================================================================

// OfferStore reads and writes offers on the backend of record.
type OfferStore interface {
	OffersByLead(ctx context.Context, leadID string) ([]ledger.Offer, error)
	OffersByClient(ctx context.Context, clientNumber string) ([]ledger.Offer, error)
	ReplaceOffer(ctx context.Context, offer ledger.Offer) error
	PatchOffer(ctx context.Context, offer ledger.Offer) error
	PatchOfferItems(ctx context.Context, offerID string, items []ledger.Item) error
}

// StatusRecorder keeps the classifier informed about verified saves.
type StatusRecorder interface {
	RecordDialogResult(ctx context.Context, sessionID, entityKey string, hasDeliveries bool) error
	Invalidate(ctx context.Context, entityKey string) error
}

// AuditRecorder persists the reconciliation trail.
type AuditRecorder interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// IdempotencyGuard rejects replayed save requests.
type IdempotencyGuard interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// Observer receives reconciliation metrics.
type Observer interface {
	ObserveSave(outcome string, elapsed time.Duration)
	ObserveWriteAttempt(strategy, outcome string)
}

// CompletionFunc is notified after a save has been verified.
type CompletionFunc func(ctx context.Context, ev SavedEvent)

// SavedEvent announces a verified save.
type SavedEvent struct {
	Entity    EntityRef
	EntityKey string
	OfferID   string
	SessionID string
	Strategy  Strategy
	Items     int
	Quantity  int
	SavedAt   time.Time
}

// ============================================================================
// VIEWS
// ============================================================================

// DeliveryView is a recorded delivery.
type DeliveryView struct {
	Quantity int    `json:"quantity"`
	Date     string `json:"date"`
}

// ItemView is one material line as shown in the delivery dialog.
type ItemView struct {
	Key          string         `json:"key"`
	MaterialCode string         `json:"material_code,omitempty"`
	Description  string         `json:"description"`
	Quantity     int            `json:"quantity"`
	Delivered    int            `json:"delivered"`
	Pending      int            `json:"pending"`
	Deliveries   []DeliveryView `json:"deliveries"`
}

// OfferView is the delivery dialog for one offer.
type OfferView struct {
	Entity        EntityRef  `json:"entity"`
	OfferID       string     `json:"offer_id"`
	HasDeliveries bool       `json:"has_deliveries"`
	Items         []ItemView `json:"items"`
}

// NewOfferView derives the dialog view from a trusted offer.
func NewOfferView(entity EntityRef, offer ledger.Offer) OfferView {
	view := OfferView{
		Entity:        entity,
		OfferID:       offer.ID,
		HasDeliveries: ledger.HasAnyDeliveries(offer),
		Items:         make([]ItemView, 0, len(offer.Items)),
	}
	keys := offer.ItemKeys()
	for i, it := range offer.Items {
		iv := ItemView{
			Key:          keys[i],
			MaterialCode: it.MaterialCode,
			Description:  it.Label(),
			Quantity:     it.Quantity,
			Delivered:    ledger.Delivered(it),
			Pending:      ledger.Pending(it),
			Deliveries:   make([]DeliveryView, 0, len(it.Deliveries)),
		}
		for _, d := range it.Deliveries {
			iv.Deliveries = append(iv.Deliveries, DeliveryView{Quantity: d.Quantity, Date: d.Date})
		}
		view.Items = append(view.Items, iv)
	}
	return view
}

// SaveInput is a delivery batch submitted for one entity.
type SaveInput struct {
	Entity EntityRef
	// OfferID selects one of several offers; empty picks the first.
	OfferID        string
	SessionID      string
	Actor          string
	IdempotencyKey string
	Drafts         []batch.Draft
}

// SaveResult is the verified state after a save.
type SaveResult struct {
	View     OfferView
	Strategy Strategy
}
