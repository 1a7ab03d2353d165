package delivery

import (
	"context"
	"slices"

	"github.com/solarcrm/reconciler/internal/delivery/batch"
	"github.com/solarcrm/reconciler/internal/delivery/ledger"
)

// Expectation is the delivered total an item must reach after a write.
// Index is the item's position in the offer the batch was validated
// against.
type Expectation struct {
	Index    int
	Item     ledger.Item
	Expected int
}

// Expectations computes, per touched item, the prior delivered total plus
// everything the batch adds.
func Expectations(prior ledger.Offer, v batch.Validated) []Expectation {
	totals := v.Totals()
	out := make([]Expectation, 0, len(totals))
	for _, e := range v.Entries {
		added, ok := totals[e.ItemIndex]
		if !ok {
			continue
		}
		delete(totals, e.ItemIndex)
		item := prior.Items[e.ItemIndex]
		out = append(out, Expectation{Index: e.ItemIndex, Item: item, Expected: ledger.Delivered(item) + added})
	}
	return out
}

// Verifier re-reads the backend to confirm a write took effect.
type Verifier struct {
	store OfferStore
}

// NewVerifier creates a verifier reading through store.
func NewVerifier(store OfferStore) *Verifier {
	return &Verifier{store: store}
}

// Verify reloads the entity's offers by the same lookup used to open the
// dialog and checks every expectation against the offer with prior's id.
// Items are located through their counterpart in prior. It returns the
// reloaded offer.
func (v *Verifier) Verify(ctx context.Context, entity EntityRef, prior ledger.Offer, expected []Expectation) (ledger.Offer, error) {
	reloaded, err := fetchOffers(ctx, v.store, entity)
	if err != nil {
		return ledger.Offer{}, &VerificationError{OfferID: prior.ID, Reason: "reload failed", Err: err}
	}
	i := slices.IndexFunc(reloaded, func(o ledger.Offer) bool { return o.ID == prior.ID })
	if i < 0 {
		return ledger.Offer{}, &VerificationError{OfferID: prior.ID, Reason: "offer missing after reload"}
	}
	offer := reloaded[i]

	for _, exp := range expected {
		item, ok := offer.Counterpart(prior, exp.Index)
		if !ok {
			return ledger.Offer{}, &VerificationError{
				OfferID:  offer.ID,
				Item:     exp.Item.Label(),
				Expected: exp.Expected,
				Reason:   "item missing after reload",
			}
		}
		if found := ledger.Delivered(item); found < exp.Expected {
			return ledger.Offer{}, &VerificationError{
				OfferID:  offer.ID,
				Item:     exp.Item.Label(),
				Expected: exp.Expected,
				Found:    found,
			}
		}
	}
	return offer, nil
}

func fetchOffers(ctx context.Context, store OfferStore, entity EntityRef) ([]ledger.Offer, error) {
	if entity.Kind == KindClient {
		return store.OffersByClient(ctx, entity.Ref)
	}
	return store.OffersByLead(ctx, entity.Ref)
}
