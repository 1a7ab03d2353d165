package status

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/solarcrm/reconciler/internal/delivery/ledger"
)

var errEntityNotObject = errors.New("status: entity must be a JSON object")

// Entity is a lead or client row as shown in a CRM list. Only the fields
// the classifier reads are interpreted; the rest is ignored.
type Entity struct {
	rec ledger.Record
}

// NewEntity wraps an already decoded row.
func NewEntity(rec ledger.Record) Entity { return Entity{rec: rec} }

// UnmarshalJSON implements json.Unmarshaler.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var rec ledger.Record
	if err := json.Unmarshal(data, &rec); err != nil || rec == nil {
		return errEntityNotObject
	}
	e.rec = rec
	return nil
}

// IsClient reports whether the row is a client rather than a lead.
func (e Entity) IsClient() bool {
	kind := strings.ToLower(strings.TrimSpace(e.rec.String("kind")))
	if kind == "" {
		kind = strings.ToLower(strings.TrimSpace(e.rec.String("tipo")))
	}
	return strings.HasPrefix(kind, "client")
}

// Key is the contact key results are reported and memoized under. Clients
// are keyed by client number, leads by id.
func (e Entity) Key() string {
	if e.IsClient() {
		for _, f := range []string{"numero", "cliente_numero"} {
			if key := ledger.ContactKey(ledger.KeyClientNumber, e.rec.String(f)); key != "" {
				return key
			}
		}
		return ledger.ContactKey(ledger.KeyClientID, e.rec.ID("id"))
	}
	if key := ledger.ContactKey(ledger.KeyLead, e.rec.ID("id")); key != "" {
		return key
	}
	return ledger.ContactKey(ledger.KeyLead, e.rec.ID("lead_id"))
}

// ContactKeys lists every key the bulk index may know the row under.
func (e Entity) ContactKeys() []string { return ledger.EntityContactKeys(e.rec) }

// OfferIDs lists the offer ids embedded in the row.
func (e Entity) OfferIDs() []string { return ledger.EntityOfferIDs(e.rec) }

// Offers decodes the embedded offer summaries. Malformed entries are skipped.
func (e Entity) Offers() []ledger.Offer {
	var out []ledger.Offer
	collect := func(rec ledger.Record) {
		for _, raw := range rec.Array("ofertas") {
			payload, err := json.Marshal(raw)
			if err != nil {
				continue
			}
			var o ledger.Offer
			if err := json.Unmarshal(payload, &o); err == nil {
				out = append(out, o)
			}
		}
	}
	collect(e.rec)
	if original := e.rec.Object("original"); original != nil {
		collect(original)
	}
	return out
}

// embedded reports what the row itself says about deliveries and whether
// it carries any delivery data at all.
func (e Entity) embedded() (has bool, known bool) {
	for _, rec := range []ledger.Record{e.rec, e.rec.Object("original")} {
		if rec == nil {
			continue
		}
		for _, f := range []string{"tiene_materiales_entregados", "tiene_entregas"} {
			if _, ok := rec[f]; ok {
				known = true
				if rec.Bool(f) {
					return true, true
				}
			}
		}
		for _, f := range []string{"materiales_entregados", "total_entregado"} {
			if _, ok := rec[f]; ok {
				known = true
				if rec.Int(f) > 0 {
					return true, true
				}
			}
		}
	}
	offers := e.Offers()
	if len(offers) > 0 {
		known = true
	}
	for _, o := range offers {
		if ledger.HasAnyDeliveries(o) {
			return true, true
		}
	}
	return false, known
}
