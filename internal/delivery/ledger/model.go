// Package ledger models offers, their material lines and the deliveries
// recorded against them, and derives delivered and pending quantities.
package ledger

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Wire field names used by the offers backend.
const (
	fieldItems         = "items"
	fieldItemsLegacy   = "materiales"
	fieldCode          = "material_codigo"
	fieldDescription   = "descripcion"
	fieldQuantity      = "cantidad"
	fieldDeliveries    = "entregas"
	fieldDate          = "fecha"
	fieldPending       = "cantidad_pendiente_por_entregar"
	fieldItemDelivered = "cantidad_entregada"
	fieldTotalDeliv    = "total_entregado"
	fieldHasMaterials  = "tiene_materiales_entregados"
	fieldHasDeliveries = "tiene_entregas"
	fieldMaterialsDel  = "materiales_entregados"
	fieldLeadID        = "lead_id"
	fieldClientID      = "cliente_id"
	fieldClientNumber  = "cliente_numero"
)

var offerIDFields = []string{
	"id", "_id", "oferta_id", "numero_oferta", "oferta_confeccion_id",
	"id_oferta_confeccion", "ofertaConfeccionId", "mongo_id", "mongodb_id",
}

// DateLayout is the calendar date format deliveries are stored with.
const DateLayout = "2006-01-02"

// Delivery is a quantity handed over on a given date.
type Delivery struct {
	Quantity int
	Date     string

	raw json.RawMessage
}

// NewDelivery builds a delivery that has not been persisted yet.
func NewDelivery(quantity int, date string) Delivery {
	return Delivery{Quantity: quantity, Date: date}
}

// UnmarshalJSON keeps the stored record so it is written back untouched.
func (d *Delivery) UnmarshalJSON(data []byte) error {
	d.raw = slices.Clone(json.RawMessage(data))
	d.Quantity, d.Date = 0, ""
	// Records that are not objects count as nothing but are still written back.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil
	}
	d.Quantity = intField(fields[fieldQuantity])
	d.Date = stringField(fields[fieldDate])
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Delivery) MarshalJSON() ([]byte, error) {
	if len(d.raw) > 0 {
		return d.raw, nil
	}
	return json.Marshal(map[string]any{
		fieldQuantity: d.Quantity,
		fieldDate:     d.Date,
	})
}

// Item is one material line of an offer.
type Item struct {
	MaterialCode string
	Description  string
	Quantity     int
	Deliveries   []Delivery
	// PendingOverride is the backend-computed pending quantity when present.
	PendingOverride *int
	// DeliveredCounter mirrors aggregate counters some backends keep per line.
	DeliveredCounter int

	fields map[string]json.RawMessage
}

// UnmarshalJSON implements json.Unmarshaler.
func (it *Item) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	it.MaterialCode = stringField(fields[fieldCode])
	it.Description = stringField(fields[fieldDescription])
	it.Quantity = intField(fields[fieldQuantity])
	it.Deliveries = nil
	if raw, ok := fields[fieldDeliveries]; ok {
		var deliveries []Delivery
		if err := json.Unmarshal(raw, &deliveries); err == nil {
			it.Deliveries = deliveries
		}
	}
	it.PendingOverride = nil
	if v, ok := parseNumber(fields[fieldPending]); ok {
		pending := int(v)
		it.PendingOverride = &pending
	}
	it.DeliveredCounter = max(intField(fields[fieldItemDelivered]), intField(fields[fieldTotalDeliv]))
	it.fields = fields
	return nil
}

// MarshalJSON writes back every stored field, replacing only the delivery
// list and the pending override.
func (it Item) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(it.fields)+4)
	for k, v := range it.fields {
		out[k] = v
	}
	if it.fields == nil {
		out[fieldCode] = it.MaterialCode
		out[fieldDescription] = it.Description
		out[fieldQuantity] = it.Quantity
	}
	deliveries := it.Deliveries
	if deliveries == nil {
		deliveries = []Delivery{}
	}
	out[fieldDeliveries] = deliveries
	if it.PendingOverride != nil {
		out[fieldPending] = *it.PendingOverride
	}
	return json.Marshal(out)
}

// Offer is the unit of persistence: every item is rewritten together.
type Offer struct {
	ID           string
	LeadID       string
	ClientID     string
	ClientNumber string
	Items        []Item

	// DeliveredFlag is set when the backend marks the offer as having deliveries.
	DeliveredFlag bool
	// DeliveredCounter is the largest offer-level aggregate counter.
	DeliveredCounter int

	fields map[string]json.RawMessage
}

// UnmarshalJSON accepts both "items" and the legacy "materiales" list.
func (o *Offer) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("decode offer: %w", err)
	}
	o.ID = OfferID(fields)
	o.LeadID = idField(fields[fieldLeadID])
	o.ClientID = idField(fields[fieldClientID])
	o.ClientNumber = stringField(fields[fieldClientNumber])

	o.Items = nil
	rawItems, ok := fields[fieldItems]
	if !ok || isNull(rawItems) {
		rawItems, ok = fields[fieldItemsLegacy]
	}
	if ok && !isNull(rawItems) {
		if err := json.Unmarshal(rawItems, &o.Items); err != nil {
			return fmt.Errorf("decode offer %s items: %w", o.ID, err)
		}
	}

	o.DeliveredFlag = boolField(fields[fieldHasMaterials]) || boolField(fields[fieldHasDeliveries])
	o.DeliveredCounter = max(intField(fields[fieldMaterialsDel]), intField(fields[fieldTotalDeliv]))
	o.fields = fields
	return nil
}

// MarshalJSON writes the full offer with its items under "items".
func (o Offer) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.fields)+1)
	for k, v := range o.fields {
		out[k] = v
	}
	delete(out, fieldItemsLegacy)
	if o.fields == nil && o.ID != "" {
		out["id"] = o.ID
	}
	items := o.Items
	if items == nil {
		items = []Item{}
	}
	out[fieldItems] = items
	return json.Marshal(out)
}

// Clone returns a deep copy whose items and deliveries can be mutated freely.
func (o Offer) Clone() Offer {
	cp := o
	cp.fields = maps.Clone(o.fields)
	cp.Items = make([]Item, len(o.Items))
	for i, it := range o.Items {
		cp.Items[i] = it.clone()
	}
	return cp
}

func (it Item) clone() Item {
	cp := it
	cp.fields = maps.Clone(it.fields)
	cp.Deliveries = slices.Clone(it.Deliveries)
	if it.PendingOverride != nil {
		v := *it.PendingOverride
		cp.PendingOverride = &v
	}
	return cp
}

// OfferID extracts the identifier of a stored offer or offer summary,
// looking into a nested "oferta" object when the record has none.
func OfferID(fields map[string]json.RawMessage) string {
	for _, key := range offerIDFields {
		if id := idField(fields[key]); id != "" {
			return id
		}
	}
	var inner map[string]json.RawMessage
	if raw, ok := fields["oferta"]; ok && json.Unmarshal(raw, &inner) == nil {
		for _, key := range offerIDFields {
			if id := idField(inner[key]); id != "" {
				return id
			}
		}
	}
	return ""
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
