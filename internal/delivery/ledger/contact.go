package ledger

import (
	"encoding/json"
	"strings"
)

// ParseID reads an identifier stored as a string, a number or a wrapper
// object such as {"$oid": "..."}.
func ParseID(raw json.RawMessage) string { return idField(raw) }

// Record is a loosely typed JSON object as sent by the CRM backend.
type Record map[string]json.RawMessage

// ID reads the identifier stored under key.
func (r Record) ID(key string) string { return idField(r[key]) }

// String reads a string field, accepting numbers.
func (r Record) String(key string) string { return stringField(r[key]) }

// Bool reads a boolean flag, accepting strings and numbers.
func (r Record) Bool(key string) bool { return boolField(r[key]) }

// Int reads an integer field, treating malformed values as zero.
func (r Record) Int(key string) int { return intField(r[key]) }

// Object decodes a nested object; missing or malformed values yield nil.
func (r Record) Object(key string) Record {
	var out Record
	if err := json.Unmarshal(r[key], &out); err != nil {
		return nil
	}
	return out
}

// Array decodes a nested array of objects, skipping elements that are not objects.
func (r Record) Array(key string) []Record {
	var raw []json.RawMessage
	if err := json.Unmarshal(r[key], &raw); err != nil {
		return nil
	}
	out := make([]Record, 0, len(raw))
	for _, el := range raw {
		var rec Record
		if err := json.Unmarshal(el, &rec); err == nil && rec != nil {
			out = append(out, rec)
		}
	}
	return out
}

type keySet map[string]struct{}

func (s keySet) push(prefix, value string) {
	if key := ContactKey(prefix, value); key != "" {
		s[key] = struct{}{}
	}
}

func (s keySet) list() []string {
	out := make([]string, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	return out
}

// SummaryContactKeys lists the contact keys an offer summary from the bulk
// delivery index refers to.
func SummaryContactKeys(r Record) []string {
	keys := keySet{}
	lead := r.Object("lead")
	client := r.Object("cliente")

	for _, f := range []string{"lead_id", "id_lead", "leadId"} {
		keys.push(KeyLead, r.ID(f))
	}
	keys.push(KeyLead, lead.ID("id"))
	keys.push(KeyLead, lead.ID("_id"))

	for _, f := range []string{"cliente_id", "id_cliente", "clienteId"} {
		keys.push(KeyClientID, r.ID(f))
	}
	keys.push(KeyClientID, client.ID("id"))
	keys.push(KeyClientID, client.ID("_id"))

	for _, f := range []string{"cliente_numero", "numero_cliente", "cliente_codigo", "codigo_cliente"} {
		keys.push(KeyClientNumber, r.String(f))
	}
	keys.push(KeyClientNumber, client.String("numero"))

	kind := firstNonEmpty(r.String("tipo_contacto"), r.String("contacto_tipo"), r.String("tipo_contact"))
	contact := firstNonEmpty(r.ID("contacto_id"), r.ID("id_contacto"), r.ID("contactoId"))
	kind = strings.ToLower(kind)
	if strings.Contains(kind, "lead") {
		keys.push(KeyLead, contact)
	}
	if strings.Contains(kind, "client") {
		keys.push(KeyClientID, contact)
	}
	return keys.list()
}

// EntityContactKeys lists the contact keys a lead or client row from a list
// view can be matched with.
func EntityContactKeys(r Record) []string {
	keys := keySet{}
	id := r.ID("id")
	keys.push(KeyLead, id)
	keys.push(KeyClientID, id)
	if strings.EqualFold(strings.TrimSpace(r.String("tipo")), "cliente") {
		keys.push(KeyClientNumber, r.String("numero"))
	}
	keys.push(KeyLead, r.ID("lead_id"))
	keys.push(KeyClientID, r.ID("cliente_id"))
	keys.push(KeyClientNumber, r.String("cliente_numero"))
	keys.push(KeyClientNumber, r.String("numero"))

	if original := r.Object("original"); original != nil {
		keys.push(KeyLead, original.ID("id"))
		keys.push(KeyLead, original.ID("lead_id"))
		keys.push(KeyClientID, original.ID("id"))
		keys.push(KeyClientID, original.ID("cliente_id"))
		keys.push(KeyClientNumber, original.String("numero"))
		keys.push(KeyClientNumber, original.String("cliente_numero"))
	}
	return keys.list()
}

// EntityOfferIDs lists the offer ids embedded in a list row.
func EntityOfferIDs(r Record) []string {
	seen := map[string]struct{}{}
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	collect := func(rec Record) {
		add(OfferID(rec))
		for _, o := range rec.Array("ofertas") {
			add(OfferID(o))
		}
	}
	collect(r)
	if original := r.Object("original"); original != nil {
		collect(original)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
