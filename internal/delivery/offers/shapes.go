package offers

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/solarcrm/reconciler/internal/delivery/ledger"
)

// The lookup endpoints have answered with several envelopes over time.
// Each matcher either recognises its shape and returns the raw offers or
// reports no match so the next one is tried.
type shapeMatcher struct {
	name  string
	match func(doc document) ([]json.RawMessage, bool)
}

var offerShapes = []shapeMatcher{
	{name: "ofertas", match: matchOfferList},
	{name: "array", match: matchArray},
	{name: "single", match: matchSingleOffer},
}

// document is a decoded response body: either an object or an array.
type document struct {
	object ledger.Record
	array  []json.RawMessage
}

// payload is the object carrying the offers: "data" when it is an
// object, the body itself otherwise.
func (d document) payload() ledger.Record {
	if data := d.object.Object("data"); data != nil {
		return data
	}
	return d.object
}

// DecodeOffers normalizes a lookup response into a list of offers. A body
// that matches no known shape holds no offers.
func DecodeOffers(body []byte) ([]ledger.Offer, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	var doc document
	switch body[0] {
	case '[':
		if err := json.Unmarshal(body, &doc.array); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	case '{':
		if err := json.Unmarshal(body, &doc.object); err != nil {
			return nil, fmt.Errorf("decode body: %w", err)
		}
	default:
		return nil, nil
	}

	for _, shape := range offerShapes {
		raws, ok := shape.match(doc)
		if !ok {
			continue
		}
		offers := make([]ledger.Offer, 0, len(raws))
		for i, raw := range raws {
			if !isObject(raw) {
				continue
			}
			var offer ledger.Offer
			if err := json.Unmarshal(raw, &offer); err != nil {
				return nil, fmt.Errorf("%s shape: offer %d: %w", shape.name, i, err)
			}
			offers = append(offers, offer)
		}
		return offers, nil
	}
	return nil, nil
}

// {"ofertas": [...]} or {"data": {"ofertas": [...]}}.
func matchOfferList(doc document) ([]json.RawMessage, bool) {
	for _, rec := range []ledger.Record{doc.payload(), doc.object} {
		if list, ok := rawArray(rec["ofertas"]); ok && len(list) > 0 {
			return list, true
		}
	}
	return nil, false
}

// [...] or {"data": [...]}.
func matchArray(doc document) ([]json.RawMessage, bool) {
	if doc.array != nil {
		return doc.array, true
	}
	if list, ok := rawArray(doc.object["data"]); ok {
		return list, true
	}
	return nil, false
}

// {"oferta": {...}}, {"data": {...}} or the offer itself, recognised by an
// identifier or an item list.
func matchSingleOffer(doc document) ([]json.RawMessage, bool) {
	payload := doc.payload()
	if payload == nil {
		return nil, false
	}
	if raw, ok := payload["oferta"]; ok && isObject(raw) {
		return []json.RawMessage{raw}, true
	}
	_, hasItems := rawArray(payload["items"])
	_, hasLegacy := rawArray(payload["materiales"])
	if ledger.OfferID(payload) == "" && !hasItems && !hasLegacy {
		return nil, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, false
	}
	return []json.RawMessage{raw}, true
}

func rawArray(raw json.RawMessage) ([]json.RawMessage, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, false
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, false
	}
	return list, true
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 0 && raw[0] == '{'
}
