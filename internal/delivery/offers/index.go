package offers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/solarcrm/reconciler/internal/delivery/ledger"
)

// ErrIndexUnavailable means no delivery index endpoint could be read.
var ErrIndexUnavailable = errors.New("delivery index unavailable")

var defaultIndexPaths = []string{
	offersPath + "/materiales-entregados/ids",
	offersPath + "/materiales-entregados/ids/",
	offersPath + "/materiales-entregados",
	offersPath + "/materiales-entregados/resumen",
	offersPath + "/materiales-entregados/index",
	offersPath + "/ofertas-con-materiales-entregados",
}

func indexCandidates(override string) []string {
	paths := make([]string, 0, len(defaultIndexPaths)+1)
	seen := map[string]bool{}
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" {
			return
		}
		if !strings.HasPrefix(p, "/") {
			p = "/" + p
		}
		if !seen[p] {
			seen[p] = true
			paths = append(paths, p)
		}
	}
	add(override)
	for _, p := range defaultIndexPaths {
		add(p)
	}
	return paths
}

// Index is the bulk set of offers and contacts known to have deliveries.
type Index struct {
	OfferIDs    map[string]bool `json:"offer_ids"`
	ContactKeys map[string]bool `json:"contact_keys"`
	// PendingOfferIDs lists offers that still have material to deliver.
	PendingOfferIDs map[string]bool `json:"pending_offer_ids"`
	Source          string          `json:"source"`
}

// Empty reports whether the index carries no entries.
func (i Index) Empty() bool {
	return len(i.OfferIDs) == 0 && len(i.ContactKeys) == 0 && len(i.PendingOfferIDs) == 0
}

// Contains reports whether any of the offer ids or contact keys is indexed.
func (i Index) Contains(offerIDs, contactKeys []string) bool {
	for _, id := range offerIDs {
		if i.OfferIDs[id] {
			return true
		}
	}
	for _, key := range contactKeys {
		if i.ContactKeys[key] {
			return true
		}
	}
	return false
}

// HasPending reports whether any of the offer ids still has material to
// deliver.
func (i Index) HasPending(offerIDs []string) bool {
	for _, id := range offerIDs {
		if i.PendingOfferIDs[id] {
			return true
		}
	}
	return false
}

// DeliveryIndex reads the bulk delivery index, trying each candidate
// endpoint in order until one yields data. When every candidate fails
// ErrIndexUnavailable is returned; when some answered but none had data
// the index is empty and the error nil.
func (c *Client) DeliveryIndex(ctx context.Context) (Index, error) {
	answered := false
	for _, path := range c.indexPaths {
		status, body, err := c.do(ctx, http.MethodGet, path, nil)
		if err != nil {
			if ctx.Err() != nil {
				return Index{}, fmt.Errorf("%w: %w", ErrIndexUnavailable, ctx.Err())
			}
			continue
		}
		if status < 200 || status > 299 {
			continue
		}
		answered = true
		idx, ok := parseIndex(body)
		if !ok {
			continue
		}
		idx.Source = path
		c.logger.DebugContext(ctx, "delivery index loaded",
			slog.String("source", path),
			slog.Int("offers", len(idx.OfferIDs)),
			slog.Int("contacts", len(idx.ContactKeys)),
		)
		return idx, nil
	}
	if !answered {
		return Index{}, ErrIndexUnavailable
	}
	return Index{OfferIDs: map[string]bool{}, ContactKeys: map[string]bool{}, PendingOfferIDs: map[string]bool{}}, nil
}

// parseIndex reads oferta_ids, filtros.ids_con_materiales_pendientes and
// ofertas[] from the body or its "data" object. Offer ids are derived from
// ofertas[] when oferta_ids is absent.
func parseIndex(body []byte) (Index, bool) {
	var doc ledger.Record
	if !isObject(body) || json.Unmarshal(body, &doc) != nil {
		return Index{}, false
	}
	data := doc.Object("data")
	pick := func(key string) ledger.Record {
		if _, ok := doc[key]; ok {
			return doc
		}
		return data
	}

	idx := Index{
		OfferIDs:        idSet(pick("oferta_ids")["oferta_ids"]),
		ContactKeys:     map[string]bool{},
		PendingOfferIDs: map[string]bool{},
	}
	filters := pick("filtros").Object("filtros")
	if filters != nil {
		idx.PendingOfferIDs = idSet(filters["ids_con_materiales_pendientes"])
	}
	summaries := pick("ofertas").Array("ofertas")
	deriveIDs := len(idx.OfferIDs) == 0
	for _, s := range summaries {
		if id := ledger.OfferID(s); deriveIDs && id != "" {
			idx.OfferIDs[id] = true
		}
		for _, key := range ledger.SummaryContactKeys(s) {
			idx.ContactKeys[key] = true
		}
	}
	ok := !idx.Empty() || len(filters) > 0 || len(summaries) > 0
	return idx, ok
}

func idSet(raw json.RawMessage) map[string]bool {
	out := map[string]bool{}
	list, _ := rawArray(raw)
	for _, el := range list {
		if id := ledger.ParseID(el); id != "" {
			out[id] = true
		}
	}
	return out
}
