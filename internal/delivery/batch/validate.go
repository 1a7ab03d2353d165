// Package batch validates user-entered delivery rows against an offer
// before anything is sent to the offers backend.
package batch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/solarcrm/reconciler/internal/delivery/ledger"
)

// Text holds a raw form field. It accepts JSON strings and numbers.
type Text string

// UnmarshalJSON implements json.Unmarshaler.
func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*t = Text(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*t = Text(n.String())
	return nil
}

func (t Text) trimmed() string { return strings.TrimSpace(string(t)) }

// Draft is one delivery row as typed by the user. Item is the item key
// returned by the offer view, or a bare material code.
type Draft struct {
	Item     string `json:"item"`
	Quantity Text   `json:"quantity"`
	Date     Text   `json:"date"`
}

// Entry is a draft that passed validation.
type Entry struct {
	Row       int
	ItemIndex int
	// ItemKey addresses the item among repeated codes, see ledger.Offer.ItemKeys.
	ItemKey   string
	Item      ledger.Item
	Quantity  int
	Date      time.Time
}

// Delivery converts the entry into the record appended to the item.
func (e Entry) Delivery() ledger.Delivery {
	return ledger.NewDelivery(e.Quantity, e.Date.Format(ledger.DateLayout))
}

// Validated is a batch ready to be written.
type Validated struct {
	Entries []Entry
}

// Totals sums the validated quantities per item index.
func (v Validated) Totals() map[int]int {
	totals := make(map[int]int, len(v.Entries))
	for _, e := range v.Entries {
		totals[e.ItemIndex] += e.Quantity
	}
	return totals
}

// Precheck applies the rules that need no offer data, so obviously broken
// batches are rejected before the offer is loaded.
func Precheck(drafts []Draft) error {
	if err := checkNotEmpty(drafts); err != nil {
		return err
	}
	seen := make(map[string]int, len(drafts))
	for i, d := range drafts {
		key := strings.TrimSpace(d.Item)
		if key == "" {
			continue
		}
		if first, ok := seen[key]; ok {
			return fail(RuleUniqueTarget, i+1, key,
				"material %s appears in rows %d and %d; enter one row per material", key, first+1, i+1)
		}
		seen[key] = i
	}
	return nil
}

// Validate checks drafts against the offer. Rules run one at a time over
// every row, so the first failing rule is reported even when a later row
// violates an earlier rule. It never mutates its inputs.
func Validate(drafts []Draft, offer ledger.Offer) (Validated, error) {
	if err := checkNotEmpty(drafts); err != nil {
		return Validated{}, err
	}

	// Targets that resolve to an item are compared by position so two
	// spellings of one material still count as duplicates.
	targets := make([]int, len(drafts))
	seen := make(map[string]int, len(drafts))
	for i, d := range drafts {
		targets[i] = -1
		ref := strings.TrimSpace(d.Item)
		if ref == "" {
			continue
		}
		key := "ref:" + ref
		if idx, ok := offer.IndexOf(ref); ok {
			targets[i] = idx
			key = "item:" + strconv.Itoa(idx)
		}
		if first, ok := seen[key]; ok {
			label := ref
			if targets[i] >= 0 {
				label = offer.Items[targets[i]].Label()
			}
			return Validated{}, fail(RuleUniqueTarget, i+1, label,
				"%s appears in rows %d and %d; enter one row per material", label, first+1, i+1)
		}
		seen[key] = i
	}

	for i, d := range drafts {
		ref := strings.TrimSpace(d.Item)
		if ref == "" {
			return Validated{}, fail(RuleTargetSelected, i+1, "", "row %d: select a material", i+1)
		}
		if targets[i] < 0 {
			return Validated{}, fail(RuleTargetSelected, i+1, ref, "row %d: material %s is not part of this offer", i+1, ref)
		}
	}

	quantities := make([]int, len(drafts))
	for i, d := range drafts {
		item := offer.Items[targets[i]]
		q, err := strconv.Atoi(d.Quantity.trimmed())
		if err != nil || q <= 0 {
			return Validated{}, fail(RulePositiveQuantity, i+1, item.Label(),
				"%s: quantity must be a whole number greater than zero", item.Label())
		}
		quantities[i] = q
	}

	for i := range drafts {
		item := offer.Items[targets[i]]
		if pending := ledger.Pending(item); quantities[i] > pending {
			return Validated{}, fail(RuleWithinPending, i+1, item.Label(),
				"%s: quantity %d exceeds the %d pending delivery", item.Label(), quantities[i], pending)
		}
	}

	dates := make([]time.Time, len(drafts))
	for i, d := range drafts {
		item := offer.Items[targets[i]]
		date, ok := ParseDate(d.Date.trimmed())
		if !ok {
			return Validated{}, fail(RuleValidDate, i+1, item.Label(),
				"%s: enter a valid delivery date (YYYY-MM-DD)", item.Label())
		}
		dates[i] = date
	}

	added := make(map[int]int, len(drafts))
	for i := range drafts {
		added[targets[i]] += quantities[i]
	}
	for i := range drafts {
		idx := targets[i]
		item := offer.Items[idx]
		if total := ledger.Delivered(item) + added[idx]; total > item.Quantity {
			return Validated{}, fail(RuleWithinTotal, i+1, item.Label(),
				"%s: %d delivered in total would exceed the ordered %d", item.Label(), total, item.Quantity)
		}
	}

	keys := offer.ItemKeys()
	out := Validated{Entries: make([]Entry, len(drafts))}
	for i := range drafts {
		out.Entries[i] = Entry{
			Row:       i + 1,
			ItemIndex: targets[i],
			ItemKey:   keys[targets[i]],
			Item:      offer.Items[targets[i]],
			Quantity:  quantities[i],
			Date:      dates[i],
		}
	}
	return out, nil
}

// ParseDate accepts a calendar date, or a timestamp whose date part is used.
func ParseDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	if d, err := time.Parse(ledger.DateLayout, s); err == nil {
		return d, true
	}
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return time.Date(ts.Year(), ts.Month(), ts.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

func checkNotEmpty(drafts []Draft) error {
	for _, d := range drafts {
		if strings.TrimSpace(d.Item) != "" && d.Quantity.trimmed() != "" {
			return nil
		}
	}
	return fail(RuleNotEmpty, 0, "", "add at least one material with a quantity to deliver")
}
