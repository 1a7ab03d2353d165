package ledger

import (
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"
)

var upper = cases.Upper(language.Und)

// NormalizeText folds compatibility characters, upper-cases and collapses
// whitespace so codes and descriptions compare reliably.
func NormalizeText(s string) string {
	s = upper.String(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

// NormalizeLookup reduces an identifier to upper-case letters and digits.
// Client numbers are looked up in this form.
func NormalizeLookup(s string) string {
	s = upper.String(norm.NFKC.String(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Contact key prefixes shared with the bulk delivery index.
const (
	KeyLead         = "lead"
	KeyClientID     = "cliente_id"
	KeyClientNumber = "cliente_numero"
)

// ContactKey identifies a lead or client independently of formatting.
// Values without letters or digits keep their upper-cased form; blank
// values yield an empty key.
func ContactKey(prefix, value string) string {
	v := NormalizeLookup(value)
	if v == "" {
		v = NormalizeText(value)
	}
	if v == "" {
		return ""
	}
	return prefix + ":" + v
}

// ItemKey addresses an item by normalized material code, falling back to
// the normalized description when the line has no code.
func ItemKey(it Item) string {
	if code := NormalizeText(it.MaterialCode); code != "" {
		return "code:" + code
	}
	if desc := NormalizeText(it.Description); desc != "" {
		return "desc:" + desc
	}
	return ""
}

// Label is the human reference used in messages about an item.
func (it Item) Label() string {
	switch {
	case it.Description != "":
		return it.Description
	case it.MaterialCode != "":
		return it.MaterialCode
	default:
		return "unnamed material"
	}
}

// ItemKeys returns the key of every item in offer order. Repeated keys
// carry the occurrence number, so the second P1 line is "code:P1#2".
// Items with neither code nor description get an empty key.
func (o Offer) ItemKeys() []string {
	return ordinalKeys(o.Items, ItemKey)
}

func descKey(it Item) string {
	if desc := NormalizeText(it.Description); desc != "" {
		return "desc:" + desc
	}
	return ""
}

func ordinalKeys(items []Item, key func(Item) string) []string {
	keys := make([]string, len(items))
	seen := make(map[string]int, len(items))
	for i, it := range items {
		k := key(it)
		if k == "" {
			continue
		}
		seen[k]++
		if n := seen[k]; n > 1 {
			k += "#" + strconv.Itoa(n)
		}
		keys[i] = k
	}
	return keys
}

// IndexOf resolves an item reference to its position in the offer. The
// reference is either one of ItemKeys or a bare material code, which
// selects the first line carrying that code.
func (o Offer) IndexOf(ref string) (int, bool) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return -1, false
	}
	for i, k := range o.ItemKeys() {
		if k != "" && k == ref {
			return i, true
		}
	}
	code := NormalizeText(ref)
	for i, it := range o.Items {
		if NormalizeText(it.MaterialCode) == code {
			return i, true
		}
	}
	return -1, false
}

// Counterpart finds the item in o that corresponds to prior.Items[i].
// Positions are not trusted across reloads: the n-th line with a given
// code maps to the n-th line with that code, and the description is
// used the same way when codes no longer line up.
func (o Offer) Counterpart(prior Offer, i int) (Item, bool) {
	if i < 0 || i >= len(prior.Items) {
		return Item{}, false
	}
	for _, key := range []func(Item) string{ItemKey, descKey} {
		want := ordinalKeys(prior.Items, key)[i]
		if want == "" {
			continue
		}
		for j, k := range ordinalKeys(o.Items, key) {
			if k == want {
				return o.Items[j], true
			}
		}
	}
	return Item{}, false
}
