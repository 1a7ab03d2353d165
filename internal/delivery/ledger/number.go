package ledger

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// parseNumber reports whether raw holds a usable finite number.
func parseNumber(raw json.RawMessage) (float64, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, false
	}
	var num float64
	if err := json.Unmarshal(raw, &num); err == nil {
		return num, finite(num)
	}
	var str string
	if err := json.Unmarshal(raw, &str); err != nil {
		return 0, false
	}
	str = strings.TrimSpace(str)
	if str == "" {
		return 0, false
	}
	num, err := strconv.ParseFloat(str, 64)
	if err != nil || !finite(num) {
		return 0, false
	}
	return num, true
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// intField reads an integer from raw, treating anything malformed as zero.
// Values beyond the int range saturate.
func intField(raw json.RawMessage) int {
	v, _ := parseNumber(raw)
	switch {
	case v >= math.MaxInt:
		return math.MaxInt
	case v <= math.MinInt:
		return math.MinInt
	}
	return int(math.Trunc(v))
}

// stringField reads a string, accepting bare numbers as their decimal form.
func stringField(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return strings.TrimSpace(str)
	}
	var num json.Number
	if err := json.Unmarshal(raw, &num); err == nil {
		return num.String()
	}
	return ""
}

// idField reads identifiers stored as strings, numbers or wrapper objects
// such as {"$oid": "..."}.
func idField(raw json.RawMessage) string {
	if id := stringField(raw); id != "" {
		return id
	}
	var wrapper map[string]json.RawMessage
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return ""
	}
	for _, key := range []string{"$oid", "oid", "id", "_id", "value"} {
		if id := idField(wrapper[key]); id != "" {
			return id
		}
	}
	return ""
}

// boolField treats true, "true", "1" and non-zero numbers as set.
func boolField(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	if v, ok := parseNumber(raw); ok {
		return v != 0
	}
	switch strings.ToLower(stringField(raw)) {
	case "true", "si", "sí", "yes":
		return true
	}
	return false
}
