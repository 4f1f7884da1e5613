package mapping

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var currencyStripper = strings.NewReplacer(
	"$", "", "€", "", "£", "", "¥", "",
	",", "", " ", "", "\u00a0", "",
	"USD", "", "usd", "",
)

// ParseCurrency converts a vendor amount (number or text such as "$1,250.50"
// or "(300)") to a float. Unparsable input yields nil.
func ParseCurrency(v interface{}) *float64 {
	var f float64
	switch t := v.(type) {
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = t
	case int:
		f = float64(t)
	case string:
		s := currencyStripper.Replace(strings.TrimSpace(t))
		negative := false
		if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
			negative = true
			s = s[1 : len(s)-1]
		}
		if s == "" {
			return nil
		}
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		if negative {
			parsed = -parsed
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01-02-2006",
	"January 2, 2006",
	"Jan 2, 2006",
}

// ParseDate accepts ISO-8601 timestamps, plain dates and common US formats.
// Values without a zone are read as UTC. Unparsable input yields nil.
func ParseDate(v interface{}) *time.Time {
	s, ok := v.(string)
	if !ok {
		return nil
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// enumKey normalizes a vendor enumeration value for table lookup.
func enumKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer(" ", "_", "-", "_").Replace(s)
}

// translate looks v up in table and returns def for anything unrecognized.
func translate[T ~string](table map[string]T, v string, def T) T {
	if out, ok := table[enumKey(v)]; ok {
		return out
	}
	return def
}

func addDays(t *time.Time, days int) *time.Time {
	if t == nil {
		return nil
	}
	out := t.AddDate(0, 0, days)
	return &out
}
