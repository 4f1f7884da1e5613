// Package mapping translates vendor payloads into the normalized record
// shapes. Every mapper is total: malformed input degrades to zero or nil
// fields, never to an error.
package mapping

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pysugar/exchange-sync/internal/db/models"
	"gorm.io/datatypes"
)

// vendorRecord is one decoded vendor object. Numbers stay json.Number so
// identifiers and amounts keep their exact text.
type vendorRecord map[string]interface{}

func decode(raw json.RawMessage) vendorRecord {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil || m == nil {
		return vendorRecord{}
	}
	return m
}

// value walks nested objects along path.
func (r vendorRecord) value(path ...string) interface{} {
	var cur interface{} = map[string]interface{}(r)
	for _, key := range path {
		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur = obj[key]
	}
	return cur
}

func (r vendorRecord) str(path ...string) string {
	return scalarString(r.value(path...))
}

func (r vendorRecord) boolean(path ...string) bool {
	return parseBool(r.value(path...))
}

func (r vendorRecord) amount(path ...string) *float64 {
	return ParseCurrency(r.value(path...))
}

func (r vendorRecord) date(path ...string) *time.Time {
	return ParseDate(r.value(path...))
}

func (r vendorRecord) list(path ...string) []interface{} {
	items, _ := r.value(path...).([]interface{})
	return items
}

// objects returns the object elements of the list at path.
func (r vendorRecord) objects(path ...string) []vendorRecord {
	var out []vendorRecord
	for _, item := range r.list(path...) {
		if obj, ok := item.(map[string]interface{}); ok {
			out = append(out, obj)
		}
	}
	return out
}

// firstString returns the first non-empty string among paths.
func (r vendorRecord) firstString(paths ...[]string) string {
	for _, p := range paths {
		if s := r.str(p...); s != "" {
			return s
		}
	}
	return ""
}

// primary picks the element flagged primary from a list of objects, falling
// back to the first element.
func (r vendorRecord) primary(path ...string) vendorRecord {
	items := r.objects(path...)
	for _, item := range items {
		if item.boolean("primary") {
			return item
		}
	}
	if len(items) > 0 {
		return items[0]
	}
	return vendorRecord{}
}

func scalarString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func parseBool(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case json.Number:
		return t.String() != "0"
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "true", "yes", "y", "1":
			return true
		}
	}
	return false
}

// base fills the columns every synced table shares.
func base(rec vendorRecord, raw json.RawMessage, custom customFields, syncedAt time.Time) models.SyncedRecord {
	return models.SyncedRecord{
		VendorID:        rec.str("id"),
		CustomFields:    custom.JSON(),
		RawPayload:      rawPayload(raw),
		VendorCreatedAt: rec.date("created_at"),
		VendorUpdatedAt: rec.date("updated_at"),
		LastSyncedAt:    syncedAt.UTC(),
	}
}

// rawPayload keeps the vendor bytes untouched. Input that is not JSON is
// stored as a JSON string so the column stays valid.
func rawPayload(raw json.RawMessage) datatypes.JSON {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if json.Valid(raw) {
		out := make([]byte, len(raw))
		copy(out, raw)
		return out
	}
	quoted, _ := json.Marshal(string(raw))
	return quoted
}
