package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pysugar/exchange-sync/internal/config"
	"github.com/pysugar/exchange-sync/internal/db"
	"github.com/pysugar/exchange-sync/internal/db/models"
	"github.com/pysugar/exchange-sync/internal/mapping"
	"gorm.io/gorm"
)

// writeFunc maps fetched payloads and upserts them. skipped counts payloads
// without a vendor identifier.
type writeFunc func(ctx context.Context, gdb *gorm.DB, raws []json.RawMessage, syncedAt time.Time) (res db.UpsertResult, skipped int, err error)

// Resource binds a resource key to its vendor endpoint, mapper and table.
type Resource struct {
	Key      string
	Endpoint string
	// Model is a pointer to the zero record, used for row counts.
	Model interface{}

	write   writeFunc
	preview func(json.RawMessage, time.Time) db.Keyed
}

// Preview maps one payload without writing it.
func (r Resource) Preview(raw json.RawMessage, syncedAt time.Time) db.Keyed {
	return r.preview(raw, syncedAt)
}

// NewResource builds a Resource whose payloads go through mapFn and are
// upserted on the vendor identifier.
func NewResource[T db.Keyed](key, endpoint string, mapFn func(json.RawMessage, time.Time) T) Resource {
	return Resource{
		Key:      key,
		Endpoint: endpoint,
		Model:    new(T),
		preview: func(raw json.RawMessage, syncedAt time.Time) db.Keyed {
			return mapFn(raw, syncedAt)
		},
		write: func(ctx context.Context, gdb *gorm.DB, raws []json.RawMessage, syncedAt time.Time) (db.UpsertResult, int, error) {
			records := make([]T, 0, len(raws))
			skipped := 0
			for _, raw := range raws {
				rec := mapFn(raw, syncedAt)
				if rec.ExternalID() == "" {
					skipped++
					continue
				}
				records = append(records, rec)
			}
			res, err := db.UpsertRecords(ctx, gdb, records, models.VendorConflictKey)
			return res, skipped, err
		},
	}
}

// DefaultResources lists every supported resource key in sync order.
var DefaultResources = config.ResourceKeys

// Catalog returns the supported resources keyed by name. endpoints overrides
// the vendor path of individual resources.
func Catalog(endpoints map[string]string) map[string]Resource {
	resources := []Resource{
		NewResource("contacts", "contacts", mapping.MapContact),
		NewResource("matters", "matters", mapping.MapMatter),
		NewResource("tasks", "tasks", mapping.MapTask),
		NewResource("notes", "notes", mapping.MapNote),
		NewResource("invoices", "bills", mapping.MapBill),
		NewResource("expenses", "activities?type=ExpenseEntry", mapping.MapExpense),
		NewResource("users", "users", mapping.MapUser),
	}

	catalog := make(map[string]Resource, len(resources))
	for _, r := range resources {
		if override := strings.TrimSpace(endpoints[r.Key]); override != "" {
			r.Endpoint = override
		}
		catalog[r.Key] = r
	}
	return catalog
}

// resolveResources normalizes and de-duplicates keys, preserving order, and
// rejects keys missing from catalog.
func resolveResources(catalog map[string]Resource, keys []string) ([]Resource, error) {
	var (
		out     []Resource
		unknown []string
		seen    = make(map[string]bool, len(keys))
	)
	for _, k := range keys {
		k = strings.ToLower(strings.TrimSpace(k))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		r, ok := catalog[k]
		if !ok {
			unknown = append(unknown, k)
			continue
		}
		out = append(out, r)
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("%w: %s", ErrUnknownResource, strings.Join(unknown, ", "))
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no resources requested", ErrUnknownResource)
	}
	return out, nil
}
