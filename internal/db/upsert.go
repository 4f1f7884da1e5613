package db

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	upsertBatchSize  = 50
	existingIDsChunk = 500
)

// Keyed is implemented by every record written through UpsertRecords.
type Keyed interface {
	ExternalID() string
}

// UpsertResult counts rows written by one UpsertRecords call.
type UpsertResult struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
}

// Total is the number of distinct rows written.
func (r UpsertResult) Total() int {
	return r.Created + r.Updated
}

// WriteError wraps a backing-store failure for one table.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// UpsertRecords inserts absent rows and updates existing ones keyed on
// conflictKey, inside one transaction. Records with an empty key are skipped;
// when the same key appears twice the last record wins.
func UpsertRecords[T Keyed](ctx context.Context, db *gorm.DB, records []T, conflictKey string) (UpsertResult, error) {
	records = dedupeByExternalID(records)
	if len(records) == 0 {
		return UpsertResult{}, nil
	}

	table := tableName(db, records[0])
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ExternalID()
	}

	var result UpsertResult
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing := make(map[string]struct{}, len(ids))
		for start := 0; start < len(ids); start += existingIDsChunk {
			end := min(start+existingIDsChunk, len(ids))
			var found []string
			if err := tx.Table(table).Where(clause.IN{Column: clause.Column{Name: conflictKey}, Values: toValues(ids[start:end])}).
				Pluck(conflictKey, &found).Error; err != nil {
				return fmt.Errorf("lookup existing keys: %w", err)
			}
			for _, id := range found {
				existing[id] = struct{}{}
			}
		}

		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: conflictKey}},
			UpdateAll: true,
		}).CreateInBatches(&records, upsertBatchSize).Error; err != nil {
			return err
		}

		for _, id := range ids {
			if _, ok := existing[id]; ok {
				result.Updated++
			} else {
				result.Created++
			}
		}
		return nil
	})
	if err != nil {
		return UpsertResult{}, &WriteError{Table: table, Err: err}
	}
	return result, nil
}

// CountRows returns the row count of the table backing model.
func CountRows(ctx context.Context, db *gorm.DB, model interface{}) (int64, error) {
	var n int64
	err := db.WithContext(ctx).Model(model).Count(&n).Error
	return n, err
}

func dedupeByExternalID[T Keyed](records []T) []T {
	index := make(map[string]int, len(records))
	out := make([]T, 0, len(records))
	for _, rec := range records {
		id := rec.ExternalID()
		if id == "" {
			continue
		}
		if i, ok := index[id]; ok {
			out[i] = rec
			continue
		}
		index[id] = len(out)
		out = append(out, rec)
	}
	return out
}

func toValues(ids []string) []interface{} {
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = id
	}
	return values
}

func tableName(db *gorm.DB, model interface{}) string {
	stmt := &gorm.Statement{DB: db}
	if err := stmt.Parse(model); err != nil || stmt.Schema == nil {
		return fmt.Sprintf("%T", model)
	}
	return stmt.Schema.Table
}
