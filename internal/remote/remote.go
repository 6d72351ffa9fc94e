// Package remote defines the contracts of the cloud data service and its
// push channel. The service is opaque: rows are column maps, writes are
// upserts with a conflict target, reads are equality filters.
package remote

import (
	"context"
	"fmt"
	"reflect"
	"slices"
)

// Row is one record as a column map.
type Row = map[string]interface{}

// Filter is a conjunction of equality tests. A slice value matches any of
// its elements.
type Filter map[string]interface{}

// ConflictSpec is the upsert conflict target.
type ConflictSpec struct {
	Columns          []string
	IgnoreDuplicates bool
}

// DataService is the remote data API.
type DataService interface {
	// Upsert inserts rows, resolving conflicts on spec.Columns. It returns the
	// resulting records. Rows skipped by IgnoreDuplicates may be absent.
	Upsert(ctx context.Context, table string, rows []Row, conflict ConflictSpec) ([]Row, error)
	// Delete removes every record matching one of keys.
	Delete(ctx context.Context, table string, keys []Row) error
	// Select returns records matching filter.
	Select(ctx context.Context, table string, filter Filter) ([]Row, error)
}

// EventType is the kind of change a push event reports.
type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

// Event is one pushed change.
type Event struct {
	Type      EventType `json:"type"`
	Table     string    `json:"table"`
	Record    Row       `json:"record,omitempty"`
	OldRecord Row       `json:"old_record,omitempty"`
}

// Row returns the record that identifies the event: the new record, or the
// old one for deletes.
func (e Event) Row() Row {
	if e.Type == EventDelete && e.OldRecord != nil {
		return e.OldRecord
	}
	return e.Record
}

// PushFeed delivers server-initiated change events.
type PushFeed interface {
	// Subscribe streams events for table matching filter until ctx ends, at
	// which point the channel is closed.
	Subscribe(ctx context.Context, table string, filter Filter) (<-chan Event, error)
}

// Matches reports whether row satisfies every test in f.
func (f Filter) Matches(row Row) bool {
	for col, want := range f {
		got, ok := row[col]
		if !ok {
			return false
		}
		if !matchValue(got, want) {
			return false
		}
	}
	return true
}

func matchValue(got, want interface{}) bool {
	rv := reflect.ValueOf(want)
	if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() != reflect.Uint8 {
		for i := 0; i < rv.Len(); i++ {
			if sameValue(got, rv.Index(i).Interface()) {
				return true
			}
		}
		return false
	}
	return sameValue(got, want)
}

// sameValue compares scalars loosely so that JSON-decoded numbers and
// strings match their typed equivalents.
func sameValue(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// KeyOf extracts the values of cols from row.
func KeyOf(row Row, cols []string) Row {
	key := make(Row, len(cols))
	for _, c := range cols {
		key[c] = row[c]
	}
	return key
}

// SameKey reports whether a and b agree on every column in cols.
func SameKey(a, b Row, cols []string) bool {
	for _, c := range cols {
		av, aok := a[c]
		bv, bok := b[c]
		if !aok || !bok || !sameValue(av, bv) {
			return false
		}
	}
	return true
}

// Columns returns the sorted union of column names across rows.
func Columns(rows []Row) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range rows {
		for c := range r {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	slices.Sort(cols)
	return cols
}
