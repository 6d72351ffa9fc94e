// Package sync applies batches of pending changes to the remote data
// service.
package sync

import (
	"context"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
)

// Applied pairs a change with the record the server returned for it. Row
// is nil for deletes and for upserts the server skipped as duplicates.
type Applied struct {
	Change *models.PendingChange
	Row    remote.Row
}

// Engine turns pending changes into remote writes.
type Engine struct {
	remote remote.DataService
}

// NewEngine creates an Engine over svc.
func NewEngine(svc remote.DataService) *Engine {
	return &Engine{remote: svc}
}

type decoded struct {
	change *models.PendingChange
	row    remote.Row
}

// ApplyBatch writes changes, which must all belong to table, in order.
// Consecutive inserts and updates become one upsert on the table's conflict
// target; consecutive deletes become one delete. On error nothing is
// reported as applied, even if an earlier segment reached the server.
func (e *Engine) ApplyBatch(ctx context.Context, table string, changes []*models.PendingChange) ([]Applied, error) {
	spec := remote.SpecFor(table)

	items := make([]decoded, 0, len(changes))
	for _, c := range changes {
		if c.TableName != table {
			return nil, errors.Newf(errors.ErrInvalid, "change %d belongs to %s, not %s", c.ID, c.TableName, table)
		}
		row, err := c.Row()
		if err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "decode change payload", err)
		}
		if spec.UsesIdempotencyColumn() {
			if _, ok := row[remote.IdempotencyColumn]; !ok {
				row[remote.IdempotencyColumn] = c.IdempotencyKey
			}
		}
		items = append(items, decoded{change: c, row: row})
	}

	var applied []Applied
	for start := 0; start < len(items); {
		end := start + 1
		isDelete := items[start].change.Operation == models.OperationDelete
		for end < len(items) && (items[end].change.Operation == models.OperationDelete) == isDelete {
			end++
		}

		var (
			out []Applied
			err error
		)
		if isDelete {
			out, err = e.applyDeletes(ctx, table, spec, items[start:end])
		} else {
			out, err = e.applyUpserts(ctx, table, spec, items[start:end])
		}
		if err != nil {
			return nil, err
		}
		applied = append(applied, out...)
		start = end
	}
	return applied, nil
}

func (e *Engine) applyUpserts(ctx context.Context, table string, spec remote.TableSpec, items []decoded) ([]Applied, error) {
	rows := dedupe(items, spec.Conflict.Columns)

	returned, err := e.remote.Upsert(ctx, table, rows, spec.Conflict)
	if err != nil {
		return nil, err
	}

	out := make([]Applied, len(items))
	for i, it := range items {
		out[i] = Applied{Change: it.change, Row: match(returned, it.row, spec.Keys)}
	}
	return out, nil
}

func (e *Engine) applyDeletes(ctx context.Context, table string, spec remote.TableSpec, items []decoded) ([]Applied, error) {
	keys := make([]remote.Row, 0, len(items))
	for _, it := range items {
		key, err := deleteKey(it.row, spec.Keys)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := e.remote.Delete(ctx, table, keys); err != nil {
		return nil, err
	}

	out := make([]Applied, len(items))
	for i, it := range items {
		out[i] = Applied{Change: it.change}
	}
	return out, nil
}

// dedupe keeps the last payload per idempotency key, then the last per
// conflict target, so a single statement never touches a row twice.
func dedupe(items []decoded, conflictCols []string) []remote.Row {
	lastByKey := make(map[string]int, len(items))
	for i, it := range items {
		lastByKey[it.change.IdempotencyKey] = i
	}

	var rows []remote.Row
	for i, it := range items {
		if lastByKey[it.change.IdempotencyKey] != i {
			continue
		}
		replaced := false
		if len(conflictCols) > 0 {
			for j, r := range rows {
				if remote.SameKey(r, it.row, conflictCols) {
					rows[j] = it.row
					replaced = true
					break
				}
			}
		}
		if !replaced {
			rows = append(rows, it.row)
		}
	}
	return rows
}

func match(returned []remote.Row, row remote.Row, keys []string) remote.Row {
	for _, r := range returned {
		if remote.SameKey(r, row, keys) {
			return r
		}
	}
	return nil
}

func deleteKey(row remote.Row, keys []string) (remote.Row, error) {
	complete := true
	for _, k := range keys {
		if _, ok := row[k]; !ok {
			complete = false
			break
		}
	}
	if complete {
		return remote.KeyOf(row, keys), nil
	}
	if id, ok := row["id"]; ok {
		return remote.Row{"id": id}, nil
	}
	return nil, errors.Newf(errors.ErrValidation, "delete payload lacks key columns %v", keys)
}
