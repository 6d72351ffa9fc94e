package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
)

// Store implements the durable change store and the cached data store on
// top of SQLite.
type Store struct {
	db  *DB
	now func() time.Time
}

// NewStore creates a new Store.
func NewStore(db *DB) *Store {
	return &Store{db: db, now: time.Now}
}

const pendingColumns = `id, table_name, operation, payload, idempotency_key, status, attempts,
	created_at, last_attempt_at, last_error`

// InsertPendingChange appends a change and returns its assigned ID.
func (s *Store) InsertPendingChange(ctx context.Context, c *models.PendingChange) (int64, error) {
	if c.CreatedAt == 0 {
		c.CreatedAt = s.now().UnixMilli()
	}
	if c.Status == "" {
		c.Status = models.ChangeQueued
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_changes (table_name, operation, payload, idempotency_key, status, attempts, created_at, last_attempt_at, last_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TableName, string(c.Operation), string(c.Payload), c.IdempotencyKey, string(c.Status),
		c.Attempts, c.CreatedAt, c.LastAttemptAt, c.LastError)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "insert pending change", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "read pending change id", err)
	}
	c.ID = id
	return id, nil
}

// ListPendingChanges returns changes for table (all tables when empty) in
// the given statuses (all statuses when none), oldest first.
func (s *Store) ListPendingChanges(ctx context.Context, table string, statuses ...models.ChangeStatus) ([]*models.PendingChange, error) {
	var (
		where []string
		args  []interface{}
	)
	if table != "" {
		where = append(where, "table_name = ?")
		args = append(args, table)
	}
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}

	query := "SELECT " + pendingColumns + " FROM pending_changes"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "list pending changes", err)
	}
	defer rows.Close()

	var changes []*models.PendingChange
	for rows.Next() {
		c, err := scanPendingChange(rows)
		if err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan pending change", err)
		}
		changes = append(changes, c)
	}
	return changes, rows.Err()
}

func scanPendingChange(rows *sql.Rows) (*models.PendingChange, error) {
	var (
		c       models.PendingChange
		op, st  string
		payload []byte
	)
	err := rows.Scan(&c.ID, &c.TableName, &op, &payload, &c.IdempotencyKey, &st, &c.Attempts,
		&c.CreatedAt, &c.LastAttemptAt, &c.LastError)
	if err != nil {
		return nil, err
	}
	c.Operation = models.Operation(op)
	c.Status = models.ChangeStatus(st)
	c.Payload = payload
	return &c, nil
}

// UpdatePendingChanges sets status and last error on ids. When attempted is
// true the attempt counter and timestamp advance.
func (s *Store) UpdatePendingChanges(ctx context.Context, ids []int64, status models.ChangeStatus, lastErr string, attempted bool) error {
	if len(ids) == 0 {
		return nil
	}
	marks, args := idArgs(ids)

	query := "UPDATE pending_changes SET status = ?, last_error = ?"
	head := []interface{}{string(status), lastErr}
	if attempted {
		query += ", attempts = attempts + 1, last_attempt_at = ?"
		head = append(head, s.now().UnixMilli())
	}
	query += " WHERE id IN (" + marks + ")"

	if _, err := s.db.ExecContext(ctx, query, append(head, args...)...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "update pending changes", err)
	}
	return nil
}

// ResetPendingStatus moves every change in status from to status to.
func (s *Store) ResetPendingStatus(ctx context.Context, from, to models.ChangeStatus) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE pending_changes SET status = ? WHERE status = ?", string(to), string(from))
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, "reset pending status", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// DeletePendingChanges removes resolved changes.
func (s *Store) DeletePendingChanges(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	marks, args := idArgs(ids)
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_changes WHERE id IN ("+marks+")", args...); err != nil {
		return errors.Wrap(errors.ErrDatabase, "delete pending changes", err)
	}
	return nil
}

// ClearPendingChanges removes every change.
func (s *Store) ClearPendingChanges(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM pending_changes"); err != nil {
		return errors.Wrap(errors.ErrDatabase, "clear pending changes", err)
	}
	return nil
}

// CountPendingChanges returns the number of changes per status.
func (s *Store) CountPendingChanges(ctx context.Context) (map[models.ChangeStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM pending_changes GROUP BY status")
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "count pending changes", err)
	}
	defer rows.Close()

	counts := make(map[models.ChangeStatus]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "scan pending count", err)
		}
		counts[models.ChangeStatus(st)] = n
	}
	return counts, rows.Err()
}

func idArgs(ids []int64) (string, []interface{}) {
	marks := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		marks[i] = "?"
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
