// Package queue provides the durable change queue for offline mutations.
// Every change is written to the local store before Enqueue returns and
// stays there until the remote acknowledges it.
package queue

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Store persists pending changes. It is implemented by db.Store and
// MemoryStore.
type Store interface {
	InsertPendingChange(ctx context.Context, c *models.PendingChange) (int64, error)
	ListPendingChanges(ctx context.Context, table string, statuses ...models.ChangeStatus) ([]*models.PendingChange, error)
	UpdatePendingChanges(ctx context.Context, ids []int64, status models.ChangeStatus, lastErr string, attempted bool) error
	ResetPendingStatus(ctx context.Context, from, to models.ChangeStatus) (int, error)
	DeletePendingChanges(ctx context.Context, ids []int64) error
	ClearPendingChanges(ctx context.Context) error
	CountPendingChanges(ctx context.Context) (map[models.ChangeStatus]int, error)
}

// Stats summarises queue contents.
type Stats struct {
	Total    int `json:"total"`
	Queued   int `json:"queued"`
	InFlight int `json:"in_flight"`
	Failed   int `json:"failed"`
}

// Queue is the durable change queue.
type Queue struct {
	store Store
	now   func() time.Time

	// mu orders Enqueue so created_at is monotonic per process.
	mu       sync.Mutex
	lastTime int64

	listenersMu sync.RWMutex
	listeners   []func(*models.PendingChange)
}

// New creates a Queue over store.
func New(store Store) *Queue {
	return &Queue{store: store, now: time.Now}
}

// OnEnqueue registers fn to run after each successful Enqueue.
func (q *Queue) OnEnqueue(fn func(*models.PendingChange)) {
	q.listenersMu.Lock()
	defer q.listenersMu.Unlock()
	q.listeners = append(q.listeners, fn)
}

// Enqueue records a change. payload may be a json.RawMessage, []byte or any
// JSON-encodable value. An empty key is replaced by a fresh one, which
// makes the change unique.
func (q *Queue) Enqueue(ctx context.Context, table string, op models.Operation, payload interface{}, key string) (*models.PendingChange, error) {
	if table == "" {
		return nil, errors.New(errors.ErrInvalid, "table name is required")
	}
	if !op.Valid() {
		return nil, errors.Newf(errors.ErrInvalid, "unknown operation %q", op)
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return nil, err
	}
	if key == "" {
		key = uuid.New()
	}

	q.mu.Lock()
	created := q.now().UnixMilli()
	if created <= q.lastTime {
		created = q.lastTime + 1
	}
	q.lastTime = created

	change := &models.PendingChange{
		TableName:      table,
		Operation:      op,
		Payload:        raw,
		IdempotencyKey: key,
		Status:         models.ChangeQueued,
		CreatedAt:      created,
	}
	_, err = q.store.InsertPendingChange(ctx, change)
	q.mu.Unlock()
	if err != nil {
		return nil, err
	}

	logging.Debug("Enqueued change", map[string]interface{}{
		"id":        change.ID,
		"table":     table,
		"operation": string(op),
	})

	q.listenersMu.RLock()
	listeners := slices.Clone(q.listeners)
	q.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(change)
	}
	return change, nil
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if !json.Valid(p) {
			return nil, errors.New(errors.ErrInvalid, "payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if !json.Valid(p) {
			return nil, errors.New(errors.ErrInvalid, "payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(errors.ErrInvalid, "encode payload", err)
		}
		return data, nil
	}
}

// Drain returns queued and failed changes for table ("" for all tables),
// oldest first.
func (q *Queue) Drain(ctx context.Context, table string) ([]*models.PendingChange, error) {
	return q.store.ListPendingChanges(ctx, table, models.ChangeQueued, models.ChangeFailed)
}

// Ready returns the queued changes for table ("" for all tables), oldest
// first. Failed changes wait for RetryFailed.
func (q *Queue) Ready(ctx context.Context, table string) ([]*models.PendingChange, error) {
	return q.store.ListPendingChanges(ctx, table, models.ChangeQueued)
}

// Failed returns the changes that were rejected by the remote.
func (q *Queue) Failed(ctx context.Context, table string) ([]*models.PendingChange, error) {
	return q.store.ListPendingChanges(ctx, table, models.ChangeFailed)
}

// List returns every change regardless of status.
func (q *Queue) List(ctx context.Context, table string) ([]*models.PendingChange, error) {
	return q.store.ListPendingChanges(ctx, table)
}

// MarkInFlight flags changes as being sent.
func (q *Queue) MarkInFlight(ctx context.Context, ids []int64) error {
	return q.store.UpdatePendingChanges(ctx, ids, models.ChangeInFlight, "", false)
}

// MarkResolved removes acknowledged changes.
func (q *Queue) MarkResolved(ctx context.Context, ids []int64) error {
	if err := q.store.DeletePendingChanges(ctx, ids); err != nil {
		return err
	}
	logging.Debug("Resolved changes", map[string]interface{}{"count": len(ids)})
	return nil
}

// MarkFailed records a rejection. The changes stay failed until RetryFailed.
func (q *Queue) MarkFailed(ctx context.Context, ids []int64, cause error) error {
	return q.store.UpdatePendingChanges(ctx, ids, models.ChangeFailed, errorText(cause), true)
}

// MarkRetry returns changes to the queue after a transient failure.
func (q *Queue) MarkRetry(ctx context.Context, ids []int64, cause error) error {
	return q.store.UpdatePendingChanges(ctx, ids, models.ChangeQueued, errorText(cause), true)
}

// RetryFailed re-queues every failed change.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	n, err := q.store.ResetPendingStatus(ctx, models.ChangeFailed, models.ChangeQueued)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed changes for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Recover re-queues changes left in flight by an interrupted process.
func (q *Queue) Recover(ctx context.Context) (int, error) {
	n, err := q.store.ResetPendingStatus(ctx, models.ChangeInFlight, models.ChangeQueued)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logging.Info("Recovered in-flight changes", map[string]interface{}{"count": n})
	}
	return n, nil
}

// Reset discards every change. Used on sign-out.
func (q *Queue) Reset(ctx context.Context) error {
	if err := q.store.ClearPendingChanges(ctx); err != nil {
		return err
	}
	logging.Info("Change queue cleared")
	return nil
}

// Stats returns per-status counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.store.CountPendingChanges(ctx)
	if err != nil {
		return Stats{}, err
	}
	s := Stats{
		Queued:   counts[models.ChangeQueued],
		InFlight: counts[models.ChangeInFlight],
		Failed:   counts[models.ChangeFailed],
	}
	s.Total = s.Queued + s.InFlight + s.Failed
	return s, nil
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
