// Package social implements friendships, the activity feed and pet profiles
// on top of the optimistic cache. Every mutation is shown immediately,
// written directly when online or queued otherwise, and then confirmed with
// the server's record or rolled back.
package social

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/querycache"
	"github.com/dogtale/companion-core/internal/remote"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
)

// Deps are the collaborators shared by the social services. Monitor,
// Coordinator and QueryCache are optional.
type Deps struct {
	Remote      remote.DataService
	Queue       *queue.Queue
	Coordinator *scheduler.Coordinator
	Monitor     *connectivity.Monitor
	QueryCache  *querycache.Cache
	Validate    *validator.Validate
}

type pendingOp struct {
	resourceID string
	confirm    func(row remote.Row)
	reject     func(err error)
}

type mutation struct {
	table      string
	op         models.Operation
	row        remote.Row
	key        string
	resourceID string
	confirm    func(row remote.Row)
	reject     func(err error)
}

// core carries the write path and the bookkeeping that routes queued
// changes back to the cache when they settle.
type core struct {
	deps     Deps
	engine   *syncpkg.Engine
	validate *validator.Validate
	now      func() time.Time

	mu       sync.Mutex
	pending  map[string]pendingOp
	failures map[string]error
	// orphan receives changes queued by an earlier process, which have no
	// cache operation to settle.
	orphan func(remote.Event)
}

func newCore(deps Deps, tables ...string) *core {
	v := deps.Validate
	if v == nil {
		v = validator.New()
	}
	c := &core{
		deps:     deps,
		engine:   syncpkg.NewEngine(deps.Remote),
		validate: v,
		now:      time.Now,
		pending:  make(map[string]pendingOp),
		failures: make(map[string]error),
	}
	if deps.Coordinator != nil {
		for _, t := range tables {
			deps.Coordinator.OnResolved(t, c.resolved)
			deps.Coordinator.OnRejected(t, c.rejected)
		}
	}
	return c
}

func (c *core) online() bool {
	return c.deps.Monitor == nil || c.deps.Monitor.Online()
}

// write runs the direct-or-queue step of the mutation protocol. It returns
// nil when the change was applied or queued; a rejection has already been
// passed to m.reject when the error is returned.
func (c *core) write(ctx context.Context, m mutation) error {
	payload, err := json.Marshal(m.row)
	if err != nil {
		m.reject(err)
		return errors.Wrap(errors.ErrInvalid, "encode change", err)
	}

	if c.online() {
		change := &models.PendingChange{
			TableName:      m.table,
			Operation:      m.op,
			Payload:        payload,
			IdempotencyKey: m.key,
		}
		applied, err := c.engine.ApplyBatch(ctx, m.table, []*models.PendingChange{change})
		if err == nil {
			var row remote.Row
			if len(applied) > 0 {
				row = applied[0].Row
			}
			c.clearFailure(m.resourceID)
			m.confirm(row)
			return nil
		}
		// Only a refusal is final; anything else is retried by the coordinator.
		if errors.KindOf(err) == errors.KindValidation {
			c.recordFailure(m.table, m.resourceID, err)
			m.reject(err)
			return err
		}
		logging.Debug("Direct write failed, queueing", map[string]interface{}{
			"table": m.table,
			"error": err.Error(),
		})
	}

	c.mu.Lock()
	c.pending[m.key] = pendingOp{resourceID: m.resourceID, confirm: m.confirm, reject: m.reject}
	c.mu.Unlock()

	if _, err := c.deps.Queue.Enqueue(ctx, m.table, m.op, json.RawMessage(payload), m.key); err != nil {
		c.mu.Lock()
		delete(c.pending, m.key)
		c.mu.Unlock()
		m.reject(err)
		return err
	}
	return nil
}

func (c *core) take(key string) (pendingOp, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pending[key]
	if ok {
		delete(c.pending, key)
	}
	return p, ok
}

func (c *core) resolved(_ context.Context, change *models.PendingChange, row remote.Row) {
	p, ok := c.take(change.IdempotencyKey)
	if !ok {
		if c.orphan != nil {
			c.orphan(replayEvent(change, row))
		}
		return
	}
	c.clearFailure(p.resourceID)
	p.confirm(row)
}

func (c *core) rejected(_ context.Context, change *models.PendingChange, err error) {
	p, ok := c.take(change.IdempotencyKey)
	if !ok {
		return
	}
	c.recordFailure(change.TableName, p.resourceID, err)
	p.reject(err)
}

func (c *core) recordFailure(table, resourceID string, err error) {
	c.mu.Lock()
	c.failures[resourceID] = err
	c.mu.Unlock()
	logging.ErrorWithCode("Change rejected", string(errors.CodeOf(err)), err,
		map[string]interface{}{"table": table, "resource": resourceID})
}

func (c *core) clearFailure(resourceID string) {
	c.mu.Lock()
	delete(c.failures, resourceID)
	c.mu.Unlock()
}

// LastError returns the most recent rejection for a resource.
func (c *core) LastError(resourceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures[resourceID]
}

// PendingCount returns the number of this service's changes still queued.
func (c *core) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *core) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = make(map[string]pendingOp)
	c.failures = make(map[string]error)
}

func (c *core) validateStruct(v interface{}) error {
	if err := c.validate.Struct(v); err != nil {
		return errors.Wrap(errors.ErrValidation, "invalid input", err)
	}
	return nil
}

// fetch runs a select, remembering the result under cacheKey. When the
// remote is unreachable the remembered result is returned instead, even if
// it has expired.
func fetch[T any](ctx context.Context, c *core, cacheKey string, load func(ctx context.Context) ([]T, error)) ([]T, bool, error) {
	if c.online() {
		items, err := load(ctx)
		if err == nil {
			if c.deps.QueryCache != nil {
				if err := c.deps.QueryCache.Put(ctx, cacheKey, items, 0); err != nil {
					logging.Warn("Failed to cache query result", map[string]interface{}{"key": cacheKey, "error": err.Error()})
				}
			}
			return items, false, nil
		}
		if !errors.IsRetryable(err) {
			return nil, false, err
		}
	}

	if c.deps.QueryCache == nil {
		return nil, false, errors.New(errors.ErrOffline, "remote unreachable and no cached result")
	}
	var items []T
	found, _, err := c.deps.QueryCache.Get(ctx, cacheKey, &items, true)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, errors.New(errors.ErrOffline, "remote unreachable and no cached result")
	}
	return items, true, nil
}

// replayEvent renders a settled change as the push event the server would
// have sent for it.
func replayEvent(change *models.PendingChange, row remote.Row) remote.Event {
	payload, _ := change.Row()
	ev := remote.Event{Table: change.TableName, Record: row, OldRecord: payload}
	switch change.Operation {
	case models.OperationDelete:
		ev.Type = remote.EventDelete
		ev.Record = nil
		return ev
	case models.OperationInsert:
		ev.Type = remote.EventInsert
	default:
		ev.Type = remote.EventUpdate
	}
	if ev.Record == nil {
		ev.Record = payload
	}
	return ev
}

// watch pumps push events for one subscription into handle until ctx ends.
func watch(ctx context.Context, feed remote.PushFeed, table string, filter remote.Filter, handle func(remote.Event)) error {
	events, err := feed.Subscribe(ctx, table, filter)
	if err != nil {
		return err
	}
	go func() {
		for ev := range events {
			handle(ev)
		}
	}()
	return nil
}
