// Package cache provides the optimistic resource cache. Each resource keeps
// the last server-confirmed state, the state shown to the user, and the
// mutations still awaiting the server.
package cache

import (
	"sync"

	"github.com/dogtale/companion-core/internal/errors"
)

// Mutation derives a new state from current, which is nil when the resource
// does not exist. Returning nil deletes the resource.
type Mutation[T any] func(current *T) (*T, error)

type op[T any] struct {
	id     string
	mutate Mutation[T]
}

type entry[T any] struct {
	server     *T
	optimistic *T
	ops        []op[T]
}

// Entry is a snapshot of one resource.
type Entry[T any] struct {
	ServerState     *T
	OptimisticState *T
	PendingOpIDs    []string
}

// Cache holds resources of one type keyed by ID. All returned values are
// clones; callers never share memory with the cache.
type Cache[T any] struct {
	mu      sync.RWMutex
	entries map[string]*entry[T]
	order   []string
	clone   func(*T) *T
}

// New creates a cache. clone must return a deep copy and accept nil.
func New[T any](clone func(*T) *T) *Cache[T] {
	return &Cache[T]{
		entries: make(map[string]*entry[T]),
		clone:   clone,
	}
}

func (c *Cache[T]) cp(v *T) *T {
	if v == nil {
		return nil
	}
	return c.clone(v)
}

func (c *Cache[T]) ensure(id string) *entry[T] {
	e, ok := c.entries[id]
	if !ok {
		e = &entry[T]{}
		c.entries[id] = e
		c.order = append(c.order, id)
	}
	return e
}

func (c *Cache[T]) drop(id string) {
	delete(c.entries, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// rebase recomputes the optimistic state by replaying pending mutations over
// the server state. A mutation that no longer applies is skipped.
func (c *Cache[T]) rebase(id string, e *entry[T]) {
	state := c.cp(e.server)
	for _, o := range e.ops {
		next, err := o.mutate(c.cp(state))
		if err != nil {
			continue
		}
		state = next
	}
	e.optimistic = state
	if e.server == nil && e.optimistic == nil && len(e.ops) == 0 {
		c.drop(id)
	}
}

// Load sets the server state from a fresh fetch.
func (c *Cache[T]) Load(id string, server *T) {
	c.ApplyPush(id, server)
}

// Get returns the state shown to the user.
func (c *Cache[T]) Get(id string) (*T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok || e.optimistic == nil {
		return nil, false
	}
	return c.cp(e.optimistic), true
}

// View returns a snapshot of the resource's states.
func (c *Cache[T]) View(id string) (Entry[T], bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return Entry[T]{}, false
	}
	snap := Entry[T]{ServerState: c.cp(e.server), OptimisticState: c.cp(e.optimistic)}
	for _, o := range e.ops {
		snap.PendingOpIDs = append(snap.PendingOpIDs, o.id)
	}
	return snap, true
}

// All returns every visible resource in insertion order.
func (c *Cache[T]) All() []*T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*T, 0, len(c.order))
	for _, id := range c.order {
		if e := c.entries[id]; e.optimistic != nil {
			out = append(out, c.cp(e.optimistic))
		}
	}
	return out
}

// IDs returns the keys of every entry in insertion order.
func (c *Cache[T]) IDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]string(nil), c.order...)
}

// ApplyOptimistic applies mutate to the visible state and records it as
// pending under opID. If mutate fails nothing changes.
func (c *Cache[T]) ApplyOptimistic(id, opID string, mutate Mutation[T]) (*T, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var current *T
	if e, ok := c.entries[id]; ok {
		current = c.cp(e.optimistic)
	}
	next, err := mutate(current)
	if err != nil {
		return nil, err
	}

	e := c.ensure(id)
	for _, o := range e.ops {
		if o.id == opID {
			return nil, errors.Newf(errors.ErrInvalid, "operation %s already pending on %s", opID, id)
		}
	}
	e.ops = append(e.ops, op[T]{id: opID, mutate: mutate})
	e.optimistic = next
	return c.cp(next), nil
}

func (e *entry[T]) removeOp(opID string) bool {
	for i, o := range e.ops {
		if o.id == opID {
			e.ops = append(e.ops[:i], e.ops[i+1:]...)
			return true
		}
	}
	return false
}

// Confirm records that opID succeeded with server as the new server state.
// A nil server means the resource no longer exists.
func (c *Cache[T]) Confirm(id, opID string, server *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.removeOp(opID)
	e.server = c.cp(server)
	c.rebase(id, e)
}

// ConfirmWith records that opID succeeded, deriving the new server state
// from the current one.
func (c *Cache[T]) ConfirmWith(id, opID string, merge func(server *T) *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return
	}
	e.removeOp(opID)
	e.server = merge(c.cp(e.server))
	c.rebase(id, e)
}

// Reject discards opID. With no other pending operations the visible state
// returns exactly to the server state.
func (c *Cache[T]) Reject(id, opID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok || !e.removeOp(opID) {
		return
	}
	c.rebase(id, e)
}

// ApplyPush replaces the server state from a server-initiated change. The
// visible state of a resource with pending operations is left alone; it
// picks up the push when those operations settle.
func (c *Cache[T]) ApplyPush(id string, server *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensure(id)
	e.server = c.cp(server)
	if len(e.ops) == 0 {
		c.rebase(id, e)
	}
}

// ApplyPushWith is ApplyPush with the new server state derived from the
// current one.
func (c *Cache[T]) ApplyPushWith(id string, merge func(server *T) *T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.ensure(id)
	e.server = merge(c.cp(e.server))
	if len(e.ops) == 0 {
		c.rebase(id, e)
	}
}

// Remove drops a resource regardless of pending operations.
func (c *Cache[T]) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drop(id)
}

// Pending returns the pending operation IDs of a resource.
func (c *Cache[T]) Pending(id string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	if !ok {
		return nil
	}
	ids := make([]string, len(e.ops))
	for i, o := range e.ops {
		ids[i] = o.id
	}
	return ids
}

// Len returns the number of entries, including optimistically deleted ones.
func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Clear drops everything. Used on sign-out.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry[T])
	c.order = nil
}
