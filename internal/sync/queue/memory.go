package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/models"
)

// MemoryStore is a Store kept in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	changes map[int64]*models.PendingChange
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{changes: make(map[int64]*models.PendingChange), now: time.Now}
}

// InsertPendingChange implements Store.
func (m *MemoryStore) InsertPendingChange(_ context.Context, c *models.PendingChange) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	c.ID = m.nextID
	if c.CreatedAt == 0 {
		c.CreatedAt = m.now().UnixMilli()
	}
	if c.Status == "" {
		c.Status = models.ChangeQueued
	}
	stored := *c
	m.changes[c.ID] = &stored
	return c.ID, nil
}

// ListPendingChanges implements Store.
func (m *MemoryStore) ListPendingChanges(_ context.Context, table string, statuses ...models.ChangeStatus) ([]*models.PendingChange, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*models.PendingChange
	for _, c := range m.changes {
		if table != "" && c.TableName != table {
			continue
		}
		if len(statuses) > 0 && !slices.Contains(statuses, c.Status) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *models.PendingChange) int {
		if a.CreatedAt != b.CreatedAt {
			if a.CreatedAt < b.CreatedAt {
				return -1
			}
			return 1
		}
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out, nil
}

// UpdatePendingChanges implements Store.
func (m *MemoryStore) UpdatePendingChanges(_ context.Context, ids []int64, status models.ChangeStatus, lastErr string, attempted bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		c, ok := m.changes[id]
		if !ok {
			continue
		}
		c.Status = status
		c.LastError = lastErr
		if attempted {
			c.Attempts++
			c.LastAttemptAt = m.now().UnixMilli()
		}
	}
	return nil
}

// ResetPendingStatus implements Store.
func (m *MemoryStore) ResetPendingStatus(_ context.Context, from, to models.ChangeStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.changes {
		if c.Status == from {
			c.Status = to
			n++
		}
	}
	return n, nil
}

// DeletePendingChanges implements Store.
func (m *MemoryStore) DeletePendingChanges(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.changes, id)
	}
	return nil
}

// ClearPendingChanges implements Store.
func (m *MemoryStore) ClearPendingChanges(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changes = make(map[int64]*models.PendingChange)
	return nil
}

// CountPendingChanges implements Store.
func (m *MemoryStore) CountPendingChanges(_ context.Context) (map[models.ChangeStatus]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	counts := make(map[models.ChangeStatus]int)
	for _, c := range m.changes {
		counts[c.Status]++
	}
	return counts, nil
}
