package quota

import (
	"context"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/models"
)

// MemoryBackend keeps one QuotaWindow per user. A window older than
// models.WindowLength is treated as reset on the next call.
type MemoryBackend struct {
	mu      sync.Mutex
	windows map[string]*models.QuotaWindow
	now     func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		windows: make(map[string]*models.QuotaWindow),
		now:     time.Now,
	}
}

// SetClock overrides the time source.
func (b *MemoryBackend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

func (b *MemoryBackend) window(userID string) *models.QuotaWindow {
	now := b.now()
	w, ok := b.windows[userID]
	if !ok || w.ExpiredAt(now) {
		w = &models.QuotaWindow{UserID: userID, WindowStart: now}
		b.windows[userID] = w
	}
	return w
}

// Usage implements Backend.
func (b *MemoryBackend) Usage(_ context.Context, userID string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window(userID).Used, nil
}

// Increment implements Backend.
func (b *MemoryBackend) Increment(_ context.Context, userID string, tokens int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.Used++
	w.Tokens += tokens
	return w.Used, nil
}

// CheckAndIncrement implements Backend.
func (b *MemoryBackend) CheckAndIncrement(_ context.Context, userID string, limit int) (int, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	w := b.window(userID)
	w.Limit = limit
	if w.Used >= limit {
		return w.Used, false, nil
	}
	w.Used++
	return w.Used, true, nil
}

// Window returns a copy of userID's current window.
func (b *MemoryBackend) Window(userID string) models.QuotaWindow {
	b.mu.Lock()
	defer b.mu.Unlock()
	return *b.window(userID)
}

// Seed sets userID's usage in a window starting now.
func (b *MemoryBackend) Seed(userID string, used int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.windows[userID] = &models.QuotaWindow{UserID: userID, WindowStart: b.now(), Used: used}
}
