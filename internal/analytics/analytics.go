// Package analytics buffers usage events and ships them in batches. Events
// flushed while offline, or whose direct write fails, are handed to the
// change queue and reach the remote on the next drain.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Config tunes batching.
type Config struct {
	BatchSize      int           // Events per write and the buffer size that triggers a flush (default: 50)
	FlushInterval  time.Duration // Periodic flush interval (default: 30 seconds)
	MaxLocalEvents int           // Buffer cap; the oldest events are dropped beyond it (default: 1000)
}

// DefaultConfig returns default analytics configuration.
func DefaultConfig() Config {
	return Config{BatchSize: 50, FlushInterval: 30 * time.Second, MaxLocalEvents: 1000}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = d.FlushInterval
	}
	if c.MaxLocalEvents <= 0 {
		c.MaxLocalEvents = d.MaxLocalEvents
	}
	return c
}

// FlushResult reports one flush.
type FlushResult struct {
	Sent    int
	Queued  int
	Dropped int
}

// Tracker collects events for one session.
type Tracker struct {
	writer    *syncpkg.Writer
	cfg       Config
	sessionID string
	now       func() time.Time

	mu      sync.Mutex
	userID  string
	buffer  []models.AnalyticsEvent
	flushMu sync.Mutex

	runMu  sync.Mutex
	active bool
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithSessionID fixes the session identifier instead of generating one.
func WithSessionID(id string) Option {
	return func(t *Tracker) { t.sessionID = id }
}

// New creates a Tracker writing through writer.
func New(writer *syncpkg.Writer, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		writer:    writer,
		cfg:       cfg.withDefaults(),
		sessionID: uuid.New(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SessionID returns the session identifier attached to every event.
func (t *Tracker) SessionID() string { return t.sessionID }

// SetUser attributes subsequent events to userID. An empty id tracks
// anonymously.
func (t *Tracker) SetUser(userID string) {
	t.mu.Lock()
	t.userID = userID
	t.mu.Unlock()
}

// Pending returns the number of buffered events.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.buffer)
}

// Track buffers an event and flushes once a full batch is waiting.
func (t *Tracker) Track(ctx context.Context, name string, props map[string]interface{}) error {
	if name == "" {
		return errors.New(errors.ErrInvalid, "event name is required")
	}

	t.mu.Lock()
	t.buffer = append(t.buffer, models.AnalyticsEvent{
		ID:         uuid.New(),
		UserID:     t.userID,
		SessionID:  t.sessionID,
		Name:       name,
		Properties: props,
		CreatedAt:  t.now().UTC(),
	})
	t.trimLocked()
	full := len(t.buffer) >= t.cfg.BatchSize
	t.mu.Unlock()

	if full {
		_, err := t.Flush(ctx)
		return err
	}
	return nil
}

func (t *Tracker) trimLocked() {
	if over := len(t.buffer) - t.cfg.MaxLocalEvents; over > 0 {
		t.buffer = append([]models.AnalyticsEvent(nil), t.buffer[over:]...)
	}
}

// Flush writes every buffered event. Events the remote refuses are dropped;
// events that could not be written or queued go back into the buffer.
func (t *Tracker) Flush(ctx context.Context) (*FlushResult, error) {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	t.mu.Lock()
	events := t.buffer
	t.buffer = nil
	t.mu.Unlock()

	res := &FlushResult{}
	for i := 0; i < len(events); i += t.cfg.BatchSize {
		batch := events[i:min(i+t.cfg.BatchSize, len(events))]
		wr, err := t.writer.Write(ctx, remote.TableAnalyticsEvents, models.OperationInsert, writesFor(batch))
		switch {
		case err == nil && wr.Queued:
			res.Queued += len(batch)
		case err == nil:
			res.Sent += len(batch)
		case errors.KindOf(err) == errors.KindValidation:
			res.Dropped += len(batch)
			logging.Warn("Analytics batch rejected", map[string]interface{}{
				"events": len(batch),
				"error":  err.Error(),
			})
		default:
			t.restore(events[i:])
			logging.Error("Failed to flush analytics events", err, map[string]interface{}{
				"events": len(events) - i,
			})
			return res, err
		}
	}

	if len(events) > 0 {
		logging.Debug("Analytics flushed", map[string]interface{}{
			"sent":    res.Sent,
			"queued":  res.Queued,
			"dropped": res.Dropped,
		})
	}
	return res, nil
}

// restore puts unsent events back ahead of anything tracked meanwhile.
func (t *Tracker) restore(events []models.AnalyticsEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer = append(append([]models.AnalyticsEvent(nil), events...), t.buffer...)
	t.trimLocked()
}

func writesFor(events []models.AnalyticsEvent) []syncpkg.Write {
	out := make([]syncpkg.Write, 0, len(events))
	for _, e := range events {
		row := remote.Row{
			"id":         e.ID,
			"session_id": e.SessionID,
			"event_name": e.Name,
			"created_at": e.CreatedAt.Format(time.RFC3339Nano),
		}
		if e.UserID != "" {
			row["user_id"] = e.UserID
		}
		if len(e.Properties) > 0 {
			row["properties"] = e.Properties
		}
		out = append(out, syncpkg.Write{Row: row, Key: e.ID})
	}
	return out
}

// Start flushes on every tick until Stop or ctx ends.
func (t *Tracker) Start(ctx context.Context) {
	t.runMu.Lock()
	if t.active {
		t.runMu.Unlock()
		return
	}
	t.active = true
	t.stopCh = make(chan struct{})
	t.runMu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(t.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.stopCh:
				return
			case <-ticker.C:
				_, _ = t.Flush(ctx)
			}
		}
	}()
}

// Stop ends the flush loop and flushes what is left.
func (t *Tracker) Stop(ctx context.Context) error {
	t.runMu.Lock()
	if t.active {
		t.active = false
		close(t.stopCh)
	}
	t.runMu.Unlock()
	t.wg.Wait()

	_, err := t.Flush(ctx)
	return err
}
