// Package quota tracks the daily allowance of remote content generations.
//
// Check and Increment are independent calls: two concurrent callers can both
// pass Check before either increments. CheckAndIncrement is the atomic
// alternative when that matters.
package quota

import (
	"context"
	"sync"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/telemetry"
)

// DefaultLimit is the daily allowance used when neither the user's tier nor
// the backend can supply one.
const DefaultLimit = 5

// Check results recorded in metrics.
const (
	ResultAllowed   = "allowed"
	ResultExceeded  = "exceeded"
	ResultUnlimited = "unlimited"
	ResultFailOpen  = "fail_open"
)

// Backend stores per-user usage counters for the current window.
type Backend interface {
	// Usage returns the generations used in the current window.
	Usage(ctx context.Context, userID string) (int, error)
	// Increment records one generation and returns the new usage.
	Increment(ctx context.Context, userID string, tokens int) (int, error)
	// CheckAndIncrement records one generation only if usage is below limit.
	CheckAndIncrement(ctx context.Context, userID string, limit int) (used int, allowed bool, err error)
}

// Tracker answers quota questions for signed-in users.
type Tracker struct {
	backend      Backend
	monitor      *connectivity.Monitor
	metrics      *telemetry.Metrics
	defaultLimit int

	mu     sync.RWMutex
	limits map[string]int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithMonitor makes the tracker report unlimited while offline.
func WithMonitor(m *connectivity.Monitor) Option {
	return func(t *Tracker) { t.monitor = m }
}

// WithMetrics records check results.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(t *Tracker) { t.metrics = m }
}

// WithDefaultLimit overrides DefaultLimit.
func WithDefaultLimit(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.defaultLimit = n
		}
	}
}

// NewTracker creates a Tracker over backend.
func NewTracker(backend Backend, opts ...Option) *Tracker {
	t := &Tracker{
		backend:      backend,
		defaultLimit: DefaultLimit,
		limits:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetLimit sets userID's daily allowance, usually from their tier.
func (t *Tracker) SetLimit(userID string, limit int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit <= 0 {
		delete(t.limits, userID)
		return
	}
	t.limits[userID] = limit
}

// SetAccount sets the allowance from the account's tier.
func (t *Tracker) SetAccount(a models.Account) {
	if a.Authenticated() {
		t.SetLimit(a.UserID, a.Tier.DailyMessages())
	}
}

func (t *Tracker) limitFor(userID string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if n, ok := t.limits[userID]; ok {
		return n
	}
	return t.defaultLimit
}

// unlimited reports whether the quota is not enforced for userID right now.
func (t *Tracker) unlimited(userID string) bool {
	return userID == "" || (t.monitor != nil && !t.monitor.Online())
}

func (t *Tracker) status(used, limit int) models.QuotaStatus {
	return models.QuotaStatus{
		Allowed:   used < limit,
		Remaining: max(limit-used, 0),
		Limit:     limit,
		Used:      used,
	}
}

func (t *Tracker) record(s models.QuotaStatus) {
	switch {
	case s.Unlimited:
		t.metrics.QuotaChecked(ResultUnlimited)
	case s.Allowed:
		t.metrics.QuotaChecked(ResultAllowed)
	default:
		t.metrics.QuotaChecked(ResultExceeded)
	}
}

// failOpen is the answer when the backend cannot be reached.
func (t *Tracker) failOpen(userID string, err error) models.QuotaStatus {
	logging.Warn("Quota backend unavailable, allowing", map[string]interface{}{
		"user_id": userID,
		"error":   err.Error(),
	})
	t.metrics.QuotaChecked(ResultFailOpen)
	return models.QuotaStatus{Allowed: true, Remaining: t.defaultLimit, Limit: t.defaultLimit}
}

// Check reports whether userID may generate now. Offline and signed-out
// users are unlimited; backend failures allow the request.
func (t *Tracker) Check(ctx context.Context, userID string) (models.QuotaStatus, error) {
	if t.unlimited(userID) {
		s := models.QuotaStatus{Allowed: true, Unlimited: true}
		t.record(s)
		return s, nil
	}
	used, err := t.backend.Usage(ctx, userID)
	if err != nil {
		return t.failOpen(userID, err), nil
	}
	s := t.status(used, t.limitFor(userID))
	t.record(s)
	return s, nil
}

// Increment records a successful remote generation. It is a no-op for
// offline and signed-out users.
func (t *Tracker) Increment(ctx context.Context, userID string, tokens int) error {
	if t.unlimited(userID) {
		return nil
	}
	used, err := t.backend.Increment(ctx, userID, tokens)
	if err != nil {
		logging.Error("Failed to record generation usage", err, map[string]interface{}{"user_id": userID})
		return err
	}
	logging.Debug("Recorded generation usage", map[string]interface{}{
		"user_id": userID,
		"used":    used,
		"tokens":  tokens,
	})
	return nil
}

// CheckAndIncrement atomically checks the allowance and consumes one unit
// when allowed.
func (t *Tracker) CheckAndIncrement(ctx context.Context, userID string) (models.QuotaStatus, error) {
	if t.unlimited(userID) {
		s := models.QuotaStatus{Allowed: true, Unlimited: true}
		t.record(s)
		return s, nil
	}
	limit := t.limitFor(userID)
	used, allowed, err := t.backend.CheckAndIncrement(ctx, userID, limit)
	if err != nil {
		return t.failOpen(userID, err), nil
	}
	s := t.status(used, limit)
	if allowed {
		// used already includes the unit just consumed.
		s.Allowed = true
	}
	t.record(s)
	return s, nil
}
