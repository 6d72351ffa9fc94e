// Package scheduler provides the sync coordinator that drains the change
// queue to the remote on reconnect, on a timer and on demand.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/telemetry"
)

// Config holds coordinator settings.
type Config struct {
	BatchSize      int            // Changes per remote call (default: 50)
	TableBatchSize map[string]int // Per-table overrides
	Interval       time.Duration  // Periodic drain interval when online (default: 30 seconds)
	BatchRate      float64        // Batch attempts per second across all tables
	BatchBurst     int
	DrainTimeout   time.Duration // Upper bound for a background drain
}

// DefaultConfig returns default coordinator configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:    50,
		Interval:     30 * time.Second,
		BatchRate:    5,
		BatchBurst:   5,
		DrainTimeout: 2 * time.Minute,
	}
}

func (c Config) batchSizeFor(table string) int {
	if n, ok := c.TableBatchSize[table]; ok && n > 0 {
		return n
	}
	if c.BatchSize > 0 {
		return c.BatchSize
	}
	return 50
}

// ResolvedFunc receives a change the remote acknowledged, with the record
// the server returned for it (nil when none).
type ResolvedFunc func(ctx context.Context, change *models.PendingChange, row remote.Row)

// RejectedFunc receives a change the remote refused.
type RejectedFunc func(ctx context.Context, change *models.PendingChange, err error)

// DrainFunc receives every completed drain that reached the remote.
type DrainFunc func(result *DrainResult, err error)

// TableResult reports one table's part of a drain.
type TableResult struct {
	Table    string
	Batches  int
	Resolved int
	Retried  int
	Failed   int
	// Skipped is set when another drain already had the table in flight.
	Skipped bool
	// Err is the connectivity failure that stopped the table, if any.
	Err error
}

// DrainResult summarises a drain.
type DrainResult struct {
	Offline   bool
	Tables    []*TableResult
	Resolved  int
	Retried   int
	Failed    int
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
}

// Table returns the result for table, or nil.
func (r *DrainResult) Table(table string) *TableResult {
	for _, t := range r.Tables {
		if t.Table == table {
			return t
		}
	}
	return nil
}

// Status reports coordinator state.
type Status struct {
	IsRunning     bool        `json:"is_running"`
	IsOnline      bool        `json:"is_online"`
	InFlight      []string    `json:"in_flight"`
	LastDrainTime *time.Time  `json:"last_drain_time,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	Queue         queue.Stats `json:"queue"`
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithMetrics records drain metrics.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator drains the change queue.
type Coordinator struct {
	queue   *queue.Queue
	applier syncpkg.BatchApplier
	monitor *connectivity.Monitor
	metrics *telemetry.Metrics
	cfg     Config
	limiter *rate.Limiter

	mu        sync.Mutex
	inFlight  map[string]bool
	resolved  map[string][]ResolvedFunc
	rejected  map[string][]RejectedFunc
	drained   []DrainFunc
	lastDrain time.Time
	lastErr   error

	runMu       sync.Mutex
	isRunning   bool
	stopCh      chan struct{}
	wg          sync.WaitGroup
	unsubscribe func()
}

// New creates a Coordinator. monitor may be nil, in which case the remote
// is assumed reachable.
func New(q *queue.Queue, applier syncpkg.BatchApplier, monitor *connectivity.Monitor, cfg Config, opts ...Option) *Coordinator {
	def := DefaultConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchRate <= 0 {
		cfg.BatchRate = def.BatchRate
	}
	if cfg.BatchBurst <= 0 {
		cfg.BatchBurst = def.BatchBurst
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}

	c := &Coordinator{
		queue:    q,
		applier:  applier,
		monitor:  monitor,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.BatchRate), cfg.BatchBurst),
		inFlight: make(map[string]bool),
		resolved: make(map[string][]ResolvedFunc),
		rejected: make(map[string][]RejectedFunc),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnResolved registers fn for acknowledged changes of table ("" for all).
func (c *Coordinator) OnResolved(table string, fn ResolvedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resolved[table] = append(c.resolved[table], fn)
}

// OnRejected registers fn for refused changes of table ("" for all).
func (c *Coordinator) OnRejected(table string, fn RejectedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rejected[table] = append(c.rejected[table], fn)
}

// OnDrain registers fn to run after each drain attempted while online.
func (c *Coordinator) OnDrain(fn DrainFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drained = append(c.drained, fn)
}

func (c *Coordinator) online() bool {
	return c.monitor == nil || c.monitor.Online()
}

// Drain sends every queued change, grouped by table. Tables drain
// concurrently; a table already being drained is skipped. The returned
// error is a local store failure; remote failures are reported per table.
func (c *Coordinator) Drain(ctx context.Context) (*DrainResult, error) {
	return c.drain(ctx, "")
}

// DrainTable drains a single table.
func (c *Coordinator) DrainTable(ctx context.Context, table string) (*DrainResult, error) {
	return c.drain(ctx, table)
}

func (c *Coordinator) drain(ctx context.Context, only string) (*DrainResult, error) {
	result := &DrainResult{StartTime: time.Now()}
	defer func() {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
	}()

	if !c.online() {
		result.Offline = true
		return result, nil
	}

	// The first read only discovers tables. Each table's changes are read
	// again after it is claimed so a drain that finished in between is not
	// replayed.
	ready, err := c.queue.Ready(ctx, only)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var tables []string
	for _, ch := range ready {
		if !seen[ch.TableName] {
			seen[ch.TableName] = true
			tables = append(tables, ch.TableName)
		}
	}
	sort.Strings(tables)

	var resMu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, table := range tables {
		tr := &TableResult{Table: table}
		result.Tables = append(result.Tables, tr)

		if !c.claim(table) {
			tr.Skipped = true
			logging.Debug("Table already draining, skipping", map[string]interface{}{"table": table})
			continue
		}

		g.Go(func() error {
			defer c.release(table)
			changes, err := c.queue.Ready(gctx, table)
			if err != nil {
				return err
			}
			err = c.drainTable(gctx, table, changes, tr)

			resMu.Lock()
			result.Resolved += tr.Resolved
			result.Retried += tr.Retried
			result.Failed += tr.Failed
			resMu.Unlock()
			return err
		})
	}
	err = g.Wait()

	c.mu.Lock()
	c.lastDrain = time.Now()
	c.lastErr = err
	if err == nil {
		for _, tr := range result.Tables {
			if tr.Err != nil {
				c.lastErr = tr.Err
				break
			}
		}
	}
	drained := append([]DrainFunc(nil), c.drained...)
	c.mu.Unlock()

	c.metrics.DrainFinished(time.Since(result.StartTime))
	if stats, statErr := c.queue.Stats(context.WithoutCancel(ctx)); statErr == nil {
		c.metrics.QueueDepth(stats.Queued, stats.InFlight, stats.Failed)
	}

	if result.Resolved+result.Retried+result.Failed > 0 {
		logging.Info("Drain completed", map[string]interface{}{
			"resolved": result.Resolved,
			"retried":  result.Retried,
			"failed":   result.Failed,
			"tables":   len(tables),
		})
	}
	if len(drained) > 0 {
		result.EndTime = time.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		for _, fn := range drained {
			fn(result, err)
		}
	}
	return result, err
}

func (c *Coordinator) claim(table string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[table] {
		return false
	}
	c.inFlight[table] = true
	return true
}

func (c *Coordinator) release(table string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.inFlight, table)
}

// drainTable sends changes in batches. A batch succeeds or fails as a
// whole: a rejection marks the batch failed and moves on, a connectivity
// failure re-queues it and stops the table for this drain.
func (c *Coordinator) drainTable(ctx context.Context, table string, changes []*models.PendingChange, tr *TableResult) error {
	// Bookkeeping must land even when ctx is cancelled mid-request, or the
	// batch would stay in flight until the next Recover.
	bookCtx := context.WithoutCancel(ctx)
	size := c.cfg.batchSizeFor(table)

	for start := 0; start < len(changes); start += size {
		end := min(start+size, len(changes))
		batch := changes[start:end]
		ids := make([]int64, len(batch))
		for i, ch := range batch {
			ids[i] = ch.ID
		}

		if err := c.limiter.Wait(ctx); err != nil {
			tr.Err = errors.Wrap(errors.ErrConnectivity, "drain interrupted", err)
			return nil
		}
		if err := c.queue.MarkInFlight(bookCtx, ids); err != nil {
			return err
		}
		tr.Batches++

		applied, applyErr := c.applier.ApplyBatch(ctx, table, batch)
		switch {
		case applyErr == nil:
			if err := c.queue.MarkResolved(bookCtx, ids); err != nil {
				return err
			}
			tr.Resolved += len(batch)
			c.metrics.BatchFinished(table, telemetry.OutcomeResolved, len(batch))
			c.notifyResolved(bookCtx, table, batch, applied)

		case errors.KindOf(applyErr) == errors.KindValidation:
			if err := c.queue.MarkFailed(bookCtx, ids, applyErr); err != nil {
				return err
			}
			tr.Failed += len(batch)
			c.metrics.BatchFinished(table, telemetry.OutcomeFailed, len(batch))
			logging.ErrorWithCode("Batch rejected by remote", string(errors.CodeOf(applyErr)), applyErr,
				map[string]interface{}{"table": table, "changes": len(batch)})
			c.notifyRejected(bookCtx, table, batch, applyErr)

		default:
			if err := c.queue.MarkRetry(bookCtx, ids, applyErr); err != nil {
				return err
			}
			tr.Retried += len(batch)
			tr.Err = applyErr
			c.metrics.BatchFinished(table, telemetry.OutcomeRetry, len(batch))
			logging.Warn("Batch left queued after transient failure", map[string]interface{}{
				"table":   table,
				"changes": len(batch),
				"error":   applyErr.Error(),
			})
			return nil
		}
	}
	return nil
}

func (c *Coordinator) listenersFor(table string) ([]ResolvedFunc, []RejectedFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	res := append(append([]ResolvedFunc(nil), c.resolved[""]...), c.resolved[table]...)
	rej := append(append([]RejectedFunc(nil), c.rejected[""]...), c.rejected[table]...)
	return res, rej
}

func (c *Coordinator) notifyResolved(ctx context.Context, table string, batch []*models.PendingChange, applied []syncpkg.Applied) {
	listeners, _ := c.listenersFor(table)
	if len(listeners) == 0 {
		return
	}
	rows := make(map[int64]remote.Row, len(applied))
	for _, a := range applied {
		rows[a.Change.ID] = a.Row
	}
	for _, ch := range batch {
		for _, fn := range listeners {
			fn(ctx, ch, rows[ch.ID])
		}
	}
}

func (c *Coordinator) notifyRejected(ctx context.Context, table string, batch []*models.PendingChange, err error) {
	_, listeners := c.listenersFor(table)
	for _, ch := range batch {
		for _, fn := range listeners {
			fn(ctx, ch, err)
		}
	}
}

// Start recovers interrupted changes, then drains on every online
// transition and on each tick while online.
func (c *Coordinator) Start(ctx context.Context) {
	c.runMu.Lock()
	if c.isRunning {
		c.runMu.Unlock()
		return
	}
	c.isRunning = true
	c.stopCh = make(chan struct{})
	c.runMu.Unlock()

	if _, err := c.queue.Recover(ctx); err != nil {
		logging.Error("Failed to recover in-flight changes", err)
	}

	if c.monitor != nil {
		c.unsubscribe = c.monitor.OnChange(func(online bool) {
			c.metrics.Online(online)
			if online {
				c.trigger(ctx, "reconnect")
			}
		})
		c.metrics.Online(c.monitor.Online())
	}

	c.wg.Add(1)
	go c.periodicLoop(ctx)

	logging.Info("Sync coordinator started", map[string]interface{}{
		"interval": c.cfg.Interval.String(),
	})
}

// Stop ends the periodic loop and waits for background drains.
func (c *Coordinator) Stop() {
	c.runMu.Lock()
	if !c.isRunning {
		c.runMu.Unlock()
		return
	}
	c.isRunning = false
	close(c.stopCh)
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.runMu.Unlock()

	c.wg.Wait()
	logging.Info("Sync coordinator stopped")
}

// trigger runs one background drain.
func (c *Coordinator) trigger(ctx context.Context, reason string) {
	c.runMu.Lock()
	if !c.isRunning {
		c.runMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.runMu.Unlock()

	go func() {
		defer c.wg.Done()
		drainCtx, cancel := context.WithTimeout(ctx, c.cfg.DrainTimeout)
		defer cancel()

		if _, err := c.Drain(drainCtx); err != nil {
			logging.ErrorWithCode("Background drain failed", string(errors.ErrSyncFailed), err,
				map[string]interface{}{"reason": reason})
		}
	}()
}

func (c *Coordinator) periodicLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.online() {
				continue
			}
			c.trigger(ctx, "interval")
		}
	}
}

// Status returns the current status of the coordinator.
func (c *Coordinator) Status(ctx context.Context) Status {
	c.runMu.Lock()
	running := c.isRunning
	c.runMu.Unlock()

	c.mu.Lock()
	status := Status{
		IsRunning: running,
		IsOnline:  c.online(),
	}
	for table := range c.inFlight {
		status.InFlight = append(status.InFlight, table)
	}
	if !c.lastDrain.IsZero() {
		t := c.lastDrain
		status.LastDrainTime = &t
	}
	if c.lastErr != nil {
		status.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()

	sort.Strings(status.InFlight)
	if stats, err := c.queue.Stats(ctx); err == nil {
		status.Queue = stats
	}
	return status
}

// IsRunning returns whether the periodic loop is running.
func (c *Coordinator) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.isRunning
}
