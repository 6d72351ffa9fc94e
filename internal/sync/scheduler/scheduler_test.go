// Package scheduler tests for the sync coordinator.
package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
)

// =====================================================
// Test Helpers
// =====================================================

// scriptedApplier wraps an Engine, counting calls and optionally blocking
// or failing them.
type scriptedApplier struct {
	next syncpkg.BatchApplier

	mu      sync.Mutex
	calls   map[string]int
	sizes   []int
	fail    func(table string, call int) error
	entered chan struct{}
	release chan struct{}
}

func newScriptedApplier(next syncpkg.BatchApplier) *scriptedApplier {
	return &scriptedApplier{next: next, calls: make(map[string]int)}
}

func (a *scriptedApplier) ApplyBatch(ctx context.Context, table string, changes []*models.PendingChange) ([]syncpkg.Applied, error) {
	a.mu.Lock()
	a.calls[table]++
	call := a.calls[table]
	a.sizes = append(a.sizes, len(changes))
	fail, entered, release := a.fail, a.entered, a.release
	a.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if release != nil {
		<-release
	}
	if fail != nil {
		if err := fail(table, call); err != nil {
			return nil, err
		}
	}
	return a.next.ApplyBatch(ctx, table, changes)
}

func (a *scriptedApplier) callCount(table string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[table]
}

type fixture struct {
	svc     *remotetest.Service
	queue   *queue.Queue
	applier *scriptedApplier
	monitor *connectivity.Monitor
	coord   *Coordinator
}

func newFixture(t *testing.T, cfg Config, online bool) *fixture {
	t.Helper()
	svc := remotetest.NewService()
	q := queue.New(queue.NewMemoryStore())
	applier := newScriptedApplier(syncpkg.NewEngine(svc))
	monitor := connectivity.NewMonitor(online)
	if cfg.BatchRate == 0 {
		cfg.BatchRate = 1000
		cfg.BatchBurst = 1000
	}
	return &fixture{
		svc:     svc,
		queue:   q,
		applier: applier,
		monitor: monitor,
		coord:   New(q, applier, monitor, cfg),
	}
}

func (f *fixture) enqueuePets(t *testing.T, n int) []*models.PendingChange {
	t.Helper()
	var out []*models.PendingChange
	for i := 0; i < n; i++ {
		c, err := f.queue.Enqueue(context.Background(), remote.TablePets, models.OperationUpdate,
			map[string]interface{}{"id": string(rune('a' + i)), "name": "pet"}, "")
		if err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
		out = append(out, c)
	}
	return out
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

// =====================================================
// Config Tests
// =====================================================

// TestDefaultConfig verifies default configuration.
func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want 50", cfg.BatchSize)
	}
	if cfg.Interval != 30*time.Second {
		t.Errorf("Interval = %v, want 30s", cfg.Interval)
	}
	if cfg.DrainTimeout != 2*time.Minute {
		t.Errorf("DrainTimeout = %v, want 2m", cfg.DrainTimeout)
	}
}

// TestBatchSizeFor verifies per-table overrides.
func TestBatchSizeFor(t *testing.T) {
	cfg := Config{BatchSize: 20, TableBatchSize: map[string]int{"analytics_events": 100, "bad": 0}}

	if got := cfg.batchSizeFor("analytics_events"); got != 100 {
		t.Errorf("override = %d, want 100", got)
	}
	if got := cfg.batchSizeFor("bad"); got != 20 {
		t.Errorf("zero override = %d, want 20", got)
	}
	if got := (Config{}).batchSizeFor("pets"); got != 50 {
		t.Errorf("empty config = %d, want 50", got)
	}
}

// =====================================================
// Drain Tests
// =====================================================

// TestDrainResolvesInBatches verifies batching and resolution listeners.
func TestDrainResolvesInBatches(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, true)
	f.enqueuePets(t, 5)

	var (
		mu       sync.Mutex
		resolved []int64
		rows     int
	)
	f.coord.OnResolved(remote.TablePets, func(_ context.Context, c *models.PendingChange, row remote.Row) {
		mu.Lock()
		defer mu.Unlock()
		resolved = append(resolved, c.ID)
		if row != nil {
			rows++
		}
	})

	result, err := f.coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Resolved != 5 {
		t.Errorf("Resolved = %d, want 5", result.Resolved)
	}
	if tr := result.Table(remote.TablePets); tr == nil || tr.Batches != 3 {
		t.Errorf("pets batches = %+v, want 3", tr)
	}
	if got := f.applier.sizes; len(got) != 3 || got[0] != 2 || got[2] != 1 {
		t.Errorf("batch sizes = %v, want [2 2 1]", got)
	}
	if len(resolved) != 5 || rows != 5 {
		t.Errorf("listener saw %d changes with %d rows, want 5 and 5", len(resolved), rows)
	}
	for i := 1; i < len(resolved); i++ {
		if resolved[i] < resolved[i-1] {
			t.Errorf("resolution out of order: %v", resolved)
		}
	}

	stats, _ := f.queue.Stats(context.Background())
	if stats.Total != 0 {
		t.Errorf("queue not empty after drain: %+v", stats)
	}
}

// TestDrainConnectivityFailureLeavesQueued verifies transient failures.
func TestDrainConnectivityFailureLeavesQueued(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, true)
	f.enqueuePets(t, 4)
	f.svc.SetOffline(true)

	result, err := f.coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	tr := result.Table(remote.TablePets)
	if tr.Batches != 1 {
		t.Errorf("Batches = %d, want 1 (table stops after connectivity failure)", tr.Batches)
	}
	if tr.Retried != 2 || tr.Err == nil {
		t.Errorf("Retried = %d err = %v, want 2 with error", tr.Retried, tr.Err)
	}

	ready, _ := f.queue.Ready(context.Background(), "")
	if len(ready) != 4 {
		t.Fatalf("ready = %d, want 4", len(ready))
	}
	if ready[0].Attempts != 1 || ready[2].Attempts != 0 {
		t.Errorf("attempts = %d,%d, want 1,0", ready[0].Attempts, ready[2].Attempts)
	}

	if status := f.coord.Status(context.Background()); status.LastError == "" {
		t.Error("Status should report the last error")
	}

	f.svc.SetOffline(false)
	result, _ = f.coord.Drain(context.Background())
	if result.Resolved != 4 {
		t.Errorf("Resolved after recovery = %d, want 4", result.Resolved)
	}
}

// TestDrainValidationFailureMarksFailed verifies rejections are terminal.
func TestDrainValidationFailureMarksFailed(t *testing.T) {
	f := newFixture(t, Config{BatchSize: 2}, true)
	f.enqueuePets(t, 4)
	f.applier.fail = func(table string, call int) error {
		if call == 1 {
			return errors.New(errors.ErrRemoteRejected, "check constraint")
		}
		return nil
	}

	var rejected []int64
	f.coord.OnRejected("", func(_ context.Context, c *models.PendingChange, err error) {
		if errors.KindOf(err) != errors.KindValidation {
			t.Errorf("rejection err kind = %v", errors.KindOf(err))
		}
		rejected = append(rejected, c.ID)
	})

	result, err := f.coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Failed != 2 || result.Resolved != 2 {
		t.Errorf("Failed=%d Resolved=%d, want 2 and 2", result.Failed, result.Resolved)
	}
	if len(rejected) != 2 {
		t.Errorf("rejected listener calls = %d, want 2", len(rejected))
	}

	// Failed changes are not resent until retried explicitly.
	calls := f.applier.callCount(remote.TablePets)
	f.coord.Drain(context.Background())
	if f.applier.callCount(remote.TablePets) != calls {
		t.Error("failed changes should not be resent by a plain drain")
	}

	f.queue.RetryFailed(context.Background())
	result, _ = f.coord.Drain(context.Background())
	if result.Resolved != 2 {
		t.Errorf("Resolved after RetryFailed = %d, want 2", result.Resolved)
	}
}

// TestDrainOfflineIsNoop verifies nothing is sent while offline.
func TestDrainOfflineIsNoop(t *testing.T) {
	f := newFixture(t, Config{}, false)
	f.enqueuePets(t, 1)

	result, err := f.coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if !result.Offline {
		t.Error("expected Offline result")
	}
	if f.svc.CallCount("") != 0 {
		t.Error("no remote calls expected while offline")
	}
}

// TestOnDrainObservesOnlineDrains verifies drain observers see completed
// online drains and are skipped while offline.
func TestOnDrainObservesOnlineDrains(t *testing.T) {
	f := newFixture(t, Config{}, false)
	f.enqueuePets(t, 2)

	var seen []*DrainResult
	f.coord.OnDrain(func(r *DrainResult, err error) {
		if err != nil {
			t.Errorf("observer got error: %v", err)
		}
		seen = append(seen, r)
	})

	if _, err := f.coord.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(seen) != 0 {
		t.Fatalf("observer called %d times while offline", len(seen))
	}

	f.monitor.SetOnline(true)
	if _, err := f.coord.Drain(context.Background()); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if len(seen) != 1 {
		t.Fatalf("observer called %d times, want 1", len(seen))
	}
	if seen[0].Resolved != 2 {
		t.Errorf("Resolved = %d, want 2", seen[0].Resolved)
	}
	if seen[0].Duration <= 0 && seen[0].EndTime.IsZero() {
		t.Error("expected drain timing to be set")
	}
}

// TestDrainTableInFlightIsSkipped verifies the per-table in-flight flag.
func TestDrainTableInFlightIsSkipped(t *testing.T) {
	f := newFixture(t, Config{}, true)
	f.enqueuePets(t, 1)
	f.queue.Enqueue(context.Background(), remote.TableFriendships, models.OperationInsert,
		map[string]interface{}{"id": "f1"}, "")

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	f.applier.entered = entered
	f.applier.release = release

	done := make(chan *DrainResult)
	go func() {
		r, _ := f.coord.DrainTable(context.Background(), remote.TablePets)
		done <- r
	}()
	<-entered

	// A second drain while pets is in flight.
	f.applier.mu.Lock()
	f.applier.entered, f.applier.release = nil, nil
	f.applier.mu.Unlock()
	f.enqueuePets(t, 1)

	second, err := f.coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("second Drain failed: %v", err)
	}
	if tr := second.Table(remote.TablePets); tr == nil || !tr.Skipped {
		t.Errorf("pets should be skipped while in flight, got %+v", tr)
	}
	if tr := second.Table(remote.TableFriendships); tr == nil || tr.Resolved != 1 {
		t.Errorf("friendships should drain independently, got %+v", tr)
	}
	if status := f.coord.Status(context.Background()); len(status.InFlight) != 1 || status.InFlight[0] != remote.TablePets {
		t.Errorf("InFlight = %v, want [pets]", status.InFlight)
	}

	close(release)
	first := <-done
	if first.Resolved != 1 {
		t.Errorf("first drain resolved = %d, want 1", first.Resolved)
	}
}

// pausingStore hands out one stale snapshot of queued changes and blocks
// until released, so another drain can finish in between.
type pausingStore struct {
	*queue.MemoryStore

	mu      sync.Mutex
	armed   bool
	listed  chan struct{}
	release chan struct{}
}

func (s *pausingStore) ListPendingChanges(ctx context.Context, table string, statuses ...models.ChangeStatus) ([]*models.PendingChange, error) {
	out, err := s.MemoryStore.ListPendingChanges(ctx, table, statuses...)

	s.mu.Lock()
	pause := s.armed
	s.armed = false
	s.mu.Unlock()

	if pause {
		s.listed <- struct{}{}
		<-s.release
	}
	return out, err
}

// TestDrainDoesNotReplayResolvedChanges verifies a drain that listed the
// queue before another drain finished does not send the same changes again.
func TestDrainDoesNotReplayResolvedChanges(t *testing.T) {
	store := &pausingStore{
		MemoryStore: queue.NewMemoryStore(),
		listed:      make(chan struct{}),
		release:     make(chan struct{}),
	}
	svc := remotetest.NewService()
	q := queue.New(store)
	applier := newScriptedApplier(syncpkg.NewEngine(svc))
	coord := New(q, applier, connectivity.NewMonitor(true), Config{BatchRate: 1000, BatchBurst: 1000})

	var resolvedMu sync.Mutex
	resolved := 0
	coord.OnResolved(remote.TablePets, func(ctx context.Context, change *models.PendingChange, row remote.Row) {
		resolvedMu.Lock()
		resolved++
		resolvedMu.Unlock()
	})

	if _, err := q.Enqueue(context.Background(), remote.TablePets, models.OperationUpdate,
		map[string]interface{}{"id": "p1", "name": "Rex"}, ""); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	store.mu.Lock()
	store.armed = true
	store.mu.Unlock()

	stale := make(chan *DrainResult)
	go func() {
		r, err := coord.Drain(context.Background())
		if err != nil {
			t.Errorf("stale Drain failed: %v", err)
		}
		stale <- r
	}()
	<-store.listed

	first, err := coord.Drain(context.Background())
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if first.Resolved != 1 {
		t.Fatalf("first drain resolved = %d, want 1", first.Resolved)
	}

	close(store.release)
	second := <-stale

	if second.Resolved != 0 {
		t.Errorf("second drain resolved = %d, want 0", second.Resolved)
	}
	if n := applier.callCount(remote.TablePets); n != 1 {
		t.Errorf("ApplyBatch calls for pets = %d, want 1", n)
	}
	resolvedMu.Lock()
	defer resolvedMu.Unlock()
	if resolved != 1 {
		t.Errorf("OnResolved fired %d times, want 1", resolved)
	}
}

// =====================================================
// Start/Stop Tests
// =====================================================

// TestReconnectTriggersOneDrain verifies the online transition drains.
func TestReconnectTriggersOneDrain(t *testing.T) {
	f := newFixture(t, Config{Interval: time.Hour}, false)
	f.enqueuePets(t, 3)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coord.Start(ctx)
	defer f.coord.Stop()

	f.monitor.SetOnline(true)
	f.monitor.SetOnline(true)

	waitFor(t, func() bool {
		stats, _ := f.queue.Stats(context.Background())
		return stats.Total == 0
	})
	if got := f.applier.callCount(remote.TablePets); got != 1 {
		t.Errorf("applier calls = %d, want 1", got)
	}

	f.monitor.SetOnline(false)
	f.enqueuePets(t, 1)
	time.Sleep(20 * time.Millisecond)
	if got := f.applier.callCount(remote.TablePets); got != 1 {
		t.Errorf("going offline must not drain, calls = %d", got)
	}
}

// TestStartRecoversInFlight verifies interrupted batches are resent.
func TestStartRecoversInFlight(t *testing.T) {
	f := newFixture(t, Config{Interval: 10 * time.Millisecond}, true)
	changes := f.enqueuePets(t, 2)
	f.queue.MarkInFlight(context.Background(), []int64{changes[0].ID, changes[1].ID})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.coord.Start(ctx)
	f.coord.Start(ctx)

	if !f.coord.IsRunning() {
		t.Error("coordinator should be running")
	}
	waitFor(t, func() bool {
		stats, _ := f.queue.Stats(context.Background())
		return stats.Total == 0
	})

	f.coord.Stop()
	f.coord.Stop()
	if f.coord.IsRunning() {
		t.Error("coordinator should be stopped")
	}
}
