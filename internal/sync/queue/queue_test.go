// Package queue provides unit tests for the durable change queue.
package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/dogtale/companion-core/internal/db"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
)

// stores returns each Store implementation under test.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	database, err := db.OpenInMemory()
	if err != nil {
		t.Fatalf("OpenInMemory failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": db.NewStore(database),
	}
}

// TestQueueEnqueue tests that enqueued changes are persisted queued.
func TestQueueEnqueue(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := New(store)

			change, err := q.Enqueue(ctx, "activity_reactions", models.OperationInsert,
				map[string]interface{}{"activity_id": "A1", "user_id": "u1"}, "key-1")
			if err != nil {
				t.Fatalf("Enqueue failed: %v", err)
			}
			if change.ID == 0 {
				t.Error("Expected ID to be assigned")
			}
			if change.Status != models.ChangeQueued {
				t.Errorf("Expected queued status, got %s", change.Status)
			}

			ready, err := q.Ready(ctx, "")
			if err != nil {
				t.Fatalf("Ready failed: %v", err)
			}
			if len(ready) != 1 {
				t.Fatalf("Expected 1 ready change, got %d", len(ready))
			}
			if ready[0].IdempotencyKey != "key-1" {
				t.Errorf("Expected key-1, got %s", ready[0].IdempotencyKey)
			}

			row, err := ready[0].Row()
			if err != nil {
				t.Fatalf("Row failed: %v", err)
			}
			if row["activity_id"] != "A1" {
				t.Errorf("Expected payload activity_id A1, got %v", row["activity_id"])
			}
		})
	}
}

// TestQueueEnqueueGeneratesKey tests key generation for keyless changes.
func TestQueueEnqueueGeneratesKey(t *testing.T) {
	q := New(NewMemoryStore())
	a, _ := q.Enqueue(context.Background(), "comments", models.OperationInsert, nil, "")
	b, _ := q.Enqueue(context.Background(), "comments", models.OperationInsert, nil, "")

	if a.IdempotencyKey == "" || b.IdempotencyKey == "" {
		t.Fatal("Expected generated keys")
	}
	if a.IdempotencyKey == b.IdempotencyKey {
		t.Error("Expected distinct generated keys")
	}
	if string(a.Payload) != "{}" {
		t.Errorf("Expected empty object payload, got %s", a.Payload)
	}
}

// TestQueueEnqueueValidation tests rejection of malformed changes.
func TestQueueEnqueueValidation(t *testing.T) {
	q := New(NewMemoryStore())
	ctx := context.Background()

	tests := []struct {
		name    string
		table   string
		op      models.Operation
		payload interface{}
	}{
		{"empty table", "", models.OperationInsert, nil},
		{"unknown op", "pets", models.Operation("merge"), nil},
		{"invalid raw JSON", "pets", models.OperationUpdate, json.RawMessage("{")},
		{"invalid bytes", "pets", models.OperationUpdate, []byte("nope")},
		{"unencodable", "pets", models.OperationUpdate, make(chan int)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := q.Enqueue(ctx, tt.table, tt.op, tt.payload, "")
			if !errors.Is(err, errors.ErrInvalid) {
				t.Errorf("Expected INVALID_INPUT, got %v", err)
			}
		})
	}
}

// TestQueueOrdering tests that changes drain oldest first even when the
// clock does not advance.
func TestQueueOrdering(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := New(store)
			fixed := time.UnixMilli(1_700_000_000_000)
			q.now = func() time.Time { return fixed }

			for _, key := range []string{"a", "b", "c"} {
				if _, err := q.Enqueue(ctx, "pets", models.OperationUpdate, map[string]string{"k": key}, key); err != nil {
					t.Fatalf("Enqueue failed: %v", err)
				}
			}

			ready, _ := q.Ready(ctx, "pets")
			if len(ready) != 3 {
				t.Fatalf("Expected 3 changes, got %d", len(ready))
			}
			for i, want := range []string{"a", "b", "c"} {
				if ready[i].IdempotencyKey != want {
					t.Errorf("Position %d: expected %s, got %s", i, want, ready[i].IdempotencyKey)
				}
			}
			if !(ready[0].CreatedAt < ready[1].CreatedAt && ready[1].CreatedAt < ready[2].CreatedAt) {
				t.Error("Expected strictly increasing created_at")
			}
		})
	}
}

// TestQueueLifecycle tests in-flight, retry, failure and resolution.
func TestQueueLifecycle(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := New(store)

			a, _ := q.Enqueue(ctx, "pets", models.OperationUpdate, map[string]string{"id": "p1"}, "a")
			b, _ := q.Enqueue(ctx, "pets", models.OperationUpdate, map[string]string{"id": "p2"}, "b")
			c, _ := q.Enqueue(ctx, "friendships", models.OperationInsert, map[string]string{"id": "f1"}, "c")

			if err := q.MarkInFlight(ctx, []int64{a.ID, b.ID}); err != nil {
				t.Fatalf("MarkInFlight failed: %v", err)
			}
			if ready, _ := q.Ready(ctx, "pets"); len(ready) != 0 {
				t.Errorf("Expected no ready pets changes while in flight, got %d", len(ready))
			}

			if err := q.MarkRetry(ctx, []int64{a.ID}, stderrors.New("timeout")); err != nil {
				t.Fatalf("MarkRetry failed: %v", err)
			}
			if err := q.MarkFailed(ctx, []int64{b.ID}, stderrors.New("rejected")); err != nil {
				t.Fatalf("MarkFailed failed: %v", err)
			}

			ready, _ := q.Ready(ctx, "pets")
			if len(ready) != 1 || ready[0].ID != a.ID {
				t.Fatalf("Expected only the retried change ready, got %v", ready)
			}
			if ready[0].Attempts != 1 || ready[0].LastError != "timeout" {
				t.Errorf("Expected 1 attempt with last error, got %d %q", ready[0].Attempts, ready[0].LastError)
			}

			drained, _ := q.Drain(ctx, "pets")
			if len(drained) != 2 {
				t.Errorf("Expected Drain to include failed changes, got %d", len(drained))
			}

			failed, _ := q.Failed(ctx, "")
			if len(failed) != 1 || failed[0].LastError != "rejected" {
				t.Fatalf("Expected failed change with error, got %v", failed)
			}

			stats, _ := q.Stats(ctx)
			if stats.Total != 3 || stats.Queued != 2 || stats.Failed != 1 || stats.InFlight != 0 {
				t.Errorf("Unexpected stats: %+v", stats)
			}

			if err := q.MarkResolved(ctx, []int64{a.ID, c.ID}); err != nil {
				t.Fatalf("MarkResolved failed: %v", err)
			}
			all, _ := q.List(ctx, "")
			if len(all) != 1 || all[0].ID != b.ID {
				t.Errorf("Expected only the failed change left, got %v", all)
			}
		})
	}
}

// TestQueueRetryFailed tests explicit retry of rejected changes.
func TestQueueRetryFailed(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryStore())

	a, _ := q.Enqueue(ctx, "pets", models.OperationUpdate, nil, "")
	q.MarkFailed(ctx, []int64{a.ID}, stderrors.New("bad"))

	n, err := q.RetryFailed(ctx)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 reset, got %d", n)
	}
	if ready, _ := q.Ready(ctx, ""); len(ready) != 1 {
		t.Errorf("Expected change ready after retry, got %d", len(ready))
	}
}

// TestQueueRecover tests that interrupted in-flight changes are re-queued.
func TestQueueRecover(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			q := New(store)
			a, _ := q.Enqueue(ctx, "pets", models.OperationUpdate, nil, "")
			q.MarkInFlight(ctx, []int64{a.ID})

			// A new process over the same store.
			restarted := New(store)
			n, err := restarted.Recover(ctx)
			if err != nil {
				t.Fatalf("Recover failed: %v", err)
			}
			if n != 1 {
				t.Errorf("Expected 1 recovered change, got %d", n)
			}
			if ready, _ := restarted.Ready(ctx, ""); len(ready) != 1 {
				t.Errorf("Expected recovered change ready, got %d", len(ready))
			}
		})
	}
}

// TestQueueReset tests sign-out clearing.
func TestQueueReset(t *testing.T) {
	ctx := context.Background()
	q := New(NewMemoryStore())
	q.Enqueue(ctx, "pets", models.OperationUpdate, nil, "")
	q.Enqueue(ctx, "pets", models.OperationUpdate, nil, "")

	if err := q.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("Expected empty queue, got %+v", stats)
	}
}

// TestQueueOnEnqueue tests enqueue notifications.
func TestQueueOnEnqueue(t *testing.T) {
	q := New(NewMemoryStore())
	var seen []string
	q.OnEnqueue(func(c *models.PendingChange) { seen = append(seen, c.TableName) })

	q.Enqueue(context.Background(), "pets", models.OperationUpdate, nil, "")
	q.Enqueue(context.Background(), "", models.OperationUpdate, nil, "")

	if len(seen) != 1 || seen[0] != "pets" {
		t.Errorf("Expected one notification for pets, got %v", seen)
	}
}
