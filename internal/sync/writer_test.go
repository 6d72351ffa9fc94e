package sync

import (
	"context"
	"testing"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	"github.com/dogtale/companion-core/internal/sync/queue"
)

func newWriter(online bool) (*Writer, *remotetest.Service, *queue.Queue, *connectivity.Monitor) {
	svc := remotetest.NewService()
	q := queue.New(queue.NewMemoryStore())
	monitor := connectivity.NewMonitor(online)
	return NewWriter(NewEngine(svc), q, monitor), svc, q, monitor
}

func favorite(url string) Write {
	return Write{Row: remote.Row{"user_id": "u1", "image_url": url}}
}

// TestWriterOnlineAppliesDirectly verifies an online write reaches the remote in one call.
func TestWriterOnlineAppliesDirectly(t *testing.T) {
	w, svc, q, _ := newWriter(true)
	ctx := context.Background()

	res, err := w.Write(ctx, remote.TableFavorites, models.OperationInsert, []Write{favorite("a.jpg"), favorite("b.jpg")})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if res.Queued {
		t.Error("Queued = true, want false")
	}
	if len(res.Applied) != 2 {
		t.Errorf("len(Applied) = %d, want 2", len(res.Applied))
	}
	for _, c := range res.Changes {
		if c.IdempotencyKey == "" {
			t.Error("change without idempotency key")
		}
	}
	if got := len(svc.Rows(remote.TableFavorites)); got != 2 {
		t.Errorf("remote rows = %d, want 2", got)
	}
	if got := svc.CallCount("upsert"); got != 1 {
		t.Errorf("upsert calls = %d, want 1", got)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total != 0 {
		t.Errorf("queue total = %d, want 0", stats.Total)
	}
}

// TestWriterOfflineQueues verifies offline writes land in the queue untouched.
func TestWriterOfflineQueues(t *testing.T) {
	w, svc, q, _ := newWriter(false)
	ctx := context.Background()

	res, err := w.Write(ctx, remote.TableFavorites, models.OperationInsert, []Write{
		{Row: remote.Row{"user_id": "u1", "image_url": "a.jpg"}, Key: "fav-a"},
	})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !res.Queued || len(res.Changes) != 1 {
		t.Fatalf("result = %+v, want one queued change", res)
	}
	if res.Changes[0].IdempotencyKey != "fav-a" {
		t.Errorf("key = %q, want fav-a", res.Changes[0].IdempotencyKey)
	}
	if got := len(svc.Calls()); got != 0 {
		t.Errorf("remote calls = %d, want 0", got)
	}
	stats, _ := q.Stats(ctx)
	if stats.Queued != 1 {
		t.Errorf("queued = %d, want 1", stats.Queued)
	}
}

// TestWriterFailureClassification verifies refusals surface and transient errors queue.
func TestWriterFailureClassification(t *testing.T) {
	ctx := context.Background()

	w, svc, q, _ := newWriter(true)
	svc.FailNext(errors.New(errors.ErrConnectivity, "reset"))
	res, err := w.Write(ctx, remote.TableFavorites, models.OperationInsert, []Write{favorite("a.jpg")})
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if !res.Queued {
		t.Error("connectivity failure was not queued")
	}

	svc.Reject(remote.TableFavorites, errors.New(errors.ErrRemoteRejected, "row level security"))
	_, err = w.Write(ctx, remote.TableFavorites, models.OperationInsert, []Write{favorite("b.jpg")})
	if !errors.Is(err, errors.ErrRemoteRejected) {
		t.Errorf("Write() error = %v, want REMOTE_REJECTED", err)
	}
	stats, _ := q.Stats(ctx)
	if stats.Total != 1 {
		t.Errorf("queue total = %d, want 1", stats.Total)
	}
}
