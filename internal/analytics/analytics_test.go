package analytics

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
)

func newTracker(online bool, cfg Config) (*Tracker, *remotetest.Service, *queue.Queue) {
	svc := remotetest.NewService()
	q := queue.New(queue.NewMemoryStore())
	w := syncpkg.NewWriter(syncpkg.NewEngine(svc), q, connectivity.NewMonitor(online))
	return New(w, cfg, WithSessionID("s1")), svc, q
}

func TestTrack_FlushesAtBatchSize(t *testing.T) {
	tr, svc, _ := newTracker(true, Config{BatchSize: 3})
	ctx := context.Background()
	tr.SetUser("u1")

	require.NoError(t, tr.Track(ctx, "story_generated", map[string]interface{}{"type": "adventure"}))
	require.NoError(t, tr.Track(ctx, "tribute_generated", nil))
	assert.Equal(t, 2, tr.Pending())
	assert.Empty(t, svc.Rows(remote.TableAnalyticsEvents))

	require.NoError(t, tr.Track(ctx, "chat_sent", nil))
	assert.Equal(t, 0, tr.Pending())

	rows := svc.Rows(remote.TableAnalyticsEvents)
	require.Len(t, rows, 3)
	for _, r := range rows {
		assert.Equal(t, "u1", r["user_id"])
		assert.Equal(t, "s1", r["session_id"])
		assert.NotEmpty(t, r["id"])
	}
}

func TestTrack_RejectsEmptyName(t *testing.T) {
	tr, _, _ := newTracker(true, DefaultConfig())
	err := tr.Track(context.Background(), "", nil)
	assert.True(t, errors.Is(err, errors.ErrInvalid))
	assert.Equal(t, 0, tr.Pending())
}

func TestTrack_TrimsOldestBeyondCap(t *testing.T) {
	tr, svc, _ := newTracker(true, Config{BatchSize: 100, MaxLocalEvents: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.Track(ctx, fmt.Sprintf("event_%d", i), nil))
	}
	assert.Equal(t, 3, tr.Pending())

	res, err := tr.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Sent)

	names := map[string]bool{}
	for _, r := range svc.Rows(remote.TableAnalyticsEvents) {
		names[r["event_name"].(string)] = true
	}
	assert.Equal(t, map[string]bool{"event_2": true, "event_3": true, "event_4": true}, names)
}

func TestFlush_OfflineQueues(t *testing.T) {
	tr, svc, q := newTracker(false, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, "app_opened", nil))
	require.NoError(t, tr.Track(ctx, "feed_viewed", nil))

	res, err := tr.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Queued)
	assert.Equal(t, 0, svc.CallCount(""))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
}

func TestFlush_FailedWriteQueues(t *testing.T) {
	tr, svc, q := newTracker(true, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, "app_opened", nil))

	svc.FailNext(errors.New(errors.ErrConnectivity, "connection reset"))
	res, err := tr.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Queued)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestFlush_RejectedBatchIsDropped(t *testing.T) {
	tr, svc, q := newTracker(true, DefaultConfig())
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, "app_opened", nil))

	svc.Reject(remote.TableAnalyticsEvents, errors.New(errors.ErrRemoteRejected, "payload too large"))
	res, err := tr.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.Equal(t, 0, tr.Pending())

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
}

func TestStartStop_FlushesRemaining(t *testing.T) {
	tr, svc, _ := newTracker(true, Config{FlushInterval: time.Hour})
	ctx := context.Background()
	tr.Start(ctx)
	require.NoError(t, tr.Track(ctx, "app_closed", nil))
	require.NoError(t, tr.Stop(ctx))

	assert.Len(t, svc.Rows(remote.TableAnalyticsEvents), 1)
	assert.Equal(t, 0, tr.Pending())
}

func TestStart_PeriodicFlush(t *testing.T) {
	tr, svc, _ := newTracker(true, Config{FlushInterval: 10 * time.Millisecond})
	ctx := context.Background()
	require.NoError(t, tr.Track(ctx, "app_opened", nil))
	tr.Start(ctx)
	defer tr.Stop(ctx)

	assert.Eventually(t, func() bool {
		return len(svc.Rows(remote.TableAnalyticsEvents)) == 1
	}, time.Second, 5*time.Millisecond)
}
