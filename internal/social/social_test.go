package social

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/db"
	"github.com/dogtale/companion-core/internal/querycache"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
)

type env struct {
	svc     *remotetest.Service
	queue   *queue.Queue
	monitor *connectivity.Monitor
	coord   *scheduler.Coordinator
	qc      *querycache.Cache
	deps    Deps
}

func newEnv(t *testing.T, online bool) *env {
	t.Helper()
	database, err := db.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	svc := remotetest.NewService()
	q := queue.New(queue.NewMemoryStore())
	monitor := connectivity.NewMonitor(online)
	cfg := scheduler.DefaultConfig()
	cfg.BatchRate, cfg.BatchBurst = 1000, 1000
	coord := scheduler.New(q, syncpkg.NewEngine(svc), monitor, cfg)
	qc := querycache.New(db.NewStore(database))

	return &env{
		svc:     svc,
		queue:   q,
		monitor: monitor,
		coord:   coord,
		qc:      qc,
		deps: Deps{
			Remote:      svc,
			Queue:       q,
			Coordinator: coord,
			Monitor:     monitor,
			QueryCache:  qc,
		},
	}
}

func (e *env) drain(t *testing.T) *scheduler.DrainResult {
	t.Helper()
	e.monitor.SetOnline(true)
	res, err := e.coord.Drain(context.Background())
	require.NoError(t, err)
	return res
}

func (e *env) queued(t *testing.T) int {
	t.Helper()
	stats, err := e.queue.Stats(context.Background())
	require.NoError(t, err)
	return stats.Queued
}
