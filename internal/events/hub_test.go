package events

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/remote/remotetest"
	syncpkg "github.com/dogtale/companion-core/internal/sync"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
)

func dial(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(hub)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestHub_BroadcastReachesClient(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	hub.BroadcastConnectivity(false)

	env := readEnvelope(t, conn)
	assert.Equal(t, EventConnectivityChanged, env.Type)
	assert.Equal(t, false, env.Data["online"])
}

func TestHub_SubscriptionFilters(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "subscribe", Events: []string{EventSyncCompleted}}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ack map[string]interface{}
	require.NoError(t, conn.ReadJSON(&ack))
	assert.Equal(t, "subscribe_ack", ack["action"])

	hub.BroadcastConnectivity(true)
	hub.BroadcastDrain(&scheduler.DrainResult{Resolved: 3}, nil)

	env := readEnvelope(t, conn)
	assert.Equal(t, EventSyncCompleted, env.Type)
	assert.EqualValues(t, 3, env.Data["resolved"])
}

func TestHub_Ping(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	require.NoError(t, conn.WriteJSON(clientMessage{Action: "ping"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var pong map[string]interface{}
	require.NoError(t, conn.ReadJSON(&pong))
	assert.Equal(t, "pong", pong["action"])
}

func TestHub_CloseDisconnects(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	hub.Close()
	assert.Equal(t, 0, hub.Clients())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)
}

func TestHub_BroadcastDrainFailure(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	r := &scheduler.DrainResult{Tables: []*scheduler.TableResult{
		{Table: remote.TablePets, Err: errors.New(errors.ErrConnectivity, "reset")},
	}}
	hub.BroadcastDrain(r, nil)

	env := readEnvelope(t, conn)
	assert.Equal(t, EventSyncFailed, env.Type)
	assert.Equal(t, string(errors.ErrConnectivity), env.Data["error_code"])
	assert.Equal(t, true, env.Data["retryable"])
}

func TestHub_Attach(t *testing.T) {
	hub := NewHub()
	conn := dial(t, hub)

	svc := remotetest.NewService()
	q := queue.New(queue.NewMemoryStore())
	monitor := connectivity.NewMonitor(false)
	coord := scheduler.New(q, syncpkg.NewEngine(svc), monitor, scheduler.Config{BatchRate: 1000, BatchBurst: 1000})
	detach := hub.Attach(monitor, q, coord)
	defer detach()

	ctx := context.Background()
	_, err := q.Enqueue(ctx, remote.TablePets, models.OperationUpdate, map[string]interface{}{"id": "p1"}, "")
	require.NoError(t, err)
	env := readEnvelope(t, conn)
	assert.Equal(t, EventChangeQueued, env.Type)
	assert.Equal(t, remote.TablePets, env.Data["table"])

	monitor.SetOnline(true)
	env = readEnvelope(t, conn)
	assert.Equal(t, EventConnectivityChanged, env.Type)

	_, err = coord.Drain(ctx)
	require.NoError(t, err)
	env = readEnvelope(t, conn)
	assert.Equal(t, EventSyncCompleted, env.Type)
	assert.EqualValues(t, 1, env.Data["resolved"])
}
