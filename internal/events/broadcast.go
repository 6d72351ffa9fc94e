package events

import (
	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/sync/scheduler"
)

// BroadcastConnectivity notifies clients of an online/offline transition.
func (h *Hub) BroadcastConnectivity(online bool) {
	h.Broadcast(EventConnectivityChanged, map[string]interface{}{"online": online})
}

// BroadcastChangeQueued notifies clients that a change is waiting for the
// remote.
func (h *Hub) BroadcastChangeQueued(c *models.PendingChange) {
	h.Broadcast(EventChangeQueued, map[string]interface{}{
		"id":        c.ID,
		"table":     c.TableName,
		"operation": string(c.Operation),
	})
}

// BroadcastDrain reports a finished drain. A drain with a store failure or a
// table stopped by connectivity is reported as failed.
func (h *Hub) BroadcastDrain(r *scheduler.DrainResult, err error) {
	if err == nil {
		for _, t := range r.Tables {
			if t.Err != nil {
				err = t.Err
				break
			}
		}
	}
	if err != nil {
		h.Broadcast(EventSyncFailed, map[string]interface{}{
			"error_code": string(errors.CodeOf(err)),
			"retryable":  errors.IsRetryable(err),
			"resolved":   r.Resolved,
			"retried":    r.Retried,
			"failed":     r.Failed,
		})
		return
	}
	h.Broadcast(EventSyncCompleted, map[string]interface{}{
		"resolved": r.Resolved,
		"retried":  r.Retried,
		"failed":   r.Failed,
		"duration": r.Duration.Milliseconds(),
	})
}

// BroadcastFallback notifies clients that content came from templates.
func (h *Hub) BroadcastFallback(kind models.GenerationKind, reason string) {
	h.Broadcast(EventGenerationFallback, map[string]interface{}{
		"kind":   string(kind),
		"reason": reason,
	})
}

// Attach forwards monitor, queue and coordinator activity to the hub. Any
// argument may be nil. The returned func detaches the monitor listener.
func (h *Hub) Attach(monitor *connectivity.Monitor, q *queue.Queue, coord *scheduler.Coordinator) func() {
	detach := func() {}
	if monitor != nil {
		detach = monitor.OnChange(h.BroadcastConnectivity)
	}
	if q != nil {
		q.OnEnqueue(h.BroadcastChangeQueued)
	}
	if coord != nil {
		coord.OnDrain(h.BroadcastDrain)
	}
	return detach
}
