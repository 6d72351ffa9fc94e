package sync

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/dogtale/companion-core/internal/connectivity"
	"github.com/dogtale/companion-core/internal/errors"
	"github.com/dogtale/companion-core/internal/logging"
	"github.com/dogtale/companion-core/internal/models"
	"github.com/dogtale/companion-core/internal/remote"
	"github.com/dogtale/companion-core/internal/sync/queue"
	"github.com/dogtale/companion-core/internal/uuid"
)

// Write describes one change handed to a Writer.
type Write struct {
	Row remote.Row
	// Key is the change's idempotency key; empty means a fresh one.
	Key string
}

// WriteResult reports how a Write call settled.
type WriteResult struct {
	// Queued is true when the changes went into the queue instead of
	// reaching the remote.
	Queued  bool
	Applied []Applied
	Changes []*models.PendingChange
}

// Writer writes changes directly while online and queues them otherwise.
// It is the write path for callers that keep no optimistic state.
type Writer struct {
	applier BatchApplier
	queue   *queue.Queue
	monitor *connectivity.Monitor
}

// NewWriter creates a Writer. monitor may be nil, meaning always online.
func NewWriter(applier BatchApplier, q *queue.Queue, monitor *connectivity.Monitor) *Writer {
	return &Writer{applier: applier, queue: q, monitor: monitor}
}

// Write applies writes to table as one batch. A refusal is returned as is
// and nothing is queued; any other failure queues every change.
func (w *Writer) Write(ctx context.Context, table string, op models.Operation, writes []Write) (*WriteResult, error) {
	if len(writes) == 0 {
		return &WriteResult{}, nil
	}
	writes = slices.Clone(writes)

	if w.monitor == nil || w.monitor.Online() {
		changes := make([]*models.PendingChange, 0, len(writes))
		for i, wr := range writes {
			payload, err := json.Marshal(wr.Row)
			if err != nil {
				return nil, errors.Wrap(errors.ErrInvalid, "encode change", err)
			}
			if wr.Key == "" {
				writes[i].Key = uuid.New()
			}
			changes = append(changes, &models.PendingChange{
				TableName:      table,
				Operation:      op,
				Payload:        payload,
				IdempotencyKey: writes[i].Key,
			})
		}
		applied, err := w.applier.ApplyBatch(ctx, table, changes)
		if err == nil {
			return &WriteResult{Applied: applied, Changes: changes}, nil
		}
		if errors.KindOf(err) == errors.KindValidation {
			return nil, err
		}
		logging.Debug("Direct write failed, queueing", map[string]interface{}{
			"table":   table,
			"changes": len(writes),
			"error":   err.Error(),
		})
	}

	res := &WriteResult{Queued: true}
	for _, wr := range writes {
		c, err := w.queue.Enqueue(ctx, table, op, wr.Row, wr.Key)
		if err != nil {
			return res, err
		}
		res.Changes = append(res.Changes, c)
	}
	return res, nil
}
