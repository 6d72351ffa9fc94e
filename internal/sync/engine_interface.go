package sync

import (
	"context"

	"github.com/dogtale/companion-core/internal/models"
)

// BatchApplier applies one table's batch of changes. It allows the
// coordinator to be tested against a scripted applier.
type BatchApplier interface {
	// ApplyBatch writes changes for table. An error means no change in the
	// batch is considered applied.
	ApplyBatch(ctx context.Context, table string, changes []*models.PendingChange) ([]Applied, error)
}

var _ BatchApplier = (*Engine)(nil)
