// Package store persists custody records and queue items. Interfaces are
// defined here and consumed by the coordinator and queue manager; memory and
// postgres implementations are interchangeable.
package store

import (
	"context"
	"time"

	"custodia/internal/custody/models"
	dErrors "custodia/pkg/domain-errors"
)

// ErrNotFound keeps storage-level misses consistent across implementations.
var ErrNotFound = dErrors.New(dErrors.CodeNotFound, "record not found")

// RecordStore persists custody records. Records are append-only: Confirm is
// the only mutation the contract permits, and it is limited to attaching the
// ledger reference and flipping the verified flag.
type RecordStore interface {
	Create(ctx context.Context, record models.CustodyRecord) error
	FindByID(ctx context.Context, id string) (models.CustodyRecord, error)
	// ListByParcel returns the parcel's records ordered by timestamp ascending.
	ListByParcel(ctx context.Context, parcelID string) ([]models.CustodyRecord, error)
	// LatestByParcel returns the most recent record, or ErrNotFound.
	LatestByParcel(ctx context.Context, parcelID string) (models.CustodyRecord, error)
	// Confirm sets ledger_tx_ref and verified=true. It never clears them.
	Confirm(ctx context.Context, id, txRef string) error
}

// QueueStore persists outbox entries. The delivery queue manager is the only
// caller that mutates status; claiming is exclusive so concurrent managers
// cannot double-deliver.
type QueueStore interface {
	Enqueue(ctx context.Context, item models.QueueItem) error
	FindByID(ctx context.Context, id string) (models.QueueItem, error)
	// ActiveByRecord returns any non-completed item for the record, or
	// ErrNotFound. Used to repair records whose enqueue never landed.
	ActiveByRecord(ctx context.Context, recordID string) (models.QueueItem, error)
	// ClaimPending atomically flips up to limit pending items to processing,
	// oldest first, and returns the claimed items.
	ClaimPending(ctx context.Context, limit int) ([]models.QueueItem, error)
	MarkCompleted(ctx context.Context, id, txRef string) error
	// MarkFailed stores the error and increments the retry count.
	MarkFailed(ctx context.Context, id, errMsg string) error
	// ReleaseForRetry moves a failed item back to pending. The retry count
	// is preserved so the audit trail of cumulative attempts survives.
	ReleaseForRetry(ctx context.Context, id string) error
	// ListRetryable returns failed items under the retry limit whose last
	// update is older than the backoff cutoff.
	ListRetryable(ctx context.Context, maxRetries int, updatedBefore time.Time) ([]models.QueueItem, error)
	// ListNeedingIntervention returns failed items at or past the retry limit.
	ListNeedingIntervention(ctx context.Context, maxRetries int) ([]models.QueueItem, error)
	// ReclaimStale flips processing items whose last update predates the
	// cutoff back to pending, recovering claims orphaned by a dead manager,
	// and reports how many were reclaimed.
	ReclaimStale(ctx context.Context, updatedBefore time.Time) (int, error)
	// DeleteCompletedBefore purges completed items processed before the
	// cutoff and reports how many rows went away.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)
	Stats(ctx context.Context) (models.QueueStats, error)
}
