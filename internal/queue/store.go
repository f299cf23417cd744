package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/spherax/segqueue/internal/domain"
)

// ErrObjectNotFound is returned by ObjectStorage when no object exists for
// the requested key. The scheduler treats the affected image as invalid for
// its batch instead of failing the batch.
var ErrObjectNotFound = errors.New("object not found")

// ItemFilter selects queue items in Store queries. Zero-valued fields are
// ignored; populated fields are combined with AND.
type ItemFilter struct {
	Statuses        []domain.ItemStatus
	ProjectID       *uuid.UUID
	UserID          *uuid.UUID
	BatchTag        *string
	ImageIDs        []uuid.UUID
	StartedBefore   *time.Time
	CompletedBefore *time.Time
}

// ItemUpdate describes a bulk mutation applied to matching items. Status is
// always set; the Set* flags control which optional columns change so a
// single contract covers admission, requeue, cancellation and completion.
type ItemUpdate struct {
	Status domain.ItemStatus

	SetBatchID bool
	BatchID    *uuid.UUID // nil with SetBatchID clears the column

	SetStartedAt bool
	StartedAt    *time.Time

	SetCompletedAt bool
	CompletedAt    *time.Time

	SetError bool
	Error    *string

	IncrementRetry bool
}

// Store is the persistence contract for queue items. Implementations must
// make TransitionItems a single atomic statement: the WHERE-status guard is
// what prevents two concurrent cycles from admitting the same item, and the
// returned id list is how callers detect races (affected may be a strict
// subset of requested).
type Store interface {
	// InsertItems persists new items in a single bulk insert.
	InsertItems(ctx context.Context, items []*domain.QueueItem) error

	// FindItems returns items matching the filter, ordered by
	// priority desc, created_at asc, id asc.
	FindItems(ctx context.Context, filter ItemFilter) ([]*domain.QueueItem, error)

	// TransitionItems applies update to the given ids whose current status
	// is one of from, atomically, and returns the ids actually affected.
	TransitionItems(
		ctx context.Context,
		ids []uuid.UUID,
		from []domain.ItemStatus,
		update ItemUpdate,
	) ([]uuid.UUID, error)

	// DeleteItems removes items matching the filter and returns the count.
	DeleteItems(ctx context.Context, filter ItemFilter) (int64, error)

	// CountByStatus returns the number of items per status.
	CountByStatus(ctx context.Context) (map[domain.ItemStatus]int64, error)
}

// ObjectStorage fetches raw image bytes by key, used to build the inference
// request payload.
type ObjectStorage interface {
	Fetch(ctx context.Context, key string) ([]byte, error)
}
