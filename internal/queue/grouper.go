package queue

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/spherax/segqueue/internal/domain"
)

// Batch is an ephemeral, in-memory grouping of queued items sharing one
// model/threshold pair. It is created immediately before dispatch and
// discarded once its outcome has been written back to the items. Members
// preserve submission order; the result reconciler depends on that order.
type Batch struct {
	ID        uuid.UUID
	Items     []*domain.QueueItem
	Model     domain.SegmentationModel
	Threshold float64

	// Priority is the maximum priority among members.
	Priority int

	// EstimatedProcessingTime is the per-model latency estimate multiplied
	// by the member count.
	EstimatedProcessingTime time.Duration
}

// ItemIDs returns the ids of all member items.
func (b *Batch) ItemIDs() []uuid.UUID {
	return lo.Map(b.Items, func(item *domain.QueueItem, _ int) uuid.UUID {
		return item.ID
	})
}

type groupKey struct {
	model     domain.SegmentationModel
	threshold float64
}

// GroupPending partitions queued items into homogeneous batches. Up to
// maxBatches distinct (model, threshold) groups are selected in the order
// their best item sorts (priority desc, createdAt asc, id asc); within each
// group up to batchSize items are taken, further capped by the model's
// backend batch limit. The input is not mutated and no persisted state
// changes here: callers mark members processing only after the batch is
// actually admitted.
func GroupPending(items []*domain.QueueItem, batchSize, maxBatches int) []*Batch {
	if len(items) == 0 || batchSize <= 0 || maxBatches <= 0 {
		return nil
	}

	sorted := make([]*domain.QueueItem, len(items))
	copy(sorted, items)
	sort.SliceStable(sorted, func(a, b int) bool {
		if sorted[a].Priority != sorted[b].Priority {
			return sorted[a].Priority > sorted[b].Priority
		}
		if !sorted[a].CreatedAt.Equal(sorted[b].CreatedAt) {
			return sorted[a].CreatedAt.Before(sorted[b].CreatedAt)
		}
		// Total order so equal-priority, equal-timestamp inputs group
		// deterministically.
		return sorted[a].ID.String() < sorted[b].ID.String()
	})

	groups := lo.GroupBy(sorted, func(item *domain.QueueItem) groupKey {
		return groupKey{model: item.Model, threshold: item.Threshold}
	})

	// Keys in first-appearance order of the sorted slice, so the highest
	// priority / oldest work is dispatched first.
	var orderedKeys []groupKey
	seen := map[groupKey]bool{}
	for _, item := range sorted {
		key := groupKey{model: item.Model, threshold: item.Threshold}
		if !seen[key] {
			seen[key] = true
			orderedKeys = append(orderedKeys, key)
		}
	}

	var batches []*Batch
	for _, key := range orderedKeys {
		if len(batches) >= maxBatches {
			break
		}

		members := groups[key]
		limit := batchSize
		if modelLimit := key.model.BatchLimit(); modelLimit < limit {
			limit = modelLimit
		}
		if len(members) > limit {
			members = members[:limit]
		}

		maxPriority := lo.MaxBy(members, func(a, b *domain.QueueItem) bool {
			return a.Priority > b.Priority
		}).Priority

		batches = append(batches, &Batch{
			ID:        uuid.New(),
			Items:     members,
			Model:     key.model,
			Threshold: key.threshold,
			Priority:  maxPriority,
			EstimatedProcessingTime: key.model.EstimatedLatencyPerImage() *
				time.Duration(len(members)),
		})
	}

	return batches
}

// String implements fmt.Stringer for log output.
func (b *Batch) String() string {
	return fmt.Sprintf("batch %s model=%s threshold=%.2f items=%d",
		b.ID, b.Model, b.Threshold, len(b.Items))
}
