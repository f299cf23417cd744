package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"

	"github.com/spherax/segqueue/internal/domain"
	"github.com/spherax/segqueue/internal/events"
)

// SchedulerConfig holds tunables for the scheduler.
type SchedulerConfig struct {
	// MaxConcurrentBatches bounds how many batches run against the backend
	// at once. The default of 4 matches the backend's own parallel limit.
	MaxConcurrentBatches int

	// BatchSize is the maximum member count per batch before the per-model
	// backend limit is applied.
	BatchSize int

	// MaxBatches is how many distinct batches one cycle may admit.
	MaxBatches int

	// MaxRetries is the per-item retry ceiling for transient batch failures.
	MaxRetries int

	RetryInitialDelay  time.Duration
	RetryMaxDelay      time.Duration
	RetryBackoffFactor float64

	// StuckThreshold is how long an item may sit in processing before the
	// recovery sweep requeues it.
	StuckThreshold time.Duration

	// Retention is how long terminal items are kept before cleanup.
	Retention time.Duration
}

// DefaultSchedulerConfig returns a SchedulerConfig with reasonable defaults.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		MaxConcurrentBatches: 4,
		BatchSize:            8,
		MaxBatches:           4,
		MaxRetries:           3,
		RetryInitialDelay:    time.Second,
		RetryMaxDelay:        30 * time.Second,
		RetryBackoffFactor:   2,
		StuckThreshold:       10 * time.Minute,
		Retention:            24 * time.Hour,
	}
}

// HealthStatus aggregates queue and backend health for observability.
type HealthStatus struct {
	Healthy          bool                        `json:"healthy"`
	QueueStats       map[domain.ItemStatus]int64 `json:"queue_stats"`
	MLServiceHealthy bool                        `json:"ml_service_healthy"`
	StuckItems       int                         `json:"stuck_items"`
	Gate             GateStatus                  `json:"gate"`
	Issues           []string                    `json:"issues"`
}

// Scheduler owns the queue item lifecycle: admission, batch dispatch,
// cancellation, stuck recovery, health aggregation and retention cleanup.
// It is the only writer of item status; construct one per process and pass
// it by handle to the API layer and the driver.
type Scheduler struct {
	store     Store
	backend   SegmentationBackend
	storage   ObjectStorage
	publisher *events.ProgressPublisher
	gate      *ConcurrencyGate
	cfg       SchedulerConfig
	logger    *slog.Logger
}

// NewScheduler creates a Scheduler. Zero-valued config fields fall back to
// defaults.
func NewScheduler(
	store Store,
	backend SegmentationBackend,
	storage ObjectStorage,
	publisher *events.ProgressPublisher,
	cfg SchedulerConfig,
	logger *slog.Logger,
) *Scheduler {
	defaults := DefaultSchedulerConfig()
	if cfg.MaxConcurrentBatches <= 0 {
		cfg.MaxConcurrentBatches = defaults.MaxConcurrentBatches
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = defaults.MaxBatches
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}
	if cfg.RetryInitialDelay <= 0 {
		cfg.RetryInitialDelay = defaults.RetryInitialDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaults.RetryMaxDelay
	}
	if cfg.RetryBackoffFactor <= 1 {
		cfg.RetryBackoffFactor = defaults.RetryBackoffFactor
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = defaults.StuckThreshold
	}
	if cfg.Retention <= 0 {
		cfg.Retention = defaults.Retention
	}

	return &Scheduler{
		store:     store,
		backend:   backend,
		storage:   storage,
		publisher: publisher,
		gate:      NewConcurrencyGate(cfg.MaxConcurrentBatches, logger),
		cfg:       cfg,
		logger:    logger.With("component", "scheduler"),
	}
}

// Config returns the effective configuration after defaulting.
func (s *Scheduler) Config() SchedulerConfig {
	return s.cfg
}

// EnqueueBatch creates one queued item per requested image. Images that
// already have an active (queued or processing) item are skipped unless the
// submission forces resegmentation, in which case the active items are
// cancelled first. Returns the created items.
func (s *Scheduler) EnqueueBatch(
	ctx context.Context,
	sub domain.JobSubmission,
) ([]*domain.QueueItem, error) {
	if err := sub.Validate(); err != nil {
		return nil, err
	}

	active, err := s.store.FindItems(ctx, ItemFilter{
		Statuses:  []domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusProcessing},
		ProjectID: &sub.ProjectID,
		ImageIDs:  sub.ImageIDs,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check for active items: %w", err)
	}

	activeImages := lo.SliceToMap(active, func(item *domain.QueueItem) (uuid.UUID, *domain.QueueItem) {
		return item.ImageID, item
	})

	if sub.ForceResegment && len(active) > 0 {
		ids := lo.Map(active, func(item *domain.QueueItem, _ int) uuid.UUID { return item.ID })
		now := time.Now().UTC()
		if _, err := s.store.TransitionItems(ctx, ids,
			[]domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusProcessing},
			ItemUpdate{
				Status:         domain.ItemStatusCancelled,
				SetCompletedAt: true,
				CompletedAt:    &now,
			},
		); err != nil {
			return nil, fmt.Errorf("failed to cancel superseded items: %w", err)
		}
		for _, item := range active {
			s.publisher.Silence(item.ID)
		}
	}

	var created []*domain.QueueItem
	for _, imageID := range sub.ImageIDs {
		if _, exists := activeImages[imageID]; exists && !sub.ForceResegment {
			s.logger.Debug("skipping image with active queue item",
				"image_id", imageID,
				"project_id", sub.ProjectID)
			continue
		}

		item, err := domain.NewQueueItem(
			imageID, sub.ProjectID, sub.UserID,
			sub.Model, sub.Threshold, sub.Priority, sub.DetectHoles, sub.BatchTag,
		)
		if err != nil {
			return nil, fmt.Errorf("invalid queue item for image %s: %w", imageID, err)
		}
		created = append(created, item)
	}

	if len(created) == 0 {
		return nil, nil
	}

	if err := s.store.InsertItems(ctx, created); err != nil {
		return nil, fmt.Errorf("failed to insert queue items: %w", err)
	}

	s.logger.Info("enqueued segmentation jobs",
		"count", len(created),
		"project_id", sub.ProjectID,
		"user_id", sub.UserID,
		"model", sub.Model)

	for _, item := range created {
		s.publisher.Publish(ctx, events.NewProgress(
			item.ID, nil, item.UserID, item.ProjectID, string(domain.ItemStatusQueued)))
	}

	return created, nil
}

// GetNextBatches groups currently queued items and atomically flips the
// admitted members to processing. Two concurrent callers can never both
// admit the same item: the flip carries a WHERE-status guard, and members
// lost to a racing caller are dropped from the returned batch.
func (s *Scheduler) GetNextBatches(ctx context.Context, maxBatches int) ([]*Batch, error) {
	if maxBatches <= 0 {
		maxBatches = s.cfg.MaxBatches
	}

	queued, err := s.store.FindItems(ctx, ItemFilter{
		Statuses: []domain.ItemStatus{domain.ItemStatusQueued},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load queued items: %w", err)
	}

	batches := GroupPending(queued, s.cfg.BatchSize, maxBatches)

	var admitted []*Batch
	for _, batch := range batches {
		now := time.Now().UTC()
		batchID := batch.ID
		affected, err := s.store.TransitionItems(ctx, batch.ItemIDs(),
			[]domain.ItemStatus{domain.ItemStatusQueued},
			ItemUpdate{
				Status:       domain.ItemStatusProcessing,
				SetBatchID:   true,
				BatchID:      &batchID,
				SetStartedAt: true,
				StartedAt:    &now,
			},
		)
		if err != nil {
			return admitted, fmt.Errorf("failed to admit batch %s: %w", batch.ID, err)
		}

		if len(affected) < len(batch.Items) {
			s.logger.Warn("some batch members were taken by a concurrent cycle",
				"batch_id", batch.ID,
				"requested", len(batch.Items),
				"admitted", len(affected))
			keep := lo.SliceToMap(affected, func(id uuid.UUID) (uuid.UUID, bool) { return id, true })
			batch.Items = lo.Filter(batch.Items, func(item *domain.QueueItem, _ int) bool {
				return keep[item.ID]
			})
		}

		if len(batch.Items) == 0 {
			continue
		}

		for _, item := range batch.Items {
			item.Status = domain.ItemStatusProcessing
			item.BatchID = &batchID
			item.StartedAt = &now
		}
		admitted = append(admitted, batch)
	}

	return admitted, nil
}

// ProcessBatches runs each batch against the backend, bounded by the
// concurrency gate. A batch's failure degrades its own members only; it
// never blocks or cancels sibling batches, and ProcessBatches itself never
// returns a batch-level error.
func (s *Scheduler) ProcessBatches(ctx context.Context, batches []*Batch) {
	if len(batches) == 0 {
		return
	}

	var g errgroup.Group
	for _, batch := range batches {
		batch := batch
		g.Go(func() error {
			err := s.gate.Execute(ctx, func(ctx context.Context) error {
				s.processBatch(ctx, batch)
				return nil
			})
			if err != nil {
				// Gate admission failed (context cancelled while waiting);
				// the members stay processing and the stuck sweep recovers
				// them.
				s.logger.Warn("batch never admitted to gate",
					"batch_id", batch.ID,
					"error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// processBatch executes one batch end to end: payload assembly, the
// retried backend call, reconciliation and per-item write-back.
func (s *Scheduler) processBatch(ctx context.Context, batch *Batch) {
	logger := s.logger.With("batch_id", batch.ID, "model", batch.Model)
	logger.Info("processing batch",
		"items", len(batch.Items),
		"estimated_duration", batch.EstimatedProcessingTime)

	for _, item := range batch.Items {
		batchID := batch.ID
		s.publisher.Publish(ctx, events.NewProgress(
			item.ID, &batchID, item.UserID, item.ProjectID,
			string(domain.ItemStatusProcessing)))
	}

	images, valid := s.loadImages(ctx, batch, logger)

	validImages := lo.Filter(images, func(_ BatchImage, i int) bool { return valid[i] })

	var resp *BatchResponse
	var err error
	if len(validImages) > 0 {
		policy := RetryPolicy{
			MaxRetries:    s.cfg.MaxRetries,
			InitialDelay:  s.cfg.RetryInitialDelay,
			MaxDelay:      s.cfg.RetryMaxDelay,
			BackoffFactor: s.cfg.RetryBackoffFactor,
			Name:          fmt.Sprintf("segment-batch-%s", batch.ID),
		}
		resp, err = ExecuteWithRetry(ctx, logger, policy,
			func(ctx context.Context) (*BatchResponse, error) {
				return s.backend.SegmentBatch(ctx, BatchRequest{
					Images:      validImages,
					Model:       batch.Model,
					Threshold:   batch.Threshold,
					DetectHoles: batch.Items[0].DetectHoles,
				})
			}, IsRetriableError)
		if err != nil {
			logger.Error("batch failed after retries", "error", err)
			s.handleBatchFailure(ctx, batch, err)
			return
		}
	} else {
		logger.Warn("no valid images in batch, skipping backend call")
		resp = &BatchResponse{Success: true}
	}

	results := Reconcile(images, valid, resp.Results)
	s.writeBackResults(ctx, batch, results, logger)
}

// loadImages fetches each member's image bytes and produces the validity
// mask. A missing or unreadable object marks the image invalid for this
// batch; it never fails the batch.
func (s *Scheduler) loadImages(
	ctx context.Context,
	batch *Batch,
	logger *slog.Logger,
) ([]BatchImage, []bool) {
	images := make([]BatchImage, len(batch.Items))
	valid := make([]bool, len(batch.Items))

	for i, item := range batch.Items {
		key := storageKey(item)
		data, err := s.storage.Fetch(ctx, key)
		if err != nil {
			if errors.Is(err, ErrObjectNotFound) {
				logger.Warn("image object missing, marking invalid",
					"item_id", item.ID,
					"key", key)
			} else {
				logger.Warn("failed to fetch image, marking invalid",
					"item_id", item.ID,
					"key", key,
					"error", err)
			}
			images[i] = BatchImage{ImageID: item.ImageID}
			continue
		}

		images[i] = BatchImage{
			ImageID:  item.ImageID,
			Filename: fmt.Sprintf("%s.png", item.ImageID),
			Data:     data,
		}
		valid[i] = true
	}

	return images, valid
}

// handleBatchFailure degrades every member individually after retry
// exhaustion: items under the retry ceiling return to queued with their
// batch assignment cleared, the rest are marked failed with the error
// message preserved.
func (s *Scheduler) handleBatchFailure(ctx context.Context, batch *Batch, cause error) {
	requeue := lo.Filter(batch.Items, func(item *domain.QueueItem, _ int) bool {
		return item.RetryCount+1 <= s.cfg.MaxRetries
	})
	fail := lo.Filter(batch.Items, func(item *domain.QueueItem, _ int) bool {
		return item.RetryCount+1 > s.cfg.MaxRetries
	})

	if len(requeue) > 0 {
		ids := lo.Map(requeue, func(item *domain.QueueItem, _ int) uuid.UUID { return item.ID })
		_, err := s.store.TransitionItems(ctx, ids,
			[]domain.ItemStatus{domain.ItemStatusProcessing},
			ItemUpdate{
				Status:         domain.ItemStatusQueued,
				SetBatchID:     true, // nil BatchID clears it for regrouping
				SetStartedAt:   true,
				IncrementRetry: true,
			},
		)
		if err != nil {
			s.logger.Error("failed to requeue batch members",
				"batch_id", batch.ID,
				"error", err)
		} else {
			s.logger.Info("requeued batch members for retry",
				"batch_id", batch.ID,
				"count", len(ids))
		}
	}

	if len(fail) > 0 {
		ids := lo.Map(fail, func(item *domain.QueueItem, _ int) uuid.UUID { return item.ID })
		now := time.Now().UTC()
		msg := cause.Error()
		_, err := s.store.TransitionItems(ctx, ids,
			[]domain.ItemStatus{domain.ItemStatusProcessing},
			ItemUpdate{
				Status:         domain.ItemStatusFailed,
				SetCompletedAt: true,
				CompletedAt:    &now,
				SetError:       true,
				Error:          &msg,
				IncrementRetry: true,
			},
		)
		if err != nil {
			s.logger.Error("failed to mark batch members failed",
				"batch_id", batch.ID,
				"error", err)
		}

		batchID := batch.ID
		for _, item := range fail {
			s.publisher.Publish(ctx, events.NewError(
				item.ID, &batchID, item.UserID, item.ProjectID, msg))
		}
	}
}

// writeBackResults persists each reconciled result. The transition guard
// re-checks that the item is still processing, so a result for a
// concurrently cancelled item is silently discarded rather than resurrected
// into completed.
func (s *Scheduler) writeBackResults(
	ctx context.Context,
	batch *Batch,
	results []PerImageResult,
	logger *slog.Logger,
) {
	batchID := batch.ID

	// Results are aligned with batch.Items by position. Keying by image id
	// would collapse duplicate submissions of the same image onto one item.
	for i, res := range results {
		if i >= len(batch.Items) {
			break
		}
		item := batch.Items[i]

		now := time.Now().UTC()
		if res.Result.Success {
			affected, err := s.store.TransitionItems(ctx, []uuid.UUID{item.ID},
				[]domain.ItemStatus{domain.ItemStatusProcessing},
				ItemUpdate{
					Status:         domain.ItemStatusCompleted,
					SetCompletedAt: true,
					CompletedAt:    &now,
				},
			)
			if err != nil {
				logger.Error("failed to persist completed result",
					"item_id", item.ID,
					"error", err)
				continue
			}
			if len(affected) == 0 {
				// Cancelled (or otherwise moved on) while the backend call
				// was in flight; the result is discarded.
				logger.Info("discarding result for item no longer processing",
					"item_id", item.ID)
				continue
			}

			s.publishCompletion(ctx, item, &batchID, res.Result, logger)
			continue
		}

		msg := res.Result.Error
		affected, err := s.store.TransitionItems(ctx, []uuid.UUID{item.ID},
			[]domain.ItemStatus{domain.ItemStatusProcessing},
			ItemUpdate{
				Status:         domain.ItemStatusFailed,
				SetCompletedAt: true,
				CompletedAt:    &now,
				SetError:       true,
				Error:          &msg,
			},
		)
		if err != nil {
			logger.Error("failed to persist failed result",
				"item_id", item.ID,
				"error", err)
			continue
		}
		if len(affected) == 0 {
			logger.Info("discarding failure for item no longer processing",
				"item_id", item.ID)
			continue
		}

		s.publisher.Publish(ctx, events.NewError(
			item.ID, &batchID, item.UserID, item.ProjectID, msg))
	}
}

// publishCompletion computes result statistics for the completion event.
// It reads the persisted item back with a bounded poll because the event
// path and the database write race each other; if the row is not visible in
// time it falls back to the in-memory result. A failure here is logged and
// never reverts the completed status.
func (s *Scheduler) publishCompletion(
	ctx context.Context,
	item *domain.QueueItem,
	batchID *uuid.UUID,
	result ImageResult,
	logger *slog.Logger,
) {
	persisted := AwaitPersisted(ctx, logger, 3, 50*time.Millisecond,
		func(ctx context.Context) (*domain.QueueItem, bool, error) {
			found, err := s.store.FindItems(ctx, ItemFilter{
				Statuses: []domain.ItemStatus{domain.ItemStatusCompleted},
				ImageIDs: []uuid.UUID{item.ImageID},
			})
			if err != nil {
				return nil, false, err
			}
			for _, f := range found {
				if f.ID == item.ID {
					return f, true, nil
				}
			}
			return nil, false, nil
		}, item)

	vertexCount := 0
	for _, poly := range result.Polygons {
		vertexCount += len(poly.Points)
	}

	s.publisher.Publish(ctx, events.NewCompleted(
		persisted.ID, batchID, persisted.UserID, persisted.ProjectID,
		len(result.Polygons), vertexCount, result.Confidence))
}

// CancelByProject cancels all active items for a (project, user) pair and
// returns the ids that were read as active. The bulk update may affect
// fewer rows when another worker finished or cancelled an item concurrently;
// the discrepancy is logged, never raised.
func (s *Scheduler) CancelByProject(
	ctx context.Context,
	projectID, userID uuid.UUID,
) ([]uuid.UUID, error) {
	return s.cancelMatching(ctx, ItemFilter{
		Statuses:  []domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusProcessing},
		ProjectID: &projectID,
		UserID:    &userID,
	})
}

// CancelBatch cancels all active items carrying the user-supplied
// submission tag, with the same race tolerance as CancelByProject.
func (s *Scheduler) CancelBatch(
	ctx context.Context,
	batchTag string,
	userID uuid.UUID,
) ([]uuid.UUID, error) {
	return s.cancelMatching(ctx, ItemFilter{
		Statuses: []domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusProcessing},
		BatchTag: &batchTag,
		UserID:   &userID,
	})
}

func (s *Scheduler) cancelMatching(ctx context.Context, filter ItemFilter) ([]uuid.UUID, error) {
	items, err := s.store.FindItems(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find items to cancel: %w", err)
	}
	if len(items) == 0 {
		return []uuid.UUID{}, nil
	}

	ids := lo.Map(items, func(item *domain.QueueItem, _ int) uuid.UUID { return item.ID })

	// Silence before the transition lands so events already in flight for
	// these jobs are suppressed.
	for _, id := range ids {
		s.publisher.Silence(id)
	}

	now := time.Now().UTC()
	affected, err := s.store.TransitionItems(ctx, ids,
		[]domain.ItemStatus{domain.ItemStatusQueued, domain.ItemStatusProcessing},
		ItemUpdate{
			Status:         domain.ItemStatusCancelled,
			SetCompletedAt: true,
			CompletedAt:    &now,
		},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel items: %w", err)
	}

	if len(affected) < len(ids) {
		s.logger.Warn("some items were already terminal at cancellation",
			"requested", len(ids),
			"cancelled", len(affected))
	}

	// Emit only for items the guarded update actually cancelled; anything
	// that raced to a terminal status already had its outcome announced.
	for _, item := range items {
		if !lo.Contains(affected, item.ID) {
			continue
		}
		s.publisher.Publish(ctx, events.NewCancelled(item.ID, item.UserID, item.ProjectID))
	}

	s.logger.Info("cancelled queue items", "count", len(affected))
	return ids, nil
}

// ResetStuckItems requeues items that have been processing longer than
// threshold, guarding against a crashed worker leaving them stuck forever.
// Retry counts are left unchanged. Returns the number of items requeued.
func (s *Scheduler) ResetStuckItems(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = s.cfg.StuckThreshold
	}

	cutoff := time.Now().UTC().Add(-threshold)
	stuck, err := s.store.FindItems(ctx, ItemFilter{
		Statuses:      []domain.ItemStatus{domain.ItemStatusProcessing},
		StartedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find stuck items: %w", err)
	}
	if len(stuck) == 0 {
		return 0, nil
	}

	ids := lo.Map(stuck, func(item *domain.QueueItem, _ int) uuid.UUID { return item.ID })
	affected, err := s.store.TransitionItems(ctx, ids,
		[]domain.ItemStatus{domain.ItemStatusProcessing},
		ItemUpdate{
			Status:       domain.ItemStatusQueued,
			SetBatchID:   true,
			SetStartedAt: true,
		},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck items: %w", err)
	}

	s.logger.Info("reset stuck items", "count", len(affected))
	return len(affected), nil
}

// QueueStats returns per-status item counts. It never contacts the
// inference backend, so it is cheap enough for clients to poll.
func (s *Scheduler) QueueStats(ctx context.Context) (map[domain.ItemStatus]int64, error) {
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue items: %w", err)
	}
	return counts, nil
}

// QueueHealthStatus aggregates per-status counts, checks for stuck items
// and pings the inference backend. Internal check failures degrade the
// report instead of propagating; API callers never see a hard error from
// here.
func (s *Scheduler) QueueHealthStatus(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Healthy:    true,
		QueueStats: map[domain.ItemStatus]int64{},
		Gate:       s.gate.Status(),
	}

	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		s.logger.Error("failed to count queue items", "error", err)
		status.Healthy = false
		status.Issues = append(status.Issues, "queue stats unavailable")
	} else {
		status.QueueStats = counts
	}

	cutoff := time.Now().UTC().Add(-s.cfg.StuckThreshold)
	stuck, err := s.store.FindItems(ctx, ItemFilter{
		Statuses:      []domain.ItemStatus{domain.ItemStatusProcessing},
		StartedBefore: &cutoff,
	})
	if err != nil {
		s.logger.Error("failed to check for stuck items", "error", err)
		status.Healthy = false
		status.Issues = append(status.Issues, "stuck item check failed")
	} else if len(stuck) > 0 {
		status.StuckItems = len(stuck)
		status.Healthy = false
		status.Issues = append(status.Issues,
			fmt.Sprintf("%d items stuck in processing", len(stuck)))
	}

	completed := counts[domain.ItemStatusCompleted]
	failed := counts[domain.ItemStatusFailed]
	if total := completed + failed; total >= 10 && failed*2 > total {
		status.Healthy = false
		status.Issues = append(status.Issues, "failure rate above 50%")
	}

	if err := s.backend.Health(ctx); err != nil {
		s.logger.Warn("inference backend unhealthy", "error", err)
		status.MLServiceHealthy = false
		status.Healthy = false
		status.Issues = append(status.Issues, "inference backend unavailable")
	} else {
		status.MLServiceHealthy = true
	}

	return status
}

// CleanupOldEntries deletes terminal items older than the retention window
// and clears their silenced flags. Returns the number deleted.
func (s *Scheduler) CleanupOldEntries(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		retention = s.cfg.Retention
	}

	cutoff := time.Now().UTC().Add(-retention)
	old, err := s.store.FindItems(ctx, ItemFilter{
		Statuses: []domain.ItemStatus{
			domain.ItemStatusCompleted, domain.ItemStatusFailed, domain.ItemStatusCancelled,
		},
		CompletedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to find expired items: %w", err)
	}

	deleted, err := s.store.DeleteItems(ctx, ItemFilter{
		Statuses: []domain.ItemStatus{
			domain.ItemStatusCompleted, domain.ItemStatusFailed, domain.ItemStatusCancelled,
		},
		CompletedBefore: &cutoff,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired items: %w", err)
	}

	for _, item := range old {
		s.publisher.Forget(item.ID)
	}

	if deleted > 0 {
		s.logger.Info("cleaned up expired queue items", "count", deleted)
	}
	return deleted, nil
}

// GateStatus exposes the concurrency gate snapshot for the stats endpoint.
func (s *Scheduler) GateStatus() GateStatus {
	return s.gate.Status()
}

// storageKey derives the object storage key for an item's source image.
func storageKey(item *domain.QueueItem) string {
	return fmt.Sprintf("images/%s/%s", item.ProjectID, item.ImageID)
}
