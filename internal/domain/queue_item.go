package domain

import (
	"time"

	"github.com/google/uuid"
)

// ItemStatus represents the processing state of a queue item
type ItemStatus string

// Possible queue item status values
const (
	ItemStatusQueued     ItemStatus = "queued"
	ItemStatusProcessing ItemStatus = "processing"
	ItemStatusCompleted  ItemStatus = "completed"
	ItemStatusFailed     ItemStatus = "failed"
	ItemStatusCancelled  ItemStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
// Terminal items are only removed by the retention sweep.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed || s == ItemStatusCancelled
}

// SegmentationModel identifies one of the supported network architectures.
type SegmentationModel string

// Supported segmentation models
const (
	ModelHRNet           SegmentationModel = "hrnet"
	ModelResUNetAdvanced SegmentationModel = "resunet_advanced"
	ModelResUNetSmall    SegmentationModel = "resunet_small"
)

// Valid reports whether m is one of the supported models.
func (m SegmentationModel) Valid() bool {
	switch m {
	case ModelHRNet, ModelResUNetAdvanced, ModelResUNetSmall:
		return true
	}
	return false
}

// BatchLimit returns the maximum number of images the inference backend
// accepts in one call for this model. The limits come from the backend's
// per-model memory profile.
func (m SegmentationModel) BatchLimit() int {
	switch m {
	case ModelHRNet:
		return 8
	case ModelResUNetAdvanced:
		return 2
	case ModelResUNetSmall:
		return 4
	default:
		return 1
	}
}

// EstimatedLatencyPerImage returns the measured per-image inference latency
// for this model, used to annotate batches with an estimated processing time.
func (m SegmentationModel) EstimatedLatencyPerImage() time.Duration {
	switch m {
	case ModelHRNet:
		return 4500 * time.Millisecond
	case ModelResUNetAdvanced:
		return 10 * time.Second
	case ModelResUNetSmall:
		return 3 * time.Second
	default:
		return 5 * time.Second
	}
}

// Threshold bounds accepted by the inference backend.
const (
	MinThreshold = 0.1
	MaxThreshold = 0.9
)

// QueueItem represents one segmentation job for one image. The persistent
// store is the source of truth; the scheduler is the only writer of Status.
type QueueItem struct {
	ID          uuid.UUID         `json:"id"`
	ImageID     uuid.UUID         `json:"image_id"`
	ProjectID   uuid.UUID         `json:"project_id"`
	UserID      uuid.UUID         `json:"user_id"`
	Model       SegmentationModel `json:"model"`
	Threshold   float64           `json:"threshold"`
	Priority    int               `json:"priority"`
	DetectHoles bool              `json:"detect_holes"`

	// BatchID is the ephemeral dispatch batch the item currently belongs to.
	// It is set when the item is admitted and cleared again on requeue.
	BatchID *uuid.UUID `json:"batch_id,omitempty"`

	// BatchTag is the optional user-supplied submission tag, used only for
	// grouped cancellation. Distinct from BatchID.
	BatchTag string `json:"batch_tag,omitempty"`

	Status      ItemStatus `json:"status"`
	RetryCount  int        `json:"retry_count"`
	Error       *string    `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// NewQueueItem creates a queued item for a single image.
// Returns an error if validation fails.
func NewQueueItem(
	imageID, projectID, userID uuid.UUID,
	model SegmentationModel,
	threshold float64,
	priority int,
	detectHoles bool,
	batchTag string,
) (*QueueItem, error) {
	now := time.Now().UTC()
	item := &QueueItem{
		ID:          uuid.New(),
		ImageID:     imageID,
		ProjectID:   projectID,
		UserID:      userID,
		Model:       model,
		Threshold:   threshold,
		Priority:    priority,
		DetectHoles: detectHoles,
		BatchTag:    batchTag,
		Status:      ItemStatusQueued,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := item.Validate(); err != nil {
		return nil, err
	}

	return item, nil
}

// Validate checks if the QueueItem has valid data.
// Returns an error if any field fails validation.
func (i *QueueItem) Validate() error {
	if i.ID == uuid.Nil {
		return ErrEmptyItemID
	}

	if i.ImageID == uuid.Nil {
		return ErrEmptyImageID
	}

	if i.ProjectID == uuid.Nil {
		return ErrEmptyProjectID
	}

	if i.UserID == uuid.Nil {
		return ErrEmptyUserID
	}

	if !i.Model.Valid() {
		return ErrUnsupportedModel
	}

	if i.Threshold < MinThreshold || i.Threshold > MaxThreshold {
		return ErrInvalidThreshold
	}

	if !isValidItemStatus(i.Status) {
		return ErrInvalidItemStatus
	}

	return nil
}

// CanTransitionTo reports whether the item's state machine permits moving
// from the current status to target. Failed items may only return to queued
// through the retry path, which is modelled as failed -> queued here.
func (i *QueueItem) CanTransitionTo(target ItemStatus) bool {
	switch i.Status {
	case ItemStatusQueued:
		return target == ItemStatusProcessing || target == ItemStatusCancelled
	case ItemStatusProcessing:
		return target == ItemStatusCompleted ||
			target == ItemStatusFailed ||
			target == ItemStatusQueued ||
			target == ItemStatusCancelled
	case ItemStatusFailed:
		return target == ItemStatusQueued
	default:
		return false
	}
}

func isValidItemStatus(s ItemStatus) bool {
	switch s {
	case ItemStatusQueued, ItemStatusProcessing, ItemStatusCompleted,
		ItemStatusFailed, ItemStatusCancelled:
		return true
	}
	return false
}
