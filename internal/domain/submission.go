package domain

import "github.com/google/uuid"

// JobSubmission is a user-facing batch-upload request: an ordered list of
// images to segment with a single model/threshold configuration.
type JobSubmission struct {
	ImageIDs    []uuid.UUID       `json:"image_ids"`
	ProjectID   uuid.UUID         `json:"project_id"`
	UserID      uuid.UUID         `json:"user_id"`
	Model       SegmentationModel `json:"model"`
	Threshold   float64           `json:"threshold"`
	Priority    int               `json:"priority"`
	DetectHoles bool              `json:"detect_holes"`

	// ForceResegment re-enqueues images that already have an active item.
	ForceResegment bool `json:"force_resegment"`

	// BatchTag optionally tags the created items for grouped cancellation.
	BatchTag string `json:"batch_tag,omitempty"`
}

// Validate checks if the submission has valid data.
func (s *JobSubmission) Validate() error {
	if len(s.ImageIDs) == 0 {
		return ErrNoImages
	}

	if s.ProjectID == uuid.Nil {
		return ErrEmptyProjectID
	}

	if s.UserID == uuid.Nil {
		return ErrEmptyUserID
	}

	if !s.Model.Valid() {
		return ErrUnsupportedModel
	}

	if s.Threshold < MinThreshold || s.Threshold > MaxThreshold {
		return ErrInvalidThreshold
	}

	for _, id := range s.ImageIDs {
		if id == uuid.Nil {
			return ErrEmptyImageID
		}
	}

	return nil
}
