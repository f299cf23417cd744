package domain

import "errors"

// Common validation errors for QueueItem and JobSubmission
var (
	ErrEmptyItemID       = errors.New("queue item ID cannot be empty")
	ErrEmptyImageID      = errors.New("image ID cannot be empty")
	ErrEmptyProjectID    = errors.New("project ID cannot be empty")
	ErrEmptyUserID       = errors.New("user ID cannot be empty")
	ErrUnsupportedModel  = errors.New("unsupported segmentation model")
	ErrInvalidThreshold  = errors.New("threshold must be between 0.1 and 0.9")
	ErrInvalidItemStatus = errors.New("invalid queue item status")
	ErrNoImages          = errors.New("submission must contain at least one image")
)
