package queue

import (
	"context"

	"github.com/google/uuid"

	"github.com/spherax/segqueue/internal/domain"
)

// Point is one vertex of a segmentation polygon.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Polygon is a closed contour produced by the inference backend.
type Polygon struct {
	Points []Point `json:"points"`
}

// BatchImage is one image payload submitted to the backend.
type BatchImage struct {
	ImageID  uuid.UUID
	Filename string
	Data     []byte
}

// BatchRequest is a single inference call: the backend accepts exactly one
// model/threshold pair per call, which is why batches are homogeneous.
type BatchRequest struct {
	Images      []BatchImage
	Model       domain.SegmentationModel
	Threshold   float64
	DetectHoles bool
}

// ImageResult is the backend's per-image outcome within a batch response.
// BatchIndex is the image's position within the submitted batch; ordering
// is what the reconciler relies on, the index is informational.
type ImageResult struct {
	Success        bool      `json:"success"`
	Polygons       []Polygon `json:"polygons"`
	Error          string    `json:"error,omitempty"`
	BatchIndex     int       `json:"batch_index,omitempty"`
	Confidence     float64   `json:"confidence,omitempty"`
	ProcessingTime float64   `json:"processing_time,omitempty"`
}

// BatchResponse is the backend's answer to one batch-segment call. Results
// are ordered and cover only the images actually submitted.
type BatchResponse struct {
	Success         bool          `json:"success"`
	Results         []ImageResult `json:"results"`
	ModelUsed       string        `json:"model_used"`
	ThresholdUsed   float64       `json:"threshold_used"`
	ProcessingTime  float64       `json:"processing_time"`
	SuccessfulCount int           `json:"successful_count"`
}

// SegmentationBackend is the remote batch-inference endpoint.
type SegmentationBackend interface {
	// SegmentBatch submits one homogeneous batch and returns per-image
	// results in submission order.
	SegmentBatch(ctx context.Context, req BatchRequest) (*BatchResponse, error)

	// Health pings the backend's health endpoint. A nil error means the
	// service is reachable and has its models loaded.
	Health(ctx context.Context) error
}
