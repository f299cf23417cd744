package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/spherax/segqueue/internal/domain"
	"github.com/spherax/segqueue/internal/queue"
)

// SchedulerService is the part of the scheduler the API layer depends on.
type SchedulerService interface {
	EnqueueBatch(ctx context.Context, sub domain.JobSubmission) ([]*domain.QueueItem, error)
	CancelByProject(ctx context.Context, projectID, userID uuid.UUID) ([]uuid.UUID, error)
	CancelBatch(ctx context.Context, batchTag string, userID uuid.UUID) ([]uuid.UUID, error)
	QueueHealthStatus(ctx context.Context) queue.HealthStatus
	QueueStats(ctx context.Context) (map[domain.ItemStatus]int64, error)
	GateStatus() queue.GateStatus
}

// CycleTrigger lets the API short-circuit the driver's wait after a
// submission.
type CycleTrigger interface {
	Trigger()
}

// SubmitBatchRequest is the request body for submitting a segmentation
// batch.
type SubmitBatchRequest struct {
	ImageIDs       []string `json:"image_ids" validate:"required,min=1,dive,uuid"`
	ProjectID      string   `json:"project_id" validate:"required,uuid"`
	Model          string   `json:"model" validate:"required"`
	Threshold      float64  `json:"threshold" validate:"required,gte=0.1,lte=0.9"`
	Priority       int      `json:"priority"`
	DetectHoles    *bool    `json:"detect_holes"`
	ForceResegment bool     `json:"force_resegment"`
	BatchTag       string   `json:"batch_tag"`
}

// QueueItemResponse is the response shape for one created queue item.
type QueueItemResponse struct {
	ID        string    `json:"id"`
	ImageID   string    `json:"image_id"`
	Status    string    `json:"status"`
	Model     string    `json:"model"`
	Threshold float64   `json:"threshold"`
	CreatedAt time.Time `json:"created_at"`
}

// CancelResponse returns the ids affected by a cancellation.
type CancelResponse struct {
	CancelledIDs []string `json:"cancelled_ids"`
}

// QueueHandler handles queue-related HTTP requests. The user id arrives as
// a header set by the upstream gateway; authentication itself is out of
// scope here.
type QueueHandler struct {
	scheduler SchedulerService
	trigger   CycleTrigger
	validator *validator.Validate
	logger    *slog.Logger
}

// NewQueueHandler creates a new QueueHandler.
func NewQueueHandler(
	scheduler SchedulerService,
	trigger CycleTrigger,
	logger *slog.Logger,
) *QueueHandler {
	return &QueueHandler{
		scheduler: scheduler,
		trigger:   trigger,
		validator: validator.New(),
		logger:    logger.With("component", "queue_handler"),
	}
}

// SubmitBatch handles POST /api/segmentation/batch requests.
func (h *QueueHandler) SubmitBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid user id")
		return
	}

	var req SubmitBatchRequest
	if err := decodeJSON(r, &req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request format")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		respondWithError(w, http.StatusBadRequest, "validation error: "+err.Error())
		return
	}

	projectID, err := uuid.Parse(req.ProjectID)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	imageIDs := make([]uuid.UUID, 0, len(req.ImageIDs))
	for _, raw := range req.ImageIDs {
		id, err := uuid.Parse(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, "invalid image id: "+raw)
			return
		}
		imageIDs = append(imageIDs, id)
	}

	detectHoles := true
	if req.DetectHoles != nil {
		detectHoles = *req.DetectHoles
	}

	items, err := h.scheduler.EnqueueBatch(r.Context(), domain.JobSubmission{
		ImageIDs:       imageIDs,
		ProjectID:      projectID,
		UserID:         userID,
		Model:          domain.SegmentationModel(req.Model),
		Threshold:      req.Threshold,
		Priority:       req.Priority,
		DetectHoles:    detectHoles,
		ForceResegment: req.ForceResegment,
		BatchTag:       req.BatchTag,
	})
	if err != nil {
		if isValidationError(err) {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("failed to enqueue batch", "error", err, "user_id", userID)
		respondWithError(w, http.StatusInternalServerError, "failed to enqueue batch")
		return
	}

	h.trigger.Trigger()

	responses := make([]QueueItemResponse, 0, len(items))
	for _, item := range items {
		responses = append(responses, itemToResponse(item))
	}

	// 202 because processing happens asynchronously.
	respondWithJSON(w, http.StatusAccepted, responses)
}

// CancelProject handles DELETE /api/segmentation/project/{projectID}.
func (h *QueueHandler) CancelProject(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid user id")
		return
	}

	projectID, err := uuid.Parse(chi.URLParam(r, "projectID"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid project id")
		return
	}

	ids, err := h.scheduler.CancelByProject(r.Context(), projectID, userID)
	if err != nil {
		h.logger.Error("failed to cancel project jobs",
			"error", err,
			"project_id", projectID)
		respondWithError(w, http.StatusInternalServerError, "failed to cancel jobs")
		return
	}

	respondWithJSON(w, http.StatusOK, cancelResponse(ids))
}

// CancelBatch handles DELETE /api/segmentation/batch/{batchTag}.
func (h *QueueHandler) CancelBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := userIDFromRequest(r)
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "missing or invalid user id")
		return
	}

	batchTag := chi.URLParam(r, "batchTag")
	if batchTag == "" {
		respondWithError(w, http.StatusBadRequest, "missing batch tag")
		return
	}

	ids, err := h.scheduler.CancelBatch(r.Context(), batchTag, userID)
	if err != nil {
		h.logger.Error("failed to cancel batch jobs",
			"error", err,
			"batch_tag", batchTag)
		respondWithError(w, http.StatusInternalServerError, "failed to cancel jobs")
		return
	}

	respondWithJSON(w, http.StatusOK, cancelResponse(ids))
}

// GetHealth handles GET /api/queue/health. It always answers 200 with the
// aggregated report; internal check failures show up as healthy=false, not
// as a request error.
func (h *QueueHandler) GetHealth(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.scheduler.QueueHealthStatus(r.Context()))
}

// GetStats handles GET /api/queue/stats. It reads counts only; unlike the
// health endpoint it never pings the inference backend, so clients can poll
// it freely.
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.scheduler.QueueStats(r.Context())
	if err != nil {
		h.logger.Error("failed to load queue stats", "error", err)
		respondWithError(w, http.StatusInternalServerError, "failed to load queue stats")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{
		"queue_stats": stats,
		"gate":        h.scheduler.GateStatus(),
	})
}

func userIDFromRequest(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.Header.Get("X-User-ID"))
	if err != nil || id == uuid.Nil {
		return uuid.Nil, false
	}
	return id, true
}

func isValidationError(err error) bool {
	return errors.Is(err, domain.ErrNoImages) ||
		errors.Is(err, domain.ErrEmptyImageID) ||
		errors.Is(err, domain.ErrEmptyProjectID) ||
		errors.Is(err, domain.ErrEmptyUserID) ||
		errors.Is(err, domain.ErrUnsupportedModel) ||
		errors.Is(err, domain.ErrInvalidThreshold)
}

func itemToResponse(item *domain.QueueItem) QueueItemResponse {
	return QueueItemResponse{
		ID:        item.ID.String(),
		ImageID:   item.ImageID.String(),
		Status:    string(item.Status),
		Model:     string(item.Model),
		Threshold: item.Threshold,
		CreatedAt: item.CreatedAt,
	}
}

func cancelResponse(ids []uuid.UUID) CancelResponse {
	out := CancelResponse{CancelledIDs: make([]string, 0, len(ids))}
	for _, id := range ids {
		out.CancelledIDs = append(out.CancelledIDs, id.String())
	}
	return out
}
