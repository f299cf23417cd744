// Package mlclient implements the inference backend boundary over HTTP.
package mlclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/spherax/segqueue/internal/queue"
)

// APIError is a non-2xx response from the inference backend. It carries its
// own retry classification: rate-limit and server-side failures are
// transient, client-side rejections are permanent.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("inference backend returned %d: %s", e.StatusCode, e.Body)
}

// Retriable reports whether the response indicates a transient condition.
func (e *APIError) Retriable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= 500
}

// Client talks to the segmentation backend's REST API.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a Client for the backend at baseURL. The request timeout
// covers one full batch call; retries are the caller's concern.
func New(baseURL string, requestTimeout time.Duration, logger *slog.Logger) *Client {
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Minute
	}

	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: requestTimeout},
		logger:     logger.With("component", "ml_client"),
	}
}

// SegmentBatch submits one homogeneous batch as a multipart request to the
// backend's batch endpoint and decodes the ordered per-image results.
func (c *Client) SegmentBatch(
	ctx context.Context,
	req queue.BatchRequest,
) (*queue.BatchResponse, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for _, img := range req.Images {
		part, err := writer.CreateFormFile("files", img.Filename)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file: %w", err)
		}
		if _, err := part.Write(img.Data); err != nil {
			return nil, fmt.Errorf("failed to write image data: %w", err)
		}
	}

	if err := writer.WriteField("model", string(req.Model)); err != nil {
		return nil, fmt.Errorf("failed to write model field: %w", err)
	}
	if err := writer.WriteField("threshold",
		strconv.FormatFloat(req.Threshold, 'f', -1, 64)); err != nil {
		return nil, fmt.Errorf("failed to write threshold field: %w", err)
	}
	if err := writer.WriteField("detect_holes",
		strconv.FormatBool(req.DetectHoles)); err != nil {
		return nil, fmt.Errorf("failed to write detect_holes field: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finalize multipart body: %w", err)
	}

	url := c.baseURL + "/api/v1/batch-segment"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", writer.FormDataContentType())

	c.logger.Debug("submitting batch to backend",
		"images", len(req.Images),
		"model", req.Model,
		"threshold", req.Threshold)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("batch-segment request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var batchResp queue.BatchResponse
	if err := json.Unmarshal(body, &batchResp); err != nil {
		return nil, fmt.Errorf("failed to decode batch response: %w", err)
	}

	return &batchResp, nil
}

// healthResponse is the backend's health payload.
type healthResponse struct {
	Status      string `json:"status"`
	ModelLoaded bool   `json:"model_loaded"`
}

// Health pings the backend's health endpoint. Returns an error when the
// service is unreachable, reports a bad status, or has no model loaded.
func (c *Client) Health(ctx context.Context) error {
	url := c.baseURL + "/api/v1/health"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to build health request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("health request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return &APIError{StatusCode: resp.StatusCode, Body: "health check failed"}
	}

	var health healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return fmt.Errorf("failed to decode health response: %w", err)
	}

	if health.Status != "healthy" && health.Status != "ok" {
		return fmt.Errorf("backend reports status %q", health.Status)
	}
	if !health.ModelLoaded {
		return errors.New("backend has no model loaded")
	}

	return nil
}

// ModelInfo describes one model the backend can serve.
type ModelInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Models lists the models the backend currently serves.
func (c *Client) Models(ctx context.Context) ([]ModelInfo, error) {
	url := c.baseURL + "/api/v1/models"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("models request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &APIError{StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
	}

	var payload struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	return payload.Models, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// Ensure Client implements the backend contract.
var _ queue.SegmentationBackend = (*Client)(nil)
