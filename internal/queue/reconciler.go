package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// SkippedImageError is the synthetic failure message attached to images
// that were invalid at submission time and never reached the backend.
const SkippedImageError = "Image skipped or invalid"

// PerImageResult is the reconciled outcome for one originally-submitted
// image, whether or not it was forwarded to the backend.
type PerImageResult struct {
	ImageID uuid.UUID
	Valid   bool
	Result  ImageResult
}

// Reconcile maps a backend response onto the originally-submitted image
// list. The backend only receives the valid images of a batch and returns a
// flat results array covering exactly those, so results[j] belongs to the
// j-th valid entry of the original list. Walking the original order and
// consuming one backend result per valid entry keeps the alignment even
// when invalid entries are interleaved: [valid, invalid, valid] with
// backend results [R0, R1] yields [R0, skipped, R1]. The returned slice
// always has len(images) entries in original order.
func Reconcile(images []BatchImage, valid []bool, results []ImageResult) []PerImageResult {
	out := make([]PerImageResult, len(images))
	next := 0

	for i, img := range images {
		if i < len(valid) && valid[i] {
			if next < len(results) {
				out[i] = PerImageResult{ImageID: img.ImageID, Valid: true, Result: results[next]}
			} else {
				// The backend returned fewer results than valid images;
				// treat the remainder as failed rather than dropping them.
				out[i] = PerImageResult{
					ImageID: img.ImageID,
					Valid:   true,
					Result: ImageResult{
						Success: false,
						Error:   "no result returned by inference backend",
					},
				}
			}
			next++
			continue
		}

		out[i] = PerImageResult{
			ImageID: img.ImageID,
			Valid:   false,
			Result: ImageResult{
				Success: false,
				Error:   SkippedImageError,
			},
		}
	}

	return out
}

// AwaitPersisted polls fetch until it reports the value as present, backing
// off between attempts. Completion events and the database write race each
// other, so a reader of a just-completed result cannot assume one read will
// see it. After maxAttempts the fallback value is returned instead of
// blocking indefinitely; callers hold the in-memory response anyway.
func AwaitPersisted[T any](
	ctx context.Context,
	logger *slog.Logger,
	maxAttempts int,
	initialDelay time.Duration,
	fetch func(ctx context.Context) (T, bool, error),
	fallback T,
) T {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if initialDelay <= 0 {
		initialDelay = 50 * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initialDelay
	bo.MaxInterval = time.Second
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		value, found, err := fetch(ctx)
		if err != nil {
			logger.Debug("readback attempt failed",
				"attempt", attempt,
				"error", err)
		} else if found {
			return value
		}

		if attempt == maxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return fallback
		case <-time.After(bo.NextBackOff()):
		}
	}

	logger.Debug("readback not visible in time, using in-memory result",
		"attempts", maxAttempts)
	return fallback
}
