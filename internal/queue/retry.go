package queue

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy configures the backoff schedule for a retried operation.
// The delay before attempt k (k >= 2) is
// min(InitialDelay * BackoffFactor^(k-2), MaxDelay).
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt, so an
	// operation runs at most MaxRetries+1 times.
	MaxRetries int

	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64

	// Name identifies the operation in log output.
	Name string
}

// DefaultRetryPolicy returns a RetryPolicy with reasonable defaults for
// calls to the inference backend.
func DefaultRetryPolicy(name string) RetryPolicy {
	return RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  time.Second,
		MaxDelay:      30 * time.Second,
		BackoffFactor: 2,
		Name:          name,
	}
}

// retriable is implemented by errors that carry their own retry
// classification, such as backend API errors.
type retriable interface {
	Retriable() bool
}

// IsRetriableError is the default classification used by ExecuteWithRetry.
// Network-layer failures (timeout, reset, refused, DNS), rate-limit or
// temporary-unavailable responses, and resource exhaustion are retriable.
// Authentication and permanently-rejected errors are not.
func IsRetriableError(err error) bool {
	if err == nil {
		return false
	}

	var r retriable
	if errors.As(err, &r) {
		return r.Retriable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	if errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENOMEM) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"too many open files",
		"cannot allocate memory",
		"temporarily unavailable",
	} {
		if strings.Contains(msg, marker) {
			return true
		}
	}

	return false
}

// ExecuteWithRetry runs op with exponential backoff until it succeeds, the
// retry budget is exhausted, or isRetriable rejects the error. A rejected
// error is returned immediately without consuming further retries; on the
// final failed attempt the last error is returned and the caller decides
// whether to requeue or fail the affected items.
func ExecuteWithRetry[T any](
	ctx context.Context,
	logger *slog.Logger,
	policy RetryPolicy,
	op func(ctx context.Context) (T, error),
	isRetriable func(error) bool,
) (T, error) {
	var result T

	if isRetriable == nil {
		isRetriable = IsRetriableError
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.InitialDelay
	bo.MaxInterval = policy.MaxDelay
	bo.Multiplier = policy.BackoffFactor
	// The schedule must be deterministic for callers that reason about
	// elapsed time, so jitter is disabled.
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	attempt := 0
	operation := func() error {
		attempt++
		value, err := op(ctx)
		if err != nil {
			if !isRetriable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		result = value
		return nil
	}

	notify := func(err error, delay time.Duration) {
		logger.Warn("operation failed, retrying",
			"operation", policy.Name,
			"attempt", attempt,
			"max_attempts", policy.MaxRetries+1,
			"delay", delay,
			"error", err)
	}

	err := backoff.RetryNotify(
		operation,
		backoff.WithContext(backoff.WithMaxRetries(bo, uint64(policy.MaxRetries)), ctx),
		notify,
	)
	if err != nil {
		return result, err
	}

	return result, nil
}
