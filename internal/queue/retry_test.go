package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type classifiedError struct {
	msg       string
	retriable bool
}

func (e *classifiedError) Error() string   { return e.msg }
func (e *classifiedError) Retriable() bool { return e.retriable }

func TestExecuteWithRetrySucceedsAfterFailures(t *testing.T) {
	logger := setupTestLogger()
	policy := RetryPolicy{
		MaxRetries:    3,
		InitialDelay:  20 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Name:          "test-op",
	}

	attempts := 0
	start := time.Now()
	result, err := ExecuteWithRetry(context.Background(), logger, policy,
		func(_ context.Context) (string, error) {
			attempts++
			if attempts <= 2 {
				return "", &classifiedError{msg: "transient", retriable: true}
			}
			return "ok", nil
		}, IsRetriableError)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	// Two delays: 20ms then 40ms. Allow generous slack above the floor.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
	assert.Less(t, elapsed, 500*time.Millisecond)
}

func TestExecuteWithRetryNonRetriableFailsImmediately(t *testing.T) {
	logger := setupTestLogger()
	policy := RetryPolicy{
		MaxRetries:    5,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
		Name:          "test-op",
	}

	permanent := &classifiedError{msg: "invalid credentials", retriable: false}
	attempts := 0
	start := time.Now()
	_, err := ExecuteWithRetry(context.Background(), logger, policy,
		func(_ context.Context) (string, error) {
			attempts++
			return "", permanent
		}, IsRetriableError)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, attempts)
	// No sleeping for a non-retriable error.
	assert.Less(t, elapsed, 50*time.Millisecond)
}

func TestExecuteWithRetryExhaustsBudget(t *testing.T) {
	logger := setupTestLogger()
	policy := RetryPolicy{
		MaxRetries:    2,
		InitialDelay:  time.Millisecond,
		MaxDelay:      10 * time.Millisecond,
		BackoffFactor: 2,
		Name:          "test-op",
	}

	attempts := 0
	cause := &classifiedError{msg: "still down", retriable: true}
	_, err := ExecuteWithRetry(context.Background(), logger, policy,
		func(_ context.Context) (int, error) {
			attempts++
			return 0, cause
		}, IsRetriableError)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 3, attempts) // maxRetries+1
}

func TestExecuteWithRetryContextCancellation(t *testing.T) {
	logger := setupTestLogger()
	policy := RetryPolicy{
		MaxRetries:    10,
		InitialDelay:  time.Second,
		MaxDelay:      time.Minute,
		BackoffFactor: 2,
		Name:          "test-op",
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	_, err := ExecuteWithRetry(ctx, logger, policy,
		func(_ context.Context) (int, error) {
			return 0, &classifiedError{msg: "transient", retriable: true}
		}, IsRetriableError)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetriableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"classified retriable", &classifiedError{msg: "x", retriable: true}, true},
		{"classified permanent", &classifiedError{msg: "x", retriable: false}, false},
		{"connection refused text", errors.New("dial tcp: connection refused"), true},
		{"timeout text", errors.New("request timeout exceeded"), true},
		{"fd exhaustion", errors.New("accept: too many open files"), true},
		{"plain failure", errors.New("malformed request"), false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetriableError(tc.err))
		})
	}
}
