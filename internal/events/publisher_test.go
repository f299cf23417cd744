package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturedEvent struct {
	Room    string
	Event   string
	Payload any
}

type captureChannel struct {
	mu     sync.Mutex
	events []capturedEvent
	err    error
}

func (c *captureChannel) Publish(_ context.Context, room, event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, capturedEvent{Room: room, Event: event, Payload: payload})
	return nil
}

func (c *captureChannel) all() []capturedEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]capturedEvent(nil), c.events...)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestPublishFansOutToUserAndProjectRooms(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	jobID := uuid.New()
	userID := uuid.New()
	projectID := uuid.New()

	p.Publish(context.Background(), NewProgress(jobID, nil, userID, projectID, "queued"))

	got := ch.all()
	require.Len(t, got, 2)
	assert.Equal(t, fmt.Sprintf("user:%s", userID), got[0].Room)
	assert.Equal(t, fmt.Sprintf("project:%s", projectID), got[1].Room)
	for _, ev := range got {
		assert.Equal(t, "segmentation:progress", ev.Event)
	}
}

func TestPublishSkipsProjectRoomWhenUnset(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	p.Publish(context.Background(),
		NewProgress(uuid.New(), nil, uuid.New(), uuid.Nil, "queued"))

	got := ch.all()
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Room, "user:")
}

func TestSilenceSuppressesProgressAndCompleted(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	jobID := uuid.New()
	userID := uuid.New()
	projectID := uuid.New()
	p.Silence(jobID)

	p.Publish(context.Background(),
		NewProgress(jobID, nil, userID, projectID, "processing"))
	p.Publish(context.Background(),
		NewCompleted(jobID, nil, userID, projectID, 3, 42, 0.9))

	assert.Empty(t, ch.all())
}

func TestSilenceDoesNotSuppressCancelledOrError(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	jobID := uuid.New()
	userID := uuid.New()
	projectID := uuid.New()
	p.Silence(jobID)

	p.Publish(context.Background(), NewCancelled(jobID, userID, projectID))
	p.Publish(context.Background(), NewError(jobID, nil, userID, projectID, "boom"))

	got := ch.all()
	// Two events, each to two rooms.
	require.Len(t, got, 4)
	assert.Equal(t, "segmentation:cancelled", got[0].Event)
	assert.Equal(t, "segmentation:error", got[2].Event)
}

func TestSilenceOnlyAffectsThatJob(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	silenced := uuid.New()
	other := uuid.New()
	userID := uuid.New()
	p.Silence(silenced)

	p.Publish(context.Background(), NewProgress(silenced, nil, userID, uuid.Nil, "processing"))
	p.Publish(context.Background(), NewProgress(other, nil, userID, uuid.Nil, "processing"))

	got := ch.all()
	require.Len(t, got, 1)
	ev, ok := got[0].Payload.(Progress)
	require.True(t, ok)
	assert.Equal(t, other, ev.JobID())
}

func TestForgetReenablesDelivery(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	jobID := uuid.New()
	p.Silence(jobID)
	p.Forget(jobID)

	p.Publish(context.Background(), NewProgress(jobID, nil, uuid.New(), uuid.Nil, "queued"))
	assert.Len(t, ch.all(), 1)
}

func TestPublishSwallowsTransportErrors(t *testing.T) {
	ch := &captureChannel{err: errors.New("redis down")}
	p := NewProgressPublisher(ch, testLogger())

	// Must not panic or propagate.
	p.Publish(context.Background(),
		NewProgress(uuid.New(), nil, uuid.New(), uuid.New(), "queued"))
	assert.Empty(t, ch.all())
}

func TestCompletedEventCarriesStats(t *testing.T) {
	ch := &captureChannel{}
	p := NewProgressPublisher(ch, testLogger())

	batchID := uuid.New()
	p.Publish(context.Background(),
		NewCompleted(uuid.New(), &batchID, uuid.New(), uuid.New(), 5, 120, 0.87))

	got := ch.all()
	require.NotEmpty(t, got)
	ev, ok := got[0].Payload.(Completed)
	require.True(t, ok)
	assert.Equal(t, KindCompleted, ev.Kind())
	assert.Equal(t, 5, ev.PolygonCount)
	assert.Equal(t, 120, ev.VertexCount)
	assert.Equal(t, 0.87, ev.Confidence)
	require.NotNil(t, ev.Batch)
	assert.Equal(t, batchID, *ev.Batch)
}
