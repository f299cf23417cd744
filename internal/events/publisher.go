package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Channel is the transport used to push events to connected clients.
// Publishing is fire-and-forget: there is no acknowledgement, and transport
// failures must never fail the job that triggered the event.
type Channel interface {
	Publish(ctx context.Context, room string, event string, payload any) error
}

// ProgressPublisher fans queue state transitions out to the owning user's
// room and the project room. Delivery is at-most-once best-effort.
//
// Once a job is cancelled, any progress or completed event for that job id
// is suppressed even if it was already in flight when the cancellation
// occurred; the silenced set is consulted immediately before each emission.
type ProgressPublisher struct {
	channel Channel
	logger  *slog.Logger

	mu       sync.Mutex
	silenced map[uuid.UUID]struct{}
}

// NewProgressPublisher creates a publisher on the given transport.
func NewProgressPublisher(channel Channel, logger *slog.Logger) *ProgressPublisher {
	return &ProgressPublisher{
		channel:  channel,
		logger:   logger.With("component", "progress_publisher"),
		silenced: make(map[uuid.UUID]struct{}),
	}
}

// Silence marks a job id as cancelled so later progress/completed events
// for it are dropped. Cancelled and error events still pass.
func (p *ProgressPublisher) Silence(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.silenced[jobID] = struct{}{}
}

// Forget removes a job id from the silenced set, used by the retention
// sweep so the set does not grow without bound.
func (p *ProgressPublisher) Forget(jobID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.silenced, jobID)
}

// Publish emits the event to the interested rooms. Errors are logged and
// swallowed; a failed emit never propagates to the job path.
func (p *ProgressPublisher) Publish(ctx context.Context, ev Event) {
	if p.suppressed(ev) {
		p.logger.Debug("suppressing event for cancelled job",
			"job_id", ev.JobID(),
			"kind", ev.Kind())
		return
	}

	name := fmt.Sprintf("segmentation:%s", ev.Kind())

	rooms := []string{fmt.Sprintf("user:%s", ev.UserID())}
	if ev.ProjectID() != uuid.Nil {
		rooms = append(rooms, fmt.Sprintf("project:%s", ev.ProjectID()))
	}

	for _, room := range rooms {
		if err := p.channel.Publish(ctx, room, name, ev); err != nil {
			p.logger.Warn("failed to publish event",
				"room", room,
				"event", name,
				"job_id", ev.JobID(),
				"error", err)
		}
	}
}

// suppressed checks the silenced set right before emission so a cancel that
// lands between event creation and delivery still wins.
func (p *ProgressPublisher) suppressed(ev Event) bool {
	if ev.Kind() != KindProgress && ev.Kind() != KindCompleted {
		return false
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.silenced[ev.JobID()]
	return ok
}
