package events

import (
	"time"

	"github.com/google/uuid"
)

// Kind discriminates progress event variants.
type Kind string

// Event kinds emitted by the queue.
const (
	KindProgress  Kind = "progress"
	KindCompleted Kind = "completed"
	KindCancelled Kind = "cancelled"
	KindError     Kind = "error"
)

// Event is a structured queue state-transition notification. Each variant
// has a fixed field set; there are no open attribute bags.
type Event interface {
	// Kind returns the event discriminator.
	Kind() Kind

	// JobID returns the queue item the event concerns.
	JobID() uuid.UUID

	// UserID returns the owning user, which determines the user room.
	UserID() uuid.UUID

	// ProjectID returns the project room target, uuid.Nil if none.
	ProjectID() uuid.UUID
}

// base carries the fields shared by every variant.
type base struct {
	Job       uuid.UUID  `json:"job_id"`
	Batch     *uuid.UUID `json:"batch_id,omitempty"`
	User      uuid.UUID  `json:"user_id"`
	Project   uuid.UUID  `json:"project_id,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

func (b base) JobID() uuid.UUID     { return b.Job }
func (b base) UserID() uuid.UUID    { return b.User }
func (b base) ProjectID() uuid.UUID { return b.Project }

// Progress reports a non-terminal status change for a job.
type Progress struct {
	base
	Status string `json:"status"`
}

func (Progress) Kind() Kind { return KindProgress }

// Completed reports a successfully segmented job.
type Completed struct {
	base
	PolygonCount int     `json:"polygon_count"`
	VertexCount  int     `json:"vertex_count"`
	Confidence   float64 `json:"confidence,omitempty"`
}

func (Completed) Kind() Kind { return KindCompleted }

// Cancelled reports a user-initiated cancellation.
type Cancelled struct {
	base
}

func (Cancelled) Kind() Kind { return KindCancelled }

// Error reports a terminal failure.
type Error struct {
	base
	Message string `json:"message"`
}

func (Error) Kind() Kind { return KindError }

func newBase(jobID uuid.UUID, batchID *uuid.UUID, userID, projectID uuid.UUID) base {
	return base{
		Job:       jobID,
		Batch:     batchID,
		User:      userID,
		Project:   projectID,
		Timestamp: time.Now().UTC(),
	}
}

// NewProgress builds a progress event for a non-terminal status change.
func NewProgress(
	jobID uuid.UUID,
	batchID *uuid.UUID,
	userID, projectID uuid.UUID,
	status string,
) Progress {
	return Progress{base: newBase(jobID, batchID, userID, projectID), Status: status}
}

// NewCompleted builds a completion event carrying result statistics.
func NewCompleted(
	jobID uuid.UUID,
	batchID *uuid.UUID,
	userID, projectID uuid.UUID,
	polygonCount, vertexCount int,
	confidence float64,
) Completed {
	return Completed{
		base:         newBase(jobID, batchID, userID, projectID),
		PolygonCount: polygonCount,
		VertexCount:  vertexCount,
		Confidence:   confidence,
	}
}

// NewCancelled builds a cancellation event.
func NewCancelled(jobID uuid.UUID, userID, projectID uuid.UUID) Cancelled {
	return Cancelled{base: newBase(jobID, nil, userID, projectID)}
}

// NewError builds a terminal failure event.
func NewError(
	jobID uuid.UUID,
	batchID *uuid.UUID,
	userID, projectID uuid.UUID,
	message string,
) Error {
	return Error{base: newBase(jobID, batchID, userID, projectID), Message: message}
}
