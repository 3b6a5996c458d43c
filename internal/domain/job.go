package domain

import (
	"time"

	"github.com/google/uuid"
)

type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateRunning   JobState = "running"
	JobStateSucceeded JobState = "succeeded"
	JobStateFailed    JobState = "failed"
	JobStateCancelled JobState = "cancelled"
)

// Terminal reports whether the state is immutable once reached.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateSucceeded, JobStateFailed, JobStateCancelled:
		return true
	}
	return false
}

// Job is one dispatched occurrence. OccurrenceKey deduplicates creation:
// for recurring runs it is derived from schedule ID and occurrence time,
// for on-demand runs it is a fresh unique value.
type Job struct {
	ID         uuid.UUID
	ScheduleID *uuid.UUID // nil for on-demand runs

	OccurrenceKey string
	State         JobState
	Attempt       int

	Request GenerationRequest

	Error     string
	ResultRef string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
	UpdatedAt  time.Time
}
