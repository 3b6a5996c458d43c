package domain

import (
	"time"

	"github.com/google/uuid"
)

// HistoryRecord is an append-only snapshot written on every terminal
// transition and on every retryable failure, one record per finished
// attempt. Read-only outside the store.
type HistoryRecord struct {
	ID         int64
	JobID      uuid.UUID
	ScheduleID *uuid.UUID

	OccurrenceKey string
	State         JobState
	Attempt       int

	Error     string
	ResultRef string

	RecordedAt time.Time
}
