// Package store defines the error and parameter contracts shared by the
// storage backends. The operation interfaces themselves live with their
// consumers (scheduler.Store, worker.Store, api.Store, reconciler.Store);
// both backends satisfy all of them.
package store

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a conditional update loses its
	// optimistic-concurrency race. The losing writer discards its update.
	ErrConflict = errors.New("state conflict: job not in expected state")

	// ErrUnavailable wraps transient backend failures. Callers retry on
	// their next tick; nothing is corrupted.
	ErrUnavailable = errors.New("store unavailable")
)

// StateFields carries the optional columns written alongside a state
// transition. Nil fields are left untouched.
type StateFields struct {
	Attempt    *int
	StartedAt  *time.Time
	FinishedAt *time.Time
	Error      *string
	ResultRef  *string
}

// HistoryFilter narrows and paginates ListHistory.
type HistoryFilter struct {
	JobID      *uuid.UUID
	ScheduleID *uuid.UUID
	Limit      int
	Offset     int
}
