package domain

import (
	"time"

	"github.com/google/uuid"
)

// Schedule describes a recurring newsletter run. NextRun is owned
// exclusively by the scheduler; every other field is set at creation
// through the API and never mutated afterwards.
type Schedule struct {
	ID uuid.UUID

	Rule     string // FREQ=... rule or 5-field cron expression
	Timezone string // IANA timezone, defaults to UTC
	Anchor   time.Time

	Request GenerationRequest

	NextRun time.Time
	Enabled bool

	CreatedAt time.Time
	UpdatedAt time.Time
}
