package postgres

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
    id UUID PRIMARY KEY,
    rule TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT 'UTC',
    anchor TIMESTAMPTZ NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    recipient TEXT NOT NULL DEFAULT '',
    next_run TIMESTAMPTZ NOT NULL,
    enabled BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (next_run) WHERE enabled;

CREATE TABLE IF NOT EXISTS jobs (
    id UUID PRIMARY KEY,
    schedule_id UUID,
    occurrence_key TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    recipient TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    result_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    started_at TIMESTAMPTZ,
    finished_at TIMESTAMPTZ,
    updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_stuck_queued ON jobs (created_at) WHERE state = 'queued';

CREATE TABLE IF NOT EXISTS history (
    id BIGSERIAL PRIMARY KEY,
    job_id UUID NOT NULL,
    schedule_id UUID,
    occurrence_key TEXT NOT NULL,
    state TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    result_ref TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_history_job ON history (job_id);
CREATE INDEX IF NOT EXISTS idx_history_schedule ON history (schedule_id);
CREATE INDEX IF NOT EXISTS idx_history_recorded ON history (recorded_at DESC);
`

// InitSchema creates the tables and indexes if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return wrapErr(err)
}
