package sqlite

import "context"

const schema = `
CREATE TABLE IF NOT EXISTS schedules (
    id TEXT PRIMARY KEY,
    rule TEXT NOT NULL,
    timezone TEXT NOT NULL DEFAULT 'UTC',
    anchor TIMESTAMP NOT NULL,
    payload TEXT NOT NULL DEFAULT '',
    recipient TEXT NOT NULL DEFAULT '',
    next_run TIMESTAMP NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due ON schedules (enabled, next_run);

CREATE TABLE IF NOT EXISTS jobs (
    id TEXT PRIMARY KEY,
    schedule_id TEXT,
    occurrence_key TEXT NOT NULL UNIQUE,
    state TEXT NOT NULL,
    attempt INTEGER NOT NULL DEFAULT 0,
    payload TEXT NOT NULL DEFAULT '',
    recipient TEXT NOT NULL DEFAULT '',
    error TEXT NOT NULL DEFAULT '',
    result_ref TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMP NOT NULL,
    started_at TIMESTAMP,
    finished_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_state_created ON jobs (state, created_at);

CREATE TABLE IF NOT EXISTS history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    schedule_id TEXT,
    occurrence_key TEXT NOT NULL,
    state TEXT NOT NULL,
    attempt INTEGER NOT NULL,
    error TEXT NOT NULL DEFAULT '',
    result_ref TEXT NOT NULL DEFAULT '',
    recorded_at TIMESTAMP NOT NULL
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
