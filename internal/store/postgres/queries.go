package postgres

const queryInsertSchedule = `
INSERT INTO schedules (id, rule, timezone, anchor, payload, recipient, next_run, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

const scheduleColumns = `id, rule, timezone, anchor, payload, recipient, next_run, enabled, created_at, updated_at`

const queryGetSchedule = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE id = $1
`

const queryListSchedules = `
SELECT ` + scheduleColumns + `
FROM schedules
ORDER BY created_at DESC
LIMIT $1 OFFSET $2
`

const queryDueSchedules = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE enabled = true
  AND next_run <= $1
ORDER BY next_run ASC
LIMIT $2
`

const queryUpdateNextRun = `
UPDATE schedules
SET next_run = $2, updated_at = $3
WHERE id = $1
`

const queryUpdateEnabled = `
UPDATE schedules
SET enabled = $2, updated_at = $3
WHERE id = $1
`

const queryDeleteSchedule = `
DELETE FROM schedules WHERE id = $1
RETURNING id
`

const queryInsertJobIfAbsent = `
INSERT INTO jobs (id, schedule_id, occurrence_key, state, attempt, payload, recipient, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (occurrence_key) DO NOTHING
`

const jobColumns = `id, schedule_id, occurrence_key, state, attempt, payload, recipient, error, result_ref, created_at, started_at, finished_at, updated_at`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = $1
`

const queryGetJobByKey = `
SELECT ` + jobColumns + `
FROM jobs
WHERE occurrence_key = $1
`

const queryGetJobState = `
SELECT state FROM jobs WHERE id = $1
`

// Guarded by expected state so a reclaimed-and-restarted job and its
// original executor can never both win.
const queryUpdateJobState = `
UPDATE jobs
SET state = $2,
    attempt = COALESCE($3, attempt),
    started_at = COALESCE($4, started_at),
    finished_at = COALESCE($5, finished_at),
    error = COALESCE($6, error),
    result_ref = COALESCE($7, result_ref),
    updated_at = $8
WHERE id = $1
  AND state = $9
RETURNING schedule_id, occurrence_key, attempt, error, result_ref
`

const queryInsertHistory = `
INSERT INTO history (job_id, schedule_id, occurrence_key, state, attempt, error, result_ref, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`

const historyColumns = `id, job_id, schedule_id, occurrence_key, state, attempt, error, result_ref, recorded_at`

const queryListHistory = `
SELECT ` + historyColumns + `
FROM history
ORDER BY recorded_at DESC
LIMIT $1 OFFSET $2
`

const queryListHistoryByJob = `
SELECT ` + historyColumns + `
FROM history
WHERE job_id = $1
ORDER BY recorded_at DESC
LIMIT $2 OFFSET $3
`

const queryListHistoryBySchedule = `
SELECT ` + historyColumns + `
FROM history
WHERE schedule_id = $1
ORDER BY recorded_at DESC
LIMIT $2 OFFSET $3
`

const queryStuckQueuedJobs = `
SELECT ` + jobColumns + `
FROM jobs
WHERE state = 'queued'
  AND created_at < $1
ORDER BY created_at ASC
LIMIT $2
`
