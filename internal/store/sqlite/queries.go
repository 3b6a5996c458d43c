package sqlite

const queryInsertSchedule = `
INSERT INTO schedules (id, rule, timezone, anchor, payload, recipient, next_run, enabled, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const scheduleColumns = `id, rule, timezone, anchor, payload, recipient, next_run, enabled, created_at, updated_at`

const queryGetSchedule = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE id = ?
`

const queryListSchedules = `
SELECT ` + scheduleColumns + `
FROM schedules
ORDER BY created_at DESC
LIMIT ? OFFSET ?
`

const queryDueSchedules = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE enabled = 1
  AND next_run <= ?
ORDER BY next_run ASC
LIMIT ?
`

const queryUpdateNextRun = `
UPDATE schedules
SET next_run = ?, updated_at = ?
WHERE id = ?
`

const queryUpdateEnabled = `
UPDATE schedules
SET enabled = ?, updated_at = ?
WHERE id = ?
`

const queryDeleteSchedule = `
DELETE FROM schedules WHERE id = ?
`

const queryInsertJobIfAbsent = `
INSERT INTO jobs (id, schedule_id, occurrence_key, state, attempt, payload, recipient, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (occurrence_key) DO NOTHING
`

const jobColumns = `id, schedule_id, occurrence_key, state, attempt, payload, recipient, error, result_ref, created_at, started_at, finished_at, updated_at`

const queryGetJob = `
SELECT ` + jobColumns + `
FROM jobs
WHERE id = ?
`

const queryGetJobByKey = `
SELECT ` + jobColumns + `
FROM jobs
WHERE occurrence_key = ?
`

const queryGetJobState = `
SELECT state FROM jobs WHERE id = ?
`

const queryUpdateJobState = `
UPDATE jobs
SET state = ?,
    attempt = COALESCE(?, attempt),
    started_at = COALESCE(?, started_at),
    finished_at = COALESCE(?, finished_at),
    error = COALESCE(?, error),
    result_ref = COALESCE(?, result_ref),
    updated_at = ?
WHERE id = ?
  AND state = ?
RETURNING schedule_id, occurrence_key, attempt, error, result_ref
`

const queryInsertHistory = `
INSERT INTO history (job_id, schedule_id, occurrence_key, state, attempt, error, result_ref, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
`

const historyColumns = `id, job_id, schedule_id, occurrence_key, state, attempt, error, result_ref, recorded_at`

const queryListHistory = `
SELECT ` + historyColumns + `
FROM history
ORDER BY recorded_at DESC
LIMIT ? OFFSET ?
`

const queryListHistoryByJob = `
SELECT ` + historyColumns + `
FROM history
WHERE job_id = ?
ORDER BY recorded_at DESC
LIMIT ? OFFSET ?
`

const queryListHistoryBySchedule = `
SELECT ` + historyColumns + `
FROM history
WHERE schedule_id = ?
ORDER BY recorded_at DESC
LIMIT ? OFFSET ?
`

const queryStuckQueuedJobs = `
SELECT ` + jobColumns + `
FROM jobs
WHERE state = 'queued'
  AND created_at < ?
ORDER BY created_at ASC
LIMIT ?
`
