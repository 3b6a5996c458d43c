// Package postgres implements the storage contracts on PostgreSQL.
//
// The two conditional primitives the rest of the system leans on are
// CreateJobIfAbsent (INSERT ... ON CONFLICT DO NOTHING on the occurrence
// key) and UpdateState (guarded atomic UPDATE). Postgres acquires the row
// lock before evaluating the WHERE clause, so concurrent writers are
// serialized without any application-side locking.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/store"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

// wrapErr maps driver errors to the shared store sentinels. Anything that
// is not a missing row is treated as transient and retried by the caller.
func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
}

func (s *Store) CreateSchedule(ctx context.Context, sched domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, queryInsertSchedule,
		sched.ID,
		sched.Rule,
		sched.Timezone,
		sched.Anchor,
		string(sched.Request.Payload),
		sched.Request.Recipient,
		sched.NextRun,
		sched.Enabled,
		sched.CreatedAt,
		sched.UpdatedAt,
	)
	return wrapErr(err)
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	return scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, id))
}

func (s *Store) ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, queryListSchedules, limit, offset)
}

// DueSchedules returns enabled schedules whose next_run is at or before
// now, ordered by next_run.
func (s *Store) DueSchedules(ctx context.Context, now time.Time, limit int) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, queryDueSchedules, now, limit)
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sched, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, sched)
	}
	return result, wrapErr(rows.Err())
}

// UpdateNextRun advances a schedule's next occurrence. Only the scheduler
// calls this.
func (s *Store) UpdateNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	return s.execOnSchedule(ctx, queryUpdateNextRun, id, next)
}

func (s *Store) UpdateEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	return s.execOnSchedule(ctx, queryUpdateEnabled, id, enabled)
}

func (s *Store) execOnSchedule(ctx context.Context, query string, id uuid.UUID, arg any) error {
	result, err := s.db.ExecContext(ctx, query, id, arg, time.Now().UTC())
	if err != nil {
		return wrapErr(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return wrapErr(err)
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id uuid.UUID) error {
	var deleted uuid.UUID
	return wrapErr(s.db.QueryRowContext(ctx, queryDeleteSchedule, id).Scan(&deleted))
}

// CreateJobIfAbsent inserts the job unless one with the same occurrence
// key already exists, and returns the stored row either way. All
// concurrent callers observe the same job.
func (s *Store) CreateJobIfAbsent(ctx context.Context, job domain.Job) (domain.Job, bool, error) {
	result, err := s.db.ExecContext(ctx, queryInsertJobIfAbsent,
		job.ID,
		nullableUUID(job.ScheduleID),
		job.OccurrenceKey,
		string(job.State),
		job.Attempt,
		string(job.Request.Payload),
		job.Request.Recipient,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, false, wrapErr(err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return domain.Job{}, false, wrapErr(err)
	}

	stored, err := scanJob(s.db.QueryRowContext(ctx, queryGetJobByKey, job.OccurrenceKey))
	if err != nil {
		return domain.Job{}, false, err
	}
	return stored, n > 0, nil
}

func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error) {
	return scanJob(s.db.QueryRowContext(ctx, queryGetJob, id))
}

// UpdateState applies a conditional state transition. It succeeds only if
// the job is still in expected; otherwise it returns store.ErrConflict and
// the caller discards its update. A terminal transition appends the
// history snapshot in the same transaction.
func (s *Store) UpdateState(ctx context.Context, jobID uuid.UUID, expected, next domain.JobState, fields store.StateFields) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapErr(err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()

	var (
		scheduleID uuid.NullUUID
		key        string
		attempt    int
		jobErr     string
		resultRef  string
	)
	err = tx.QueryRowContext(ctx, queryUpdateJobState,
		jobID,
		string(next),
		fields.Attempt,
		fields.StartedAt,
		fields.FinishedAt,
		fields.Error,
		fields.ResultRef,
		now,
		string(expected),
	).Scan(&scheduleID, &key, &attempt, &jobErr, &resultRef)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Not updated: either the row is missing or another writer got
			// there first. Distinguish outside the transaction.
			var current string
			err2 := s.db.QueryRowContext(ctx, queryGetJobState, jobID).Scan(&current)
			if errors.Is(err2, sql.ErrNoRows) {
				return store.ErrNotFound
			}
			if err2 != nil {
				return wrapErr(err2)
			}
			return store.ErrConflict
		}
		return wrapErr(err)
	}

	// History gets a record per finished attempt: every terminal
	// transition, and every running->queued requeue (a retryable failure,
	// recorded as failed so no attempt is invisible).
	retried := expected == domain.JobStateRunning && next == domain.JobStateQueued
	if next.Terminal() || retried {
		histState := next
		if retried {
			histState = domain.JobStateFailed
		}
		_, err = tx.ExecContext(ctx, queryInsertHistory,
			jobID, scheduleID, key, string(histState), attempt, jobErr, resultRef, now)
		if err != nil {
			return wrapErr(err)
		}
	}

	return wrapErr(tx.Commit())
}

func (s *Store) ListHistory(ctx context.Context, filter store.HistoryFilter) ([]domain.HistoryRecord, error) {
	var (
		query string
		args  []any
	)
	switch {
	case filter.JobID != nil:
		query = queryListHistoryByJob
		args = []any{*filter.JobID, filter.Limit, filter.Offset}
	case filter.ScheduleID != nil:
		query = queryListHistoryBySchedule
		args = []any{*filter.ScheduleID, filter.Limit, filter.Offset}
	default:
		query = queryListHistory
		args = []any{filter.Limit, filter.Offset}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var result []domain.HistoryRecord
	for rows.Next() {
		var (
			rec        domain.HistoryRecord
			scheduleID uuid.NullUUID
			state      string
		)
		err := rows.Scan(&rec.ID, &rec.JobID, &scheduleID, &rec.OccurrenceKey,
			&state, &rec.Attempt, &rec.Error, &rec.ResultRef, &rec.RecordedAt)
		if err != nil {
			return nil, wrapErr(err)
		}
		rec.State = domain.JobState(state)
		if scheduleID.Valid {
			id := scheduleID.UUID
			rec.ScheduleID = &id
		}
		result = append(result, rec)
	}
	return result, wrapErr(rows.Err())
}

// StuckQueuedJobs returns jobs still queued past the threshold, oldest
// first. The reconciler re-enqueues them.
func (s *Store) StuckQueuedJobs(ctx context.Context, olderThan time.Time, limit int) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, queryStuckQueuedJobs, olderThan, limit)
	if err != nil {
		return nil, wrapErr(err)
	}
	defer rows.Close()

	var result []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, job)
	}
	return result, wrapErr(rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row scanner) (domain.Schedule, error) {
	var (
		sched   domain.Schedule
		payload string
	)
	err := row.Scan(
		&sched.ID,
		&sched.Rule,
		&sched.Timezone,
		&sched.Anchor,
		&payload,
		&sched.Request.Recipient,
		&sched.NextRun,
		&sched.Enabled,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
	if err != nil {
		return domain.Schedule{}, wrapErr(err)
	}
	sched.Request.Payload = json.RawMessage(payload)
	return sched, nil
}

func scanJob(row scanner) (domain.Job, error) {
	var (
		job        domain.Job
		scheduleID uuid.NullUUID
		state      string
		payload    string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
	)
	err := row.Scan(
		&job.ID,
		&scheduleID,
		&job.OccurrenceKey,
		&state,
		&job.Attempt,
		&payload,
		&job.Request.Recipient,
		&job.Error,
		&job.ResultRef,
		&job.CreatedAt,
		&startedAt,
		&finishedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return domain.Job{}, wrapErr(err)
	}
	job.State = domain.JobState(state)
	job.Request.Payload = json.RawMessage(payload)
	if scheduleID.Valid {
		id := scheduleID.UUID
		job.ScheduleID = &id
	}
	if startedAt.Valid {
		t := startedAt.Time
		job.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func nullableUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
