// Package api exposes the HTTP surface: schedule CRUD, on-demand
// dispatch, job status and history reads, cancellation, and health.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/queue"
	"github.com/letterpressd/letterpress/internal/recurrence"
	"github.com/letterpressd/letterpress/internal/store"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// schedulerStaleAfter is how long without a poll tick before /health
// reports the scheduler as dead.
const schedulerStaleAfter = 15 * time.Minute

type Store interface {
	CreateSchedule(ctx context.Context, sched domain.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	UpdateEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) error

	CreateJobIfAbsent(ctx context.Context, job domain.Job) (domain.Job, bool, error)
	GetJob(ctx context.Context, id uuid.UUID) (domain.Job, error)
	UpdateState(ctx context.Context, jobID uuid.UUID, expected, next domain.JobState, fields store.StateFields) error
	ListHistory(ctx context.Context, filter store.HistoryFilter) ([]domain.HistoryRecord, error)
}

// SchedulerStatus reports poll-loop liveness for /health.
type SchedulerStatus interface {
	LastTick() time.Time
}

type Handler struct {
	store     Store
	queue     queue.Queue
	rules     *recurrence.Parser
	scheduler SchedulerStatus // optional, nil = liveness unknown
	clock     func() time.Time
}

func NewHandler(st Store, q queue.Queue, rules *recurrence.Parser) *Handler {
	return &Handler{
		store: st,
		queue: q,
		rules: rules,
		clock: time.Now,
	}
}

// WithSchedulerStatus enables scheduler liveness in /health responses.
func (h *Handler) WithSchedulerStatus(s SchedulerStatus) *Handler {
	h.scheduler = s
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == "/api/schedule" && r.Method == http.MethodPost:
		h.createSchedule(w, r)

	case path == "/api/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case strings.HasPrefix(path, "/api/schedule/"):
		h.scheduleSubroute(w, r)

	case path == "/api/generate" && r.Method == http.MethodPost:
		h.generate(w, r)

	case strings.HasPrefix(path, "/api/status/") && r.Method == http.MethodGet:
		h.jobStatus(w, r)

	case path == "/api/history" && r.Method == http.MethodGet:
		h.listHistory(w, r)

	case strings.HasPrefix(path, "/api/job/") && r.Method == http.MethodPost:
		h.cancelJob(w, r)

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// scheduleSubroute handles /api/schedule/{id} and its verbs:
// DELETE /api/schedule/{id}, POST /api/schedule/{id}/run|enable|disable.
func (h *Handler) scheduleSubroute(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	// parts[0] = "api", parts[1] = "schedule"
	if len(parts) < 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	id, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	switch {
	case len(parts) == 3 && r.Method == http.MethodDelete:
		h.deleteSchedule(w, r, id)
	case len(parts) == 4 && parts[3] == "run" && r.Method == http.MethodPost:
		h.runSchedule(w, r, id)
	case len(parts) == 4 && parts[3] == "enable" && r.Method == http.MethodPost:
		h.setEnabled(w, r, id, true)
	case len(parts) == 4 && parts[3] == "disable" && r.Method == http.MethodPost:
		h.setEnabled(w, r, id, false)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:       "ok",
		QueueBackend: h.queue.Name(),
	}
	if h.scheduler != nil {
		last := h.scheduler.LastTick()
		resp.SchedulerAlive = !last.IsZero() && h.clock().Sub(last) < schedulerStaleAfter
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) createSchedule(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req CreateScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	now := h.clock().UTC()
	anchor, err := h.validateCreateSchedule(req, now)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tz := req.Timezone
	if tz == "" {
		tz = "UTC"
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	// Initial next_run. From here on only the scheduler advances it.
	next, err := h.rules.Next(req.Rule, anchor, time.Time{}, now, tz)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	sched := domain.Schedule{
		ID:       uuid.New(),
		Rule:     req.Rule,
		Timezone: tz,
		Anchor:   anchor,
		Request: domain.GenerationRequest{
			Payload:   req.Payload,
			Recipient: req.Recipient,
		},
		NextRun:   next,
		Enabled:   enabled,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := h.store.CreateSchedule(r.Context(), sched); err != nil {
		log.Printf("api: create schedule error: %v", err)
		writeStoreError(w, err, "failed to create schedule")
		return
	}

	writeJSON(w, http.StatusCreated, CreateScheduleResponse{
		ScheduleID: sched.ID.String(),
		NextRun:    formatTime(next),
	})
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), limit, offset)
	if err != nil {
		log.Printf("api: list schedules error: %v", err)
		writeStoreError(w, err, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, s := range schedules {
		resp.Schedules[i] = ScheduleResponse{
			ID:        s.ID.String(),
			Rule:      s.Rule,
			Timezone:  s.Timezone,
			Anchor:    formatTime(s.Anchor),
			NextRun:   formatTime(s.NextRun),
			Enabled:   s.Enabled,
			Payload:   s.Request.Payload,
			Recipient: s.Request.Recipient,
			CreatedAt: formatTime(s.CreatedAt),
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) deleteSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	if err := h.store.DeleteSchedule(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: delete schedule error: %v", err)
		writeStoreError(w, err, "failed to delete schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) setEnabled(w http.ResponseWriter, r *http.Request, id uuid.UUID, enabled bool) {
	if err := h.store.UpdateEnabled(r.Context(), id, enabled); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: update enabled error: %v", err)
		writeStoreError(w, err, "failed to update schedule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// runSchedule dispatches one on-demand occurrence of a schedule. The
// occurrence key is fresh, so run-now never collides with the recurring
// stream, and next_run is left alone.
func (h *Handler) runSchedule(w http.ResponseWriter, r *http.Request, id uuid.UUID) {
	sched, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		log.Printf("api: run schedule error: %v", err)
		writeStoreError(w, err, "failed to load schedule")
		return
	}

	h.dispatchJob(w, r, &sched.ID, "manual:"+uuid.NewString(), sched.Request)
}

func (h *Handler) generate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if err.Error() == "http: request body too large" {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateGenerate(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	h.dispatchJob(w, r, nil, "adhoc:"+uuid.NewString(), domain.GenerationRequest{
		Payload:   req.Payload,
		Recipient: req.Recipient,
	})
}

// dispatchJob creates a job and enqueues it, responding 202 {job_id}.
func (h *Handler) dispatchJob(w http.ResponseWriter, r *http.Request, scheduleID *uuid.UUID, key string, request domain.GenerationRequest) {
	now := h.clock().UTC()
	job := domain.Job{
		ID:            uuid.New(),
		ScheduleID:    scheduleID,
		OccurrenceKey: key,
		State:         domain.JobStateQueued,
		Request:       request,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	stored, _, err := h.store.CreateJobIfAbsent(r.Context(), job)
	if err != nil {
		log.Printf("api: create job error: %v", err)
		writeStoreError(w, err, "failed to create job")
		return
	}

	if err := h.queue.Enqueue(r.Context(), queue.Message{JobID: stored.ID}); err != nil {
		// The job row exists; the reconciler will pick it up if this
		// enqueue is truly lost.
		log.Printf("api: enqueue job=%s error: %v", stored.ID, err)
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}

	writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: stored.ID.String()})
}

func (h *Handler) jobStatus(w http.ResponseWriter, r *http.Request) {
	// Path: /api/status/{job_id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	job, err := h.store.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Printf("api: job status error: %v", err)
		writeStoreError(w, err, "failed to load job")
		return
	}

	resp := JobStatusResponse{
		JobID:      job.ID.String(),
		State:      string(job.State),
		Attempt:    job.Attempt,
		Error:      job.Error,
		ResultRef:  job.ResultRef,
		CreatedAt:  formatTime(job.CreatedAt),
		StartedAt:  formatTimePtr(job.StartedAt),
		FinishedAt: formatTimePtr(job.FinishedAt),
	}
	if job.ScheduleID != nil {
		resp.ScheduleID = job.ScheduleID.String()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) listHistory(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := store.HistoryFilter{Limit: limit, Offset: offset}
	if v := r.URL.Query().Get("job_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid job_id")
			return
		}
		filter.JobID = &id
	}
	if v := r.URL.Query().Get("schedule_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid schedule_id")
			return
		}
		filter.ScheduleID = &id
	}

	records, err := h.store.ListHistory(r.Context(), filter)
	if err != nil {
		log.Printf("api: list history error: %v", err)
		writeStoreError(w, err, "failed to list history")
		return
	}

	resp := ListHistoryResponse{History: make([]HistoryRecordResponse, len(records))}
	for i, rec := range records {
		resp.History[i] = HistoryRecordResponse{
			JobID:      rec.JobID.String(),
			State:      string(rec.State),
			Attempt:    rec.Attempt,
			Error:      rec.Error,
			ResultRef:  rec.ResultRef,
			RecordedAt: formatTime(rec.RecordedAt),
		}
		if rec.ScheduleID != nil {
			resp.History[i].ScheduleID = rec.ScheduleID.String()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// cancelJob handles POST /api/job/{id}/cancel. Queued jobs cancel
// immediately; running jobs get the cancelled state as a cooperative
// flag the worker checks before delivery. Finished jobs return 409.
func (h *Handler) cancelJob(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 4 || parts[3] != "cancel" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	jobID, err := uuid.Parse(parts[2])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job id")
		return
	}

	now := h.clock().UTC()
	err = h.cancelFrom(r.Context(), jobID, domain.JobStateQueued, now)
	if errors.Is(err, store.ErrConflict) {
		err = h.cancelFrom(r.Context(), jobID, domain.JobStateRunning, now)
	}

	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, JobAcceptedResponse{JobID: jobID.String()})
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		log.Printf("api: cancel job error: %v", err)
		writeStoreError(w, err, "failed to cancel job")
	}
}

func (h *Handler) cancelFrom(ctx context.Context, jobID uuid.UUID, expected domain.JobState, now time.Time) error {
	return h.store.UpdateState(ctx, jobID, expected, domain.JobStateCancelled, store.StateFields{
		FinishedAt: &now,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: json encode error: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// writeStoreError maps store sentinels to status codes; transient store
// outages surface as 503 so callers know to retry.
func writeStoreError(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, store.ErrUnavailable) {
		writeError(w, http.StatusServiceUnavailable, msg)
		return
	}
	writeError(w, http.StatusInternalServerError, msg)
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
