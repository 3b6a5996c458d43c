package api

import (
	"encoding/json"
	"time"
)

type CreateScheduleRequest struct {
	Rule      string          `json:"recurrence_rule"`
	Timezone  string          `json:"timezone,omitempty"` // default UTC
	Anchor    string          `json:"anchor,omitempty"`   // RFC3339, default now
	Payload   json.RawMessage `json:"payload"`
	Recipient string          `json:"recipient,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"` // default true
}

type CreateScheduleResponse struct {
	ScheduleID string `json:"schedule_id"`
	NextRun    string `json:"next_run"`
}

type ScheduleResponse struct {
	ID        string          `json:"id"`
	Rule      string          `json:"recurrence_rule"`
	Timezone  string          `json:"timezone"`
	Anchor    string          `json:"anchor"`
	NextRun   string          `json:"next_run"`
	Enabled   bool            `json:"enabled"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Recipient string          `json:"recipient,omitempty"`
	CreatedAt string          `json:"created_at"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type GenerateRequest struct {
	Payload   json.RawMessage `json:"payload"`
	Recipient string          `json:"recipient,omitempty"`
}

type JobAcceptedResponse struct {
	JobID string `json:"job_id"`
}

type JobStatusResponse struct {
	JobID      string `json:"job_id"`
	ScheduleID string `json:"schedule_id,omitempty"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	ResultRef  string `json:"result_ref,omitempty"`
	CreatedAt  string `json:"created_at"`
	StartedAt  string `json:"started_at,omitempty"`
	FinishedAt string `json:"finished_at,omitempty"`
}

type HistoryRecordResponse struct {
	JobID      string `json:"job_id"`
	ScheduleID string `json:"schedule_id,omitempty"`
	State      string `json:"state"`
	Attempt    int    `json:"attempt"`
	Error      string `json:"error,omitempty"`
	ResultRef  string `json:"result_ref,omitempty"`
	RecordedAt string `json:"recorded_at"`
}

type ListHistoryResponse struct {
	History []HistoryRecordResponse `json:"history"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	QueueBackend   string `json:"queue_backend"`
	SchedulerAlive bool   `json:"scheduler_alive"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
