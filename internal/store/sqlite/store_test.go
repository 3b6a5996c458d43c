package sqlite

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/letterpressd/letterpress/internal/domain"
	"github.com/letterpressd/letterpress/internal/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testJob(key string) domain.Job {
	now := time.Now().UTC().Truncate(time.Second)
	return domain.Job{
		ID:            uuid.New(),
		OccurrenceKey: key,
		State:         domain.JobStateQueued,
		Request:       domain.GenerationRequest{Payload: json.RawMessage(`{"topic":"go"}`)},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestCreateJobIfAbsent_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testJob("sched:1700000000")
	stored, created, err := s.CreateJobIfAbsent(ctx, first)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	if !created {
		t.Fatal("first create: created = false, want true")
	}
	if stored.ID != first.ID {
		t.Errorf("stored.ID = %s, want %s", stored.ID, first.ID)
	}

	second := testJob("sched:1700000000") // same key, different ID
	stored2, created2, err := s.CreateJobIfAbsent(ctx, second)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Error("second create: created = true, want false")
	}
	if stored2.ID != first.ID {
		t.Errorf("second caller observed job %s, want the original %s", stored2.ID, first.ID)
	}
}

func TestUpdateState_ConflictOnStaleExpected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("sched:1700000100")
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	one := 1
	started := time.Now().UTC()
	err := s.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning,
		store.StateFields{Attempt: &one, StartedAt: &started})
	if err != nil {
		t.Fatalf("queued->running: %v", err)
	}

	// A second writer still believing the job is queued must lose.
	err = s.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning, store.StateFields{})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("stale update error = %v, want ErrConflict", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.JobStateRunning {
		t.Errorf("state = %s, want running", got.State)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
}

func TestUpdateState_TerminalTransitionAppendsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("sched:1700000200")
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	one := 1
	if err := s.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning,
		store.StateFields{Attempt: &one}); err != nil {
		t.Fatalf("queued->running: %v", err)
	}

	ref := "digest/2024-01-15"
	finished := time.Now().UTC()
	if err := s.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateSucceeded,
		store.StateFields{ResultRef: &ref, FinishedAt: &finished}); err != nil {
		t.Fatalf("running->succeeded: %v", err)
	}

	recs, err := s.ListHistory(ctx, store.HistoryFilter{JobID: &job.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history records = %d, want 1", len(recs))
	}
	if recs[0].State != domain.JobStateSucceeded {
		t.Errorf("history state = %s, want succeeded", recs[0].State)
	}
	if recs[0].ResultRef != ref {
		t.Errorf("history result_ref = %q, want %q", recs[0].ResultRef, ref)
	}

	// Terminal states are immutable: no second terminal write, no second record.
	errStr := "late failure"
	err = s.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateFailed,
		store.StateFields{Error: &errStr})
	if !errors.Is(err, store.ErrConflict) {
		t.Fatalf("second terminal write error = %v, want ErrConflict", err)
	}
	recs, err = s.ListHistory(ctx, store.HistoryFilter{JobID: &job.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 1 {
		t.Errorf("history records after losing write = %d, want 1", len(recs))
	}
}

func TestUpdateState_RetryableRequeueAppendsHistory(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	job := testJob("sched:1700000300")
	if _, _, err := s.CreateJobIfAbsent(ctx, job); err != nil {
		t.Fatalf("create: %v", err)
	}

	one := 1
	if err := s.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning,
		store.StateFields{Attempt: &one}); err != nil {
		t.Fatalf("queued->running: %v", err)
	}

	// A retryable failure goes back to queued; the attempt must still
	// leave a failed record behind.
	detail := "generate: status 503"
	if err := s.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateQueued,
		store.StateFields{Error: &detail}); err != nil {
		t.Fatalf("running->queued: %v", err)
	}

	recs, err := s.ListHistory(ctx, store.HistoryFilter{JobID: &job.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("history records after requeue = %d, want 1", len(recs))
	}
	if recs[0].State != domain.JobStateFailed {
		t.Errorf("history state = %s, want failed", recs[0].State)
	}
	if recs[0].Attempt != 1 {
		t.Errorf("history attempt = %d, want 1", recs[0].Attempt)
	}
	if recs[0].Error != detail {
		t.Errorf("history error = %q, want %q", recs[0].Error, detail)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.JobStateQueued {
		t.Errorf("job state = %s, want queued (still retryable)", got.State)
	}

	// Second attempt succeeds with the error cleared; history now shows
	// the failed attempt and the success, each once.
	two := 2
	if err := s.UpdateState(ctx, job.ID, domain.JobStateQueued, domain.JobStateRunning,
		store.StateFields{Attempt: &two}); err != nil {
		t.Fatalf("second claim: %v", err)
	}
	noError := ""
	ref := "digest/2024-01-16"
	finished := time.Now().UTC()
	if err := s.UpdateState(ctx, job.ID, domain.JobStateRunning, domain.JobStateSucceeded,
		store.StateFields{FinishedAt: &finished, Error: &noError, ResultRef: &ref}); err != nil {
		t.Fatalf("running->succeeded: %v", err)
	}

	recs, err = s.ListHistory(ctx, store.HistoryFilter{JobID: &job.ID, Limit: 10})
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("history records = %d, want 2", len(recs))
	}
	byState := make(map[domain.JobState]domain.HistoryRecord, len(recs))
	for _, rec := range recs {
		byState[rec.State] = rec
	}
	succeeded, ok := byState[domain.JobStateSucceeded]
	if !ok {
		t.Fatal("no succeeded record")
	}
	if succeeded.Attempt != 2 {
		t.Errorf("succeeded attempt = %d, want 2", succeeded.Attempt)
	}
	if succeeded.Error != "" {
		t.Errorf("succeeded record error = %q, want empty", succeeded.Error)
	}

	if got, err = s.GetJob(ctx, job.ID); err != nil {
		t.Fatalf("get: %v", err)
	} else if got.Error != "" {
		t.Errorf("job error = %q after success, want empty", got.Error)
	}
}

func TestCreateJobIfAbsent_Concurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	var createdCount int
	ids := make(map[uuid.UUID]struct{})

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stored, created, err := s.CreateJobIfAbsent(ctx, testJob("sched:1700000400"))
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				createdCount++
			}
			ids[stored.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if createdCount != 1 {
		t.Errorf("created = %d times, want exactly 1", createdCount)
	}
	if len(ids) != 1 {
		t.Errorf("writers observed %d distinct jobs, want 1", len(ids))
	}
}

func TestUpdateState_NotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.UpdateState(context.Background(), uuid.New(),
		domain.JobStateQueued, domain.JobStateRunning, store.StateFields{})
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestDueSchedules_FiltersDisabledAndFuture(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mk := func(next time.Time, enabled bool) domain.Schedule {
		return domain.Schedule{
			ID:        uuid.New(),
			Rule:      "FREQ=DAILY;BYHOUR=8;BYMINUTE=0",
			Timezone:  "UTC",
			Anchor:    now.AddDate(0, -1, 0),
			NextRun:   next,
			Enabled:   enabled,
			CreatedAt: now,
			UpdatedAt: now,
		}
	}

	due := mk(now.Add(-time.Minute), true)
	future := mk(now.Add(time.Hour), true)
	disabled := mk(now.Add(-time.Minute), false)

	for _, sched := range []domain.Schedule{due, future, disabled} {
		if err := s.CreateSchedule(ctx, sched); err != nil {
			t.Fatalf("create schedule: %v", err)
		}
	}

	got, err := s.DueSchedules(ctx, now, 100)
	if err != nil {
		t.Fatalf("due schedules: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("due schedules = %d, want 1", len(got))
	}
	if got[0].ID != due.ID {
		t.Errorf("due schedule = %s, want %s", got[0].ID, due.ID)
	}
}

func TestDeleteSchedule_NotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.DeleteSchedule(context.Background(), uuid.New())
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}
