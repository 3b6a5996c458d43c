// Package analytics records job outcome counters in Redis. Counters are
// a best-effort side channel for dashboards; failures never affect job
// execution.
package analytics

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/letterpressd/letterpress/internal/domain"
)

// DefaultRetention is how long outcome counters live.
const DefaultRetention = 30 * 24 * time.Hour

type RedisSink struct {
	client    *redis.Client
	retention time.Duration
}

func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client, retention: DefaultRetention}
}

// Write increments the outcome counter for the job's schedule and hour
// bucket. On-demand jobs without a schedule count under "manual".
func (s *RedisSink) Write(ctx context.Context, job domain.Job, at time.Time) error {
	if !job.State.Terminal() {
		return nil
	}

	scheduleID := "manual"
	if job.ScheduleID != nil {
		scheduleID = job.ScheduleID.String()
	}
	key := buildKey(scheduleID, string(job.State), at)

	pipe := s.client.Pipeline()
	pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, s.retention)

	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("redis pipeline: %w", err)
	}

	return nil
}

func buildKey(scheduleID, outcome string, t time.Time) string {
	return fmt.Sprintf("letterpress:stats:s:%s:%s:%s", scheduleID, outcome, hourBucket(t))
}

func hourBucket(t time.Time) string {
	return t.UTC().Format("2006010215")
}
