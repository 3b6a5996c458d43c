// Package redisq implements the job queue on Redis.
//
// Layout: a pending list holds deliverable job IDs, an in-flight list plus
// a lease ZSET (score = lease deadline) track delivered-but-unacked
// messages, and a delayed ZSET (score = ready time) holds backoff retries.
// BRPOPLPUSH moves pending -> in-flight atomically; Lua scripts move
// expired leases and due retries back to pending atomically, so a crashed
// worker's job is reclaimed exactly once.
package redisq

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/letterpressd/letterpress/internal/queue"
)

const reapBatch = 100

var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(due) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('LPUSH', KEYS[2], id)
end
return #due
`)

var reclaimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, id in ipairs(expired) do
    redis.call('ZREM', KEYS[1], id)
    redis.call('LREM', KEYS[2], 1, id)
    redis.call('LPUSH', KEYS[3], id)
end
return #expired
`)

type Config struct {
	// KeyPrefix namespaces all queue keys. Default "letterpress".
	KeyPrefix string

	// LeaseTimeout is how long a dequeued message stays invisible before
	// it is reclaimed. Must exceed twice the worst-case execution time.
	LeaseTimeout time.Duration

	// ReapInterval is how often expired leases and due retries are moved
	// back to pending. Default 1s.
	ReapInterval time.Duration
}

type Queue struct {
	client *redis.Client
	config Config
	clock  func() time.Time

	pendingKey  string
	inflightKey string
	leaseKey    string
	delayedKey  string
}

func New(client *redis.Client, config Config) *Queue {
	if config.KeyPrefix == "" {
		config.KeyPrefix = "letterpress"
	}
	if config.ReapInterval <= 0 {
		config.ReapInterval = time.Second
	}
	return &Queue{
		client:      client,
		config:      config,
		clock:       time.Now,
		pendingKey:  config.KeyPrefix + ":queue:pending",
		inflightKey: config.KeyPrefix + ":queue:inflight",
		leaseKey:    config.KeyPrefix + ":queue:leases",
		delayedKey:  config.KeyPrefix + ":queue:delayed",
	}
}

func (q *Queue) Name() string { return "redis" }

func (q *Queue) Enqueue(ctx context.Context, m queue.Message) error {
	if err := q.client.LPush(ctx, q.pendingKey, m.JobID.String()).Err(); err != nil {
		return fmt.Errorf("enqueue job %s: %w", m.JobID, err)
	}
	return nil
}

func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (queue.Message, bool, error) {
	val, err := q.client.BRPopLPush(ctx, q.pendingKey, q.inflightKey, timeout).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return queue.Message{}, false, nil
		}
		return queue.Message{}, false, fmt.Errorf("dequeue: %w", err)
	}

	jobID, err := uuid.Parse(val)
	if err != nil {
		// A foreign entry can never be processed; drop it rather than
		// letting the reaper cycle it forever.
		log.Printf("redisq: dropping malformed queue entry %q", val)
		q.client.LRem(ctx, q.inflightKey, 1, val)
		return queue.Message{}, false, nil
	}

	deadline := q.clock().Add(q.config.LeaseTimeout).Unix()
	if err := q.client.ZAdd(ctx, q.leaseKey, redis.Z{Score: float64(deadline), Member: val}).Err(); err != nil {
		// The message stays in-flight without a lease; the worker still
		// owns it, but a crash now would strand it until Ack/Nack. Log
		// loudly and continue.
		log.Printf("redisq: failed to record lease for job %s: %v", jobID, err)
	}

	return queue.Message{JobID: jobID}, true, nil
}

func (q *Queue) Ack(ctx context.Context, m queue.Message) error {
	id := m.JobID.String()
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.inflightKey, 1, id)
	pipe.ZRem(ctx, q.leaseKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack job %s: %w", m.JobID, err)
	}
	return nil
}

func (q *Queue) Nack(ctx context.Context, m queue.Message, retryIn time.Duration) error {
	id := m.JobID.String()
	pipe := q.client.Pipeline()
	pipe.LRem(ctx, q.inflightKey, 1, id)
	pipe.ZRem(ctx, q.leaseKey, id)
	if retryIn <= 0 {
		pipe.LPush(ctx, q.pendingKey, id)
	} else {
		readyAt := q.clock().Add(retryIn).Unix()
		pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: float64(readyAt), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("nack job %s: %w", m.JobID, err)
	}
	return nil
}

func (q *Queue) Depth(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.pendingKey).Result()
}

// RunReaper periodically promotes due retries and reclaims expired leases.
// Exactly one process should run it (any worker or the scheduler); running
// several is safe, just redundant. Blocks until ctx is cancelled.
func (q *Queue) RunReaper(ctx context.Context) {
	ticker := time.NewTicker(q.config.ReapInterval)
	defer ticker.Stop()

	log.Printf("redisq: reaper started (interval=%s, lease=%s)",
		q.config.ReapInterval, q.config.LeaseTimeout)

	for {
		select {
		case <-ctx.Done():
			log.Println("redisq: reaper stopped")
			return
		case <-ticker.C:
			q.reapOnce(ctx)
		}
	}
}

func (q *Queue) reapOnce(ctx context.Context) {
	now := q.clock().Unix()

	promoted, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey, q.pendingKey}, now, reapBatch).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("redisq: promote retries: %v", err)
	} else if promoted > 0 {
		log.Printf("redisq: promoted %d due retries", promoted)
	}

	reclaimed, err := reclaimScript.Run(ctx, q.client,
		[]string{q.leaseKey, q.inflightKey, q.pendingKey}, now, reapBatch).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		log.Printf("redisq: reclaim leases: %v", err)
	} else if reclaimed > 0 {
		log.Printf("redisq: reclaimed %d expired leases", reclaimed)
	}
}

var (
	_ queue.Queue         = (*Queue)(nil)
	_ queue.DepthReporter = (*Queue)(nil)
)
