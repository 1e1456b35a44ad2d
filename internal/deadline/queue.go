// Package deadline schedules per-job delivery deadlines in a Redis sorted
// set and enforces them with a single consumer loop. The database remains
// the source of truth: boot recovery rebuilds the schedule from
// non-terminal jobs, so Redis data loss only delays enforcement.
package deadline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const Key = "deadlines:jobs"

// maxIdleSleep bounds how long the consumer waits before re-peeking, so
// a newly enqueued earlier deadline is picked up promptly.
const maxIdleSleep = 10 * time.Second

// SortedSet is the slice of the Redis client the queue uses.
type SortedSet interface {
	ZAdd(ctx context.Context, key string, members ...redis.Z) *redis.IntCmd
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	ZRangeWithScores(ctx context.Context, key string, start, stop int64) *redis.ZSliceCmd
}

type Queue struct {
	rdb SortedSet
	log *slog.Logger
}

func NewQueue(rdb SortedSet, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{rdb: rdb, log: log}
}

// Enqueue schedules (or reschedules) a job's deadline. Idempotent.
func (q *Queue) Enqueue(ctx context.Context, jobID uuid.UUID, deadline time.Time) error {
	return q.rdb.ZAdd(ctx, Key, redis.Z{
		Score:  float64(deadline.Unix()),
		Member: jobID.String(),
	}).Err()
}

// Cancel removes a job from the schedule. Idempotent.
func (q *Queue) Cancel(ctx context.Context, jobID uuid.UUID) error {
	return q.rdb.ZRem(ctx, Key, jobID.String()).Err()
}

// peek returns the earliest scheduled job, or ok=false when the set is
// empty.
func (q *Queue) peek(ctx context.Context) (jobID string, due time.Time, ok bool, err error) {
	entries, err := q.rdb.ZRangeWithScores(ctx, Key, 0, 0).Result()
	if err != nil {
		return "", time.Time{}, false, err
	}
	if len(entries) == 0 {
		return "", time.Time{}, false, nil
	}
	member, _ := entries[0].Member.(string)
	return member, time.Unix(int64(entries[0].Score), 0), true, nil
}

// claim removes the member; a zero reply means another consumer won.
func (q *Queue) claim(ctx context.Context, jobID string) (bool, error) {
	n, err := q.rdb.ZRem(ctx, Key, jobID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Failer transitions an overdue job to failed and refunds its escrow.
type Failer interface {
	FailForDeadline(ctx context.Context, jobID uuid.UUID) error
}

// Consumer drains the schedule, sleeping until the next deadline is due.
type Consumer struct {
	queue  *Queue
	failer Failer
	log    *slog.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration)
}

func NewConsumer(queue *Queue, failer Failer, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		queue:  queue,
		failer: failer,
		log:    log,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Run loops until ctx is cancelled. Errors are logged and retried; the
// loop never dies on a transient Redis or database failure.
func (c *Consumer) Run(ctx context.Context) {
	c.log.Info("deadline consumer started")
	for {
		if ctx.Err() != nil {
			c.log.Info("deadline consumer shutting down")
			return
		}
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			c.log.Error("deadline consumer error, retrying", "error", err)
			c.sleep(ctx, 5*time.Second)
		}
	}
}

// Tick processes at most one due deadline, sleeping as needed.
func (c *Consumer) Tick(ctx context.Context) error {
	member, due, ok, err := c.queue.peek(ctx)
	if err != nil {
		return err
	}
	if !ok {
		c.sleep(ctx, maxIdleSleep)
		return nil
	}

	if wait := due.Sub(c.now()); wait > 0 {
		if wait > maxIdleSleep {
			wait = maxIdleSleep
		}
		c.sleep(ctx, wait)
		return nil
	}

	claimed, err := c.queue.claim(ctx, member)
	if err != nil {
		return err
	}
	if !claimed {
		return nil
	}

	jobID, err := uuid.Parse(member)
	if err != nil {
		c.log.Warn("dropping malformed deadline member", "member", member)
		return nil
	}
	if err := c.failer.FailForDeadline(ctx, jobID); err != nil {
		// Put it back so the next cycle retries enforcement.
		if reErr := c.queue.Enqueue(ctx, jobID, due); reErr != nil {
			return errors.Join(err, reErr)
		}
		return err
	}
	return nil
}

// DeadlineSource lists the jobs whose deadlines must survive restarts.
type DeadlineSource interface {
	ListNonTerminalWithDeadline(ctx context.Context) (map[uuid.UUID]time.Time, error)
}

// Recover rebuilds the schedule from the database on boot; enqueue is
// idempotent so double recovery is harmless.
func Recover(ctx context.Context, queue *Queue, source DeadlineSource, log *slog.Logger) error {
	if log == nil {
		log = slog.Default()
	}
	jobs, err := source.ListNonTerminalWithDeadline(ctx)
	if err != nil {
		return err
	}
	for jobID, due := range jobs {
		if err := queue.Enqueue(ctx, jobID, due); err != nil {
			return err
		}
	}
	log.Info("deadline queue recovered", "jobs", len(jobs))
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
