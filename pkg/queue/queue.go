// Package queue implements C5: a durable, Redis-backed job queue with
// delayed scheduling, priority ordering, per-queue concurrency, and a
// BullMQ-style waiting/active/completed/failed/delayed lifecycle.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wp-autoheal/orchestrator/pkg/metrics"
)

// ErrPaused is returned by Dequeue when the queue is paused and no job was
// taken.
var ErrPaused = errors.New("queue: paused")

// ErrEmpty is returned by Dequeue when no job is currently ready.
var ErrEmpty = errors.New("queue: empty")

// Options configures a Queue's default job-scheduling policy (§4.5).
type Options struct {
	Concurrency      int
	DefaultMaxRetries int
	DefaultBackoffMS int
	RetainCompleted  int64
	RetainFailed     int64
}

// DefaultOptions matches the dispatcher's baseline job-options (§4.5).
func DefaultOptions() Options {
	return Options{
		Concurrency:       1,
		DefaultMaxRetries: 3,
		DefaultBackoffMS:  2000,
		RetainCompleted:   100,
		RetainFailed:      50,
	}
}

type record struct {
	Job         Job       `json:"job"`
	CompletedAt time.Time `json:"completedAt,omitempty"`
	FailedAt    time.Time `json:"failedAt,omitempty"`
	LastError   string    `json:"lastError,omitempty"`
}

// Queue is a single named job queue backed by Redis.
type Queue struct {
	name    string
	rdb     *redis.Client
	options Options
	now     func() time.Time
}

// New builds a Queue named name over rdb with opts as its default
// job-scheduling policy.
func New(rdb *redis.Client, name string, opts Options) *Queue {
	return &Queue{name: name, rdb: rdb, options: opts, now: time.Now}
}

// NewWithClock is New with an injectable clock, used by tests to control
// delay/backoff promotion without sleeping in real time.
func NewWithClock(rdb *redis.Client, name string, opts Options, now func() time.Time) *Queue {
	return &Queue{name: name, rdb: rdb, options: opts, now: now}
}

func (q *Queue) key(part string) string {
	return fmt.Sprintf("q:%s:%s", q.name, part)
}

func (q *Queue) jobKey(id string) string {
	return q.key("job:" + id)
}

// Name returns the queue's name.
func (q *Queue) Name() string { return q.name }

// Enqueue schedules payload for processing under jobID, which the caller
// supplies (callers that need idempotent jobIds pass a stable one).
// opts.JobID is not consulted.
func (q *Queue) Enqueue(ctx context.Context, jobID, jobType string, payload interface{}, opts EnqueueOptions) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = q.options.DefaultMaxRetries
	}
	backoffMS := opts.BackoffMS
	if backoffMS == 0 {
		backoffMS = q.options.DefaultBackoffMS
	}

	now := q.now()
	job := Job{
		ID:         jobID,
		Queue:      q.name,
		Type:       jobType,
		Payload:    raw,
		Priority:   opts.Priority,
		MaxRetries: maxRetries,
		BackoffMS:  backoffMS,
		EnqueuedAt: now,
		RunAt:      now.Add(opts.Delay),
	}

	return q.store(ctx, job, opts.Delay)
}

func (q *Queue) store(ctx context.Context, job Job, delay time.Duration) error {
	rec := record{Job: job}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: marshal record: %w", err)
	}

	var seq int64
	if delay <= 0 {
		seq, err = q.rdb.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return fmt.Errorf("queue: enqueue failed: %w", err)
		}
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), raw, 0)
	if delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(job.RunAt.UnixMilli()), Member: job.ID})
	} else {
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: priorityScore(job.Priority, seq), Member: job.ID})
	}
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue failed: %w", err)
	}
	return nil
}

// priorityScore combines priority (lower = higher priority) with a
// monotonic sequence so jobs of equal priority stay FIFO.
func priorityScore(priority int, seq int64) float64 {
	return float64(priority)*1e13 + float64(seq)
}

// PromoteDue moves delayed jobs whose RunAt has passed into the waiting set.
// Call this before Dequeue (the Dispatcher does this automatically).
func (q *Queue) PromoteDue(ctx context.Context) error {
	now := float64(q.now().UnixMilli())
	ids, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return fmt.Errorf("queue: promote due: %w", err)
	}
	for _, id := range ids {
		rec, err := q.loadRecord(ctx, id)
		if err != nil {
			continue
		}
		seq, _ := q.rdb.Incr(ctx, q.key("seq")).Result()
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{Score: priorityScore(rec.Job.Priority, seq), Member: id})
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("queue: promote due: %w", err)
		}
	}
	return nil
}

// IsPaused reports whether the queue is currently paused.
func (q *Queue) IsPaused(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.key("paused")).Result()
	if err != nil {
		return false, fmt.Errorf("queue: check paused: %w", err)
	}
	return n == 1, nil
}

// Pause stops Dequeue from returning new jobs. In-flight jobs are
// unaffected.
func (q *Queue) Pause(ctx context.Context) error {
	return q.rdb.Set(ctx, q.key("paused"), "1", 0).Err()
}

// Resume clears a Pause.
func (q *Queue) Resume(ctx context.Context) error {
	return q.rdb.Del(ctx, q.key("paused")).Err()
}

// Dequeue promotes any due delayed jobs, then claims the highest-priority
// ready job, moving it to the active set and incrementing its attempt
// count. Returns ErrPaused or ErrEmpty when nothing was claimed.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := q.IsPaused(ctx)
	if err != nil {
		return nil, err
	}
	if paused {
		return nil, ErrPaused
	}

	if err := q.PromoteDue(ctx); err != nil {
		return nil, err
	}

	result, err := q.rdb.ZPopMin(ctx, q.key("waiting"), 1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: %w", err)
	}
	if len(result) == 0 {
		return nil, ErrEmpty
	}
	id, _ := result[0].Member.(string)

	rec, err := q.loadRecord(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue: load job %s: %w", id, err)
	}
	rec.Job.Attempts++

	if err := q.saveRecord(ctx, rec); err != nil {
		return nil, err
	}
	if err := q.rdb.SAdd(ctx, q.key("active"), id).Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue: mark active: %w", err)
	}
	job := rec.Job
	return &job, nil
}

// Ack marks jobID completed: it leaves the active set and its ID is
// retained (bounded) in the completed list.
func (q *Queue) Ack(ctx context.Context, jobID string) error {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	rec.CompletedAt = q.now()
	if err := q.saveRecord(ctx, rec); err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.SRem(ctx, q.key("active"), jobID)
	pipe.LPush(ctx, q.key("completed"), jobID)
	pipe.LTrim(ctx, q.key("completed"), 0, q.options.RetainCompleted-1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}
	return nil
}

// Fail reports jobID's processing attempt failed with cause. If the job has
// attempts remaining it is rescheduled with exponential backoff; otherwise
// it moves to the bounded failed list.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	rec, err := q.loadRecord(ctx, jobID)
	if err != nil {
		return err
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}

	if err := q.rdb.SRem(ctx, q.key("active"), jobID).Err(); err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}

	if rec.Job.Attempts < rec.Job.MaxRetries {
		backoff := NextBackoff(rec.Job.BackoffMS, rec.Job.Attempts)
		rec.Job.RunAt = q.now().Add(backoff)
		if err := q.saveRecord(ctx, rec); err != nil {
			return err
		}
		if err := q.rdb.ZAdd(ctx, q.key("delayed"), redis.Z{Score: float64(rec.Job.RunAt.UnixMilli()), Member: jobID}).Err(); err != nil {
			return fmt.Errorf("queue: fail: reschedule: %w", err)
		}
		return nil
	}

	rec.FailedAt = q.now()
	if err := q.saveRecord(ctx, rec); err != nil {
		return err
	}
	pipe := q.rdb.TxPipeline()
	pipe.LPush(ctx, q.key("failed"), jobID)
	pipe.LTrim(ctx, q.key("failed"), 0, q.options.RetainFailed-1)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: fail: %w", err)
	}
	return nil
}

// Stats reports the queue's current waiting/active/completed/failed/delayed
// counts.
type Stats struct {
	Waiting   int64
	Active    int64
	Completed int64
	Failed    int64
	Delayed   int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	waiting := pipe.ZCard(ctx, q.key("waiting"))
	active := pipe.SCard(ctx, q.key("active"))
	completed := pipe.LLen(ctx, q.key("completed"))
	failed := pipe.LLen(ctx, q.key("failed"))
	delayed := pipe.ZCard(ctx, q.key("delayed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue: stats: %w", err)
	}
	stats := Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}
	metrics.QueueDepth.WithLabelValues(q.name, "waiting").Set(float64(stats.Waiting))
	metrics.QueueDepth.WithLabelValues(q.name, "active").Set(float64(stats.Active))
	metrics.QueueDepth.WithLabelValues(q.name, "completed").Set(float64(stats.Completed))
	metrics.QueueDepth.WithLabelValues(q.name, "failed").Set(float64(stats.Failed))
	metrics.QueueDepth.WithLabelValues(q.name, "delayed").Set(float64(stats.Delayed))
	return stats, nil
}

// Clean removes completed or failed job IDs (and their records) older than
// gracePeriod from status ("completed" or "failed").
func (q *Queue) Clean(ctx context.Context, status string, gracePeriod time.Duration) (int, error) {
	if status != "completed" && status != "failed" {
		return 0, fmt.Errorf("queue: clean: unknown status %q", status)
	}
	listKey := q.key(status)
	ids, err := q.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: clean: %w", err)
	}

	cutoff := q.now().Add(-gracePeriod)
	removed := 0
	for _, id := range ids {
		rec, err := q.loadRecord(ctx, id)
		if err != nil {
			continue
		}
		at := rec.CompletedAt
		if status == "failed" {
			at = rec.FailedAt
		}
		if at.Before(cutoff) {
			pipe := q.rdb.TxPipeline()
			pipe.LRem(ctx, listKey, 0, id)
			pipe.Del(ctx, q.jobKey(id))
			if _, err := pipe.Exec(ctx); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

func (q *Queue) loadRecord(ctx context.Context, id string) (record, error) {
	raw, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if err != nil {
		return record{}, fmt.Errorf("queue: load job %s: %w", id, err)
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return record{}, fmt.Errorf("queue: decode job %s: %w", id, err)
	}
	return rec, nil
}

func (q *Queue) saveRecord(ctx context.Context, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("queue: encode job %s: %w", rec.Job.ID, err)
	}
	if err := q.rdb.Set(ctx, q.jobKey(rec.Job.ID), raw, 0).Err(); err != nil {
		return fmt.Errorf("queue: save job %s: %w", rec.Job.ID, err)
	}
	return nil
}
