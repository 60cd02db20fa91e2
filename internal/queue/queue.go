// Package queue is a small durable job queue on top of Redis lists.
//
// Every named queue owns five keys: a ready list, a processing list holding
// jobs a worker has taken but not finished, a sorted set of lease times for
// the processing list, a sorted set of jobs waiting for a retry, and a dead
// list for jobs that ran out of attempts. Delivery is at least once: a job
// stays in the processing list until it is acknowledged, and Recover moves
// jobs whose lease has expired back to ready after a crash.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"feedsync/internal/metrics"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	Orchestrate  = "orchestrate"
	FeedSync     = "feed-sync"
	FeedMetadata = "feed-metadata"
	ArchiveSweep = "archive-sweep"
)

const (
	DefaultMaxAttempts = 5
	DefaultDedupTTL    = time.Hour

	baseBackoff = 5 * time.Second
	maxBackoff  = 10 * time.Minute
	keyPrefix   = "feedsync:queue:"
)

// dequeueScript takes the next ready job and records when it was taken in
// one step, so Recover never sees a processing entry without a lease.
var dequeueScript = redis.NewScript(`
local raw = redis.call('LMOVE', KEYS[1], KEYS[2], 'LEFT', 'RIGHT')
if raw then
	redis.call('ZADD', KEYS[3], ARGV[1], raw)
end
return raw
`)

// ErrDuplicate is returned by Enqueue when a job with the same dedup key is
// still queued, waiting for a retry or running.
var ErrDuplicate = errors.New("queue: duplicate job")

type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	DedupKey    string          `json:"dedupKey,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`

	raw string
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Queue, err))
	}

	return nil
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry sends such jobs straight
// to the dead list.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

type Queue struct {
	client      redis.Cmdable
	name        string
	maxAttempts int
	dedupTTL    time.Duration
	now         func() time.Time
}

func New(client redis.Cmdable, name string, maxAttempts int, dedupTTL time.Duration) *Queue {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	if dedupTTL <= 0 {
		dedupTTL = DefaultDedupTTL
	}

	return &Queue{
		client:      client,
		name:        name,
		maxAttempts: maxAttempts,
		dedupTTL:    dedupTTL,
		now:         time.Now,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) readyKey() string      { return keyPrefix + q.name + ":ready" }
func (q *Queue) processingKey() string { return keyPrefix + q.name + ":processing" }
func (q *Queue) leasesKey() string     { return keyPrefix + q.name + ":leases" }
func (q *Queue) delayedKey() string    { return keyPrefix + q.name + ":delayed" }
func (q *Queue) deadKey() string       { return keyPrefix + q.name + ":dead" }

func (q *Queue) dedupKey(key string) string {
	return keyPrefix + q.name + ":dedup:" + key
}

// Enqueue appends a job carrying payload. With a non-empty dedupKey the job
// is refused with ErrDuplicate while another job holding the same key is
// alive; the key is released when that job is acknowledged or dead, or when
// its TTL runs out.
func (q *Queue) Enqueue(ctx context.Context, payload any, dedupKey string) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", q.name, err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Queue:       q.name,
		Payload:     body,
		MaxAttempts: q.maxAttempts,
		DedupKey:    dedupKey,
		EnqueuedAt:  q.now().UTC(),
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("marshal %s job: %w", q.name, err)
	}

	if dedupKey != "" {
		ok, err := q.client.SetNX(ctx, q.dedupKey(dedupKey), job.ID, q.dedupTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("claim dedup key %q: %w", dedupKey, err)
		}

		if !ok {
			metrics.JobsEnqueued.WithLabelValues(q.name, "duplicate").Inc()
			return nil, ErrDuplicate
		}
	}

	if err := q.client.RPush(ctx, q.readyKey(), data).Err(); err != nil {
		if dedupKey != "" {
			q.client.Del(context.WithoutCancel(ctx), q.dedupKey(dedupKey))
		}

		return nil, fmt.Errorf("push %s job: %w", q.name, err)
	}

	job.raw = string(data)
	metrics.JobsEnqueued.WithLabelValues(q.name, "enqueued").Inc()

	return job, nil
}

// Dequeue moves the next ready job to the processing list and returns it.
// It returns nil, nil when nothing is ready.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	if err := q.promote(ctx); err != nil {
		return nil, err
	}

	raw, err := dequeueScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.processingKey(), q.leasesKey()},
		q.now().UnixMilli(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("take %s job: %w", q.name, err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// Nothing can ever process it; park it where an operator can see it.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		q.client.ZRem(ctx, q.leasesKey(), raw)
		q.client.RPush(ctx, q.deadKey(), raw)

		return nil, fmt.Errorf("decode %s job: %w", q.name, err)
	}

	job.raw = raw

	return &job, nil
}

// promote moves delayed jobs whose retry time has come to the ready list.
func (q *Queue) promote(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(q.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("list delayed %s jobs: %w", q.name, err)
	}

	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), raw).Result()
		if err != nil {
			return fmt.Errorf("promote %s job: %w", q.name, err)
		}

		// Another worker promoted it first.
		if removed == 0 {
			continue
		}

		if err := q.client.RPush(ctx, q.readyKey(), raw).Err(); err != nil {
			return fmt.Errorf("promote %s job: %w", q.name, err)
		}
	}

	return nil
}

// Ack marks job as done.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if err := q.untake(ctx, job); err != nil {
		return fmt.Errorf("ack %s job %s: %w", q.name, job.ID, err)
	}

	return q.release(ctx, job)
}

// Retry records a failed attempt. The job is scheduled again after an
// exponential backoff, or moved to the dead list once it has used all its
// attempts or the error is permanent. It reports whether the job is dead.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) (bool, error) {
	if err := q.untake(ctx, job); err != nil {
		return false, fmt.Errorf("retry %s job %s: %w", q.name, job.ID, err)
	}

	job.Attempts++
	if cause != nil {
		job.LastError = cause.Error()
	}

	data, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal %s job: %w", q.name, err)
	}

	job.raw = string(data)

	if job.Attempts >= job.MaxAttempts || IsPermanent(cause) {
		if err := q.client.RPush(ctx, q.deadKey(), data).Err(); err != nil {
			return true, fmt.Errorf("bury %s job %s: %w", q.name, job.ID, err)
		}

		return true, q.release(ctx, job)
	}

	runAt := q.now().Add(Backoff(job.Attempts))

	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(runAt.UnixMilli()),
		Member: job.raw,
	}).Err(); err != nil {
		return false, fmt.Errorf("delay %s job %s: %w", q.name, job.ID, err)
	}

	return false, nil
}

// untake drops job from the processing list together with its lease.
func (q *Queue) untake(ctx context.Context, job *Job) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processingKey(), 1, job.raw)
	pipe.ZRem(ctx, q.leasesKey(), job.raw)

	_, err := pipe.Exec(ctx)

	return err
}

func (q *Queue) release(ctx context.Context, job *Job) error {
	if job.DedupKey == "" {
		return nil
	}

	if err := q.client.Del(ctx, q.dedupKey(job.DedupKey)).Err(); err != nil {
		return fmt.Errorf("release dedup key %q: %w", job.DedupKey, err)
	}

	return nil
}

// Recover puts jobs taken more than olderThan ago back in front of the ready
// list, keeping their order. Workers bound every job by their job timeout,
// so with olderThan above it only jobs of a crashed process are moved and
// Recover is safe to call while other processes consume the queue.
func (q *Queue) Recover(ctx context.Context, olderThan time.Duration) (int, error) {
	taken, err := q.client.LRange(ctx, q.processingKey(), 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list %s processing jobs: %w", q.name, err)
	}

	cutoff := q.now().Add(-olderThan).UnixMilli()

	var n int

	for i := len(taken) - 1; i >= 0; i-- {
		raw := taken[i]

		leasedAt, err := q.client.ZScore(ctx, q.leasesKey(), raw).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return n, fmt.Errorf("read %s lease: %w", q.name, err)
		}

		if err == nil && int64(leasedAt) > cutoff {
			continue
		}

		removed, err := q.client.LRem(ctx, q.processingKey(), 1, raw).Result()
		if err != nil {
			return n, fmt.Errorf("recover %s job: %w", q.name, err)
		}

		// Acknowledged or recovered by someone else meanwhile.
		if removed == 0 {
			continue
		}

		pipe := q.client.TxPipeline()
		pipe.ZRem(ctx, q.leasesKey(), raw)
		pipe.LPush(ctx, q.readyKey(), raw)

		if _, err := pipe.Exec(ctx); err != nil {
			return n, fmt.Errorf("recover %s job: %w", q.name, err)
		}

		n++
	}

	return n, nil
}

type Stats struct {
	Ready      int64
	Processing int64
	Delayed    int64
	Dead       int64
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	var s Stats

	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.readyKey())
	processing := pipe.LLen(ctx, q.processingKey())
	delayed := pipe.ZCard(ctx, q.delayedKey())
	dead := pipe.LLen(ctx, q.deadKey())

	if _, err := pipe.Exec(ctx); err != nil {
		return s, fmt.Errorf("%s stats: %w", q.name, err)
	}

	s.Ready = ready.Val()
	s.Processing = processing.Val()
	s.Delayed = delayed.Val()
	s.Dead = dead.Val()

	return s, nil
}

// Backoff is the delay before the given attempt is retried.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	d := baseBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}

	return d
}
