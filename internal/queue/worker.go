package queue

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"feedsync/internal/metrics"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPollInterval = time.Second
	DefaultJobTimeout   = 5 * time.Minute
)

// Handler processes one job. A nil return acknowledges the job; any error,
// including a recovered panic, schedules a retry.
type Handler func(ctx context.Context, job *Job) error

// Worker runs Handler for jobs of one queue with a fixed number of
// goroutines. It implements suture.Service.
type Worker struct {
	queue        *Queue
	handler      Handler
	concurrency  int
	pollInterval time.Duration
	jobTimeout   time.Duration
}

func NewWorker(q *Queue, handler Handler, concurrency int, jobTimeout time.Duration) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}

	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	return &Worker{
		queue:        q,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: DefaultPollInterval,
		jobTimeout:   jobTimeout,
	}
}

func (w *Worker) String() string {
	return "worker:" + w.queue.name
}

// Serve consumes the queue until ctx is cancelled. Jobs already taken when
// that happens run to completion (bounded by the job timeout) before Serve
// returns.
func (w *Worker) Serve(ctx context.Context) error {
	log.Info().Str("queue", w.queue.name).Int("concurrency", w.concurrency).Msg("worker started")

	var wg sync.WaitGroup

	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}

	wg.Wait()

	log.Info().Str("queue", w.queue.name).Msg("worker stopped")

	return ctx.Err()
}

func (w *Worker) loop(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := w.queue.Dequeue(ctx)
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("queue", w.queue.name).Msg("dequeue failed")
		}

		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}

			continue
		}

		w.process(ctx, job)
	}
}

func (w *Worker) process(ctx context.Context, job *Job) {
	logger := log.With().
		Str("queue", job.Queue).
		Str("job_id", job.ID).
		Int("attempt", job.Attempts+1).
		Logger()

	// Shutdown must not abort a job that was already taken off the queue.
	jobCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.jobTimeout)
	defer cancel()

	jobCtx = logger.WithContext(jobCtx)

	started := time.Now()
	err := w.run(jobCtx, job)

	metrics.JobDuration.WithLabelValues(job.Queue).Observe(time.Since(started).Seconds())

	bookCtx, bookCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer bookCancel()

	if err == nil {
		if ackErr := w.queue.Ack(bookCtx, job); ackErr != nil {
			logger.Error().Err(ackErr).Msg("ack failed")
		}

		metrics.JobsProcessed.WithLabelValues(job.Queue, "success").Inc()
		logger.Debug().Dur("took", time.Since(started)).Msg("job done")

		return
	}

	dead, retryErr := w.queue.Retry(bookCtx, job, err)
	if retryErr != nil {
		logger.Error().Err(retryErr).Msg("failed to reschedule job")
	}

	if dead {
		metrics.JobsProcessed.WithLabelValues(job.Queue, "dead").Inc()
		logger.Error().Err(err).Msg("job failed permanently")

		return
	}

	metrics.JobsProcessed.WithLabelValues(job.Queue, "retry").Inc()
	logger.Warn().Err(err).Dur("retry_in", Backoff(job.Attempts)).Msg("job failed, will retry")
}

func (w *Worker) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			log.Ctx(ctx).Error().Str("stack", string(debug.Stack())).Msg("panic in job handler recovered")
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	return w.handler(ctx, job)
}
