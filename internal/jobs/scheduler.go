package jobs

import (
	"context"
	"errors"
	"sync"
	"time"

	"feedsync/internal/queue"

	"github.com/rs/zerolog/log"
)

// Task is a periodic action run by the Scheduler.
type Task struct {
	Name     string
	Interval time.Duration
	Timeout  time.Duration
	Fn       func(ctx context.Context) error
}

// Scheduler runs its tasks right away and then on every interval until the
// context is cancelled. It implements suture.Service.
type Scheduler struct {
	tasks []Task
}

func NewScheduler() *Scheduler {
	return &Scheduler{}
}

func (s *Scheduler) Add(t Task) {
	s.tasks = append(s.tasks, t)
}

func (s *Scheduler) String() string {
	return "scheduler"
}

func (s *Scheduler) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	for _, t := range s.tasks {
		wg.Add(1)

		go func(t Task) {
			defer wg.Done()
			s.runTask(ctx, t)
		}(t)
	}

	wg.Wait()

	return ctx.Err()
}

func (s *Scheduler) runTask(ctx context.Context, t Task) {
	s.execute(ctx, t)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("task", t.Name).Msg("task stopping")
			return
		case <-ticker.C:
			s.execute(ctx, t)
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, t Task) {
	if ctx.Err() != nil {
		return
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}

	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := t.Fn(taskCtx); err != nil {
		log.Error().Err(err).Str("task", t.Name).Msg("task failed")
	}
}

// EnqueueEvery returns a task that puts payload on q every interval. The
// queue name doubles as dedup key, so at most one such job is ever pending.
func EnqueueEvery(q *queue.Queue, interval time.Duration, payload any) Task {
	return Task{
		Name:     "enqueue:" + q.Name(),
		Interval: interval,
		Timeout:  10 * time.Second,
		Fn: func(ctx context.Context) error {
			job, err := q.Enqueue(ctx, payload, q.Name())
			if errors.Is(err, queue.ErrDuplicate) {
				log.Debug().Str("queue", q.Name()).Msg("previous job still pending")
				return nil
			}

			if err != nil {
				return err
			}

			log.Debug().Str("queue", q.Name()).Str("job_id", job.ID).Msg("periodic job enqueued")

			return nil
		},
	}
}

// RecoverEvery returns a task that requeues jobs of q whose lease is older
// than olderThan, picking up work left behind by a crashed process.
func RecoverEvery(q *queue.Queue, interval, olderThan time.Duration) Task {
	return Task{
		Name:     "recover:" + q.Name(),
		Interval: interval,
		Timeout:  30 * time.Second,
		Fn: func(ctx context.Context) error {
			n, err := q.Recover(ctx, olderThan)
			if err != nil {
				return err
			}

			if n > 0 {
				log.Warn().Str("queue", q.Name()).Int("jobs", n).Msg("requeued jobs with an expired lease")
			}

			return nil
		},
	}
}
