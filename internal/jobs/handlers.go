package jobs

import (
	"context"

	"feedsync/internal/archive"
	"feedsync/internal/fetcher"
	"feedsync/internal/queue"

	"github.com/rs/zerolog/log"
)

type Orchestrator interface {
	Run(ctx context.Context) (fetcher.PassResult, error)
}

type ContextProvider interface {
	ForUser(ctx context.Context, userID int64) (fetcher.SyncContext, error)
}

type FeedSyncer interface {
	SyncFeed(ctx context.Context, sc fetcher.SyncContext, feedID int64) (fetcher.Result, error)
}

type MetadataRefresher interface {
	Refresh(ctx context.Context, userID, feedID int64) error
}

type Sweeper interface {
	SweepUser(ctx context.Context, userID int64) (archive.SweepResult, error)
	SweepAll(ctx context.Context) ([]archive.SweepResult, error)
}

func OrchestrateHandler(o Orchestrator) queue.Handler {
	return func(ctx context.Context, _ *queue.Job) error {
		_, err := o.Run(ctx)
		return err
	}
}

// FeedSyncHandler syncs the feed named in the payload. Only storage outages
// come back as errors, so only those are retried.
func FeedSyncHandler(contexts ContextProvider, syncer FeedSyncer) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p FeedPayload
		if err := job.Decode(&p); err != nil {
			return err
		}

		sc, err := contexts.ForUser(ctx, p.UserID)
		if err != nil {
			return err
		}

		_, err = syncer.SyncFeed(ctx, sc, p.FeedID)

		return err
	}
}

func MetadataHandler(r MetadataRefresher) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p FeedPayload
		if err := job.Decode(&p); err != nil {
			return err
		}

		return r.Refresh(ctx, p.UserID, p.FeedID)
	}
}

func ArchiveSweepHandler(s Sweeper) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var p UserPayload
		if err := job.Decode(&p); err != nil {
			return err
		}

		if p.UserID != 0 {
			_, err := s.SweepUser(ctx, p.UserID)
			return err
		}

		results, err := s.SweepAll(ctx)
		if err != nil {
			return err
		}

		var total int64
		for _, r := range results {
			total += r.Archived
		}

		log.Ctx(ctx).Info().Int("users", len(results)).Int64("archived", total).Msg("archive sweep pass done")

		return nil
	}
}
