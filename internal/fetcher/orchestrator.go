package fetcher

import (
	"context"
	"time"

	"feedsync/internal/model"

	"github.com/rs/zerolog/log"
)

const (
	DefaultOutdatedThreshold = 10 * time.Minute
	DefaultFeedsPerUser      = 15
)

type UserLister interface {
	UserIDs(ctx context.Context) ([]int64, error)
}

type OutdatedFeedLister interface {
	OutdatedFeeds(ctx context.Context, userID int64, syncedBefore time.Time, limit int) ([]model.Feed, error)
}

// Enqueuer schedules per-feed work. The boolean is false when an identical
// job is already pending.
type Enqueuer interface {
	EnqueueFeedSync(ctx context.Context, userID, feedID int64) (bool, error)
	EnqueueMetadataRefresh(ctx context.Context, userID, feedID int64) (bool, error)
}

// Orchestrator finds feeds that have not been attempted recently and queues
// one sync job for each, a bounded number per user per pass.
type Orchestrator struct {
	users     UserLister
	feeds     OutdatedFeedLister
	queue     Enqueuer
	threshold time.Duration
	limit     int
	now       func() time.Time
}

func NewOrchestrator(users UserLister, feeds OutdatedFeedLister, queue Enqueuer, threshold time.Duration, limit int) *Orchestrator {
	if threshold <= 0 {
		threshold = DefaultOutdatedThreshold
	}

	if limit <= 0 {
		limit = DefaultFeedsPerUser
	}

	return &Orchestrator{
		users:     users,
		feeds:     feeds,
		queue:     queue,
		threshold: threshold,
		limit:     limit,
		now:       time.Now,
	}
}

type PassResult struct {
	Users         int
	FailedUsers   int
	Selected      int
	Enqueued      int
	AlreadyQueued int
}

// Run performs one pass. Only a failure to list users is returned; anything
// that goes wrong for one user or one feed is logged and skipped.
func (o *Orchestrator) Run(ctx context.Context) (PassResult, error) {
	var res PassResult

	userIDs, err := o.users.UserIDs(ctx)
	if err != nil {
		return res, model.NewError(model.KindStorageUnavailable, "list users", err)
	}

	cutoff := o.now().UTC().Add(-o.threshold)

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		res.Users++

		feeds, err := o.feeds.OutdatedFeeds(ctx, userID, cutoff, o.limit)
		if err != nil {
			res.FailedUsers++
			log.Error().Err(err).Int64("user_id", userID).Msg("failed to list outdated feeds")
			continue
		}

		res.Selected += len(feeds)

		for _, feed := range feeds {
			o.enqueue(ctx, feed, &res)
		}
	}

	log.Info().
		Int("users", res.Users).
		Int("failed_users", res.FailedUsers).
		Int("selected", res.Selected).
		Int("enqueued", res.Enqueued).
		Int("already_queued", res.AlreadyQueued).
		Msg("orchestrator pass done")

	return res, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, feed model.Feed, res *PassResult) {
	ok, err := o.queue.EnqueueFeedSync(ctx, feed.UserID, feed.ID)
	if err != nil {
		log.Error().Err(err).Int64("user_id", feed.UserID).Int64("feed_id", feed.ID).Msg("failed to enqueue feed sync")
		return
	}

	if ok {
		res.Enqueued++
	} else {
		res.AlreadyQueued++
	}

	if feed.Title != "" {
		return
	}

	if _, err := o.queue.EnqueueMetadataRefresh(ctx, feed.UserID, feed.ID); err != nil {
		log.Warn().Err(err).Int64("feed_id", feed.ID).Str("feed_url", feed.FeedURL).Msg("failed to enqueue metadata refresh")
	}
}
