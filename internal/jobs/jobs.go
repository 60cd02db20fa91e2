// Package jobs binds the sync engine to the queue: payload shapes, one
// handler per named queue, the enqueuer the orchestrator talks to, and the
// periodic scheduler.
package jobs

import (
	"context"
	"errors"
	"strconv"

	"feedsync/internal/queue"
)

type FeedPayload struct {
	UserID int64 `json:"userId"`
	FeedID int64 `json:"feedId"`
}

// UserPayload targets one user; a zero UserID means every user.
type UserPayload struct {
	UserID int64 `json:"userId,omitempty"`
}

// FeedDedupKey keeps at most one pending job per feed and queue.
func FeedDedupKey(feedID int64) string {
	return "feed:" + strconv.FormatInt(feedID, 10)
}

// Enqueuer puts per-feed jobs on their queues. A duplicate is reported as
// (false, nil).
type Enqueuer struct {
	sync     *queue.Queue
	metadata *queue.Queue
}

func NewEnqueuer(sync, metadata *queue.Queue) *Enqueuer {
	return &Enqueuer{sync: sync, metadata: metadata}
}

func (e *Enqueuer) EnqueueFeedSync(ctx context.Context, userID, feedID int64) (bool, error) {
	return enqueueFeed(ctx, e.sync, userID, feedID)
}

func (e *Enqueuer) EnqueueMetadataRefresh(ctx context.Context, userID, feedID int64) (bool, error) {
	return enqueueFeed(ctx, e.metadata, userID, feedID)
}

func enqueueFeed(ctx context.Context, q *queue.Queue, userID, feedID int64) (bool, error) {
	_, err := q.Enqueue(ctx, FeedPayload{UserID: userID, FeedID: feedID}, FeedDedupKey(feedID))
	if errors.Is(err, queue.ErrDuplicate) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return true, nil
}
