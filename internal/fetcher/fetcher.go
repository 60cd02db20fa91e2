package fetcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"feedsync/internal/extract"
	"feedsync/internal/metrics"
	"feedsync/internal/model"
	"feedsync/internal/rules"
	"feedsync/internal/source"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

var errUnknownFormat = errors.New("document is neither RSS nor Atom")

type FeedStore interface {
	FeedByID(ctx context.Context, userID, feedID int64) (*model.Feed, error)
	UserFeeds(ctx context.Context, userID int64) ([]model.Feed, error)
	UpdateSyncState(ctx context.Context, feedID int64, state model.SyncState) error
}

type ArticleStore interface {
	ArticleExists(ctx context.Context, feedID int64, guid string) (bool, error)
	InsertArticle(ctx context.Context, article model.Article) (int64, bool, error)
}

type RuleStore interface {
	ActiveRules(ctx context.Context, feedID int64) ([]model.FilterRule, error)
}

type TagStore interface {
	FeedTagIDs(ctx context.Context, feedID int64) ([]int64, error)
	AddArticleTag(ctx context.Context, articleID, tagID int64) error
}

type Parser interface {
	Fetch(ctx context.Context, feedURL string) (*source.Document, error)
}

type ContentResolver interface {
	FetchAll(ctx context.Context, urls []string) map[string]*string
}

// StatusListener is told about every change of a feed's sync status.
type StatusListener interface {
	FeedStatusChanged(ctx context.Context, feed model.Feed, state model.SyncState)
}

type Deps struct {
	Feeds    FeedStore
	Articles ArticleStore
	Rules    RuleStore
	Tags     TagStore
	Parser   Parser
	Content  ContentResolver
	Listener StatusListener
}

type Fetcher struct {
	feeds    FeedStore
	articles ArticleStore
	rules    RuleStore
	tags     TagStore
	parser   Parser
	content  ContentResolver
	listener StatusListener

	brokenAfter int
	now         func() time.Time
}

func New(deps Deps, brokenAfter int) *Fetcher {
	listener := deps.Listener
	if listener == nil {
		listener = nopListener{}
	}

	return &Fetcher{
		feeds:       deps.Feeds,
		articles:    deps.Articles,
		rules:       deps.Rules,
		tags:        deps.Tags,
		parser:      deps.Parser,
		content:     deps.Content,
		listener:    listener,
		brokenAfter: brokenAfter,
		now:         time.Now,
	}
}

type Result struct {
	FeedID     int64
	Found      bool
	Fetched    int
	Inserted   int
	Skipped    int
	Failed     int
	Archived   int
	MarkedRead int
	Status     model.SyncStatus
	SyncErr    error
}

// SyncFeed brings one feed up to date. Upstream problems (fetch, parse,
// single items) are recorded on the feed and logged, never returned; the
// returned error is always model.KindStorageUnavailable and means the caller
// should retry. The feed's last sync time is written on every path that
// found the feed.
func (f *Fetcher) SyncFeed(ctx context.Context, sc SyncContext, feedID int64) (Result, error) {
	result := Result{FeedID: feedID}

	feed, err := f.feeds.FeedByID(ctx, sc.UserID, feedID)
	if err != nil {
		return result, model.NewError(model.KindStorageUnavailable, "load feed", err)
	}

	if feed == nil {
		log.Debug().Int64("user_id", sc.UserID).Int64("feed_id", feedID).Msg("feed no longer exists, skipping sync")
		return result, nil
	}

	result.Found = true

	logger := log.With().
		Int64("user_id", feed.UserID).
		Int64("feed_id", feed.ID).
		Str("feed_url", feed.FeedURL).
		Logger()

	syncErr := f.ingest(ctx, sc, feed, &result, logger)
	result.SyncErr = syncErr

	state := f.nextState(*feed, syncErr)
	result.Status = state.Status

	// The attempt must be recorded even when the job's context is already done.
	updateCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := f.feeds.UpdateSyncState(updateCtx, feed.ID, state); err != nil {
		logger.Error().Err(err).Msg("failed to record sync attempt")
		return result, model.NewError(model.KindStorageUnavailable, "update sync state", err)
	}

	metrics.FeedSyncs.WithLabelValues(string(state.Status)).Inc()

	if state.Status != feed.SyncStatus {
		f.listener.FeedStatusChanged(updateCtx, *feed, state)
	}

	if model.IsKind(syncErr, model.KindStorageUnavailable) {
		return result, syncErr
	}

	logger.Info().
		Int("fetched", result.Fetched).
		Int("inserted", result.Inserted).
		Int("skipped", result.Skipped).
		Int("failed", result.Failed).
		Str("status", string(state.Status)).
		Msg("feed synced")

	return result, nil
}

// SyncUser syncs every feed of sc.UserID with the same SyncContext.
func (f *Fetcher) SyncUser(ctx context.Context, sc SyncContext) ([]Result, error) {
	feeds, err := f.feeds.UserFeeds(ctx, sc.UserID)
	if err != nil {
		return nil, model.NewError(model.KindStorageUnavailable, "list user feeds", err)
	}

	results := make([]Result, 0, len(feeds))

	var errs []error

	for _, feed := range feeds {
		res, err := f.SyncFeed(ctx, sc, feed.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("feed %d: %w", feed.ID, err))
		}

		results = append(results, res)
	}

	return results, errors.Join(errs...)
}

func (f *Fetcher) ingest(ctx context.Context, sc SyncContext, feed *model.Feed, result *Result, logger zerolog.Logger) error {
	doc, err := f.parser.Fetch(ctx, feed.FeedURL)
	if err != nil {
		logger.Warn().Err(err).Msg("feed fetch failed")
		return err
	}

	items := source.Normalize(doc, f.now().UTC())
	result.Fetched = len(items)

	if doc.Format == source.FormatUnknown {
		logger.Warn().Msg("unrecognised feed format")
		return model.NewError(model.KindParseFailed, "detect format", errUnknownFormat)
	}

	activeRules, err := f.rules.ActiveRules(ctx, feed.ID)
	if err != nil {
		return model.NewError(model.KindStorageUnavailable, "load filter rules", err)
	}

	tagIDs, err := f.tags.FeedTagIDs(ctx, feed.ID)
	if err != nil {
		return model.NewError(model.KindStorageUnavailable, "load feed tags", err)
	}

	fresh := f.newItems(ctx, feed.ID, items, result, logger)

	urls := lo.FilterMap(fresh, func(item model.Item, _ int) (string, bool) {
		return item.URL, extract.Extractable(item.URL)
	})

	var contents map[string]*string
	if len(urls) > 0 {
		contents = f.content.FetchAll(ctx, urls)
	}

	for _, item := range fresh {
		article := model.Article{
			UserID:       feed.UserID,
			FeedID:       lo.ToPtr(feed.ID),
			GUID:         item.GUID,
			Title:        item.Title,
			URL:          item.URL,
			Description:  item.Description,
			Content:      item.Content,
			Author:       item.Author,
			PublishedAt:  item.PublishedAt.UTC(),
			IsRead:       rules.ShouldMarkRead(activeRules, item.Title),
			IsArchived:   item.PublishedAt.Before(sc.Cutoff),
			CleanContent: contents[item.URL],
		}

		id, inserted, err := f.articles.InsertArticle(ctx, article)
		if err != nil {
			logger.Error().Err(err).Str("guid", item.GUID).Msg("failed to insert article")
			result.Failed++
			continue
		}

		if !inserted {
			result.Skipped++
			continue
		}

		result.Inserted++
		metrics.ArticlesInserted.Inc()

		if article.IsArchived {
			result.Archived++
		}

		if article.IsRead {
			result.MarkedRead++
		}

		for _, tagID := range tagIDs {
			if err := f.tags.AddArticleTag(ctx, id, tagID); err != nil {
				logger.Error().Err(err).Int64("article_id", id).Int64("tag_id", tagID).Msg("failed to tag article")
			}
		}
	}

	return nil
}

// newItems keeps, in document order, the items that have a guid not yet stored
// for the feed. Repeated guids within one document keep their first occurrence.
func (f *Fetcher) newItems(ctx context.Context, feedID int64, items []model.Item, result *Result, logger zerolog.Logger) []model.Item {
	seen := make(map[string]struct{}, len(items))
	fresh := make([]model.Item, 0, len(items))

	for _, item := range items {
		if item.GUID == "" {
			result.Skipped++
			continue
		}

		if _, ok := seen[item.GUID]; ok {
			result.Skipped++
			continue
		}

		seen[item.GUID] = struct{}{}

		exists, err := f.articles.ArticleExists(ctx, feedID, item.GUID)
		if err != nil {
			logger.Error().Err(err).Str("guid", item.GUID).Msg("failed to check article existence")
			result.Failed++
			continue
		}

		if exists {
			result.Skipped++
			continue
		}

		fresh = append(fresh, item)
	}

	return fresh
}

func (f *Fetcher) nextState(feed model.Feed, syncErr error) model.SyncState {
	at := f.now().UTC()

	// An outage on our side says nothing about the upstream feed.
	if model.IsKind(syncErr, model.KindStorageUnavailable) {
		return model.SyncState{
			At:       at,
			Status:   feed.SyncStatus,
			Error:    syncErr.Error(),
			Failures: feed.SyncFailures,
		}
	}

	return model.NextSyncState(feed, at, syncErr, f.brokenAfter)
}

type nopListener struct{}

func (nopListener) FeedStatusChanged(context.Context, model.Feed, model.SyncState) {}
