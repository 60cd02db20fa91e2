package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"feedsync/internal/model"

	"github.com/jmoiron/sqlx"
	"github.com/samber/lo"
)

type FeedStorage struct {
	db *sqlx.DB
}

type dbFeed struct {
	ID           int64        `db:"id"`
	UserID       int64        `db:"user_id"`
	Title        string       `db:"title"`
	Description  string       `db:"description"`
	SiteURL      string       `db:"site_url"`
	FeedURL      string       `db:"feed_url"`
	LastSyncAt   sql.NullTime `db:"last_sync_at"`
	SyncStatus   string       `db:"sync_status"`
	SyncError    string       `db:"sync_error"`
	SyncFailures int          `db:"sync_failures"`
	CreatedAt    time.Time    `db:"created_at"`
}

const feedColumns = `id, user_id, title, description, site_url, feed_url,
	last_sync_at, sync_status, sync_error, sync_failures, created_at`

func (f dbFeed) toModel() model.Feed {
	return model.Feed{
		ID:           f.ID,
		UserID:       f.UserID,
		Title:        f.Title,
		Description:  f.Description,
		SiteURL:      f.SiteURL,
		FeedURL:      f.FeedURL,
		LastSyncAt:   f.LastSyncAt.Time,
		SyncStatus:   model.SyncStatus(f.SyncStatus),
		SyncError:    f.SyncError,
		SyncFailures: f.SyncFailures,
		CreatedAt:    f.CreatedAt,
	}
}

type dbFilterRule struct {
	ID       int64  `db:"id"`
	FeedID   int64  `db:"feed_id"`
	Pattern  string `db:"pattern"`
	Operator string `db:"operator"`
	IsActive bool   `db:"is_active"`
}

func NewFeedStorage(db *sqlx.DB) *FeedStorage {
	return &FeedStorage{
		db: db,
	}
}

// FeedByID returns nil, nil when the feed does not exist or belongs to
// another user.
func (s *FeedStorage) FeedByID(ctx context.Context, userID, feedID int64) (*model.Feed, error) {
	var feed dbFeed

	err := s.db.GetContext(ctx, &feed, s.db.Rebind(
		`SELECT `+feedColumns+` FROM feeds WHERE id = ? AND user_id = ?`),
		feedID, userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, err
	}

	result := feed.toModel()

	return &result, nil
}

func (s *FeedStorage) UserFeeds(ctx context.Context, userID int64) ([]model.Feed, error) {
	var feeds []dbFeed

	if err := s.db.SelectContext(ctx, &feeds, s.db.Rebind(
		`SELECT `+feedColumns+` FROM feeds WHERE user_id = ? ORDER BY id`),
		userID,
	); err != nil {
		return nil, err
	}

	return lo.Map(feeds, func(feed dbFeed, _ int) model.Feed { return feed.toModel() }), nil
}

// OutdatedFeeds lists at most limit feeds of the user that were never
// attempted or last attempted before syncedBefore, oldest first.
func (s *FeedStorage) OutdatedFeeds(ctx context.Context, userID int64, syncedBefore time.Time, limit int) ([]model.Feed, error) {
	var feeds []dbFeed

	if err := s.db.SelectContext(ctx, &feeds, s.db.Rebind(
		`SELECT `+feedColumns+` FROM feeds
			WHERE user_id = ? AND (last_sync_at IS NULL OR last_sync_at < ?)
			ORDER BY last_sync_at ASC NULLS FIRST, id
			LIMIT ?`),
		userID, syncedBefore.UTC(), limit,
	); err != nil {
		return nil, err
	}

	return lo.Map(feeds, func(feed dbFeed, _ int) model.Feed { return feed.toModel() }), nil
}

func (s *FeedStorage) UpdateSyncState(ctx context.Context, feedID int64, state model.SyncState) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE feeds SET last_sync_at = ?, sync_status = ?, sync_error = ?, sync_failures = ? WHERE id = ?`),
		state.At.UTC(), string(state.Status), state.Error, state.Failures, feedID,
	)

	return err
}

// UpdateMetadata overwrites only the fields md actually carries.
func (s *FeedStorage) UpdateMetadata(ctx context.Context, feedID int64, md model.FeedMetadata) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE feeds SET
			title = COALESCE(NULLIF(?, ''), title),
			description = COALESCE(NULLIF(?, ''), description),
			site_url = COALESCE(NULLIF(?, ''), site_url)
		WHERE id = ?`),
		md.Title, md.Description, md.SiteURL, feedID,
	)

	return err
}

func (s *FeedStorage) ActiveRules(ctx context.Context, feedID int64) ([]model.FilterRule, error) {
	var rules []dbFilterRule

	if err := s.db.SelectContext(ctx, &rules, s.db.Rebind(
		`SELECT id, feed_id, pattern, operator, is_active FROM filter_rules
			WHERE feed_id = ? AND is_active = TRUE ORDER BY id`),
		feedID,
	); err != nil {
		return nil, err
	}

	return lo.Map(rules, func(rule dbFilterRule, _ int) model.FilterRule {
		return model.FilterRule{
			ID:       rule.ID,
			FeedID:   rule.FeedID,
			Pattern:  rule.Pattern,
			Operator: model.RuleOperator(rule.Operator),
			IsActive: rule.IsActive,
		}
	}), nil
}

func (s *FeedStorage) FeedTagIDs(ctx context.Context, feedID int64) ([]int64, error) {
	var ids []int64

	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(
		`SELECT tag_id FROM feed_tags WHERE feed_id = ? ORDER BY tag_id`),
		feedID,
	); err != nil {
		return nil, err
	}

	return ids, nil
}
