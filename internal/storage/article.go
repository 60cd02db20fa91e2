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

type ArticleStorage struct {
	db *sqlx.DB
}

type dbArticle struct {
	ID           int64          `db:"id"`
	UserID       int64          `db:"user_id"`
	FeedID       sql.NullInt64  `db:"feed_id"`
	GUID         sql.NullString `db:"guid"`
	Title        string         `db:"title"`
	URL          string         `db:"url"`
	Description  string         `db:"description"`
	Content      string         `db:"content"`
	Author       string         `db:"author"`
	PublishedAt  time.Time      `db:"published_at"`
	IsRead       bool           `db:"is_read"`
	IsArchived   bool           `db:"is_archived"`
	CleanContent sql.NullString `db:"clean_content"`
	CreatedAt    time.Time      `db:"created_at"`
}

func NewArticleStorage(db *sqlx.DB) *ArticleStorage {
	return &ArticleStorage{
		db: db,
	}
}

func (s *ArticleStorage) ArticleExists(ctx context.Context, feedID int64, guid string) (bool, error) {
	var exists bool

	err := s.db.GetContext(ctx, &exists, s.db.Rebind(
		`SELECT EXISTS (SELECT 1 FROM articles WHERE feed_id = ? AND guid = ?)`),
		feedID, guid,
	)

	return exists, err
}

// InsertArticle stores a new article. inserted is false when the feed already
// has an article with the same guid; the existing row is left untouched.
func (s *ArticleStorage) InsertArticle(ctx context.Context, article model.Article) (id int64, inserted bool, err error) {
	var guid sql.NullString
	if article.GUID != "" {
		guid = sql.NullString{String: article.GUID, Valid: true}
	}

	err = s.db.QueryRowxContext(ctx, s.db.Rebind(
		`INSERT INTO articles (user_id, feed_id, guid, title, url, description, content, author,
				published_at, is_read, is_archived, clean_content)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT DO NOTHING
			RETURNING id`),
		article.UserID,
		article.FeedID,
		guid,
		article.Title,
		article.URL,
		article.Description,
		article.Content,
		article.Author,
		article.PublishedAt.UTC(),
		article.IsRead,
		article.IsArchived,
		article.CleanContent,
	).Scan(&id)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, err
	}

	return id, true, nil
}

func (s *ArticleStorage) AddArticleTag(ctx context.Context, articleID, tagID int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO article_tags (article_id, tag_id) VALUES (?, ?) ON CONFLICT DO NOTHING`),
		articleID, tagID,
	)

	return err
}

// ArchiveOlderThan archives the user's unarchived articles published before
// cutoff and returns how many it touched.
func (s *ArticleStorage) ArchiveOlderThan(ctx context.Context, userID int64, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE articles SET is_archived = TRUE
			WHERE user_id = ? AND is_archived = FALSE AND published_at < ?`),
		userID, cutoff.UTC(),
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

func (s *ArticleStorage) UnreadArticles(ctx context.Context, userID, feedID int64) ([]model.Article, error) {
	var articles []dbArticle

	if err := s.db.SelectContext(ctx, &articles, s.db.Rebind(
		`SELECT id, user_id, feed_id, guid, title, url, description, content, author,
				published_at, is_read, is_archived, clean_content, created_at
			FROM articles
			WHERE user_id = ? AND feed_id = ? AND is_read = FALSE
			ORDER BY published_at DESC`),
		userID, feedID,
	); err != nil {
		return nil, err
	}

	return lo.Map(articles, func(article dbArticle, _ int) model.Article {
		a := model.Article{
			ID:          article.ID,
			UserID:      article.UserID,
			GUID:        article.GUID.String,
			Title:       article.Title,
			URL:         article.URL,
			Description: article.Description,
			Content:     article.Content,
			Author:      article.Author,
			PublishedAt: article.PublishedAt,
			IsRead:      article.IsRead,
			IsArchived:  article.IsArchived,
			CreatedAt:   article.CreatedAt,
		}

		if article.FeedID.Valid {
			a.FeedID = lo.ToPtr(article.FeedID.Int64)
		}

		if article.CleanContent.Valid {
			a.CleanContent = lo.ToPtr(article.CleanContent.String)
		}

		return a
	}), nil
}

func (s *ArticleStorage) MarkRead(ctx context.Context, userID int64, articleIDs []int64) error {
	if len(articleIDs) == 0 {
		return nil
	}

	query, args, err := sqlx.In(`UPDATE articles SET is_read = TRUE WHERE user_id = ? AND id IN (?)`, userID, articleIDs)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.db.Rebind(query), args...)

	return err
}
