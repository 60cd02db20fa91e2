// Package storage persists feeds, articles and per-user data with sqlx.
// Queries are written with ? placeholders and rebound for the driver, so the
// same code runs on PostgreSQL in production and SQLite in tests.
package storage

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// Store bundles every repository over one connection pool.
type Store struct {
	*FeedStorage
	*ArticleStorage
	*UserStorage
}

func New(db *sqlx.DB) *Store {
	return &Store{
		FeedStorage:    NewFeedStorage(db),
		ArticleStorage: NewArticleStorage(db),
		UserStorage:    NewUserStorage(db),
	}
}

func Open(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", driver, err)
	}

	return db, nil
}
