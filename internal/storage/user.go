package storage

import (
	"context"
	"database/sql"
	"errors"

	"feedsync/internal/model"

	"github.com/jmoiron/sqlx"
)

type UserStorage struct {
	db *sqlx.DB
}

type dbSettings struct {
	UserID          int64         `db:"user_id"`
	AutoArchiveDays sql.NullInt64 `db:"auto_archive_days"`
}

func NewUserStorage(db *sqlx.DB) *UserStorage {
	return &UserStorage{
		db: db,
	}
}

func (s *UserStorage) UserIDs(ctx context.Context) ([]int64, error) {
	var ids []int64

	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM users ORDER BY id`); err != nil {
		return nil, err
	}

	return ids, nil
}

// Settings returns the user's settings, or empty settings when the user never
// saved any.
func (s *UserStorage) Settings(ctx context.Context, userID int64) (model.Settings, error) {
	var row dbSettings

	err := s.db.GetContext(ctx, &row, s.db.Rebind(
		`SELECT user_id, auto_archive_days FROM settings WHERE user_id = ?`),
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Settings{UserID: userID}, nil
	}

	if err != nil {
		return model.Settings{}, err
	}

	settings := model.Settings{UserID: row.UserID}

	if row.AutoArchiveDays.Valid {
		days := int(row.AutoArchiveDays.Int64)
		settings.AutoArchiveDays = &days
	}

	return settings, nil
}
