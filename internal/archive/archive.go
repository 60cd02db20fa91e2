// Package archive computes retention cutoffs and archives old articles.
package archive

import (
	"context"
	"fmt"
	"time"

	"feedsync/internal/metrics"
	"feedsync/internal/model"

	"github.com/rs/zerolog/log"
)

const DefaultDays = 30

// Calculator turns a user's retention setting into a cutoff date.
type Calculator struct {
	defaultDays int
	now         func() time.Time
}

func NewCalculator(defaultDays int) Calculator {
	if defaultDays <= 0 {
		defaultDays = DefaultDays
	}

	return Calculator{
		defaultDays: defaultDays,
		now:         time.Now,
	}
}

// WithClock returns a copy of c that reads the current time from now.
func (c Calculator) WithClock(now func() time.Time) Calculator {
	c.now = now
	return c
}

// EffectiveDays is the user's AutoArchiveDays when set to a positive value,
// the system default otherwise.
func (c Calculator) EffectiveDays(settings model.Settings) int {
	if settings.AutoArchiveDays != nil && *settings.AutoArchiveDays > 0 {
		return *settings.AutoArchiveDays
	}

	return c.defaultDays
}

// Cutoff is the instant before which items are considered archived.
func (c Calculator) Cutoff(settings model.Settings) time.Time {
	return c.now().UTC().AddDate(0, 0, -c.EffectiveDays(settings))
}

type Store interface {
	UserIDs(ctx context.Context) ([]int64, error)
	Settings(ctx context.Context, userID int64) (model.Settings, error)
	ArchiveOlderThan(ctx context.Context, userID int64, cutoff time.Time) (int64, error)
}

type SweepResult struct {
	UserID   int64
	Archived int64
	Cutoff   time.Time
}

// Sweeper archives existing unarchived articles that fall before the user's
// cutoff. It is driven by its own scheduled job, never by feed sync.
type Sweeper struct {
	store Store
	calc  Calculator
}

func NewSweeper(store Store, calc Calculator) *Sweeper {
	return &Sweeper{store: store, calc: calc}
}

func (s *Sweeper) SweepUser(ctx context.Context, userID int64) (SweepResult, error) {
	settings, err := s.store.Settings(ctx, userID)
	if err != nil {
		return SweepResult{}, fmt.Errorf("load settings for user %d: %w", userID, err)
	}

	cutoff := s.calc.Cutoff(settings)

	archived, err := s.store.ArchiveOlderThan(ctx, userID, cutoff)
	if err != nil {
		return SweepResult{}, fmt.Errorf("archive articles for user %d: %w", userID, err)
	}

	metrics.ArticlesArchived.Add(float64(archived))

	log.Info().
		Int64("user_id", userID).
		Int64("archived", archived).
		Time("cutoff", cutoff).
		Msg("auto-archive sweep done")

	return SweepResult{UserID: userID, Archived: archived, Cutoff: cutoff}, nil
}

// SweepAll sweeps every user. A failure for one user is logged and skipped.
func (s *Sweeper) SweepAll(ctx context.Context) ([]SweepResult, error) {
	userIDs, err := s.store.UserIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}

	results := make([]SweepResult, 0, len(userIDs))

	for _, userID := range userIDs {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		res, err := s.SweepUser(ctx, userID)
		if err != nil {
			log.Error().Err(err).Int64("user_id", userID).Msg("auto-archive sweep failed")
			continue
		}

		results = append(results, res)
	}

	return results, nil
}
