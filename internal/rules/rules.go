// Package rules evaluates per-feed filter rules against article titles.
package rules

import (
	"context"
	"fmt"
	"strings"

	"feedsync/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// Matches reports whether a single rule fires for title. Comparison is a
// case-insensitive substring test against the pattern as written, surrounding
// spaces included; a blank pattern never matches.
func Matches(rule model.FilterRule, title string) bool {
	if strings.TrimSpace(rule.Pattern) == "" {
		return false
	}

	found := strings.Contains(strings.ToLower(title), strings.ToLower(rule.Pattern))

	switch rule.Operator {
	case model.OperatorIncludes:
		return found
	case model.OperatorNotIncludes:
		return !found
	default:
		return false
	}
}

// ShouldMarkRead reports whether any active rule fires for title.
func ShouldMarkRead(rules []model.FilterRule, title string) bool {
	return lo.ContainsBy(rules, func(r model.FilterRule) bool {
		return r.IsActive && Matches(r, title)
	})
}

type Store interface {
	ActiveRules(ctx context.Context, feedID int64) ([]model.FilterRule, error)
	UnreadArticles(ctx context.Context, userID, feedID int64) ([]model.Article, error)
	MarkRead(ctx context.Context, userID int64, articleIDs []int64) error
}

type Result struct {
	Processed int
	Marked    int
}

// Applier re-runs a feed's active rules over its existing unread articles.
type Applier struct {
	store Store
}

func NewApplier(store Store) *Applier {
	return &Applier{store: store}
}

func (a *Applier) ApplyToFeed(ctx context.Context, userID, feedID int64) (Result, error) {
	rules, err := a.store.ActiveRules(ctx, feedID)
	if err != nil {
		return Result{}, fmt.Errorf("load rules for feed %d: %w", feedID, err)
	}

	articles, err := a.store.UnreadArticles(ctx, userID, feedID)
	if err != nil {
		return Result{}, fmt.Errorf("load unread articles for feed %d: %w", feedID, err)
	}

	result := Result{Processed: len(articles)}

	if len(rules) == 0 || len(articles) == 0 {
		return result, nil
	}

	ids := lo.FilterMap(articles, func(article model.Article, _ int) (int64, bool) {
		return article.ID, ShouldMarkRead(rules, article.Title)
	})

	if len(ids) == 0 {
		return result, nil
	}

	if err := a.store.MarkRead(ctx, userID, ids); err != nil {
		return result, fmt.Errorf("mark %d articles read: %w", len(ids), err)
	}

	result.Marked = len(ids)

	log.Info().
		Int64("user_id", userID).
		Int64("feed_id", feedID).
		Int("processed", result.Processed).
		Int("marked", result.Marked).
		Msg("filter rules applied")

	return result, nil
}
