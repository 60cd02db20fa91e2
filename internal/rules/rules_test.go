package rules

import (
	"context"
	"errors"
	"testing"

	"feedsync/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rule(pattern string, op model.RuleOperator) model.FilterRule {
	return model.FilterRule{Pattern: pattern, Operator: op, IsActive: true}
}

func TestMatches(t *testing.T) {
	tests := []struct {
		name  string
		rule  model.FilterRule
		title string
		want  bool
	}{
		{"includes is case insensitive", rule("sponsor", model.OperatorIncludes), "Sponsor Update", true},
		{"includes misses", rule("sponsor", model.OperatorIncludes), "Weekly digest", false},
		{"not_includes does not fire when present", rule("sponsor", model.OperatorNotIncludes), "Sponsor Update", false},
		{"not_includes fires when absent", rule("go", model.OperatorNotIncludes), "Rust news", true},
		{"surrounding spaces are kept", rule(" ai ", model.OperatorIncludes), "He said hello", false},
		{"surrounding spaces match whole words", rule(" AI ", model.OperatorIncludes), "New ai models", true},
		{"not_includes with surrounding spaces", rule(" go ", model.OperatorNotIncludes), "Gopher news", true},
		{"blank pattern never matches", rule("   ", model.OperatorIncludes), "anything", false},
		{"unknown operator", rule("x", model.RuleOperator("regex")), "x", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Matches(tt.rule, tt.title))
		})
	}
}

func TestShouldMarkRead(t *testing.T) {
	inactive := rule("update", model.OperatorIncludes)
	inactive.IsActive = false

	rules := []model.FilterRule{
		inactive,
		rule("podcast", model.OperatorIncludes),
		rule("golang", model.OperatorNotIncludes),
	}

	assert.True(t, ShouldMarkRead(rules, "New podcast episode about golang"))
	assert.True(t, ShouldMarkRead(rules, "Update on Rust"), "not_includes fires")
	assert.False(t, ShouldMarkRead(rules, "Golang update"), "inactive rule ignored")
	assert.False(t, ShouldMarkRead(nil, "anything"))
}

type fakeStore struct {
	rules    []model.FilterRule
	articles []model.Article
	marked   []int64
	err      error
}

func (s *fakeStore) ActiveRules(context.Context, int64) ([]model.FilterRule, error) {
	return s.rules, s.err
}

func (s *fakeStore) UnreadArticles(context.Context, int64, int64) ([]model.Article, error) {
	return s.articles, nil
}

func (s *fakeStore) MarkRead(_ context.Context, _ int64, ids []int64) error {
	s.marked = append(s.marked, ids...)
	return nil
}

func TestApplier_ApplyToFeed(t *testing.T) {
	store := &fakeStore{
		rules: []model.FilterRule{rule("sponsor", model.OperatorIncludes)},
		articles: []model.Article{
			{ID: 1, Title: "Sponsor: buy things"},
			{ID: 2, Title: "Real content"},
			{ID: 3, Title: "Another SPONSORED post"},
		},
	}

	res, err := NewApplier(store).ApplyToFeed(context.Background(), 1, 10)
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 3, Marked: 2}, res)
	assert.Equal(t, []int64{1, 3}, store.marked)
}

func TestApplier_NoRules(t *testing.T) {
	store := &fakeStore{articles: []model.Article{{ID: 1, Title: "x"}}}

	res, err := NewApplier(store).ApplyToFeed(context.Background(), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1}, res)
	assert.Empty(t, store.marked)
}

func TestApplier_StoreError(t *testing.T) {
	store := &fakeStore{err: errors.New("db down")}

	_, err := NewApplier(store).ApplyToFeed(context.Background(), 1, 10)
	assert.ErrorContains(t, err, "db down")
}
