package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"feedsync/internal/model"
	"feedsync/internal/source"
)

type memStore struct {
	mu sync.Mutex

	feeds       map[int64]*model.Feed
	articles    []model.Article
	rules       map[int64][]model.FilterRule
	feedTags    map[int64][]int64
	articleTags [][2]int64
	settings    map[int64]model.Settings

	settingsReads int
	feedErr       error
	tagErr        error
	stateUpdates  int
}

func newMemStore() *memStore {
	return &memStore{
		feeds:    map[int64]*model.Feed{},
		rules:    map[int64][]model.FilterRule{},
		feedTags: map[int64][]int64{},
		settings: map[int64]model.Settings{},
	}
}

func (s *memStore) addFeed(f model.Feed) {
	if f.SyncStatus == "" {
		f.SyncStatus = model.SyncStatusOK
	}

	s.feeds[f.ID] = &f
}

func (s *memStore) FeedByID(_ context.Context, userID, feedID int64) (*model.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.feedErr != nil {
		return nil, s.feedErr
	}

	f, ok := s.feeds[feedID]
	if !ok || f.UserID != userID {
		return nil, nil
	}

	cp := *f

	return &cp, nil
}

func (s *memStore) UserFeeds(_ context.Context, userID int64) ([]model.Feed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Feed

	for _, f := range s.feeds {
		if f.UserID == userID {
			out = append(out, *f)
		}
	}

	return out, nil
}

func (s *memStore) UpdateSyncState(_ context.Context, feedID int64, state model.SyncState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stateUpdates++

	f := s.feeds[feedID]
	f.LastSyncAt = state.At
	f.SyncStatus = state.Status
	f.SyncError = state.Error
	f.SyncFailures = state.Failures

	return nil
}

func (s *memStore) ArticleExists(_ context.Context, feedID int64, guid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, a := range s.articles {
		if a.FeedID != nil && *a.FeedID == feedID && a.GUID == guid {
			return true, nil
		}
	}

	return false, nil
}

func (s *memStore) InsertArticle(_ context.Context, a model.Article) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a.ID = int64(len(s.articles) + 1)
	s.articles = append(s.articles, a)

	return a.ID, true, nil
}

func (s *memStore) ActiveRules(_ context.Context, feedID int64) ([]model.FilterRule, error) {
	return s.rules[feedID], nil
}

func (s *memStore) FeedTagIDs(_ context.Context, feedID int64) ([]int64, error) {
	return s.feedTags[feedID], nil
}

func (s *memStore) AddArticleTag(_ context.Context, articleID, tagID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tagErr != nil {
		return s.tagErr
	}

	s.articleTags = append(s.articleTags, [2]int64{articleID, tagID})

	return nil
}

func (s *memStore) Settings(_ context.Context, userID int64) (model.Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settingsReads++

	return s.settings[userID], nil
}

func (s *memStore) UpdateMetadata(_ context.Context, feedID int64, md model.FeedMetadata) error {
	s.feeds[feedID].Title = md.Title
	s.feeds[feedID].SiteURL = md.SiteURL
	s.feeds[feedID].Description = md.Description

	return nil
}

type fakeParser struct {
	docs map[string]string
	errs map[string]error
}

func (p *fakeParser) Fetch(_ context.Context, feedURL string) (*source.Document, error) {
	if err, ok := p.errs[feedURL]; ok {
		return nil, err
	}

	body, ok := p.docs[feedURL]
	if !ok {
		return nil, model.NewError(model.KindFetchFailed, "get feed", errors.New("404 Not Found"))
	}

	return source.Parse([]byte(body))
}

type fakeResolver struct {
	mu    sync.Mutex
	calls [][]string
}

func (r *fakeResolver) FetchAll(_ context.Context, urls []string) map[string]*string {
	r.mu.Lock()
	r.calls = append(r.calls, urls)
	r.mu.Unlock()

	out := make(map[string]*string, len(urls))

	for _, u := range urls {
		if strings.Contains(u, "broken") {
			out[u] = nil
			continue
		}

		html := "<p>clean " + u + "</p>"
		out[u] = &html
	}

	return out
}

type recordingListener struct {
	changes []model.SyncState
}

func (l *recordingListener) FeedStatusChanged(_ context.Context, _ model.Feed, state model.SyncState) {
	l.changes = append(l.changes, state)
}

type testItem struct {
	guid  string
	title string
	link  string
	date  time.Time
}

func rssXML(items ...testItem) string {
	var b strings.Builder

	b.WriteString(`<?xml version="1.0"?><rss version="2.0"><channel><title>T</title><link>https://example.com</link><description>d</description>`)

	for _, it := range items {
		b.WriteString("<item>")

		if it.guid != "" {
			fmt.Fprintf(&b, "<guid>%s</guid>", it.guid)
		}

		fmt.Fprintf(&b, "<title>%s</title><link>%s</link>", it.title, it.link)

		if !it.date.IsZero() {
			fmt.Fprintf(&b, "<pubDate>%s</pubDate>", it.date.Format(time.RFC1123Z))
		}

		b.WriteString("</item>")
	}

	b.WriteString("</channel></rss>")

	return b.String()
}
