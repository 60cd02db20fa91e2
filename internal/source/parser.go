package source

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"feedsync/internal/model"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

const maxFeedSize = 10 << 20

type Parser struct {
	client    *http.Client
	userAgent string
	timeout   time.Duration
}

func NewParser(client *http.Client, userAgent string, timeout time.Duration) *Parser {
	if client == nil {
		client = http.DefaultClient
	}

	return &Parser{
		client:    client,
		userAgent: userAgent,
		timeout:   timeout,
	}
}

// Fetch downloads feedURL and parses it. Transport problems are reported as
// model.KindFetchFailed, malformed documents as model.KindParseFailed. A
// well-formed document in a format other than RSS or Atom is not an error.
func (p *Parser) Fetch(ctx context.Context, feedURL string) (*Document, error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, feedURL, nil)
	if err != nil {
		return nil, model.NewError(model.KindFetchFailed, "build request", err)
	}

	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, application/xml;q=0.9, text/xml;q=0.8, */*;q=0.5")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, model.NewError(model.KindFetchFailed, "get feed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, model.NewError(model.KindFetchFailed, "get feed", fmt.Errorf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedSize))
	if err != nil {
		return nil, model.NewError(model.KindFetchFailed, "read feed", err)
	}

	return Parse(body)
}

// Parse detects the format of body and parses it with the matching parser.
func Parse(body []byte) (*Document, error) {
	switch gofeed.DetectFeedType(bytes.NewReader(body)) {
	case gofeed.FeedTypeRSS:
		feed, err := (&rss.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, model.NewError(model.KindParseFailed, "parse rss", err)
		}

		return &Document{Format: FormatRSS, RSS: feed}, nil
	case gofeed.FeedTypeAtom:
		feed, err := (&atom.Parser{}).Parse(bytes.NewReader(body))
		if err != nil {
			return nil, model.NewError(model.KindParseFailed, "parse atom", err)
		}

		return &Document{Format: FormatAtom, Atom: feed}, nil
	default:
		return &Document{Format: FormatUnknown}, nil
	}
}
