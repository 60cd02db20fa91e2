package source

import (
	"context"
	"net/http"

	"feedsync/internal/model"

	"github.com/SlyMarbo/rss"
)

// MetadataReader loads channel-level information (title, description, site
// link) for a feed.
type MetadataReader struct {
	client *http.Client
}

func NewMetadataReader(client *http.Client) *MetadataReader {
	if client == nil {
		client = http.DefaultClient
	}

	return &MetadataReader{client: client}
}

func (r *MetadataReader) Metadata(ctx context.Context, feedURL string) (model.FeedMetadata, error) {
	feed, err := r.loadFeed(ctx, feedURL)
	if err != nil {
		return model.FeedMetadata{}, model.NewError(model.KindFetchFailed, "load feed metadata", err)
	}

	return model.FeedMetadata{
		Title:       feed.Title,
		Description: feed.Description,
		SiteURL:     feed.Link,
	}, nil
}

func (r *MetadataReader) loadFeed(ctx context.Context, url string) (*rss.Feed, error) {
	feedChan := make(chan *rss.Feed, 1)
	errorChan := make(chan error, 1)

	go func() {
		feed, err := rss.FetchByClient(url, r.client)

		if err != nil {
			errorChan <- err
			return
		}

		feedChan <- feed
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errorChan:
		return nil, err
	case feed := <-feedChan:
		return feed, nil
	}
}
