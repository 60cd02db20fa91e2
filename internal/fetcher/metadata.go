package fetcher

import (
	"context"

	"feedsync/internal/model"

	"github.com/rs/zerolog/log"
)

type MetadataReader interface {
	Metadata(ctx context.Context, feedURL string) (model.FeedMetadata, error)
}

type MetadataStore interface {
	FeedByID(ctx context.Context, userID, feedID int64) (*model.Feed, error)
	UpdateMetadata(ctx context.Context, feedID int64, md model.FeedMetadata) error
}

// MetadataRefresher re-reads a feed's channel information (title, site link,
// description) and stores whatever the document provides.
type MetadataRefresher struct {
	store  MetadataStore
	reader MetadataReader
}

func NewMetadataRefresher(store MetadataStore, reader MetadataReader) *MetadataRefresher {
	return &MetadataRefresher{store: store, reader: reader}
}

func (r *MetadataRefresher) Refresh(ctx context.Context, userID, feedID int64) error {
	feed, err := r.store.FeedByID(ctx, userID, feedID)
	if err != nil {
		return model.NewError(model.KindStorageUnavailable, "load feed", err)
	}

	if feed == nil {
		return nil
	}

	md, err := r.reader.Metadata(ctx, feed.FeedURL)
	if err != nil {
		log.Warn().Err(err).Int64("feed_id", feed.ID).Str("feed_url", feed.FeedURL).Msg("metadata refresh failed")
		return nil
	}

	if err := r.store.UpdateMetadata(ctx, feed.ID, md); err != nil {
		return model.NewError(model.KindStorageUnavailable, "update metadata", err)
	}

	log.Debug().Int64("feed_id", feed.ID).Str("title", md.Title).Msg("feed metadata refreshed")

	return nil
}
