package extract

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"time"

	"feedsync/internal/model"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

type Extractor interface {
	Extract(ctx context.Context, articleURL string) (string, error)
}

var videoHosts = []string{"youtube.com", "youtu.be", "vimeo.com", "dailymotion.com", "twitch.tv"}

// Extractable reports whether rawURL points at something worth running
// readability on: an http(s) page that is not on a video-hosting domain.
func Extractable(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	host := strings.ToLower(u.Hostname())

	return !lo.ContainsBy(videoHosts, func(v string) bool {
		return host == v || strings.HasSuffix(host, "."+v)
	})
}

// BatchFetcher resolves clean content for many URLs with at most concurrency
// extractions in flight. Each URL carries its own timeout.
type BatchFetcher struct {
	extractor   Extractor
	concurrency int
	timeout     time.Duration
}

func NewBatchFetcher(extractor Extractor, concurrency int, timeout time.Duration) *BatchFetcher {
	if concurrency < 1 {
		concurrency = 1
	}

	return &BatchFetcher{
		extractor:   extractor,
		concurrency: concurrency,
		timeout:     timeout,
	}
}

// FetchAll returns an entry for every input URL. The value is nil when
// extraction failed, timed out, panicked or produced nothing; one URL never
// affects another.
func (b *BatchFetcher) FetchAll(ctx context.Context, urls []string) map[string]*string {
	urls = lo.Uniq(urls)
	results := make(map[string]*string, len(urls))

	var (
		mu sync.Mutex
		g  errgroup.Group
	)

	g.SetLimit(b.concurrency)

	for _, u := range urls {
		u := u

		g.Go(func() error {
			content := b.fetchOne(ctx, u)

			mu.Lock()
			results[u] = content
			mu.Unlock()

			return nil
		})
	}

	_ = g.Wait()

	return results
}

func (b *BatchFetcher) fetchOne(ctx context.Context, articleURL string) (content *string) {
	defer func() {
		if p := recover(); p != nil {
			log.Error().Str("url", articleURL).Interface("panic", p).Msg("extractor panicked")
			content = nil
		}
	}()

	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	html, err := b.extractor.Extract(ctx, articleURL)
	if err != nil {
		if !model.IsKind(err, model.KindExtractionFailed) {
			err = model.NewError(model.KindExtractionFailed, "extract", err)
		}

		log.Debug().Err(err).Str("url", articleURL).Msg("content extraction failed")

		return nil
	}

	if html == "" {
		return nil
	}

	return &html
}
