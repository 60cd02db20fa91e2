package extract

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeExtractor struct {
	fn func(ctx context.Context, u string) (string, error)

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	mu          sync.Mutex
	calls       []string
}

func (f *fakeExtractor) Extract(ctx context.Context, u string) (string, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		cur := f.maxInFlight.Load()
		if n <= cur || f.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls = append(f.calls, u)
	f.mu.Unlock()

	return f.fn(ctx, u)
}

func TestBatchFetcher_IsolatesTimeout(t *testing.T) {
	ex := &fakeExtractor{fn: func(ctx context.Context, u string) (string, error) {
		if u == "https://slow.example.com/3" {
			<-ctx.Done()
			return "", ctx.Err()
		}

		return "<p>" + u + "</p>", nil
	}}

	urls := []string{
		"https://a.example.com/1",
		"https://b.example.com/2",
		"https://slow.example.com/3",
		"https://c.example.com/4",
		"https://d.example.com/5",
	}

	b := NewBatchFetcher(ex, 3, 50*time.Millisecond)
	got := b.FetchAll(context.Background(), urls)

	require.Len(t, got, 5)

	for _, u := range urls {
		if u == "https://slow.example.com/3" {
			assert.Nil(t, got[u])
			continue
		}

		require.NotNil(t, got[u], u)
		assert.Equal(t, "<p>"+u+"</p>", *got[u])
	}
}

func TestBatchFetcher_ErrorsEmptyAndPanics(t *testing.T) {
	ex := &fakeExtractor{fn: func(_ context.Context, u string) (string, error) {
		switch u {
		case "https://x/err":
			return "", errors.New("403 forbidden")
		case "https://x/empty":
			return "", nil
		case "https://x/panic":
			panic("boom")
		default:
			return "ok", nil
		}
	}}

	got := NewBatchFetcher(ex, 2, time.Second).FetchAll(context.Background(), []string{
		"https://x/err", "https://x/empty", "https://x/panic", "https://x/ok", "https://x/ok",
	})

	require.Len(t, got, 4)
	assert.Nil(t, got["https://x/err"])
	assert.Nil(t, got["https://x/empty"])
	assert.Nil(t, got["https://x/panic"])
	require.NotNil(t, got["https://x/ok"])
	assert.Equal(t, "ok", *got["https://x/ok"])
	assert.Len(t, ex.calls, 4, "duplicate URLs are extracted once")
}

func TestBatchFetcher_BoundsConcurrency(t *testing.T) {
	ex := &fakeExtractor{fn: func(_ context.Context, _ string) (string, error) {
		time.Sleep(20 * time.Millisecond)
		return "ok", nil
	}}

	urls := make([]string, 0, 12)
	for i := 0; i < 12; i++ {
		urls = append(urls, "https://example.com/"+string(rune('a'+i)))
	}

	got := NewBatchFetcher(ex, 3, time.Second).FetchAll(context.Background(), urls)

	assert.Len(t, got, 12)
	assert.LessOrEqual(t, ex.maxInFlight.Load(), int32(3))
	assert.GreaterOrEqual(t, ex.maxInFlight.Load(), int32(1))
}

func TestExtractable(t *testing.T) {
	tests := map[string]bool{
		"https://blog.example.com/post":       true,
		"http://example.com/a?b=c":            true,
		"https://www.youtube.com/watch?v=abc": false,
		"https://youtu.be/abc":                false,
		"https://vimeo.com/123":               false,
		"ftp://example.com/file":              false,
		"not a url":                           false,
		"":                                    false,
	}

	for in, want := range tests {
		assert.Equal(t, want, Extractable(in), in)
	}
}
