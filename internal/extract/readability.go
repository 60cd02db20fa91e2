package extract

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"feedsync/internal/metrics"
	"feedsync/internal/model"

	"github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
)

// Readability fetches an article page and reduces it to sanitized readable
// HTML. Every host gets its own rate limiter and circuit breaker, so one
// failing site never blocks extraction from another.
type Readability struct {
	client    *http.Client
	userAgent string
	policy    *bluemonday.Policy

	hostRate  rate.Limit
	hostBurst int
	mu        sync.Mutex
	hosts     map[string]*hostGuard
}

type hostGuard struct {
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[string]
}

// hostDownError marks failures that say the host itself is unhealthy:
// transport errors and 5xx responses. Only those count against its breaker.
type hostDownError struct {
	err error
}

func (e *hostDownError) Error() string { return e.err.Error() }
func (e *hostDownError) Unwrap() error { return e.err }

func NewReadability(client *http.Client, userAgent string) *Readability {
	if client == nil {
		client = http.DefaultClient
	}

	return &Readability{
		client:    client,
		userAgent: userAgent,
		policy:    bluemonday.UGCPolicy(),
		hostRate:  rate.Every(250 * time.Millisecond),
		hostBurst: 2,
		hosts:     make(map[string]*hostGuard),
	}
}

// Extract returns the clean HTML of articleURL, or "" when the page has no
// readable content.
func (r *Readability) Extract(ctx context.Context, articleURL string) (string, error) {
	u, err := url.Parse(articleURL)
	if err != nil {
		return "", model.NewError(model.KindExtractionFailed, "parse url", err)
	}

	guard := r.guard(u.Host)

	if err := guard.limiter.Wait(ctx); err != nil {
		return "", model.NewError(model.KindExtractionFailed, "rate limit", err)
	}

	content, err := guard.breaker.Execute(func() (string, error) {
		return r.extract(ctx, u)
	})
	if err != nil {
		metrics.Extractions.WithLabelValues("error").Inc()

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", model.NewError(model.KindExtractionFailed, "circuit open", err)
		}

		return "", err
	}

	if content == "" {
		metrics.Extractions.WithLabelValues("empty").Inc()
	} else {
		metrics.Extractions.WithLabelValues("ok").Inc()
	}

	return content, nil
}

func (r *Readability) extract(ctx context.Context, u *url.URL) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", model.NewError(model.KindExtractionFailed, "build request", err)
	}

	req.Header.Set("User-Agent", r.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", model.NewError(model.KindExtractionFailed, "get page", err)
		}

		return "", model.NewError(model.KindExtractionFailed, "get page", &hostDownError{err: err})
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return "", model.NewError(model.KindExtractionFailed, "get page", &hostDownError{err: fmt.Errorf("unexpected status %s", resp.Status)})
	}

	if resp.StatusCode != http.StatusOK {
		return "", model.NewError(model.KindExtractionFailed, "get page", fmt.Errorf("unexpected status %s", resp.Status))
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return "", nil
	}

	article, err := readability.FromReader(resp.Body, resp.Request.URL)
	if err != nil {
		return "", model.NewError(model.KindExtractionFailed, "readability", err)
	}

	return strings.TrimSpace(r.policy.Sanitize(article.Content)), nil
}

func (r *Readability) guard(host string) *hostGuard {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.hosts[host]
	if !ok {
		g = &hostGuard{
			limiter: rate.NewLimiter(r.hostRate, r.hostBurst),
			breaker: newHostBreaker(host),
		}
		r.hosts[host] = g
	}

	return g
}

func newHostBreaker(host string) *gobreaker.CircuitBreaker[string] {
	return gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "readability:" + host,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 20 {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
		},
		IsSuccessful: func(err error) bool {
			var down *hostDownError
			return !errors.As(err, &down)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
}
