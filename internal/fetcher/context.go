package fetcher

import (
	"context"
	"strconv"
	"sync"
	"time"

	"feedsync/internal/archive"
	"feedsync/internal/model"

	"golang.org/x/sync/singleflight"
)

// SyncContext carries what a sync pass needs to know about the owning user.
// It is computed once and handed to every SyncFeed call of the pass.
type SyncContext struct {
	UserID   int64
	Settings model.Settings
	Cutoff   time.Time
}

type SettingsStore interface {
	Settings(ctx context.Context, userID int64) (model.Settings, error)
}

// ContextCache builds SyncContexts and keeps them for ttl, so the many
// feed-sync jobs a single orchestrator pass fans out into share one settings
// read per user.
type ContextCache struct {
	settings SettingsStore
	calc     archive.Calculator
	ttl      time.Duration
	now      func() time.Time

	group   singleflight.Group
	mu      sync.Mutex
	entries map[int64]cachedContext
}

type cachedContext struct {
	sc      SyncContext
	expires time.Time
}

func NewContextCache(settings SettingsStore, calc archive.Calculator, ttl time.Duration) *ContextCache {
	return &ContextCache{
		settings: settings,
		calc:     calc,
		ttl:      ttl,
		now:      time.Now,
		entries:  make(map[int64]cachedContext),
	}
}

// Build reads the user's settings and computes a fresh SyncContext.
func (c *ContextCache) Build(ctx context.Context, userID int64) (SyncContext, error) {
	settings, err := c.settings.Settings(ctx, userID)
	if err != nil {
		return SyncContext{}, model.NewError(model.KindStorageUnavailable, "load settings", err)
	}

	return SyncContext{
		UserID:   userID,
		Settings: settings,
		Cutoff:   c.calc.Cutoff(settings),
	}, nil
}

// ForUser returns a cached SyncContext for userID, building it at most once
// per ttl even under concurrent callers.
func (c *ContextCache) ForUser(ctx context.Context, userID int64) (SyncContext, error) {
	c.mu.Lock()
	entry, ok := c.entries[userID]
	c.mu.Unlock()

	if ok && c.now().Before(entry.expires) {
		return entry.sc, nil
	}

	v, err, _ := c.group.Do(strconv.FormatInt(userID, 10), func() (interface{}, error) {
		sc, err := c.Build(ctx, userID)
		if err != nil {
			return SyncContext{}, err
		}

		c.mu.Lock()
		c.entries[userID] = cachedContext{sc: sc, expires: c.now().Add(c.ttl)}
		c.mu.Unlock()

		return sc, nil
	})
	if err != nil {
		return SyncContext{}, err
	}

	return v.(SyncContext), nil
}
