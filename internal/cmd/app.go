package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"feedsync/internal/archive"
	"feedsync/internal/config"
	"feedsync/internal/extract"
	"feedsync/internal/fetcher"
	"feedsync/internal/jobs"
	"feedsync/internal/notifier"
	"feedsync/internal/queue"
	"feedsync/internal/rules"
	"feedsync/internal/source"
	"feedsync/internal/storage"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// contextTTL bounds how long a user's settings snapshot is reused across the
// feed-sync jobs of one orchestrator pass.
const contextTTL = time.Minute

type app struct {
	cfg   config.Config
	db    *sqlx.DB
	redis *redis.Client
	store *storage.Store

	queues map[string]*queue.Queue

	fetcher      *fetcher.Fetcher
	contexts     *fetcher.ContextCache
	orchestrator *fetcher.Orchestrator
	refresher    *fetcher.MetadataRefresher
	sweeper      *archive.Sweeper
	applier      *rules.Applier
}

type appOptions struct {
	// queue connects to Redis and builds the queues and the orchestrator.
	queue bool
	// alerts connects the Telegram bot for broken-feed notifications.
	alerts bool
}

// newApp connects to the database, and to Redis and Telegram when opts asks
// for them, and wires every component on top of them.
func newApp(ctx context.Context, cfg config.Config, opts appOptions) (*app, error) {
	db, err := storage.Open(ctx, "postgres", cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:   cfg,
		db:    db,
		store: storage.New(db),
	}

	client := &http.Client{Timeout: 2 * cfg.FetchTimeout}
	calc := archive.NewCalculator(cfg.DefaultAutoArchiveDays)

	deps := fetcher.Deps{
		Feeds:    a.store,
		Articles: a.store,
		Rules:    a.store,
		Tags:     a.store,
		Parser:   source.NewParser(client, cfg.UserAgent, cfg.FetchTimeout),
		Content: extract.NewBatchFetcher(
			extract.NewReadability(client, cfg.UserAgent),
			cfg.ExtractConcurrency,
			cfg.ExtractTimeout,
		),
	}

	listener, err := newListener(cfg, client, opts.alerts)
	if err != nil {
		a.Close()
		return nil, err
	}

	deps.Listener = listener

	a.fetcher = fetcher.New(deps, cfg.BrokenAfterFailures)
	a.contexts = fetcher.NewContextCache(a.store, calc, contextTTL)
	a.refresher = fetcher.NewMetadataRefresher(a.store, source.NewMetadataReader(client))
	a.sweeper = archive.NewSweeper(a.store, calc)
	a.applier = rules.NewApplier(a.store)

	if !opts.queue {
		return a, nil
	}

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	a.redis = redis.NewClient(redisOpts)

	if err := a.redis.Ping(ctx).Err(); err != nil {
		a.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	a.queues = make(map[string]*queue.Queue)
	for _, name := range []string{queue.Orchestrate, queue.FeedSync, queue.FeedMetadata, queue.ArchiveSweep} {
		a.queues[name] = queue.New(a.redis, name, cfg.MaxAttempts, 2*cfg.JobTimeout)
	}

	a.orchestrator = fetcher.NewOrchestrator(
		a.store,
		a.store,
		jobs.NewEnqueuer(a.queues[queue.FeedSync], a.queues[queue.FeedMetadata]),
		cfg.OutdatedThreshold,
		cfg.FeedsPerUserLimit,
	)

	return a, nil
}

// newListener returns the Telegram notifier, or nil when alerts are off or no
// bot token is configured. Creating the bot calls the Telegram API.
func newListener(cfg config.Config, client *http.Client, alerts bool) (fetcher.StatusListener, error) {
	if !alerts || cfg.TelegramBotToken == "" {
		return nil, nil
	}

	bot, err := tgbotapi.NewBotAPIWithClient(cfg.TelegramBotToken, tgbotapi.APIEndpoint, client)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	return notifier.New(bot, cfg.TelegramChannelID), nil
}

func (a *app) Close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close redis client")
		}
	}

	if err := a.db.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to close db")
	}
}
