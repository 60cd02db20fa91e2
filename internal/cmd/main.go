package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/jobs"
	"feedsync/internal/logging"
	"feedsync/internal/metrics"
	"feedsync/internal/queue"
	"feedsync/internal/storage"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info().Msg("stopped")
			return
		}

		log.Error().Err(err).Msg("command failed")
		cancel()
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "feedsync",
		Short:         "Feed synchronisation workers and maintenance commands",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			cfg := config.Get()
			logging.Init(cfg.LogLevel, cfg.LogFormat, os.Stderr)
		},
	}

	root.AddCommand(
		workerCmd(),
		migrateCmd(),
		syncCmd(),
		sweepCmd(),
		applyRulesCmd(),
		refreshMetadataCmd(),
		orchestrateCmd(),
	)

	return root
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Run the queue workers, the periodic scheduler and the metrics server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := config.Get()

			a, err := newApp(ctx, cfg, appOptions{queue: true, alerts: true})
			if err != nil {
				return err
			}
			defer a.Close()

			staleAfter := leaseExpiry(cfg.JobTimeout)

			for name, q := range a.queues {
				n, err := q.Recover(ctx, staleAfter)
				if err != nil {
					return err
				}

				if n > 0 {
					log.Warn().Str("queue", name).Int("jobs", n).Msg("requeued jobs left over by a previous run")
				}
			}

			root := suture.New("feedsync", supervisorSpec(cfg.JobTimeout))

			root.Add(queue.NewWorker(a.queues[queue.Orchestrate],
				jobs.OrchestrateHandler(a.orchestrator), cfg.OrchestrateConcurrency, cfg.JobTimeout))
			root.Add(queue.NewWorker(a.queues[queue.FeedSync],
				jobs.FeedSyncHandler(a.contexts, a.fetcher), cfg.SyncConcurrency, cfg.JobTimeout))
			root.Add(queue.NewWorker(a.queues[queue.FeedMetadata],
				jobs.MetadataHandler(a.refresher), cfg.MetadataConcurrency, cfg.JobTimeout))
			root.Add(queue.NewWorker(a.queues[queue.ArchiveSweep],
				jobs.ArchiveSweepHandler(a.sweeper), cfg.ArchiveConcurrency, cfg.JobTimeout))

			scheduler := jobs.NewScheduler()
			scheduler.Add(jobs.EnqueueEvery(a.queues[queue.Orchestrate], cfg.OrchestrateInterval, jobs.UserPayload{}))
			scheduler.Add(jobs.EnqueueEvery(a.queues[queue.ArchiveSweep], cfg.ArchiveSweepInterval, jobs.UserPayload{}))

			for _, q := range a.queues {
				scheduler.Add(jobs.RecoverEvery(q, recoverInterval, staleAfter))
			}
			root.Add(scheduler)

			if cfg.MetricsAddr != "" {
				root.Add(metrics.NewServer(cfg.MetricsAddr))
			}

			log.Info().Msg("worker starting")

			if err := root.Serve(ctx); err != nil && ctx.Err() == nil {
				return err
			}

			return nil
		},
	}
}

const (
	// shutdownMargin covers the acknowledgement that follows the last job.
	shutdownMargin  = 30 * time.Second
	recoverInterval = time.Minute
)

// supervisorSpec lets workers finish the job they hold on shutdown: suture
// abandons a service that does not stop within Timeout.
func supervisorSpec(jobTimeout time.Duration) suture.Spec {
	return suture.Spec{
		EventHook: func(e suture.Event) {
			log.Warn().Str("event", e.String()).Msg("supervisor event")
		},
		Timeout: jobTimeout + shutdownMargin,
	}
}

// leaseExpiry is how long a taken job may stay unacknowledged before it is
// considered lost with its process.
func leaseExpiry(jobTimeout time.Duration) time.Duration {
	return jobTimeout + shutdownMargin
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			db, err := storage.Open(ctx, "postgres", config.Get().DatabaseDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := storage.Migrate(ctx, db)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s)\n", len(applied))

			return nil
		},
	}
}

func syncCmd() *cobra.Command {
	var userID, feedID int64

	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync one feed, or every feed of a user, right now",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, config.Get(), appOptions{alerts: true})
			if err != nil {
				return err
			}
			defer a.Close()

			sc, err := a.contexts.Build(ctx, userID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()

			if feedID != 0 {
				res, err := a.fetcher.SyncFeed(ctx, sc, feedID)
				if err != nil {
					return err
				}

				if !res.Found {
					return fmt.Errorf("feed %d not found for user %d", feedID, userID)
				}

				printResult(out, res)

				return nil
			}

			results, err := a.fetcher.SyncUser(ctx, sc)
			for _, res := range results {
				printResult(out, res)
			}

			return err
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User ID (required)")
	cmd.Flags().Int64Var(&feedID, "feed", 0, "Feed ID; all feeds of the user when omitted")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func sweepCmd() *cobra.Command {
	var userID int64

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Archive articles older than each user's retention period",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, config.Get(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			out := cmd.OutOrStdout()

			if userID != 0 {
				res, err := a.sweeper.SweepUser(ctx, userID)
				if err != nil {
					return err
				}

				fmt.Fprintf(out, "user %d: archived %d article(s) published before %s\n", res.UserID, res.Archived, res.Cutoff.Format("2006-01-02"))

				return nil
			}

			results, err := a.sweeper.SweepAll(ctx)
			for _, res := range results {
				fmt.Fprintf(out, "user %d: archived %d article(s) published before %s\n", res.UserID, res.Archived, res.Cutoff.Format("2006-01-02"))
			}

			return err
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User ID; all users when omitted")

	return cmd
}

func applyRulesCmd() *cobra.Command {
	var userID, feedID int64

	cmd := &cobra.Command{
		Use:   "apply-rules",
		Short: "Apply a feed's active filter rules to its unread articles",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, config.Get(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.applier.ApplyToFeed(ctx, userID, feedID)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "processed %d, marked read %d\n", res.Processed, res.Marked)

			return nil
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User ID (required)")
	cmd.Flags().Int64Var(&feedID, "feed", 0, "Feed ID (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("feed")

	return cmd
}

func refreshMetadataCmd() *cobra.Command {
	var userID, feedID int64

	cmd := &cobra.Command{
		Use:   "refresh-metadata",
		Short: "Re-read a feed's title, description and site link",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, config.Get(), appOptions{})
			if err != nil {
				return err
			}
			defer a.Close()

			return a.refresher.Refresh(ctx, userID, feedID)
		},
	}

	cmd.Flags().Int64Var(&userID, "user", 0, "User ID (required)")
	cmd.Flags().Int64Var(&feedID, "feed", 0, "Feed ID (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("feed")

	return cmd
}

func orchestrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "orchestrate",
		Short: "Run one orchestrator pass and enqueue sync jobs for outdated feeds",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()

			a, err := newApp(ctx, config.Get(), appOptions{queue: true})
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.orchestrator.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "users %d (failed %d), selected %d, enqueued %d, already queued %d\n",
				res.Users, res.FailedUsers, res.Selected, res.Enqueued, res.AlreadyQueued)

			return nil
		},
	}
}
