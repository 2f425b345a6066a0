package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"course-content-jobs/internal/blob"
	"course-content-jobs/internal/config"
	"course-content-jobs/internal/feed"
	"course-content-jobs/internal/migrate"
	"course-content-jobs/internal/status"
)

var (
	flagStateDir string
	flagFeed     string
	flagPageSize int
	flagSkip     int
	flagFollow   bool
)

func main() {
	cfg := config.Load()

	root := &cobra.Command{
		Use:   "coursemigrate",
		Short: "Checkpointed batch migration of legacy courses",
	}
	root.PersistentFlags().StringVar(&flagStateDir, "state-dir", cfg.MigrationStateDir, "directory holding checkpoint, lock, and liveness files")
	root.PersistentFlags().StringVar(&flagFeed, "feed", "redis", "liveness feed sink: redis or file")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Walk the legacy course set, resuming from the last checkpoint",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMigration(cmd.Context(), cfg)
		},
	}
	runCmd.Flags().IntVar(&flagPageSize, "page-size", cfg.MigrationPageSize, "source listing page size")
	runCmd.Flags().IntVar(&flagSkip, "skip", 0, "seed the first N listed courses as processed")

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration progress",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return showStatus(cmd.Context(), cfg)
		},
	}
	statusCmd.Flags().BoolVar(&flagFollow, "follow", false, "poll and redraw until interrupted")

	resetCmd := &cobra.Command{
		Use:   "reset",
		Short: "Delete checkpoint, liveness, and lock (destructive)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return migrate.Reset(cmd.Context(), flagStateDir, buildSink(cfg))
		},
	}

	root.AddCommand(runCmd, statusCmd, resetCmd)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	if err := root.ExecuteContext(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal(err)
	}
}

func buildSink(cfg config.Config) feed.Sink {
	if flagFeed == "file" {
		return feed.NewFileSink(migrate.LivenessPath(flagStateDir))
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return feed.NewRedisSink(client, feed.CourseMigrationKey)
}

func runMigration(ctx context.Context, cfg config.Config) error {
	source, err := migrate.NewPostgresSource(ctx, cfg.MigrationSourceDSN)
	if err != nil {
		return err
	}
	defer source.Close()

	uploader, err := blob.NewUploader(ctx, cfg)
	if err != nil {
		return err
	}
	migrator := migrate.NewCourseMigrator(source, uploader, cfg.AssetMaxDimension, cfg.AssetMaxBytes)

	runner := migrate.NewRunner(source, migrator.Migrate, buildSink(cfg), migrate.RunnerOptions{
		StateDir:          flagStateDir,
		PageSize:          flagPageSize,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Skip:              flagSkip,
	})
	return runner.Run(ctx)
}

func showStatus(ctx context.Context, cfg config.Config) error {
	sink := buildSink(cfg)
	for {
		rec, found, err := sink.Load(ctx)
		if err != nil {
			return err
		}
		view := status.ForMigration(rec, found, time.Now(), cfg.MigrationHangTimeout)
		printStatus(view)

		cp, cpFound, err := migrate.LoadCheckpoint(migrate.CheckpointPath(flagStateDir))
		if err != nil {
			fmt.Printf("checkpoint: %v\n", err)
		} else if cpFound {
			fmt.Printf("checkpoint: cursor=%s success=%d failed=%d skipped=%d items=%d assets=%d updated=%s\n",
				cp.Cursor, cp.Stats.SuccessCount, cp.Stats.FailedCount, cp.Stats.SkippedCount,
				cp.Stats.ItemsImported, cp.Stats.AssetsMigrated, cp.UpdatedAt.Format(time.RFC3339))
		}

		if !flagFollow {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(2 * time.Second):
			fmt.Println()
		}
	}
}

func printStatus(view status.MigrationView) {
	state := view.State
	if view.Hung {
		state += " (HUNG)"
	}
	fmt.Printf("state: %s\n", state)
	if view.State == feed.StateIdle {
		return
	}
	fmt.Printf("progress: %d/%d (ok=%d failed=%d)\n", view.Processed, view.Total, view.Successful, view.Failed)
	if view.CurrentItemID != "" {
		fmt.Printf("current: %s %s\n", view.CurrentItemID, view.CurrentItemLabel)
	}
	if view.ETASeconds > 0 {
		fmt.Printf("eta: %s (avg %dms/item)\n", (time.Duration(view.ETASeconds) * time.Second).String(), view.AvgItemTimeMs)
	}
	fmt.Printf("pid: %d heartbeat: %s\n", view.PID, view.LastHeartbeat.Format(time.RFC3339))
	for _, e := range view.Errors {
		fmt.Printf("error: %s: %s (%s)\n", e.ID, e.Error, e.At.Format(time.RFC3339))
	}
}
