package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/dataverse-sync/internal/config"
	"github.com/alexjbarnes/dataverse-sync/internal/dataverse"
	"github.com/alexjbarnes/dataverse-sync/internal/engine"
	"github.com/alexjbarnes/dataverse-sync/internal/logging"
	"github.com/alexjbarnes/dataverse-sync/internal/metadata"
)

var Version = "dev"

var configFile string

var rootCmd = &cobra.Command{
	Use:   "dataverse-sync",
	Short: "Reconcile a local directory of data files against a Dataverse dataset",
	Long: `dataverse-sync uploads the files in a local directory to a Dataverse
dataset, skipping anything the dataset already holds. Files are matched
by MD5 content hash, so renames and re-runs never upload twice. Progress
is recorded durably and an interrupted run resumes where it left off.`,
	SilenceUsage: true,
	RunE:         runSync,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "YAML dataset config file")
	rootCmd.Flags().Bool("watch", false, "keep running and re-reconcile when new files appear")
	rootCmd.Flags().Bool("force-unlock", false, "break dataset locks instead of waiting for them")
	rootCmd.Flags().Int("batch-size", 0, "files per upload batch (overrides config)")
}

func runSync(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if cmd.Flags().Changed("watch") {
		cfg.Watch, _ = cmd.Flags().GetBool("watch")
	}
	if cmd.Flags().Changed("force-unlock") {
		cfg.ForceUnlock, _ = cmd.Flags().GetBool("force-unlock")
	}
	if cmd.Flags().Changed("batch-size") {
		cfg.FilesPerBatch, _ = cmd.Flags().GetInt("batch-size")
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("dataverse-sync starting",
		slog.String("version", Version),
		slog.String("server", cfg.ServerURL),
		slog.String("dataset", cfg.PersistentID),
		slog.String("dir", cfg.UploadDir),
		slog.Int("batch_size", cfg.FilesPerBatch),
		slog.Bool("watch", cfg.Watch),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := dataverse.NewClient(cfg.ServerURL, cfg.APIToken, cfg.PersistentID,
		cfg.HTTPTimeout, cfg.UploadTimeout, logger)
	if err := client.ResolveDataset(ctx); err != nil {
		return err
	}

	eng := engine.New(
		cfg.UploadDir,
		client,
		metadata.NewResolver(cfg.Description, cfg.DirectoryLabel),
		engine.NewIdentityStore(cfg.IdentityCachePath(), logger),
		engine.NewLedger(cfg.LedgerPath()),
		engine.Options{
			BatchSize:        cfg.FilesPerBatch,
			LockPollInterval: cfg.LockPollInterval,
			RetryDelay:       cfg.RetryDelay,
			ForceUnlock:      cfg.ForceUnlock,
		},
		logger,
		slogReporter(logger),
	)

	if !cfg.Watch {
		return finishErr(eng.Run(ctx))
	}

	return finishErr(runWatch(ctx, cfg, eng, logger))
}

// runWatch runs reconciliation to completion, then sleeps until the
// directory watcher reports new files and runs again.
func runWatch(ctx context.Context, cfg *config.Config, eng *engine.Engine, logger *slog.Logger) error {
	trigger := make(chan struct{}, 1)
	watcher := engine.NewWatcher(cfg.UploadDir, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return watcher.Watch(gctx, trigger)
	})

	g.Go(func() error {
		for {
			if err := eng.Run(gctx); err != nil {
				return err
			}

			logger.Info("watching for new files", slog.String("dir", cfg.UploadDir))

			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-trigger:
			}
		}
	})

	return g.Wait()
}

// finishErr turns a signal-driven shutdown into a clean exit.
func finishErr(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
