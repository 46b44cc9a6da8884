package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/dataverse-sync/internal/config"
	"github.com/alexjbarnes/dataverse-sync/internal/engine"
	"github.com/alexjbarnes/dataverse-sync/internal/logging"
)

var wipeCmd = &cobra.Command{
	Use:   "wipe",
	Short: "Delete the local identity cache and progress ledger",
	Long: `wipe deletes the identity cache and the progress ledger for the
configured directory and dataset. The next run re-hashes every file and
trusts only the remote inventory for what is already uploaded. Nothing
on the server is touched.`,
	RunE: runWipe,
}

func init() {
	rootCmd.AddCommand(wipeCmd)
}

func runWipe(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	if err := engine.NewIdentityStore(cfg.IdentityCachePath(), logger).Wipe(); err != nil {
		return fmt.Errorf("wiping identity cache: %w", err)
	}
	logger.Info("identity cache wiped", slog.String("path", cfg.IdentityCachePath()))

	if err := engine.NewLedger(cfg.LedgerPath()).Wipe(); err != nil {
		return fmt.Errorf("wiping ledger: %w", err)
	}
	logger.Info("progress ledger wiped", slog.String("path", cfg.LedgerPath()))

	return nil
}
