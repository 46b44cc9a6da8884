package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alexjbarnes/dataverse-sync/internal/config"
	"github.com/alexjbarnes/dataverse-sync/internal/dataverse"
	"github.com/alexjbarnes/dataverse-sync/internal/logging"
)

var (
	cleanupDryRun bool
	cleanupForce  bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned storage objects from the dataset's store",
	Long: `cleanup asks the server to list storage objects that no longer belong
to any registered file, such as leftovers from aborted uploads, and
then deletes them after confirmation. Pass --dry-run to only list.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "list orphaned objects without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupForce, "force", false, "delete without asking for confirmation")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := dataverse.NewClient(cfg.ServerURL, cfg.APIToken, cfg.PersistentID,
		cfg.HTTPTimeout, cfg.UploadTimeout, logger)

	report, err := client.CleanupStorage(ctx, true)
	if err != nil {
		return err
	}

	if len(report.Found) == 0 {
		fmt.Println("no orphaned storage objects")
		return nil
	}

	fmt.Printf("orphaned storage objects in %s:\n", cfg.PersistentID)
	for _, name := range report.Found {
		fmt.Printf("  %s\n", name)
	}

	if cleanupDryRun {
		return nil
	}

	if !cleanupForce && !confirm(fmt.Sprintf("delete %d objects?", len(report.Found))) {
		fmt.Println("aborted")
		return nil
	}

	report, err = client.CleanupStorage(ctx, false)
	if err != nil {
		return err
	}

	fmt.Printf("deleted %d objects\n", len(report.Deleted))

	return nil
}

func confirm(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}
