package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/alexjbarnes/dataverse-sync/internal/config"
)

var mkconfigOut string

var mkconfigCmd = &cobra.Command{
	Use:   "mkconfig <dataverse-url> <persistent-id> <folder>",
	Short: "Write a YAML dataset config file",
	Long: `mkconfig writes a dataset config file that run, wipe and cleanup
accept via --config. The API token is left for the environment or a
.env file so the config can be committed without leaking credentials.`,
	Args: cobra.ExactArgs(3),
	RunE: runMkconfig,
}

func init() {
	mkconfigCmd.Flags().StringVarP(&mkconfigOut, "out", "o", "config.yaml", "output file")
	rootCmd.AddCommand(mkconfigCmd)
}

// datasetConfig is the subset of configuration that belongs in a
// per-dataset file rather than the environment.
type datasetConfig struct {
	ServerURL      string `yaml:"dataverse_url"`
	PersistentID   string `yaml:"persistent_id"`
	UploadDir      string `yaml:"folder"`
	FilesPerBatch  int    `yaml:"files_per_batch"`
	DirectoryLabel string `yaml:"directory_label,omitempty"`
	Description    string `yaml:"description"`
}

func runMkconfig(_ *cobra.Command, args []string) error {
	cfg := datasetConfig{
		ServerURL:     config.NormalizeServerURL(args[0]),
		PersistentID:  args[1],
		UploadDir:     args[2],
		FilesPerBatch: 20,
		Description:   "Data file {name}.",
	}

	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return fmt.Errorf("rendering config: %w", err)
	}

	if _, err := os.Stat(mkconfigOut); err == nil {
		return fmt.Errorf("%s already exists, refusing to overwrite", mkconfigOut)
	}

	if err := os.WriteFile(mkconfigOut, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	fmt.Printf("wrote %s\n", mkconfigOut)

	return nil
}
