package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for dataverse-sync. Values come from a
// .env file, the process environment, and optionally a YAML dataset
// config file. The environment wins over the YAML file.
type Config struct {
	// Dataverse server base URL, e.g. "https://dataverse.example.edu".
	// A bare hostname or an http:// URL is normalized to https://.
	ServerURL string `env:"DATAVERSE_URL" yaml:"dataverse_url"`

	// API token sent as the X-Dataverse-key header on every request.
	APIToken string `env:"DATAVERSE_API_TOKEN" yaml:"api_token"`

	// Persistent identifier of the target dataset, e.g. "doi:10.5072/FK2/ABCDEF".
	PersistentID string `env:"DATASET_PID" yaml:"persistent_id"`

	// Directory containing the files to upload.
	UploadDir string `env:"UPLOAD_DIR" yaml:"folder"`

	// Directory where the identity cache and progress ledger are written.
	// Defaults to the working directory, matching where the original
	// tooling kept its state files.
	StateDir string `env:"STATE_DIR" yaml:"state_dir"`

	// Number of files per upload batch. Larger batches are legal but not
	// necessarily faster: the bottleneck is remote-side ingestion.
	FilesPerBatch int `env:"FILES_PER_BATCH" yaml:"files_per_batch" envDefault:"20"`

	// Optional directory label attached to every uploaded file.
	DirectoryLabel string `env:"DIRECTORY_LABEL" yaml:"directory_label"`

	// Description template for uploaded files. "{name}" is replaced with
	// the file's name.
	Description string `env:"FILE_DESCRIPTION" yaml:"description" envDefault:"Data file {name}."`

	// Watch keeps the process running after all files are online and
	// re-reconciles when new files appear in the upload directory.
	Watch bool `env:"WATCH" yaml:"watch" envDefault:"false"`

	// ForceUnlock breaks dataset locks instead of only waiting for them.
	// Breaking another writer's lock can corrupt concurrent ingestion, so
	// this is off by default.
	ForceUnlock bool `env:"FORCE_UNLOCK" yaml:"force_unlock" envDefault:"false"`

	// Per-request timeout for metadata calls (dataset resolve, file
	// listing, lock queries).
	HTTPTimeout time.Duration `env:"HTTP_TIMEOUT" yaml:"http_timeout" envDefault:"30s"`

	// Per-request timeout for file uploads. Large files over slow links
	// need far more headroom than metadata calls.
	UploadTimeout time.Duration `env:"UPLOAD_TIMEOUT" yaml:"upload_timeout" envDefault:"30m"`

	// Interval between lock polls while the dataset is locked.
	LockPollInterval time.Duration `env:"LOCK_POLL_INTERVAL" yaml:"lock_poll_interval" envDefault:"5s"`

	// Delay between retries of transient failures.
	RetryDelay time.Duration `env:"RETRY_DELAY" yaml:"retry_delay" envDefault:"10s"`

	// Environment controls log format.
	Environment string `env:"ENVIRONMENT" yaml:"-" envDefault:"development"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing the API token to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from the environment, layered over the given
// YAML config file when configFile is non-empty. It first attempts to
// load a .env file if present.
func Load(configFile string) (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if configFile != "" {
		if err := cfg.applyYAML(configFile); err != nil {
			return nil, err
		}
	}

	cfg.ServerURL = NormalizeServerURL(cfg.ServerURL)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	// Resolve UploadDir to an absolute path at startup. The state file
	// names are derived from it, and a relative path would make the cache
	// location depend on the working directory.
	absDir, err := filepath.Abs(cfg.UploadDir)
	if err != nil {
		return nil, fmt.Errorf("resolving upload dir to absolute path: %w", err)
	}
	cfg.UploadDir = absDir

	if cfg.StateDir == "" {
		cfg.StateDir = "."
	}

	return cfg, nil
}

// applyYAML fills fields from the YAML dataset config file. A field set
// through the environment keeps its environment value.
func (c *Config) applyYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	fromFile := &Config{}
	if err := yaml.Unmarshal(data, fromFile); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	envSet := func(key string) bool {
		_, ok := os.LookupEnv(key)
		return ok
	}

	if !envSet("DATAVERSE_URL") && fromFile.ServerURL != "" {
		c.ServerURL = fromFile.ServerURL
	}
	if !envSet("DATAVERSE_API_TOKEN") && fromFile.APIToken != "" {
		c.APIToken = fromFile.APIToken
	}
	if !envSet("DATASET_PID") && fromFile.PersistentID != "" {
		c.PersistentID = fromFile.PersistentID
	}
	if !envSet("UPLOAD_DIR") && fromFile.UploadDir != "" {
		c.UploadDir = fromFile.UploadDir
	}
	if !envSet("STATE_DIR") && fromFile.StateDir != "" {
		c.StateDir = fromFile.StateDir
	}
	if !envSet("FILES_PER_BATCH") && fromFile.FilesPerBatch != 0 {
		c.FilesPerBatch = fromFile.FilesPerBatch
	}
	if !envSet("DIRECTORY_LABEL") && fromFile.DirectoryLabel != "" {
		c.DirectoryLabel = fromFile.DirectoryLabel
	}
	if !envSet("FILE_DESCRIPTION") && fromFile.Description != "" {
		c.Description = fromFile.Description
	}
	if !envSet("WATCH") && fromFile.Watch {
		c.Watch = true
	}
	if !envSet("FORCE_UNLOCK") && fromFile.ForceUnlock {
		c.ForceUnlock = true
	}

	return nil
}

func (c *Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("DATAVERSE_URL is required")
	}

	if strings.TrimSpace(c.APIToken) == "" {
		return fmt.Errorf("DATAVERSE_API_TOKEN is required")
	}

	if c.PersistentID == "" {
		return fmt.Errorf("DATASET_PID is required")
	}

	if c.UploadDir == "" {
		return fmt.Errorf("UPLOAD_DIR is required")
	}

	if c.FilesPerBatch < 1 {
		return fmt.Errorf("FILES_PER_BATCH must be at least 1")
	}

	return nil
}

// NormalizeServerURL forces an https:// scheme and strips any trailing
// slash. Plain hostnames and http:// URLs are accepted for convenience.
func NormalizeServerURL(raw string) string {
	if raw == "" {
		return raw
	}

	switch {
	case strings.HasPrefix(raw, "https://"):
	case strings.HasPrefix(raw, "http://"):
		raw = "https://" + strings.TrimPrefix(raw, "http://")
	default:
		raw = "https://" + raw
	}

	return strings.TrimRight(raw, "/")
}

var unsafeNameChars = regexp.MustCompile(`[^\w.-]`)

// SanitizeName converts an arbitrary string (an absolute directory path,
// a DOI) into a name safe to use as a state file basename.
func SanitizeName(s string) string {
	s = strings.TrimRight(s, "/")
	s = strings.TrimLeft(s, "./")

	return unsafeNameChars.ReplaceAllString(s, "_")
}

// IdentityCachePath returns the path of the identity cache file for the
// configured upload directory.
func (c *Config) IdentityCachePath() string {
	return filepath.Join(c.StateDir, SanitizeName(c.UploadDir)+".json")
}

// LedgerPath returns the path of the progress ledger file for the
// configured dataset.
func (c *Config) LedgerPath() string {
	return filepath.Join(c.StateDir, SanitizeName(c.PersistentID)+"_uploaded.json")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
