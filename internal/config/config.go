// Package config loads notesync configuration from environment variables,
// applies CLI flag overrides, and validates the result.
//
// Environment variables carry secrets and backend settings; the CLI flags
// --db, --backend and --log-file override their environment counterparts.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kuitang/notesync/internal/crypto"
	"github.com/kuitang/notesync/internal/reconcile"
	"github.com/kuitang/notesync/internal/remote"
)

// Backends.
const (
	BackendSnapshot = "snapshot"
	BackendGitHub   = "github"
	BackendMemory   = "memory"
)

const (
	defaultDatabasePath = "./data/notes.db"
	defaultS3Region     = "auto"
	defaultSyncInterval = time.Minute
	defaultGitHubRPS    = 5
	defaultGitHubBurst  = 10
)

// Config holds all notesync configuration.
type Config struct {
	// Local store
	DatabasePath string // NOTESYNC_DB_PATH
	MasterKey    string // NOTESYNC_MASTER_KEY, optional hex; empty = unencrypted

	Backend string // NOTESYNC_BACKEND

	// Snapshot backend: a local folder or an S3 bucket
	SnapshotDir        string // NOTESYNC_SNAPSHOT_DIR
	SnapshotKey        string // NOTESYNC_SNAPSHOT_KEY
	AWSEndpointS3      string // AWS_ENDPOINT_URL_S3
	AWSRegion          string // AWS_REGION
	AWSAccessKeyID     string // AWS_ACCESS_KEY_ID
	AWSSecretAccessKey string // AWS_SECRET_ACCESS_KEY
	AWSBucketName      string // BUCKET_NAME

	// GitHub backend
	GitHubToken    string
	GitHubOwner    string
	GitHubRepo     string
	GitHubAPIURL   string
	GitHubNotesDir string
	GitHubRPS      float64
	GitHubBurst    int

	// Engine
	SyncInterval time.Duration
	TieBreak     string
	DeletePolicy string
	MaxRetries   int // 0 = unlimited

	LogFile string // NOTESYNC_LOG_FILE; empty = stderr
}

// Overrides are CLI flag values. Empty fields keep the environment value.
type Overrides struct {
	DatabasePath string
	Backend      string
	LogFile      string
}

// ValidationError represents a configuration validation error with multiple issues.
type ValidationError struct {
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("configuration validation failed:\n  - %s", strings.Join(e.Errors, "\n  - "))
}

// Load reads configuration from the environment, applies o, and validates.
func Load(o Overrides) (*Config, error) {
	cfg := FromEnv()
	cfg.Apply(o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv reads every setting from the environment without validating.
func FromEnv() *Config {
	cfg := &Config{}

	cfg.DatabasePath = getEnvOrDefault("NOTESYNC_DB_PATH", defaultDatabasePath)
	cfg.MasterKey = strings.TrimSpace(os.Getenv("NOTESYNC_MASTER_KEY"))
	cfg.Backend = strings.ToLower(getEnvOrDefault("NOTESYNC_BACKEND", BackendSnapshot))

	cfg.SnapshotDir = getEnvOrDefault("NOTESYNC_SNAPSHOT_DIR", "")
	cfg.SnapshotKey = getEnvOrDefault("NOTESYNC_SNAPSHOT_KEY", remote.DefaultSnapshotKey)
	cfg.AWSEndpointS3 = strings.TrimSpace(os.Getenv("AWS_ENDPOINT_URL_S3"))
	cfg.AWSRegion = getEnvOrDefault("AWS_REGION", defaultS3Region)
	cfg.AWSAccessKeyID = strings.TrimSpace(os.Getenv("AWS_ACCESS_KEY_ID"))
	cfg.AWSSecretAccessKey = strings.TrimSpace(os.Getenv("AWS_SECRET_ACCESS_KEY"))
	cfg.AWSBucketName = strings.TrimSpace(os.Getenv("BUCKET_NAME"))

	cfg.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	cfg.GitHubOwner = getEnvOrDefault("GITHUB_OWNER", "")
	cfg.GitHubRepo = getEnvOrDefault("GITHUB_REPO", remote.DefaultGitHubRepo)
	cfg.GitHubAPIURL = getEnvOrDefault("GITHUB_API_URL", remote.DefaultGitHubAPIURL)
	cfg.GitHubNotesDir = getEnvOrDefault("GITHUB_NOTES_DIR", remote.DefaultNotesDir)
	cfg.GitHubRPS = parseFloat64OrDefault("GITHUB_RPS", defaultGitHubRPS)
	cfg.GitHubBurst = parseIntOrDefault("GITHUB_BURST", defaultGitHubBurst)

	cfg.SyncInterval = parseDurationOrDefault("NOTESYNC_INTERVAL", defaultSyncInterval)
	cfg.TieBreak = getEnvOrDefault("NOTESYNC_TIE_BREAK", "local")
	cfg.DeletePolicy = getEnvOrDefault("NOTESYNC_DELETE_POLICY", "modify-wins")
	cfg.MaxRetries = parseIntOrDefault("NOTESYNC_MAX_RETRIES", 0)

	cfg.LogFile = getEnvOrDefault("NOTESYNC_LOG_FILE", "")
	return cfg
}

// Apply overlays non-empty flag values.
func (c *Config) Apply(o Overrides) {
	if v := strings.TrimSpace(o.DatabasePath); v != "" {
		c.DatabasePath = v
	}
	if v := strings.TrimSpace(o.Backend); v != "" {
		c.Backend = strings.ToLower(v)
	}
	if v := strings.TrimSpace(o.LogFile); v != "" {
		c.LogFile = v
	}
}

// UseS3 reports whether the snapshot backend stores its replica in a bucket
// rather than a local folder.
func (c *Config) UseS3() bool {
	return c.AWSBucketName != ""
}

// Validate checks that all required configuration is present and valid.
// Every problem is reported, not only the first.
func (c *Config) Validate() error {
	var errs []string

	if c.DatabasePath == "" {
		errs = append(errs, "NOTESYNC_DB_PATH must not be empty")
	}
	if c.MasterKey != "" {
		if _, err := crypto.ParseMasterKey(c.MasterKey); err != nil {
			errs = append(errs, fmt.Sprintf("NOTESYNC_MASTER_KEY is invalid (generate with: openssl rand -hex 32): %v", err))
		}
	}

	switch c.Backend {
	case BackendSnapshot:
		switch {
		case c.SnapshotDir == "" && !c.UseS3():
			errs = append(errs, "NOTESYNC_SNAPSHOT_DIR or BUCKET_NAME is required for the snapshot backend")
		case c.SnapshotDir != "" && c.UseS3():
			errs = append(errs, "set only one of NOTESYNC_SNAPSHOT_DIR and BUCKET_NAME")
		case c.UseS3():
			if c.AWSAccessKeyID == "" {
				errs = append(errs, "AWS_ACCESS_KEY_ID is required when BUCKET_NAME is set")
			}
			if c.AWSSecretAccessKey == "" {
				errs = append(errs, "AWS_SECRET_ACCESS_KEY is required when BUCKET_NAME is set")
			}
		}
		if strings.Trim(c.SnapshotKey, "/") == "" {
			errs = append(errs, "NOTESYNC_SNAPSHOT_KEY must not be empty")
		}
	case BackendGitHub:
		if c.GitHubToken == "" {
			errs = append(errs, "GITHUB_TOKEN is required for the github backend")
		}
		if c.GitHubRepo == "" {
			errs = append(errs, "GITHUB_REPO must not be empty")
		}
		if c.GitHubRPS < 0 {
			errs = append(errs, "GITHUB_RPS must not be negative")
		}
		if c.GitHubRPS > 0 && c.GitHubBurst <= 0 {
			errs = append(errs, "GITHUB_BURST must be positive")
		}
	case BackendMemory:
	default:
		errs = append(errs, fmt.Sprintf("NOTESYNC_BACKEND %q is unknown (want %s, %s or %s)", c.Backend, BackendSnapshot, BackendGitHub, BackendMemory))
	}

	if c.SyncInterval <= 0 {
		errs = append(errs, "NOTESYNC_INTERVAL must be positive")
	}
	if _, err := reconcile.ParsePolicy(c.TieBreak, c.DeletePolicy); err != nil {
		errs = append(errs, fmt.Sprintf("NOTESYNC_TIE_BREAK / NOTESYNC_DELETE_POLICY: %v", err))
	}
	if c.MaxRetries < 0 {
		errs = append(errs, "NOTESYNC_MAX_RETRIES must not be negative")
	}

	if len(errs) > 0 {
		return &ValidationError{Errors: errs}
	}
	return nil
}

// Policy returns the conflict policy. It assumes Validate passed.
func (c *Config) Policy() reconcile.Policy {
	p, _ := reconcile.ParsePolicy(c.TieBreak, c.DeletePolicy)
	return p
}

// StoreKeys returns the SQLCipher keys of the local store and the snapshot
// replica, both nil without a master key.
func (c *Config) StoreKeys() (local, snapshot []byte, err error) {
	master, err := crypto.ParseMasterKey(c.MasterKey)
	if err != nil {
		return nil, nil, err
	}
	local, snapshot = crypto.StoreKeys(master)
	return local, snapshot, nil
}

// PrintSummary writes a human-readable summary of the configuration to w.
// Secrets are never printed.
func (c *Config) PrintSummary(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "notesync starting...")
	fmt.Fprintf(w, "  Store:    %s\n", c.DatabasePath)
	if c.MasterKey == "" {
		fmt.Fprintln(w, "  Crypto:   none (NOTESYNC_MASTER_KEY unset)")
	} else {
		fmt.Fprintln(w, "  Crypto:   SQLCipher, keys derived from NOTESYNC_MASTER_KEY")
	}

	switch c.Backend {
	case BackendSnapshot:
		if c.UseS3() {
			fmt.Fprintf(w, "  Remote:   snapshot in s3://%s/%s (endpoint: %s)\n", c.AWSBucketName, c.SnapshotKey, c.AWSEndpointS3)
		} else {
			fmt.Fprintf(w, "  Remote:   snapshot in %s/%s\n", c.SnapshotDir, c.SnapshotKey)
		}
	case BackendGitHub:
		owner := c.GitHubOwner
		if owner == "" {
			owner = "(token owner)"
		}
		fmt.Fprintf(w, "  Remote:   github %s/%s/%s\n", owner, c.GitHubRepo, c.GitHubNotesDir)
	default:
		fmt.Fprintf(w, "  Remote:   %s\n", c.Backend)
	}

	fmt.Fprintf(w, "  Interval: %s\n", c.SyncInterval)
	fmt.Fprintf(w, "  Policy:   tie=%s delete=%s\n", c.TieBreak, c.DeletePolicy)
	fmt.Fprintln(w, "")
}

// Helper functions for parsing environment variables

func getEnvOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

func parseIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseFloat64OrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}
	return parsed
}

func parseDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
