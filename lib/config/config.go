// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/steward/lib/cron"
)

// Backend selects where the service persists state.
type Backend string

const (
	// BackendSQLite keeps everything in one SQLite database under the
	// data directory. The default.
	BackendSQLite Backend = "sqlite"

	// BackendMemory keeps all state in process memory. Nothing
	// survives a restart; useful for demos and tests.
	BackendMemory Backend = "memory"
)

// Validate checks membership in the closed backend set.
func (b Backend) Validate() error {
	switch b {
	case BackendSQLite, BackendMemory:
		return nil
	}
	return fmt.Errorf("unknown storage backend %q", b)
}

// Duration is a time.Duration that decodes from authored duration
// strings ("30s", "15m") in both the YAML service configuration and
// the JSONC manifest. Bare numbers are rejected; units are required.
type Duration time.Duration

// Duration returns the standard-library value.
func (d Duration) Duration() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a string like \"30s\"")
	}
	parsed, err := time.ParseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Config is the steward service configuration.
type Config struct {
	// Socket is the Unix socket path the service answers on.
	// Default: /run/steward/steward.sock
	Socket string `yaml:"socket"`

	// DataDir anchors local state: the SQLite database, audit
	// archives, and anything else the service persists.
	// Default: /var/lib/steward
	DataDir string `yaml:"data_dir"`

	// Actor names this service instance in the audit events it
	// records on its own behalf (manifest loads, chain verification,
	// archival).
	// Default: steward
	Actor string `yaml:"actor"`

	// Manifest is the budget manifest path, loaded at startup when
	// set. Empty runs the service with only the implicit unlimited
	// global scope until a manifest arrives over the socket.
	Manifest string `yaml:"manifest"`

	Storage      StorageConfig      `yaml:"storage"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Executor     ExecutorConfig     `yaml:"executor"`
	Reviewer     ReviewerConfig     `yaml:"reviewer"`
	Retry        RetryConfig        `yaml:"retry"`
	Audit        AuditConfig        `yaml:"audit"`
	Reference    ReferenceConfig    `yaml:"reference"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig selects and tunes the persistence backend.
type StorageConfig struct {
	// Backend is "sqlite" or "memory".
	// Default: sqlite
	Backend Backend `yaml:"backend"`

	// Database is the SQLite database path. Empty derives
	// steward.db under the data directory. Ignored by the memory
	// backend.
	Database string `yaml:"database"`

	// PoolSize caps concurrent SQLite connections. Zero lets the
	// pool size itself from the CPU count.
	PoolSize int `yaml:"pool_size"`
}

// OrchestratorConfig sizes the worker pool.
type OrchestratorConfig struct {
	// Workers is the number of concurrent task runners.
	// Default: 4
	Workers int `yaml:"workers"`

	// QueueDepth bounds how many admitted tasks may wait for a
	// worker; submissions beyond it are refused.
	// Default: 64
	QueueDepth int `yaml:"queue_depth"`

	// DrainTimeout bounds how long shutdown waits for running tasks
	// before cancelling them.
	// Default: 30s
	DrainTimeout Duration `yaml:"drain_timeout"`
}

// ExecutorConfig names the execution backend: the command the service
// runs once per task attempt. The command receives the execution
// input as JSON on stdin and writes an execution report as JSON on
// stdout; a non-zero exit aborts the attempt.
type ExecutorConfig struct {
	// Command is the argv to run. Empty means no executor is
	// configured and task submission is refused at the socket.
	Command []string `yaml:"command"`

	// Timeout bounds one attempt. An attempt that exceeds it counts
	// as a transient failure and is retried per the retry policy.
	// Default: 10m
	Timeout Duration `yaml:"timeout"`

	// GracePeriod is how long a timed-out or cancelled command gets
	// between SIGTERM and SIGKILL of its process group.
	// Default: 10s
	GracePeriod Duration `yaml:"grace_period"`
}

// ReviewerConfig names the review backend, same contract as the
// executor but over review input and findings. An empty command
// selects the built-in reviewer, which approves every execution with
// full confidence; consensus tuning in the manifest still applies.
type ReviewerConfig struct {
	// Command is the argv to run per review. Empty selects the
	// built-in approving reviewer.
	Command []string `yaml:"command"`

	// Timeout bounds one review.
	// Default: 2m
	Timeout Duration `yaml:"timeout"`

	// Source is the finding source the built-in reviewer reports as.
	// Default: steward
	Source string `yaml:"source"`
}

// RetryConfig bounds transient-failure backoff during execution.
type RetryConfig struct {
	// MaxAttempts is the total execution attempts per task.
	// Default: 5
	MaxAttempts int `yaml:"max_attempts"`

	// BaseDelay is the backoff before the first retry; it doubles
	// per attempt up to MaxDelay.
	// Default: 500ms
	BaseDelay Duration `yaml:"base_delay"`

	// MaxDelay caps the backoff.
	// Default: 30s
	MaxDelay Duration `yaml:"max_delay"`

	// JitterFraction spreads each delay by ±fraction to keep retries
	// from aligning. Must be in [0, 1).
	// Default: 0.2
	JitterFraction float64 `yaml:"jitter_fraction"`
}

// AuditConfig covers chain verification at startup and segment
// archival.
type AuditConfig struct {
	// VerifyOnStart walks the full stored chain before the service
	// accepts work. A compromised chain refuses startup.
	// Default: true
	VerifyOnStart bool `yaml:"verify_on_start"`

	// ArchiveDir is where closed segments land. Empty derives
	// archive under the data directory.
	ArchiveDir string `yaml:"archive_dir"`

	// SegmentEvents is how many events a segment holds before it is
	// eligible for archival.
	// Default: 4096
	SegmentEvents int `yaml:"segment_events"`

	// ArchivePeriod is how often the service checks for archivable
	// segments. Zero disables periodic archival; explicit exports
	// still work.
	ArchivePeriod Duration `yaml:"archive_period"`

	// ArchiveSchedule is a five-field cron expression (UTC) for
	// archival sweeps, for operators who want them at quiet hours
	// rather than on a period. Set at most one of archive_period and
	// archive_schedule.
	ArchiveSchedule string `yaml:"archive_schedule"`

	// Compression is the segment compression: "zstd", "lz4", or
	// "none".
	// Default: zstd
	Compression string `yaml:"compression"`

	// KeyFile holds the at-rest archive key. Empty writes
	// unencrypted segments.
	KeyFile string `yaml:"key_file"`
}

// ReferenceConfig tunes the resolution cache.
type ReferenceConfig struct {
	// PurgeInterval is how often expired cache rows are deleted.
	// Zero disables the janitor.
	// Default: 1h
	PurgeInterval Duration `yaml:"purge_interval"`
}

// LoggingConfig shapes the service's slog output.
type LoggingConfig struct {
	// Level is the minimum level: debug, info, warn, or error.
	// Default: info
	Level string `yaml:"level"`

	// Format is "text" or "json".
	// Default: text
	Format string `yaml:"format"`

	// Journal additionally sends records to the systemd journal
	// when the service runs under systemd.
	// Default: false
	Journal bool `yaml:"journal"`
}

// SlogLevel parses Level into a slog.Level.
func (l LoggingConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return level, nil
}

// Default returns the default configuration. These defaults are the
// base every load merges into, so a minimal file only states what it
// changes.
func Default() *Config {
	return &Config{
		Socket:  "/run/steward/steward.sock",
		DataDir: "/var/lib/steward",
		Actor:   "steward",
		Storage: StorageConfig{
			Backend: BackendSQLite,
		},
		Orchestrator: OrchestratorConfig{
			Workers:      4,
			QueueDepth:   64,
			DrainTimeout: Duration(30 * time.Second),
		},
		Executor: ExecutorConfig{
			Timeout:     Duration(10 * time.Minute),
			GracePeriod: Duration(10 * time.Second),
		},
		Reviewer: ReviewerConfig{
			Timeout: Duration(2 * time.Minute),
			Source:  "steward",
		},
		Retry: RetryConfig{
			MaxAttempts:    5,
			BaseDelay:      Duration(500 * time.Millisecond),
			MaxDelay:       Duration(30 * time.Second),
			JitterFraction: 0.2,
		},
		Audit: AuditConfig{
			VerifyOnStart: true,
			SegmentEvents: 4096,
			Compression:   "zstd",
		},
		Reference: ReferenceConfig{
			PurgeInterval: Duration(time.Hour),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from the STEWARD_CONFIG environment
// variable.
//
// This is the only way to load configuration without an explicit
// path. There are no fallbacks or defaults: if STEWARD_CONFIG is not
// set, this fails. This ensures deterministic, auditable configuration
// with no hidden overrides.
func Load() (*Config, error) {
	configPath := os.Getenv("STEWARD_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STEWARD_CONFIG environment variable not set; " +
			"set it to the path of your steward.yaml config file, or use --config flag")
	}

	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path.
//
// The config file is the single source of truth. Environment
// variables do not override config values. The only expansion
// performed is ${VAR} and ${VAR:-default} substitution over the raw
// document before parsing, for portability of paths like ${HOME}.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	expanded := expandVars(string(data), builtinVars())
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// builtinVars are expansion variables resolved before the process
// environment is consulted.
func builtinVars() map[string]string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	return map[string]string{"HOME": home}
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. Provided
// vars win over the process environment; an unset variable without a
// default expands to the empty string.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name := parts[1]

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return parts[2]
	})
}

// compressionValues is the closed set of audit segment compressions.
var compressionValues = []string{"zstd", "lz4", "none"}

// Validate checks the configuration for errors, reporting all of them
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Socket == "" {
		errs = append(errs, errors.New("socket is required"))
	}
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if c.Actor == "" {
		errs = append(errs, errors.New("actor is required"))
	}

	if err := c.Storage.Backend.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.PoolSize < 0 {
		errs = append(errs, fmt.Errorf("storage.pool_size %d is negative", c.Storage.PoolSize))
	}

	if c.Orchestrator.Workers < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.workers %d is negative", c.Orchestrator.Workers))
	}
	if c.Orchestrator.QueueDepth < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.queue_depth %d is negative", c.Orchestrator.QueueDepth))
	}
	if c.Orchestrator.DrainTimeout < 0 {
		errs = append(errs, fmt.Errorf("orchestrator.drain_timeout %s is negative", c.Orchestrator.DrainTimeout))
	}

	if c.Executor.Timeout < 0 {
		errs = append(errs, fmt.Errorf("executor.timeout %s is negative", c.Executor.Timeout))
	}
	if c.Executor.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("executor.grace_period %s is negative", c.Executor.GracePeriod))
	}
	if c.Reviewer.Timeout < 0 {
		errs = append(errs, fmt.Errorf("reviewer.timeout %s is negative", c.Reviewer.Timeout))
	}
	if c.Reviewer.Source == "" {
		errs = append(errs, errors.New("reviewer.source is required"))
	}

	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts %d is negative", c.Retry.MaxAttempts))
	}
	if c.Retry.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.base_delay %s is negative", c.Retry.BaseDelay))
	}
	if c.Retry.MaxDelay < 0 {
		errs = append(errs, fmt.Errorf("retry.max_delay %s is negative", c.Retry.MaxDelay))
	}
	if c.Retry.JitterFraction < 0 || c.Retry.JitterFraction >= 1 {
		errs = append(errs, fmt.Errorf("retry.jitter_fraction %v must be in [0, 1)", c.Retry.JitterFraction))
	}

	if c.Audit.SegmentEvents < 0 {
		errs = append(errs, fmt.Errorf("audit.segment_events %d is negative", c.Audit.SegmentEvents))
	}
	if c.Audit.ArchivePeriod < 0 {
		errs = append(errs, fmt.Errorf("audit.archive_period %s is negative", c.Audit.ArchivePeriod))
	}
	if !slices.Contains(compressionValues, c.Audit.Compression) {
		errs = append(errs, fmt.Errorf("audit.compression must be one of %v, got %q", compressionValues, c.Audit.Compression))
	}
	if c.Audit.ArchiveSchedule != "" {
		if c.Audit.ArchivePeriod > 0 {
			errs = append(errs, errors.New("audit.archive_period and audit.archive_schedule are mutually exclusive"))
		}
		if _, err := cron.Parse(c.Audit.ArchiveSchedule); err != nil {
			errs = append(errs, fmt.Errorf("audit.archive_schedule: %w", err))
		}
	}

	if c.Reference.PurgeInterval < 0 {
		errs = append(errs, fmt.Errorf("reference.purge_interval %s is negative", c.Reference.PurgeInterval))
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		errs = append(errs, fmt.Errorf("logging.level %q is not a log level", c.Logging.Level))
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: invalid service configuration: %w", err)
	}
	return nil
}

// DatabasePath returns the SQLite database location: the configured
// storage.database, or steward.db under the data directory.
func (c *Config) DatabasePath() string {
	if c.Storage.Database != "" {
		return c.Storage.Database
	}
	return filepath.Join(c.DataDir, "steward.db")
}

// ArchivePath returns where closed audit segments land: the
// configured audit.archive_dir, or archive under the data directory.
func (c *Config) ArchivePath() string {
	if c.Audit.ArchiveDir != "" {
		return c.Audit.ArchiveDir
	}
	return filepath.Join(c.DataDir, "archive")
}

// EnsurePaths creates the directories the service writes under, so a
// fresh host needs no manual setup.
func (c *Config) EnsurePaths() error {
	paths := []string{
		c.DataDir,
		c.ArchivePath(),
		filepath.Dir(c.Socket),
	}
	if c.Storage.Backend == BackendSQLite {
		paths = append(paths, filepath.Dir(c.DatabasePath()))
	}

	for _, path := range paths {
		if path == "" || path == "." {
			continue
		}
		if err := os.MkdirAll(path, 0755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}

	return nil
}

// HasSystemd reports whether systemd is running on this host, which
// is what the logging.journal toggle keys on.
func HasSystemd() bool {
	_, err := os.Stat("/run/systemd/system")
	return err == nil
}
