// Package config loads relay settings from .relay/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/logger"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
	"github.com/harrison/relay/internal/worker"
)

// WorkerConfig bounds each task's attempts.
type WorkerConfig struct {
	MaxAttempts           int           `yaml:"max_attempts"`
	MaxRetriesPerTier     int           `yaml:"max_retries_per_tier"`
	MaxRetriesAtFinalTier int           `yaml:"max_retries_at_final_tier"`
	StartTier             models.Tier   `yaml:"start_tier"`
	MaxTier               models.Tier   `yaml:"max_tier"`
	EnableVerification    bool          `yaml:"enable_verification"`
	EnableReview          bool          `yaml:"enable_review"`
	MaxReviewPasses       int           `yaml:"max_review_passes"`
	FileWriteCeiling      int           `yaml:"file_write_ceiling"`
	VerifyCommands        []string      `yaml:"verify_commands"`
	InvokeTimeout         time.Duration `yaml:"invoke_timeout"`
	WatchWrites           bool          `yaml:"watch_writes"`
}

// MergeQueueConfig controls the serial merge queue.
type MergeQueueConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Push           bool          `yaml:"push"`
	Cleanup        bool          `yaml:"cleanup"`
	AutoComplete   bool          `yaml:"auto_complete"`
	IgnorePatterns []string      `yaml:"ignore_patterns"`
	TestCommands   []string      `yaml:"test_commands"`
	SnapshotPath   string        `yaml:"snapshot_path"`
}

// AgentConfig configures the Claude CLI.
type AgentConfig struct {
	ClaudePath       string                 `yaml:"claude_path"`
	Models           map[models.Tier]string `yaml:"models"`
	MaxRateLimitWait time.Duration          `yaml:"max_rate_limit_wait"`
	RateLimitBuffer  time.Duration          `yaml:"rate_limit_buffer"`
}

// TelemetryConfig controls the attempt history database.
type TelemetryConfig struct {
	Enabled bool   `yaml:"enabled"`
	DBPath  string `yaml:"db_path"`
}

// Config represents relay configuration options.
type Config struct {
	// MaxConcurrency is the maximum number of tasks run at once within a wave
	MaxConcurrency int `yaml:"max_concurrency"`

	// Timeout bounds the whole run (0 = no limit)
	Timeout time.Duration `yaml:"timeout"`

	// LogLevel sets the logging verbosity (trace, debug, info, warn, error)
	LogLevel string `yaml:"log_level"`

	// LogDir is the directory where run logs are written
	LogDir string `yaml:"log_dir"`

	// DryRun computes waves without executing anything
	DryRun bool `yaml:"dry_run"`

	Trunk        string `yaml:"trunk"`
	WorktreeDir  string `yaml:"worktree_dir"`
	BranchPrefix string `yaml:"branch_prefix"`

	Worker     WorkerConfig     `yaml:"worker"`
	MergeQueue MergeQueueConfig `yaml:"merge_queue"`
	Agent      AgentConfig      `yaml:"agent"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	w := worker.DefaultConfig()
	q := mergequeue.DefaultConfig()
	return &Config{
		MaxConcurrency: 4,
		Timeout:        10 * time.Hour,
		LogLevel:       "info",
		LogDir:         filepath.Join(DirName, "logs"),
		Trunk:          q.Trunk,
		WorktreeDir:    filepath.Join(DirName, "worktrees"),
		BranchPrefix:   "relay",
		Worker: WorkerConfig{
			MaxAttempts:           w.MaxAttempts,
			MaxRetriesPerTier:     w.MaxRetriesPerTier,
			MaxRetriesAtFinalTier: w.MaxRetriesAtFinalTier,
			StartTier:             w.StartTier,
			MaxTier:               w.MaxTier,
			EnableVerification:    w.EnableVerification,
			EnableReview:          w.EnableReview,
			MaxReviewPasses:       w.MaxReviewPasses,
			FileWriteCeiling:      w.FileWriteCeiling,
			VerifyCommands:        []string{"go build ./...", "go test ./..."},
			InvokeTimeout:         30 * time.Minute,
			WatchWrites:           true,
		},
		MergeQueue: MergeQueueConfig{
			MaxRetries:     q.MaxRetries,
			BaseDelay:      q.BaseDelay,
			MaxDelay:       q.MaxDelay,
			Push:           q.Push,
			Cleanup:        q.Cleanup,
			AutoComplete:   q.AutoComplete,
			IgnorePatterns: q.IgnorePatterns,
			SnapshotPath:   filepath.Join(DirName, "queue.json"),
		},
		Agent: AgentConfig{
			ClaudePath:       "claude",
			MaxRateLimitWait: 6 * time.Hour,
			RateLimitBuffer:  30 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			DBPath:  filepath.Join(DirName, "telemetry.db"),
		},
	}
}

// LoadConfig loads configuration from path on top of the defaults.
// A missing file yields the defaults; a malformed one is an error.
// Only keys present in the file override defaults, so an explicit
// "push: false" is honored while an absent section keeps its defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Decoding into the populated defaults leaves absent keys untouched.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromDir loads dir/.relay/config.yaml.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, DirName, "config.yaml"))
}

// ResolvePaths anchors the relative state paths (logs, worktrees, queue
// snapshot, telemetry database) at root, so they land under the repository
// no matter which subdirectory relay runs from.
func (c *Config) ResolvePaths(root string) {
	for _, p := range []*string{&c.LogDir, &c.WorktreeDir, &c.MergeQueue.SnapshotPath, &c.Telemetry.DBPath} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(root, *p)
		}
	}
}

// Flags holds CLI overrides. Nil fields were not set on the command line.
type Flags struct {
	MaxConcurrency *int
	Timeout        *time.Duration
	LogDir         *string
	LogLevel       *string
	DryRun         *bool
	Trunk          *string
}

// MergeWithFlags lets CLI flags take precedence over config file settings.
func (c *Config) MergeWithFlags(f Flags) {
	if f.MaxConcurrency != nil {
		c.MaxConcurrency = *f.MaxConcurrency
	}
	if f.Timeout != nil {
		c.Timeout = *f.Timeout
	}
	if f.LogDir != nil {
		c.LogDir = *f.LogDir
	}
	if f.LogLevel != nil {
		c.LogLevel = *f.LogLevel
	}
	if f.DryRun != nil {
		c.DryRun = *f.DryRun
	}
	if f.Trunk != nil {
		c.Trunk = *f.Trunk
	}
}

// Validate validates the configuration values.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("max_concurrency must be >= 1, got %d", c.MaxConcurrency)
	}
	if !logger.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}
	if c.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0, got %v", c.Timeout)
	}
	if strings.TrimSpace(c.Trunk) == "" {
		return fmt.Errorf("trunk cannot be empty")
	}
	if err := c.WorkerConfig().Validate(); err != nil {
		return fmt.Errorf("worker: %w", err)
	}
	if c.Worker.InvokeTimeout < 0 {
		return fmt.Errorf("worker.invoke_timeout must be >= 0, got %v", c.Worker.InvokeTimeout)
	}
	if c.Worker.EnableVerification && len(c.Worker.VerifyCommands) == 0 {
		return fmt.Errorf("worker.verify_commands cannot be empty when verification is enabled")
	}
	if c.MergeQueue.MaxRetries < 0 {
		return fmt.Errorf("merge_queue.max_retries must be >= 0, got %d", c.MergeQueue.MaxRetries)
	}
	if c.MergeQueue.BaseDelay < 0 || c.MergeQueue.MaxDelay < c.MergeQueue.BaseDelay {
		return fmt.Errorf("merge_queue delays must satisfy 0 <= base_delay <= max_delay, got %v and %v",
			c.MergeQueue.BaseDelay, c.MergeQueue.MaxDelay)
	}
	if _, err := mergequeue.NewIgnoreSet(c.MergeQueue.IgnorePatterns); err != nil {
		return fmt.Errorf("merge_queue.ignore_patterns: %w", err)
	}
	for tier := range c.Agent.Models {
		if !tier.Valid() {
			return fmt.Errorf("agent.models: unknown tier %q", tier)
		}
	}
	if c.Telemetry.Enabled && c.Telemetry.DBPath == "" {
		return fmt.Errorf("telemetry.db_path cannot be empty when telemetry is enabled")
	}
	return nil
}

// WorkerConfig converts the worker section into worker limits.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		MaxAttempts:           c.Worker.MaxAttempts,
		MaxRetriesPerTier:     c.Worker.MaxRetriesPerTier,
		MaxRetriesAtFinalTier: c.Worker.MaxRetriesAtFinalTier,
		StartTier:             c.Worker.StartTier,
		MaxTier:               c.Worker.MaxTier,
		EnableVerification:    c.Worker.EnableVerification,
		EnableReview:          c.Worker.EnableReview,
		MaxReviewPasses:       c.Worker.MaxReviewPasses,
		FileWriteCeiling:      c.Worker.FileWriteCeiling,
	}
}

// QueueTestCommands returns the commands the merge queue runs on a rebased
// branch: merge_queue.test_commands, or worker.verify_commands when unset.
func (c *Config) QueueTestCommands() []string {
	if len(c.MergeQueue.TestCommands) > 0 {
		return c.MergeQueue.TestCommands
	}
	return c.Worker.VerifyCommands
}

// QueueConfig converts the merge_queue section. repoDir is the shared
// working tree.
func (c *Config) QueueConfig(repoDir string) mergequeue.Config {
	return mergequeue.Config{
		Trunk:          c.Trunk,
		RepoDir:        repoDir,
		MaxRetries:     c.MergeQueue.MaxRetries,
		BaseDelay:      c.MergeQueue.BaseDelay,
		MaxDelay:       c.MergeQueue.MaxDelay,
		Push:           c.MergeQueue.Push,
		Cleanup:        c.MergeQueue.Cleanup,
		AutoComplete:   c.MergeQueue.AutoComplete,
		IgnorePatterns: c.MergeQueue.IgnorePatterns,
	}
}

// OrchestratorConfig converts the top-level run settings.
func (c *Config) OrchestratorConfig() executor.Config {
	return executor.Config{
		Trunk:          c.Trunk,
		MaxConcurrency: c.MaxConcurrency,
		WorktreeDir:    c.WorktreeDir,
		BranchPrefix:   c.BranchPrefix,
		SnapshotPath:   c.MergeQueue.SnapshotPath,
		DryRun:         c.DryRun,
		HandleSignals:  true,
	}
}
