package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/harrison/relay/internal/models"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultConfig_IsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("DefaultConfig().Validate() = %v", err)
	}
	if cfg.Trunk != "main" || cfg.BranchPrefix != "relay" {
		t.Errorf("unexpected defaults: trunk=%q prefix=%q", cfg.Trunk, cfg.BranchPrefix)
	}
	if cfg.MergeQueue.SnapshotPath != filepath.Join(".relay", "queue.json") {
		t.Errorf("SnapshotPath = %q", cfg.MergeQueue.SnapshotPath)
	}
}

func TestLoadConfig_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if !reflect.DeepEqual(cfg, DefaultConfig()) {
		t.Errorf("got %+v, want defaults", cfg)
	}
}

func TestLoadConfig_MergesSections(t *testing.T) {
	path := writeConfig(t, `
max_concurrency: 2
timeout: 90m
log_level: debug
trunk: develop
worker:
  max_retries_per_tier: 2
  start_tier: sonnet
  verify_commands: ["make check"]
  invoke_timeout: 5m
merge_queue:
  push: false
  base_delay: 2s
  ignore_patterns: []
agent:
  models:
    haiku: claude-haiku-4-5
telemetry:
  enabled: false
`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	def := DefaultConfig()

	if cfg.MaxConcurrency != 2 || cfg.Timeout != 90*time.Minute || cfg.LogLevel != "debug" || cfg.Trunk != "develop" {
		t.Errorf("top-level not applied: %+v", cfg)
	}
	if cfg.LogDir != def.LogDir {
		t.Errorf("LogDir = %q, want default", cfg.LogDir)
	}

	if cfg.Worker.MaxRetriesPerTier != 2 || cfg.Worker.StartTier != models.TierSonnet {
		t.Errorf("worker not applied: %+v", cfg.Worker)
	}
	if cfg.Worker.MaxAttempts != def.Worker.MaxAttempts || !cfg.Worker.EnableVerification {
		t.Errorf("absent worker keys should keep defaults: %+v", cfg.Worker)
	}
	if !reflect.DeepEqual(cfg.Worker.VerifyCommands, []string{"make check"}) || cfg.Worker.InvokeTimeout != 5*time.Minute {
		t.Errorf("worker commands/timeout = %v %v", cfg.Worker.VerifyCommands, cfg.Worker.InvokeTimeout)
	}

	if cfg.MergeQueue.Push {
		t.Error("explicit push: false was ignored")
	}
	if !cfg.MergeQueue.Cleanup || cfg.MergeQueue.BaseDelay != 2*time.Second || cfg.MergeQueue.MaxDelay != def.MergeQueue.MaxDelay {
		t.Errorf("merge_queue = %+v", cfg.MergeQueue)
	}
	if len(cfg.MergeQueue.IgnorePatterns) != 0 {
		t.Errorf("IgnorePatterns = %v, want empty", cfg.MergeQueue.IgnorePatterns)
	}

	if cfg.Agent.Models[models.TierHaiku] != "claude-haiku-4-5" || cfg.Agent.ClaudePath != "claude" {
		t.Errorf("agent = %+v", cfg.Agent)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.DBPath != def.Telemetry.DBPath {
		t.Errorf("telemetry = %+v", cfg.Telemetry)
	}
}

func TestLoadConfig_Malformed(t *testing.T) {
	tests := map[string]string{
		"bad yaml":     "max_concurrency: [",
		"bad duration": "timeout: forever",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, content)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestLoadConfigFromDir(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".relay"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".relay", "config.yaml"), []byte("max_concurrency: 7\n"), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfigFromDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MaxConcurrency != 7 {
		t.Errorf("MaxConcurrency = %d, want 7", cfg.MaxConcurrency)
	}
}

func TestMergeWithFlags(t *testing.T) {
	cfg := DefaultConfig()
	n := 9
	dry := true
	level := "warn"
	cfg.MergeWithFlags(Flags{MaxConcurrency: &n, DryRun: &dry, LogLevel: &level})

	if cfg.MaxConcurrency != 9 || !cfg.DryRun || cfg.LogLevel != "warn" {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.Timeout != DefaultConfig().Timeout {
		t.Error("unset flag changed timeout")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"zero concurrency", func(c *Config) { c.MaxConcurrency = 0 }, "max_concurrency"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, "timeout"},
		{"empty trunk", func(c *Config) { c.Trunk = " " }, "trunk"},
		{"start above max", func(c *Config) { c.Worker.StartTier = models.TierOpus; c.Worker.MaxTier = models.TierSonnet }, "worker"},
		{"no verify commands", func(c *Config) { c.Worker.VerifyCommands = nil }, "verify_commands"},
		{"delays inverted", func(c *Config) { c.MergeQueue.BaseDelay = time.Minute }, "delays"},
		{"bad glob", func(c *Config) { c.MergeQueue.IgnorePatterns = []string{"[unclosed"} }, "ignore_patterns"},
		{"unknown model tier", func(c *Config) { c.Agent.Models = map[models.Tier]string{"gpt": "x"} }, "unknown tier"},
		{"telemetry without path", func(c *Config) { c.Telemetry.DBPath = "" }, "db_path"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestConversions(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trunk = "develop"

	wc := cfg.WorkerConfig()
	if wc.MaxAttempts != cfg.Worker.MaxAttempts || wc.StartTier != cfg.Worker.StartTier {
		t.Errorf("WorkerConfig() = %+v", wc)
	}
	qc := cfg.QueueConfig("/repo")
	if qc.Trunk != "develop" || qc.RepoDir != "/repo" || qc.MaxRetries != cfg.MergeQueue.MaxRetries {
		t.Errorf("QueueConfig() = %+v", qc)
	}
	oc := cfg.OrchestratorConfig()
	if oc.Trunk != "develop" || oc.SnapshotPath != cfg.MergeQueue.SnapshotPath || !oc.HandleSignals {
		t.Errorf("OrchestratorConfig() = %+v", oc)
	}
}

func TestQueueTestCommands(t *testing.T) {
	cfg := DefaultConfig()
	if got := cfg.QueueTestCommands(); !reflect.DeepEqual(got, cfg.Worker.VerifyCommands) {
		t.Errorf("QueueTestCommands() = %v, want verify commands %v", got, cfg.Worker.VerifyCommands)
	}

	path := writeConfig(t, "merge_queue:\n  test_commands: [\"make check\"]\n")
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := cfg.QueueTestCommands(); !reflect.DeepEqual(got, []string{"make check"}) {
		t.Errorf("QueueTestCommands() = %v, want [make check]", got)
	}
}

func TestResolvePaths(t *testing.T) {
	root := t.TempDir()
	abs := filepath.Join(t.TempDir(), "telemetry.db")
	cfg := DefaultConfig()
	cfg.Telemetry.DBPath = abs
	cfg.ResolvePaths(root)

	tests := []struct {
		name, got, want string
	}{
		{"log_dir", cfg.LogDir, filepath.Join(root, ".relay", "logs")},
		{"worktree_dir", cfg.WorktreeDir, filepath.Join(root, ".relay", "worktrees")},
		{"snapshot_path", cfg.MergeQueue.SnapshotPath, filepath.Join(root, ".relay", "queue.json")},
		{"db_path", cfg.Telemetry.DBPath, abs},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestFindRepoRoot(t *testing.T) {
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, ".git"), 0755); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}
	got, err := FindRepoRoot(nested)
	if err != nil {
		t.Fatalf("FindRepoRoot() error = %v", err)
	}
	want, _ := filepath.EvalSymlinks(root)
	if gotEval, _ := filepath.EvalSymlinks(got); gotEval != want {
		t.Errorf("FindRepoRoot() = %q, want %q", got, root)
	}
}

func TestGetRelayHome_Env(t *testing.T) {
	t.Setenv("RELAY_HOME", "/custom/home")
	got, err := GetRelayHome()
	if err != nil || got != "/custom/home" {
		t.Errorf("GetRelayHome() = %q, %v", got, err)
	}
}
