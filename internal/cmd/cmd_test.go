package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
	"github.com/harrison/relay/internal/telemetry"
)

const boardYAML = `tasks:
  - id: "1"
    objective: Add a health endpoint
    files: [internal/http/health.go]
  - id: "2"
    objective: Add a readiness endpoint
    files: [internal/http/health.go]
  - id: "3"
    objective: Document both endpoints
    depends_on: ["1", "2"]
`

// testEnv writes a config whose state paths live in a temp dir.
type testEnv struct {
	dir      string
	config   string
	snapshot string
	db       string
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	env := testEnv{
		dir:      dir,
		config:   filepath.Join(dir, "config.yaml"),
		snapshot: filepath.Join(dir, "queue.json"),
		db:       filepath.Join(dir, "telemetry.db"),
	}
	content := "log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"worktree_dir: " + filepath.Join(dir, "worktrees") + "\n" +
		"merge_queue:\n  snapshot_path: " + env.snapshot + "\n" +
		"telemetry:\n  db_path: " + env.db + "\n"
	if err := os.WriteFile(env.config, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(e.dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, err := execute(t, "--help")
	if err != nil {
		t.Fatalf("--help returned %v", err)
	}
	for _, want := range []string{"relay", "merge queue", "run", "validate", "queue", "history"} {
		if !strings.Contains(out, want) {
			t.Errorf("help text missing %q:\n%s", want, out)
		}
	}
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, Version) {
		t.Errorf("--version output %q does not contain %q", out, Version)
	}
}

func TestValidate_PrintsWavesAndOverlaps(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", boardYAML)

	out, err := execute(t, "validate", board)
	if err != nil {
		t.Fatalf("validate returned %v\n%s", err, out)
	}
	for _, want := range []string{
		"is valid (yaml board, 3 tasks, 3 open, 2 waves)",
		"Wave 1: [1 2]",
		"Wave 2: [3]",
		"internal/http/health.go",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestValidate_RejectsCycle(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", `tasks:
  - id: a
    objective: first
    depends_on: [b]
  - id: b
    objective: second
    depends_on: [a]
`)
	out, err := execute(t, "validate", board)
	if err == nil {
		t.Fatalf("expected an error for a dependency cycle:\n%s", out)
	}
	if !strings.Contains(out, "is invalid") {
		t.Errorf("output = %q", out)
	}
}

func TestValidate_UnknownDependency(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", "tasks:\n  - id: a\n    objective: x\n    depends_on: [zz]\n")
	if _, err := execute(t, "validate", board); err == nil || !strings.Contains(err.Error(), "zz") {
		t.Errorf("validate error = %v, want mention of zz", err)
	}
}

func TestRun_DryRun(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", boardYAML)

	out, err := execute(t, "run", "--config", env.config, "--dry-run", board)
	if err != nil {
		t.Fatalf("dry run returned %v\n%s", err, out)
	}
	if !strings.Contains(out, "DRY RUN") {
		t.Errorf("summary should report a dry run:\n%s", out)
	}
	if _, err := os.Stat(env.db); !os.IsNotExist(err) {
		t.Error("dry run should not create the telemetry database")
	}
	data, err := os.ReadFile(board)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "status:") {
		t.Errorf("dry run modified the board:\n%s", data)
	}
}

func TestRun_AllTasksCompleted(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", "tasks:\n  - id: a\n    objective: x\n    status: completed\n")

	out, err := execute(t, "run", "--config", env.config, board)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "All 1 tasks are already completed") {
		t.Errorf("output = %q", out)
	}
}

func TestRun_InvalidFlags(t *testing.T) {
	env := newTestEnv(t)
	board := env.writeFile(t, "tasks.yaml", boardYAML)

	if _, err := execute(t, "run", "--config", env.config, "--timeout", "soon", board); err == nil {
		t.Error("expected an error for a malformed timeout")
	}
	if _, err := execute(t, "run", "--config", env.config, "--max-concurrency", "0", board); err == nil {
		t.Error("expected an error for zero concurrency")
	}
}

func TestRunError_NamesTimeout(t *testing.T) {
	err := runError(context.DeadlineExceeded, 2*time.Hour)
	if err == nil || !strings.Contains(err.Error(), "run timed out after 2h0m0s") {
		t.Errorf("runError() = %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("runError should keep the deadline in the chain")
	}

	other := errors.New("merge queue snapshot is corrupt")
	if got := runError(other, 2*time.Hour); got != other {
		t.Errorf("runError() = %v, want the error unchanged", got)
	}
	if got := runError(context.DeadlineExceeded, 0); got != context.DeadlineExceeded {
		t.Errorf("runError() without a run timeout = %v", got)
	}
}

func writeSnapshot(t *testing.T, path string, items ...mergequeue.Item) {
	t.Helper()
	snap := mergequeue.Snapshot{Version: 1, Trunk: "main", Items: items, Completed: 4, Lossy: 1}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
}

func readSnapshot(t *testing.T, path string) mergequeue.Snapshot {
	t.Helper()
	snap, err := mergequeue.LoadSnapshot(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

func queueFixture() []mergequeue.Item {
	return []mergequeue.Item{
		{ID: "a", Branch: "relay/1", StepID: "1", Status: mergequeue.StatusPending, MaxRetries: 3,
			ModifiedFiles: []string{"api.go", "db.go"}},
		{ID: "b", Branch: "relay/2", StepID: "2", Status: mergequeue.StatusPending, MaxRetries: 3,
			ModifiedFiles: []string{"api.go"}},
		{ID: "c", Branch: "relay/3", StepID: "3", Status: mergequeue.StatusConflict, RetryCount: 3, MaxRetries: 3,
			ConflictFiles: []string{"go.mod"}, Error: "rebase failed\nmore detail"},
	}
}

func TestQueueStatus(t *testing.T) {
	env := newTestEnv(t)
	writeSnapshot(t, env.snapshot, queueFixture()...)

	out, err := execute(t, "queue", "status", "--config", env.config)
	if err != nil {
		t.Fatalf("queue status returned %v", err)
	}
	for _, want := range []string{
		"2 pending, 0 processing, 0 retryable, 1 exhausted, 4 merged, 1 lossy",
		"relay/3 (task 3)",
		"retries 3/3",
		"conflicts: go.mod",
		"error: rebase failed",
		"relay/1 <-> relay/2: api.go",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "more detail") {
		t.Error("only the first line of an error should be shown")
	}
}

func TestQueueStatus_Empty(t *testing.T) {
	env := newTestEnv(t)
	out, err := execute(t, "queue", "status", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Merge queue is empty") {
		t.Errorf("output = %q", out)
	}
}

func TestQueueRetry(t *testing.T) {
	env := newTestEnv(t)
	writeSnapshot(t, env.snapshot, queueFixture()...)

	if _, err := execute(t, "queue", "retry", "relay/3", "--config", env.config); err != nil {
		t.Fatalf("retry returned %v", err)
	}
	snap := readSnapshot(t, env.snapshot)
	var found bool
	for _, it := range snap.Items {
		if it.Branch != "relay/3" {
			continue
		}
		found = true
		if it.Status != mergequeue.StatusPending || it.RetryCount != 0 || it.Error != "" {
			t.Errorf("item not reset: %+v", it)
		}
	}
	if !found {
		t.Fatal("retried item missing from snapshot")
	}
	if snap.Completed != 4 || snap.Lossy != 1 {
		t.Errorf("counters lost: completed=%d lossy=%d", snap.Completed, snap.Lossy)
	}

	if _, err := execute(t, "queue", "retry", "relay/1", "--config", env.config); err == nil {
		t.Error("retrying a pending item should fail")
	}
}

func TestQueueClear(t *testing.T) {
	env := newTestEnv(t)
	writeSnapshot(t, env.snapshot, queueFixture()...)

	if _, err := execute(t, "queue", "clear", "relay/2", "--config", env.config); err != nil {
		t.Fatalf("clear branch returned %v", err)
	}
	if n := len(readSnapshot(t, env.snapshot).Items); n != 2 {
		t.Errorf("items after clearing one = %d, want 2", n)
	}

	out, err := execute(t, "queue", "clear", "--all", "--config", env.config)
	if err != nil {
		t.Fatalf("clear --all returned %v", err)
	}
	if !strings.Contains(out, "Removed 2 item(s)") {
		t.Errorf("output = %q", out)
	}
	if n := len(readSnapshot(t, env.snapshot).Items); n != 0 {
		t.Errorf("items after clear --all = %d", n)
	}

	if _, err := execute(t, "queue", "clear", "--config", env.config); err == nil {
		t.Error("clear without a branch or --all should fail")
	}
}

func TestHistory_NoDatabase(t *testing.T) {
	env := newTestEnv(t)
	out, err := execute(t, "history", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No telemetry recorded yet") {
		t.Errorf("output = %q", out)
	}
}

func TestHistory_AttemptsAndMerges(t *testing.T) {
	env := newTestEnv(t)
	store, err := telemetry.NewStore(env.db)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []models.AttemptRecord{
		{Attempt: 1, Tier: models.TierHaiku, StartedAt: start, Duration: 2 * time.Second,
			Error: &models.ErrorRecord{Category: models.CategoryBuild, Message: "undefined: Foo"}},
		{Attempt: 2, Tier: models.TierSonnet, StartedAt: start.Add(time.Minute), Duration: 3 * time.Second, FilesWritten: 2},
	}
	for i, rec := range records {
		outcome := "escalate"
		if i == 1 {
			outcome = "success"
		}
		if err := store.RecordAttempt(ctx, "7", rec, outcome); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.RecordMerge(ctx, mergequeue.Item{ID: "m", Branch: "relay/7", StepID: "7",
		Status: mergequeue.StatusComplete, StrategyUsed: "ours", ContestedFiles: []string{"go.sum"}}); err != nil {
		t.Fatal(err)
	}
	store.Close()

	out, err := execute(t, "history", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "TASK") || !strings.Contains(out, "success") {
		t.Errorf("stats output = %q", out)
	}

	out, err = execute(t, "history", "7", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"haiku", "sonnet", "undefined: Foo", "escalate"} {
		if !strings.Contains(out, want) {
			t.Errorf("attempt output missing %q:\n%s", want, out)
		}
	}

	out, err = execute(t, "history", "--merges", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "relay/7") || !strings.Contains(out, "trunk kept for go.sum") {
		t.Errorf("merge output = %q", out)
	}

	out, err = execute(t, "history", "missing", "--config", env.config)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "No attempts recorded for task missing") {
		t.Errorf("output = %q", out)
	}
}
