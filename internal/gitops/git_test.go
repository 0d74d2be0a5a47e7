package gitops

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResponse struct {
	output string
	err    error
}

// fakeRunner returns canned responses keyed by "name arg1 arg2...".
// Responses queued for the same key are returned in order; the last one repeats.
type fakeRunner struct {
	mu        sync.Mutex
	responses map[string][]fakeResponse
	calls     []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{responses: make(map[string][]fakeResponse)}
}

func (f *fakeRunner) on(cmd, output string, err error) {
	f.responses[cmd] = append(f.responses[cmd], fakeResponse{output: output, err: err})
}

func (f *fakeRunner) Run(_ context.Context, _ string, name string, args ...string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, key)
	queue := f.responses[key]
	if len(queue) == 0 {
		return "", nil
	}
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[key] = queue[1:]
	}
	return resp.output, resp.err
}

var errExit = errors.New("exit status 1")

func TestMergeWithFallback_Clean(t *testing.T) {
	runner := newFakeRunner()
	repo := NewRepo("/repo", WithRunner(runner))

	res, err := repo.MergeWithFallback(context.Background(), "main", "relay/a", "merge a")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StrategyDefault, res.StrategyUsed)
	assert.Equal(t, []string{"git checkout main", "git merge --no-ff -m merge a relay/a"}, runner.calls)
}

func TestMergeWithFallback_FavorTrunk(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git merge --no-ff -m merge b relay/b", "CONFLICT (content): Merge conflict in src/foo.ts\nAutomatic merge failed", errExit)
	runner.on("git diff --name-only --diff-filter=U", "src/foo.ts\n", nil)
	repo := NewRepo("/repo", WithRunner(runner))

	res, err := repo.MergeWithFallback(context.Background(), "main", "relay/b", "merge b")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StrategyFavorTrunk, res.StrategyUsed)
	assert.Equal(t, []string{"src/foo.ts"}, res.ConflictFiles)
	assert.Contains(t, runner.calls, "git merge --abort")
	assert.Contains(t, runner.calls, "git merge --no-ff -Xours -m merge b relay/b")
}

func TestMergeWithFallback_BothConflict(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git merge --no-ff -m m relay/c", "CONFLICT", errExit)
	runner.on("git merge --no-ff -Xours -m m relay/c", "CONFLICT (modify/delete)", errExit)
	runner.on("git diff --name-only --diff-filter=U", "a.go\nb.go\n", nil)
	runner.on("git diff --name-only --diff-filter=U", "b.go\n", nil)
	repo := NewRepo("/repo", WithRunner(runner))

	res, err := repo.MergeWithFallback(context.Background(), "main", "relay/c", "m")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Empty(t, res.StrategyUsed)
	assert.Equal(t, []string{"b.go"}, res.ConflictFiles)
	assert.Equal(t, "git merge --abort", runner.calls[len(runner.calls)-1])
}

func TestMergeWithFallback_UnexpectedError(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git merge --no-ff -m m relay/d", "fatal: not something we can merge", errExit)
	repo := NewRepo("/repo", WithRunner(runner))

	_, err := repo.MergeWithFallback(context.Background(), "main", "relay/d", "m")
	require.Error(t, err)
	var ge *GitError
	assert.True(t, errors.As(err, &ge))
}

func TestRebase(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		repo := NewRepo("/repo", WithRunner(newFakeRunner()))
		res, err := repo.Rebase(context.Background(), "/wt", "main")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, StrategyDefault, res.StrategyUsed)
	})

	t.Run("conflict falls back to trunk", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("git rebase main", "error: could not apply 1a2b3c... edit foo", errExit)
		runner.on("git diff --name-only --diff-filter=U", "src/foo.ts\n", nil)
		repo := NewRepo("/repo", WithRunner(runner))

		res, err := repo.Rebase(context.Background(), "/wt", "main")
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, StrategyFavorTrunk, res.StrategyUsed)
		assert.Equal(t, []string{"src/foo.ts"}, res.ConflictFiles)
		assert.Equal(t, []string{
			"git rebase main",
			"git diff --name-only --diff-filter=U",
			"git rebase --abort",
			"git rebase -Xours main",
		}, runner.calls)
	})

	t.Run("conflict on both attempts is aborted", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("git rebase main", "error: could not apply 1a2b3c... edit foo", errExit)
		runner.on("git rebase -Xours main", "CONFLICT (modify/delete): src/bar.ts", errExit)
		runner.on("git diff --name-only --diff-filter=U", "src/foo.ts\n", nil)
		runner.on("git diff --name-only --diff-filter=U", "src/bar.ts\n", nil)
		repo := NewRepo("/repo", WithRunner(runner))

		res, err := repo.Rebase(context.Background(), "/wt", "main")
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, []string{"src/bar.ts"}, res.ConflictFiles)
		assert.Equal(t, "git rebase --abort", runner.calls[len(runner.calls)-1])
	})

	t.Run("other failure", func(t *testing.T) {
		runner := newFakeRunner()
		runner.on("git rebase main", "fatal: invalid upstream 'main'", errExit)
		repo := NewRepo("/repo", WithRunner(runner))

		_, err := repo.Rebase(context.Background(), "/wt", "main")
		assert.Error(t, err)
	})
}

func TestParseWorktrees(t *testing.T) {
	out := `worktree /repo
HEAD 1111111111111111111111111111111111111111
branch refs/heads/main

worktree /repo/.relay/worktrees/t1
HEAD 2222222222222222222222222222222222222222
branch refs/heads/relay/t1

worktree /tmp/detached
HEAD 3333333333333333333333333333333333333333
detached
`
	trees := parseWorktrees(out)
	require.Len(t, trees, 3)
	assert.Equal(t, "main", trees[0].Branch)
	assert.Equal(t, "/repo/.relay/worktrees/t1", trees[1].Path)
	assert.Equal(t, "relay/t1", trees[1].Branch)
	assert.Empty(t, trees[2].Branch)
}

func TestUncommittedFiles(t *testing.T) {
	runner := newFakeRunner()
	runner.on("git status --porcelain --untracked-files=all", " M src/a.go\n?? new.txt\nR  old.go -> moved.go\n", nil)
	repo := NewRepo("/repo", WithRunner(runner))

	files, err := repo.UncommittedFiles(context.Background(), "/wt")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/a.go", "new.txt", "moved.go"}, files)
}

func TestCommandTestRunner(t *testing.T) {
	runner := newFakeRunner()
	runner.on("sh -c go test ./...", "--- FAIL: TestX\nFAIL\n", errExit)
	tr := NewCommandTestRunner([]string{"go vet ./...", "go test ./...", "never run"}, runner)

	res, err := tr.RunTests(context.Background(), "/wt")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "go test ./...", res.Command)
	assert.Contains(t, res.Output, "--- FAIL: TestX")
	assert.NotContains(t, runner.calls, "sh -c never run")

	empty := NewCommandTestRunner(nil, runner)
	res, err = empty.RunTests(context.Background(), "/wt")
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestCommandTestRunner_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	tr := NewCommandTestRunner([]string{"true"}, newFakeRunner())
	_, err := tr.RunTests(ctx, "/wt")
	assert.ErrorIs(t, err, context.Canceled)
}

// initRepo creates a real repository with one commit on main.
func initRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init", "-q")
	run("checkout", "-q", "-b", "main")
	run("config", "user.email", "relay@example.com")
	run("config", "user.name", "relay")
	run("config", "commit.gpgsign", "false")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "src", "foo.ts"), []byte("export const a = 1;\n"), 0644))
	run("add", "-A")
	run("commit", "-q", "-m", "initial")
	return dir
}

func TestRepo_WorktreeMergeFavorsTrunk(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo := NewRepo(dir)

	wtA := filepath.Join(t.TempDir(), "a")
	wtB := filepath.Join(t.TempDir(), "b")
	require.NoError(t, repo.AddWorktree(ctx, wtA, "relay/a", "main"))
	require.NoError(t, repo.AddWorktree(ctx, wtB, "relay/b", "main"))

	require.NoError(t, os.WriteFile(filepath.Join(wtA, "src", "foo.ts"), []byte("export const a = 2;\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wtB, "src", "foo.ts"), []byte("export const a = 3;\n"), 0644))

	changed, err := repo.UncommittedFiles(ctx, wtA)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/foo.ts"}, changed)

	committed, err := repo.CommitAll(ctx, wtA, "set a to 2")
	require.NoError(t, err)
	assert.True(t, committed)
	committed, err = repo.CommitAll(ctx, wtB, "set a to 3")
	require.NoError(t, err)
	assert.True(t, committed)

	files, err := repo.ChangedFiles(ctx, wtB, "main")
	require.NoError(t, err)
	assert.Equal(t, []string{"src/foo.ts"}, files)

	trees, err := repo.ListWorktrees(ctx)
	require.NoError(t, err)
	assert.Len(t, trees, 3)

	resA, err := repo.MergeWithFallback(ctx, "main", "relay/a", "merge a")
	require.NoError(t, err)
	assert.Equal(t, StrategyDefault, resA.StrategyUsed)

	resB, err := repo.MergeWithFallback(ctx, "main", "relay/b", "merge b")
	require.NoError(t, err)
	assert.True(t, resB.Success)
	assert.Equal(t, StrategyFavorTrunk, resB.StrategyUsed)
	assert.Equal(t, []string{"src/foo.ts"}, resB.ConflictFiles)

	content, err := os.ReadFile(filepath.Join(dir, "src", "foo.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const a = 2;\n", string(content))

	msg, err := repo.LastCommitMessage(ctx, "relay/b")
	require.NoError(t, err)
	assert.Equal(t, "set a to 3", msg)

	require.NoError(t, repo.RemoveWorktree(ctx, wtB))
	require.NoError(t, repo.DeleteBranch(ctx, "relay/b"))
	trees, err = repo.ListWorktrees(ctx)
	require.NoError(t, err)
	assert.Len(t, trees, 2)
}

func TestRepo_RebaseFavorsTrunk(t *testing.T) {
	dir := initRepo(t)
	ctx := context.Background()
	repo := NewRepo(dir)

	wtA := filepath.Join(t.TempDir(), "a")
	wtB := filepath.Join(t.TempDir(), "b")
	require.NoError(t, repo.AddWorktree(ctx, wtA, "relay/a", "main"))
	require.NoError(t, repo.AddWorktree(ctx, wtB, "relay/b", "main"))
	require.NoError(t, os.WriteFile(filepath.Join(wtA, "src", "foo.ts"), []byte("export const a = 2;\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wtB, "src", "foo.ts"), []byte("export const a = 3;\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(wtB, "src", "bar.ts"), []byte("export const b = 1;\n"), 0644))
	_, err := repo.CommitAll(ctx, wtA, "set a to 2")
	require.NoError(t, err)
	_, err = repo.CommitAll(ctx, wtB, "set a to 3, add bar")
	require.NoError(t, err)

	resA, err := repo.MergeWithFallback(ctx, "main", "relay/a", "merge a")
	require.NoError(t, err)
	require.True(t, resA.Success)

	res, err := repo.Rebase(ctx, wtB, "main")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, StrategyFavorTrunk, res.StrategyUsed)
	assert.Equal(t, []string{"src/foo.ts"}, res.ConflictFiles)

	foo, err := os.ReadFile(filepath.Join(wtB, "src", "foo.ts"))
	require.NoError(t, err)
	assert.Equal(t, "export const a = 2;\n", string(foo))
	_, err = os.Stat(filepath.Join(wtB, "src", "bar.ts"))
	assert.NoError(t, err)
}
