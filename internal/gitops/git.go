package gitops

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Strategies reported in RebaseResult.StrategyUsed and MergeResult.StrategyUsed.
const (
	StrategyDefault      = "default"
	StrategyFavorTrunk   = "ours"
	strategyOptionTrunk  = "-Xours"
	conflictedFileFilter = "--diff-filter=U"
)

// RebaseResult reports the outcome of a rebase. A conflicted rebase has
// already been aborted when this is returned.
type RebaseResult struct {
	Success       bool
	StrategyUsed  string
	ConflictFiles []string // Files that conflicted on the clean rebase attempt
}

// MergeResult reports the outcome of MergeWithFallback.
type MergeResult struct {
	Success       bool
	StrategyUsed  string
	ConflictFiles []string // Files that conflicted on the clean merge attempt
}

// Worktree is one entry of `git worktree list`.
type Worktree struct {
	Path   string
	Branch string
	Head   string
}

// Repo runs git commands against one repository. Dir is the shared
// working tree that has the trunk branch checked out.
type Repo struct {
	Dir    string
	Remote string
	runner Runner
}

// Option configures a Repo.
type Option func(*Repo)

// WithRunner injects a command runner, typically a fake in tests.
func WithRunner(r Runner) Option {
	return func(repo *Repo) {
		repo.runner = r
	}
}

// WithRemote sets the remote used by PushToOrigin.
func WithRemote(remote string) Option {
	return func(repo *Repo) {
		repo.Remote = remote
	}
}

// NewRepo creates a Repo rooted at dir.
func NewRepo(dir string, opts ...Option) *Repo {
	r := &Repo{Dir: dir, Remote: "origin", runner: ExecRunner{}}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Repo) git(ctx context.Context, dir string, args ...string) (string, error) {
	if dir == "" {
		dir = r.Dir
	}
	out, err := r.runner.Run(ctx, dir, "git", args...)
	if err != nil {
		return out, &GitError{Args: args, Dir: dir, Output: out, Err: err}
	}
	return out, nil
}

// CheckoutBranch checks out branch in dir (the shared tree when dir is empty).
func (r *Repo) CheckoutBranch(ctx context.Context, dir, branch string) error {
	_, err := r.git(ctx, dir, "checkout", branch)
	return err
}

// Rebase rebases the branch checked out in dir onto onto. A clean rebase is
// tried first, then one that resolves conflicting hunks in favor of onto
// (during a rebase "ours" is the upstream). If both conflict the rebase is
// aborted and Success is false.
func (r *Repo) Rebase(ctx context.Context, dir, onto string) (RebaseResult, error) {
	_, err := r.git(ctx, dir, "rebase", onto)
	if err == nil {
		return RebaseResult{Success: true, StrategyUsed: StrategyDefault}, nil
	}
	if !IsConflict(err) {
		return RebaseResult{}, fmt.Errorf("rebase onto %s: %w", onto, err)
	}
	conflicts, _ := r.conflictedFiles(ctx, dir)
	if _, abortErr := r.git(ctx, dir, "rebase", "--abort"); abortErr != nil {
		return RebaseResult{ConflictFiles: conflicts}, fmt.Errorf("abort rebase: %w", abortErr)
	}

	_, err = r.git(ctx, dir, "rebase", strategyOptionTrunk, onto)
	if err == nil {
		return RebaseResult{Success: true, StrategyUsed: StrategyFavorTrunk, ConflictFiles: conflicts}, nil
	}
	if !IsConflict(err) {
		return RebaseResult{ConflictFiles: conflicts}, fmt.Errorf("rebase onto %s favoring %s: %w", onto, onto, err)
	}
	if remaining, _ := r.conflictedFiles(ctx, dir); len(remaining) > 0 {
		conflicts = remaining
	}
	if _, abortErr := r.git(ctx, dir, "rebase", "--abort"); abortErr != nil {
		return RebaseResult{ConflictFiles: conflicts}, fmt.Errorf("abort rebase: %w", abortErr)
	}
	return RebaseResult{ConflictFiles: conflicts}, nil
}

// MergeWithFallback merges branch into trunk in the shared tree. A clean
// merge is tried first, then a merge that resolves conflicting hunks in
// favor of trunk. If both conflict the merge is aborted and Success is false.
func (r *Repo) MergeWithFallback(ctx context.Context, trunk, branch, message string) (MergeResult, error) {
	if err := r.CheckoutBranch(ctx, "", trunk); err != nil {
		return MergeResult{}, err
	}

	_, err := r.git(ctx, "", "merge", "--no-ff", "-m", message, branch)
	if err == nil {
		return MergeResult{Success: true, StrategyUsed: StrategyDefault}, nil
	}
	if !IsConflict(err) {
		return MergeResult{}, fmt.Errorf("merge %s: %w", branch, err)
	}
	conflicts, _ := r.conflictedFiles(ctx, "")
	if _, abortErr := r.git(ctx, "", "merge", "--abort"); abortErr != nil {
		return MergeResult{ConflictFiles: conflicts}, fmt.Errorf("abort merge: %w", abortErr)
	}

	_, err = r.git(ctx, "", "merge", "--no-ff", strategyOptionTrunk, "-m", message, branch)
	if err == nil {
		return MergeResult{Success: true, StrategyUsed: StrategyFavorTrunk, ConflictFiles: conflicts}, nil
	}
	if !IsConflict(err) {
		return MergeResult{ConflictFiles: conflicts}, fmt.Errorf("merge %s favoring %s: %w", branch, trunk, err)
	}
	if remaining, _ := r.conflictedFiles(ctx, ""); len(remaining) > 0 {
		conflicts = remaining
	}
	if _, abortErr := r.git(ctx, "", "merge", "--abort"); abortErr != nil {
		return MergeResult{ConflictFiles: conflicts}, fmt.Errorf("abort merge: %w", abortErr)
	}
	return MergeResult{ConflictFiles: conflicts}, nil
}

func (r *Repo) conflictedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.git(ctx, dir, "diff", "--name-only", conflictedFileFilter)
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// PushToOrigin pushes branch to the configured remote.
func (r *Repo) PushToOrigin(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "", "push", r.Remote, branch)
	return err
}

// DeleteBranch force-deletes a local branch.
func (r *Repo) DeleteBranch(ctx context.Context, branch string) error {
	_, err := r.git(ctx, "", "branch", "-D", branch)
	return err
}

// ListWorktrees returns every worktree attached to the repository.
func (r *Repo) ListWorktrees(ctx context.Context) ([]Worktree, error) {
	out, err := r.git(ctx, "", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return parseWorktrees(out), nil
}

func parseWorktrees(out string) []Worktree {
	var (
		trees   []Worktree
		current *Worktree
	)
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "worktree "):
			if current != nil {
				trees = append(trees, *current)
			}
			current = &Worktree{Path: strings.TrimPrefix(line, "worktree ")}
		case current == nil:
			continue
		case strings.HasPrefix(line, "HEAD "):
			current.Head = strings.TrimPrefix(line, "HEAD ")
		case strings.HasPrefix(line, "branch "):
			current.Branch = strings.TrimPrefix(strings.TrimPrefix(line, "branch "), "refs/heads/")
		}
	}
	if current != nil {
		trees = append(trees, *current)
	}
	return trees
}

// AddWorktree creates a worktree at path on branch, started from base. An
// existing branch of the same name is reset to base.
func (r *Repo) AddWorktree(ctx context.Context, path, branch, base string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	_, err = r.git(ctx, "", "worktree", "add", "-B", branch, abs, base)
	return err
}

// PruneWorktrees drops bookkeeping for worktrees whose directories are gone.
func (r *Repo) PruneWorktrees(ctx context.Context) error {
	_, err := r.git(ctx, "", "worktree", "prune")
	return err
}

// RemoveWorktree removes the worktree at path, discarding local changes.
func (r *Repo) RemoveWorktree(ctx context.Context, path string) error {
	_, err := r.git(ctx, "", "worktree", "remove", "--force", path)
	return err
}

// CommitAll stages everything in dir and commits it. It returns false when
// there was nothing to commit.
func (r *Repo) CommitAll(ctx context.Context, dir, message string) (bool, error) {
	if _, err := r.git(ctx, dir, "add", "-A"); err != nil {
		return false, err
	}
	status, err := r.git(ctx, dir, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(status) == "" {
		return false, nil
	}
	if _, err := r.git(ctx, dir, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// UncommittedFiles lists files with uncommitted changes in dir, including
// each untracked file.
func (r *Repo) UncommittedFiles(ctx context.Context, dir string) ([]string, error) {
	out, err := r.git(ctx, dir, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		if len(line) < 4 {
			continue
		}
		path := strings.TrimSpace(line[3:])
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, path)
	}
	return files, nil
}

// ChangedFiles lists files changed on the branch in dir since it left base.
func (r *Repo) ChangedFiles(ctx context.Context, dir, base string) ([]string, error) {
	out, err := r.git(ctx, dir, "diff", "--name-only", base+"...HEAD")
	if err != nil {
		return nil, err
	}
	return splitLines(out), nil
}

// StagedDiff stages everything in dir and returns the diff against base.
func (r *Repo) StagedDiff(ctx context.Context, dir, base string) (string, error) {
	if _, err := r.git(ctx, dir, "add", "-A"); err != nil {
		return "", err
	}
	return r.git(ctx, dir, "diff", "--cached", base)
}

// LastCommitMessage returns the full message of the tip commit of ref.
func (r *Repo) LastCommitMessage(ctx context.Context, ref string) (string, error) {
	out, err := r.git(ctx, "", "log", "-1", "--format=%B", ref)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

func splitLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
