package mergequeue

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/harrison/relay/internal/gitops"
	"github.com/harrison/relay/internal/models"
)

// ErrDuplicateBranch is returned by Add when the branch is already queued.
var ErrDuplicateBranch = errors.New("branch already queued")

// maxTestOutput bounds the test output retained on an item.
const maxTestOutput = 16 * 1024

// Git is the subset of git operations the queue needs.
type Git interface {
	CheckoutBranch(ctx context.Context, dir, branch string) error
	Rebase(ctx context.Context, dir, onto string) (gitops.RebaseResult, error)
	MergeWithFallback(ctx context.Context, trunk, branch, message string) (gitops.MergeResult, error)
	PushToOrigin(ctx context.Context, branch string) error
	DeleteBranch(ctx context.Context, branch string) error
	ListWorktrees(ctx context.Context) ([]gitops.Worktree, error)
	RemoveWorktree(ctx context.Context, path string) error
	LastCommitMessage(ctx context.Context, ref string) (string, error)
}

// TestRunner runs verification in a workspace.
type TestRunner interface {
	RunTests(ctx context.Context, dir string) (gitops.TestResult, error)
}

// TaskCompleter lets the queue mark the originating task complete.
type TaskCompleter interface {
	OpenTasks() []models.Task
	MarkTaskComplete(id string) error
}

// Logger receives queue progress messages.
type Logger interface {
	LogDebug(message string)
	LogInfo(message string)
	LogWarn(message string)
	LogError(message string)
}

// Config controls queue behavior.
type Config struct {
	Trunk          string
	RepoDir        string // Shared working tree, used for tests when a branch has no worktree
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Push           bool
	Cleanup        bool
	AutoComplete   bool
	IgnorePatterns []string
}

// DefaultConfig returns the queue settings used when none are configured.
func DefaultConfig() Config {
	return Config{
		Trunk:        "main",
		MaxRetries:   3,
		BaseDelay:    time.Second,
		MaxDelay:     30 * time.Second,
		Push:         true,
		Cleanup:      true,
		AutoComplete: true,
		IgnorePatterns: []string{
			"go.sum", "package-lock.json", "yarn.lock", "pnpm-lock.yaml",
		},
	}
}

// Queue is a serial merge queue. Add and the query methods may be called
// from any goroutine; ProcessNext runs at most one item at a time.
type Queue struct {
	cfg    Config
	git    Git
	tests  TestRunner
	tasks  TaskCompleter
	log    Logger
	ignore *IgnoreSet
	now    func() time.Time
	newID  func() string

	observers []func(Item)

	processMu sync.Mutex

	mu        sync.Mutex
	items     []*Item
	completed int
	lossy     int
}

// Option configures a Queue.
type Option func(*Queue)

// WithTestRunner sets the verification run after rebasing.
func WithTestRunner(t TestRunner) Option {
	return func(q *Queue) { q.tests = t }
}

// WithTaskCompleter enables task auto-completion after merge.
func WithTaskCompleter(c TaskCompleter) Option {
	return func(q *Queue) { q.tasks = c }
}

// WithLogger sets the logger.
func WithLogger(l Logger) Option {
	return func(q *Queue) { q.log = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) { q.now = now }
}

// WithObserver registers fn to receive a copy of every item after it is processed.
func WithObserver(fn func(Item)) Option {
	return func(q *Queue) { q.observers = append(q.observers, fn) }
}

// New creates a queue. It fails only on invalid ignore patterns.
func New(cfg Config, git Git, opts ...Option) (*Queue, error) {
	ignore, err := NewIgnoreSet(cfg.IgnorePatterns)
	if err != nil {
		return nil, err
	}
	if cfg.Trunk == "" {
		cfg.Trunk = "main"
	}
	q := &Queue{
		cfg:    cfg,
		git:    git,
		log:    nopLogger{},
		ignore: ignore,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// Add enqueues a branch. modifiedFiles is copied.
func (q *Queue) Add(branch, stepID, agentID string, modifiedFiles []string) (Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.Branch == branch {
			return it.clone(), fmt.Errorf("%w: %s", ErrDuplicateBranch, branch)
		}
	}
	item := &Item{
		ID:            q.newID(),
		Branch:        branch,
		StepID:        stepID,
		AgentID:       agentID,
		Status:        StatusPending,
		MaxRetries:    q.cfg.MaxRetries,
		ModifiedFiles: cloneStrings(modifiedFiles),
		QueuedAt:      q.now(),
	}
	q.items = append(q.items, item)
	q.log.LogDebug(fmt.Sprintf("queued %s (step %s, %d files)", branch, stepID, len(modifiedFiles)))
	return item.clone(), nil
}

// ProcessNext runs the next ready pending item through the pipeline. It
// returns nil when nothing is ready. The returned error is non-nil only
// for unexpected failures, in which case the item is marked conflict.
func (q *Queue) ProcessNext(ctx context.Context) (*Item, error) {
	q.processMu.Lock()
	defer q.processMu.Unlock()

	item := q.claimNext()
	if item == nil {
		return nil, nil
	}

	err := q.runPipeline(ctx, item)

	q.mu.Lock()
	var result Item
	switch {
	case err != nil && ctx.Err() != nil:
		item.Status = StatusPending
		result = item.clone()
	case err != nil:
		item.Status = StatusConflict
		item.Error = err.Error()
		q.markFailedLocked(item)
		result = item.clone()
	case item.Status == StatusComplete:
		result = item.clone()
		q.removeLocked(item)
		q.completed++
		if item.Lossy() {
			q.lossy++
		}
		q.requeueRetryableLocked()
	default:
		q.markFailedLocked(item)
		result = item.clone()
	}
	q.mu.Unlock()

	q.notify(result)
	return &result, err
}

// ProcessAll predicts conflicts, drains every ready item and then runs one
// more retry sweep. It stops at the first unexpected failure.
func (q *Queue) ProcessAll(ctx context.Context) ([]Item, error) {
	for _, c := range q.DetectConflicts() {
		q.log.LogWarn(fmt.Sprintf("predicted %s conflict between %s and %s: %s",
			c.Severity, c.BranchA, c.BranchB, strings.Join(c.SharedFiles, ", ")))
	}

	var processed []Item
	drain := func() error {
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			item, err := q.ProcessNext(ctx)
			if item != nil {
				processed = append(processed, *item)
			}
			if err != nil {
				return err
			}
			if item == nil {
				return nil
			}
		}
	}

	if err := drain(); err != nil {
		return processed, err
	}
	if len(q.RetryFailed()) > 0 {
		if err := drain(); err != nil {
			return processed, err
		}
	}
	return processed, nil
}

// RetryFailed requeues every retryable failed item with backoff and
// returns the requeued items.
func (q *Queue) RetryFailed() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.requeueRetryableLocked()
}

// Requeue resets one failed item, including an exhausted one, so it runs
// again immediately with a fresh retry budget.
func (q *Queue) Requeue(branch string) (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Branch == branch && it.Status.IsFailed() {
			it.Status = StatusPending
			it.RetryCount = 0
			it.NextRetryAfter = nil
			it.Error = ""
			return it.clone(), true
		}
	}
	return Item{}, false
}

// DetectConflicts predicts file overlaps between pending items.
func (q *Queue) DetectConflicts() []Conflict {
	q.mu.Lock()
	var pending []Item
	for _, it := range q.items {
		if it.Status == StatusPending {
			pending = append(pending, it.clone())
		}
	}
	q.mu.Unlock()
	return detectConflicts(pending, q.ignore)
}

// GetQueue returns every item still in the queue, in FIFO order.
func (q *Queue) GetQueue() []Item {
	return q.filter(func(*Item) bool { return true })
}

// GetRetryable returns failed items that still have retries left.
func (q *Queue) GetRetryable() []Item {
	return q.filter((*Item).Retryable)
}

// GetExhausted returns failed items that have used all retries.
func (q *Queue) GetExhausted() []Item {
	return q.filter((*Item).Exhausted)
}

// Get returns the item for branch.
func (q *Queue) Get(branch string) (Item, bool) {
	items := q.filter(func(it *Item) bool { return it.Branch == branch })
	if len(items) == 0 {
		return Item{}, false
	}
	return items[0], true
}

// GetQueueSummary counts items by state.
func (q *Queue) GetQueueSummary() Summary {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := Summary{Complete: q.completed, Lossy: q.lossy}
	for _, it := range q.items {
		switch {
		case it.Status == StatusPending:
			s.Pending++
		case it.Status.IsActive():
			s.Processing++
		case it.Status.IsFailed():
			s.Failed++
			if it.Retryable() {
				s.Retryable++
			} else {
				s.Exhausted++
			}
		}
	}
	return s
}

// NextRetryAt returns the earliest time a backed-off pending item becomes
// ready, and false when no item is waiting on backoff.
func (q *Queue) NextRetryAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var (
		earliest time.Time
		found    bool
	)
	now := q.now()
	for _, it := range q.items {
		if it.Status != StatusPending || it.NextRetryAfter == nil || !now.Before(*it.NextRetryAfter) {
			continue
		}
		if !found || it.NextRetryAfter.Before(earliest) {
			earliest, found = *it.NextRetryAfter, true
		}
	}
	return earliest, found
}

// Clear removes every item that is not being processed and returns how
// many were removed.
func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.items[:0]
	removed := 0
	for _, it := range q.items {
		if it.Status.IsActive() {
			kept = append(kept, it)
			continue
		}
		removed++
	}
	q.items = kept
	return removed
}

// Remove drops one inactive item by branch.
func (q *Queue) Remove(branch string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, it := range q.items {
		if it.Branch == branch && !it.Status.IsActive() {
			q.removeLocked(it)
			return true
		}
	}
	return false
}

// Len returns the number of items in the queue.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) filter(keep func(*Item) bool) []Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []Item
	for _, it := range q.items {
		if keep(it) {
			out = append(out, it.clone())
		}
	}
	return out
}

func (q *Queue) claimNext() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	for _, it := range q.items {
		if it.Ready(now) {
			it.Status = StatusRebasing
			it.ConflictFiles = nil
			it.TestOutput = ""
			it.Error = ""
			return it
		}
	}
	return nil
}

func (q *Queue) setStatus(item *Item, status Status) {
	q.mu.Lock()
	item.Status = status
	q.mu.Unlock()
}

func (q *Queue) markFailedLocked(item *Item) {
	t := q.now()
	item.LastFailedAt = &t
	item.NextRetryAfter = nil
}

func (q *Queue) removeLocked(item *Item) {
	for i, it := range q.items {
		if it == item {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return
		}
	}
}

func (q *Queue) requeueRetryableLocked() []Item {
	var requeued []Item
	now := q.now()
	for _, it := range q.items {
		if !it.Retryable() {
			continue
		}
		it.RetryCount++
		next := now.Add(BackoffDelay(it.RetryCount, q.cfg.BaseDelay, q.cfg.MaxDelay))
		it.NextRetryAfter = &next
		it.Status = StatusPending
		q.log.LogInfo(fmt.Sprintf("requeued %s (retry %d/%d) after %s",
			it.Branch, it.RetryCount, it.MaxRetries, next.Sub(now)))
		requeued = append(requeued, it.clone())
	}
	return requeued
}

func (q *Queue) notify(item Item) {
	for _, fn := range q.observers {
		fn(item.clone())
	}
}

// runPipeline takes item through rebase, test, merge, push and cleanup.
// Expected failures set the item status and return nil.
func (q *Queue) runPipeline(ctx context.Context, item *Item) error {
	branch := item.Branch
	trunk := q.cfg.Trunk

	dir, err := q.resolveWorkspace(ctx, item)
	if err != nil {
		return &PipelineError{Branch: branch, Stage: StatusRebasing, Err: err}
	}
	shared := dir == ""

	rebase, err := q.git.Rebase(ctx, dir, trunk)
	if err != nil {
		q.restoreTrunk(ctx, shared)
		return &PipelineError{Branch: branch, Stage: StatusRebasing, Err: err}
	}
	if !rebase.Success {
		q.restoreTrunk(ctx, shared)
		q.mu.Lock()
		item.Status = StatusConflict
		item.ConflictFiles = cloneStrings(rebase.ConflictFiles)
		item.Error = fmt.Sprintf("rebase onto %s conflicted", trunk)
		q.mu.Unlock()
		q.log.LogWarn(fmt.Sprintf("%s: rebase onto %s conflicted (%s)", branch, trunk, strings.Join(rebase.ConflictFiles, ", ")))
		return nil
	}

	if q.tests != nil {
		q.setStatus(item, StatusTesting)
		testDir := dir
		if shared {
			testDir = q.cfg.RepoDir
		}
		res, err := q.tests.RunTests(ctx, testDir)
		if err != nil {
			q.restoreTrunk(ctx, shared)
			return &PipelineError{Branch: branch, Stage: StatusTesting, Err: err}
		}
		if !res.Success {
			q.restoreTrunk(ctx, shared)
			q.mu.Lock()
			item.Status = StatusTestFailed
			item.TestOutput = truncateOutput(res.Output)
			item.Error = "tests failed"
			if res.Command != "" {
				item.Error = fmt.Sprintf("tests failed: %s", res.Command)
			}
			q.mu.Unlock()
			q.log.LogWarn(fmt.Sprintf("%s: tests failed after rebase", branch))
			return nil
		}
	}

	q.setStatus(item, StatusMerging)
	message := q.mergeMessage(ctx, item)
	merge, err := q.git.MergeWithFallback(ctx, trunk, branch, message)
	if err != nil {
		return &PipelineError{Branch: branch, Stage: StatusMerging, Err: err}
	}
	if !merge.Success {
		q.mu.Lock()
		item.Status = StatusConflict
		item.ConflictFiles = cloneStrings(merge.ConflictFiles)
		item.Error = fmt.Sprintf("merge into %s conflicted", trunk)
		q.mu.Unlock()
		q.log.LogWarn(fmt.Sprintf("%s: merge conflict in %s", branch, strings.Join(merge.ConflictFiles, ", ")))
		return nil
	}

	strategy, contested := settledStrategy(rebase, merge)
	q.mu.Lock()
	item.StrategyUsed = strategy
	item.ContestedFiles = contested
	q.mu.Unlock()
	if item.Lossy() {
		q.log.LogWarn(fmt.Sprintf("%s: lossy merge, kept %s version of %s",
			branch, trunk, strings.Join(item.ContestedFiles, ", ")))
	}

	if q.cfg.Push {
		q.setStatus(item, StatusPushing)
		if err := q.git.PushToOrigin(ctx, trunk); err != nil {
			q.log.LogWarn(fmt.Sprintf("push %s after merging %s failed: %v", trunk, branch, err))
		}
	}

	if q.cfg.Cleanup {
		q.cleanup(ctx, item)
	}

	q.mu.Lock()
	t := q.now()
	item.Status = StatusComplete
	item.MergedAt = &t
	q.mu.Unlock()
	q.log.LogInfo(fmt.Sprintf("merged %s into %s (strategy %s)", branch, trunk, strategy))

	if q.cfg.AutoComplete && q.tasks != nil {
		q.autoComplete(item, message)
	}
	return nil
}

// settledStrategy combines the rebase and merge outcomes. Files resolved in
// favor of trunk by either step are contested.
func settledStrategy(rebase gitops.RebaseResult, merge gitops.MergeResult) (string, []string) {
	strategy := merge.StrategyUsed
	var contested []string
	if rebase.StrategyUsed != "" && rebase.StrategyUsed != gitops.StrategyDefault {
		if strategy == gitops.StrategyDefault {
			strategy = rebase.StrategyUsed
		}
		contested = append(contested, rebase.ConflictFiles...)
	}
	if merge.StrategyUsed != gitops.StrategyDefault {
		for _, f := range merge.ConflictFiles {
			if !slices.Contains(contested, f) {
				contested = append(contested, f)
			}
		}
	}
	return strategy, contested
}

// resolveWorkspace returns the worktree holding the branch, or "" after
// checking the branch out in the shared tree.
func (q *Queue) resolveWorkspace(ctx context.Context, item *Item) (string, error) {
	trees, err := q.git.ListWorktrees(ctx)
	if err != nil {
		return "", fmt.Errorf("list worktrees: %w", err)
	}
	for _, wt := range trees {
		if wt.Branch == item.Branch {
			q.mu.Lock()
			item.WorktreePath = wt.Path
			q.mu.Unlock()
			return wt.Path, nil
		}
	}
	if err := q.git.CheckoutBranch(ctx, "", item.Branch); err != nil {
		return "", fmt.Errorf("checkout %s: %w", item.Branch, err)
	}
	return "", nil
}

// restoreTrunk puts the shared tree back on trunk after a failure there.
func (q *Queue) restoreTrunk(ctx context.Context, shared bool) {
	if !shared {
		return
	}
	if err := q.git.CheckoutBranch(ctx, "", q.cfg.Trunk); err != nil {
		q.log.LogWarn(fmt.Sprintf("checkout %s: %v", q.cfg.Trunk, err))
	}
}

func (q *Queue) mergeMessage(ctx context.Context, item *Item) string {
	subject := ""
	if msg, err := q.git.LastCommitMessage(ctx, item.Branch); err != nil {
		q.log.LogDebug(fmt.Sprintf("%s: read last commit message: %v", item.Branch, err))
	} else if lines := strings.SplitN(strings.TrimSpace(msg), "\n", 2); len(lines) > 0 {
		subject = strings.TrimSpace(lines[0])
	}
	if subject == "" {
		return fmt.Sprintf("Merge %s", item.Branch)
	}
	return fmt.Sprintf("Merge %s: %s", item.Branch, subject)
}

func (q *Queue) cleanup(ctx context.Context, item *Item) {
	if item.WorktreePath != "" {
		if err := q.git.RemoveWorktree(ctx, item.WorktreePath); err != nil {
			q.log.LogWarn(fmt.Sprintf("remove worktree %s: %v", item.WorktreePath, err))
		}
	}
	if err := q.git.DeleteBranch(ctx, item.Branch); err != nil {
		q.log.LogWarn(fmt.Sprintf("delete branch %s: %v", item.Branch, err))
	}
}

func (q *Queue) autoComplete(item *Item, message string) {
	open := q.tasks.OpenTasks()
	var (
		task models.Task
		ok   bool
	)
	for _, t := range open {
		if t.ID == item.StepID && !t.IsCompleted() {
			task, ok = t, true
			break
		}
	}
	if !ok {
		task, ok = MatchTask(open, message)
	}
	if !ok {
		q.log.LogDebug(fmt.Sprintf("%s: no task matched merge message %q", item.Branch, message))
		return
	}
	if err := q.tasks.MarkTaskComplete(task.ID); err != nil {
		q.log.LogWarn(fmt.Sprintf("mark task %s complete: %v", task.ID, err))
		return
	}
	q.log.LogInfo(fmt.Sprintf("task %s marked complete", task.ID))
}

func truncateOutput(out string) string {
	if len(out) <= maxTestOutput {
		return out
	}
	return "...(truncated)\n" + out[len(out)-maxTestOutput:]
}

type nopLogger struct{}

func (nopLogger) LogDebug(string) {}
func (nopLogger) LogInfo(string)  {}
func (nopLogger) LogWarn(string)  {}
func (nopLogger) LogError(string) {}
