package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
	"github.com/harrison/relay/internal/worker"
)

// Logger defines the interface for logging run progress and results.
type Logger interface {
	LogWaveStart(wave Wave)
	LogWaveComplete(wave Wave, duration time.Duration)
	LogTaskStart(task models.Task)
	LogAttempt(taskID string, rec models.AttemptRecord)
	LogDecision(taskID string, d escalation.Decision)
	LogTaskComplete(outcome TaskOutcome)
	LogTaskFail(outcome TaskOutcome)
	LogMerge(item mergequeue.Item)
	LogSummary(summary RunSummary)
	LogDebug(message string)
	LogWarn(message string)
}

// TaskExecutor runs one task in a prepared worktree. *TaskRunner is the
// production implementation.
type TaskExecutor interface {
	Run(ctx context.Context, task models.Task, dir, base string) (TaskOutcome, error)
}

// Config controls an orchestrated run.
type Config struct {
	Trunk          string
	MaxConcurrency int
	WorktreeDir    string // Parent of the per-task worktrees
	BranchPrefix   string
	SnapshotPath   string // Merge queue snapshot written after every drain, if set
	DryRun         bool
	HandleSignals  bool // Cancel the run on SIGINT/SIGTERM
}

// RunSummary aggregates a run.
type RunSummary struct {
	RunID       string
	TotalTasks  int
	Waves       int
	Completed   int
	Failed      int
	Skipped     int
	Merged      int
	MergeFailed int
	Lossy       int
	Tokens      models.TokenUsage
	Duration    time.Duration
	DryRun      bool
	Outcomes    []TaskOutcome
	FailedTasks []TaskOutcome
}

// Orchestrator runs waves of tasks concurrently and drains the merge
// queue between waves so dependents start from a trunk that contains
// their prerequisites.
type Orchestrator struct {
	cfg       Config
	runner    TaskExecutor
	git       Workspace
	queue     MergeQueue
	board     TaskBoard
	telemetry TelemetrySink
	logger    Logger
	now       func() time.Time
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithTaskBoard records task failures (and already-complete tasks) on board.
func WithTaskBoard(b TaskBoard) OrchestratorOption {
	return func(o *Orchestrator) { o.board = b }
}

// WithMergeTelemetry records merge outcomes.
func WithMergeTelemetry(t TelemetrySink) OrchestratorOption {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithLogger sets the logger.
func WithLogger(l Logger) OrchestratorOption {
	return func(o *Orchestrator) { o.logger = l }
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(cfg Config, runner TaskExecutor, git Workspace, queue MergeQueue, opts ...OrchestratorOption) *Orchestrator {
	if runner == nil {
		panic("task runner cannot be nil")
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.Trunk == "" {
		cfg.Trunk = "main"
	}
	if cfg.WorktreeDir == "" {
		cfg.WorktreeDir = filepath.Join(".relay", "worktrees")
	}
	if cfg.BranchPrefix == "" {
		cfg.BranchPrefix = "relay"
	}
	o := &Orchestrator{cfg: cfg, runner: runner, git: git, queue: queue, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes tasks wave by wave. Task failures are reported in the
// summary; the error is non-nil for invalid task graphs, cancellation and
// contract violations.
func (o *Orchestrator) Run(ctx context.Context, tasks []models.Task) (*RunSummary, error) {
	waves, err := CalculateWaves(tasks)
	if err != nil {
		execErr := NewExecutionError(PhaseGraph, len(tasks))
		execErr.Err = fmt.Errorf("dependency graph: %w", err)
		return nil, execErr
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if o.cfg.HandleSignals {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		go func() {
			select {
			case <-sigChan:
				warnf(o.logger, "received interrupt signal, shutting down gracefully")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	start := o.now()
	summary := &RunSummary{
		RunID:      uuid.New().String(),
		TotalTasks: len(tasks),
		Waves:      len(waves),
		DryRun:     o.cfg.DryRun,
	}

	for _, ov := range FindFileOverlaps(waves, tasks) {
		warnf(o.logger, "wave %d: %s is declared by tasks %s; the merge queue will serialize them",
			ov.Wave, ov.File, strings.Join(ov.TaskIDs, ", "))
	}

	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	done := make(map[string]bool, len(tasks))

	var runErr error
	for _, wave := range waves {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if err := o.runWave(ctx, wave, byID, done, summary); err != nil {
			runErr = err
			break
		}
	}

	var te *TaskError
	if !IsExecutionError(runErr) && errors.As(runErr, &te) {
		execErr := NewExecutionError(PhaseTask, len(tasks))
		execErr.AddTask(te)
		runErr = execErr.ErrOrNil()
	}

	summary.Duration = o.now().Sub(start)
	if o.logger != nil {
		o.logger.LogSummary(*summary)
	}
	return summary, runErr
}

func (o *Orchestrator) runWave(ctx context.Context, wave Wave, byID map[string]models.Task, done map[string]bool, summary *RunSummary) error {
	waveStart := o.now()
	if o.logger != nil {
		o.logger.LogWaveStart(wave)
	}

	var runnable []models.Task
	for _, id := range wave.TaskIDs {
		task := byID[id]
		if task.CanSkip() {
			done[id] = true
			summary.Skipped++
			continue
		}
		if blocker := firstUnfinished(task.DependsOn, done); blocker != "" {
			summary.Skipped++
			warnf(o.logger, "task %s skipped: dependency %s did not complete", id, blocker)
			continue
		}
		runnable = append(runnable, task)
	}

	if o.cfg.DryRun {
		for _, task := range runnable {
			if o.logger != nil {
				o.logger.LogTaskStart(task)
			}
			done[task.ID] = true
		}
		if o.logger != nil {
			o.logger.LogWaveComplete(wave, o.now().Sub(waveStart))
		}
		return nil
	}

	outcomes := make([]TaskOutcome, len(runnable))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.MaxConcurrency)
	for i, task := range runnable {
		g.Go(func() error {
			out, err := o.runTask(gctx, task, summary.RunID)
			outcomes[i] = out
			if err != nil && ctx.Err() == nil {
				return NewTaskError(task.ID, "run aborted", err)
			}
			return err
		})
	}
	waitErr := g.Wait()

	merged := make(map[string]bool)
	if waitErr == nil && o.queue != nil {
		items, err := o.drainQueue(ctx)
		for _, it := range items {
			if it.Status == mergequeue.StatusComplete {
				merged[it.Branch] = true
				if it.Lossy() {
					summary.Lossy++
				}
			}
		}
		if err != nil {
			mergeErr := NewExecutionError(PhaseMerge, len(runnable))
			mergeErr.Err = fmt.Errorf("drain merge queue: %w", err)
			waitErr = mergeErr
		}
	}

	for _, out := range outcomes {
		if out.TaskID == "" {
			continue
		}
		if out.Completed && out.Committed {
			o.resolveMerge(&out, merged)
		}
		o.tally(out, done, summary)
	}

	if o.logger != nil {
		o.logger.LogWaveComplete(wave, o.now().Sub(waveStart))
	}
	return waitErr
}

// runTask prepares a worktree, runs the task and hands a committed branch
// to the merge queue. Only fatal errors are returned.
func (o *Orchestrator) runTask(ctx context.Context, task models.Task, runID string) (TaskOutcome, error) {
	branch := models.BranchName(o.cfg.BranchPrefix, task.ID)
	dir := filepath.Join(o.cfg.WorktreeDir, strings.TrimPrefix(branch, strings.TrimSuffix(o.cfg.BranchPrefix, "/")+"/"))
	if o.logger != nil {
		o.logger.LogTaskStart(task)
	}

	if _, err := os.Stat(dir); err == nil {
		if err := o.git.RemoveWorktree(ctx, dir); err != nil {
			warnf(o.logger, "remove stale worktree %s: %v", dir, err)
		}
	}
	if err := o.git.PruneWorktrees(ctx); err != nil {
		warnf(o.logger, "prune worktrees: %v", err)
	}
	if err := o.git.AddWorktree(ctx, dir, branch, o.cfg.Trunk); err != nil {
		out := TaskOutcome{TaskID: task.ID, Branch: branch, Reason: NewTaskError(task.ID, "create worktree", err).Error()}
		o.fail(out)
		return out, nil
	}

	out, err := o.runner.Run(ctx, task, dir, o.cfg.Trunk)
	out.TaskID, out.Branch, out.Worktree = task.ID, branch, dir
	if err != nil {
		if worker.IsContractViolation(err) || ctx.Err() != nil {
			return out, err
		}
		if !IsTaskError(err) {
			err = NewTaskError(task.ID, "run", err)
		}
		out.Completed = false
		out.Reason = err.Error()
	}

	switch {
	case out.Completed && out.Committed:
		agentID := fmt.Sprintf("%s/%s", shortID(runID), task.ID)
		if _, err := o.queue.Add(branch, task.ID, agentID, out.Files); err != nil {
			out.Completed = false
			out.Reason = NewTaskError(task.ID, "enqueue branch", err).Error()
			o.fail(out)
			return out, nil
		}
		if o.logger != nil {
			o.logger.LogTaskComplete(out)
		}

	case out.Completed:
		if o.board != nil {
			if err := o.board.MarkTaskComplete(task.ID); err != nil {
				warnf(o.logger, "mark task %s complete: %v", task.ID, err)
			}
		}
		o.removeWorktree(ctx, dir)
		if o.logger != nil {
			o.logger.LogTaskComplete(out)
		}

	default:
		o.fail(out)
		// The branch stays for inspection; the next run resets it.
		o.removeWorktree(ctx, dir)
	}
	return out, nil
}

// drainQueue processes the merge queue until nothing is left waiting on
// backoff.
func (o *Orchestrator) drainQueue(ctx context.Context) ([]mergequeue.Item, error) {
	var processed []mergequeue.Item
	defer o.saveSnapshot(ctx)

	for {
		items, err := o.queue.ProcessAll(ctx)
		for _, it := range items {
			if o.logger != nil {
				o.logger.LogMerge(it)
			}
			if o.telemetry != nil {
				if terr := o.telemetry.RecordMerge(ctx, it); terr != nil {
					warnf(o.logger, "record merge of %s: %v", it.Branch, terr)
				}
			}
		}
		processed = append(processed, items...)

		if err != nil {
			var pe *mergequeue.PipelineError
			if !errors.As(err, &pe) || len(items) == 0 {
				return processed, err
			}
			warnf(o.logger, "%v", err)
			continue
		}

		at, waiting := o.queue.NextRetryAt()
		if !waiting {
			return processed, nil
		}
		delay := at.Sub(o.now())
		if delay < 0 {
			delay = 0
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return processed, ctx.Err()
		case <-timer.C:
		}
	}
}

func (o *Orchestrator) saveSnapshot(ctx context.Context) {
	saver, ok := o.queue.(interface {
		Save(ctx context.Context, path string) error
	})
	if o.cfg.SnapshotPath == "" || !ok {
		return
	}
	if err := saver.Save(context.WithoutCancel(ctx), o.cfg.SnapshotPath); err != nil {
		warnf(o.logger, "save merge queue snapshot: %v", err)
	}
}

// resolveMerge fills in the merge status of a committed task and records a
// failed merge on the task board.
func (o *Orchestrator) resolveMerge(out *TaskOutcome, merged map[string]bool) {
	if merged[out.Branch] {
		out.MergeStatus = mergequeue.StatusComplete
		return
	}
	item, ok := o.queue.Get(out.Branch)
	if !ok {
		// Removed without passing through this run's drain.
		out.MergeStatus = mergequeue.StatusComplete
		return
	}
	out.MergeStatus = item.Status
	out.Completed = false
	out.Reason = fmt.Sprintf("merge %s", item.Status)
	if item.Error != "" {
		out.Reason += ": " + item.Error
	}
	if len(item.ConflictFiles) > 0 {
		out.Reason += fmt.Sprintf(" (%s)", strings.Join(item.ConflictFiles, ", "))
	}
	o.fail(*out)
}

func (o *Orchestrator) tally(out TaskOutcome, done map[string]bool, summary *RunSummary) {
	summary.Outcomes = append(summary.Outcomes, out)
	summary.Tokens = summary.Tokens.Add(out.Tokens)
	switch {
	case out.Completed:
		summary.Completed++
		done[out.TaskID] = true
		if out.Merged() {
			summary.Merged++
		}
	default:
		summary.Failed++
		summary.FailedTasks = append(summary.FailedTasks, out)
		if out.MergeStatus != "" {
			summary.MergeFailed++
		}
	}
}

func (o *Orchestrator) fail(out TaskOutcome) {
	if o.board != nil {
		if err := o.board.MarkTaskFailed(out.TaskID, out.Reason); err != nil {
			warnf(o.logger, "mark task %s failed: %v", out.TaskID, err)
		}
	}
	if o.logger != nil {
		o.logger.LogTaskFail(out)
	}
}

func (o *Orchestrator) removeWorktree(ctx context.Context, dir string) {
	if err := o.git.RemoveWorktree(ctx, dir); err != nil {
		warnf(o.logger, "remove worktree %s: %v", dir, err)
	}
}

func firstUnfinished(deps []string, done map[string]bool) string {
	for _, dep := range deps {
		if !done[dep] {
			return dep
		}
	}
	return ""
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
