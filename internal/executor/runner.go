package executor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
	"github.com/harrison/relay/internal/watch"
	"github.com/harrison/relay/internal/worker"
)

// DefaultPriorErrors is how many recent errors are repeated to the agent.
const DefaultPriorErrors = 3

// Telemetry outcomes for attempts that did not go through the policy.
const (
	OutcomeSuccess            = "success"
	OutcomeAlreadyComplete    = "already_complete"
	OutcomeInvalidTarget      = "invalid_target"
	OutcomeNeedsDecomposition = "needs_decomposition"
)

// TaskOutcome is the result of running one task. A failed task is an
// outcome, not an error.
type TaskOutcome struct {
	TaskID    string
	Branch    string
	Worktree  string
	Completed bool
	Committed bool // false when the agent found the work already done
	Reason    string
	Files     []string // Files changed on the branch relative to its base
	Attempts  int
	FinalTier models.Tier
	Tokens    models.TokenUsage
	History   []models.AttemptRecord
	Decisions []escalation.Decision
	Duration  time.Duration

	// Set by the orchestrator once the merge queue has drained.
	MergeStatus mergequeue.Status
}

// Merged reports whether the task's branch reached trunk.
func (o TaskOutcome) Merged() bool {
	return o.MergeStatus == mergequeue.StatusComplete
}

// TaskRunner drives a single task through its attempt lifecycle inside a
// prepared worktree.
type TaskRunner struct {
	agent         Agent
	git           Workspace
	cfg           worker.Config
	verifier      Verifier
	reviewer      Reviewer
	telemetry     TelemetrySink
	logger        Logger
	invokeTimeout time.Duration
	watchWrites   bool
	priorErrors   int
	now           func() time.Time
}

// RunnerOption configures a TaskRunner.
type RunnerOption func(*TaskRunner)

// WithVerifier sets the verification commands run after each attempt.
func WithVerifier(v Verifier) RunnerOption {
	return func(r *TaskRunner) { r.verifier = v }
}

// WithReviewer enables review passes.
func WithReviewer(rv Reviewer) RunnerOption {
	return func(r *TaskRunner) { r.reviewer = rv }
}

// WithTelemetry records every attempt.
func WithTelemetry(t TelemetrySink) RunnerOption {
	return func(r *TaskRunner) { r.telemetry = t }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(l Logger) RunnerOption {
	return func(r *TaskRunner) { r.logger = l }
}

// WithInvokeTimeout bounds each agent invocation.
func WithInvokeTimeout(d time.Duration) RunnerOption {
	return func(r *TaskRunner) { r.invokeTimeout = d }
}

// WithWriteWatch counts file writes during each invocation with a
// filesystem watcher.
func WithWriteWatch(enabled bool) RunnerOption {
	return func(r *TaskRunner) { r.watchWrites = enabled }
}

// WithRunnerClock overrides the time source.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *TaskRunner) { r.now = now }
}

// NewTaskRunner creates a runner. cfg is validated by the caller.
func NewTaskRunner(agent Agent, git Workspace, cfg worker.Config, opts ...RunnerOption) *TaskRunner {
	r := &TaskRunner{
		agent:       agent,
		git:         git,
		cfg:         cfg,
		priorErrors: DefaultPriorErrors,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type attemptResult int

const (
	attemptFailed   attemptResult = iota // error or no changes recorded, ask the policy
	attemptPassed                        // ready to commit
	attemptFinished                      // state already terminal
)

// Run executes task in dir, a worktree branched from base. The returned
// error is non-nil for contract violations, cancellation and
// infrastructure failures; everything else is reported in the outcome.
func (r *TaskRunner) Run(ctx context.Context, task models.Task, dir, base string) (TaskOutcome, error) {
	start := r.now()
	st := worker.NewState(task.ID, r.cfg, worker.WithClock(r.now))
	kind := escalation.ClassifyTaskKind(task.Objective)
	out := TaskOutcome{TaskID: task.ID, Worktree: dir}

	finish := func(err error) (TaskOutcome, error) {
		if err != nil && !st.IsTerminal() && !worker.IsContractViolation(err) {
			// Best effort: the phase may not allow failing from here.
			_ = st.MarkFailed(err.Error())
		}
		out.Completed = st.Phase().Name() == worker.PhaseComplete
		out.Reason = st.FailureReason()
		if out.Completed {
			out.Reason = st.Result()
		} else if out.Reason == "" && err != nil {
			out.Reason = err.Error()
		}
		out.Attempts = st.Attempts()
		out.FinalTier = st.CurrentModel()
		out.Tokens = st.Tokens()
		out.History = st.History()
		out.Duration = r.now().Sub(start)
		return out, err
	}

	if err := st.StartPlanning(); err != nil {
		return finish(err)
	}
	kindNote := ""
	if kind != escalation.KindGeneral {
		kindNote = fmt.Sprintf(" (%s)", kind)
	}
	r.debugf("task %s planned%s, starting at %s", task.ID, kindNote, st.CurrentModel())

	hint := ""
	var summary string
	for !st.IsTerminal() {
		if !st.CanRetry() {
			if err := st.MarkFailed(fmt.Sprintf("attempt budget of %d exhausted", r.cfg.MaxAttempts)); err != nil {
				return finish(err)
			}
			break
		}
		if err := st.StartExecuting(); err != nil {
			return finish(err)
		}

		result, sum, err := r.attempt(ctx, st, task, dir, base, hint)
		if err != nil {
			return finish(err)
		}
		summary = sum

		switch result {
		case attemptFinished:
			outcome := OutcomeAlreadyComplete
			switch {
			case st.Flags().InvalidTarget:
				outcome = OutcomeInvalidTarget
			case st.Flags().NeedsDecomposition:
				outcome = OutcomeNeedsDecomposition
			}
			r.recordAttempt(ctx, st, outcome)

		case attemptPassed:
			if err := r.commit(ctx, st, task, dir, base, summary, &out); err != nil {
				return finish(err)
			}
			r.recordAttempt(ctx, st, OutcomeSuccess)

		case attemptFailed:
			d := escalation.Decide(st.PolicyInput(kind))
			out.Decisions = append(out.Decisions, d)
			r.recordAttempt(ctx, st, string(d.Action))
			if r.logger != nil {
				r.logger.LogDecision(task.ID, d)
			}
			switch d.Action {
			case escalation.ForceFail:
				if err := st.MarkFailed(d.Reason); err != nil {
					return finish(err)
				}
			case escalation.Escalate:
				if _, err := st.EscalateModel(); err != nil {
					return finish(err)
				}
			}
			hint = d.Hint
		}
	}
	return finish(nil)
}

// attempt runs one execution and whatever verification and review follow it.
func (r *TaskRunner) attempt(ctx context.Context, st *worker.State, task models.Task, dir, base, hint string) (attemptResult, string, error) {
	before, err := r.fingerprint(ctx, dir)
	if err != nil {
		return 0, "", NewTaskError(task.ID, "inspect worktree", err)
	}

	req := AgentRequest{
		Task:        task,
		Tier:        st.CurrentModel(),
		Dir:         dir,
		Attempt:     st.Attempts(),
		Hint:        hint,
		PriorErrors: lastErrors(st.Errors(), r.priorErrors),
	}

	stop := r.startWatch(dir)
	invokeCtx, cancel := ctx, context.CancelFunc(func() {})
	if r.invokeTimeout > 0 {
		invokeCtx, cancel = context.WithTimeout(ctx, r.invokeTimeout)
	}
	resp, invokeErr := r.agent.Invoke(invokeCtx, req)
	timedOut := errors.Is(invokeCtx.Err(), context.DeadlineExceeded)
	cancel()
	written := stop()

	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	after, err := r.fingerprint(ctx, dir)
	if err != nil {
		return 0, "", NewTaskError(task.ID, "inspect worktree", err)
	}
	modified := diffFingerprints(before, after)

	for _, path := range sortedKeys(written) {
		for i := 0; i < written[path]; i++ {
			st.RecordFileWrite(path)
		}
	}
	for path := range written {
		if !contains(modified, path) {
			st.RecordNoOpEdit()
		}
	}
	if invokeErr == nil && resp == nil {
		resp = &AgentResponse{Status: AgentDone}
	}
	if resp != nil {
		st.RecordTokenUsage(resp.Tokens)
		st.ReportFlags(resp.Flags())
	}
	rec := st.RecordAttempt(len(modified))
	if r.logger != nil {
		r.logger.LogAttempt(task.ID, rec)
	}

	switch {
	case invokeErr != nil:
		msg := invokeErr.Error()
		category := escalation.Classify(msg)
		if timedOut {
			te := NewTimeoutError(task.ID, r.invokeTimeout)
			te.Context = "agent invocation"
			msg, category = te.Error(), models.CategoryTimeout
		}
		st.RecordError(category, msg)
		return attemptFailed, "", nil

	case resp.Status == AgentInvalidTarget:
		return attemptFinished, resp.Summary, st.MarkFailed(reasonWithSummary("agent reported an invalid target", resp.Summary))

	case resp.Status == AgentNeedsDecomposition:
		return attemptFinished, resp.Summary, st.MarkFailed(reasonWithSummary("agent reported the task needs decomposition", resp.Summary))

	case resp.Status == AgentAlreadyComplete && len(after) == 0:
		return attemptFinished, resp.Summary, st.MarkComplete(reasonWithSummary("already complete", resp.Summary))

	case resp.Status == AgentFailed:
		msg := resp.Error
		if msg == "" {
			msg = resp.Summary
		}
		if msg == "" {
			msg = "agent reported failure without details"
		}
		st.RecordError(escalation.Classify(msg), msg)
		return attemptFailed, "", nil

	case len(modified) == 0 && resp.Status != AgentAlreadyComplete:
		// The no-change rule decides; nothing is recorded as an error.
		return attemptFailed, "", nil
	}

	passed, err := r.verifyAndReview(ctx, st, task, dir, base)
	if err != nil || !passed {
		return attemptFailed, "", err
	}
	return attemptPassed, resp.Summary, nil
}

func (r *TaskRunner) verifyAndReview(ctx context.Context, st *worker.State, task models.Task, dir, base string) (bool, error) {
	if !r.cfg.EnableVerification {
		return true, nil
	}
	if err := st.StartVerifying(); err != nil {
		return false, err
	}
	if r.verifier != nil {
		res, err := r.verifier.RunTests(ctx, dir)
		if err != nil {
			return false, err
		}
		if !res.Success {
			msg := verificationMessage(res.Command, res.Output)
			category := escalation.Classify(res.Command + "\n" + res.Output)
			if category == models.CategoryUnknown {
				category = models.CategoryTest
			}
			st.RecordError(category, msg)
			return false, nil
		}
	}

	if !r.cfg.EnableReview || r.reviewer == nil || st.ReviewPassesRemaining() <= 0 {
		return true, nil
	}
	diff, err := r.git.StagedDiff(ctx, dir, base)
	if err != nil {
		return false, NewTaskError(task.ID, "diff for review", err)
	}
	tier := r.cfg.MaxTier
	if err := st.StartReviewing(tier); err != nil {
		return false, err
	}
	rv, err := r.reviewer.Review(ctx, ReviewRequest{Task: task, Tier: tier, Dir: dir, Diff: diff, Pass: st.ReviewPasses()})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		st.RecordError(models.CategoryReview, "review failed: "+err.Error())
		return false, nil
	}
	st.RecordTokenUsage(rv.Tokens)
	if !rv.Approved {
		st.RecordError(models.CategoryReview, reasonWithSummary("review rejected", rv.Feedback))
		return false, nil
	}
	return true, nil
}

func (r *TaskRunner) commit(ctx context.Context, st *worker.State, task models.Task, dir, base, summary string, out *TaskOutcome) error {
	if err := st.StartCommitting(); err != nil {
		return err
	}
	committed, err := r.git.CommitAll(ctx, dir, commitMessage(task, st))
	if err != nil {
		return NewTaskError(task.ID, "commit", err)
	}
	files, err := r.git.ChangedFiles(ctx, dir, base)
	if err != nil {
		return NewTaskError(task.ID, "list changed files", err)
	}
	out.Committed = committed || len(files) > 0
	out.Files = files
	if summary == "" {
		summary = "committed"
	}
	return st.MarkComplete(summary)
}

func (r *TaskRunner) recordAttempt(ctx context.Context, st *worker.State, outcome string) {
	if r.telemetry == nil {
		return
	}
	history := st.History()
	if len(history) == 0 {
		return
	}
	if err := r.telemetry.RecordAttempt(ctx, st.TaskID(), history[len(history)-1], outcome); err != nil {
		warnf(r.logger, "record attempt for %s: %v", st.TaskID(), err)
	}
}

// startWatch counts writes under dir until the returned function is called.
func (r *TaskRunner) startWatch(dir string) func() map[string]int {
	if !r.watchWrites {
		return func() map[string]int { return nil }
	}
	var (
		mu     sync.Mutex
		counts = make(map[string]int)
	)
	w, err := watch.New(dir, func(rel string) {
		mu.Lock()
		counts[rel]++
		mu.Unlock()
	})
	if err != nil {
		warnf(r.logger, "watch %s: %v", dir, err)
		return func() map[string]int { return nil }
	}
	return func() map[string]int {
		w.Flush()
		if err := w.Close(); err != nil {
			r.debugf("watch %s: %v", dir, err)
		}
		mu.Lock()
		defer mu.Unlock()
		out := make(map[string]int, len(counts))
		for k, v := range counts {
			out[k] = v
		}
		return out
	}
}

// fingerprint hashes every uncommitted file in dir. Deleted files map to "".
func (r *TaskRunner) fingerprint(ctx context.Context, dir string) (map[string]string, error) {
	files, err := r.git.UncommittedFiles(ctx, dir)
	if err != nil {
		return nil, err
	}
	prints := make(map[string]string, len(files))
	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			prints[f] = ""
			continue
		}
		sum := sha256.Sum256(data)
		prints[f] = hex.EncodeToString(sum[:])
	}
	return prints, nil
}

func (r *TaskRunner) debugf(format string, args ...interface{}) {
	if r.logger != nil {
		r.logger.LogDebug(fmt.Sprintf(format, args...))
	}
}

// diffFingerprints returns files whose content differs between two
// fingerprints, sorted.
func diffFingerprints(before, after map[string]string) []string {
	var changed []string
	for path, sum := range after {
		if prev, ok := before[path]; !ok || prev != sum {
			changed = append(changed, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func lastErrors(errs []models.ErrorRecord, n int) []models.ErrorRecord {
	if n <= 0 || len(errs) == 0 {
		return nil
	}
	if len(errs) > n {
		errs = errs[len(errs)-n:]
	}
	return errs
}

// verificationMessage picks the most telling line of a failed run so that
// distinct failures get distinct error signatures.
func verificationMessage(command, output string) string {
	var last string
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "$ ") {
			continue
		}
		lower := strings.ToLower(line)
		if strings.Contains(lower, "error") || strings.Contains(lower, "fail") || strings.Contains(lower, "panic") {
			if !strings.Contains(lower, "test command failed") {
				return fmt.Sprintf("%s (%s)", line, command)
			}
		}
		last = line
	}
	if last == "" {
		last = "verification failed"
	}
	return fmt.Sprintf("%s (%s)", last, command)
}

func commitMessage(task models.Task, st *worker.State) string {
	subject := strings.TrimSpace(strings.SplitN(task.Objective, "\n", 2)[0])
	if runes := []rune(subject); len(runes) > 72 {
		subject = string(runes[:69]) + "..."
	}
	return fmt.Sprintf("%s\n\nTask: %s\nTier: %s\nAttempts: %d", subject, task.ID, st.CurrentModel(), st.Attempts())
}

func reasonWithSummary(reason, summary string) string {
	if summary = strings.TrimSpace(summary); summary == "" {
		return reason
	}
	return reason + ": " + summary
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
