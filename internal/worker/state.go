package worker

import (
	"fmt"
	"sort"
	"time"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/models"
)

// AgentFlags are signals the agent reported about the task itself.
type AgentFlags struct {
	AlreadyComplete    bool
	InvalidTarget      bool
	NeedsDecomposition bool
}

// Any reports whether any flag is set.
func (f AgentFlags) Any() bool {
	return f.AlreadyComplete || f.InvalidTarget || f.NeedsDecomposition
}

// State is the execution state of one task. It is owned by a single
// goroutine and is not safe for concurrent use.
type State struct {
	taskID string
	cfg    Config
	now    func() time.Time

	phase            Phase
	attempts         int
	currentModel     models.Tier
	sameModelRetries int
	reviewPasses     int

	errors []models.ErrorRecord
	tokens models.TokenUsage

	// per-attempt tracking, reset in place by StartExecuting
	fileWrites     map[string]int
	noOpEdits      int
	attemptTokens  models.TokenUsage
	attemptStarted time.Time
	flags          AgentFlags

	consecutiveNoWrites int
	history             []models.AttemptRecord
}

// Option configures a State.
type Option func(*State)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *State) {
		s.now = now
	}
}

// NewState creates a state in the initializing phase. cfg is copied.
func NewState(taskID string, cfg Config, opts ...Option) *State {
	s := &State{
		taskID:       taskID,
		cfg:          cfg,
		now:          time.Now,
		phase:        Initializing{},
		currentModel: cfg.StartTier,
		fileWrites:   make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *State) transition(to Phase) error {
	from := s.phase.Name()
	if !CanTransition(from, to.Name()) {
		return &ContractViolation{TaskID: s.taskID, From: from, To: to.Name()}
	}
	s.phase = to
	return nil
}

func (s *State) violation(to PhaseName, detail string) error {
	return &ContractViolation{TaskID: s.taskID, From: s.phase.Name(), To: to, Detail: detail}
}

// StartPlanning moves initializing -> planning.
func (s *State) StartPlanning() error {
	return s.transition(Planning{StartedAt: s.now()})
}

// StartExecuting begins a new execution attempt on the current tier.
func (s *State) StartExecuting() error {
	if !CanTransition(s.phase.Name(), PhaseExecuting) {
		return s.violation(PhaseExecuting, "")
	}
	if s.attempts >= s.cfg.MaxAttempts {
		return s.violation(PhaseExecuting, fmt.Sprintf("attempt budget of %d exhausted", s.cfg.MaxAttempts))
	}

	s.attempts++
	s.sameModelRetries++
	s.attemptStarted = s.now()

	clear(s.fileWrites)
	s.noOpEdits = 0
	s.attemptTokens = models.TokenUsage{}
	s.flags = AgentFlags{}

	s.phase = Executing{Model: s.currentModel, Attempt: s.attempts, StartedAt: s.attemptStarted}
	return nil
}

// StartVerifying moves to verification. Illegal when verification is disabled.
func (s *State) StartVerifying() error {
	if !s.cfg.EnableVerification {
		return s.violation(PhaseVerifying, "verification is disabled")
	}
	return s.transition(Verifying{StartedAt: s.now()})
}

// StartReviewing begins the next review pass with the given reviewer tier.
func (s *State) StartReviewing(tier models.Tier) error {
	if !s.cfg.EnableReview {
		return s.violation(PhaseReviewing, "review is disabled")
	}
	if s.reviewPasses >= s.cfg.MaxReviewPasses {
		return s.violation(PhaseReviewing, fmt.Sprintf("review pass limit %d reached", s.cfg.MaxReviewPasses))
	}
	if err := s.transition(Reviewing{Tier: tier, Pass: s.reviewPasses + 1}); err != nil {
		return err
	}
	s.reviewPasses++
	return nil
}

// StartCommitting moves to committing. From executing this is only legal
// when verification is disabled.
func (s *State) StartCommitting() error {
	if s.phase.Name() == PhaseExecuting && s.cfg.EnableVerification {
		return s.violation(PhaseCommitting, "verification is enabled")
	}
	return s.transition(Committing{})
}

// MarkComplete finishes the task. From executing this is only legal when
// the agent reported the task already complete.
func (s *State) MarkComplete(result string) error {
	if s.phase.Name() == PhaseExecuting && !s.flags.AlreadyComplete {
		return s.violation(PhaseComplete, "agent did not report the task complete")
	}
	return s.transition(Complete{Result: result})
}

// MarkFailed ends the task with a reason.
func (s *State) MarkFailed(reason string) error {
	return s.transition(Failed{Reason: reason})
}

// EscalateModel moves to the next tier and resets the same-tier counter.
// It does not change the phase.
func (s *State) EscalateModel() (models.Tier, error) {
	if s.IsTerminal() {
		return s.currentModel, s.violation(s.phase.Name(), "cannot escalate a finished task")
	}
	if s.currentModel == s.cfg.MaxTier {
		return s.currentModel, s.violation(s.phase.Name(), fmt.Sprintf("already at max tier %s", s.cfg.MaxTier))
	}
	s.currentModel = s.currentModel.Next(s.cfg.MaxTier)
	s.sameModelRetries = 0
	return s.currentModel, nil
}

// RecordError appends to the error log, tagged with the current attempt.
func (s *State) RecordError(category models.ErrorCategory, message string) {
	rec := models.ErrorRecord{Category: category, Message: message, Attempt: s.attempts}
	s.errors = append(s.errors, rec)
	if n := len(s.history); n > 0 && s.history[n-1].Attempt == s.attempts {
		s.history[n-1].Error = &rec
	}
}

// RecordFileWrite counts a write to path in the current attempt and
// returns the new count.
func (s *State) RecordFileWrite(path string) int {
	s.fileWrites[path]++
	return s.fileWrites[path]
}

// RecordNoOpEdit counts an edit whose content already matched the target.
func (s *State) RecordNoOpEdit() {
	s.noOpEdits++
}

// RecordTokenUsage adds token usage for the current attempt.
func (s *State) RecordTokenUsage(usage models.TokenUsage) {
	s.tokens = s.tokens.Add(usage)
	s.attemptTokens = s.attemptTokens.Add(usage)
}

// ReportFlags stores the flags the agent returned for this attempt.
func (s *State) ReportFlags(flags AgentFlags) {
	s.flags = flags
}

// RecordAttempt closes out the current execution with the number of files
// it changed and returns the attempt record.
func (s *State) RecordAttempt(filesWritten int) models.AttemptRecord {
	if filesWritten == 0 {
		s.consecutiveNoWrites++
	} else {
		s.consecutiveNoWrites = 0
	}
	rec := models.AttemptRecord{
		Attempt:      s.attempts,
		Tier:         s.currentModel,
		FilesWritten: filesWritten,
		Tokens:       s.attemptTokens,
		StartedAt:    s.attemptStarted,
		Duration:     s.now().Sub(s.attemptStarted),
	}
	s.history = append(s.history, rec)
	return rec
}

// CanRetry reports whether another execution may start.
func (s *State) CanRetry() bool {
	return !s.IsTerminal() && s.attempts < s.cfg.MaxAttempts
}

// RetryLimit returns the same-tier limit for the current tier.
func (s *State) RetryLimit() int {
	return s.cfg.RetryLimit(s.currentModel)
}

// ShouldEscalate is true when the current tier's retries are used up and
// a higher tier exists.
func (s *State) ShouldEscalate() bool {
	return s.sameModelRetries >= s.RetryLimit() && s.currentModel != s.cfg.MaxTier
}

// IsTerminal reports whether the task is complete or failed.
func (s *State) IsTerminal() bool {
	return IsTerminalPhase(s.phase.Name())
}

// GetNextTier returns the tier above the current one, clamped at MaxTier.
func (s *State) GetNextTier() models.Tier {
	return s.currentModel.Next(s.cfg.MaxTier)
}

// HasSeenError reports whether an identical error is already in the log.
func (s *State) HasSeenError(category models.ErrorCategory, message string) bool {
	for _, rec := range s.errors {
		if rec.Category == category && rec.Message == message {
			return true
		}
	}
	return false
}

// ErrorRepeatCount returns how many logged errors have the given category.
func (s *State) ErrorRepeatCount(category models.ErrorCategory) int {
	n := 0
	for _, rec := range s.errors {
		if rec.Category == category {
			n++
		}
	}
	return n
}

// ThrashingFiles returns files at or above the write ceiling in the current attempt.
func (s *State) ThrashingFiles() []string {
	var files []string
	for path, n := range s.fileWrites {
		if n >= s.cfg.FileWriteCeiling {
			files = append(files, path)
		}
	}
	sort.Strings(files)
	return files
}

// PolicyInput snapshots the state for the escalation policy.
func (s *State) PolicyInput(kind escalation.TaskKind) escalation.Input {
	writes := make(map[string]int, len(s.fileWrites))
	for k, v := range s.fileWrites {
		writes[k] = v
	}
	return escalation.Input{
		Errors:                s.Errors(),
		Attempt:               s.attempts,
		FileWrites:            writes,
		WriteCeiling:          s.cfg.FileWriteCeiling,
		NoOpEdits:             s.noOpEdits,
		NoChangeAttempts:      s.consecutiveNoWrites,
		SameModelRetries:      s.sameModelRetries,
		Tier:                  s.currentModel,
		MaxTier:               s.cfg.MaxTier,
		MaxRetriesPerTier:     s.cfg.MaxRetriesPerTier,
		MaxRetriesAtFinalTier: s.cfg.MaxRetriesAtFinalTier,
		Kind:                  kind,
	}
}

func (s *State) TaskID() string              { return s.taskID }
func (s *State) Config() Config              { return s.cfg }
func (s *State) Phase() Phase                { return s.phase }
func (s *State) Attempts() int               { return s.attempts }
func (s *State) CurrentModel() models.Tier   { return s.currentModel }
func (s *State) SameModelRetries() int       { return s.sameModelRetries }
func (s *State) ReviewPasses() int           { return s.reviewPasses }
func (s *State) Flags() AgentFlags           { return s.flags }
func (s *State) Tokens() models.TokenUsage   { return s.tokens }
func (s *State) NoOpEdits() int              { return s.noOpEdits }
func (s *State) NoChangeAttempts() int       { return s.consecutiveNoWrites }
func (s *State) FileWriteCount(p string) int { return s.fileWrites[p] }

// Errors returns a copy of the error log.
func (s *State) Errors() []models.ErrorRecord {
	out := make([]models.ErrorRecord, len(s.errors))
	copy(out, s.errors)
	return out
}

// LastError returns the most recent error, if any.
func (s *State) LastError() (models.ErrorRecord, bool) {
	if len(s.errors) == 0 {
		return models.ErrorRecord{}, false
	}
	return s.errors[len(s.errors)-1], true
}

// History returns a copy of the attempt records.
func (s *State) History() []models.AttemptRecord {
	out := make([]models.AttemptRecord, len(s.history))
	copy(out, s.history)
	return out
}

// ReviewPassesRemaining returns how many review passes may still start.
func (s *State) ReviewPassesRemaining() int {
	if !s.cfg.EnableReview {
		return 0
	}
	return s.cfg.MaxReviewPasses - s.reviewPasses
}

// FailureReason returns the reason of a failed task, or "".
func (s *State) FailureReason() string {
	if f, ok := s.phase.(Failed); ok {
		return f.Reason
	}
	return ""
}

// Result returns the result of a completed task, or "".
func (s *State) Result() string {
	if c, ok := s.phase.(Complete); ok {
		return c.Result
	}
	return ""
}
