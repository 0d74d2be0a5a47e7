package executor

import (
	"context"
	"time"

	"github.com/harrison/relay/internal/gitops"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
	"github.com/harrison/relay/internal/worker"
)

// AgentStatus is what the agent says about its own attempt.
type AgentStatus string

const (
	AgentDone               AgentStatus = "done"
	AgentAlreadyComplete    AgentStatus = "already_complete"
	AgentInvalidTarget      AgentStatus = "invalid_target"
	AgentNeedsDecomposition AgentStatus = "needs_decomposition"
	AgentFailed             AgentStatus = "failed"
)

// AgentRequest is one execution attempt handed to a model.
type AgentRequest struct {
	Task        models.Task
	Tier        models.Tier
	Dir         string // Worktree the agent edits
	Attempt     int
	Hint        string               // Guidance from the escalation policy
	PriorErrors []models.ErrorRecord // Most recent errors, oldest first
	SessionID   string               // Session to resume, if the agent supports it
}

// AgentResponse is the agent's report on an attempt.
type AgentResponse struct {
	Status    AgentStatus
	Summary   string
	Error     string // Set when Status is failed
	Tokens    models.TokenUsage
	SessionID string
}

// Flags converts the reported status into worker flags.
func (r *AgentResponse) Flags() worker.AgentFlags {
	return worker.AgentFlags{
		AlreadyComplete:    r.Status == AgentAlreadyComplete,
		InvalidTarget:      r.Status == AgentInvalidTarget,
		NeedsDecomposition: r.Status == AgentNeedsDecomposition,
	}
}

// Agent runs one execution attempt inside a worktree.
type Agent interface {
	Invoke(ctx context.Context, req AgentRequest) (*AgentResponse, error)
}

// ReviewRequest asks a reviewer to judge the staged changes of a task.
type ReviewRequest struct {
	Task models.Task
	Tier models.Tier
	Dir  string
	Diff string
	Pass int
}

// ReviewResponse is a reviewer's verdict.
type ReviewResponse struct {
	Approved bool
	Feedback string
	Tokens   models.TokenUsage
}

// Reviewer performs an optional review pass after verification.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*ReviewResponse, error)
}

// Verifier runs the configured verification commands in a worktree.
type Verifier interface {
	RunTests(ctx context.Context, dir string) (gitops.TestResult, error)
}

// Workspace is the git surface the runner and orchestrator need.
type Workspace interface {
	AddWorktree(ctx context.Context, path, branch, base string) error
	RemoveWorktree(ctx context.Context, path string) error
	PruneWorktrees(ctx context.Context) error
	CommitAll(ctx context.Context, dir, message string) (bool, error)
	UncommittedFiles(ctx context.Context, dir string) ([]string, error)
	ChangedFiles(ctx context.Context, dir, base string) ([]string, error)
	StagedDiff(ctx context.Context, dir, base string) (string, error)
}

// TaskBoard persists task status.
type TaskBoard interface {
	OpenTasks() []models.Task
	MarkTaskComplete(id string) error
	MarkTaskFailed(id, reason string) error
}

// TelemetrySink receives attempt and merge records.
type TelemetrySink interface {
	RecordAttempt(ctx context.Context, taskID string, rec models.AttemptRecord, outcome string) error
	RecordMerge(ctx context.Context, item mergequeue.Item) error
}

// MergeQueue is the part of the merge queue the orchestrator drives.
type MergeQueue interface {
	Add(branch, stepID, agentID string, modifiedFiles []string) (mergequeue.Item, error)
	ProcessAll(ctx context.Context) ([]mergequeue.Item, error)
	NextRetryAt() (time.Time, bool)
	Get(branch string) (mergequeue.Item, bool)
	GetQueueSummary() mergequeue.Summary
}
