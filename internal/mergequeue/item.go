// Package mergequeue integrates finished worker branches into the trunk
// branch one at a time.
//
// Each item is rebased onto trunk, tested, merged with a trunk-favoring
// fallback, pushed and cleaned up. Failed items stay in the queue for
// retry with exponential backoff until their retries are exhausted.
package mergequeue

import (
	"fmt"
	"time"
)

// Status is the lifecycle position of a queue item.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRebasing   Status = "rebasing"
	StatusTesting    Status = "testing"
	StatusMerging    Status = "merging"
	StatusPushing    Status = "pushing"
	StatusComplete   Status = "complete"
	StatusConflict   Status = "conflict"
	StatusTestFailed Status = "test_failed"
)

// IsFailed reports whether the status is a failure awaiting retry or triage.
func (s Status) IsFailed() bool {
	return s == StatusConflict || s == StatusTestFailed
}

// IsActive reports whether the item is currently in the pipeline.
func (s Status) IsActive() bool {
	switch s {
	case StatusRebasing, StatusTesting, StatusMerging, StatusPushing:
		return true
	}
	return false
}

// Item is one branch waiting to be merged into trunk.
type Item struct {
	ID             string     `json:"id"`
	Branch         string     `json:"branch"`
	StepID         string     `json:"step_id"`
	AgentID        string     `json:"agent_id"`
	WorktreePath   string     `json:"worktree_path,omitempty"`
	Status         Status     `json:"status"`
	RetryCount     int        `json:"retry_count"`
	MaxRetries     int        `json:"max_retries"`
	ModifiedFiles  []string   `json:"modified_files,omitempty"`
	ConflictFiles  []string   `json:"conflict_files,omitempty"`
	ContestedFiles []string   `json:"contested_files,omitempty"`
	StrategyUsed   string     `json:"strategy_used,omitempty"`
	TestOutput     string     `json:"test_output,omitempty"`
	Error          string     `json:"error,omitempty"`
	QueuedAt       time.Time  `json:"queued_at"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
	NextRetryAfter *time.Time `json:"next_retry_after,omitempty"`
	MergedAt       *time.Time `json:"merged_at,omitempty"`
}

// Retryable reports whether a failed item still has retries left.
func (i *Item) Retryable() bool {
	return i.Status.IsFailed() && i.RetryCount < i.MaxRetries
}

// Exhausted reports whether a failed item has used all of its retries.
func (i *Item) Exhausted() bool {
	return i.Status.IsFailed() && i.RetryCount >= i.MaxRetries
}

// Lossy reports whether the merge resolved contested files in favor of trunk.
func (i *Item) Lossy() bool {
	return len(i.ContestedFiles) > 0
}

// Ready reports whether a pending item may be processed at now.
func (i *Item) Ready(now time.Time) bool {
	if i.Status != StatusPending {
		return false
	}
	return i.NextRetryAfter == nil || !now.Before(*i.NextRetryAfter)
}

func (i *Item) clone() Item {
	c := *i
	c.ModifiedFiles = cloneStrings(i.ModifiedFiles)
	c.ConflictFiles = cloneStrings(i.ConflictFiles)
	c.ContestedFiles = cloneStrings(i.ContestedFiles)
	c.LastFailedAt = cloneTime(i.LastFailedAt)
	c.NextRetryAfter = cloneTime(i.NextRetryAfter)
	c.MergedAt = cloneTime(i.MergedAt)
	return c
}

func cloneStrings(s []string) []string {
	if s == nil {
		return nil
	}
	out := make([]string, len(s))
	copy(out, s)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Summary counts queue items by state.
type Summary struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Retryable  int `json:"retryable"`
	Exhausted  int `json:"exhausted"`
	Complete   int `json:"complete"`
	Lossy      int `json:"lossy"`
}

// PipelineError is returned when an item hit an unexpected git or
// filesystem failure. The item has been marked conflict.
type PipelineError struct {
	Branch string
	Stage  Status
	Err    error
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("merge queue: %s failed while %s: %v", e.Branch, e.Stage, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// BackoffDelay returns base*2^retry capped at maxDelay.
func BackoffDelay(retry int, base, maxDelay time.Duration) time.Duration {
	if retry < 0 {
		retry = 0
	}
	delay := base
	for n := 0; n < retry; n++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
