package models

import (
	"errors"
	"strings"
)

// Task status markers understood by the task board
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskFailed     = "failed"
)

// Task is a unit of coding work owned by the task board.
// The execution core only reads tasks and requests status markers.
type Task struct {
	ID            string   // Stable task identifier
	Objective     string   // Natural-language goal handed to the agent
	Priority      int      // Lower runs first within a wave
	DependsOn     []string // Task IDs that must complete first
	Tags          []string // Free-form labels
	Files         []string // Files the task is expected to touch (advisory)
	Status        string   // pending, in_progress, completed, failed
	FailureReason string   // Set by the task board when Status is failed
	SourceFile    string   // Task board file this task was loaded from
}

// Validate checks if the task has all required fields
func (t *Task) Validate() error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.Objective) == "" {
		return errors.New("task objective is required")
	}
	for _, dep := range t.DependsOn {
		if dep == t.ID {
			return errors.New("task cannot depend on itself")
		}
	}
	return nil
}

// IsCompleted returns true if the task status is "completed"
func (t *Task) IsCompleted() bool {
	return t.Status == TaskCompleted
}

// CanSkip returns true if the task does not need to run again
func (t *Task) CanSkip() bool {
	return t.Status == TaskCompleted
}

// HasTag reports whether the task carries the given tag (case-insensitive)
func (t *Task) HasTag(tag string) bool {
	for _, existing := range t.Tags {
		if strings.EqualFold(existing, tag) {
			return true
		}
	}
	return false
}

// BranchName returns the worktree branch a task's worker commits to.
func BranchName(prefix, taskID string) string {
	if prefix == "" {
		prefix = "relay"
	}
	return strings.TrimSuffix(prefix, "/") + "/" + sanitizeRef(taskID)
}

func sanitizeRef(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-.")
	if out == "" {
		return "task"
	}
	return out
}
