package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestNewTaskError(t *testing.T) {
	tests := []struct {
		name        string
		taskID      string
		message     string
		err         error
		wantContain []string
	}{
		{
			name:        "simple task error",
			taskID:      "auth-1",
			message:     "create worktree",
			wantContain: []string{"auth-1", "create worktree"},
		},
		{
			name:        "task error with wrapped error",
			taskID:      "auth-2",
			message:     "commit",
			err:         errors.New("index.lock exists"),
			wantContain: []string{"auth-2", "commit", "index.lock exists"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			taskErr := NewTaskError(tt.taskID, tt.message, tt.err)
			if taskErr.TaskID != tt.taskID {
				t.Errorf("TaskID = %q, want %q", taskErr.TaskID, tt.taskID)
			}
			if taskErr.Timestamp.IsZero() {
				t.Error("Timestamp should be set")
			}
			for _, want := range tt.wantContain {
				if !strings.Contains(taskErr.Error(), want) {
					t.Errorf("Error() = %q, want containing %q", taskErr.Error(), want)
				}
			}
		})
	}
}

func TestTaskErrorWrapping(t *testing.T) {
	base := errors.New("disk full")
	wrapped := fmt.Errorf("run: %w", NewTaskError("t1", "commit", base))

	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should find the underlying error")
	}
	if !IsTaskError(wrapped) {
		t.Error("IsTaskError should see through wrapping")
	}
	if IsTaskError(nil) {
		t.Error("IsTaskError(nil) should be false")
	}
}

func TestExecutionError(t *testing.T) {
	execErr := NewExecutionError(PhaseTask, 3)
	if execErr.ErrOrNil() != nil {
		t.Error("empty ExecutionError should collapse to nil")
	}

	first := NewTaskError("1", "create worktree", errors.New("exists"))
	execErr.AddTask(first)
	execErr.AddTask(NewTaskError("2", "commit", nil))

	if execErr.FailedTasks != 2 {
		t.Errorf("FailedTasks = %d, want 2", execErr.FailedTasks)
	}
	msg := execErr.Error()
	if !strings.Contains(msg, "task phase: 2/3 tasks failed") {
		t.Errorf("Error() = %q", msg)
	}
	if !strings.Contains(msg, "task 1: create worktree: exists") {
		t.Errorf("Error() should list task errors, got %q", msg)
	}

	err := execErr.ErrOrNil()
	if !IsExecutionError(err) {
		t.Error("IsExecutionError should be true")
	}
	var te *TaskError
	if !errors.As(err, &te) || te != first {
		t.Error("errors.As should reach the first task error")
	}
}

func TestExecutionError_PhaseFailure(t *testing.T) {
	cause := errors.New("cycle between 1 and 2")
	execErr := NewExecutionError(PhaseGraph, 2)
	execErr.Err = cause

	err := execErr.ErrOrNil()
	if err == nil {
		t.Fatal("ExecutionError with a phase failure should not collapse to nil")
	}
	if got := err.Error(); got != "execution failed in graph phase: cycle between 1 and 2" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should reach the phase failure")
	}
	if IsTaskError(err) {
		t.Error("a phase failure is not a task error")
	}
}

func TestTimeoutError(t *testing.T) {
	te := NewTimeoutError("slow", 30*time.Second)
	te.Context = "agent invocation"

	if got := te.Error(); got != "task slow: timeout after 30s (agent invocation)" {
		t.Errorf("Error() = %q", got)
	}
	if !errors.Is(te, context.DeadlineExceeded) {
		t.Error("TimeoutError should unwrap to context.DeadlineExceeded")
	}

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"timeout error", te, true},
		{"deadline exceeded", fmt.Errorf("invoke: %w", context.DeadlineExceeded), true},
		{"cancelled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTimeoutError(tt.err); got != tt.want {
				t.Errorf("IsTimeoutError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExecutionPhaseString(t *testing.T) {
	tests := []struct {
		phase ExecutionPhase
		want  string
	}{
		{PhaseGraph, "graph"},
		{PhaseTask, "task"},
		{PhaseMerge, "merge"},
		{ExecutionPhase(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.phase.String(); got != tt.want {
			t.Errorf("ExecutionPhase(%d).String() = %q, want %q", tt.phase, got, tt.want)
		}
	}
}
