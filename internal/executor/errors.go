package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ExecutionPhase represents the phase of a run where an error occurred.
type ExecutionPhase int

const (
	// PhaseGraph represents errors during dependency graph calculation.
	PhaseGraph ExecutionPhase = iota
	// PhaseTask represents errors during task execution.
	PhaseTask
	// PhaseMerge represents errors while draining the merge queue.
	PhaseMerge
)

// String returns the string representation of ExecutionPhase.
func (p ExecutionPhase) String() string {
	switch p {
	case PhaseGraph:
		return "graph"
	case PhaseTask:
		return "task"
	case PhaseMerge:
		return "merge"
	default:
		return "unknown"
	}
}

// TaskError is an infrastructure failure around a task: the worktree could
// not be created, the commit failed, and so on. Ordinary task failures are
// reported through TaskOutcome, not as errors.
type TaskError struct {
	TaskID    string
	Message   string
	Err       error
	Timestamp time.Time
}

// NewTaskError creates a new TaskError with the current timestamp.
func NewTaskError(taskID, msg string, err error) *TaskError {
	return &TaskError{
		TaskID:    taskID,
		Message:   msg,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *TaskError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task %s: %s", e.TaskID, e.Message)
	if e.Err != nil {
		fmt.Fprintf(&sb, ": %v", e.Err)
	}
	return sb.String()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// ExecutionError aggregates task errors from one phase of a run. Err holds
// a failure of the phase itself, such as an invalid graph.
type ExecutionError struct {
	Phase       ExecutionPhase
	TaskErrors  []*TaskError
	TotalTasks  int
	FailedTasks int
	Err         error
}

// NewExecutionError creates an empty ExecutionError for phase.
func NewExecutionError(phase ExecutionPhase, totalTasks int) *ExecutionError {
	return &ExecutionError{Phase: phase, TotalTasks: totalTasks}
}

// AddTask adds a task error and increments the failed count.
func (e *ExecutionError) AddTask(taskErr *TaskError) {
	e.TaskErrors = append(e.TaskErrors, taskErr)
	e.FailedTasks++
}

// ErrOrNil returns e when it holds task errors or a phase failure,
// otherwise nil.
func (e *ExecutionError) ErrOrNil() error {
	if e == nil || (len(e.TaskErrors) == 0 && e.Err == nil) {
		return nil
	}
	return e
}

func (e *ExecutionError) Error() string {
	var sb strings.Builder
	if e.Err != nil && len(e.TaskErrors) == 0 {
		fmt.Fprintf(&sb, "execution failed in %s phase: %v", e.Phase, e.Err)
		return sb.String()
	}
	fmt.Fprintf(&sb, "execution failed in %s phase: %d/%d tasks failed", e.Phase, e.FailedTasks, e.TotalTasks)
	if len(e.TaskErrors) > 0 {
		sb.WriteString(":")
		for _, taskErr := range e.TaskErrors {
			fmt.Fprintf(&sb, "\n  - %s", taskErr.Error())
		}
	}
	return sb.String()
}

// Unwrap exposes the phase failure and the task errors to errors.Is and
// errors.As.
func (e *ExecutionError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, taskErr := range e.TaskErrors {
		errs = append(errs, taskErr)
	}
	return errs
}

// TimeoutError records an agent invocation that ran past its deadline.
type TimeoutError struct {
	TaskID          string
	TimeoutDuration time.Duration
	Context         string
	Timestamp       time.Time
}

// NewTimeoutError creates a new TimeoutError with the current timestamp.
func NewTimeoutError(taskID string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		TaskID:          taskID,
		TimeoutDuration: duration,
		Timestamp:       time.Now(),
	}
}

func (e *TimeoutError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "task %s: timeout after %v", e.TaskID, e.TimeoutDuration)
	if e.Context != "" {
		fmt.Fprintf(&sb, " (%s)", e.Context)
	}
	return sb.String()
}

// Unwrap returns context.DeadlineExceeded to support error wrapping.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsTaskError checks if the error is or wraps a TaskError.
func IsTaskError(err error) bool {
	var te *TaskError
	return errors.As(err, &te)
}

// IsTimeoutError checks if the error is or wraps a TimeoutError or context.DeadlineExceeded.
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// IsExecutionError checks if the error is or wraps an ExecutionError.
func IsExecutionError(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee)
}
