package models

import "time"

// ErrorCategory classifies a failed attempt for the escalation policy.
type ErrorCategory string

const (
	CategoryLint      ErrorCategory = "lint"
	CategorySpelling  ErrorCategory = "spelling"
	CategoryTypecheck ErrorCategory = "typecheck"
	CategoryBuild     ErrorCategory = "build"
	CategoryTest      ErrorCategory = "test"
	CategoryTimeout   ErrorCategory = "timeout"
	CategoryRuntime   ErrorCategory = "runtime"
	CategoryReview    ErrorCategory = "review"
	CategoryUnknown   ErrorCategory = "unknown"
)

// IsTrivial reports whether the category is cheap for any tier to fix.
func (c ErrorCategory) IsTrivial() bool {
	return c == CategoryLint || c == CategorySpelling
}

// IsSerious reports whether the category usually needs a stronger model.
func (c ErrorCategory) IsSerious() bool {
	return c == CategoryTypecheck || c == CategoryBuild || c == CategoryTest
}

// ErrorRecord is one entry in a task's ordered error log
type ErrorRecord struct {
	Category ErrorCategory
	Message  string
	Attempt  int
}

// TokenUsage counts model tokens consumed by an invocation
type TokenUsage struct {
	Input  int
	Output int
}

// Add returns the sum of two usages
func (u TokenUsage) Add(other TokenUsage) TokenUsage {
	return TokenUsage{Input: u.Input + other.Input, Output: u.Output + other.Output}
}

// AttemptRecord summarizes one execution attempt
type AttemptRecord struct {
	Attempt      int
	Tier         Tier
	FilesWritten int
	Tokens       TokenUsage
	Error        *ErrorRecord // nil when the attempt produced no error
	StartedAt    time.Time
	Duration     time.Duration
}
