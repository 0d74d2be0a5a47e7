// Package gitops wraps the git CLI and verification commands used by
// workers and the merge queue.
package gitops

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner executes a command in a directory and returns its combined output.
type Runner interface {
	Run(ctx context.Context, dir, name string, args ...string) (string, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name with args in dir.
func (ExecRunner) Run(ctx context.Context, dir, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	output, err := cmd.CombinedOutput()
	return string(output), err
}

// GitError is returned when a git command exits unsuccessfully.
type GitError struct {
	Args   []string
	Dir    string
	Output string
	Err    error
}

func (e *GitError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if out := strings.TrimSpace(e.Output); out != "" {
		msg += ": " + out
	}
	return msg
}

func (e *GitError) Unwrap() error {
	return e.Err
}

// IsConflict reports whether err is a git failure caused by conflicting changes.
func IsConflict(err error) bool {
	var ge *GitError
	if !errors.As(err, &ge) {
		return false
	}
	text := strings.ToLower(ge.Output + " " + ge.Err.Error())
	return strings.Contains(text, "conflict") ||
		strings.Contains(text, "could not apply") ||
		strings.Contains(text, "automatic merge failed")
}
