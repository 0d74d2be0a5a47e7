package gitops

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrTestCommandFailed indicates a verification command exited with non-zero status.
var ErrTestCommandFailed = errors.New("test command failed")

// TestResult is the outcome of running the verification commands.
type TestResult struct {
	Success  bool
	Output   string
	Command  string // First failing command, empty on success
	Duration time.Duration
}

// CommandTestRunner runs shell commands in a workspace, stopping at the
// first failure.
type CommandTestRunner struct {
	Commands []string
	Shell    string
	runner   Runner
}

// NewCommandTestRunner creates a runner for the given commands.
func NewCommandTestRunner(commands []string, runner Runner) *CommandTestRunner {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &CommandTestRunner{Commands: commands, Shell: "sh", runner: runner}
}

// RunTests runs every command in dir. A failing command is reported in the
// result, not as an error; the error is only set when ctx is done.
func (t *CommandTestRunner) RunTests(ctx context.Context, dir string) (TestResult, error) {
	start := time.Now()
	var combined strings.Builder

	for _, command := range t.Commands {
		if err := ctx.Err(); err != nil {
			return TestResult{Output: combined.String(), Duration: time.Since(start)}, err
		}

		out, err := t.runner.Run(ctx, dir, t.Shell, "-c", command)
		fmt.Fprintf(&combined, "$ %s\n%s", command, out)
		if out != "" && !strings.HasSuffix(out, "\n") {
			combined.WriteString("\n")
		}

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return TestResult{Output: combined.String(), Command: command, Duration: time.Since(start)}, ctxErr
			}
			fmt.Fprintf(&combined, "%v: %q: %v\n", ErrTestCommandFailed, command, err)
			return TestResult{
				Success:  false,
				Output:   combined.String(),
				Command:  command,
				Duration: time.Since(start),
			}, nil
		}
	}

	return TestResult{Success: true, Output: combined.String(), Duration: time.Since(start)}, nil
}
