// Package claude invokes the Claude CLI as a coding agent and reviewer.
package claude

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// DefaultSystemPrompt is the standard system prompt enforcing JSON-only output.
const DefaultSystemPrompt = "You are a developer assistant working inside a git worktree. Your final message must be valid JSON matching the provided schema. No markdown, no code fences, no prose around the JSON."

// Rate-limit handling defaults.
const (
	DefaultMaxRateLimitWait = 6 * time.Hour
	DefaultRateLimitBuffer  = 30 * time.Second
	rateLimitReportInterval = 15 * time.Second
)

// ErrRateLimitTooLong is returned when a rate limit resets later than the
// invoker is willing to wait.
var ErrRateLimitTooLong = errors.New("rate limit resets too far in the future")

// Invoker is a reusable client for invoking Claude CLI commands.
// It is safe for concurrent use.
type Invoker struct {
	// ClaudePath is the path to the claude binary. Defaults to "claude".
	ClaudePath string

	// SystemPrompt is sent with every invocation.
	SystemPrompt string

	// MaxRateLimitWait bounds how long Invoke waits for a rate limit to reset
	// before giving up.
	MaxRateLimitWait time.Duration

	// RateLimitBuffer is added to the reset time before retrying.
	RateLimitBuffer time.Duration

	// Logger receives rate limit countdown updates. May be nil.
	Logger WaitLogger

	run func(ctx context.Context, dir, name string, args ...string) ([]byte, error)
	now func() time.Time
}

// Request holds per-invocation configuration.
type Request struct {
	Prompt      string // Required
	Schema      string // JSON schema for structured output
	Model       string // Passed to --model when set
	Dir         string // Working directory of the CLI process
	ResumeID    string // Session to resume
	BypassPerms bool   // Allow edits without permission prompts
}

// Response holds the CLI output.
type Response struct {
	RawOutput []byte
	SessionID string
	Payload   string // Structured output, content or result
	Usage     Usage
}

// NewInvoker creates an Invoker with default settings.
func NewInvoker() *Invoker {
	return &Invoker{
		ClaudePath:       "claude",
		SystemPrompt:     DefaultSystemPrompt,
		MaxRateLimitWait: DefaultMaxRateLimitWait,
		RateLimitBuffer:  DefaultRateLimitBuffer,
	}
}

// Invoke runs the CLI. A rate-limited call waits for the reset and is
// retried once.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (*Response, error) {
	if req.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}

	resp, err := inv.invoke(ctx, req)
	if err == nil {
		return resp, nil
	}
	info := ParseRateLimit(err.Error(), inv.clock())
	if info == nil || ctx.Err() != nil {
		return nil, err
	}
	maxWait := inv.MaxRateLimitWait
	if maxWait <= 0 {
		maxWait = DefaultMaxRateLimitWait
	}
	if info.Wait(inv.clock()) > maxWait {
		return nil, fmt.Errorf("%w (resets %s): %v", ErrRateLimitTooLong, info.ResetAt.Format(time.RFC3339), err)
	}
	if err := waitForReset(ctx, info, inv.RateLimitBuffer, rateLimitReportInterval, inv.clock, inv.Logger); err != nil {
		return nil, err
	}
	return inv.invoke(ctx, req)
}

// Args builds the command line for req.
func (inv *Invoker) Args(req Request) []string {
	var args []string
	if req.ResumeID != "" {
		args = append(args, "--resume", req.ResumeID)
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	systemPrompt := inv.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = DefaultSystemPrompt
	}
	args = append(args, "--system-prompt", systemPrompt, "-p", req.Prompt)
	if req.Schema != "" {
		args = append(args, "--json-schema", req.Schema)
	}
	args = append(args, "--output-format", "json")
	if req.BypassPerms {
		args = append(args, "--permission-mode", "bypassPermissions")
	}
	// Hooks in the user's settings must not run inside automated workers.
	return append(args, "--settings", `{"disableAllHooks": true}`)
}

func (inv *Invoker) invoke(ctx context.Context, req Request) (*Response, error) {
	path := inv.ClaudePath
	if path == "" {
		path = "claude"
	}
	run := inv.run
	if run == nil {
		run = execClaude
	}

	output, err := run(ctx, req.Dir, path, inv.Args(req)...)
	if err != nil {
		return nil, fmt.Errorf("claude invocation failed: %w (output: %s)", err, truncate(string(output), 2000))
	}

	env, payload, ok := ParseEnvelope(output)
	if ok && env.IsError {
		msg := env.Error
		if msg == "" {
			msg = env.Result
		}
		return nil, fmt.Errorf("claude reported an error: %s", msg)
	}
	return &Response{
		RawOutput: output,
		SessionID: env.SessionID,
		Payload:   payload,
		Usage:     env.Usage,
	}, nil
}

func (inv *Invoker) clock() time.Time {
	if inv.now != nil {
		return inv.now()
	}
	return time.Now()
}

func execClaude(ctx context.Context, dir, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	SetCleanEnv(cmd)
	return cmd.CombinedOutput()
}
