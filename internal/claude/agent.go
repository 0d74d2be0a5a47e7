package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/models"
)

const agentSchema = `{"type":"object","properties":{"status":{"type":"string","enum":["done","already_complete","invalid_target","needs_decomposition","failed"]},"summary":{"type":"string"},"error":{"type":"string"}},"required":["status","summary"]}`

const reviewSchema = `{"type":"object","properties":{"approved":{"type":"boolean"},"feedback":{"type":"string"}},"required":["approved","feedback"]}`

// maxReviewDiff bounds the diff embedded in a review prompt.
const maxReviewDiff = 100 * 1024

// Agent runs task attempts through the Claude CLI.
type Agent struct {
	inv *Invoker
	// Models maps tiers to CLI model names. Unmapped tiers use the tier name.
	Models map[models.Tier]string
}

// NewAgent creates an Agent backed by inv.
func NewAgent(inv *Invoker) *Agent {
	return &Agent{inv: inv}
}

type agentResult struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
	Error   string `json:"error"`
}

// Invoke runs one attempt in req.Dir.
func (a *Agent) Invoke(ctx context.Context, req executor.AgentRequest) (*executor.AgentResponse, error) {
	resp, err := a.inv.Invoke(ctx, Request{
		Prompt:      BuildTaskPrompt(req),
		Schema:      agentSchema,
		Model:       modelName(a.Models, req.Tier),
		Dir:         req.Dir,
		ResumeID:    req.SessionID,
		BypassPerms: true,
	})
	if err != nil {
		return nil, err
	}

	out := &executor.AgentResponse{
		Status:    executor.AgentDone,
		Tokens:    resp.Usage.Tokens(),
		SessionID: resp.SessionID,
	}
	var result agentResult
	if err := decodePayload(resp.Payload, &result); err != nil {
		// Unstructured answers are judged by verification like any other attempt.
		out.Summary = truncate(strings.TrimSpace(resp.Payload), 200)
		return out, nil
	}
	out.Summary = result.Summary
	out.Error = result.Error
	switch status := executor.AgentStatus(result.Status); status {
	case executor.AgentAlreadyComplete, executor.AgentInvalidTarget,
		executor.AgentNeedsDecomposition, executor.AgentFailed:
		out.Status = status
	}
	return out, nil
}

// Reviewer asks the Claude CLI to approve or reject staged changes.
type Reviewer struct {
	inv    *Invoker
	Models map[models.Tier]string
}

// NewReviewer creates a Reviewer backed by inv.
func NewReviewer(inv *Invoker) *Reviewer {
	return &Reviewer{inv: inv}
}

type reviewResult struct {
	Approved bool   `json:"approved"`
	Feedback string `json:"feedback"`
}

// Review judges req.Diff against the task objective.
func (r *Reviewer) Review(ctx context.Context, req executor.ReviewRequest) (*executor.ReviewResponse, error) {
	resp, err := r.inv.Invoke(ctx, Request{
		Prompt: BuildReviewPrompt(req),
		Schema: reviewSchema,
		Model:  modelName(r.Models, req.Tier),
		Dir:    req.Dir,
	})
	if err != nil {
		return nil, err
	}
	if resp.Payload == "" {
		return nil, fmt.Errorf("empty review response from claude")
	}
	var result reviewResult
	if err := decodePayload(resp.Payload, &result); err != nil {
		return nil, fmt.Errorf("failed to parse review: %w (content: %s)", err, truncate(resp.Payload, 200))
	}
	return &executor.ReviewResponse{
		Approved: result.Approved,
		Feedback: result.Feedback,
		Tokens:   resp.Usage.Tokens(),
	}, nil
}

// BuildTaskPrompt renders the prompt for one execution attempt.
func BuildTaskPrompt(req executor.AgentRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task %s\n\n%s\n", req.Task.ID, strings.TrimSpace(req.Task.Objective))
	if len(req.Task.Files) > 0 {
		fmt.Fprintf(&b, "\nFiles likely involved: %s\n", strings.Join(req.Task.Files, ", "))
	}
	if req.Attempt > 1 {
		fmt.Fprintf(&b, "\nThis is attempt %d.\n", req.Attempt)
	}
	if req.Hint != "" {
		fmt.Fprintf(&b, "\n## Guidance\n\n%s\n", req.Hint)
	}
	if len(req.PriorErrors) > 0 {
		b.WriteString("\n## Errors from previous attempts\n\n")
		for _, e := range req.PriorErrors {
			fmt.Fprintf(&b, "- attempt %d [%s]: %s\n", e.Attempt, e.Category, e.Message)
		}
	}
	b.WriteString(`
## Instructions

Work only inside the current directory. Do not commit; verified changes are committed for you.

Finish with a JSON object whose status is one of:
- done: you made the changes the task asks for
- already_complete: the objective is already satisfied and you changed nothing
- invalid_target: the files or symbols the task refers to do not exist
- needs_decomposition: the task is too large for a single change
- failed: you could not complete the task; explain why in "error"
`)
	return b.String()
}

// BuildReviewPrompt renders the prompt for a review pass.
func BuildReviewPrompt(req executor.ReviewRequest) string {
	diff := req.Diff
	if len(diff) > maxReviewDiff {
		diff = diff[:maxReviewDiff] + "\n... diff truncated ..."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# Review of task %s (pass %d)\n\nObjective:\n%s\n\n", req.Task.ID, req.Pass, strings.TrimSpace(req.Task.Objective))
	fmt.Fprintf(&b, "## Diff\n\n%s\n\n", diff)
	b.WriteString("Approve only if the diff accomplishes the objective without obvious bugs. " +
		"When rejecting, give concrete feedback the author can act on. Do not modify any files.\n")
	return b.String()
}

func modelName(m map[models.Tier]string, tier models.Tier) string {
	if name, ok := m[tier]; ok && name != "" {
		return name
	}
	return string(tier)
}
