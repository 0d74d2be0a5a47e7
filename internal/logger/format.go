package logger

import (
	"fmt"
	"strings"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
)

func taskCountLabel(n int) string {
	if n == 1 {
		return "1 task"
	}
	return fmt.Sprintf("%d tasks", n)
}

func attemptMessage(taskID string, rec models.AttemptRecord) string {
	msg := fmt.Sprintf("Task %s attempt %d (%s): %d files, %d tokens",
		taskID, rec.Attempt, rec.Tier, rec.FilesWritten, rec.Tokens.Input+rec.Tokens.Output)
	if rec.Error != nil {
		msg += fmt.Sprintf(" - %s: %s", rec.Error.Category, firstLine(rec.Error.Message, 160))
	}
	return msg
}

func decisionMessage(taskID string, d escalation.Decision) string {
	switch d.Action {
	case escalation.Escalate:
		return fmt.Sprintf("Task %s escalating to %s [%s]: %s", taskID, d.NextTier, d.Rule, d.Reason)
	case escalation.ForceFail:
		return fmt.Sprintf("Task %s giving up [%s]: %s", taskID, d.Rule, d.Reason)
	default:
		return fmt.Sprintf("Task %s retrying [%s]: %s", taskID, d.Rule, d.Reason)
	}
}

func outcomeMessage(o executor.TaskOutcome) string {
	msg := fmt.Sprintf("Task %s: %d attempts, final tier %s, %s", o.TaskID, o.Attempts, o.FinalTier, formatDuration(o.Duration))
	if o.MergeStatus != "" {
		msg += fmt.Sprintf(", merge %s", o.MergeStatus)
	}
	if o.Reason != "" {
		msg += " - " + firstLine(o.Reason, 200)
	}
	return msg
}

func mergeMessage(item mergequeue.Item) string {
	msg := fmt.Sprintf("Merge %s (%s): %s", item.Branch, item.StepID, item.Status)
	if item.RetryCount > 0 {
		msg += fmt.Sprintf(" after %d/%d retries", item.RetryCount, item.MaxRetries)
	}
	if item.StrategyUsed != "" {
		msg += fmt.Sprintf(" via %s", item.StrategyUsed)
	}
	if len(item.ContestedFiles) > 0 {
		msg += fmt.Sprintf("; trunk kept for %s", strings.Join(item.ContestedFiles, ", "))
	}
	if item.Error != "" {
		msg += " - " + firstLine(item.Error, 200)
	}
	return msg
}

func summaryStatus(s executor.RunSummary) string {
	switch {
	case s.DryRun:
		return "DRY RUN"
	case s.Failed == 0:
		return "SUCCESS"
	case s.Completed == 0:
		return "FAILED"
	default:
		return "PARTIAL"
	}
}

func firstLine(s string, max int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
