// Package logger provides console and file logging of relay runs.
//
// ConsoleLogger and FileLogger implement the executor, merge queue and
// rate-limit logging interfaces; MultiLogger fans events out to several
// of them. Implementations are thread-safe.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
)

// ConsoleLogger logs run progress to a writer. Every line is prefixed
// with an [HH:MM:SS] timestamp. Color is enabled when the writer is a
// terminal.
type ConsoleLogger struct {
	writer      io.Writer
	logLevel    string
	mutex       sync.Mutex
	colorOutput bool
	progress    *ProgressBar
}

// NewConsoleLogger creates a ConsoleLogger that writes to writer.
// A nil writer discards everything. logLevel is one of trace, debug,
// info, warn or error; anything else means info.
func NewConsoleLogger(writer io.Writer, logLevel string) *ConsoleLogger {
	useColor := isTerminal(writer)
	return &ConsoleLogger{
		writer:      writer,
		logLevel:    normalizeLogLevel(logLevel),
		colorOutput: useColor,
		progress:    NewProgressBar(0, 20, useColor),
	}
}

// isTerminal reports whether w is a TTY that should get color.
// NO_COLOR disables color through fatih/color.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok || f == nil {
		return false
	}
	if !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd()) {
		return false
	}
	return !color.NoColor
}

// SetTotalTasks sets the denominator of the progress bar shown after each wave.
func (cl *ConsoleLogger) SetTotalTasks(n int) {
	cl.progress.SetTotal(n)
}

func (cl *ConsoleLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(cl.logLevel)
}

// LogTrace logs a trace-level message.
func (cl *ConsoleLogger) LogTrace(message string) { cl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (cl *ConsoleLogger) LogDebug(message string) { cl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (cl *ConsoleLogger) LogInfo(message string) { cl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (cl *ConsoleLogger) LogWarn(message string) { cl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (cl *ConsoleLogger) LogError(message string) { cl.logWithLevel("ERROR", message) }

func (cl *ConsoleLogger) logWithLevel(level, message string) {
	if cl.writer == nil || !cl.shouldLog(strings.ToLower(level)) {
		return
	}
	label := level
	if cl.colorOutput {
		label = levelColor(level).Sprint(level)
	}
	cl.write("[%s] [%s] %s\n", timestamp(), label, message)
}

func levelColor(level string) *color.Color {
	switch level {
	case "TRACE":
		return color.New(color.FgHiBlack)
	case "DEBUG":
		return color.New(color.FgCyan)
	case "WARN":
		return color.New(color.FgYellow)
	case "ERROR":
		return color.New(color.FgRed)
	default:
		return color.New(color.FgBlue)
	}
}

func (cl *ConsoleLogger) write(format string, args ...interface{}) {
	cl.mutex.Lock()
	defer cl.mutex.Unlock()
	fmt.Fprintf(cl.writer, format, args...)
}

func (cl *ConsoleLogger) paint(c color.Attribute, s string) string {
	if !cl.colorOutput {
		return s
	}
	return color.New(c).Sprint(s)
}

// LogWaveStart logs "[HH:MM:SS] Starting Wave N: M tasks" at INFO level.
func (cl *ConsoleLogger) LogWaveStart(wave executor.Wave) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.write("[%s] Starting %s: %s\n", timestamp(), cl.paint(color.Bold, wave.Name()), taskCountLabel(len(wave.TaskIDs)))
}

// LogWaveComplete logs the wave duration and, when the total is known,
// overall progress.
func (cl *ConsoleLogger) LogWaveComplete(wave executor.Wave, duration time.Duration) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	ts := timestamp()
	cl.write("[%s] %s %s (%s)\n", ts, cl.paint(color.Bold, wave.Name()), cl.paint(color.FgGreen, "complete"), formatDuration(duration))
	if cl.progress.Total() > 0 {
		cl.write("[%s] Progress: %s\n", ts, cl.progress.Render())
	}
}

// LogTaskStart logs a task entering execution at INFO level.
func (cl *ConsoleLogger) LogTaskStart(task models.Task) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.write("[%s] Task %s: %s\n", timestamp(), task.ID, firstLine(task.Objective, 100))
}

// LogAttempt logs a finished attempt at DEBUG level.
func (cl *ConsoleLogger) LogAttempt(taskID string, rec models.AttemptRecord) {
	cl.LogDebug(attemptMessage(taskID, rec))
}

// LogDecision logs escalations and force-fails at INFO level, retries at DEBUG.
func (cl *ConsoleLogger) LogDecision(taskID string, d escalation.Decision) {
	msg := decisionMessage(taskID, d)
	switch d.Action {
	case escalation.Continue:
		cl.LogDebug(msg)
	case escalation.Escalate:
		cl.LogInfo(cl.paint(color.FgYellow, msg))
	default:
		cl.LogInfo(cl.paint(color.FgRed, msg))
	}
}

// LogTaskComplete logs a completed task at INFO level.
func (cl *ConsoleLogger) LogTaskComplete(o executor.TaskOutcome) {
	cl.progress.Increment()
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	cl.write("[%s] %s %s\n", timestamp(), cl.paint(color.FgGreen, "DONE"), outcomeMessage(o))
}

// LogTaskFail logs a failed task at ERROR level.
func (cl *ConsoleLogger) LogTaskFail(o executor.TaskOutcome) {
	cl.progress.Increment()
	if cl.writer == nil || !cl.shouldLog("error") {
		return
	}
	cl.write("[%s] %s %s\n", timestamp(), cl.paint(color.FgRed, "FAILED"), outcomeMessage(o))
}

// LogMerge logs a merge queue result. Lossy merges and failures are warnings.
func (cl *ConsoleLogger) LogMerge(item mergequeue.Item) {
	msg := mergeMessage(item)
	if item.Status.IsFailed() || item.Lossy() {
		cl.LogWarn(msg)
		return
	}
	cl.LogInfo(msg)
}

// LogRateLimitWait logs a rate-limit countdown.
func (cl *ConsoleLogger) LogRateLimitWait(remaining, total time.Duration) {
	cl.LogWarn(fmt.Sprintf("Rate limited: resuming in %s (of %s)", formatDuration(remaining), formatDuration(total)))
}

// LogSummary logs the run summary at INFO level.
func (cl *ConsoleLogger) LogSummary(s executor.RunSummary) {
	if cl.writer == nil || !cl.shouldLog("info") {
		return
	}
	ts := timestamp()
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s\n", ts, cl.paint(color.Bold, "=== Run Summary ==="))
	fmt.Fprintf(&b, "[%s] Total tasks: %d in %d waves\n", ts, s.TotalTasks, s.Waves)
	fmt.Fprintf(&b, "[%s] %s\n", ts, cl.paint(color.FgGreen, fmt.Sprintf("Completed: %d", s.Completed)))
	failed := fmt.Sprintf("Failed: %d", s.Failed)
	if s.Failed > 0 {
		failed = cl.paint(color.FgRed, failed)
	}
	fmt.Fprintf(&b, "[%s] %s\n", ts, failed)
	if s.Skipped > 0 {
		fmt.Fprintf(&b, "[%s] Skipped: %d\n", ts, s.Skipped)
	}
	fmt.Fprintf(&b, "[%s] Merged: %d (merge failures: %d)\n", ts, s.Merged, s.MergeFailed)
	if s.Lossy > 0 {
		fmt.Fprintf(&b, "[%s] %s\n", ts, cl.paint(color.FgYellow, fmt.Sprintf("Lossy merges: %d", s.Lossy)))
	}
	fmt.Fprintf(&b, "[%s] Tokens: %d in / %d out\n", ts, s.Tokens.Input, s.Tokens.Output)
	fmt.Fprintf(&b, "[%s] Duration: %s\n", ts, formatDuration(s.Duration))
	fmt.Fprintf(&b, "[%s] Status: %s\n", ts, summaryStatus(s))
	if len(s.FailedTasks) > 0 {
		fmt.Fprintf(&b, "[%s] %s\n", ts, cl.paint(color.FgRed, "Failed tasks:"))
		for _, o := range s.FailedTasks {
			fmt.Fprintf(&b, "[%s]   - %s: %s\n", ts, o.TaskID, firstLine(o.Reason, 200))
		}
	}
	cl.write("%s", b.String())
}
