package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
)

// FileLogger writes a timestamped log per run to logDir, keeps a
// latest.log symlink to it, and writes one detail file per finished task
// under logDir/tasks.
type FileLogger struct {
	logDir   string
	runLog   *os.File
	runFile  string
	tasksDir string
	logLevel string
	mu       sync.Mutex
}

// NewFileLogger creates the log directory if needed and opens
// run-YYYYMMDD-HHMMSS.log inside it.
func NewFileLogger(logDir, logLevel string) (*FileLogger, error) {
	tasksDir := filepath.Join(logDir, "tasks")
	if err := os.MkdirAll(tasksDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	runFile := filepath.Join(logDir, fmt.Sprintf("run-%s.log", time.Now().Format("20060102-150405")))
	file, err := os.OpenFile(runFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create run log file: %w", err)
	}

	symlinkPath := filepath.Join(logDir, "latest.log")
	if _, err := os.Lstat(symlinkPath); err == nil {
		if err := os.Remove(symlinkPath); err != nil {
			file.Close()
			return nil, fmt.Errorf("failed to remove old symlink: %w", err)
		}
	}
	if err := os.Symlink(filepath.Base(runFile), symlinkPath); err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to create symlink: %w", err)
	}

	fl := &FileLogger{
		logDir:   logDir,
		runLog:   file,
		runFile:  runFile,
		tasksDir: tasksDir,
		logLevel: normalizeLogLevel(logLevel),
	}
	fl.writeRunLog("=== Relay Run Log ===\n")
	fl.writeRunLog(fmt.Sprintf("Started at: %s\n\n", time.Now().Format(time.RFC3339)))
	return fl, nil
}

// RunFile returns the path of the current run log.
func (fl *FileLogger) RunFile() string { return fl.runFile }

// Close closes the run log.
func (fl *FileLogger) Close() error {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog == nil {
		return nil
	}
	err := fl.runLog.Close()
	fl.runLog = nil
	return err
}

func (fl *FileLogger) shouldLog(messageLevel string) bool {
	return logLevelToInt(messageLevel) >= logLevelToInt(fl.logLevel)
}

func (fl *FileLogger) writeRunLog(s string) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	if fl.runLog != nil {
		fl.runLog.WriteString(s)
	}
}

func (fl *FileLogger) logWithLevel(level, message string) {
	if !fl.shouldLog(strings.ToLower(level)) {
		return
	}
	fl.writeRunLog(fmt.Sprintf("[%s] [%s] %s\n", timestamp(), level, message))
}

// LogTrace logs a trace-level message.
func (fl *FileLogger) LogTrace(message string) { fl.logWithLevel("TRACE", message) }

// LogDebug logs a debug-level message.
func (fl *FileLogger) LogDebug(message string) { fl.logWithLevel("DEBUG", message) }

// LogInfo logs an info-level message.
func (fl *FileLogger) LogInfo(message string) { fl.logWithLevel("INFO", message) }

// LogWarn logs a warning-level message.
func (fl *FileLogger) LogWarn(message string) { fl.logWithLevel("WARN", message) }

// LogError logs an error-level message.
func (fl *FileLogger) LogError(message string) { fl.logWithLevel("ERROR", message) }

// LogWaveStart logs the start of a wave.
func (fl *FileLogger) LogWaveStart(wave executor.Wave) {
	fl.LogInfo(fmt.Sprintf("Starting %s: %s (%s)", wave.Name(), taskCountLabel(len(wave.TaskIDs)), strings.Join(wave.TaskIDs, ", ")))
}

// LogWaveComplete logs the end of a wave.
func (fl *FileLogger) LogWaveComplete(wave executor.Wave, duration time.Duration) {
	fl.LogInfo(fmt.Sprintf("%s complete: duration %.1fs", wave.Name(), duration.Seconds()))
}

// LogTaskStart logs a task entering execution.
func (fl *FileLogger) LogTaskStart(task models.Task) {
	fl.LogInfo(fmt.Sprintf("Task %s started: %s", task.ID, firstLine(task.Objective, 200)))
}

// LogAttempt logs a finished attempt. The run log keeps the full error.
func (fl *FileLogger) LogAttempt(taskID string, rec models.AttemptRecord) {
	fl.LogDebug(attemptMessage(taskID, rec))
}

// LogDecision logs an escalation policy decision.
func (fl *FileLogger) LogDecision(taskID string, d escalation.Decision) {
	fl.LogInfo(decisionMessage(taskID, d))
}

// LogTaskComplete logs a completed task and writes its detail file.
func (fl *FileLogger) LogTaskComplete(o executor.TaskOutcome) {
	fl.LogInfo("DONE " + outcomeMessage(o))
	fl.writeTaskLog(o, "COMPLETED")
}

// LogTaskFail logs a failed task and writes its detail file.
func (fl *FileLogger) LogTaskFail(o executor.TaskOutcome) {
	fl.LogError("FAILED " + outcomeMessage(o))
	fl.writeTaskLog(o, "FAILED")
}

// LogMerge logs a merge queue result.
func (fl *FileLogger) LogMerge(item mergequeue.Item) {
	if item.Status.IsFailed() || item.Lossy() {
		fl.LogWarn(mergeMessage(item))
		return
	}
	fl.LogInfo(mergeMessage(item))
}

// LogRateLimitWait logs a rate-limit countdown.
func (fl *FileLogger) LogRateLimitWait(remaining, total time.Duration) {
	fl.LogWarn(fmt.Sprintf("Rate limited: resuming in %s (of %s)", formatDuration(remaining), formatDuration(total)))
}

// LogSummary logs the run summary.
func (fl *FileLogger) LogSummary(s executor.RunSummary) {
	if !fl.shouldLog("info") {
		return
	}
	ts := timestamp()
	var b strings.Builder
	fmt.Fprintf(&b, "\n[%s] === RUN SUMMARY (%s) ===\n", ts, s.RunID)
	fmt.Fprintf(&b, "[%s] Total tasks:  %d\n", ts, s.TotalTasks)
	fmt.Fprintf(&b, "[%s] Waves:        %d\n", ts, s.Waves)
	fmt.Fprintf(&b, "[%s] Completed:    %d\n", ts, s.Completed)
	fmt.Fprintf(&b, "[%s] Failed:       %d\n", ts, s.Failed)
	fmt.Fprintf(&b, "[%s] Skipped:      %d\n", ts, s.Skipped)
	fmt.Fprintf(&b, "[%s] Merged:       %d\n", ts, s.Merged)
	fmt.Fprintf(&b, "[%s] Merge failed: %d\n", ts, s.MergeFailed)
	fmt.Fprintf(&b, "[%s] Lossy merges: %d\n", ts, s.Lossy)
	fmt.Fprintf(&b, "[%s] Tokens:       %d in / %d out\n", ts, s.Tokens.Input, s.Tokens.Output)
	fmt.Fprintf(&b, "[%s] Total time:   %.1fs\n", ts, s.Duration.Seconds())
	fmt.Fprintf(&b, "[%s] Status:       %s (%d/%d tasks completed)\n", ts, summaryStatus(s), s.Completed, s.TotalTasks)
	for _, o := range s.FailedTasks {
		fmt.Fprintf(&b, "[%s]   - %s: %s\n", ts, o.TaskID, firstLine(o.Reason, 500))
	}
	fmt.Fprintf(&b, "[%s] Completed at: %s\n", ts, time.Now().Format(time.RFC3339))
	fl.writeRunLog(b.String())
}

// writeTaskLog writes tasks/task-<id>.log with the task's attempt and
// decision history.
func (fl *FileLogger) writeTaskLog(o executor.TaskOutcome, status string) {
	var b strings.Builder
	fmt.Fprintf(&b, "=== Task %s ===\n", o.TaskID)
	fmt.Fprintf(&b, "Status: %s\n", status)
	fmt.Fprintf(&b, "Branch: %s\n", o.Branch)
	if o.MergeStatus != "" {
		fmt.Fprintf(&b, "Merge: %s\n", o.MergeStatus)
	}
	fmt.Fprintf(&b, "Attempts: %d (final tier %s)\n", o.Attempts, o.FinalTier)
	fmt.Fprintf(&b, "Tokens: %d in / %d out\n", o.Tokens.Input, o.Tokens.Output)
	fmt.Fprintf(&b, "Duration: %.1fs\n", o.Duration.Seconds())
	if len(o.Files) > 0 {
		fmt.Fprintf(&b, "Files: %s\n", strings.Join(o.Files, ", "))
	}
	if o.Reason != "" {
		fmt.Fprintf(&b, "Reason:\n%s\n", o.Reason)
	}

	if len(o.History) > 0 {
		b.WriteString("\n=== Attempts ===\n\n")
		for _, rec := range o.History {
			fmt.Fprintf(&b, "#### Attempt %d (%s) - %d files, %.1fs\n", rec.Attempt, rec.Tier, rec.FilesWritten, rec.Duration.Seconds())
			if rec.Error != nil {
				fmt.Fprintf(&b, "Error [%s]:\n%s\n", rec.Error.Category, rec.Error.Message)
			}
			b.WriteString("\n")
		}
	}
	if len(o.Decisions) > 0 {
		b.WriteString("=== Decisions ===\n\n")
		for _, d := range o.Decisions {
			fmt.Fprintf(&b, "- %s [%s]: %s\n", d.Action, d.Rule, d.Reason)
		}
	}

	path := filepath.Join(fl.tasksDir, fmt.Sprintf("task-%s.log", sanitizeFileName(o.TaskID)))
	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		fl.LogWarn(fmt.Sprintf("write task log %s: %v", path, err))
	}
}

func sanitizeFileName(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == os.PathSeparator || r == ':' {
			return '_'
		}
		return r
	}, s)
}
