package logger

import (
	"time"

	"github.com/harrison/relay/internal/escalation"
	"github.com/harrison/relay/internal/executor"
	"github.com/harrison/relay/internal/mergequeue"
	"github.com/harrison/relay/internal/models"
)

// Logger is every event relay logs. ConsoleLogger and FileLogger
// implement it.
type Logger interface {
	executor.Logger
	LogInfo(message string)
	LogError(message string)
	LogRateLimitWait(remaining, total time.Duration)
}

var (
	_ Logger = (*ConsoleLogger)(nil)
	_ Logger = (*FileLogger)(nil)
	_ Logger = (*MultiLogger)(nil)

	_ mergequeue.Logger = (*MultiLogger)(nil)
)

// MultiLogger forwards every event to each of its loggers in order.
// A MultiLogger with no loggers discards everything.
type MultiLogger struct {
	loggers []Logger
}

// NewMultiLogger returns a logger that fans out to loggers. Nil entries
// are skipped.
func NewMultiLogger(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) each(fn func(Logger)) {
	for _, l := range m.loggers {
		fn(l)
	}
}

func (m *MultiLogger) LogDebug(msg string) { m.each(func(l Logger) { l.LogDebug(msg) }) }
func (m *MultiLogger) LogInfo(msg string)  { m.each(func(l Logger) { l.LogInfo(msg) }) }
func (m *MultiLogger) LogWarn(msg string)  { m.each(func(l Logger) { l.LogWarn(msg) }) }
func (m *MultiLogger) LogError(msg string) { m.each(func(l Logger) { l.LogError(msg) }) }

func (m *MultiLogger) LogWaveStart(w executor.Wave) { m.each(func(l Logger) { l.LogWaveStart(w) }) }

func (m *MultiLogger) LogWaveComplete(w executor.Wave, d time.Duration) {
	m.each(func(l Logger) { l.LogWaveComplete(w, d) })
}

func (m *MultiLogger) LogTaskStart(t models.Task) { m.each(func(l Logger) { l.LogTaskStart(t) }) }

func (m *MultiLogger) LogAttempt(taskID string, rec models.AttemptRecord) {
	m.each(func(l Logger) { l.LogAttempt(taskID, rec) })
}

func (m *MultiLogger) LogDecision(taskID string, d escalation.Decision) {
	m.each(func(l Logger) { l.LogDecision(taskID, d) })
}

func (m *MultiLogger) LogTaskComplete(o executor.TaskOutcome) {
	m.each(func(l Logger) { l.LogTaskComplete(o) })
}

func (m *MultiLogger) LogTaskFail(o executor.TaskOutcome) {
	m.each(func(l Logger) { l.LogTaskFail(o) })
}

func (m *MultiLogger) LogMerge(item mergequeue.Item) { m.each(func(l Logger) { l.LogMerge(item) }) }

func (m *MultiLogger) LogSummary(s executor.RunSummary) { m.each(func(l Logger) { l.LogSummary(s) }) }

func (m *MultiLogger) LogRateLimitWait(remaining, total time.Duration) {
	m.each(func(l Logger) { l.LogRateLimitWait(remaining, total) })
}
