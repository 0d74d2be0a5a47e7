package executor

import "fmt"

// warnf logs a warning when logger is non-nil. Infrastructure failures
// that must not stop a run go through here.
func warnf(logger Logger, format string, args ...interface{}) {
	if logger != nil {
		logger.LogWarn(fmt.Sprintf(format, args...))
	}
}
