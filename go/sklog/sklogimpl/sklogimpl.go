// Package sklogimpl defines the interface for the logging implementation used
// by sklog. This avoids an import cycle between sklog and the packages which
// provide concrete logging backends.
package sklogimpl

import (
	"sync/atomic"
)

// Severity of a log line.
type Severity int

const (
	Debug Severity = iota
	Info
	Warning
	Error
	Fatal
)

// String returns the single-letter tag used in log output.
func (s Severity) String() string {
	switch s {
	case Debug:
		return "D"
	case Info:
		return "I"
	case Warning:
		return "W"
	case Error:
		return "E"
	case Fatal:
		return "F"
	}
	return "?"
}

// Logger is implemented by logging backends.
type Logger interface {
	// Log emits one log line. depth is the number of stack frames to skip
	// when computing the call site, starting from the caller of Log. If
	// format is empty the args are formatted as by fmt.Sprint. A Fatal
	// severity must exit the process after flushing.
	Log(depth int, severity Severity, format string, args ...interface{})

	// Flush writes any buffered log lines.
	Flush()
}

var logger atomic.Value

// SetLogger installs the logging backend. Must be called before any logging
// happens; sklog does this from an init function.
func SetLogger(l Logger) {
	logger.Store(&l)
}

// Log forwards to the installed Logger.
func Log(depth int, severity Severity, format string, args ...interface{}) {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Log(depth+1, severity, format, args...)
}

// Flush flushes the installed Logger.
func Flush() {
	l := logger.Load()
	if l == nil {
		return
	}
	(*l.(*Logger)).Flush()
}
