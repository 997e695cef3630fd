// Package stdlogging implements sklogimpl.Logger and logs to either stderr
// or stdout.
package stdlogging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/contestms/grading/go/sklog/sklogimpl"
)

// logger implements sklogimpl.Logger.
type logger struct {
	mtx sync.Mutex
	w   io.Writer
}

// New returns a sklogimpl.Logger which writes to the given io.Writer.
func New(w io.Writer) sklogimpl.Logger {
	return &logger{w: w}
}

// Log implements sklogimpl.Logger.
func (l *logger) Log(depth int, severity sklogimpl.Severity, format string, args ...interface{}) {
	var msg string
	if format == "" {
		msg = fmt.Sprint(args...)
	} else {
		msg = fmt.Sprintf(format, args...)
	}
	_, file, line, ok := runtime.Caller(depth + 1)
	if !ok {
		file = "???"
		line = 0
	}
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000000Z")
	l.mtx.Lock()
	defer l.mtx.Unlock()
	_, _ = fmt.Fprintf(l.w, "%s %s %s:%d %s\n", severity.String(), ts, filepath.Base(file), line, msg)
	if severity == sklogimpl.Fatal {
		l.Flush()
		os.Exit(255)
	}
}

// Flush implements sklogimpl.Logger.
func (l *logger) Flush() {
	if f, ok := l.w.(*os.File); ok {
		_ = f.Sync()
	}
}
