// Package log provides leveled logging for the slab allocator and its
// tooling. The package-level default writes timestamped lines to
// stdout at Info level; an application embedding the allocator can
// install its own Logger — on the package via SetDefault, or on a
// single Allocator via its SetLogger method — to route pool, class and
// slab diagnostics into its own logging stack.
package log

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level orders severities from Fatal (always logged) to Trace.
type Level int

const (
	Fatal Level = iota
	Error
	Warn
	Info
	Debug
	Trace
)

func (l Level) String() string {
	switch l {
	case Fatal:
		return "FATAL"
	case Error:
		return "ERROR"
	case Warn:
		return "WARN"
	case Info:
		return "INFO"
	case Debug:
		return "DEBUG"
	case Trace:
		return "TRACE"
	}
	return fmt.Sprintf("LEVEL(%d)", int(l))
}

// ParseLevel resolves a level name, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "fatal":
		return Fatal, nil
	case "error":
		return Error, nil
	case "warn":
		return Warn, nil
	case "info":
		return Info, nil
	case "debug":
		return Debug, nil
	case "trace":
		return Trace, nil
	}
	return Info, fmt.Errorf("log: unknown level %q", s)
}

// Logger is the sink allocator diagnostics are written to. Calls above
// the sink's configured level are dropped.
type Logger interface {
	Fatalf(format string, v ...interface{})
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
	Tracef(format string, v ...interface{})
}

// lineLogger writes one timestamped line per call. A mutex serializes
// writers so interleaved pool and slab-release messages from multiple
// goroutines stay whole.
type lineLogger struct {
	mu    sync.Mutex
	out   io.Writer
	level Level
}

// New returns a Logger writing messages at or below level to out.
func New(out io.Writer, level Level) Logger {
	return &lineLogger{out: out, level: level}
}

func (l *lineLogger) printf(level Level, format string, v ...interface{}) {
	if level > l.level {
		return
	}
	msg := fmt.Sprintf(format, v...)
	if !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	ts := time.Now().Format("2006-01-02T15:04:05.000Z07:00")
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %-5s %s", ts, level, msg)
}

func (l *lineLogger) Fatalf(format string, v ...interface{}) { l.printf(Fatal, format, v...) }
func (l *lineLogger) Errorf(format string, v ...interface{}) { l.printf(Error, format, v...) }
func (l *lineLogger) Warnf(format string, v ...interface{})  { l.printf(Warn, format, v...) }
func (l *lineLogger) Infof(format string, v ...interface{})  { l.printf(Info, format, v...) }
func (l *lineLogger) Debugf(format string, v ...interface{}) { l.printf(Debug, format, v...) }
func (l *lineLogger) Tracef(format string, v ...interface{}) { l.printf(Trace, format, v...) }

var (
	defaultMu sync.Mutex
	std       Logger = New(os.Stdout, Info)
)

// Default returns the package-level logger.
func Default() Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return std
}

// SetDefault replaces the package-level logger and returns the
// previous one, so tests and hosts can restore it.
func SetDefault(l Logger) Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := std
	std = l
	return prev
}

// The package-level helpers forward to the default logger, for callers
// that have no injected Logger of their own (the CLI, mostly).

func Fatalf(format string, v ...interface{}) { Default().Fatalf(format, v...) }
func Errorf(format string, v ...interface{}) { Default().Errorf(format, v...) }
func Warnf(format string, v ...interface{})  { Default().Warnf(format, v...) }
func Infof(format string, v ...interface{})  { Default().Infof(format, v...) }
func Debugf(format string, v ...interface{}) { Default().Debugf(format, v...) }
func Tracef(format string, v ...interface{}) { Default().Tracef(format, v...) }
