// Package log implements correo's leveled logger.
//
// A long-running daemon under systemd (or an equivalent supervisor)
// normally logs to stderr and lets the supervisor add timestamps; that
// is the default here. The -logfile flag redirects the default logger to
// a file, or to syslog with the special value "<syslog>".
package log

import (
	"flag"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Flags controlling the default logger, applied by Init.
var (
	vFlag = flag.Int("v", 0, "verbosity level (1 = debug)")

	logFileFlag = flag.String("logfile", "",
		`log destination: a path, "<syslog>", or empty for stderr`)

	logTimeFlag = flag.Bool("logtime", false,
		"prepend timestamps to log lines written to stderr")
)

// Level of a log message.
type Level int

const (
	Fatal Level = iota - 2
	Error
	Info
	Debug
)

// mark is the single-letter prefix identifying the level on each line.
func (l Level) mark() string {
	switch {
	case l <= Fatal:
		return "F"
	case l == Error:
		return "E"
	case l == Info:
		return "I"
	}
	return "D"
}

// A Logger writes leveled, caller-annotated lines to a destination.
type Logger struct {
	mu sync.Mutex

	out   io.WriteCloser
	level Level

	// timestamps are skipped when the destination adds its own (syslog,
	// a supervisor capturing stderr).
	timestamps bool
}

// New returns a Logger writing to w, at Info level, with timestamps.
func New(w io.WriteCloser) *Logger {
	return &Logger{out: w, level: Info, timestamps: true}
}

// NewFile returns a Logger appending to the file at path.
func NewFile(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// NewSyslog returns a Logger writing to the system log under tag.
// Timestamps are left to syslog itself.
func NewSyslog(tag string) (*Logger, error) {
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, tag)
	if err != nil {
		return nil, err
	}
	l := New(w)
	l.timestamps = false
	return l, nil
}

// Close the underlying destination.
func (l *Logger) Close() {
	l.out.Close()
}

// SetLevel adjusts which messages get written.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// V reports whether messages at the given level get written.
func (l *Logger) V(level Level) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return level <= l.level
}

// Log writes one message at the given level. skip is how many stack
// frames above the caller of Log the message should be attributed to
// (the wrappers below pass 1).
func (l *Logger) Log(level Level, skip int, format string, a ...interface{}) {
	if !l.V(level) {
		return
	}

	var b strings.Builder
	if l.timestamps {
		b.WriteString(time.Now().Format("2006-01-02 15:04:05.000000 "))
	}
	b.WriteString(level.mark())
	b.WriteByte(' ')

	fmt.Fprintf(&b, format, a...)

	// Attribute the line to its caller, at the end so the message text
	// stays aligned.
	if _, file, line, ok := runtime.Caller(1 + skip); ok {
		fmt.Fprintf(&b, "  (%s:%d)", filepath.Base(file), line)
	}
	b.WriteByte('\n')

	l.mu.Lock()
	io.WriteString(l.out, b.String())
	l.mu.Unlock()
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, a ...interface{}) {
	l.Log(Debug, 1, format, a...)
}

// Infof logs at info level.
func (l *Logger) Infof(format string, a ...interface{}) {
	l.Log(Info, 1, format, a...)
}

// Errorf logs at error level, and returns the formatted message as an
// error for convenient `return log.Errorf(...)` call sites.
func (l *Logger) Errorf(format string, a ...interface{}) error {
	l.Log(Error, 1, format, a...)
	return fmt.Errorf(format, a...)
}

// Fatalf logs and terminates the process.
func (l *Logger) Fatalf(format string, a ...interface{}) {
	l.Log(Fatal, 1, format, a...)
	os.Exit(1)
}

// nopCloser wraps stderr so the Default logger never closes it.
type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Default is the logger behind the package-level functions. It starts on
// stderr without timestamps; Init reconfigures it from the flags.
var Default = func() *Logger {
	l := New(nopCloser{os.Stderr})
	l.timestamps = false
	return l
}()

// Init reconfigures the default logger from the command-line flags. Must
// be called after flag.Parse.
func Init() {
	switch {
	case *logFileFlag == "<syslog>":
		l, err := NewSyslog("correo")
		if err != nil {
			panic(err)
		}
		Default = l
	case *logFileFlag != "":
		l, err := NewFile(*logFileFlag)
		if err != nil {
			panic(err)
		}
		Default = l
	default:
		Default.timestamps = *logTimeFlag
	}

	Default.SetLevel(Level(*vFlag))
}

// Package-level wrappers over Default.

func V(level Level) bool { return Default.V(level) }

func Log(level Level, skip int, format string, a ...interface{}) {
	Default.Log(level, skip+1, format, a...)
}

func Debugf(format string, a ...interface{}) {
	Default.Log(Debug, 1, format, a...)
}

func Infof(format string, a ...interface{}) {
	Default.Log(Info, 1, format, a...)
}

func Errorf(format string, a ...interface{}) error {
	Default.Log(Error, 1, format, a...)
	return fmt.Errorf(format, a...)
}

func Fatalf(format string, a ...interface{}) {
	Default.Log(Fatal, 1, format, a...)
	os.Exit(1)
}
