package log

import (
	"bytes"
	"strings"
	"testing"
)

// closableBuffer lets us use a bytes.Buffer as a log destination.
type closableBuffer struct {
	bytes.Buffer
	closed bool
}

func (b *closableBuffer) Close() error {
	b.closed = true
	return nil
}

func mustLine(t *testing.T, b *closableBuffer) string {
	t.Helper()
	line := b.String()
	b.Reset()
	if line != "" && !strings.HasSuffix(line, "\n") {
		t.Errorf("line is not newline-terminated: %q", line)
	}
	return line
}

func TestLevels(t *testing.T) {
	b := &closableBuffer{}
	l := New(b)

	l.Infof("info %d", 1)
	if line := mustLine(t, b); !strings.Contains(line, "I info 1") {
		t.Errorf("info line: %q", line)
	}

	err := l.Errorf("bad thing: %v", "oops")
	if err == nil || err.Error() != "bad thing: oops" {
		t.Errorf("Errorf return: %v", err)
	}
	if line := mustLine(t, b); !strings.Contains(line, "E bad thing: oops") {
		t.Errorf("error line: %q", line)
	}

	// Debug is off by default.
	l.Debugf("hidden")
	if line := mustLine(t, b); line != "" {
		t.Errorf("debug line written at info level: %q", line)
	}

	l.SetLevel(Debug)
	l.Debugf("visible")
	if line := mustLine(t, b); !strings.Contains(line, "D visible") {
		t.Errorf("debug line: %q", line)
	}
}

func TestV(t *testing.T) {
	l := New(&closableBuffer{})

	if !l.V(Info) || !l.V(Error) {
		t.Errorf("info/error should be enabled by default")
	}
	if l.V(Debug) {
		t.Errorf("debug should be disabled by default")
	}
	l.SetLevel(Error)
	if l.V(Info) {
		t.Errorf("info enabled at error level")
	}
}

func TestCallerAnnotation(t *testing.T) {
	b := &closableBuffer{}
	l := New(b)

	l.Infof("where am I")
	line := mustLine(t, b)
	if !strings.Contains(line, "(log_test.go:") {
		t.Errorf("line does not name this file: %q", line)
	}
}

func TestTimestamps(t *testing.T) {
	b := &closableBuffer{}
	l := New(b)

	l.Infof("with time")
	if line := mustLine(t, b); !strings.Contains(line[:11], "-") {
		t.Errorf("expected a leading date: %q", line)
	}

	l.timestamps = false
	l.Infof("without time")
	if line := mustLine(t, b); !strings.HasPrefix(line, "I ") {
		t.Errorf("expected bare level mark first: %q", line)
	}
}

func TestDefaultWrappers(t *testing.T) {
	b := &closableBuffer{}
	orig := Default
	defer func() { Default = orig }()
	Default = New(b)

	Infof("via default")
	if line := mustLine(t, b); !strings.Contains(line, "I via default") {
		t.Errorf("package-level Infof: %q", line)
	}

	Log(Error, 0, "explicit level")
	if line := mustLine(t, b); !strings.Contains(line, "E explicit level") {
		t.Errorf("package-level Log: %q", line)
	}

	if V(Debug) {
		t.Errorf("debug enabled on default logger")
	}
}

func TestClose(t *testing.T) {
	b := &closableBuffer{}
	l := New(b)
	l.Close()
	if !b.closed {
		t.Errorf("Close did not reach the destination")
	}
}
