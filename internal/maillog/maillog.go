// Package maillog implements a log specifically for mail transfer events:
// acceptance, rejection, dispatch, and final disposition of queue entries,
// independent of the general-purpose leveled log in internal/log.
package maillog

import (
	"fmt"
	"io"
	"log/syslog"
	"net"
	"sync"
	"time"

	"coihue.dev/go/correo/internal/log"
)

// A writer that prepends timing information.
type timedWriter struct {
	w io.Writer
}

func (t timedWriter) Write(b []byte) (int, error) {
	fmt.Fprintf(t.w, "%s  ", time.Now().Format("2006-01-02 15:04:05.000000"))
	return t.w.Write(b)
}

// Logger contains a backend used to log mail events to, such as a file or
// syslog.
type Logger struct {
	w    io.Writer
	once sync.Once
}

// New creates a new Logger which will write messages to the given writer.
func New(w io.Writer) *Logger {
	return &Logger{w: timedWriter{w}}
}

// NewSyslog creates a new Logger which will write messages to syslog.
func NewSyslog() (*Logger, error) {
	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_MAIL, "correo")
	if err != nil {
		return nil, err
	}
	return &Logger{w: w}, nil
}

func (l *Logger) printf(format string, args ...interface{}) {
	_, err := fmt.Fprintf(l.w, format, args...)
	if err != nil {
		l.once.Do(func() {
			log.Errorf("failed to write to maillog: %v", err)
			log.Errorf("(will not report this again)")
		})
	}
}

// Listening logs that the daemon is listening on the given address.
func (l *Logger) Listening(a string) {
	l.printf("daemon listening on %s\n", a)
}

// Auth logs an authentication request.
func (l *Logger) Auth(netAddr net.Addr, user string, successful bool) {
	res := "succeeded"
	if !successful {
		res = "failed"
	}
	l.printf("%s auth %s for %s\n", netAddr, res, user)
}

// Rejected logs that a policy check rejected an incoming command or
// message.
func (l *Logger) Rejected(netAddr net.Addr, from string, to []string, reason string) {
	if from != "" {
		from = fmt.Sprintf(" from=%s", from)
	}
	toStr := ""
	if len(to) > 0 {
		toStr = fmt.Sprintf(" to=%v", to)
	}
	l.printf("%s rejected%s%s - %v\n", netAddr, from, toStr, reason)
}

// Queued logs that cleanup committed a message into the incoming queue
// class.
func (l *Logger) Queued(netAddr net.Addr, id, from string, to []string) {
	l.printf("%s from=%s queued ip=%s to=%v\n", id, from, netAddr, to)
}

// Corrupt logs that a queue file failed the format invariants and was
// moved to the corrupt queue class.
func (l *Logger) Corrupt(id, reason string) {
	l.printf("%s corrupt: %v\n", id, reason)
}

// Dispatched logs that the scheduler handed a delivery request for id to
// a worker, for the given recipients at nexthop.
func (l *Logger) Dispatched(id, nexthop string, n int) {
	l.printf("%s dispatch nexthop=%s recipients=%d\n", id, nexthop, n)
}

// Delivered logs one successful per-recipient delivery.
func (l *Logger) Delivered(id, from, to, nexthop string) {
	l.printf("%s from=%s to=%s nexthop=%s delivered\n", id, from, to, nexthop)
}

// Deferred logs one transient per-recipient failure.
func (l *Logger) Deferred(id, from, to, nexthop string, err error, nextAttempt time.Time) {
	l.printf("%s from=%s to=%s nexthop=%s deferred: %v (next %s)\n",
		id, from, to, nexthop, err, nextAttempt.Format(time.RFC3339))
}

// Failed logs one permanent per-recipient failure.
func (l *Logger) Failed(id, from, to, nexthop string, err error) {
	l.printf("%s from=%s to=%s nexthop=%s failed: %v\n", id, from, to, nexthop, err)
}

// Expired logs that a queue entry exceeded its maximum age and had its
// remaining recipients converted to permanent failures.
func (l *Logger) Expired(id, from string, n int) {
	l.printf("%s from=%s expired, %d recipient(s) still pending\n", id, from, n)
}

// BounceSent logs that the notifier queued a DSN for id.
func (l *Logger) BounceSent(id, dsnID string) {
	l.printf("%s bounce queued as %s\n", id, dsnID)
}

// Done logs that a queue entry has no more pending recipients and was
// removed.
func (l *Logger) Done(id, from string) {
	l.printf("%s from=%s all done\n", id, from)
}

// Default logger, used by the package-level functions below.
var Default = New(io.Discard)

func Listening(a string)                                  { Default.Listening(a) }
func Auth(netAddr net.Addr, user string, ok bool)          { Default.Auth(netAddr, user, ok) }
func Rejected(a net.Addr, from string, to []string, r string) { Default.Rejected(a, from, to, r) }
func Queued(a net.Addr, id, from string, to []string)      { Default.Queued(a, id, from, to) }
func Corrupt(id, reason string)                            { Default.Corrupt(id, reason) }
func Dispatched(id, nexthop string, n int)                 { Default.Dispatched(id, nexthop, n) }
func Delivered(id, from, to, nexthop string)                { Default.Delivered(id, from, to, nexthop) }
func Deferred(id, from, to, nexthop string, err error, t time.Time) {
	Default.Deferred(id, from, to, nexthop, err, t)
}
func Failed(id, from, to, nexthop string, err error) { Default.Failed(id, from, to, nexthop, err) }
func Expired(id, from string, n int)                 { Default.Expired(id, from, n) }
func BounceSent(id, dsnID string)                    { Default.BounceSent(id, dsnID) }
func Done(id, from string)                           { Default.Done(id, from) }
