// Package trace records per-operation diagnostics for the mail pipeline:
// one trace per inbound SMTP/LMTP session, per outbound delivery attempt,
// per notifier run. Traces are grouped by family ("SMTPD.Conn",
// "SMTPClient.Deliver", ...), keep a bounded in-memory history per
// family, and are browsable over HTTP on /debug/traces. Every event is
// also mirrored into the leveled log at the right verbosity.
package trace

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"coihue.dev/go/correo/internal/log"
)

// maxEvents bounds how many events one trace holds: enough for a full
// SMTP dialog with a long recipient list; beyond that the tail is
// dropped and counted.
const maxEvents = 200

// historySize is how many finished (and how many failed) traces each
// family keeps for inspection.
const historySize = 16

// latencyBuckets spans the range mail operations actually take: local
// disk work at the bottom, a slow remote delivery walking several MX
// hosts at the top. The implicit last bucket is "a minute or longer".
var latencyBuckets = [...]time.Duration{
	time.Millisecond,
	10 * time.Millisecond,
	100 * time.Millisecond,
	time.Second,
	10 * time.Second,
	time.Minute,
}

type event struct {
	when time.Time
	what string
}

// A Trace represents one active or finished operation.
type Trace struct {
	ID     uint64
	Family string
	Title  string
	Start  time.Time

	mu       sync.Mutex
	end      time.Time
	isErr    bool
	events   []event
	dropped  int
	children []*Trace
}

var lastID uint64

// New starts a trace for one operation and registers it as active within
// its family.
func New(family, title string) *Trace {
	tr := &Trace{
		ID:     atomic.AddUint64(&lastID, 1),
		Family: family,
		Title:  title,
		Start:  time.Now(),
	}
	familyFor(family).addActive(tr)
	return tr
}

// NewChild starts a trace for a sub-operation (e.g. one delivery attempt
// within a session); the child shows up inside the parent's event list.
func (t *Trace) NewChild(family, title string) *Trace {
	child := New(family, title)

	t.mu.Lock()
	t.children = append(t.children, child)
	t.mu.Unlock()
	t.addEvent(fmt.Sprintf("-> %s %s", family, title))
	return child
}

func (t *Trace) addEvent(what string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.events) >= maxEvents {
		t.dropped++
		return
	}
	t.events = append(t.events, event{when: time.Now(), what: what})
}

// Printf adds this message to the trace's log.
func (t *Trace) Printf(format string, a ...interface{}) {
	t.addEvent(fmt.Sprintf(format, a...))

	log.Log(log.Info, 1, "%s %s: %s", t.Family, t.Title,
		quote(fmt.Sprintf(format, a...)))
}

// Debugf adds this message to the trace's log, with a debugging level.
func (t *Trace) Debugf(format string, a ...interface{}) {
	t.addEvent(fmt.Sprintf(format, a...))

	log.Log(log.Debug, 1, "%s %s: %s", t.Family, t.Title,
		quote(fmt.Sprintf(format, a...)))
}

// Errorf adds this message to the trace's log, marks the trace as
// failed, and returns the message as an error.
func (t *Trace) Errorf(format string, a ...interface{}) error {
	return t.Error(fmt.Errorf(format, a...))
}

// Error marks the trace as failed and logs err.
func (t *Trace) Error(err error) error {
	t.mu.Lock()
	t.isErr = true
	t.mu.Unlock()
	t.addEvent("error: " + err.Error())

	log.Log(log.Info, 1, "%s %s: error: %s", t.Family, t.Title,
		quote(err.Error()))
	return err
}

// Finish closes the trace and files it into its family's history. The
// trace should not be used after calling this method.
func (t *Trace) Finish() {
	t.mu.Lock()
	t.end = time.Now()
	t.mu.Unlock()
	familyFor(t.Family).finish(t)
}

// duration returns how long the operation has been running, or ran.
func (t *Trace) duration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.end.IsZero() {
		return time.Since(t.Start)
	}
	return t.end.Sub(t.Start)
}

func (t *Trace) failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isErr
}

// snapshot copies the mutable parts out for rendering.
func (t *Trace) snapshot() (events []event, dropped int, children []*Trace) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]event(nil), t.events...), t.dropped,
		append([]*Trace(nil), t.children...)
}

func quote(s string) string {
	qs := strconv.Quote(s)
	return qs[1 : len(qs)-1]
}

// family holds one trace family's active set, bounded history, and
// latency accounting.
type family struct {
	mu sync.Mutex

	active map[uint64]*Trace

	// Ring buffers of the most recent finished and failed traces.
	done  [historySize]*Trace
	doneN int
	errs  [historySize]*Trace
	errsN int

	count    uint64 // total finished
	errCount uint64
	totalDur time.Duration
	maxDur   time.Duration

	latency [len(latencyBuckets) + 1]uint64
}

var registry = struct {
	mu   sync.Mutex
	fams map[string]*family
}{fams: map[string]*family{}}

func familyFor(name string) *family {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	f, ok := registry.fams[name]
	if !ok {
		f = &family{active: map[uint64]*Trace{}}
		registry.fams[name] = f
	}
	return f
}

func (f *family) addActive(tr *Trace) {
	f.mu.Lock()
	f.active[tr.ID] = tr
	f.mu.Unlock()
}

func (f *family) finish(tr *Trace) {
	d := tr.duration()

	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.active, tr.ID)

	f.count++
	f.totalDur += d
	if d > f.maxDur {
		f.maxDur = d
	}
	f.latency[bucketFor(d)]++

	f.done[f.doneN%historySize] = tr
	f.doneN++
	if tr.failed() {
		f.errCount++
		f.errs[f.errsN%historySize] = tr
		f.errsN++
	}
}

func bucketFor(d time.Duration) int {
	for i, limit := range latencyBuckets {
		if d < limit {
			return i
		}
	}
	return len(latencyBuckets)
}

// stats is a consistent copy of a family's accounting, for rendering.
type stats struct {
	active   []*Trace
	done     []*Trace // most recent first
	errs     []*Trace // most recent first
	count    uint64
	errCount uint64
	avg, max time.Duration
	latency  [len(latencyBuckets) + 1]uint64
}

func (f *family) snapshot() *stats {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := &stats{
		count:    f.count,
		errCount: f.errCount,
		max:      f.maxDur,
		latency:  f.latency,
	}
	if f.count > 0 {
		s.avg = f.totalDur / time.Duration(f.count)
	}
	for _, tr := range f.active {
		s.active = append(s.active, tr)
	}
	s.done = ringNewest(f.done, f.doneN)
	s.errs = ringNewest(f.errs, f.errsN)
	return s
}

func ringNewest(ring [historySize]*Trace, n int) []*Trace {
	var out []*Trace
	for i := n - 1; i >= 0 && i > n-1-historySize; i-- {
		out = append(out, ring[i%historySize])
	}
	return out
}

// findTrace locates a trace by id, looking through every family's active
// set and history.
func findTrace(id uint64) *Trace {
	registry.mu.Lock()
	fams := make([]*family, 0, len(registry.fams))
	for _, f := range registry.fams {
		fams = append(fams, f)
	}
	registry.mu.Unlock()

	for _, f := range fams {
		f.mu.Lock()
		if tr, ok := f.active[id]; ok {
			f.mu.Unlock()
			return tr
		}
		for _, tr := range f.done {
			if tr != nil && tr.ID == id {
				f.mu.Unlock()
				return tr
			}
		}
		for _, tr := range f.errs {
			if tr != nil && tr.ID == id {
				f.mu.Unlock()
				return tr
			}
		}
		f.mu.Unlock()
	}
	return nil
}

func familyNames() []string {
	registry.mu.Lock()
	defer registry.mu.Unlock()
	names := make([]string, 0, len(registry.fams))
	for name := range registry.fams {
		names = append(names, name)
	}
	return names
}
