// Package scheduler implements the queue manager: it promotes files from
// incoming to active, groups recipients by nexthop, enforces
// per-destination concurrency with feedback-driven windows, and drives
// delivery agents to completion.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/envelope"
	"coihue.dev/go/correo/internal/maillog"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
	"coihue.dev/go/correo/internal/trace"
)

// Config holds the scheduler's tunables, normally populated from
// internal/config.
type Config struct {
	InitialDestinationConcurrency int
	DefaultDestinationConcurrency int
	CohortFailureLimit            int
	CooldownBase                  time.Duration

	RecipientBatchLimit int
	ByteBatchLimit      int64

	MinimalBackoff   time.Duration
	MaximalBackoff   time.Duration
	MaximalLifetime  time.Duration
	DelayWarningTime time.Duration

	ActiveCapacity int
}

// fileState is the scheduler's in-memory bookkeeping for one promoted
// queue file.
type fileState struct {
	mu sync.Mutex

	id      string
	sender  string
	size    int64
	created time.Time

	class qstore.Class // Active or Deferred

	pending         []Recipient // recipients still needing delivery
	inFlightBatches int
	hadFailure      bool
	warned          bool
	attempt         int
	nextAttempt     time.Time
}

type pendingRecipient struct {
	fileID string
	rec    Recipient
}

// destQueue is the in-memory FIFO and concurrency window for one nexthop
// within one transport.
type destQueue struct {
	key       string
	nexthop   string
	transport string

	win      *window
	pending  []pendingRecipient
	inFlight int
}

// Scheduler is the queue manager.
type Scheduler struct {
	store    *qstore.Store
	resolver Resolver
	agents   map[string]Agent
	notifier Notifier
	cfg      Config

	mu      sync.Mutex
	dests   map[string]*destQueue
	order   []string // round-robin order over dests, for fairness
	files   map[string]*fileState
	activeN int

	wg sync.WaitGroup
}

// New returns a Scheduler. agents maps transport name (e.g. "smtp",
// "lmtp", "pipe") to the Agent that serves it.
func New(store *qstore.Store, resolver Resolver, agents map[string]Agent, notifier Notifier, cfg Config) *Scheduler {
	return &Scheduler{
		store:    store,
		resolver: resolver,
		agents:   agents,
		notifier: notifier,
		cfg:      cfg,
		dests:    map[string]*destQueue{},
		files:    map[string]*fileState{},
	}
}

func destKey(transport, nexthop string) string { return transport + ":" + nexthop }

func (s *Scheduler) destFor(transport, nexthop string) *destQueue {
	key := destKey(transport, nexthop)
	d, ok := s.dests[key]
	if !ok {
		d = &destQueue{
			key:       key,
			nexthop:   nexthop,
			transport: transport,
			win: newWindow(s.cfg.InitialDestinationConcurrency,
				s.cfg.DefaultDestinationConcurrency,
				s.cfg.CohortFailureLimit, s.cfg.CooldownBase),
		}
		s.dests[key] = d
		s.order = append(s.order, key)
		windowSize.WithLabelValues(key).Set(float64(d.win.size))
	}
	return d
}

// Run drives the scheduler until ctx is cancelled: periodic incoming and
// deferred scans, dispatching, and expiration/delay checks. In-flight
// deliveries are allowed to finish before Run returns.
func (s *Scheduler) Run(ctx context.Context, scanEvery time.Duration) {
	tick := time.NewTicker(scanEvery)
	defer tick.Stop()
	for {
		s.ScanIncoming()
		s.ScanDeferred(time.Now())
		s.Dispatch(ctx)
		s.CheckDelayWarnings(time.Now())

		select {
		case <-ctx.Done():
			s.Wait()
			return
		case <-tick.C:
		}
	}
}

// ScanIncoming promotes files out of the incoming class into active, up
// to the configured active capacity; when active is full, promotion
// pauses and the back-pressure propagates to the ingest side.
func (s *Scheduler) ScanIncoming() error {
	ids, err := s.store.ListIDs(qstore.Incoming)
	if err != nil {
		return fmt.Errorf("scheduler: listing incoming: %v", err)
	}

	for _, id := range ids {
		s.mu.Lock()
		full := s.cfg.ActiveCapacity > 0 && s.activeN >= s.cfg.ActiveCapacity
		s.mu.Unlock()
		if full {
			break
		}
		if err := s.promote(id, qstore.Incoming); err != nil {
			maillog.Corrupt(id, err.Error())
			s.store.MarkCorrupt(qstore.Incoming, id)
		}
	}
	return nil
}

// ScanDeferred promotes files whose retry timer has elapsed back into
// active.
func (s *Scheduler) ScanDeferred(now time.Time) {
	s.mu.Lock()
	var ready []*fileState
	for _, f := range s.files {
		f.mu.Lock()
		if f.class == qstore.Deferred && !now.Before(f.nextAttempt) {
			ready = append(ready, f)
		}
		f.mu.Unlock()
	}
	s.mu.Unlock()

	for _, f := range ready {
		s.requeue(f)
	}
}

// Flush forces an immediate retry of deferred mail for one destination
// domain, regardless of its retry timer (the ETRN service).
func (s *Scheduler) Flush(tr *trace.Trace, domain string) error {
	s.mu.Lock()
	var ready []*fileState
	for _, f := range s.files {
		f.mu.Lock()
		if f.class == qstore.Deferred {
			for _, r := range f.pending {
				if strings.EqualFold(envelope.DomainOf(r.Address), domain) {
					ready = append(ready, f)
					break
				}
			}
		}
		f.mu.Unlock()
	}
	s.mu.Unlock()

	tr.Printf("flush %s: %d queue file(s)", domain, len(ready))
	for _, f := range ready {
		s.requeue(f)
	}
	return nil
}

// promote reads a committed queue file, computes each recipient's
// nexthop, renames it into active, and enqueues its recipients onto the
// appropriate destination queues.
func (s *Scheduler) promote(id string, from qstore.Class) error {
	h, err := s.store.OpenHandle(from, id, qstore.Exclusive)
	if err != nil {
		if err == qstore.ErrLocked {
			return nil // someone else holds it; skip this round.
		}
		return fmt.Errorf("opening %s: %v", id, err)
	}
	defer h.Close()

	sender, size, recipients, err := readEnvelope(h)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	if err := s.store.Rename(from, id, qstore.Active); err != nil {
		return fmt.Errorf("promoting to active: %v", err)
	}

	f := &fileState{
		id:      id,
		sender:  sender,
		size:    size,
		created: time.Now(),
		class:   qstore.Active,
		pending: recipients,
	}

	s.mu.Lock()
	s.files[id] = f
	s.activeN++
	s.mu.Unlock()

	s.enqueueAll(f)
	return nil
}

// requeue re-enqueues a deferred file's pending recipients, after moving
// it back into active.
func (s *Scheduler) requeue(f *fileState) {
	if err := s.store.Rename(qstore.Deferred, f.id, qstore.Active); err != nil {
		return
	}
	f.mu.Lock()
	f.class = qstore.Active
	f.mu.Unlock()
	s.enqueueAll(f)
}

func (s *Scheduler) enqueueAll(f *fileState) {
	f.mu.Lock()
	recipients := append([]Recipient(nil), f.pending...)
	f.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range recipients {
		nexthop, transport, err := s.resolver.Resolve(r.Address)
		if err != nil {
			// Unresolvable recipient fails immediately, handled as if an
			// agent had reported it.
			s.completeLocked(f, RecipientResult{
				Offset: r.Offset, Status: Failed,
				Diagnostic: "unable to route: " + err.Error(), Enhanced: "5.4.4",
			})
			continue
		}
		d := s.destFor(transport, nexthop)
		d.pending = append(d.pending, pendingRecipient{fileID: f.id, rec: r})
	}
}

// readEnvelope reads the sender, back-patched size, and still-pending
// recipient list from a committed queue file, recording each recipient
// record's byte offset so completion can overwrite it in place later.
// Recipients already overwritten with the deletion marker are skipped.
// The scan stops at start-of-message: the size record makes reading the
// content unnecessary.
func readEnvelope(h *qstore.Handle) (sender string, size int64, recipients []Recipient, err error) {
	r := record.NewReader(h)
	var cur *Recipient
	pos := int64(0)

	flush := func() {
		if cur != nil {
			recipients = append(recipients, *cur)
			cur = nil
		}
	}

	for {
		typ, payload, rerr := r.Get()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return "", 0, nil, rerr
		}
		recStart := pos
		pos += 1 + int64(varintLen(len(payload))) + int64(len(payload))

		switch typ {
		case record.TypeSize:
			n, perr := strconv.ParseInt(strings.TrimLeft(string(payload), "0"), 10, 64)
			if perr == nil {
				size = n
			}
		case record.TypeReturnPath:
			sender = string(payload)
		case record.TypeRecipient:
			flush()
			cur = &Recipient{Address: string(payload), Offset: recStart}
		case record.TypeDeletedRecipient:
			// Already completed on a previous attempt.
			flush()
		case record.TypeOriginalRecipient:
			if cur != nil {
				cur.Original = string(payload)
			}
		case record.TypeAttribute:
			applyAttribute(cur, string(payload))
		case record.TypeStartOfMessage:
			flush()
			return sender, size, recipients, nil
		case record.TypeEndOfFile:
			flush()
			return sender, size, recipients, nil
		}
	}
	flush()
	return sender, size, recipients, nil
}

// varintLen returns the encoded size of a base-128 varint for n.
func varintLen(n int) int {
	l := 1
	for n >= 0x80 {
		n >>= 7
		l++
	}
	return l
}

func applyAttribute(r *Recipient, attr string) {
	if r == nil {
		return
	}
	k, v, ok := strings.Cut(attr, "=")
	if !ok {
		return
	}
	switch k {
	case "orcpt":
		r.ORCPT = v
	case "notify":
		if n, err := strconv.Atoi(v); err == nil {
			r.Notify = cleanup.NotifyMask(n)
		}
	}
}

// Dispatch runs one fairness-ordered pass over every destination with
// pending work and available concurrency, handing batches to agents.
// Deliveries run on their own goroutines; replies are applied as they
// arrive. Destinations are serviced round-robin so no destination can
// starve another.
func (s *Scheduler) Dispatch(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	keys := append([]string(nil), s.order...)
	s.mu.Unlock()

	for _, key := range keys {
		// Keep dispatching to this destination until its window or its
		// queue is exhausted.
		for s.dispatchOne(ctx, key, now) {
		}
	}
}

// Wait blocks until every in-flight delivery has reported back.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) dispatchOne(ctx context.Context, key string, now time.Time) bool {
	s.mu.Lock()
	d, ok := s.dests[key]
	if !ok || len(d.pending) == 0 {
		s.mu.Unlock()
		return false
	}
	wasCold := d.win.cold
	if !d.win.ready(now, d.inFlight) {
		s.mu.Unlock()
		return false
	}
	if wasCold {
		windowReopens.Inc()
	}

	// Coalesce consecutive FIFO entries from the same queue file into
	// one request: the recipients share the content, transmitting it
	// once suffices. Requests for one destination stay in arrival order.
	fileID := d.pending[0].fileID
	var batch []Recipient
	i := 0
	for i < len(d.pending) && d.pending[i].fileID == fileID &&
		len(batch) < s.cfg.RecipientBatchLimit {
		batch = append(batch, d.pending[i].rec)
		i++
	}
	d.pending = d.pending[i:]
	d.inFlight++
	agent := s.agents[d.transport]
	s.mu.Unlock()

	f := s.fileByID(fileID)
	if f == nil || agent == nil {
		s.mu.Lock()
		d.inFlight--
		s.mu.Unlock()
		return false
	}

	f.mu.Lock()
	f.inFlightBatches++
	sender := f.sender
	size := f.size
	f.mu.Unlock()

	req := &DeliveryRequest{
		QueueID: fileID, Sender: sender, Nexthop: d.nexthop,
		Transport: d.transport, Recipients: batch, Size: size,
	}
	maillog.Dispatched(fileID, d.nexthop, len(batch))
	dispatches.WithLabelValues(d.transport).Inc()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := agent.Deliver(ctx, req)
		s.handleReport(d, f, req, report, err, time.Now())
	}()
	return true
}

func (s *Scheduler) fileByID(id string) *fileState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.files[id]
}

// handleReport applies an Agent's reply: per-recipient status updates,
// window feedback, and file-level finalization once every batch for that
// file has replied.
func (s *Scheduler) handleReport(d *destQueue, f *fileState, req *DeliveryRequest, report *DeliveryReport, err error, now time.Time) {
	s.mu.Lock()
	d.inFlight--

	if err != nil || report == nil {
		// Session-level failure: every recipient in this batch is kept,
		// the safe default.
		diag := "delivery attempt failed"
		if err != nil {
			diag = err.Error()
		}
		s.windowFeedback(d, false, now)
		for _, r := range req.Recipients {
			s.completeLocked(f, RecipientResult{
				Offset: r.Offset, Status: Keep, Diagnostic: diag, Enhanced: "4.4.1",
			})
		}
		s.mu.Unlock()
		s.finalizeIfDone(f, now)
		return
	}

	delivered := 0
	for _, res := range report.Results {
		if res.Status == Delivered {
			delivered++
		}
		s.completeLocked(f, res)
	}
	s.windowFeedback(d, delivered > 0, now)
	s.mu.Unlock()

	s.finalizeIfDone(f, now)
}

// windowFeedback applies one attempt's outcome to the destination's
// concurrency window and keeps the observability counters in step.
// Callers must hold s.mu.
func (s *Scheduler) windowFeedback(d *destQueue, success bool, now time.Time) {
	if success {
		d.win.onSuccess()
		windowSuccesses.Inc()
	} else {
		wasCold := d.win.cold
		d.win.onFailure(now)
		windowFailures.Inc()
		if !wasCold && d.win.cold {
			windowCloses.Inc()
		}
	}
	windowSize.WithLabelValues(d.key).Set(float64(d.win.size))
}

// completeLocked applies one recipient's terminal or retry status.
// Callers must hold s.mu.
func (s *Scheduler) completeLocked(f *fileState, res RecipientResult) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch res.Status {
	case Delivered:
		s.markDeleted(f.id, res.Offset)
		rcpt := removeRecipient(f, res.Offset)
		maillog.Delivered(f.id, f.sender, rcpt.Address, "")
		deliveredTotal.Inc()
	case Keep:
		// Stays in f.pending; it is re-enqueued the next time this file
		// is promoted out of deferred.
		keptTotal.Inc()
		maillog.Deferred(f.id, f.sender, addressAt(f, res.Offset), "",
			errors.New(res.Diagnostic), f.nextAttempt)
	case Failed:
		s.markDeleted(f.id, res.Offset)
		rcpt := removeRecipient(f, res.Offset)
		f.hadFailure = true
		if s.notifier != nil {
			s.notifier.RecordFailure(f.id, f.sender, rcpt.Address,
				res.Diagnostic, res.Enhanced)
		}
		failedTotal.Inc()
		maillog.Failed(f.id, f.sender, rcpt.Address, "", errors.New(res.Diagnostic))
	}
}

func addressAt(f *fileState, offset int64) string {
	for _, r := range f.pending {
		if r.Offset == offset {
			return r.Address
		}
	}
	return ""
}

func removeRecipient(f *fileState, offset int64) Recipient {
	for i, r := range f.pending {
		if r.Offset == offset {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			return r
		}
	}
	return Recipient{}
}

// markDeleted overwrites a recipient record's type byte in place with the
// deletion marker, under the exclusive lock that serializes completion
// writes. It is idempotent: repeating it is harmless.
func (s *Scheduler) markDeleted(id string, offset int64) {
	h, err := s.store.OpenHandle(qstore.Active, id, qstore.Exclusive)
	if err != nil {
		return
	}
	defer h.Close()
	h.WriteAt([]byte{byte(record.TypeDeletedRecipient)}, offset)
}

// finalizeIfDone checks whether every dispatched batch for f has replied,
// and if so moves the file to its next state: deferred (some recipients
// still kept), or done (delivered silently, or a DSN via the notifier).
func (s *Scheduler) finalizeIfDone(f *fileState, now time.Time) {
	f.mu.Lock()
	f.inFlightBatches--
	if f.inFlightBatches > 0 {
		f.mu.Unlock()
		return
	}

	expired := s.cfg.MaximalLifetime > 0 && now.Sub(f.created) > s.cfg.MaximalLifetime
	if expired && len(f.pending) > 0 {
		for _, r := range f.pending {
			s.markDeleted(f.id, r.Offset)
			if s.notifier != nil {
				s.notifier.RecordFailure(f.id, f.sender, r.Address,
					"mail delivery time exceeded", "4.4.7")
			}
		}
		maillog.Expired(f.id, f.sender, len(f.pending))
		f.hadFailure = true
		f.pending = nil
	}

	pending := len(f.pending)
	hadFailure := f.hadFailure
	sender := f.sender
	id := f.id

	if pending > 0 {
		f.attempt++
		f.nextAttempt = now.Add(backoff(f.attempt, s.cfg.MinimalBackoff, s.cfg.MaximalBackoff))
		f.class = qstore.Deferred
		f.mu.Unlock()
		s.store.Rename(qstore.Active, id, qstore.Deferred)
		return
	}
	f.mu.Unlock()

	// No recipients remain: the file is done. The DSN, if owed, is
	// emitted strictly after the last completion write above.
	if hadFailure && s.notifier != nil {
		s.notifier.Finalize(id, sender)
	}

	s.mu.Lock()
	delete(s.files, id)
	s.activeN--
	s.mu.Unlock()

	maillog.Done(id, sender)
	s.store.Remove(qstore.Active, id)
}

// backoff computes the next retry delay for the given attempt count, an
// exponential curve bounded by [min, max].
func backoff(attempt int, min, max time.Duration) time.Duration {
	d := min
	for i := 1; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	return d
}

// CheckDelayWarnings emits a single delayed-delivery notice for any
// active or deferred file that has lingered past the warn threshold and
// hasn't been warned about yet.
func (s *Scheduler) CheckDelayWarnings(now time.Time) {
	s.mu.Lock()
	var due []*fileState
	for _, f := range s.files {
		f.mu.Lock()
		if !f.warned && s.cfg.DelayWarningTime > 0 &&
			now.Sub(f.created) > s.cfg.DelayWarningTime && len(f.pending) > 0 {
			f.warned = true
			due = append(due, f)
		}
		f.mu.Unlock()
	}
	s.mu.Unlock()

	for _, f := range due {
		f.mu.Lock()
		pending := append([]Recipient(nil), f.pending...)
		sender := f.sender
		id := f.id
		created := f.created
		f.mu.Unlock()
		if s.notifier != nil {
			s.notifier.NotifyDelayWarning(id, sender, pending,
				created.Add(s.cfg.MaximalLifetime))
		}
	}
}
