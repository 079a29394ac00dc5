// Package dsn implements the bounce/defer notifier: it collects
// per-recipient failures into a sibling log next to the queue file, and
// when a queue entry is finished (or has lingered past the delay-warning
// threshold) composes an RFC 3464 multipart/report message and re-injects
// it through the ingest engine with the null reverse-path.
package dsn

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/envelope"
	"coihue.dev/go/correo/internal/log"
	"coihue.dev/go/correo/internal/maillog"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
)

// Notifier composes and injects delivery status notifications.
type Notifier struct {
	Store  *qstore.Store
	Engine *cleanup.Engine

	// Hostname is the Reporting-MTA and the domain of our generated
	// addresses.
	Hostname string

	// PostmasterAddress receives double bounces (local part, or a full
	// address).
	PostmasterAddress string

	// DoubleBounceSender is the sender of double bounces (local part, or
	// a full address). No DSN is ever sent TO this address; that
	// invariant is what stops mail loops between broken notifiers.
	DoubleBounceSender string

	// MaxOriginalSize clips how much of the original message a DSN
	// carries. Past the limit only the headers are returned.
	MaxOriginalSize int64
}

const defaultMaxOriginalSize = 256 * 1024

func (n *Notifier) maxOriginalSize() int64 {
	if n.MaxOriginalSize > 0 {
		return n.MaxOriginalSize
	}
	return defaultMaxOriginalSize
}

func (n *Notifier) qualify(addr string) string {
	if addr == "" || strings.Contains(addr, "@") {
		return addr
	}
	return addr + "@" + n.Hostname
}

// RecordFailure appends one recipient's failure to the queue entry's
// sibling defer log. The log is itself a record stream: one recipient
// record, attribute records for the machine-readable fields, and an
// error-log record with the human diagnostic.
func (n *Notifier) RecordFailure(queueID, sender, recipient, diagnostic, enhanced string) error {
	path := n.Store.DeferLogPath(queueID)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	w := record.NewWriter(f)
	w.Put(record.TypeRecipient, []byte(recipient))
	w.Put(record.TypeAttribute, []byte("status="+enhanced))
	w.Put(record.TypeAttribute,
		[]byte("time="+strconv.FormatInt(time.Now().Unix(), 10)))
	w.Put(record.TypeErrorLog, []byte(diagnostic))
	return w.Flush()
}

// failureEntry is one parsed defer-log record group.
type failureEntry struct {
	Recipient  string
	Status     string
	Diagnostic string
	When       time.Time
}

func (n *Notifier) readDeferLog(queueID string) ([]failureEntry, error) {
	f, err := os.Open(n.Store.DeferLogPath(queueID))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []failureEntry
	var cur *failureEntry
	r := record.NewReader(f)
	for {
		typ, payload, err := r.Get()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch typ {
		case record.TypeRecipient:
			if cur != nil {
				entries = append(entries, *cur)
			}
			cur = &failureEntry{Recipient: string(payload)}
		case record.TypeAttribute:
			if cur == nil {
				continue
			}
			k, v, _ := strings.Cut(string(payload), "=")
			switch k {
			case "status":
				cur.Status = v
			case "time":
				if ts, err := strconv.ParseInt(v, 10, 64); err == nil {
					cur.When = time.Unix(ts, 0)
				}
			}
		case record.TypeErrorLog:
			if cur != nil {
				cur.Diagnostic = string(payload)
			}
		}
	}
	if cur != nil {
		entries = append(entries, *cur)
	}
	return entries, nil
}

// origInfo is what Finalize needs back out of the failed queue file.
type origInfo struct {
	arrival    time.Time
	envid      string
	recipients map[string]cleanup.Recipient // by current address
	headers    []string
	content    []string // full content lines, clipped
	clipped    bool
}

// readOriginal scans the queue file under a shared lock. class is where
// the file currently lives (active while the scheduler is finishing it).
func (n *Notifier) readOriginal(class qstore.Class, queueID string) (*origInfo, error) {
	h, err := n.Store.OpenHandle(class, queueID, qstore.Shared)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	info := &origInfo{recipients: map[string]cleanup.Recipient{}}
	r := record.NewReader(h)
	var cur *cleanup.Recipient
	inContent := false
	var size int64

	for {
		if !inContent {
			typ, payload, err := r.Get()
			if err != nil {
				return nil, err
			}
			switch typ {
			case record.TypeArrivalTime:
				if ts, perr := strconv.ParseInt(string(payload), 10, 64); perr == nil {
					info.arrival = time.Unix(ts, 0)
				}
			case record.TypeRecipient, record.TypeDeletedRecipient:
				// Deleted recipients keep their payload; we still want
				// their original-address info for reporting.
				if cur != nil {
					info.recipients[cur.Address] = *cur
				}
				cur = &cleanup.Recipient{Address: string(payload)}
			case record.TypeOriginalRecipient:
				if cur != nil {
					cur.Original = string(payload)
				}
			case record.TypeAttribute:
				k, v, _ := strings.Cut(string(payload), "=")
				switch k {
				case "envid":
					if cur == nil {
						info.envid = v
					}
				case "orcpt":
					if cur != nil {
						cur.ORCPT = v
					}
				case "notify":
					if cur != nil {
						if nv, perr := strconv.Atoi(v); perr == nil {
							cur.Notify = cleanup.NotifyMask(nv)
						}
					}
				}
			case record.TypeStartOfMessage:
				if cur != nil {
					info.recipients[cur.Address] = *cur
					cur = nil
				}
				inContent = true
			case record.TypeEndOfFile:
				return info, nil
			}
			continue
		}

		typ, line, ok, err := record.GetLine(r)
		if err != nil {
			return nil, err
		}
		if !ok {
			if typ == record.TypePadding {
				continue
			}
			return info, nil
		}
		if typ == record.TypeHeader {
			info.headers = append(info.headers, string(line))
		}
		size += int64(len(line)) + 1
		if size > n.maxOriginalSize() {
			info.clipped = true
			continue
		}
		info.content = append(info.content, string(line))
	}
}

// Finalize is called once a queue file has no pending recipients left and
// at least one failure was recorded: it turns the defer log into a bounce
// message. The defer log is consumed either way.
func (n *Notifier) Finalize(queueID, sender string) error {
	entries, err := n.readDeferLog(queueID)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer os.Remove(n.Store.DeferLogPath(queueID))

	orig, err := n.readOriginal(qstore.Active, queueID)
	if err != nil {
		log.Errorf("dsn: reading original %s: %v", queueID, err)
		// Best effort: the failure report is still owed, even if the
		// original content is gone.
		orig = &origInfo{recipients: map[string]cleanup.Recipient{}}
	}

	// Filter out recipients whose DSN-notify mask says NEVER.
	var reported []failureEntry
	for _, e := range entries {
		if r, ok := orig.recipients[e.Recipient]; ok && r.Notify == cleanup.NotifyNever {
			continue
		}
		reported = append(reported, e)
	}
	if len(reported) == 0 {
		return nil
	}

	return n.inject(queueID, sender, "failed", reported, orig, time.Time{})
}

// NotifyDelayWarning emits a single "your mail is delayed" notice for a
// queue entry that has lingered past the warn threshold.
func (n *Notifier) NotifyDelayWarning(queueID, sender string, pending []cleanup.Recipient, until time.Time) error {
	var entries []failureEntry
	for _, r := range pending {
		if r.Notify&cleanup.NotifyDelay == 0 && r.Notify != 0 {
			continue
		}
		entries = append(entries, failureEntry{
			Recipient:  r.Address,
			Status:     "4.4.7",
			Diagnostic: "delivery temporarily delayed, still retrying",
			When:       time.Now(),
		})
	}
	if len(entries) == 0 {
		return nil
	}

	orig, err := n.readOriginal(qstore.Deferred, queueID)
	if err != nil {
		if orig, err = n.readOriginal(qstore.Active, queueID); err != nil {
			orig = &origInfo{recipients: map[string]cleanup.Recipient{}}
		}
	}

	return n.inject(queueID, sender, "delayed", entries, orig, until)
}

// inject composes the report and feeds it back through the ingest engine.
func (n *Notifier) inject(queueID, sender, action string, entries []failureEntry,
	orig *origInfo, retryUntil time.Time) error {

	// Route the notification. A failed message with the null reverse-path
	// was itself a notification: its failure report goes to the
	// postmaster, from the double-bounce sender (and that is where the
	// recursion ends).
	to := sender
	doubleBounce := false
	if envelope.IsNullReversePath(sender) {
		to = n.qualify(n.PostmasterAddress)
		doubleBounce = true
	}

	// The central loop-stopper: no DSN may have the double-bounce sender
	// as its recipient, no matter how it was routed here.
	if envelope.UserOf(to) == envelope.UserOf(n.qualify(n.DoubleBounceSender)) &&
		envelope.DomainOf(to) == n.Hostname {
		log.Infof("dsn: suppressing notification to double-bounce address %q", to)
		return nil
	}

	body, err := n.compose(queueID, to, action, doubleBounce, entries, orig, retryUntil)
	if err != nil {
		return fmt.Errorf("dsn: composing report for %s: %v", queueID, err)
	}

	tx, err := n.Engine.Begin("")
	if err != nil {
		return err
	}
	if err := tx.AddRecipient(cleanup.Recipient{
		Address: to,
		// Notifications about notifications are never requested.
		Notify: cleanup.NotifyNever,
	}); err != nil {
		tx.Abort()
		return err
	}
	if err := tx.BeginContent(); err != nil {
		tx.Abort()
		return err
	}
	for _, line := range strings.Split(body, "\n") {
		if err := tx.WriteContentLine([]byte(line)); err != nil {
			tx.Abort()
			return err
		}
	}
	id, err := tx.Commit()
	if err != nil {
		return err
	}
	maillog.BounceSent(queueID, id)
	return nil
}
