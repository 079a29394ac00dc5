package dsn

import (
	"io"
	"strings"
	"testing"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
	"coihue.dev/go/correo/internal/testlib"
)

type fixture struct {
	t        *testing.T
	store    *qstore.Store
	notifier *Notifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := qstore.Open(testlib.MustTempDir(t)+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	engine := cleanup.NewEngine(store, cleanup.Limits{
		HeaderSize: 1 << 20, HopCount: 50, Recipients: 100, MaxSize: 1 << 20,
	})
	return &fixture{
		t:     t,
		store: store,
		notifier: &Notifier{
			Store:              store,
			Engine:             engine,
			Hostname:           "mx.localdomain",
			PostmasterAddress:  "postmaster",
			DoubleBounceSender: "double-bounce",
		},
	}
}

// failMessage commits a message, promotes it to active, and records one
// failure for each of rcpts.
func (f *fixture) failMessage(sender string, rcpts []cleanup.Recipient,
	diag, enhanced string) string {
	f.t.Helper()

	tx, err := f.notifier.Engine.Begin(sender)
	if err != nil {
		f.t.Fatalf("Begin: %v", err)
	}
	for _, r := range rcpts {
		if err := tx.AddRecipient(r); err != nil {
			f.t.Fatalf("AddRecipient: %v", err)
		}
	}
	if err := tx.BeginContent(); err != nil {
		f.t.Fatalf("BeginContent: %v", err)
	}
	tx.WriteContentLine([]byte("Subject: original"))
	tx.WriteContentLine([]byte("Message-ID: <orig@ex>"))
	tx.WriteContentLine([]byte(""))
	tx.WriteContentLine([]byte("original body"))
	id, err := tx.Commit()
	if err != nil {
		f.t.Fatalf("Commit: %v", err)
	}
	if err := f.store.Rename(qstore.Incoming, id, qstore.Active); err != nil {
		f.t.Fatalf("Rename: %v", err)
	}

	for _, r := range rcpts {
		if err := f.notifier.RecordFailure(id, sender, r.Address, diag, enhanced); err != nil {
			f.t.Fatalf("RecordFailure: %v", err)
		}
	}
	return id
}

// incoming returns the record payload text of every file now in the
// incoming class, concatenated per file.
func (f *fixture) incoming() []string {
	f.t.Helper()
	ids, err := f.store.ListIDs(qstore.Incoming)
	if err != nil {
		f.t.Fatalf("ListIDs: %v", err)
	}
	var out []string
	for _, id := range ids {
		h, err := f.store.OpenHandle(qstore.Incoming, id, qstore.Shared)
		if err != nil {
			f.t.Fatalf("OpenHandle: %v", err)
		}
		var sb strings.Builder
		r := record.NewReader(h)
		for {
			typ, payload, err := r.Get()
			if err == io.EOF {
				break
			}
			if err != nil {
				f.t.Fatalf("Get: %v", err)
			}
			switch typ {
			case record.TypeReturnPath:
				sb.WriteString("SENDER=<" + string(payload) + ">\n")
			case record.TypeRecipient:
				sb.WriteString("RCPT=<" + string(payload) + ">\n")
			case record.TypeHeader, record.TypeNormal, record.TypeContinuation:
				sb.Write(payload)
				sb.WriteString("\n")
			}
		}
		h.Close()
		out = append(out, sb.String())
	}
	return out
}

func TestSingleBounce(t *testing.T) {
	f := newFixture(t)
	id := f.failMessage("a@ex",
		[]cleanup.Recipient{{Address: "x@d", Notify: cleanup.NotifyFailure}},
		"550 5.1.1 no such user", "5.1.1")

	if err := f.notifier.Finalize(id, "a@ex"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	msgs := f.incoming()
	if len(msgs) != 1 {
		t.Fatalf("got %d injected messages, want 1", len(msgs))
	}
	msg := msgs[0]

	for _, want := range []string{
		"SENDER=<>\n",
		"RCPT=<a@ex>\n",
		"Content-Type: multipart/report; report-type=delivery-status;",
		"Reporting-MTA: dns; mx.localdomain",
		"Final-Recipient: rfc822; x@d",
		"Action: failed",
		"Status: 5.1.1",
		"Diagnostic-Code: smtp; 550 5.1.1 no such user",
		"Subject: original",
		"original body",
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("DSN missing %q:\n%s", want, msg)
		}
	}

	// At most one bounce per failure: a second Finalize (the defer log
	// is gone) must not inject anything new.
	if err := f.notifier.Finalize(id, "a@ex"); err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if msgs := f.incoming(); len(msgs) != 1 {
		t.Errorf("second Finalize injected another DSN (%d total)", len(msgs))
	}
}

func TestDoubleBounce(t *testing.T) {
	f := newFixture(t)
	// The failed message was itself a notification (null reverse-path).
	id := f.failMessage("",
		[]cleanup.Recipient{{Address: "gone@ex", Notify: cleanup.NotifyFailure}},
		"550 5.1.1 no such user", "5.1.1")

	if err := f.notifier.Finalize(id, ""); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	msgs := f.incoming()
	if len(msgs) != 1 {
		t.Fatalf("got %d injected messages, want 1", len(msgs))
	}
	msg := msgs[0]
	if !strings.Contains(msg, "RCPT=<postmaster@mx.localdomain>") {
		t.Errorf("double bounce not routed to postmaster:\n%s", msg)
	}
	if !strings.Contains(msg, "double-bounce@mx.localdomain") {
		t.Errorf("double bounce does not carry the double-bounce sender:\n%s", msg)
	}
}

func TestDoubleBounceSuppression(t *testing.T) {
	f := newFixture(t)
	// A message whose sender IS the double-bounce address failed: the
	// notification would target double-bounce@..., which must never
	// receive a DSN.
	id := f.failMessage("double-bounce@mx.localdomain",
		[]cleanup.Recipient{{Address: "gone@ex", Notify: cleanup.NotifyFailure}},
		"550 5.1.1 no such user", "5.1.1")

	if err := f.notifier.Finalize(id, "double-bounce@mx.localdomain"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if msgs := f.incoming(); len(msgs) != 0 {
		t.Errorf("DSN sent to the double-bounce address:\n%s", msgs[0])
	}
}

func TestNotifyNever(t *testing.T) {
	f := newFixture(t)
	id := f.failMessage("a@ex",
		[]cleanup.Recipient{{Address: "x@d", Notify: cleanup.NotifyNever}},
		"550 5.1.1 no such user", "5.1.1")

	if err := f.notifier.Finalize(id, "a@ex"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if msgs := f.incoming(); len(msgs) != 0 {
		t.Errorf("DSN sent despite NOTIFY=NEVER:\n%s", msgs[0])
	}
}

func TestOriginalRecipientReporting(t *testing.T) {
	f := newFixture(t)
	id := f.failMessage("a@ex",
		[]cleanup.Recipient{{
			Address:  "x@d",
			Original: "alias@d",
			Notify:   cleanup.NotifyFailure,
		}},
		"550 5.1.1 no such user", "5.1.1")

	if err := f.notifier.Finalize(id, "a@ex"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	msgs := f.incoming()
	if len(msgs) != 1 {
		t.Fatalf("got %d injected messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "Original-Recipient: rfc822; alias@d") {
		t.Errorf("DSN missing the original recipient:\n%s", msgs[0])
	}
}

func TestDelayWarning(t *testing.T) {
	f := newFixture(t)

	// Build a deferred message (no failures recorded).
	tx, err := f.notifier.Engine.Begin("a@ex")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	rcpt := cleanup.Recipient{Address: "slow@d",
		Notify: cleanup.NotifyFailure | cleanup.NotifyDelay}
	if err := tx.AddRecipient(rcpt); err != nil {
		t.Fatalf("AddRecipient: %v", err)
	}
	tx.BeginContent()
	tx.WriteContentLine([]byte("Subject: waiting"))
	tx.WriteContentLine([]byte(""))
	tx.WriteContentLine([]byte("body"))
	id, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := f.store.Rename(qstore.Incoming, id, qstore.Deferred); err != nil {
		t.Fatalf("Rename: %v", err)
	}

	until := time.Now().Add(3 * 24 * time.Hour)
	err = f.notifier.NotifyDelayWarning(id, "a@ex",
		[]cleanup.Recipient{rcpt}, until)
	if err != nil {
		t.Fatalf("NotifyDelayWarning: %v", err)
	}

	msgs := f.incoming()
	if len(msgs) != 1 {
		t.Fatalf("got %d injected messages, want 1", len(msgs))
	}
	msg := msgs[0]
	for _, want := range []string{
		"Action: delayed",
		"Status: 4.4.7",
		"Will-Retry-Until: " + until.Format(time.RFC1123Z),
	} {
		if !strings.Contains(msg, want) {
			t.Errorf("delay DSN missing %q:\n%s", want, msg)
		}
	}
}

func TestComposeClipsOriginal(t *testing.T) {
	f := newFixture(t)
	f.notifier.MaxOriginalSize = 100

	tx, err := f.notifier.Engine.Begin("a@ex")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx.AddRecipient(cleanup.Recipient{Address: "x@d", Notify: cleanup.NotifyFailure})
	tx.BeginContent()
	tx.WriteContentLine([]byte("Subject: big"))
	tx.WriteContentLine([]byte(""))
	for i := 0; i < 50; i++ {
		tx.WriteContentLine([]byte(strings.Repeat("x", 50)))
	}
	id, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	f.store.Rename(qstore.Incoming, id, qstore.Active)
	f.notifier.RecordFailure(id, "a@ex", "x@d", "550 no", "5.1.1")

	if err := f.notifier.Finalize(id, "a@ex"); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	msgs := f.incoming()
	if len(msgs) != 1 {
		t.Fatalf("got %d injected messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "Content-Type: text/rfc822-headers") {
		t.Errorf("oversized original not clipped to headers:\n%s", msgs[0])
	}
	if !strings.Contains(msgs[0], "Subject: big") {
		t.Errorf("clipped DSN lost the original headers:\n%s", msgs[0])
	}
}
