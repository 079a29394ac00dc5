package pipe

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/scheduler"
	"coihue.dev/go/correo/internal/testlib"
)

func makeQueueFile(t *testing.T, store *qstore.Store, rcpts ...string) (string, []cleanup.Recipient) {
	t.Helper()
	engine := cleanup.NewEngine(store, cleanup.Limits{
		HeaderSize: 1 << 20, HopCount: 50, Recipients: 100, MaxSize: 1 << 20,
	})
	tx, err := engine.Begin("from@x")
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	for _, r := range rcpts {
		if err := tx.AddRecipient(cleanup.Recipient{Address: r}); err != nil {
			t.Fatalf("AddRecipient: %v", err)
		}
	}
	if err := tx.BeginContent(); err != nil {
		t.Fatalf("BeginContent: %v", err)
	}
	tx.WriteContentLine([]byte("Subject: test"))
	tx.WriteContentLine([]byte(""))
	tx.WriteContentLine([]byte("data"))
	recipients := tx.Recipients()
	id, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.Rename(qstore.Incoming, id, qstore.Active); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	return id, recipients
}

func deliver(t *testing.T, p *Agent, id string, rcpts []cleanup.Recipient) *scheduler.DeliveryReport {
	t.Helper()
	report, err := p.Deliver(context.Background(), &scheduler.DeliveryRequest{
		QueueID: id, Sender: "from@x", Nexthop: "local",
		Transport: "pipe", Recipients: rcpts,
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	return report
}

func TestPipe(t *testing.T) {
	dir := testlib.MustTempDir(t)
	store, err := qstore.Open(dir+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	id, rcpts := makeQueueFile(t, store, "to@local")

	p := &Agent{
		Store:   store,
		Binary:  "tee",
		Args:    []string{dir + "/%to_user%"},
		Timeout: 1 * time.Minute,
	}
	report := deliver(t, p, id, rcpts)

	if len(report.Results) != 1 || report.Results[0].Status != scheduler.Delivered {
		t.Fatalf("report: %+v, want one delivered", report.Results)
	}

	data, err := os.ReadFile(dir + "/to")
	if err != nil || !bytes.Contains(data, []byte("Subject: test\r\n\r\ndata\r\n")) {
		t.Errorf("invalid delivered data: %q - %v", string(data), err)
	}
}

func TestPipeTimeout(t *testing.T) {
	store, err := qstore.Open(testlib.MustTempDir(t)+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	id, rcpts := makeQueueFile(t, store, "to@local")

	p := &Agent{Store: store, Binary: "/bin/sleep", Args: []string{"1"},
		Timeout: 100 * time.Millisecond}
	report := deliver(t, p, id, rcpts)

	if report.Results[0].Status != scheduler.Keep {
		t.Errorf("timeout: %+v, want keep", report.Results[0])
	}
}

func TestPipeBadCommandLine(t *testing.T) {
	store, err := qstore.Open(testlib.MustTempDir(t)+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	id, rcpts := makeQueueFile(t, store, "to@local")

	// Non-existent binary.
	p := &Agent{Store: store, Binary: "thisdoesnotexist"}
	report := deliver(t, p, id, rcpts)
	if report.Results[0].Status != scheduler.Failed {
		t.Errorf("non-existent binary: %+v, want failed", report.Results[0])
	}

	// Incorrect arguments.
	p = &Agent{Store: store, Binary: "cat",
		Args: []string{"--fail_unknown_option"}}
	report = deliver(t, p, id, rcpts)
	if report.Results[0].Status != scheduler.Failed {
		t.Errorf("incorrect arguments: %+v, want failed", report.Results[0])
	}
}

func TestPipePerRecipient(t *testing.T) {
	dir := testlib.MustTempDir(t)
	store, err := qstore.Open(dir+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	id, rcpts := makeQueueFile(t, store, "u1@local", "u2@local")

	p := &Agent{Store: store, Binary: "tee",
		Args: []string{dir + "/%to_user%"}, Timeout: time.Minute}
	report := deliver(t, p, id, rcpts)

	if len(report.Results) != 2 {
		t.Fatalf("got %d results, want 2", len(report.Results))
	}
	for i, res := range report.Results {
		if res.Status != scheduler.Delivered {
			t.Errorf("rcpt %d: %+v, want delivered", i, res)
		}
	}
	for _, f := range []string{"/u1", "/u2"} {
		if _, err := os.Stat(dir + f); err != nil {
			t.Errorf("missing delivery output %s: %v", f, err)
		}
	}
}

func TestSanitize(t *testing.T) {
	cases := []struct{ in, out string }{
		{"thisisfine", "thisisfine"},
		{"ñaca", "ñaca"},
		{"maul${life}", "maullife"},
		{"life `is` life", "lifeislife"},
		{"it's a trap", "itsatrap"},
	}
	for _, c := range cases {
		out := sanitizeForCommand(c.in)
		if out != c.out {
			t.Errorf("sanitize(%q) = %q, want %q", c.in, out, c.out)
		}
	}
}
