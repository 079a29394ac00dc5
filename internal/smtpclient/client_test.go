package smtpclient

import (
	"bufio"
	"context"
	"net"
	"net/textproto"
	"strings"
	"testing"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/scheduler"
	"coihue.dev/go/correo/internal/testlib"
)

// newQueueFile commits a message through the ingest engine and promotes
// it into the active class, the state delivery requests refer to.
func newQueueFile(t *testing.T, store *qstore.Store, sender string,
	rcpts []string, lines ...string) (string, []cleanup.Recipient, int64) {
	t.Helper()

	engine := cleanup.NewEngine(store, cleanup.Limits{
		HeaderSize: 1 << 20, HopCount: 50, Recipients: 100, MaxSize: 1 << 20,
	})
	tx, err := engine.Begin(sender)
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
	for _, l := range lines {
		if err := tx.WriteContentLine([]byte(l)); err != nil {
			t.Fatalf("WriteContentLine: %v", err)
		}
	}
	recipients := tx.Recipients()
	id, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if err := store.Rename(qstore.Incoming, id, qstore.Active); err != nil {
		t.Fatalf("Rename to active: %v", err)
	}

	var size int64
	for _, l := range lines {
		size += int64(len(l)) + 1
	}
	return id, recipients, size
}

func newTestAgent(t *testing.T, store *qstore.Store, port string) *Agent {
	t.Helper()
	to := DefaultTimeouts
	to.Connect = 5 * time.Second
	to.Greeting = 5 * time.Second
	to.Hello = 5 * time.Second
	to.Mail = 5 * time.Second
	to.Rcpt = 5 * time.Second
	to.DataInit = 5 * time.Second
	to.DataLine = 5 * time.Second
	to.DataDone = 5 * time.Second
	return &Agent{
		HelloDomain: "mx.localdomain",
		Store:       store,
		Timeouts:    to,
		Port:        port,
	}
}

func mustStore(t *testing.T) *qstore.Store {
	t.Helper()
	store, err := qstore.Open(testlib.MustTempDir(t)+"/queue", 1)
	if err != nil {
		t.Fatalf("qstore.Open: %v", err)
	}
	return store
}

func request(id, sender string, rcpts []cleanup.Recipient, size int64) *scheduler.DeliveryRequest {
	return &scheduler.DeliveryRequest{
		QueueID: id, Sender: sender, Nexthop: "[127.0.0.1]",
		Transport: "smtp", Recipients: rcpts, Size: size,
	}
}

func TestSimpleDialog(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", "hello")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO mx.localdomain", "250-dest\r\n250-8BITMIME\r\n250 SIZE 0\r\n"},
		{"MAIL FROM:<a@ex>", "250 2.1.0 Ok\r\n"},
		{"RCPT TO:<b@dest>", "250 2.1.5 Ok\r\n"},
		{"DATA", "354 End data\r\n"},
		{".", "250 2.0.0 Ok: accepted\r\n"},
		{"QUIT", "221 2.0.0 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	if len(report.Results) != 1 {
		t.Fatalf("got %d results, want 1", len(report.Results))
	}
	res := report.Results[0]
	if res.Status != scheduler.Delivered || res.Enhanced != "2.0.0" {
		t.Errorf("result: %+v, want delivered/2.0.0", res)
	}

	data := srv.received()
	if len(data) != 1 || !strings.Contains(data[0], "hello") {
		t.Errorf("server did not receive the body: %q", data)
	}
}

func TestPerRecipientStatus(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex",
		[]string{"ok@dest", "later@dest", "never@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "250 dest\r\n"},
		{"MAIL FROM:<a@ex>", "250 Ok\r\n"},
		{"RCPT TO:<ok@dest>", "250 Ok\r\n"},
		{"RCPT TO:<later@dest>", "450 4.2.0 Mailbox busy\r\n"},
		{"RCPT TO:<never@dest>", "550 5.1.1 No such user\r\n"},
		{"DATA", "354 End data\r\n"},
		{".", "250 Ok\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	byOffset := map[int64]scheduler.RecipientResult{}
	for _, r := range report.Results {
		byOffset[r.Offset] = r
	}
	if len(byOffset) != 3 {
		t.Fatalf("got %d results, want 3: %+v", len(byOffset), report.Results)
	}

	want := []struct {
		i        int
		status   scheduler.Status
		enhanced string
	}{
		{0, scheduler.Delivered, ""},
		{1, scheduler.Keep, "4.2.0"},
		{2, scheduler.Failed, "5.1.1"},
	}
	for _, w := range want {
		res := byOffset[rcpts[w.i].Offset]
		if res.Status != w.status {
			t.Errorf("rcpt %d: status %v, want %v", w.i, res.Status, w.status)
		}
		if w.enhanced != "" && res.Enhanced != w.enhanced {
			t.Errorf("rcpt %d: enhanced %q, want %q", w.i, res.Enhanced, w.enhanced)
		}
	}
}

func TestPermanentSiteFailure(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "554 5.7.1 go away\r\n", []step{
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(report.Results) != 1 || report.Results[0].Status != scheduler.Failed {
		t.Errorf("got %+v, want one failed result", report.Results)
	}
}

func TestTransientGreeting(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "421 4.3.2 try later\r\n", []step{
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	_, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err == nil {
		t.Errorf("Deliver succeeded, want a session error (all keep)")
	}
}

func TestSizeOverRemoteLimit(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", strings.Repeat("x", 5000))

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "250-dest\r\n250 SIZE 1000\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	if len(report.Results) != 1 || report.Results[0].Status != scheduler.Failed ||
		report.Results[0].Enhanced != "5.3.4" {
		t.Errorf("got %+v, want failed/5.3.4", report.Results)
	}
}

func TestDotStuffingOut(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", ".starts with dot", "..two dots")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "250 dest\r\n"},
		{"MAIL", "250 Ok\r\n"},
		{"RCPT", "250 Ok\r\n"},
		{"DATA", "354 End data\r\n"},
		{".", "250 Ok\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	if _, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size)); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	// ReadDotBytes undoes the stuffing, so matching the original lines
	// here proves the client stuffed them on the wire.
	data := srv.received()
	if len(data) != 1 {
		t.Fatalf("got %d content sections, want 1", len(data))
	}
	for _, want := range []string{"\n.starts with dot\n", "\n..two dots\n"} {
		if !strings.Contains(data[0], want) {
			t.Errorf("content missing %q:\n%q", want, data[0])
		}
	}
}

func TestConnectionReuse(t *testing.T) {
	store := mustStore(t)
	id1, rcpts1, size1 := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: one", "", "first")
	id2, rcpts2, size2 := newQueueFile(t, store, "a@ex", []string{"c@dest"},
		"Subject: two", "", "second")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "250-dest\r\n250 PIPELINING\r\n"},
		{"MAIL FROM:<a@ex>", "250 Ok\r\n"},
		{"RCPT TO:<b@dest>", "250 Ok\r\n"},
		{"DATA", "354 End data\r\n"},
		{".", "250 Ok\r\n"},
		{"RSET", "250 Ok\r\n"},
		{"MAIL FROM:<a@ex>", "250 Ok\r\n"},
		{"RCPT TO:<c@dest>", "250 Ok\r\n"},
		{"DATA", "354 End data\r\n"},
		{".", "250 Ok\r\n"},
		{"RSET", "250 Ok\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	a.Pool = NewPool(10, time.Minute)

	r1, err := a.Deliver(context.Background(), request(id1, "a@ex", rcpts1, size1))
	if err != nil {
		t.Fatalf("first Deliver: %v", err)
	}
	r2, err := a.Deliver(context.Background(), request(id2, "a@ex", rcpts2, size2))
	if err != nil {
		t.Fatalf("second Deliver: %v", err)
	}
	a.Pool.CloseAll()
	srv.wait()

	if srv.connections() != 1 {
		t.Errorf("server saw %d connections, want 1", srv.connections())
	}
	if r1.Results[0].Status != scheduler.Delivered ||
		r2.Results[0].Status != scheduler.Delivered {
		t.Errorf("statuses: %+v / %+v, want delivered both", r1.Results, r2.Results)
	}
	if got := srv.received(); len(got) != 2 {
		t.Errorf("server received %d messages, want 2", len(got))
	}
}

// TestPipelining uses a server that reads the whole envelope before
// replying at all: a client that waited for a reply after MAIL would
// deadlock here.
func TestPipelining(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex",
		[]string{"r1@dest", "r2@dest", "r3@dest"},
		"Subject: t", "", "x")

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan bool)
	go func() {
		defer close(done)
		c, err := l.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		c.SetDeadline(time.Now().Add(10 * time.Second))

		r := textproto.NewReader(bufio.NewReader(c))
		c.Write([]byte("220 dest ESMTP\r\n"))

		line, _ := r.ReadLine()
		if !strings.HasPrefix(line, "EHLO") {
			t.Errorf("got %q, want EHLO", line)
			return
		}
		c.Write([]byte("250-dest\r\n250 PIPELINING\r\n"))

		// Read MAIL + 3x RCPT + DATA before sending any reply.
		var got []string
		for i := 0; i < 5; i++ {
			line, err := r.ReadLine()
			if err != nil {
				t.Errorf("reading pipelined command %d: %v", i, err)
				return
			}
			got = append(got, line)
		}
		if !strings.HasPrefix(got[0], "MAIL") || got[4] != "DATA" {
			t.Errorf("unexpected pipelined commands: %q", got)
			return
		}

		c.Write([]byte("250 Ok\r\n250 Ok\r\n250 Ok\r\n250 Ok\r\n354 End data\r\n"))
		if _, err := r.ReadDotBytes(); err != nil {
			t.Errorf("reading content: %v", err)
			return
		}
		c.Write([]byte("250 Ok\r\n"))

		line, _ = r.ReadLine()
		if line != "QUIT" {
			t.Errorf("got %q, want QUIT", line)
		}
		c.Write([]byte("221 Bye\r\n"))
	}()

	_, port, _ := net.SplitHostPort(l.Addr().String())
	a := newTestAgent(t, store, port)
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	<-done

	if len(report.Results) != 3 {
		t.Fatalf("got %d results, want 3", len(report.Results))
	}
	for _, r := range report.Results {
		if r.Status != scheduler.Delivered {
			t.Errorf("result %+v, want delivered", r)
		}
	}
}

func TestLMTPDialog(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex",
		[]string{"u1@dest", "u2@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "220 dest LMTP\r\n", []step{
		{"LHLO mx.localdomain", "250-dest\r\n250 PIPELINING\r\n"},
		{"MAIL FROM:<a@ex>", "250 Ok\r\n"},
		{"RCPT TO:<u1@dest>", "250 Ok\r\n"},
		{"RCPT TO:<u2@dest>", "250 Ok\r\n"},
		// One reply per recipient at the dot: first delivered, second
		// deferred.
		{"DATA", "354 End data\r\n"},
		{".", "250 2.0.0 u1 Ok\r\n452 4.3.1 u2 mailbox full\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	a.LMTP = true
	report, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	if len(report.Results) != 2 {
		t.Fatalf("got %d results, want 2: %+v", len(report.Results), report.Results)
	}
	if report.Results[0].Status != scheduler.Delivered {
		t.Errorf("u1: %+v, want delivered", report.Results[0])
	}
	if report.Results[1].Status != scheduler.Keep || report.Results[1].Enhanced != "4.3.1" {
		t.Errorf("u2: %+v, want keep/4.3.1", report.Results[1])
	}
}

func TestMailRejected(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "bad@ex", []string{"b@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "250 dest\r\n"},
		{"MAIL FROM:<bad@ex>", "550 5.7.1 sender blocked\r\n"},
		{"QUIT", "221 Bye\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	report, err := a.Deliver(context.Background(), request(id, "bad@ex", rcpts, size))
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	srv.wait()

	if len(report.Results) != 1 || report.Results[0].Status != scheduler.Failed {
		t.Errorf("got %+v, want one failed result", report.Results)
	}
}

func TestGarbledReply(t *testing.T) {
	store := mustStore(t)
	id, rcpts, size := newQueueFile(t, store, "a@ex", []string{"b@dest"},
		"Subject: t", "", "x")

	srv := newFakeServer(t, "220 dest ESMTP\r\n", []step{
		{"EHLO", "garbage, not a reply\r\n"},
	})

	a := newTestAgent(t, store, srv.port())
	_, err := a.Deliver(context.Background(), request(id, "a@ex", rcpts, size))
	if err == nil {
		t.Errorf("Deliver succeeded on a garbled reply, want session error")
	}
}
