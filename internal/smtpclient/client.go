// Package smtpclient implements the outbound SMTP and LMTP client: name
// resolution and host selection for a nexthop, the EHLO/MAIL/RCPT/DATA
// dialog with PIPELINING, per-recipient status tracking, and a
// per-process connection cache for reuse across consecutive deliveries to
// the same destination.
package smtpclient

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"net"
	"net/textproto"
	"regexp"
	"strings"
	"time"

	"coihue.dev/go/correo/internal/trace"
)

// Timeouts holds the per-phase timeouts of an outbound session. Every
// phase has its own budget; a slow server must not be able to park a
// worker indefinitely on any single step.
type Timeouts struct {
	Connect  time.Duration
	Greeting time.Duration
	Hello    time.Duration
	Mail     time.Duration
	Rcpt     time.Duration
	DataInit time.Duration // the 354 reply
	DataLine time.Duration // each content write
	DataDone time.Duration // the reply to the terminal dot
	Rset     time.Duration
	Quit     time.Duration
}

// DefaultTimeouts follows common MTA practice: generous on the phases
// where the RFC demands patience, short on the cheap ones.
var DefaultTimeouts = Timeouts{
	Connect:  30 * time.Second,
	Greeting: 5 * time.Minute,
	Hello:    5 * time.Minute,
	Mail:     5 * time.Minute,
	Rcpt:     5 * time.Minute,
	DataInit: 2 * time.Minute,
	DataLine: 3 * time.Minute,
	DataDone: 10 * time.Minute,
	Rset:     20 * time.Second,
	Quit:     10 * time.Second,
}

// features is the capability bitmap parsed from the EHLO/LHLO reply.
type features struct {
	pipelining   bool
	eightBitMIME bool
	smtputf8     bool
	startTLS     bool
	auth         bool
	dsn          bool
	enhanced     bool
	size         int64
}

// pipelineGroup bounds how many RCPT commands are packed into one write
// before the client stops to collect replies.
const pipelineGroup = 100

// errProtocol marks replies the protocol does not allow: garbled lines,
// reply codes whose first digit is not 2, 3, 4 or 5. A session that produced
// one is closed and never cached.
type errProtocol struct {
	msg string
}

func (e *errProtocol) Error() string { return "protocol error: " + e.msg }

// session is one open connection to a remote SMTP or LMTP server.
type session struct {
	conn net.Conn
	r    *textproto.Reader
	w    *bufio.Writer
	tr   *trace.Trace

	key  string // destination key for the connection cache
	lmtp bool

	feat features

	timeouts Timeouts

	created    time.Time
	reuseCount int

	// broken marks the session unusable for reuse: an I/O or protocol
	// error happened, or a reply left the dialog state uncertain.
	broken bool
}

func newSession(conn net.Conn, key string, lmtp bool, t Timeouts, tr *trace.Trace) *session {
	return &session{
		conn:     conn,
		r:        textproto.NewReader(bufio.NewReader(conn)),
		w:        bufio.NewWriter(conn),
		tr:       tr,
		key:      key,
		lmtp:     lmtp,
		timeouts: t,
		created:  time.Now(),
	}
}

func (s *session) close() {
	s.conn.Close()
}

// cmd writes one command line (buffered; call flush before reading).
func (s *session) cmd(format string, args ...interface{}) error {
	fmt.Fprintf(s.w, format+"\r\n", args...)
	return nil
}

func (s *session) flush(timeout time.Duration) error {
	s.conn.SetWriteDeadline(time.Now().Add(timeout))
	if err := s.w.Flush(); err != nil {
		s.broken = true
		return err
	}
	return nil
}

// reply reads one (possibly multi-line) reply within timeout. Malformed
// replies and out-of-range codes surface as *errProtocol and mark the
// session broken.
func (s *session) reply(timeout time.Duration) (code int, msg string, err error) {
	s.conn.SetReadDeadline(time.Now().Add(timeout))
	code, msg, err = s.r.ReadResponse(-1)
	if err != nil {
		s.broken = true
		if _, ok := err.(textproto.ProtocolError); ok {
			// Garbled reply: non-digit code, bad separator.
			return 0, "", &errProtocol{msg: err.Error()}
		}
		return 0, "", err
	}
	switch code / 100 {
	case 2, 3, 4, 5:
	default:
		s.broken = true
		return 0, "", &errProtocol{msg: fmt.Sprintf("reply code %d out of range", code)}
	}
	s.tr.Debugf("<- %d %s", code, firstLine(msg))
	return code, msg, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// greet reads the server's banner. A 4xx banner is a session failure (try
// the next address); a 5xx banner is a permanent site failure.
func (s *session) greet() (code int, msg string, err error) {
	return s.reply(s.timeouts.Greeting)
}

// hello runs EHLO (LHLO for LMTP) and parses the capability list. If the
// server rejects EHLO, it falls back to old-style HELO with no
// extensions.
func (s *session) hello(domain string) error {
	verb := "EHLO"
	if s.lmtp {
		verb = "LHLO"
	}

	s.cmd("%s %s", verb, domain)
	if err := s.flush(s.timeouts.Hello); err != nil {
		return err
	}
	code, msg, err := s.reply(s.timeouts.Hello)
	if err != nil {
		return err
	}

	if code/100 != 2 {
		if s.lmtp {
			return fmt.Errorf("LHLO rejected: %d %s", code, firstLine(msg))
		}
		// Fall back to HELO for ancient servers.
		s.cmd("HELO %s", domain)
		if err := s.flush(s.timeouts.Hello); err != nil {
			return err
		}
		code, msg, err = s.reply(s.timeouts.Hello)
		if err != nil {
			return err
		}
		if code/100 != 2 {
			return fmt.Errorf("HELO rejected: %d %s", code, firstLine(msg))
		}
		return nil
	}

	s.feat = parseFeatures(msg)
	return nil
}

func parseFeatures(msg string) features {
	var f features
	lines := strings.Split(msg, "\n")
	// The first line is the server's identification, not a capability.
	for _, line := range lines[1:] {
		kw, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
		switch strings.ToUpper(kw) {
		case "PIPELINING":
			f.pipelining = true
		case "8BITMIME":
			f.eightBitMIME = true
		case "SMTPUTF8":
			f.smtputf8 = true
		case "STARTTLS":
			f.startTLS = true
		case "AUTH":
			f.auth = true
		case "DSN":
			f.dsn = true
		case "ENHANCEDSTATUSCODES":
			f.enhanced = true
		case "SIZE":
			if arg != "" {
				fmt.Sscanf(arg, "%d", &f.size)
			}
		}
	}
	return f
}

// starttls upgrades the session to TLS. On any failure the session is
// unusable (the server may be half-way into a handshake).
func (s *session) starttls(config *tls.Config) error {
	s.cmd("STARTTLS")
	if err := s.flush(s.timeouts.Hello); err != nil {
		return err
	}
	code, msg, err := s.reply(s.timeouts.Hello)
	if err != nil {
		return err
	}
	if code != 220 {
		return fmt.Errorf("STARTTLS rejected: %d %s", code, firstLine(msg))
	}

	tc := tls.Client(s.conn, config)
	s.conn.SetDeadline(time.Now().Add(s.timeouts.Hello))
	if err := tc.Handshake(); err != nil {
		s.broken = true
		return fmt.Errorf("TLS handshake: %v", err)
	}
	s.conn.SetDeadline(time.Time{})

	s.conn = tc
	s.r = textproto.NewReader(bufio.NewReader(tc))
	s.w = bufio.NewWriter(tc)
	s.feat = features{}
	return nil
}

// enhancedRe matches a leading RFC 3463 enhanced status code in a reply's
// text.
var enhancedRe = regexp.MustCompile(`^([245]\.\d{1,3}\.\d{1,3})\b`)

// splitEnhanced extracts the enhanced status code from a reply text, if
// the server sent one.
func splitEnhanced(msg string) (enhanced, rest string) {
	line := firstLine(msg)
	if m := enhancedRe.FindString(line); m != "" {
		return m, strings.TrimSpace(line[len(m):])
	}
	return "", line
}

// rset resets the server-side transaction before the session is returned
// to the cache. Any non-2xx makes the connection unusable.
func (s *session) rset() error {
	s.cmd("RSET")
	if err := s.flush(s.timeouts.Rset); err != nil {
		return err
	}
	code, msg, err := s.reply(s.timeouts.Rset)
	if err != nil {
		return err
	}
	if code/100 != 2 {
		s.broken = true
		return fmt.Errorf("RSET rejected: %d %s", code, firstLine(msg))
	}
	return nil
}

// quit closes the session politely. Errors are ignored, the connection is
// going away either way.
func (s *session) quit() {
	s.cmd("QUIT")
	if err := s.flush(s.timeouts.Quit); err == nil {
		s.reply(s.timeouts.Quit)
	}
	s.close()
}

// writeContentLine writes one message line during DATA, applying
// dot-stuffing.
func (s *session) writeContentLine(line []byte) error {
	if len(line) > 0 && line[0] == '.' {
		if err := s.w.WriteByte('.'); err != nil {
			s.broken = true
			return err
		}
	}
	if _, err := s.w.Write(line); err != nil {
		s.broken = true
		return err
	}
	if _, err := s.w.WriteString("\r\n"); err != nil {
		s.broken = true
		return err
	}
	// Let the bufio writer do its own batching; set a fresh deadline per
	// buffer drain, not per line.
	if s.w.Available() < 1024 {
		return s.flush(s.timeouts.DataLine)
	}
	return nil
}

// endContent sends the terminal dot.
func (s *session) endContent() error {
	if _, err := s.w.WriteString(".\r\n"); err != nil {
		s.broken = true
		return err
	}
	return s.flush(s.timeouts.DataLine)
}
