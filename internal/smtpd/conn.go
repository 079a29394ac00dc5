package smtpd

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/maillog"
	"coihue.dev/go/correo/internal/mtaerr"
	"coihue.dev/go/correo/internal/normalize"
	"coihue.dev/go/correo/internal/policy"
	"coihue.dev/go/correo/internal/trace"
)

// SocketMode represents the service a listening socket provides. Policies
// differ between them: submission requires authentication, LMTP speaks
// the RFC 2033 dialect (LHLO greeting, one reply per recipient at the
// final dot).
type SocketMode struct {
	IsSubmission bool
	TLS          bool
	LMTP         bool
}

func (mode SocketMode) String() string {
	switch {
	case mode.LMTP:
		return "LMTP"
	case mode.IsSubmission && mode.TLS:
		return "submission+TLS"
	case mode.IsSubmission:
		return "submission"
	}
	return "SMTP"
}

// Valid socket modes.
var (
	ModeSMTP          = SocketMode{}
	ModeSubmission    = SocketMode{IsSubmission: true}
	ModeSubmissionTLS = SocketMode{IsSubmission: true, TLS: true}
	ModeLMTP          = SocketMode{LMTP: true}
)

// Conn represents one incoming SMTP or LMTP session.
type Conn struct {
	server *Server

	hostname    string
	maxDataSize int64

	conn         net.Conn
	mode         SocketMode
	tlsConnState *tls.ConnectionState
	remoteAddr   net.Addr

	reader *bufio.Reader
	writer *bufio.Writer

	tr *trace.Trace

	// Reverse name of the client, resolved once at connect time.
	clientHost string

	heloName string
	isESMTP  bool
	onTLS    bool

	// In-progress ingest transaction, nil outside MAIL..dot.
	tx       *cleanup.Transaction
	mailFrom string
	rcptTo   []string

	completedAuth bool
	authUser      string

	// A client/helo/sender-stage rejection held back for the RCPT stage,
	// so the log can show the full envelope triple for the rejected
	// command.
	delayed *policy.Verdict

	// Overrides from a trusted XCLIENT/XFORWARD peer.
	trustedPeer bool
	fwdName     string
	fwdAddr     string

	earlyTalker bool

	errCount  int
	junkCount int

	deadline       time.Time
	commandTimeout time.Duration
}

// Close the connection.
func (c *Conn) Close() {
	c.conn.Close()
}

// pctx builds the policy context for the current command state.
func (c *Conn) pctx() *policy.Context {
	return &policy.Context{
		ClientAddr:    c.remoteAddr,
		ClientHost:    c.clientHost,
		HeloName:      c.heloName,
		Sender:        c.mailFrom,
		Authenticated: c.completedAuth || c.mode.IsSubmission,
		EarlyTalker:   c.earlyTalker,
	}
}

// check evaluates one restriction chain. Under delayed-reject, rejections
// from the pre-RCPT stages are remembered instead of returned, and
// surface on the first RCPT.
func (c *Conn) check(chain *policy.Chain, ctx *policy.Context, preRcpt bool) *policy.Verdict {
	v := chain.Evaluate(c.tr, ctx)
	if v.Action != policy.Reject {
		return nil
	}
	if preRcpt && c.server.DelayReject {
		if c.delayed == nil {
			c.delayed = &v
		}
		return nil
	}
	return &v
}

// Handle runs the main protocol loop: read a command, dispatch it, write
// the reply, until QUIT or a hard error.
func (c *Conn) Handle() {
	defer c.Close()
	defer c.abortTx()

	c.tr = trace.New("SMTPD.Conn", c.conn.RemoteAddr().String())
	defer c.tr.Finish()
	c.tr.Debugf("connected, mode: %s", c.mode)

	c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

	if tc, ok := c.conn.(*tls.Conn); ok {
		if err := tc.Handshake(); err != nil {
			c.tr.Errorf("error completing TLS handshake: %v", err)
			return
		}
		cstate := tc.ConnectionState()
		c.tlsConnState = &cstate
		if name := c.tlsConnState.ServerName; name != "" {
			c.hostname = name
		}
	}

	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)
	c.remoteAddr = c.conn.RemoteAddr()

	c.resolveClientHost()
	c.detectEarlyTalker()

	if v := c.check(c.server.ClientChain, c.pctx(), true); v != nil {
		maillog.Rejected(c.remoteAddr, "", nil, v.Text)
		c.writeVerdict(v)
		return
	}

	c.printfLine("220 %s ESMTP correo", c.hostname)

	var cmd, params string
	var err error

loop:
	for {
		if time.Since(c.deadline) > 0 {
			err = fmt.Errorf("connection deadline exceeded")
			c.tr.Error(err)
			break
		}

		c.conn.SetDeadline(time.Now().Add(c.commandTimeout))

		cmd, params, err = c.readCommand()
		if err != nil {
			c.printfLine("554 error reading command: %v", err)
			break
		}

		if cmd == "AUTH" {
			c.tr.Debugf("-> AUTH <redacted>")
		} else {
			c.tr.Debugf("-> %s %s", cmd, params)
		}

		var code int
		var msg string

		switch cmd {
		case "HELO":
			code, msg = c.HELO(params)
		case "EHLO", "LHLO":
			code, msg = c.EHLO(cmd, params)
		case "HELP":
			code, msg = c.HELP(params)
		case "NOOP":
			code, msg = c.NOOP(params)
		case "RSET":
			code, msg = c.RSET(params)
		case "VRFY":
			code, msg = c.VRFY(params)
		case "EXPN":
			code, msg = c.EXPN(params)
		case "MAIL":
			code, msg = c.MAIL(params)
		case "RCPT":
			code, msg = c.RCPT(params)
		case "DATA":
			// DATA handles the whole content exchange, including the
			// reply (or, for LMTP, one reply per recipient).
			code, msg = c.DATA(params)
		case "STARTTLS":
			code, msg = c.STARTTLS(params)
		case "AUTH":
			code, msg = c.AUTH(params)
		case "ETRN":
			code, msg = c.ETRN(params)
		case "XCLIENT":
			code, msg = c.XCLIENT(params)
		case "XFORWARD":
			code, msg = c.XFORWARD(params)
		case "QUIT":
			_ = c.writeResponse(221, "2.0.0 Bye")
			break loop
		case "GET", "POST", "CONNECT":
			// Cross-protocol attack prevention: an HTTP client reached an
			// SMTP port, don't keep talking to it.
			c.tr.Errorf("http command, closing connection")
			_ = c.writeResponse(502, "5.7.0 This is not an HTTP server")
			break loop
		default:
			cmd = fmt.Sprintf("unknown<%.6q>", cmd)
			c.junkCount++
			if c.server.JunkCommandLimit > 0 &&
				c.junkCount > c.server.JunkCommandLimit {
				c.tr.Errorf("too many junk commands, breaking connection")
				_ = c.writeResponse(421, "4.7.0 Too many unknown commands, bye")
				break loop
			}
			code = 500
			msg = "5.5.1 Unknown command"
		}

		if code > 0 {
			c.tr.Debugf("<- %d  %s", code, msg)

			if code >= 400 {
				c.tr.Errorf("%s failed: %d  %s", cmd, code, msg)
				c.errCount++

				if c.server.HardErrorLimit > 0 &&
					c.errCount >= c.server.HardErrorLimit {
					c.tr.Errorf("too many errors, breaking connection")
					_ = c.writeResponse(421, "4.7.0 Too many errors, bye")
					break
				}

				// Tarpit: slow down clients that keep getting errors,
				// they're rarely acting in good faith.
				if c.server.ErrorDelay > 0 &&
					c.errCount >= c.server.SoftErrorLimit {
					time.Sleep(c.server.ErrorDelay)
				}
			}

			err = c.writeResponse(code, msg)
			if err != nil {
				break
			}
		}
	}

	if err != nil {
		if err == io.EOF {
			c.tr.Debugf("client closed the connection")
		} else {
			c.tr.Errorf("exiting with error: %v", err)
		}
	}
}

// resolveClientHost does the reverse lookup of the client's address, used
// by the policy chains and the Received header. Best effort, bounded.
func (c *Conn) resolveClientHost() {
	tcp, ok := c.remoteAddr.(*net.TCPAddr)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	names, err := lookupAddr(ctx, tcp.IP.String())
	if err == nil && len(names) > 0 {
		c.clientHost = strings.TrimSuffix(names[0], ".")
	}
}

// lookupAddr is a variable so tests can avoid leaking reverse lookups.
var lookupAddr = func(ctx context.Context, addr string) ([]string, error) {
	return net.DefaultResolver.LookupAddr(ctx, addr)
}

// detectEarlyTalker peeks for client bytes that arrived before our
// greeting; sending ahead of the banner is a strong spam signal, which
// reject_unauth_pipelining turns into a rejection.
func (c *Conn) detectEarlyTalker() {
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
	if _, err := c.reader.Peek(1); err == nil {
		c.earlyTalker = true
		c.tr.Debugf("client talked before the greeting")
	}
	c.conn.SetReadDeadline(time.Now().Add(c.commandTimeout))
}

// HELO command handler.
func (c *Conn) HELO(params string) (code int, msg string) {
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "5.5.2 HELO requires a domain"
	}
	c.resetTx()
	c.heloName = strings.Fields(params)[0]

	if v := c.check(c.server.HeloChain, c.pctx(), true); v != nil {
		maillog.Rejected(c.remoteAddr, "", nil, v.Text)
		return v.Code, v.Enhanced + " " + v.Text
	}
	return 250, c.hostname
}

// EHLO command handler; also takes LHLO on LMTP listeners.
func (c *Conn) EHLO(cmd, params string) (code int, msg string) {
	if c.mode.LMTP != (cmd == "LHLO") {
		return 500, "5.5.1 Unknown command"
	}
	if len(strings.TrimSpace(params)) == 0 {
		return 501, "5.5.2 EHLO requires a domain"
	}
	c.resetTx()
	c.heloName = strings.Fields(params)[0]
	c.isESMTP = true

	if v := c.check(c.server.HeloChain, c.pctx(), true); v != nil {
		maillog.Rejected(c.remoteAddr, "", nil, v.Text)
		return v.Code, v.Enhanced + " " + v.Text
	}

	caps := []string{c.hostname}
	caps = append(caps, "PIPELINING", "8BITMIME", "SMTPUTF8",
		"ENHANCEDSTATUSCODES", "DSN",
		fmt.Sprintf("SIZE %d", c.maxDataSize))
	if c.server.tlsConfig != nil && !c.onTLS && !c.mode.LMTP {
		caps = append(caps, "STARTTLS")
	}
	if c.server.Auth != nil && c.onTLS {
		caps = append(caps, "AUTH PLAIN")
	}
	if c.trustedPeer {
		caps = append(caps, "XCLIENT NAME ADDR PROTO HELO",
			"XFORWARD NAME ADDR PROTO HELO")
	}
	if c.server.ETRNHook != nil {
		caps = append(caps, "ETRN")
	}
	caps = append(caps, "HELP")
	return 250, strings.Join(caps, "\n")
}

// HELP command handler.
func (c *Conn) HELP(params string) (code int, msg string) {
	return 214, "2.0.0 Commands: HELO EHLO MAIL RCPT DATA RSET NOOP QUIT"
}

// RSET command handler.
func (c *Conn) RSET(params string) (code int, msg string) {
	c.resetTx()
	return 250, "2.0.0 Ok"
}

// VRFY command handler.
func (c *Conn) VRFY(params string) (code int, msg string) {
	if c.server.DisableVRFY {
		return 502, "5.5.1 VRFY is disabled"
	}
	// Accepting without verification is explicitly allowed; actually
	// confirming addresses would hand a harvesting oracle to whoever
	// asks.
	return 252, "2.0.0 Cannot VRFY user, but will accept message and attempt delivery"
}

// EXPN command handler.
func (c *Conn) EXPN(params string) (code int, msg string) {
	return 502, "5.5.1 EXPN not available"
}

// NOOP command handler.
func (c *Conn) NOOP(params string) (code int, msg string) {
	return 250, "2.0.0 Ok"
}

// ETRN command handler: ask the queue manager for an immediate retry of a
// destination's deferred mail.
func (c *Conn) ETRN(params string) (code int, msg string) {
	domain := strings.TrimSpace(params)
	if domain == "" {
		return 501, "5.5.4 ETRN requires a domain"
	}
	if c.server.ETRNHook == nil {
		return 502, "5.5.1 ETRN not available"
	}

	ctx := c.pctx()
	ctx.Recipient = "@" + strings.TrimPrefix(domain, "@")
	if v := c.check(c.server.ETRNChain, ctx, false); v != nil {
		return v.Code, v.Enhanced + " " + v.Text
	}

	if err := c.server.ETRNHook(c.tr, strings.TrimPrefix(domain, "@")); err != nil {
		return 458, "4.4.0 Unable to queue messages for " + domain
	}
	return 250, "2.0.0 Queuing started for " + domain
}

// MAIL command handler.
func (c *Conn) MAIL(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "from:") {
		return 501, "5.5.4 MAIL requires FROM:<address>"
	}
	if c.heloName == "" {
		return 503, "5.5.1 Say HELO first"
	}
	if c.mode.IsSubmission && !c.completedAuth {
		return 550, "5.7.9 Mail to the submission port must be authenticated"
	}

	rawAddr, opts, err := splitAddressParams(params[len("from:"):])
	if err != nil {
		return 501, "5.5.4 Malformed command: " + err.Error()
	}

	// Some servers fail a second MAIL, but per the RFC we reset the
	// transaction instead.
	c.resetTx()

	// The null reverse-path is explicitly allowed, it is how notification
	// messages avoid generating notifications themselves.
	addr := ""
	if rawAddr != "<>" {
		e, err := mail.ParseAddress(rawAddr)
		if err != nil || e.Address == "" {
			return 501, "5.1.7 Sender address malformed"
		}
		addr = e.Address

		if !strings.Contains(addr, "@") {
			return 501, "5.1.8 Sender address must contain a domain"
		}
		if len(addr) > 256 {
			return 501, "5.1.7 Sender address too long"
		}
		addr, err = normalize.DomainToUnicode(addr)
		if err != nil {
			return 501, "5.1.8 Malformed sender domain (IDNA conversion failed)"
		}
	}

	var declaredSize int64
	body := ""
	envid := ""
	for k, v := range opts {
		switch k {
		case "SIZE":
			declaredSize, err = strconv.ParseInt(v, 10, 64)
			if err != nil {
				return 501, "5.5.4 Malformed SIZE parameter"
			}
		case "BODY":
			body = strings.ToUpper(v)
			if body != "7BIT" && body != "8BITMIME" {
				return 555, "5.5.4 Unsupported BODY type"
			}
		case "ENVID":
			envid = v
		case "AUTH", "RET", "SMTPUTF8":
			// Accepted and not acted on here.
		default:
			return 555, "5.5.4 Unsupported MAIL parameter " + k
		}
	}

	// Enforce the size ceiling before opening an ingest at all; a client
	// that declares an oversized message gets turned away cheaply.
	if declaredSize > 0 && declaredSize > c.maxDataSize {
		maillog.Rejected(c.remoteAddr, addr, nil, "message size exceeds limit")
		return 552, "5.3.4 Message size exceeds fixed limit"
	}

	ctx := c.pctx()
	ctx.Sender = addr
	if v := c.check(c.server.SenderChain, ctx, true); v != nil {
		maillog.Rejected(c.remoteAddr, addr, nil, v.Text)
		return v.Code, v.Enhanced + " " + v.Text
	}

	tx, err := c.server.Engine.Begin(addr)
	if err != nil {
		c.tr.Errorf("error opening ingest: %v", err)
		return 451, "4.3.0 Temporary queue failure"
	}
	c.tx = tx
	c.mailFrom = addr
	if envid != "" {
		c.tx.PutAttribute("envid", envid)
	}
	if body != "" {
		c.tx.PutAttribute("body", strings.ToLower(body))
	}

	return 250, "2.1.0 Ok"
}

// RCPT command handler.
func (c *Conn) RCPT(params string) (code int, msg string) {
	if !strings.HasPrefix(strings.ToLower(params), "to:") {
		return 501, "5.5.4 RCPT requires TO:<address>"
	}
	if c.tx == nil {
		return 503, "5.5.1 Need MAIL before RCPT"
	}

	// A rejection held back from an earlier stage surfaces here, where
	// the whole envelope triple is known and can be logged.
	if c.delayed != nil {
		v := c.delayed
		maillog.Rejected(c.remoteAddr, c.mailFrom, nil, v.Text)
		return v.Code, v.Enhanced + " " + v.Text
	}

	rawAddr, opts, err := splitAddressParams(params[len("to:"):])
	if err != nil {
		return 501, "5.5.4 Malformed command: " + err.Error()
	}

	e, err := mail.ParseAddress(rawAddr)
	if err != nil || e.Address == "" {
		return 501, "5.1.3 Malformed destination address"
	}
	addr, err := normalize.DomainToUnicode(e.Address)
	if err != nil {
		return 501, "5.1.2 Malformed destination domain (IDNA conversion failed)"
	}
	if len(addr) > 256 {
		return 501, "5.1.3 Destination address too long"
	}

	rcpt := cleanup.Recipient{Address: addr, Original: e.Address,
		Notify: cleanup.NotifyFailure | cleanup.NotifyDelay}
	for k, v := range opts {
		switch k {
		case "NOTIFY":
			mask, err := parseNotify(v)
			if err != nil {
				return 501, "5.5.4 Malformed NOTIFY parameter"
			}
			rcpt.Notify = mask
		case "ORCPT":
			rcpt.ORCPT = v
		default:
			return 555, "5.5.4 Unsupported RCPT parameter " + k
		}
	}

	ctx := c.pctx()
	ctx.Recipient = addr
	if v := c.check(c.server.RcptChain, ctx, false); v != nil {
		maillog.Rejected(c.remoteAddr, c.mailFrom, []string{addr}, v.Text)
		return v.Code, v.Enhanced + " " + v.Text
	}

	if err := c.tx.AddRecipient(rcpt); err != nil {
		return c.replyForError(err)
	}
	c.rcptTo = append(c.rcptTo, addr)
	return 250, "2.1.5 Ok"
}

// parseNotify parses a NOTIFY=NEVER or NOTIFY=SUCCESS,FAILURE,DELAY value.
func parseNotify(v string) (cleanup.NotifyMask, error) {
	var mask cleanup.NotifyMask
	for _, p := range strings.Split(strings.ToUpper(v), ",") {
		switch p {
		case "NEVER":
			if mask != 0 {
				return 0, fmt.Errorf("NEVER must appear alone")
			}
			return cleanup.NotifyNever, nil
		case "SUCCESS":
			mask |= cleanup.NotifySuccess
		case "FAILURE":
			mask |= cleanup.NotifyFailure
		case "DELAY":
			mask |= cleanup.NotifyDelay
		default:
			return 0, fmt.Errorf("unknown notify value %q", p)
		}
	}
	return mask, nil
}

// DATA command handler: streams content lines into the ingest transaction
// and commits at the terminal dot.
func (c *Conn) DATA(params string) (code int, msg string) {
	if c.tx == nil {
		return 503, "5.5.1 Need MAIL before DATA"
	}
	if len(c.rcptTo) == 0 {
		return 503, "5.5.1 Need RCPT before DATA"
	}

	err := c.writeResponse(354, "End data with <CR><LF>.<CR><LF>")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing DATA response: %v", err)
	}
	c.tr.Debugf("<- 354  End data")

	// Content can take a while; switch from the per-command timeout to
	// the session-level deadline.
	c.conn.SetDeadline(c.deadline)

	if err := c.tx.BeginContent(); err != nil {
		// Drain the content anyway so the dialog stays in sync.
		c.drainContent()
		nrcpt := len(c.rcptTo)
		code, msg = c.replyForError(err)
		c.resetTx()
		return c.lmtpReply(nrcpt, code, msg)
	}
	c.writeReceivedHeader()

	dr := newDotReader(c.reader)
	var lineErr error
	for {
		line, err := dr.ReadLine()
		if err == io.EOF {
			break
		}
		if err == errInvalidLineEnding || err == errLineTooLong {
			// Remember the fault but keep draining to the dot, otherwise
			// the rest of the message would be parsed as commands.
			if lineErr == nil {
				lineErr = err
			}
			continue
		}
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading DATA: %v", err)
		}
		if lineErr == nil {
			// Write errors become the transaction's sticky fault and are
			// reported after the dot; keep consuming regardless.
			c.tx.WriteContentLine(line)
		}
	}

	nrcpt := len(c.rcptTo)

	if lineErr != nil {
		c.abortTx()
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, lineErr.Error())
		c.clearTx()
		return c.lmtpReply(nrcpt, 554,
			"5.6.0 Message content rejected: "+lineErr.Error())
	}

	id, err := c.tx.Commit()
	if err != nil {
		c.tr.Errorf("commit failed: %v", err)
		maillog.Rejected(c.remoteAddr, c.mailFrom, c.rcptTo, err.Error())
		code, msg = c.replyForError(err)
		c.clearTx()
		return c.lmtpReply(nrcpt, code, msg)
	}

	c.tr.Printf("queued from %s to %s - %s", c.mailFrom, c.rcptTo, id)
	maillog.Queued(c.remoteAddr, id, c.mailFrom, c.rcptTo)

	// Reset before replying, so clients can start another transaction
	// right away without a RSET.
	c.clearTx()
	return c.lmtpReply(nrcpt, 250, "2.0.0 Ok: queued as "+id)
}

// lmtpReply adapts a final-dot reply for LMTP: the same status is owed
// once per accepted recipient. For SMTP it passes through.
func (c *Conn) lmtpReply(nrcpt, code int, msg string) (int, string) {
	if !c.mode.LMTP {
		return code, msg
	}
	// One reply per recipient; return the last one through the normal
	// path, having written the others here.
	for i := 0; i < nrcpt-1; i++ {
		c.writeResponse(code, msg)
	}
	return code, msg
}

// drainContent consumes and discards the content section, for when the
// transaction is already doomed but the dialog must stay synchronized.
func (c *Conn) drainContent() {
	dr := newDotReader(c.reader)
	for {
		_, err := dr.ReadLine()
		if err == io.EOF {
			return
		}
		if err != nil && err != errInvalidLineEnding && err != errLineTooLong {
			return
		}
	}
}

// writeReceivedHeader records the hop in the message, one physical line
// per record.
func (c *Conn) writeReceivedHeader() {
	from := c.heloName
	if host, lit := c.clientSource(); host != "" || lit != "" {
		if host == "" {
			host = "unknown"
		}
		from = fmt.Sprintf("%s (%s [%s])", c.heloName, host, lit)
	}

	with := "SMTP"
	if c.isESMTP {
		with = "ESMTP"
	}
	if c.mode.LMTP {
		with = "LMTP"
	}
	if c.onTLS {
		with += "S"
	}
	if c.completedAuth {
		with += "A"
	}

	c.tx.WriteContentLine([]byte(
		fmt.Sprintf("Received: from %s", from)))
	c.tx.WriteContentLine([]byte(
		fmt.Sprintf("\tby %s (correo) with %s id %s", c.hostname, with, c.tx.ID())))
	// Note the recipients must NOT appear here, that would leak BCCs.
	c.tx.WriteContentLine([]byte(
		fmt.Sprintf("\t(envelope-from %q); %s",
			c.mailFrom, time.Now().Format(time.RFC1123Z))))
}

// clientSource returns the client's reverse name and address literal,
// honoring a trusted proxy's XCLIENT/XFORWARD overrides.
func (c *Conn) clientSource() (host, lit string) {
	host = c.clientHost
	if c.fwdName != "" {
		host = c.fwdName
	}
	lit = c.fwdAddr
	if lit == "" {
		if tcp, ok := c.remoteAddr.(*net.TCPAddr); ok {
			lit = tcp.IP.String()
			if strings.Contains(lit, ":") {
				lit = "IPv6:" + lit
			}
		}
	}
	return host, lit
}

// replyForError maps an ingest error to an SMTP reply.
func (c *Conn) replyForError(err error) (code int, msg string) {
	var me *mtaerr.Error
	if errors.As(err, &me) && me.Code > 0 {
		return me.Code, me.Enhanced + " " + me.Msg
	}
	if mtaerr.Classify(err) == mtaerr.Permanent {
		return 554, "5.0.0 " + err.Error()
	}
	return 451, "4.3.0 Temporary queue failure"
}

// STARTTLS command handler.
func (c *Conn) STARTTLS(params string) (code int, msg string) {
	if c.server.tlsConfig == nil || c.mode.LMTP {
		return 502, "5.5.1 STARTTLS not available"
	}
	if c.onTLS {
		return 503, "5.5.1 Already using TLS"
	}

	err := c.writeResponse(220, "2.0.0 Ready to start TLS")
	if err != nil {
		return 554, fmt.Sprintf("5.4.0 Error writing STARTTLS response: %v", err)
	}

	server := tls.Server(c.conn, c.server.tlsConfig)
	err = server.Handshake()
	if err != nil {
		return 554, fmt.Sprintf("5.5.0 Error in TLS handshake: %v", err)
	}

	c.tr.Debugf("<> ...  jump to TLS was successful")

	c.conn = server
	c.reader = bufio.NewReader(c.conn)
	c.writer = bufio.NewWriter(c.conn)

	cstate := server.ConnectionState()
	c.tlsConnState = &cstate

	// Per RFC 3207 the client must start over after the TLS handshake.
	c.resetTx()
	c.heloName = ""
	c.onTLS = true

	if name := c.tlsConnState.ServerName; name != "" {
		c.hostname = name
	}

	// 0 indicates not to send back a reply.
	return 0, ""
}

// AUTH command handler. PLAIN only, and only over TLS.
func (c *Conn) AUTH(params string) (code int, msg string) {
	if c.server.Auth == nil {
		return 502, "5.5.1 AUTH not available"
	}
	if !c.onTLS {
		return 503, "5.7.10 AUTH requires an encrypted connection"
	}
	if c.completedAuth {
		// https://tools.ietf.org/html/rfc4954#section-4
		return 503, "5.5.1 Already authenticated"
	}

	sp := strings.SplitN(params, " ", 2)
	if len(sp) < 1 || sp[0] != "PLAIN" {
		return 534, "5.7.9 Only AUTH PLAIN is supported"
	}

	response := ""
	if len(sp) == 2 {
		response = sp[1]
	} else {
		// Reply 334 and read the response in the next line. The text is
		// the (empty, for PLAIN) server-side challenge.
		if err := c.writeResponse(334, ""); err != nil {
			return 554, fmt.Sprintf("5.4.0 Error writing AUTH 334: %v", err)
		}
		var err error
		response, err = c.readLine()
		if err != nil {
			return 554, fmt.Sprintf("5.4.0 Error reading AUTH response: %v", err)
		}
	}

	user, passwd, err := decodeAuthPlain(response)
	if err != nil {
		return 501, fmt.Sprintf("5.5.2 Error decoding AUTH response: %v", err)
	}

	ok, err := c.server.Auth.Authenticate(c.tr, user, passwd)
	if err != nil {
		c.tr.Errorf("error authenticating %q: %v", user, err)
		maillog.Auth(c.remoteAddr, user, false)
		return 454, "4.7.0 Temporary authentication failure"
	}
	if ok {
		c.authUser = user
		c.completedAuth = true
		maillog.Auth(c.remoteAddr, user, true)
		return 235, "2.7.0 Authentication successful"
	}

	maillog.Auth(c.remoteAddr, user, false)
	return 535, "5.7.8 Incorrect user or password"
}

// decodeAuthPlain unpacks the RFC 4616 PLAIN response: base64 of
// "authzid NUL authcid NUL passwd".
func decodeAuthPlain(response string) (user, passwd string, err error) {
	buf, err := base64.StdEncoding.DecodeString(response)
	if err != nil {
		return "", "", err
	}
	parts := strings.SplitN(string(buf), "\x00", 3)
	if len(parts) != 3 {
		return "", "", fmt.Errorf("malformed PLAIN response")
	}
	return parts[1], parts[2], nil
}

// XCLIENT command handler: a trusted peer (e.g. a proxy in front of us)
// overrides the client identification used for policy and logging. The
// trust decision itself is never overridable.
func (c *Conn) XCLIENT(params string) (code int, msg string) {
	if !c.trustedPeer {
		return 550, "5.7.0 XCLIENT not allowed"
	}

	attrs, err := parseXAttrs(params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}

	for k, v := range attrs {
		switch k {
		case "NAME":
			if v == "[UNAVAILABLE]" || v == "[TEMPUNAVAIL]" {
				c.clientHost = ""
			} else {
				c.clientHost = v
			}
		case "ADDR":
			ip := net.ParseIP(strings.TrimPrefix(v, "IPV6:"))
			if ip == nil {
				return 501, "5.5.4 Malformed ADDR attribute"
			}
			c.remoteAddr = &net.TCPAddr{IP: ip}
		case "HELO":
			c.heloName = v
		case "PROTO", "LOGIN", "PORT":
			// Informational.
		default:
			return 501, "5.5.4 Unknown XCLIENT attribute " + k
		}
	}

	// The session starts over under the new identity.
	c.resetTx()
	c.heloName = ""
	c.isESMTP = false
	c.printfLine("220 %s ESMTP correo", c.hostname)
	return 0, ""
}

// XFORWARD command handler: like XCLIENT, but only annotates logging and
// the Received header; the connection's own identity remains in force for
// policy.
func (c *Conn) XFORWARD(params string) (code int, msg string) {
	if !c.trustedPeer {
		return 550, "5.7.0 XFORWARD not allowed"
	}

	attrs, err := parseXAttrs(params)
	if err != nil {
		return 501, "5.5.4 " + err.Error()
	}
	for k, v := range attrs {
		switch k {
		case "NAME":
			c.fwdName = v
		case "ADDR":
			c.fwdAddr = v
		case "HELO", "PROTO", "SOURCE", "IDENT", "PORT":
			// Informational.
		default:
			return 501, "5.5.4 Unknown XFORWARD attribute " + k
		}
	}
	return 250, "2.0.0 Ok"
}

// parseXAttrs splits "NAME=value ADDR=value ..." attribute lists.
func parseXAttrs(params string) (map[string]string, error) {
	attrs := map[string]string{}
	for _, f := range strings.Fields(params) {
		k, v, ok := strings.Cut(f, "=")
		if !ok || k == "" || v == "" {
			return nil, fmt.Errorf("malformed attribute %q", f)
		}
		attrs[strings.ToUpper(k)] = v
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("at least one attribute is required")
	}
	return attrs, nil
}

// splitAddressParams splits "<addr> KEY=VALUE ..." into the raw address
// and its extension parameters.
func splitAddressParams(s string) (addr string, opts map[string]string, err error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("missing address")
	}
	addr = strings.ReplaceAll(fields[0], " ", "")

	opts = map[string]string{}
	for _, f := range fields[1:] {
		k, v, ok := strings.Cut(f, "=")
		if !ok {
			return "", nil, fmt.Errorf("malformed parameter %q", f)
		}
		opts[strings.ToUpper(k)] = v
	}
	return addr, opts, nil
}

// resetTx aborts any in-progress ingest and clears the envelope.
func (c *Conn) resetTx() {
	c.abortTx()
	c.clearTx()
}

func (c *Conn) abortTx() {
	if c.tx != nil {
		c.tx.Abort()
		c.tx = nil
	}
}

func (c *Conn) clearTx() {
	c.tx = nil
	c.mailFrom = ""
	c.rcptTo = nil
}

func (c *Conn) readCommand() (cmd, params string, err error) {
	msg, err := c.readLine()
	if err != nil {
		return "", "", err
	}

	sp := strings.SplitN(msg, " ", 2)
	cmd = strings.ToUpper(sp[0])
	if len(sp) > 1 {
		params = sp[1]
	}

	return cmd, params, err
}

func (c *Conn) readLine() (line string, err error) {
	// ReadLine reads at most the buffer size, which prevents memory
	// exhaustion on absurdly long lines.
	l, more, err := c.reader.ReadLine()
	if err != nil {
		return "", err
	}

	// Command lines are capped at 1000 octets by RFC 5321 §4.5.3.1.6.
	if len(l) > 1000 || more {
		// Keep reading to maintain the protocol state, but discard.
		for more && err == nil {
			_, more, err = c.reader.ReadLine()
		}
		return "", fmt.Errorf("line too long")
	}

	return string(l), nil
}

func (c *Conn) writeVerdict(v *policy.Verdict) {
	c.writeResponse(v.Code, v.Enhanced+" "+v.Text)
}

func (c *Conn) writeResponse(code int, msg string) error {
	defer c.writer.Flush()
	return writeResponse(c.writer, code, msg)
}

func (c *Conn) printfLine(format string, args ...interface{}) {
	fmt.Fprintf(c.writer, format+"\r\n", args...)
	c.writer.Flush()
}

// writeResponse writes a (possibly multi-line) response: the writing
// counterpart of textproto.Reader.ReadResponse.
func writeResponse(w io.Writer, code int, msg string) error {
	var i int
	lines := strings.Split(msg, "\n")

	// The first N-1 lines use "<code>-<text>".
	for i = 0; i < len(lines)-1; i++ {
		_, err := fmt.Fprintf(w, "%d-%s\r\n", code, lines[i])
		if err != nil {
			return err
		}
	}

	// The last line uses "<code> <text>".
	_, err := fmt.Fprintf(w, "%d %s\r\n", code, lines[i])
	return err
}
