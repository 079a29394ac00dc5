package smtpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/mtaerr"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
	"coihue.dev/go/correo/internal/scheduler"
	"coihue.dev/go/correo/internal/trace"
)

// Agent is the outbound SMTP/LMTP delivery agent. It takes delivery
// requests from the queue manager, connects (or reuses a cached
// connection) to the request's nexthop, and reports per-recipient
// dispositions.
type Agent struct {
	// HelloDomain is the name we announce in EHLO/LHLO.
	HelloDomain string

	// Store gives access to the queue files named in delivery requests.
	Store *qstore.Store

	// Pool is the connection cache; nil disables reuse.
	Pool *Pool

	Timeouts Timeouts

	// TLSConfig enables opportunistic STARTTLS when non-nil. A server
	// that advertises STARTTLS but fails the upgrade is retried in
	// plaintext: broken TLS stacks are common enough that insisting
	// would lose mail.
	TLSConfig *tls.Config

	// LMTP switches the dialog to LHLO plus one reply per recipient at
	// the terminal dot.
	LMTP bool

	// Port for outgoing connections ("25" for SMTP, customarily "24" for
	// LMTP over TCP). Tests override this.
	Port string
}

func (a *Agent) port() string {
	if a.Port != "" {
		return a.Port
	}
	if a.LMTP {
		return "24"
	}
	return "25"
}

// Deliver implements the delivery-agent contract: per-recipient statuses
// in the report, or an error when the whole attempt failed in a way that
// should retry everything (the caller treats that as "all recipients
// keep").
func (a *Agent) Deliver(ctx context.Context, req *scheduler.DeliveryRequest) (*scheduler.DeliveryReport, error) {
	tr := trace.New("SMTPClient.Deliver", req.Nexthop)
	defer tr.Finish()
	tr.Debugf("%s: %d rcpt(s) to %s", req.QueueID, len(req.Recipients), req.Nexthop)

	h, err := a.Store.OpenHandle(qstore.Active, req.QueueID, qstore.Shared)
	if err != nil {
		return nil, fmt.Errorf("opening queue file %s: %v", req.QueueID, err)
	}
	defer h.Close()

	content, body8bit, err := seekContent(h)
	if err != nil {
		return nil, fmt.Errorf("reading queue file %s: %v", req.QueueID, err)
	}

	s, verdict, err := a.getSession(tr, req.Nexthop)
	if err != nil {
		return nil, err
	}
	if verdict != nil {
		// Permanent site failure: the whole destination is refusing
		// mail, every recipient fails now.
		return allWith(req, scheduler.Failed, verdict.enhanced, verdict.text), nil
	}

	// An advertised SIZE limit we cannot fit is a permanent failure,
	// detected before the transaction starts so the session stays
	// reusable.
	if s.feat.size > 0 && req.Size > s.feat.size {
		a.release(s)
		return allWith(req, scheduler.Failed, "5.3.4",
			fmt.Sprintf("message size %d exceeds limit %d announced by %s",
				req.Size, s.feat.size, req.Nexthop)), nil
	}

	report, err := a.transact(tr, s, req, content, body8bit)
	if err != nil {
		s.close()
		return nil, err
	}

	s.reuseCount++
	a.release(s)
	return report, nil
}

func (a *Agent) release(s *session) {
	if s.broken {
		s.close()
		return
	}
	if a.Pool == nil {
		s.quit()
		return
	}
	if err := s.rset(); err != nil {
		s.close()
		return
	}
	a.Pool.put(s)
}

// siteFailure describes a destination that permanently refused service at
// the session level (a 5xx greeting).
type siteFailure struct {
	enhanced string
	text     string
}

// getSession returns a usable session to the nexthop: from the cache, or
// by walking the resolved address list until one host answers. A 5xx
// greeting returns a siteFailure instead; exhausting all addresses
// returns an error (retry later).
func (a *Agent) getSession(tr *trace.Trace, nexthop string) (*session, *siteFailure, error) {
	if a.Pool != nil {
		if s := a.Pool.get(nexthop); s != nil {
			tr.Debugf("reusing cached connection to %s (reuse %d)",
				nexthop, s.reuseCount)
			s.tr = tr
			return s, nil, nil
		}
	}

	t := a.Timeouts
	if t.Connect == 0 {
		t = DefaultTimeouts
	}

	if strings.HasPrefix(nexthop, "unix:") {
		return a.connectTo(tr, "unix", strings.TrimPrefix(nexthop, "unix:"),
			nexthop, t)
	}

	hosts, err := resolveNexthop(tr, nexthop)
	if err != nil {
		if mtaerr.Classify(err) == mtaerr.Permanent {
			return nil, &siteFailure{enhanced: "5.4.4", text: err.Error()}, nil
		}
		return nil, nil, err
	}

	var lastErr error
	for _, host := range hosts {
		s, sf, err := a.connectTo(tr, "tcp",
			net.JoinHostPort(host, a.port()), nexthop, t)
		if sf != nil {
			return nil, sf, nil
		}
		if err == nil {
			return s, nil, nil
		}
		tr.Errorf("%s: %v", host, err)
		lastErr = err
	}
	return nil, nil, fmt.Errorf("all hosts for %q failed (last: %v)", nexthop, lastErr)
}

// connectTo dials one address and runs the greeting and hello. TLS
// trouble retries the same address in plaintext.
func (a *Agent) connectTo(tr *trace.Trace, network, addr, key string, t Timeouts) (*session, *siteFailure, error) {
	skipTLS := false
retry:
	conn, err := net.DialTimeout(network, addr, t.Connect)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %v", err)
	}

	s := newSession(conn, key, a.LMTP, t, tr)

	code, msg, err := s.greet()
	if err != nil {
		s.close()
		return nil, nil, fmt.Errorf("greeting: %v", err)
	}
	switch code / 100 {
	case 2:
	case 5:
		s.quit()
		enhanced, text := splitEnhanced(msg)
		if enhanced == "" {
			enhanced = "5.4.0"
		}
		return nil, &siteFailure{
			enhanced: enhanced,
			text:     fmt.Sprintf("host %s refused service: %d %s", addr, code, text),
		}, nil
	default:
		s.quit()
		return nil, nil, fmt.Errorf("greeting: %d %s", code, firstLine(msg))
	}

	if err := s.hello(a.HelloDomain); err != nil {
		s.close()
		return nil, nil, err
	}

	if a.TLSConfig != nil && !a.LMTP && s.feat.startTLS && !skipTLS {
		config := a.TLSConfig.Clone()
		if config.ServerName == "" {
			host, _, _ := net.SplitHostPort(addr)
			config.ServerName = host
		}
		if err := s.starttls(config); err != nil {
			tr.Errorf("TLS error, retrying without TLS: %v", err)
			s.close()
			skipTLS = true
			goto retry
		}
		// Capabilities must be re-learned on the encrypted channel.
		if err := s.hello(a.HelloDomain); err != nil {
			s.close()
			return nil, nil, err
		}
	}

	return s, nil, nil
}

// transact runs one MAIL/RCPT/DATA exchange on an established session and
// builds the per-recipient report.
func (a *Agent) transact(tr *trace.Trace, s *session, req *scheduler.DeliveryRequest,
	content *record.Reader, body8bit bool) (*scheduler.DeliveryReport, error) {

	mailCmd := fmt.Sprintf("MAIL FROM:<%s>", req.Sender)
	if s.feat.size > 0 && req.Size > 0 {
		mailCmd += fmt.Sprintf(" SIZE=%d", req.Size)
	}
	if s.feat.eightBitMIME && body8bit {
		mailCmd += " BODY=8BITMIME"
	}

	report := &scheduler.DeliveryReport{}
	rcptCodes := make([]int, len(req.Recipients))
	rcptMsgs := make([]string, len(req.Recipients))

	var mailCode int
	var mailMsg string

	if s.feat.pipelining {
		// Pack MAIL, the recipient group, and DATA into single writes;
		// nothing past DATA goes out until its reply arrives.
		if err := s.cmd("%s", mailCmd); err != nil {
			return nil, err
		}
		sent := 0
		for sent < len(req.Recipients) {
			group := len(req.Recipients) - sent
			last := group <= pipelineGroup
			if !last {
				group = pipelineGroup
			}
			for _, r := range req.Recipients[sent : sent+group] {
				s.cmd("RCPT TO:<%s>%s", r.Address, rcptParams(s, &r))
			}
			if last {
				s.cmd("DATA")
			}
			if err := s.flush(s.timeouts.Rcpt); err != nil {
				return nil, err
			}
			if sent == 0 {
				var err error
				mailCode, mailMsg, err = s.reply(s.timeouts.Mail)
				if err != nil {
					return nil, err
				}
			}
			for i := sent; i < sent+group; i++ {
				code, msg, err := s.reply(s.timeouts.Rcpt)
				if err != nil {
					return nil, err
				}
				rcptCodes[i], rcptMsgs[i] = code, msg
			}
			sent += group
		}
	} else {
		if err := s.cmd("%s", mailCmd); err != nil {
			return nil, err
		}
		if err := s.flush(s.timeouts.Mail); err != nil {
			return nil, err
		}
		var err error
		mailCode, mailMsg, err = s.reply(s.timeouts.Mail)
		if err != nil {
			return nil, err
		}
		if mailCode/100 == 2 {
			for i, r := range req.Recipients {
				s.cmd("RCPT TO:<%s>%s", r.Address, rcptParams(s, &r))
				if err := s.flush(s.timeouts.Rcpt); err != nil {
					return nil, err
				}
				code, msg, err := s.reply(s.timeouts.Rcpt)
				if err != nil {
					return nil, err
				}
				rcptCodes[i], rcptMsgs[i] = code, msg
			}
			s.cmd("DATA")
			if err := s.flush(s.timeouts.DataInit); err != nil {
				return nil, err
			}
		}
	}

	// MAIL rejected: the transaction never started. Every recipient
	// inherits the MAIL status; the pipelined RCPT replies were already
	// read above, and the DATA reply is drained here.
	if mailCode/100 != 2 {
		st := scheduler.Keep
		if mailCode/100 == 5 {
			st = scheduler.Failed
		}
		enhanced, text := splitEnhanced(mailMsg)
		for _, r := range req.Recipients {
			report.Results = append(report.Results, scheduler.RecipientResult{
				Offset: r.Offset, Status: st,
				Diagnostic: fmt.Sprintf("%d %s", mailCode, text),
				Enhanced:   enhanced,
			})
		}
		if s.feat.pipelining {
			a.drainData(s)
		}
		return report, nil
	}

	// Per-recipient verdicts at the RCPT stage: 2xx carries to DATA, 4xx
	// keeps, 5xx fails.
	var accepted []int
	for i, r := range req.Recipients {
		switch rcptCodes[i] / 100 {
		case 2:
			accepted = append(accepted, i)
		case 4, 5:
			st := scheduler.Keep
			if rcptCodes[i]/100 == 5 {
				st = scheduler.Failed
			}
			enhanced, text := splitEnhanced(rcptMsgs[i])
			report.Results = append(report.Results, scheduler.RecipientResult{
				Offset: r.Offset, Status: st,
				Diagnostic: fmt.Sprintf("%d %s", rcptCodes[i], text),
				Enhanced:   enhanced,
			})
		}
	}

	dataCode, dataMsg, err := s.reply(s.timeouts.DataInit)
	if err != nil {
		return nil, err
	}

	if len(accepted) == 0 {
		// Nothing to send. If the server said 354 anyway, terminate the
		// content section with a bare dot so the dialog stays in step.
		if dataCode == 354 {
			a.drainDot(s)
		}
		return report, nil
	}

	if dataCode != 354 {
		st := scheduler.Keep
		if dataCode/100 == 5 {
			st = scheduler.Failed
		}
		enhanced, text := splitEnhanced(dataMsg)
		for _, i := range accepted {
			report.Results = append(report.Results, scheduler.RecipientResult{
				Offset: req.Recipients[i].Offset, Status: st,
				Diagnostic: fmt.Sprintf("%d %s", dataCode, text),
				Enhanced:   enhanced,
			})
		}
		return report, nil
	}

	// Stream the content, one record line at a time, dot-stuffed.
	for {
		typ, line, ok, err := record.GetLine(content)
		if err != nil {
			return nil, fmt.Errorf("reading content: %v", err)
		}
		if !ok {
			if typ == record.TypeEndOfMessage {
				break
			}
			if typ == record.TypePadding {
				continue
			}
			return nil, fmt.Errorf("unexpected %v record in content", typ)
		}
		if err := s.writeContentLine(line); err != nil {
			return nil, err
		}
	}
	if err := s.endContent(); err != nil {
		return nil, err
	}

	// SMTP: one reply covers every accepted recipient. LMTP: one reply
	// per accepted recipient, in RCPT order.
	nreplies := 1
	if s.lmtp {
		nreplies = len(accepted)
	}
	for n := 0; n < nreplies; n++ {
		code, msg, err := s.reply(s.timeouts.DataDone)
		if err != nil {
			return nil, err
		}
		st := scheduler.Delivered
		switch code / 100 {
		case 2:
		case 4:
			st = scheduler.Keep
		case 5:
			st = scheduler.Failed
		}
		enhanced, text := splitEnhanced(msg)
		targets := accepted
		if s.lmtp {
			targets = accepted[n : n+1]
		}
		for _, i := range targets {
			report.Results = append(report.Results, scheduler.RecipientResult{
				Offset: req.Recipients[i].Offset, Status: st,
				Diagnostic: fmt.Sprintf("%d %s", code, text),
				Enhanced:   enhanced,
			})
		}
		if !s.lmtp {
			break
		}
	}

	return report, nil
}

// rcptParams builds the DSN extension parameters for one recipient, when
// the server supports them.
func rcptParams(s *session, r *scheduler.Recipient) string {
	if !s.feat.dsn {
		return ""
	}
	params := ""
	if notify := notifyString(r); notify != "" {
		params += " NOTIFY=" + notify
	}
	if r.ORCPT != "" {
		params += " ORCPT=" + r.ORCPT
	}
	return params
}

func notifyString(r *scheduler.Recipient) string {
	if r.Notify == cleanup.NotifyNever {
		return "NEVER"
	}
	var parts []string
	if r.Notify&cleanup.NotifySuccess != 0 {
		parts = append(parts, "SUCCESS")
	}
	if r.Notify&cleanup.NotifyFailure != 0 {
		parts = append(parts, "FAILURE")
	}
	if r.Notify&cleanup.NotifyDelay != 0 {
		parts = append(parts, "DELAY")
	}
	return strings.Join(parts, ",")
}

// drainData handles a pipelined DATA whose transaction was already dead:
// read the DATA reply, and if the server invited content anyway, close
// the section with a bare dot.
func (a *Agent) drainData(s *session) {
	code, _, err := s.reply(s.timeouts.DataInit)
	if err != nil {
		return
	}
	if code == 354 {
		a.drainDot(s)
	}
}

func (a *Agent) drainDot(s *session) {
	if err := s.endContent(); err != nil {
		return
	}
	s.reply(s.timeouts.DataDone)
}

// allWith builds a report giving every recipient in req the same status.
func allWith(req *scheduler.DeliveryRequest, st scheduler.Status, enhanced, diag string) *scheduler.DeliveryReport {
	report := &scheduler.DeliveryReport{}
	for _, r := range req.Recipients {
		report.Results = append(report.Results, scheduler.RecipientResult{
			Offset: r.Offset, Status: st, Diagnostic: diag, Enhanced: enhanced,
		})
	}
	return report
}

// seekContent scans a queue file's envelope section, returning a reader
// positioned at the first content record and whether the content was
// declared 8-bit.
func seekContent(h *qstore.Handle) (*record.Reader, bool, error) {
	r := record.NewReader(h)
	body8bit := false
	for {
		typ, payload, err := r.Get()
		if err != nil {
			return nil, false, err
		}
		switch typ {
		case record.TypeStartOfMessage:
			return r, body8bit, nil
		case record.TypeAttribute:
			if string(payload) == "body=8bitmime" {
				body8bit = true
			}
		case record.TypeEndOfFile:
			return nil, false, fmt.Errorf("queue file has no content section")
		}
	}
}
