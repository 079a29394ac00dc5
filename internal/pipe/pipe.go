// Package pipe implements the pipe delivery agent: it hands each
// recipient's copy of a message to an external command via stdin, the way
// classic MDAs (procmail, maildrop) and gateway scripts expect. It is the
// local/virtual leg of the transport table; remote transports are served
// by the SMTP/LMTP client.
package pipe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"syscall"
	"time"
	"unicode"

	"coihue.dev/go/correo/internal/envelope"
	"coihue.dev/go/correo/internal/normalize"
	"coihue.dev/go/correo/internal/qstore"
	"coihue.dev/go/correo/internal/record"
	"coihue.dev/go/correo/internal/scheduler"
	"coihue.dev/go/correo/internal/trace"
)

var errTimeout = fmt.Errorf("operation timed out")

// Agent delivers mail by executing an external binary, once per
// recipient. It works with any binary that:
//   - Receives the message to deliver via stdin.
//   - Exits with code EX_TEMPFAIL (75) for transient issues.
type Agent struct {
	// Store gives access to the queue files named in delivery requests.
	Store *qstore.Store

	Binary  string        // Path to the binary.
	Args    []string      // Arguments to pass, after placeholder expansion.
	Timeout time.Duration // Timeout for each invocation.
}

// Deliver implements the delivery-agent contract: the message content is
// read once from the queue file and piped to one command invocation per
// recipient, each with its own disposition.
func (p *Agent) Deliver(ctx context.Context, req *scheduler.DeliveryRequest) (*scheduler.DeliveryReport, error) {
	tr := trace.New("Pipe.Deliver", req.Nexthop)
	defer tr.Finish()

	data, err := readContent(p.Store, req.QueueID)
	if err != nil {
		return nil, fmt.Errorf("reading queue file %s: %v", req.QueueID, err)
	}

	report := &scheduler.DeliveryReport{}
	for _, r := range req.Recipients {
		status, diag, enhanced := p.deliverOne(ctx, tr, req.Sender, r.Address, data)
		report.Results = append(report.Results, scheduler.RecipientResult{
			Offset: r.Offset, Status: status,
			Diagnostic: diag, Enhanced: enhanced,
		})
	}
	return report, nil
}

func (p *Agent) deliverOne(ctx context.Context, tr *trace.Trace, from, to string, data []byte) (scheduler.Status, string, string) {
	// Sanitize, just in case.
	from = sanitizeForCommand(from)
	to = sanitizeForCommand(to)

	tr.Debugf("%s -> %s", from, to)

	// Prepare the command, replacing the placeholder arguments.
	replacer := strings.NewReplacer(
		"%from%", from,
		"%from_user%", envelope.UserOf(from),
		"%from_domain%", envelope.DomainOf(from),

		"%to%", to,
		"%to_user%", envelope.UserOf(to),
		"%to_domain%", envelope.DomainOf(to),
	)

	args := []string{}
	for _, a := range p.Args {
		args = append(args, replacer.Replace(a))
	}
	tr.Debugf("%s %q", p.Binary, args)

	timeout := p.Timeout
	if timeout == 0 {
		timeout = 1 * time.Minute
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, p.Binary, args...)

	// Pass the message via stdin, normalized to CRLF, which is what the
	// RFC-compliant representation requires. Doing it at this end keeps
	// the internal representation simple and consistent.
	cmd.Stdin = bytes.NewReader(normalize.ToCRLF(data))

	output, err := cmd.CombinedOutput()
	if cctx.Err() == context.DeadlineExceeded {
		tr.Error(errTimeout)
		return scheduler.Keep, errTimeout.Error(), "4.3.0"
	}

	if err != nil {
		// Default to permanent, but exit code 75 is transient by general
		// convention (/usr/include/sysexits.h), and commonly relied upon.
		permanent := true
		if exiterr, ok := err.(*exec.ExitError); ok {
			if status, ok := exiterr.Sys().(syscall.WaitStatus); ok {
				permanent = status.ExitStatus() != 75
			}
		}
		diag := fmt.Sprintf("command failed: %v - %q", err, string(output))
		tr.Errorf("%s", diag)
		if permanent {
			return scheduler.Failed, diag, "5.3.0"
		}
		return scheduler.Keep, diag, "4.3.0"
	}

	tr.Debugf("delivered")
	return scheduler.Delivered, "delivered to command", "2.0.0"
}

// readContent extracts the message content (headers and body, LF
// terminated) from a queue file in the active class.
func readContent(store *qstore.Store, id string) ([]byte, error) {
	h, err := store.OpenHandle(qstore.Active, id, qstore.Shared)
	if err != nil {
		return nil, err
	}
	defer h.Close()

	r := record.NewReader(h)
	inContent := false
	var buf bytes.Buffer
	for {
		if !inContent {
			typ, _, err := r.Get()
			if err != nil {
				return nil, err
			}
			if typ == record.TypeStartOfMessage {
				inContent = true
			}
			continue
		}

		typ, line, ok, err := record.GetLine(r)
		if err != nil && err != io.EOF {
			return nil, err
		}
		if !ok {
			if typ == record.TypePadding {
				continue
			}
			// End-of-message, or anything else structural: content over.
			return buf.Bytes(), nil
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
}

// sanitizeForCommand cleans the string, removing characters that could be
// problematic considering we will run an external command.
//
// The server does not rely on this for substitution or proper filtering,
// that's done at a different layer; this is just for defense in depth.
func sanitizeForCommand(s string) string {
	valid := func(r rune) rune {
		switch {
		case unicode.IsSpace(r), unicode.IsControl(r),
			strings.ContainsRune("/;\"'\\|*&$%()[]{}`!", r):
			return rune(-1)
		default:
			return r
		}
	}
	return strings.Map(valid, s)
}
