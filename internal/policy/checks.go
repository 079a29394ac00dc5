package policy

import (
	"net"
	"strings"

	"coihue.dev/go/correo/internal/envelope"
	"coihue.dev/go/correo/internal/trace"
	"blitiri.com.ar/go/spf"
)

// DNS lookups used by the checks below. They are variables so tests can
// intercept them without a live resolver.
var (
	lookupMX   = net.LookupMX
	lookupHost = net.LookupHost
)

// permitMynetworks permits clients whose IP falls inside one of the
// configured trusted networks.
type permitMynetworks struct {
	env *Env
}

func (c permitMynetworks) Name() string { return "permit_mynetworks" }

func (c permitMynetworks) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	ip := ctx.ClientIP()
	if ip == nil {
		return dunnoV
	}
	for _, n := range c.env.MyNetworks {
		if n.Contains(ip) {
			return permitV
		}
	}
	return dunnoV
}

// permitAuth permits clients that have authenticated.
type permitAuth struct{}

func (permitAuth) Name() string { return "permit_auth" }

func (permitAuth) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.Authenticated {
		return permitV
	}
	return dunnoV
}

// rejectUnknownClient rejects clients whose address has no reverse DNS
// name. The server resolves it once at connection time and records it in
// the context, so the chain itself never blocks on DNS here.
type rejectUnknownClient struct{}

func (rejectUnknownClient) Name() string { return "reject_unknown_client" }

func (rejectUnknownClient) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.ClientHost == "" {
		return rejectV(450, "4.7.25",
			"Client host rejected: cannot find your hostname, [%v]",
			ctx.ClientIP())
	}
	return dunnoV
}

// rejectInvalidHostname rejects HELO/EHLO arguments that are not a
// syntactically plausible hostname or address literal.
type rejectInvalidHostname struct{}

func (rejectInvalidHostname) Name() string { return "reject_invalid_hostname" }

func (rejectInvalidHostname) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.HeloName == "" {
		return dunnoV
	}
	if !validHeloName(ctx.HeloName) {
		return rejectV(501, "5.5.2", "Helo command rejected: Invalid name")
	}
	return dunnoV
}

// validHeloName accepts hostnames and [address] literals, per the grammar
// in RFC 5321 §4.1.3 (loosely: we check the character set and the
// label structure, not registry validity).
func validHeloName(name string) bool {
	if strings.HasPrefix(name, "[") && strings.HasSuffix(name, "]") {
		lit := name[1 : len(name)-1]
		lit = strings.TrimPrefix(lit, "IPv6:")
		return net.ParseIP(lit) != nil
	}
	if len(name) > 255 {
		return false
	}
	for _, label := range strings.Split(name, ".") {
		if label == "" {
			return false
		}
		for i, r := range label {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z',
				r >= '0' && r <= '9':
			case r == '-' && i > 0:
			default:
				return false
			}
		}
	}
	return true
}

// rejectNonFQDN rejects when the selected field's domain is not in fully
// qualified form (at least two labels).
type rejectNonFQDN struct {
	name  string
	field contextField
}

func (c rejectNonFQDN) Name() string { return c.name }

func (c rejectNonFQDN) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	v := c.field.get(ctx)
	if v == "" {
		// The null reverse-path, or a stage where the field is not known
		// yet; not ours to reject.
		return dunnoV
	}
	domain := v
	if c.field != heloField {
		domain = domainOf(v)
	}
	if strings.HasPrefix(domain, "[") || strings.Count(domain, ".") >= 1 {
		return dunnoV
	}
	return rejectV(504, "5.5.2",
		"<%s>: %s rejected: need fully-qualified address", v, c.field)
}

// rejectUnknownDomain rejects when the selected address's domain has
// neither an MX nor an address record. DNS trouble is a soft reject, so a
// flaky resolver defers mail instead of bouncing it.
type rejectUnknownDomain struct {
	name  string
	field contextField
}

func (c rejectUnknownDomain) Name() string { return c.name }

func (c rejectUnknownDomain) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	addr := c.field.get(ctx)
	if addr == "" {
		return dunnoV
	}
	domain := domainOf(addr)
	if domain == "" || strings.HasPrefix(domain, "[") {
		return dunnoV
	}

	if _, err := lookupMX(domain); err == nil {
		return dunnoV
	} else if dnsErr, ok := err.(*net.DNSError); ok && dnsErr.Temporary() {
		return rejectV(450, "4.1.8",
			"<%s>: %s rejected: Domain not found (temporary)", addr, c.field)
	}
	if _, err := lookupHost(domain); err == nil {
		return dunnoV
	}
	return rejectV(450, "4.1.8",
		"<%s>: %s rejected: Domain not found", addr, c.field)
}

// rejectUnauthDestination rejects recipients outside our local domains
// unless the client is authenticated. This is the anti-relay core: a
// recipient chain without it (or an equivalent) would make us an open
// relay.
type rejectUnauthDestination struct {
	env *Env
}

func (rejectUnauthDestination) Name() string { return "reject_unauth_destination" }

func (c rejectUnauthDestination) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.Recipient == "" {
		return dunnoV
	}
	if ctx.Authenticated {
		return dunnoV
	}
	if envelope.DomainIn(ctx.Recipient, c.env.LocalDomains) {
		return dunnoV
	}
	return rejectV(554, "5.7.1", "<%s>: Relay access denied", ctx.Recipient)
}

// rejectUnauthPipelining rejects clients that sent commands ahead of their
// turn before we offered PIPELINING.
type rejectUnauthPipelining struct{}

func (rejectUnauthPipelining) Name() string { return "reject_unauth_pipelining" }

func (rejectUnauthPipelining) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.EarlyTalker {
		return rejectV(503, "5.5.0", "Improper use of SMTP command pipelining")
	}
	return dunnoV
}

// permitMXBackup permits recipients whose domain lists one of our own
// hostnames among its mail exchangers, i.e. domains we are a secondary MX
// for.
type permitMXBackup struct {
	env *Env
}

func (permitMXBackup) Name() string { return "permit_mx_backup" }

func (c permitMXBackup) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	domain := domainOf(ctx.Recipient)
	if domain == "" || c.env.MyHostnames == nil {
		return dunnoV
	}
	mxs, err := lookupMX(domain)
	if err != nil {
		return dunnoV
	}
	for _, mx := range mxs {
		if c.env.MyHostnames.Has(strings.TrimSuffix(mx.Host, ".")) {
			return permitV
		}
	}
	return dunnoV
}

// rejectSPF rejects senders whose domain's SPF policy says the client is
// not authorized to use it (RFC 7208 §8.4). Errors and softfails are not
// rejected, to keep accidents from blocking delivery.
type rejectSPF struct{}

func (rejectSPF) Name() string { return "reject_spf" }

// checkSPF is a variable so tests don't leak live DNS lookups.
var checkSPF = func(ip net.IP, domain, sender string) (spf.Result, error) {
	return spf.CheckHostWithSender(ip, domain, sender)
}

func (rejectSPF) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if ctx.Authenticated || ctx.Sender == "" {
		return dunnoV
	}
	ip := ctx.ClientIP()
	if ip == nil {
		return dunnoV
	}

	res, err := checkSPF(ip, domainOf(ctx.Sender), ctx.Sender)
	tr.Debugf("SPF %v (%v)", res, err)
	if res == spf.Fail {
		return rejectV(550, "5.7.23", "SPF check failed: %v", err)
	}
	return dunnoV
}
