// Package policy implements the restriction chains applied to incoming
// SMTP commands: ordered lists of check tokens, evaluated left to right
// over the current command context until one of them returns a verdict.
//
// The model follows the classic MTA convention: each token returns permit,
// reject (with a code and text), or dunno ("no opinion, keep going"). The
// first non-dunno result short-circuits the chain; a chain that runs out
// of tokens permits by default.
package policy

import (
	"fmt"
	"net"
	"strings"

	"coihue.dev/go/correo/internal/set"
	"coihue.dev/go/correo/internal/trace"
)

// Action is the outcome of one check, or of a whole chain.
type Action int

const (
	// Dunno means the check has no opinion; evaluation continues.
	Dunno Action = iota
	// Permit accepts the command and stops evaluation.
	Permit
	// Reject refuses the command (with Verdict.Code / Verdict.Text) and
	// stops evaluation.
	Reject
)

func (a Action) String() string {
	switch a {
	case Dunno:
		return "dunno"
	case Permit:
		return "permit"
	case Reject:
		return "reject"
	}
	return "unknown"
}

// Verdict is the result of evaluating a check or a chain.
type Verdict struct {
	Action   Action
	Code     int    // SMTP reply code, for Reject.
	Enhanced string // enhanced status code, e.g. "5.7.1".
	Text     string
}

var permitV = Verdict{Action: Permit}
var dunnoV = Verdict{Action: Dunno}

func rejectV(code int, enhanced, format string, args ...interface{}) Verdict {
	return Verdict{
		Action: Reject, Code: code, Enhanced: enhanced,
		Text: fmt.Sprintf(format, args...),
	}
}

// Context is the command state a chain is evaluated against. The server
// fills in whatever is known at the current stage: a client-stage chain
// sees no sender, a recipient-stage chain sees everything.
type Context struct {
	// Client connection information.
	ClientAddr net.Addr
	ClientHost string // reverse DNS name of the client, "" if unknown.

	HeloName  string
	Sender    string // empty for the null reverse-path.
	Recipient string

	// True once the client has authenticated, or arrived over a trusted
	// path (e.g. the submission service).
	Authenticated bool

	// True if the client sent commands before its turn (pipelining
	// without having been offered it).
	EarlyTalker bool
}

// ClientIP returns the client's IP, or nil if the address is not TCP.
func (ctx *Context) ClientIP() net.IP {
	if tcp, ok := ctx.ClientAddr.(*net.TCPAddr); ok {
		return tcp.IP
	}
	return nil
}

// A Check is one token in a restriction chain.
type Check interface {
	Name() string
	Evaluate(tr *trace.Trace, ctx *Context) Verdict
}

// Chain is an ordered list of checks sharing a single evaluation pass.
type Chain struct {
	checks []Check
}

// Evaluate runs the chain over ctx: the first non-dunno verdict wins, and
// an exhausted chain permits. Evaluation is deterministic for a given
// chain and context.
func (c *Chain) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	if c == nil {
		return permitV
	}
	for _, chk := range c.checks {
		v := chk.Evaluate(tr, ctx)
		tr.Debugf("policy %s: %v", chk.Name(), v.Action)
		if v.Action != Dunno {
			return v
		}
	}
	return permitV
}

// Env is everything the built-in checks need from their surroundings:
// which networks and domains are ours, and which access maps exist. It is
// built once at startup and shared by all chains.
type Env struct {
	// MyNetworks are the client networks treated as our own by
	// permit_mynetworks.
	MyNetworks []*net.IPNet

	// LocalDomains are the domains we accept final delivery for;
	// reject_unauth_destination permits only these (or authenticated
	// clients).
	LocalDomains *set.Set[string]

	// MyHostnames are the names this installation answers to, used by
	// permit_mx_backup to recognize itself in a domain's MX set.
	MyHostnames *set.Set[string]

	// Maps is the access-map registry, keyed by the name used in
	// check_*_access tokens.
	Maps map[string]Map
}

// Compile turns a token list (as found in the configuration) into a
// Chain. Tokens that take an argument (check_*_access, reject_maps_rbl)
// consume the following token.
func Compile(tokens []string, env *Env) (*Chain, error) {
	c := &Chain{}
	for i := 0; i < len(tokens); i++ {
		tok := tokens[i]

		arg := func() (string, error) {
			if i+1 >= len(tokens) {
				return "", fmt.Errorf("policy: token %q needs an argument", tok)
			}
			i++
			return tokens[i], nil
		}

		switch tok {
		case "permit":
			c.checks = append(c.checks, staticCheck{tok, permitV})
		case "reject":
			c.checks = append(c.checks, staticCheck{tok,
				rejectV(554, "5.7.1", "Access denied")})
		case "defer":
			c.checks = append(c.checks, staticCheck{tok,
				rejectV(450, "4.7.0", "Try again later")})
		case "permit_mynetworks":
			c.checks = append(c.checks, permitMynetworks{env})
		case "permit_auth":
			c.checks = append(c.checks, permitAuth{})
		case "reject_unknown_client":
			c.checks = append(c.checks, rejectUnknownClient{})
		case "reject_invalid_hostname":
			c.checks = append(c.checks, rejectInvalidHostname{})
		case "reject_non_fqdn_helo_hostname":
			c.checks = append(c.checks, rejectNonFQDN{tok, heloField})
		case "reject_non_fqdn_sender":
			c.checks = append(c.checks, rejectNonFQDN{tok, senderField})
		case "reject_non_fqdn_recipient":
			c.checks = append(c.checks, rejectNonFQDN{tok, recipientField})
		case "reject_unknown_sender_domain":
			c.checks = append(c.checks, rejectUnknownDomain{tok, senderField})
		case "reject_unknown_recipient_domain":
			c.checks = append(c.checks, rejectUnknownDomain{tok, recipientField})
		case "reject_unauth_destination":
			c.checks = append(c.checks, rejectUnauthDestination{env})
		case "reject_unauth_pipelining":
			c.checks = append(c.checks, rejectUnauthPipelining{})
		case "permit_mx_backup":
			c.checks = append(c.checks, permitMXBackup{env})
		case "reject_spf":
			c.checks = append(c.checks, rejectSPF{})
		case "check_client_access", "check_helo_access",
			"check_sender_access", "check_recipient_access":
			name, err := arg()
			if err != nil {
				return nil, err
			}
			m, ok := env.Maps[name]
			if !ok {
				return nil, fmt.Errorf("policy: unknown access map %q", name)
			}
			c.checks = append(c.checks, newAccessCheck(tok, name, m))
		case "reject_maps_rbl":
			zone, err := arg()
			if err != nil {
				return nil, err
			}
			c.checks = append(c.checks, rblCheck{zone})
		default:
			return nil, fmt.Errorf("policy: unknown restriction %q", tok)
		}
	}
	return c, nil
}

// staticCheck always returns the same verdict ("permit" / "reject" /
// "defer" tokens).
type staticCheck struct {
	name string
	v    Verdict
}

func (s staticCheck) Name() string                               { return s.name }
func (s staticCheck) Evaluate(*trace.Trace, *Context) Verdict    { return s.v }

// contextField selects which address field of the Context a generic check
// applies to.
type contextField int

const (
	heloField contextField = iota
	senderField
	recipientField
)

func (f contextField) get(ctx *Context) string {
	switch f {
	case heloField:
		return ctx.HeloName
	case senderField:
		return ctx.Sender
	case recipientField:
		return ctx.Recipient
	}
	return ""
}

func (f contextField) String() string {
	switch f {
	case heloField:
		return "helo"
	case senderField:
		return "sender"
	case recipientField:
		return "recipient"
	}
	return "unknown"
}

// domainOf returns the part of addr after its last '@', or "" when there
// is none; envelope.DomainOf, by contrast, splits at the first '@'.
func domainOf(addr string) string {
	if i := strings.LastIndexByte(addr, '@'); i >= 0 {
		return addr[i+1:]
	}
	return ""
}
