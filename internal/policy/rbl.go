package policy

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"coihue.dev/go/correo/internal/trace"
)

// rblCheck implements reject_maps_rbl: the client IP, reversed, is looked
// up as an A record under the block-list zone; any answer means the client
// is listed and the command is rejected.
type rblCheck struct {
	zone string
}

func (c rblCheck) Name() string { return "reject_maps_rbl " + c.zone }

// rblQuery resolves one name against the system resolver. It is a
// variable so tests can answer without a network.
var rblQuery = func(name string) (listed bool, err error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return false, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)

	cli := &dns.Client{Timeout: 5 * time.Second}
	for _, server := range conf.Servers {
		r, _, err := cli.Exchange(m, net.JoinHostPort(server, conf.Port))
		if err != nil {
			continue
		}
		if r.Rcode == dns.RcodeNameError {
			return false, nil
		}
		if r.Rcode != dns.RcodeSuccess {
			return false, fmt.Errorf("rcode %v", dns.RcodeToString[r.Rcode])
		}
		for _, rr := range r.Answer {
			if _, ok := rr.(*dns.A); ok {
				return true, nil
			}
		}
		return false, nil
	}
	return false, fmt.Errorf("no resolvers reachable")
}

func (c rblCheck) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	ip := ctx.ClientIP()
	if ip == nil {
		return dunnoV
	}
	v4 := ip.To4()
	if v4 == nil {
		// The common block lists are IPv4-only; leave IPv6 clients to the
		// rest of the chain.
		return dunnoV
	}

	name := fmt.Sprintf("%d.%d.%d.%d.%s", v4[3], v4[2], v4[1], v4[0], c.zone)
	listed, err := rblQuery(name)
	if err != nil {
		// A broken list must not block mail.
		tr.Errorf("RBL %s lookup failed: %v", c.zone, err)
		return dunnoV
	}
	if listed {
		tr.Printf("client %v listed in %s", ip, c.zone)
		return rejectV(554, "5.7.1",
			"Service unavailable; Client host [%v] blocked using %s",
			ip, strings.TrimSuffix(c.zone, "."))
	}
	return dunnoV
}
