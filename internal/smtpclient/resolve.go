package smtpclient

import (
	"fmt"
	"math/rand"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/net/idna"

	"coihue.dev/go/correo/internal/mtaerr"
	"coihue.dev/go/correo/internal/trace"
)

// maxMXHosts caps how many exchangers a single attempt walks, to keep
// delivery attempt times sane and prevent abuse via huge MX sets.
const maxMXHosts = 5

// mxLookup asks the system resolver for a domain's MX records. It is a
// variable so tests can answer without a network.
var mxLookup = func(domain string) ([]*dns.MX, int, error) {
	conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil {
		return nil, 0, err
	}

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	cli := &dns.Client{Timeout: 15 * time.Second}
	var lastErr error
	for _, server := range conf.Servers {
		r, _, err := cli.Exchange(m, net.JoinHostPort(server, conf.Port))
		if err != nil {
			lastErr = err
			continue
		}
		var mxs []*dns.MX
		for _, rr := range r.Answer {
			if mx, ok := rr.(*dns.MX); ok {
				mxs = append(mxs, mx)
			}
		}
		return mxs, r.Rcode, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no resolvers configured")
	}
	return nil, 0, lastErr
}

// resolveNexthop turns a routing destination into a preference-ordered
// host list:
//
//   - A bracketed literal ("[mail.example.com]", "[192.0.2.1]") is used
//     as-is, with no MX lookup.
//   - Otherwise all exchangers are collected, sorted by preference, and
//     shuffled within equal preference so the load spreads across
//     same-priority hosts.
//   - A domain with no MX at all falls back to its own A/AAAA records,
//     per RFC 5321 §5.1.
//
// DNS trouble is a transient error; a name that definitely does not exist
// is permanent.
func resolveNexthop(tr *trace.Trace, nexthop string) ([]string, error) {
	if strings.HasPrefix(nexthop, "[") && strings.HasSuffix(nexthop, "]") {
		return []string{nexthop[1 : len(nexthop)-1]}, nil
	}

	domain, err := idna.ToASCII(nexthop)
	if err != nil {
		return nil, mtaerr.Wrap(mtaerr.Permanent, 0, "5.4.4", err,
			"nexthop %q is not a valid domain", nexthop)
	}

	mxs, rcode, err := mxLookup(domain)
	if err != nil {
		return nil, mtaerr.Wrap(mtaerr.Transient, 0, "4.4.3", err,
			"MX lookup for %q failed", domain)
	}
	switch rcode {
	case dns.RcodeSuccess:
	case dns.RcodeNameError:
		return nil, mtaerr.New(mtaerr.Permanent, 0, "5.4.4",
			"domain %q not found", domain)
	case dns.RcodeServerFailure:
		return nil, mtaerr.New(mtaerr.Transient, 0, "4.4.3",
			"MX lookup for %q: server failure", domain)
	default:
		return nil, mtaerr.New(mtaerr.Transient, 0, "4.4.3",
			"MX lookup for %q: rcode %s", domain, dns.RcodeToString[rcode])
	}

	if len(mxs) == 0 {
		// No MX: implicit MX on the domain itself.
		tr.Debugf("no MX for %s, falling back to A/AAAA", domain)
		return []string{domain}, nil
	}

	// Sort by preference; shuffle within equal preference.
	sort.SliceStable(mxs, func(i, j int) bool {
		return mxs[i].Preference < mxs[j].Preference
	})
	for lo := 0; lo < len(mxs); {
		hi := lo + 1
		for hi < len(mxs) && mxs[hi].Preference == mxs[lo].Preference {
			hi++
		}
		group := mxs[lo:hi]
		rand.Shuffle(len(group), func(i, j int) {
			group[i], group[j] = group[j], group[i]
		})
		lo = hi
	}

	var hosts []string
	for _, mx := range mxs {
		hosts = append(hosts, strings.TrimSuffix(mx.Mx, "."))
		if len(hosts) >= maxMXHosts {
			break
		}
	}

	// "MX 0 ." is the null MX convention for domains that never receive
	// mail.
	if len(hosts) == 1 && hosts[0] == "" {
		return nil, mtaerr.New(mtaerr.Permanent, 0, "5.1.10",
			"domain %q does not accept mail (null MX)", domain)
	}

	tr.Debugf("MXs for %s: %v", domain, hosts)
	return hosts, nil
}
