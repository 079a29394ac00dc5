package smtpclient

import (
	"fmt"
	"testing"

	"github.com/miekg/dns"

	"coihue.dev/go/correo/internal/mtaerr"
	"coihue.dev/go/correo/internal/trace"
)

func withMX(t *testing.T, f func(domain string) ([]*dns.MX, int, error)) {
	t.Helper()
	orig := mxLookup
	mxLookup = f
	t.Cleanup(func() { mxLookup = orig })
}

func mx(host string, pref uint16) *dns.MX {
	return &dns.MX{Mx: host, Preference: pref}
}

func resolve(t *testing.T, nexthop string) ([]string, error) {
	t.Helper()
	tr := trace.New("test", "resolve")
	defer tr.Finish()
	return resolveNexthop(tr, nexthop)
}

func TestResolveLiteral(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		t.Fatalf("literal nexthop must not hit DNS")
		return nil, 0, nil
	})

	hosts, err := resolve(t, "[192.0.2.1]")
	if err != nil || len(hosts) != 1 || hosts[0] != "192.0.2.1" {
		t.Errorf("got %v / %v, want [192.0.2.1]", hosts, err)
	}
}

func TestResolvePreferenceOrder(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return []*dns.MX{
			mx("backup.example.", 20),
			mx("primary.example.", 5),
			mx("secondary.example.", 10),
		}, dns.RcodeSuccess, nil
	})

	hosts, err := resolve(t, "dest.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := []string{"primary.example", "secondary.example", "backup.example"}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %q, want %q (full: %v)", i, hosts[i], want[i], hosts)
		}
	}
}

func TestResolveEqualPreferenceShuffles(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return []*dns.MX{
			mx("a.example.", 10),
			mx("b.example.", 10),
			mx("z.example.", 99),
		}, dns.RcodeSuccess, nil
	})

	// The last host must always be the low-priority one; within the
	// equal-preference group both orders must occur eventually.
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		hosts, err := resolve(t, "dest.example")
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if hosts[2] != "z.example" {
			t.Fatalf("low-priority host not last: %v", hosts)
		}
		seen[hosts[0]] = true
	}
	if !seen["a.example"] || !seen["b.example"] {
		t.Errorf("equal-preference hosts never shuffled: %v", seen)
	}
}

func TestResolveFallbackToA(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return nil, dns.RcodeSuccess, nil
	})

	hosts, err := resolve(t, "plain.example")
	if err != nil || len(hosts) != 1 || hosts[0] != "plain.example" {
		t.Errorf("got %v / %v, want fallback to the domain itself", hosts, err)
	}
}

func TestResolveNoSuchDomain(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return nil, dns.RcodeNameError, nil
	})

	_, err := resolve(t, "nowhere.example")
	if err == nil || mtaerr.Classify(err) != mtaerr.Permanent {
		t.Errorf("got %v, want a permanent error", err)
	}
}

func TestResolveTempFailure(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return nil, 0, fmt.Errorf("resolver unreachable")
	})

	_, err := resolve(t, "flaky.example")
	if err == nil || mtaerr.Classify(err) != mtaerr.Transient {
		t.Errorf("got %v, want a transient error", err)
	}

	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return nil, dns.RcodeServerFailure, nil
	})
	_, err = resolve(t, "flaky.example")
	if err == nil || mtaerr.Classify(err) != mtaerr.Transient {
		t.Errorf("servfail: got %v, want a transient error", err)
	}
}

func TestResolveNullMX(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		return []*dns.MX{mx(".", 0)}, dns.RcodeSuccess, nil
	})

	_, err := resolve(t, "nomail.example")
	if err == nil || mtaerr.Classify(err) != mtaerr.Permanent {
		t.Errorf("got %v, want a permanent error for null MX", err)
	}
}

func TestResolveCapsHosts(t *testing.T) {
	withMX(t, func(domain string) ([]*dns.MX, int, error) {
		var mxs []*dns.MX
		for i := 0; i < 20; i++ {
			mxs = append(mxs, mx(fmt.Sprintf("mx%d.example.", i), uint16(i)))
		}
		return mxs, dns.RcodeSuccess, nil
	})

	hosts, err := resolve(t, "big.example")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(hosts) != maxMXHosts {
		t.Errorf("got %d hosts, want %d", len(hosts), maxMXHosts)
	}
}
