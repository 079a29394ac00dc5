// Redirect DNS lookups to a local test server, for integration testing:
// building with the "dnsoverride" tag makes every stdlib resolver query
// (policy domain checks, SPF) go to -testing__dns_addr instead of the
// real resolver.
//
//go:build dnsoverride
// +build dnsoverride

package main

import (
	"context"
	"flag"
	"net"
	"time"
)

var testDNSAddr = flag.String("testing__dns_addr", "127.0.0.1:9053",
	"DNS server address to use, for testing purposes only")

func init() {
	// The target is localhost: fail fast rather than hang callers when
	// the test server isn't up.
	dialer := &net.Dialer{Timeout: 2 * time.Second}

	net.DefaultResolver.PreferGo = true
	net.DefaultResolver.Dial = func(ctx context.Context, network, address string) (net.Conn, error) {
		return dialer.DialContext(ctx, network, *testDNSAddr)
	}
}
