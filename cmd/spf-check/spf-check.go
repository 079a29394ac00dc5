// spf-check evaluates the SPF policy of a domain against a client IP,
// using the same library the server's reject_spf restriction uses. It is
// a debugging aid, not meant for production use.
//
// Usage: spf-check <ip> <domain> [<sender>]
package main

import (
	"flag"
	"fmt"
	"net"
	"os"

	"blitiri.com.ar/go/spf"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: spf-check <ip> <domain> [<sender>]\n")
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(2)
	}

	ip := net.ParseIP(flag.Arg(0))
	if ip == nil {
		fmt.Fprintf(os.Stderr, "invalid ip %q\n", flag.Arg(0))
		os.Exit(2)
	}
	domain := flag.Arg(1)

	var result spf.Result
	var err error
	if sender := flag.Arg(2); sender != "" {
		result, err = spf.CheckHostWithSender(ip, domain, sender)
	} else {
		result, err = spf.CheckHost(ip, domain)
	}

	fmt.Printf("%v\n", result)
	if err != nil {
		fmt.Printf("  (%v)\n", err)
	}

	if result == spf.Fail || result == spf.PermError {
		os.Exit(1)
	}
}
