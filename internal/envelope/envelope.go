// Package envelope implements helpers for RFC 5321 mailbox addresses, as
// used across the queue, cleanup, scheduler, and the SMTP/LMTP endpoints.
package envelope

import (
	"strings"

	"coihue.dev/go/correo/internal/set"
)

// Split a user@domain address into its local part and domain.
// An address with no "@" (e.g. the empty string used for the null
// reverse-path's local part) returns the whole string as the user and an
// empty domain.
func Split(addr string) (user, domain string) {
	ps := strings.SplitN(addr, "@", 2)
	if len(ps) != 2 {
		return addr, ""
	}
	return ps[0], ps[1]
}

// UserOf returns the local part of user@domain.
func UserOf(addr string) string {
	user, _ := Split(addr)
	return user
}

// DomainOf returns the domain of user@domain.
func DomainOf(addr string) string {
	_, domain := Split(addr)
	return domain
}

// IsNullReversePath reports whether addr is the null reverse-path used by
// DSNs ("<>", or the empty string once angle brackets have been stripped
// by the caller).
func IsNullReversePath(addr string) bool {
	return addr == "" || addr == "<>"
}

// DomainIn reports whether addr's domain is a member of locals. An address
// with no domain (the null reverse-path) is conservatively treated as
// local: we must never try to route it externally.
func DomainIn(addr string, locals *set.Set[string]) bool {
	domain := DomainOf(addr)
	if domain == "" {
		return true
	}
	return locals.Has(domain)
}
