package envelope

import (
	"testing"

	"coihue.dev/go/correo/internal/set"
)

func TestSplit(t *testing.T) {
	cases := []struct {
		addr, user, domain string
	}{
		{"lalala@lelele", "lalala", "lelele"},
		{"no-domain", "no-domain", ""},
		{"", "", ""},
		{"a@b@c", "a", "b@c"},
		{"@dom.example", "", "dom.example"},
	}

	for _, c := range cases {
		if user := UserOf(c.addr); user != c.user {
			t.Errorf("%q: expected user %q, got %q", c.addr, c.user, user)
		}
		if domain := DomainOf(c.addr); domain != c.domain {
			t.Errorf("%q: expected domain %q, got %q",
				c.addr, c.domain, domain)
		}
	}
}

func TestIsNullReversePath(t *testing.T) {
	for _, addr := range []string{"", "<>"} {
		if !IsNullReversePath(addr) {
			t.Errorf("%q: expected null reverse-path", addr)
		}
	}
	for _, addr := range []string{"a@b", "<a@b>", " "} {
		if IsNullReversePath(addr) {
			t.Errorf("%q: unexpected null reverse-path", addr)
		}
	}
}

func TestDomainIn(t *testing.T) {
	ls := set.New("domain1", "domain2")
	cases := []struct {
		addr string
		in   bool
	}{
		{"u@domain1", true},
		{"u@domain2", true},
		{"u@domain3", false},
		// No domain at all: treated as local, never routed out.
		{"u", true},
		{"", true},
	}
	for _, c := range cases {
		if in := DomainIn(c.addr, ls); in != c.in {
			t.Errorf("%q: expected %v, got %v", c.addr, c.in, in)
		}
	}

	// A nil set holds nothing, so only the no-domain case is local.
	if DomainIn("u@domain1", nil) {
		t.Errorf("nil set: u@domain1 treated as local")
	}
	if !DomainIn("u", nil) {
		t.Errorf("nil set: no-domain address not treated as local")
	}
}
