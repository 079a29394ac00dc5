package policy

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"coihue.dev/go/correo/internal/trace"
)

// Map is the capability interface the check_*_access tokens depend on.
// Backends look up a key and return the action string stored for it. The
// chain code never cares where the data lives; anything that can answer
// Lookup can serve as an access map.
type Map interface {
	// Lookup returns the value stored for key, whether it was found, and
	// any backend error. A backend error is treated as a temporary
	// failure by the caller.
	Lookup(key string) (value string, found bool, err error)
}

// MemoryMap is the in-process Map backend: a plain string table. It is
// what the tests use, and what small installations get when they inline
// an access table in the configuration.
type MemoryMap struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewMemoryMap builds a MemoryMap from entries.
func NewMemoryMap(entries map[string]string) *MemoryMap {
	m := make(map[string]string, len(entries))
	for k, v := range entries {
		m[strings.ToLower(k)] = v
	}
	return &MemoryMap{m: m}
}

// Lookup implements Map.
func (mm *MemoryMap) Lookup(key string) (string, bool, error) {
	mm.mu.RLock()
	defer mm.mu.RUnlock()
	v, ok := mm.m[strings.ToLower(key)]
	return v, ok, nil
}

// Set adds or replaces an entry.
func (mm *MemoryMap) Set(key, value string) {
	mm.mu.Lock()
	defer mm.mu.Unlock()
	mm.m[strings.ToLower(key)] = value
}

// accessCheck implements the check_*_access tokens: derive a set of keys
// from the context field, look each up in the map, and apply the first
// stored action found.
type accessCheck struct {
	name    string
	mapName string
	m       Map
	field   contextField
	client  bool
}

func newAccessCheck(token, mapName string, m Map) accessCheck {
	c := accessCheck{name: token, mapName: mapName, m: m}
	switch token {
	case "check_client_access":
		c.client = true
	case "check_helo_access":
		c.field = heloField
	case "check_sender_access":
		c.field = senderField
	case "check_recipient_access":
		c.field = recipientField
	}
	return c
}

func (c accessCheck) Name() string { return c.name }

// keys returns the lookup keys for the current context, most specific
// first: full address, then domain and parent domains, then the bare
// local part ("user@"). Client checks use the hostname and the IP.
func (c accessCheck) keys(ctx *Context) []string {
	if c.client {
		var ks []string
		if ctx.ClientHost != "" {
			ks = appendDomainKeys(ks, ctx.ClientHost)
		}
		if ip := ctx.ClientIP(); ip != nil {
			ks = append(ks, ip.String())
		}
		return ks
	}

	v := c.field.get(ctx)
	if v == "" {
		return nil
	}
	if c.field == heloField {
		return appendDomainKeys(nil, v)
	}

	ks := []string{v}
	if domain := domainOf(v); domain != "" {
		ks = appendDomainKeys(ks, domain)
		ks = append(ks, v[:len(v)-len(domain)]) // "user@"
	}
	return ks
}

func appendDomainKeys(ks []string, domain string) []string {
	ks = append(ks, domain)
	for {
		i := strings.IndexByte(domain, '.')
		if i < 0 {
			return ks
		}
		domain = domain[i+1:]
		ks = append(ks, domain)
	}
}

func (c accessCheck) Evaluate(tr *trace.Trace, ctx *Context) Verdict {
	for _, key := range c.keys(ctx) {
		value, found, err := c.m.Lookup(key)
		if err != nil {
			tr.Errorf("access map %q lookup %q: %v", c.mapName, key, err)
			return rejectV(451, "4.3.0", "Temporary lookup failure")
		}
		if !found {
			continue
		}
		tr.Debugf("access map %q: %q -> %q", c.mapName, key, value)
		return parseAccessAction(value)
	}
	return dunnoV
}

// parseAccessAction interprets a stored access-map value: "OK"/"PERMIT",
// "DUNNO", "REJECT [text]", "DEFER [text]", or a literal "4xx text" /
// "5xx text" reply. Anything unrecognized rejects, on the theory that an
// entry exists because the operator wanted the mail stopped.
func parseAccessAction(value string) Verdict {
	action, rest, _ := strings.Cut(strings.TrimSpace(value), " ")
	switch strings.ToUpper(action) {
	case "OK", "PERMIT":
		return permitV
	case "DUNNO":
		return dunnoV
	case "REJECT":
		if rest == "" {
			rest = "Access denied"
		}
		return rejectV(554, "5.7.1", "%s", rest)
	case "DEFER", "DEFER_IF_PERMIT":
		if rest == "" {
			rest = "Try again later"
		}
		return rejectV(450, "4.7.0", "%s", rest)
	}

	if code, err := strconv.Atoi(action); err == nil && code >= 400 && code < 600 {
		enhanced := "5.7.1"
		if code < 500 {
			enhanced = "4.7.0"
		}
		return Verdict{Action: Reject, Code: code, Enhanced: enhanced, Text: rest}
	}

	return rejectV(554, "5.7.1", "%s",
		fmt.Sprintf("Access denied (%s)", value))
}
