// Package normalize applies PRECIS and IDNA normalization to addresses
// accepted over SMTP, so two spellings of the same mailbox (case, Unicode
// composition, punycode vs. native script) resolve to one queue recipient.
package normalize

import (
	"bytes"

	"coihue.dev/go/correo/internal/envelope"
	"golang.org/x/net/idna"
	"golang.org/x/text/secure/precis"
)

// User normalizes a mailbox local part with PRECIS's UsernameCaseMapped
// profile. On error it returns the original string, so callers that treat
// normalization as best-effort don't need a second branch.
func User(user string) (string, error) {
	norm, err := precis.UsernameCaseMapped.String(user)
	if err != nil {
		return user, err
	}
	return norm, nil
}

// Addr normalizes the local part of addr, leaving the domain untouched.
func Addr(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	user, err := User(user)
	if err != nil {
		return addr, err
	}
	return user + "@" + domain, nil
}

// DomainToUnicode converts addr's domain from IDNA/punycode (xn--...) to
// its Unicode form, for consistent queue-file storage and DSN rendering
// regardless of how the client happened to encode it on the wire.
func DomainToUnicode(addr string) (string, error) {
	user, domain := envelope.Split(addr)
	if domain == "" {
		return addr, nil
	}

	uDomain, err := idna.ToUnicode(domain)
	if err != nil {
		return addr, err
	}
	return user + "@" + uDomain, nil
}

// ToCRLF converts LF line endings to CRLF, leaving existing CRLF pairs
// untouched. Message content is stored LF-terminated internally; this is
// applied at the endpoints that need the wire representation.
func ToCRLF(in []byte) []byte {
	b := bytes.NewBuffer(nil)
	b.Grow(len(in) + len(in)/16)

	for len(in) > 0 {
		i := bytes.IndexByte(in, '\n')
		if i < 0 {
			b.Write(in)
			break
		}
		if i > 0 && in[i-1] == '\r' {
			b.Write(in[:i+1])
		} else {
			b.Write(in[:i])
			b.WriteString("\r\n")
		}
		in = in[i+1:]
	}
	return b.Bytes()
}
