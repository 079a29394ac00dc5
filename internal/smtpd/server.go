// Package smtpd implements the inbound SMTP and LMTP services: the
// per-session command state machine, capability negotiation, the
// restriction chains, and the hand-off of accepted messages into the
// ingest engine.
package smtpd

import (
	"crypto/tls"
	"net"
	"time"

	"coihue.dev/go/correo/internal/cleanup"
	"coihue.dev/go/correo/internal/log"
	"coihue.dev/go/correo/internal/maillog"
	"coihue.dev/go/correo/internal/policy"
	"coihue.dev/go/correo/internal/trace"
)

// Authenticator validates a user's credentials. The concrete credential
// store lives outside this package; the server only needs a yes/no.
type Authenticator interface {
	Authenticate(tr *trace.Trace, user, password string) (bool, error)
}

// Server is an SMTP/LMTP server instance: shared configuration plus the
// listening sockets, each of which runs one Conn per accepted connection.
type Server struct {
	// Main hostname, used in the greeting and the Received header.
	Hostname string

	// Maximum message size, also advertised via the SIZE capability.
	MaxDataSize int64

	// Engine receives accepted messages.
	Engine *cleanup.Engine

	// Restriction chains, evaluated per stage. A nil chain permits.
	ClientChain *policy.Chain
	HeloChain   *policy.Chain
	SenderChain *policy.Chain
	RcptChain   *policy.Chain
	ETRNChain   *policy.Chain

	// Auth enables AUTH PLAIN (over TLS only) when non-nil.
	Auth Authenticator

	// TrustedNets are peers allowed to use XCLIENT/XFORWARD.
	TrustedNets []*net.IPNet

	// ETRNHook asks the queue manager to flush a destination. ETRN is
	// advertised only when it is set.
	ETRNHook func(tr *trace.Trace, domain string) error

	// DelayReject holds client/HELO/MAIL-stage rejections until the RCPT
	// stage, so a single log line can carry the whole envelope.
	DelayReject bool

	DisableVRFY bool

	// Error handling knobs: after SoftErrorLimit errors every failing
	// reply is delayed by ErrorDelay; at HardErrorLimit the session is
	// dropped; JunkCommandLimit bounds unknown commands.
	ErrorDelay       time.Duration
	SoftErrorLimit   int
	HardErrorLimit   int
	JunkCommandLimit int

	addrs     map[SocketMode][]string
	listeners map[SocketMode][]net.Listener
	tlsConfig *tls.Config

	connTimeout    time.Duration
	commandTimeout time.Duration
}

// NewServer returns a new empty Server.
func NewServer() *Server {
	return &Server{
		addrs:     map[SocketMode][]string{},
		listeners: map[SocketMode][]net.Listener{},

		SoftErrorLimit:   3,
		HardErrorLimit:   20,
		JunkCommandLimit: 10,

		connTimeout:    20 * time.Minute,
		commandTimeout: 1 * time.Minute,
	}
}

// AddCerts (TLS) to the server. STARTTLS is only advertised once at least
// one certificate has been loaded.
func (s *Server) AddCerts(certPath, keyPath string) error {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return err
	}
	if s.tlsConfig == nil {
		s.tlsConfig = &tls.Config{}
	}
	s.tlsConfig.Certificates = append(s.tlsConfig.Certificates, cert)
	return nil
}

// AddAddr adds an address for the server to listen on.
func (s *Server) AddAddr(a string, m SocketMode) {
	s.addrs[m] = append(s.addrs[m], a)
}

// AddListeners adds pre-opened listeners (e.g. from socket activation).
func (s *Server) AddListeners(ls []net.Listener, m SocketMode) {
	s.listeners[m] = append(s.listeners[m], ls...)
}

// ListenAndServe on the addresses and listeners previously added. It does
// not return except on a listening error, which is fatal.
func (s *Server) ListenAndServe() {
	for m, addrs := range s.addrs {
		for _, addr := range addrs {
			l, err := net.Listen("tcp", addr)
			if err != nil {
				log.Fatalf("Error listening on %q: %v", addr, err)
			}

			log.Infof("Server listening on %s (%v)", addr, m)
			maillog.Listening(addr)
			go s.Serve(l, m)
		}
	}

	for m, ls := range s.listeners {
		for _, l := range ls {
			log.Infof("Server listening on %s (%v, via systemd)", l.Addr(), m)
			maillog.Listening(l.Addr().String())
			go s.Serve(l, m)
		}
	}

	// The serve goroutines abort execution if they have problems.
	for {
		time.Sleep(24 * time.Hour)
	}
}

// Serve accepts connections on l in the given mode. Exported so tests and
// embedders can bring their own listener.
func (s *Server) Serve(l net.Listener, mode SocketMode) {
	if mode.TLS {
		l = tls.NewListener(l, s.tlsConfig)
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			log.Fatalf("Error accepting: %v", err)
		}

		sc := &Conn{
			server:         s,
			hostname:       s.Hostname,
			maxDataSize:    s.MaxDataSize,
			conn:           conn,
			mode:           mode,
			onTLS:          mode.TLS,
			trustedPeer:    s.isTrusted(conn.RemoteAddr()),
			deadline:       time.Now().Add(s.connTimeout),
			commandTimeout: s.commandTimeout,
		}
		go sc.Handle()
	}
}

func (s *Server) isTrusted(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}
	for _, n := range s.TrustedNets {
		if n.Contains(tcp.IP) {
			return true
		}
	}
	return false
}
