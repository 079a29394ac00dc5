package smtpclient

import (
	"sync"
	"time"
)

// Pool is the per-process connection cache: open sessions keyed by
// destination, kept for reuse across consecutive deliveries. It is not
// shared across processes.
type Pool struct {
	// MaxReuse is how many deliveries a single connection may carry
	// before it is retired.
	MaxReuse int

	// MaxAge is how long after its creation a connection may still be
	// handed out.
	MaxAge time.Duration

	// MaxIdlePerDest bounds how many idle sessions are kept per
	// destination.
	MaxIdlePerDest int

	mu   sync.Mutex
	idle map[string][]*session
}

// NewPool returns a Pool with the given limits.
func NewPool(maxReuse int, maxAge time.Duration) *Pool {
	return &Pool{
		MaxReuse:       maxReuse,
		MaxAge:         maxAge,
		MaxIdlePerDest: 2,
		idle:           map[string][]*session{},
	}
}

// get returns a cached session for key, or nil. A session that would
// exceed its reuse count or age limit is QUIT-closed here, before it is
// ever used again.
func (p *Pool) get(key string) *session {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		ss := p.idle[key]
		if len(ss) == 0 {
			return nil
		}
		s := ss[len(ss)-1]
		p.idle[key] = ss[:len(ss)-1]

		if p.expired(s) {
			go s.quit()
			continue
		}
		return s
	}
}

func (p *Pool) expired(s *session) bool {
	if p.MaxReuse > 0 && s.reuseCount >= p.MaxReuse {
		return true
	}
	if p.MaxAge > 0 && time.Since(s.created) > p.MaxAge {
		return true
	}
	return false
}

// put offers a session back to the cache after a delivery. It is stored
// only if it is intact and within its limits; otherwise it is QUIT-closed
// (or just closed when broken, since the dialog state is unknown).
// Returns whether the session was cached.
func (p *Pool) put(s *session) bool {
	if p == nil || s.broken {
		if s.broken {
			s.close()
		} else {
			s.quit()
		}
		return false
	}

	p.mu.Lock()
	if p.expired(s) || len(p.idle[s.key]) >= p.MaxIdlePerDest {
		p.mu.Unlock()
		s.quit()
		return false
	}
	p.idle[s.key] = append(p.idle[s.key], s)
	p.mu.Unlock()
	return true
}

// CloseAll QUITs every idle session, for shutdown.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	all := p.idle
	p.idle = map[string][]*session{}
	p.mu.Unlock()

	for _, ss := range all {
		for _, s := range ss {
			s.quit()
		}
	}
}
