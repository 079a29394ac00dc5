package qstore

import (
	"fmt"
	"sync"
	"time"
)

// base62 is the alphabet used to encode queue ids: dense, filesystem-safe,
// and case-sensitive so it packs more entropy per character than hex.
const base62 = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"

// idGen generates queue ids from the current time combined with a
// monotonically rising counter, so ids sort roughly by arrival and never
// collide within one process's lifetime.
type idGen struct {
	mu      sync.Mutex
	lastSec int64
	counter uint32
}

func (g *idGen) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now().Unix()
	if now != g.lastSec {
		g.lastSec = now
		g.counter = 0
	} else {
		g.counter++
	}

	return encodeID(uint64(now), g.counter)
}

func encodeID(sec uint64, counter uint32) string {
	return fmt.Sprintf("%s%s", encode62(sec), encode62(uint64(counter)))
}

func encode62(n uint64) string {
	if n == 0 {
		return string(base62[0])
	}
	var buf [16]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = base62[n%62]
		n /= 62
	}
	return string(buf[i:])
}

var defaultIDGen = &idGen{}

// NewID returns a fresh, process-unique queue id.
func NewID() string {
	return defaultIDGen.next()
}
