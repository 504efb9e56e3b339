package transport

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// handshakeLimiter protects the upgrade path with a global token bucket plus
// one bucket per remote IP, so a single client cannot exhaust the global
// connection budget.
type handshakeLimiter struct {
	global *rate.Limiter

	perIPRate  rate.Limit
	perIPBurst int

	mu  sync.Mutex
	ips map[string]*ipEntry
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newHandshakeLimiter(globalRate float64, globalBurst int, perIPRate float64, perIPBurst int) *handshakeLimiter {
	return &handshakeLimiter{
		global:     rate.NewLimiter(rate.Limit(globalRate), globalBurst),
		perIPRate:  rate.Limit(perIPRate),
		perIPBurst: perIPBurst,
		ips:        make(map[string]*ipEntry),
	}
}

// allow reports whether a handshake from remoteAddr may proceed.
func (l *handshakeLimiter) allow(remoteAddr string) bool {
	if !l.global.Allow() {
		return false
	}

	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}

	l.mu.Lock()
	entry, ok := l.ips[host]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.perIPRate, l.perIPBurst)}
		l.ips[host] = entry
	}
	entry.lastSeen = time.Now()
	l.mu.Unlock()

	return entry.limiter.Allow()
}

// sweep drops per-IP buckets idle longer than ttl. Called periodically by the
// server loop to keep the map from growing without bound.
func (l *handshakeLimiter) sweep(ttl time.Duration) {
	cutoff := time.Now().Add(-ttl)
	l.mu.Lock()
	for host, entry := range l.ips {
		if entry.lastSeen.Before(cutoff) {
			delete(l.ips, host)
		}
	}
	l.mu.Unlock()
}
