package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const evictEvery = 256

// PeerLimiter applies a token bucket per peer identity and evicts buckets for
// peers not seen within the idle TTL.
type PeerLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu    sync.Mutex
	byID  map[string]*bucket
	calls uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns a limiter, or nil when rps/burst are non-positive; a nil
// limiter allows everything.
func New(rps float64, burst int, idleTTL time.Duration) *PeerLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &PeerLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byID:    make(map[string]*bucket),
	}
}

// Allow reports whether one token is available for the peer at now.
func (l *PeerLimiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byID[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byID[peerID] = b
	}
	b.lastSeen = now

	l.calls++
	if l.calls%evictEvery == 0 {
		cutoff := now.Add(-l.idleTTL)
		for id, v := range l.byID {
			if v.lastSeen.Before(cutoff) {
				delete(l.byID, id)
			}
		}
	}

	return b.limiter.AllowN(now, 1)
}
