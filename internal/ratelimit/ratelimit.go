package ratelimit

import (
	"sync"
	"time"
)

// Limiter throttles job submissions per owner: each owner gets a fixed
// allowance per window, replenished when the window rolls over.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   int
	window  time.Duration
}

type bucket struct {
	remaining int
	resetAt   time.Time
}

// New creates a limiter allowing limit submissions per owner per window.
func New(limit int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		window:  window,
	}
}

// Allow consumes one submission slot for the owner, reporting whether
// one was available.
func (l *Limiter) Allow(ownerID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[ownerID]
	if !ok || now.After(b.resetAt) {
		b = &bucket{remaining: l.limit, resetAt: now.Add(l.window)}
		l.buckets[ownerID] = b
	}

	if b.remaining == 0 {
		return false
	}
	b.remaining--
	return true
}

// Prune drops owners whose window has expired, keeping the map from
// growing with every owner ever seen.
func (l *Limiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	for owner, b := range l.buckets {
		if now.After(b.resetAt) {
			delete(l.buckets, owner)
		}
	}
}
