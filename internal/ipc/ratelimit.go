package ipc

import (
	"sync"
	"time"
)

// RateLimiter caps how often one companion identity may connect within a
// sliding window. A companion stuck in a reconnect loop would otherwise
// replace its own session over and over.
type RateLimiter struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu   sync.Mutex
	seen map[string][]time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		now:    time.Now,
		seen:   make(map[string][]time.Time),
	}
}

// Allow reports whether identity may connect now. Only allowed attempts
// count against the window.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expire(now)

	recent := r.seen[identity]
	if len(recent) >= r.limit {
		return false
	}
	r.seen[identity] = append(recent, now)
	return true
}

// Tracked returns how many identities have attempts inside the window.
func (r *RateLimiter) Tracked() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expire(r.now())
	return len(r.seen)
}

// expire drops attempts older than the window and forgets identities with
// none left. Attempts are stored oldest first.
func (r *RateLimiter) expire(now time.Time) {
	cutoff := now.Add(-r.window)
	for id, times := range r.seen {
		i := 0
		for i < len(times) && !times[i].After(cutoff) {
			i++
		}
		switch {
		case i == len(times):
			delete(r.seen, id)
		case i > 0:
			r.seen[id] = append(times[:0], times[i:]...)
		}
	}
}
