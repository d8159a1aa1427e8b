package hivevault

import (
	"sync"
	"time"
)

// RateLimiter is the brute-force defense for authentication and decryption
// attempts. It keeps a sliding window of failed attempts per identifier
// (typically "user|ip"); exceeding maxAttempts inside the window locks the
// identifier out for the configured lockout duration. A single success
// clears both the window and any active lockout.
//
// Thread Safety: one mutex guards all counters; safe for concurrent use.
type RateLimiter struct {
	mu          sync.Mutex
	maxAttempts int
	window      time.Duration
	lockout     time.Duration

	attempts map[string][]time.Time
	lockouts map[string]time.Time

	now func() time.Time
}

// NewRateLimiter creates a limiter from config. A MaxAttempts of zero
// disables limiting entirely.
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	return &RateLimiter{
		maxAttempts: config.MaxAttempts,
		window:      time.Duration(config.WindowMinutes) * time.Minute,
		lockout:     time.Duration(config.LockoutMinutes) * time.Minute,
		attempts:    make(map[string][]time.Time),
		lockouts:    make(map[string]time.Time),
		now:         time.Now,
	}
}

// CheckRateLimit reports whether id may attempt, and if not, when the
// lockout expires. Checking does not itself record an attempt.
func (r *RateLimiter) CheckRateLimit(id string) (allowed bool, lockedUntil *time.Time) {
	if r.maxAttempts <= 0 {
		return true, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if until, ok := r.lockouts[id]; ok {
		if now.Before(until) {
			u := until
			return false, &u
		}
		delete(r.lockouts, id)
		delete(r.attempts, id)
	}

	if len(r.prune(id, now)) >= r.maxAttempts {
		until := now.Add(r.lockout)
		r.lockouts[id] = until
		u := until
		return false, &u
	}
	return true, nil
}

// RecordFailure adds a failed attempt to the window. Crossing maxAttempts
// starts the lockout immediately.
func (r *RateLimiter) RecordFailure(id string) {
	if r.maxAttempts <= 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	window := append(r.prune(id, now), now)
	r.attempts[id] = window

	if len(window) >= r.maxAttempts {
		r.lockouts[id] = now.Add(r.lockout)
	}
}

// RecordSuccess clears the window and any lockout for id.
func (r *RateLimiter) RecordSuccess(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
	delete(r.lockouts, id)
}

// prune drops attempts older than the window. Caller holds the mutex.
func (r *RateLimiter) prune(id string, now time.Time) []time.Time {
	window := r.attempts[id]
	cutoff := now.Add(-r.window)

	kept := window[:0]
	for _, t := range window {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) == 0 {
		delete(r.attempts, id)
		return nil
	}
	r.attempts[id] = kept
	return kept
}

// Sweep removes expired windows and lockouts. Called from the periodic
// cleanup goroutine; safe to call at any time.
func (r *RateLimiter) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	for id, until := range r.lockouts {
		if !now.Before(until) {
			delete(r.lockouts, id)
			delete(r.attempts, id)
		}
	}
	for id := range r.attempts {
		r.prune(id, now)
	}
}
