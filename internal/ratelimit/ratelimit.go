// Package ratelimit implements the per-client-IP failure backoff guarding
// the admin and proxy auth surfaces. Failures are counted in a sliding
// window; crossing the threshold blocks the client for the policy's block
// duration. State is process-local and held in a mutex-guarded map.
package ratelimit

import (
	"sync"
	"time"
)

// Policy describes one auth surface's failure tolerance.
type Policy struct {
	// Scope separates records of different surfaces sharing one limiter.
	Scope string
	// Window is the sliding window failures are counted in.
	Window time.Duration
	// MaxFailures is the number of window failures that triggers a block.
	MaxFailures int
	// BlockFor is how long a client stays blocked after crossing the
	// threshold.
	BlockFor time.Duration
}

// AdminPolicy guards the admin API: 12 failures per minute, 5-minute block.
var AdminPolicy = Policy{Scope: "admin", Window: time.Minute, MaxFailures: 12, BlockFor: 5 * time.Minute}

// ProxyPolicy guards the proxy surface: 120 failures per minute, 60s block.
var ProxyPolicy = Policy{Scope: "proxy", Window: time.Minute, MaxFailures: 120, BlockFor: time.Minute}

const (
	// pruneThreshold triggers stale-entry eviction once the map grows past it.
	pruneThreshold = 5000
	// idleEviction is how long an untouched record survives a prune pass.
	idleEviction = time.Hour
)

type record struct {
	failures     []time.Time
	blockedUntil time.Time
	lastSeen     time.Time
}

// Limiter tracks auth failures per (scope, client IP).
type Limiter struct {
	mu      sync.Mutex
	records map[string]*record
	now     func() time.Time
}

// NewLimiter constructs an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{records: make(map[string]*record), now: time.Now}
}

// newLimiterAt builds a limiter with a fixed clock, for tests.
func newLimiterAt(now func() time.Time) *Limiter {
	return &Limiter{records: make(map[string]*record), now: now}
}

// Check reports whether the client is currently blocked and, if so, how
// long until the block lifts.
func (l *Limiter) Check(policy Policy, clientIP string) (blocked bool, retryAfter time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	rec, ok := l.records[l.key(policy, clientIP)]
	if !ok {
		return false, 0
	}
	now := l.now()
	rec.lastSeen = now
	if rec.blockedUntil.After(now) {
		return true, rec.blockedUntil.Sub(now)
	}
	return false, 0
}

// Failure records one auth failure. Returns whether this failure tipped the
// client into a block.
func (l *Limiter) Failure(policy Policy, clientIP string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	key := l.key(policy, clientIP)
	rec, ok := l.records[key]
	if !ok {
		rec = &record{}
		l.records[key] = rec
		l.maybePrune(now)
	}
	rec.lastSeen = now

	cutoff := now.Add(-policy.Window)
	kept := rec.failures[:0]
	for _, t := range rec.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	rec.failures = append(kept, now)

	if len(rec.failures) >= policy.MaxFailures {
		rec.blockedUntil = now.Add(policy.BlockFor)
		rec.failures = rec.failures[:0]
		return true
	}
	return false
}

// Success clears the client's record after a successful auth.
func (l *Limiter) Success(policy Policy, clientIP string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.records, l.key(policy, clientIP))
}

func (l *Limiter) key(policy Policy, clientIP string) string {
	return policy.Scope + "|" + clientIP
}

// maybePrune evicts records idle for over an hour once the map has grown
// past the threshold. Called with the lock held.
func (l *Limiter) maybePrune(now time.Time) {
	if len(l.records) <= pruneThreshold {
		return
	}
	cutoff := now.Add(-idleEviction)
	for key, rec := range l.records {
		if rec.lastSeen.Before(cutoff) && !rec.blockedUntil.After(now) {
			delete(l.records, key)
		}
	}
}
