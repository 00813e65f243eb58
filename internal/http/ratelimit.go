package http

import (
	"sync"
	"time"
)

const (
	// maxTrackedKeys caps the number of tracked client keys.
	maxTrackedKeys = 1024

	defaultRateWindow  = 60 * time.Second
	defaultRateMaxHits = 30
)

type rateLimitEntry struct {
	windowStart time.Time
	count       int
}

// RateLimiter bounds how often one caller host may hit POST /v1/reply. Every
// accepted request spawns the external sender, so this caps sender processes
// per host rather than bytes or connections. Fixed window, bounded key set,
// safe for concurrent use.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*rateLimitEntry
	window  time.Duration
	maxHits int
	now     func() time.Time
}

// NewRateLimiter allows maxHits requests per key per window.
// Non-positive arguments fall back to 30 per minute.
func NewRateLimiter(maxHits int, window time.Duration) *RateLimiter {
	if maxHits <= 0 {
		maxHits = defaultRateMaxHits
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		entries: make(map[string]*rateLimitEntry),
		window:  window,
		maxHits: maxHits,
		now:     time.Now,
	}
}

// Allow counts one reply attempt for key (a remote host) and reports whether
// it fits the current window. When the key table is full, expired windows are
// dropped first, then arbitrary keys.
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	if len(r.entries) >= maxTrackedKeys {
		for k, e := range r.entries {
			if now.Sub(e.windowStart) >= r.window {
				delete(r.entries, k)
			}
		}
		for len(r.entries) >= maxTrackedKeys {
			for k := range r.entries {
				delete(r.entries, k)
				break
			}
		}
	}

	e, ok := r.entries[key]
	if !ok || now.Sub(e.windowStart) >= r.window {
		r.entries[key] = &rateLimitEntry{windowStart: now, count: 1}
		return true
	}

	e.count++
	return e.count <= r.maxHits
}
