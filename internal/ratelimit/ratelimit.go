// Package ratelimit implements process-local fixed-window request and
// token budgets per provider. Windows are 60 seconds, reset lazily on
// the first touch after expiry.
package ratelimit

import (
	"sync"
	"time"

	"github.com/learnloop/aidispatch/pkg/types"
)

// Window is the fixed rate-limit window length.
const Window = 60 * time.Second

type bucket struct {
	windowStart time.Time
	requests    int64
	tokens      int64
}

// Limiter tracks per-provider request and token consumption. Counts only
// grow within a window; callers consume after a successful provider call,
// so a limited provider is skipped rather than failed.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), now: time.Now}
}

// get returns the provider's bucket for the current window, resetting it
// if the previous window has elapsed. Callers hold mu.
func (l *Limiter) get(providerID string) *bucket {
	now := l.now()
	b, ok := l.buckets[providerID]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[providerID] = b
		return b
	}
	if now.Sub(b.windowStart) >= Window {
		b.windowStart = now
		b.requests = 0
		b.tokens = 0
	}
	return b
}

// IsLimited reports whether the provider has exhausted its request or
// token budget in the current window. Zero rpm/tpm means unlimited on
// that axis.
func (l *Limiter) IsLimited(p *types.Provider) bool {
	if p.RateLimitRPM <= 0 && p.RateLimitTPM <= 0 {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(p.ID)
	if p.RateLimitRPM > 0 && p.RateLimitRPM-b.requests <= 0 {
		return true
	}
	if p.RateLimitTPM > 0 && p.RateLimitTPM-b.tokens <= 0 {
		return true
	}
	return false
}

// Consume records one request and its token usage against the provider's
// current window.
func (l *Limiter) Consume(providerID string, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(providerID)
	b.requests++
	b.tokens += tokens
}

// Remaining returns the unused request and token budget in the current
// window. Unlimited axes report -1.
func (l *Limiter) Remaining(p *types.Provider) (requests, tokens int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b := l.get(p.ID)
	requests, tokens = -1, -1
	if p.RateLimitRPM > 0 {
		requests = max(p.RateLimitRPM-b.requests, 0)
	}
	if p.RateLimitTPM > 0 {
		tokens = max(p.RateLimitTPM-b.tokens, 0)
	}
	return requests, tokens
}
