// Package ratelimit throttles calls out to extractors, embedding
// providers, and other rate-sensitive dependencies, one named call kind
// at a time, on top of golang.org/x/time/rate's token bucket.
package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Limiter maintains one token-bucket limiter per named call kind (e.g.
// "extract", "embed"), registered independently so each can carry its
// own rate and burst.
type Limiter struct {
	mu       sync.RWMutex
	limiters map[string]*rate.Limiter
}

// New builds an empty Limiter; call Register for each call kind that
// needs throttling. Unregistered kinds are never limited.
func New() *Limiter {
	return &Limiter{limiters: make(map[string]*rate.Limiter)}
}

// Register configures callsPerSecond and burst for kind, replacing any
// existing configuration.
func (l *Limiter) Register(kind string, callsPerSecond float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limiters[kind] = rate.NewLimiter(rate.Limit(callsPerSecond), burst)
}

// Wait blocks until a token is available for kind, or ctx is done.
// Unregistered kinds return immediately.
func (l *Limiter) Wait(ctx context.Context, kind string) error {
	lim := l.get(kind)
	if lim == nil {
		return nil
	}
	return lim.Wait(ctx)
}

// Allow reports, without blocking, whether a call for kind may proceed
// right now. Unregistered kinds always allow.
func (l *Limiter) Allow(kind string) bool {
	lim := l.get(kind)
	if lim == nil {
		return true
	}
	return lim.Allow()
}

func (l *Limiter) get(kind string) *rate.Limiter {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limiters[kind]
}
