// Package ratelimit paces work per key, typically outbound SMS per
// destination number.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration.
type Config struct {
	// PerSecond is the sustained rate per key. Zero or less disables limiting.
	PerSecond float64
	// Burst is the number of events allowed at once. Defaults to 1.
	Burst int
}

// Limiter holds one token bucket per key.
type Limiter struct {
	config  Config
	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

func NewLimiter(config Config) *Limiter {
	if config.Burst <= 0 {
		config.Burst = 1
	}
	return &Limiter{config: config, buckets: make(map[string]*bucket)}
}

// Enabled reports whether the limiter paces anything.
func (l *Limiter) Enabled() bool {
	return l.config.PerSecond > 0
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.config.PerSecond), l.config.Burst)}
		l.buckets[key] = b
	}
	b.lastUsed = time.Now()
	return b.limiter
}

// Wait blocks until an event for key may happen or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if !l.Enabled() {
		return nil
	}
	return l.get(key).Wait(ctx)
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup drops buckets unused for longer than maxAge.
func (l *Limiter) Cleanup(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
