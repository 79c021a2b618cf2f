// Package ratelimit implements the token-bucket limiter PutPassport needs:
// unprivileged peers may submit passport updates, but a misbehaving or
// compromised peer cannot flood the validator with chain rewrites. The
// bucket is keyed by the peer's authenticated Noise static public key.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter keyed by an arbitrary string (the
// hex-encoded peer static public key, in practice).
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	refill   time.Duration
	cleanup  time.Duration

	lastCleanup time.Time
	now         func() time.Time
}

type bucket struct {
	tokens   int
	lastSeen time.Time
}

// Config holds Limiter construction parameters.
type Config struct {
	Capacity int           // maximum tokens (requests) per bucket
	Refill   time.Duration // time to refill one token
	Cleanup  time.Duration // how often stale buckets are swept
}

// New creates a Limiter. Zero-valued fields in config fall back to
// constants.DefaultPutPassportBucketCapacity / DefaultPutPassportRefill and
// a 10-minute cleanup sweep.
func New(config Config) *Limiter {
	if config.Capacity <= 0 {
		config.Capacity = 8
	}
	if config.Refill <= 0 {
		config.Refill = 30 * time.Second
	}
	if config.Cleanup <= 0 {
		config.Cleanup = 10 * time.Minute
	}
	return &Limiter{
		buckets:     make(map[string]*bucket),
		capacity:    config.Capacity,
		refill:      config.Refill,
		cleanup:     config.Cleanup,
		lastCleanup: time.Now(),
		now:         time.Now,
	}
}

// Allow reports whether a request from key should proceed, consuming one
// token if so. A caller whose request is refused should drop it and
// increment a counter; refusal is resource exhaustion, not a protocol
// violation, so it must never close the connection.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastCleanup) > l.cleanup {
		l.sweep(now)
		l.lastCleanup = now
	}

	b, exists := l.buckets[key]
	if !exists {
		l.buckets[key] = &bucket{tokens: l.capacity - 1, lastSeen: now}
		return true
	}

	elapsed := now.Sub(b.lastSeen)
	tokensToAdd := int(elapsed / l.refill)
	if tokensToAdd > 0 {
		b.tokens += tokensToAdd
		// Advance lastSeen only by the time actually spent on the tokens
		// just credited, so a sub-refill remainder carries over to the
		// next call instead of being reset to zero.
		b.lastSeen = b.lastSeen.Add(time.Duration(tokensToAdd) * l.refill)
		if b.tokens > l.capacity {
			b.tokens = l.capacity
			b.lastSeen = now
		}
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// Reset clears any accumulated state for key, e.g. after the peer's
// passport has legitimately grown by many blocks via an offline bulk sync.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-1 * time.Hour)
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
