// Package ratelimit provides per-actor token buckets for the mutating
// dispatch operations. Buckets are keyed by an opaque string (cleaner id,
// customer id, endpoint name) and evicted after a period of inactivity.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/brighthome/dispatch/errors"
)

const (
	// DefaultPerMinute is the default sustained rate for one key.
	DefaultPerMinute = 60

	// DefaultBurst is the default bucket depth.
	DefaultBurst = 10

	// idleEviction is how long an untouched bucket survives.
	idleEviction = 10 * time.Minute

	janitorInterval = time.Minute
)

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter is a set of keyed token buckets sharing one rate.
type Limiter struct {
	perMinute int
	burst     int

	mu      sync.Mutex
	buckets map[string]*bucket
	timeNow func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// New creates a limiter allowing perMinute sustained calls with the given
// burst per key, and starts the eviction janitor.
func New(perMinute, burst int) *Limiter {
	if perMinute <= 0 {
		perMinute = DefaultPerMinute
	}
	if burst <= 0 {
		burst = DefaultBurst
	}
	l := &Limiter{
		perMinute: perMinute,
		burst:     burst,
		buckets:   make(map[string]*bucket),
		timeNow:   time.Now,
		done:      make(chan struct{}),
	}
	go l.janitor()
	return l
}

// Allow consumes one token from the key's bucket. An empty bucket yields
// ErrRateLimited.
func (l *Limiter) Allow(key string) error {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.burst),
		}
		l.buckets[key] = b
	}
	b.lastSeen = l.timeNow()
	l.mu.Unlock()

	if !b.limiter.Allow() {
		return errors.Wrapf(errors.ErrRateLimited,
			"key %s exceeds %d calls per minute", key, l.perMinute)
	}
	return nil
}

// Keys returns the number of live buckets.
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

func (l *Limiter) janitor() {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.evictIdle()
		}
	}
}

func (l *Limiter) evictIdle() {
	cutoff := l.timeNow().Add(-idleEviction)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

// Close stops the janitor. Buckets remain usable afterwards.
func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
	})
}
