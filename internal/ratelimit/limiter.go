// Package ratelimit provides per-config and per-user token-bucket admission
// for inbound messages, ahead of any agent call.
package ratelimit

import (
	"math"
	"sync"
	"time"
)

const (
	// UserCapacity is the per-(config,user) bucket size.
	UserCapacity = 20
	// ConfigCapacity is the per-config bucket size.
	ConfigCapacity = 60
	// Window is the refill-to-full window for both buckets.
	Window = 60 * time.Second
	// CleanupAge is the bucket idle threshold used by Cleanup.
	CleanupAge = 2 * Window
	minRetryAfter = 1000 * time.Millisecond
)

// Result is the outcome of a Check call.
type Result struct {
	Allowed     bool
	RetryAfter  time.Duration
}

// bucket is a single token bucket, refilled linearly over Window.
type bucket struct {
	tokens     float64
	capacity   float64
	lastRefill time.Time
}

func newBucket(capacity float64) *bucket {
	return &bucket{tokens: capacity, capacity: capacity, lastRefill: time.Now()}
}

// refill tops the bucket up by elapsed/window*capacity, clamped to capacity.
// Caller must hold the limiter lock.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed.Seconds() / Window.Seconds() * b.capacity
	if b.tokens > b.capacity {
		b.tokens = b.capacity
	}
	b.lastRefill = now
}

func (b *bucket) retryAfter() time.Duration {
	windowMs := float64(Window / time.Millisecond)
	needMs := math.Ceil((1 - b.tokens) / b.capacity * windowMs)
	d := time.Duration(needMs) * time.Millisecond
	if d < minRetryAfter {
		return minRetryAfter
	}
	return d
}

// Limiter holds the per-config and per-(config,user) bucket maps. Safe for
// concurrent use; Check and Cleanup serialize on a single mutex, matching the
// teacher's low-contention single-lock idiom.
type Limiter struct {
	mu       sync.Mutex
	perUser  map[string]*bucket // key: config|user
	perConfig map[string]*bucket // key: config
}

// New creates an empty Limiter.
func New() *Limiter {
	return &Limiter{
		perUser:   make(map[string]*bucket),
		perConfig: make(map[string]*bucket),
	}
}

func userKey(configID, userID string) string { return configID + "|" + userID }

// Check applies the two-bucket admission rule from SPEC_FULL.md §4.1: refill
// both buckets, fail closed if either has under 1 token, otherwise decrement
// both and allow.
func (l *Limiter) Check(configID, userID string) Result {
	now := time.Now()
	l.mu.Lock()
	defer l.mu.Unlock()

	uk := userKey(configID, userID)
	ub, ok := l.perUser[uk]
	if !ok {
		ub = newBucket(UserCapacity)
		l.perUser[uk] = ub
	}
	cb, ok := l.perConfig[configID]
	if !ok {
		cb = newBucket(ConfigCapacity)
		l.perConfig[configID] = cb
	}

	ub.refill(now)
	cb.refill(now)

	if ub.tokens < 1 || cb.tokens < 1 {
		retry := ub.retryAfter()
		if cbRetry := cb.retryAfter(); cbRetry > retry {
			retry = cbRetry
		}
		return Result{Allowed: false, RetryAfter: retry}
	}

	ub.tokens--
	cb.tokens--
	return Result{Allowed: true}
}

// Cleanup removes any bucket whose lastRefill predates 2x the window, to
// bound memory for abandoned (config,user) pairs.
func (l *Limiter) Cleanup() {
	cutoff := time.Now().Add(-CleanupAge)
	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.perUser {
		if b.lastRefill.Before(cutoff) {
			delete(l.perUser, k)
		}
	}
	for k, b := range l.perConfig {
		if b.lastRefill.Before(cutoff) {
			delete(l.perConfig, k)
		}
	}
}

// bucketCount reports current sizes, used by tests.
func (l *Limiter) bucketCount() (users, configs int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.perUser), len(l.perConfig)
}
