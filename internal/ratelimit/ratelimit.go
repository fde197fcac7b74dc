package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     int
	capacity   int
	rate       int // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity.
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		rate:       rate,
		lastRefill: time.Now(),
	}
}

// Allow checks if a request can be allowed and consumes a token if available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)

	tokensToAdd := int(elapsed.Seconds() * float64(tb.rate))
	if tokensToAdd > 0 {
		tb.tokens += tokensToAdd
		if tb.tokens > tb.capacity {
			tb.tokens = tb.capacity
		}
		tb.lastRefill = now
	}

	if tb.tokens > 0 {
		tb.tokens--
		return true
	}

	return false
}

// idle reports whether the bucket has refilled back to capacity, meaning
// its client has not connected for a while.
func (tb *TokenBucket) idle() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	elapsed := time.Since(tb.lastRefill)
	tokens := tb.tokens + int(elapsed.Seconds()*float64(tb.rate))
	return tokens >= tb.capacity
}

// ConnLimiter throttles incoming session starts. Every accepted session
// spawns or occupies a language server process, so a connection storm
// translates directly into a JVM storm; the limiter caps that globally and
// per client address. A zero rate disables the corresponding limit.
type ConnLimiter struct {
	mu        sync.Mutex
	global    *TokenBucket
	perClient map[string]*TokenBucket
	rate      int
	burst     int
}

// NewConnLimiter creates a connection limiter. globalRate bounds session
// starts per second across all clients, perClientRate per remote address;
// burst is the bucket capacity for both.
func NewConnLimiter(globalRate, perClientRate, burst int) *ConnLimiter {
	l := &ConnLimiter{
		perClient: make(map[string]*TokenBucket),
		rate:      perClientRate,
		burst:     burst,
	}
	if globalRate > 0 {
		l.global = NewTokenBucket(globalRate, burst)
	}
	return l
}

// Allow reports whether a session from the given client address may start.
func (l *ConnLimiter) Allow(clientAddr string) bool {
	if l.global != nil && !l.global.Allow() {
		return false
	}
	if l.rate > 0 {
		l.mu.Lock()
		bucket, exists := l.perClient[clientAddr]
		if !exists {
			bucket = NewTokenBucket(l.rate, l.burst)
			l.perClient[clientAddr] = bucket
		}
		l.mu.Unlock()

		if !bucket.Allow() {
			return false
		}
	}
	return true
}

// Prune drops per-client buckets that are full again, so the map does not
// grow without bound across many short-lived clients.
func (l *ConnLimiter) Prune() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for addr, bucket := range l.perClient {
		if bucket.idle() {
			delete(l.perClient, addr)
		}
	}
}
