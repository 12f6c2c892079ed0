package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket implements a token bucket rate limiter
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a new token bucket with the given rate and capacity
func NewTokenBucket(rate, capacity int) *TokenBucket {
	return newTokenBucket(rate, capacity, time.Now)
}

func newTokenBucket(rate, capacity int, now func() time.Time) *TokenBucket {
	if capacity < 1 {
		capacity = 1
	}
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       float64(rate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes a token if one is available.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := tb.now()
	tb.tokens += now.Sub(tb.lastRefill).Seconds() * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now

	if tb.tokens >= 1 {
		tb.tokens--
		return true
	}
	return false
}

func (tb *TokenBucket) idleSince() time.Time {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return tb.lastRefill
}

// Limiter gates tunnel connection attempts and proxied public requests per
// remote key (normally the client IP). A rate of 0 disables that limit.
type Limiter struct {
	mu          sync.Mutex
	connBuckets map[string]*TokenBucket
	reqBuckets  map[string]*TokenBucket
	connRate    int
	reqRate     int
	burstSize   int
	now         func() time.Time
}

// New creates a limiter. connRate and reqRate are tokens per second per key.
func New(connRate, reqRate, burstSize int) *Limiter {
	return &Limiter{
		connBuckets: make(map[string]*TokenBucket),
		reqBuckets:  make(map[string]*TokenBucket),
		connRate:    connRate,
		reqRate:     reqRate,
		burstSize:   burstSize,
		now:         time.Now,
	}
}

// AllowConnection checks a tunnel connection attempt from key.
func (l *Limiter) AllowConnection(key string) bool {
	if l == nil || l.connRate <= 0 {
		return true
	}
	return l.bucket(l.connBuckets, key, l.connRate).Allow()
}

// AllowRequest checks a public request from key.
func (l *Limiter) AllowRequest(key string) bool {
	if l == nil || l.reqRate <= 0 {
		return true
	}
	return l.bucket(l.reqBuckets, key, l.reqRate).Allow()
}

func (l *Limiter) bucket(m map[string]*TokenBucket, key string, rate int) *TokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := m[key]
	if !ok {
		b = newTokenBucket(rate, l.burstSize, l.now)
		m[key] = b
	}
	return b
}

// Sweep drops buckets that have not been touched for maxIdle and returns how
// many were removed.
func (l *Limiter) Sweep(maxIdle time.Duration) int {
	if l == nil {
		return 0
	}
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for _, m := range []map[string]*TokenBucket{l.connBuckets, l.reqBuckets} {
		for key, b := range m {
			if b.idleSince().Before(cutoff) {
				delete(m, key)
				removed++
			}
		}
	}
	return removed
}
