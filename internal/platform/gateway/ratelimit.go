// Package gateway implements the submission gateway: the single write
// path through which every case mutation enters the system. Submissions
// are rate limited per domain, persisted as forms, and applied to the
// case store in block order.
package gateway

import (
	"context"
	"sync"
	"time"
)

// LimiterConfig holds per-domain submission rate limiting settings.
type LimiterConfig struct {
	SubmissionsPerSecond float64
	BurstSize            int
	// DefaultMaxWait bounds the wait when the caller does not pick one.
	DefaultMaxWait time.Duration
}

// DefaultLimiterConfig returns the default submission limiter settings.
func DefaultLimiterConfig() LimiterConfig {
	return LimiterConfig{
		SubmissionsPerSecond: 50,
		BurstSize:            100,
		DefaultMaxWait:       15 * time.Second,
	}
}

// tokenBucket implements a token bucket rate limiter.
type tokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	mu         sync.Mutex
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	return &tokenBucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: rate,
		lastRefill: time.Now(),
	}
}

func (b *tokenBucket) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now

	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// nextToken reports how long until one token is available.
func (b *tokenBucket) nextToken() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.refillRate <= 0 {
		return time.Second
	}
	missing := 1 - b.tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / b.refillRate * float64(time.Second))
}

// DomainLimiter holds one token bucket per domain.
type DomainLimiter struct {
	buckets map[string]*tokenBucket
	mu      sync.RWMutex
	config  LimiterConfig
}

func NewDomainLimiter(cfg LimiterConfig) *DomainLimiter {
	return &DomainLimiter{
		buckets: make(map[string]*tokenBucket),
		config:  cfg,
	}
}

func (l *DomainLimiter) bucket(domain string) *tokenBucket {
	l.mu.RLock()
	b, ok := l.buckets[domain]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[domain]; ok {
		return b
	}
	b = newTokenBucket(l.config.SubmissionsPerSecond, l.config.BurstSize)
	l.buckets[domain] = b
	return b
}

// Acquire blocks until the domain has capacity or the wait budget runs
// out. maxWait < 0 fails immediately when no token is available; 0 uses
// the configured default; > 0 bounds the wait explicitly. A false return
// means the caller must not proceed.
func (l *DomainLimiter) Acquire(ctx context.Context, domain string, maxWait time.Duration) bool {
	b := l.bucket(domain)
	if b.allow() {
		return true
	}
	if maxWait < 0 {
		return false
	}
	if maxWait == 0 {
		maxWait = l.config.DefaultMaxWait
	}

	deadline := time.Now().Add(maxWait)
	for {
		wait := b.nextToken()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if remaining := time.Until(deadline); wait > remaining {
			return false
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return false
		case <-timer.C:
		}
		if b.allow() {
			return true
		}
	}
}
