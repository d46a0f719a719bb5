// Package ratelimit keeps one token bucket per client key in process memory.
// Buckets are not shared between replicas.
package ratelimit

import (
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// Result is the outcome of one Allow call.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// Limiter hands out a bucket refilling at perMinute/60 tokens per second and
// holding at most burst tokens to each key.
type Limiter struct {
	mu      sync.Mutex
	buckets *gocache.Cache
	every   rate.Limit
	burst   int
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New builds a limiter. Buckets untouched for idleTTL are evicted.
func New(perMinute, burst int, idleTTL time.Duration, opts ...Option) *Limiter {
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	l := &Limiter{
		buckets: gocache.New(idleTTL, idleTTL),
		every:   rate.Limit(float64(perMinute) / 60),
		burst:   burst,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow takes one token from key's bucket if one is available.
func (l *Limiter) Allow(key string) Result {
	now := l.now()
	bucket := l.bucket(key)

	res := bucket.ReserveN(now, 1)
	if !res.OK() {
		return Result{Limit: l.burst, RetryAfter: time.Minute}
	}
	if delay := res.DelayFrom(now); delay > 0 {
		res.CancelAt(now)
		return Result{Limit: l.burst, RetryAfter: delay}
	}
	remaining := int(bucket.TokensAt(now))
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: l.burst, Remaining: remaining}
}

// bucket returns key's limiter and pushes back its idle expiry.
func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if v, ok := l.buckets.Get(key); ok {
		lim := v.(*rate.Limiter)
		l.buckets.SetDefault(key, lim)
		return lim
	}
	lim := rate.NewLimiter(l.every, l.burst)
	l.buckets.SetDefault(key, lim)
	return lim
}
