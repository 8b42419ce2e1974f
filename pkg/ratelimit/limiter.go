// Package ratelimit bounds how many requests a single client may start per window.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Decision is the outcome of an admission check
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// Limiter admits or denies a request for a client key.
type Limiter interface {
	Admit(ctx context.Context, clientKey string) (Decision, error)
}

// Config describes the admission budget: at most Limit requests in any Window.
type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = 20
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	return c
}

// bucket keeps the admission timestamps of one client inside the current window, oldest first.
type bucket struct {
	hits []time.Time
}

// MemoryLimiter is a sliding-window log limiter. Because it keeps the exact admission
// instants, no rolling window of Config.Window ever contains more than Config.Limit
// admitted requests. Buckets idle for a full window are purged on access and
// reclaimed by the go-cache janitor.
type MemoryLimiter struct {
	mu      sync.Mutex
	cfg     Config
	buckets *cache.Cache
	now     func() time.Time
}

type Option func(*MemoryLimiter)

// WithClock replaces the wall clock, used by tests to simulate time.
func WithClock(now func() time.Time) Option {
	return func(l *MemoryLimiter) { l.now = now }
}

func NewMemoryLimiter(cfg Config, opts ...Option) *MemoryLimiter {
	cfg = cfg.withDefaults()
	l := &MemoryLimiter{
		cfg:     cfg,
		buckets: cache.New(cache.NoExpiration, cfg.Window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit records a request for clientKey if the budget allows it. A denied request is not recorded.
func (l *MemoryLimiter) Admit(_ context.Context, clientKey string) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b := l.bucketLocked(clientKey)
	b.hits = pruneBefore(b.hits, now.Add(-l.cfg.Window))

	if len(b.hits) >= l.cfg.Limit {
		// the oldest hit leaves the window first
		retry := b.hits[0].Add(l.cfg.Window).Sub(now)
		if retry <= 0 {
			retry = time.Millisecond
		}
		return Decision{Allowed: false, RetryAfter: retry}, nil
	}

	b.hits = append(b.hits, now)
	l.buckets.Set(clientKey, b, l.cfg.Window)
	return Decision{Allowed: true}, nil
}

// Purge drops buckets with no hit inside the window and reports how many were dropped.
func (l *MemoryLimiter) Purge() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.cfg.Window)
	purged := 0
	for key, item := range l.buckets.Items() {
		b := item.Object.(*bucket)
		b.hits = pruneBefore(b.hits, cutoff)
		if len(b.hits) == 0 {
			l.buckets.Delete(key)
			purged++
		}
	}
	return purged
}

// Len reports the number of client buckets currently held.
func (l *MemoryLimiter) Len() int {
	return l.buckets.ItemCount()
}

func (l *MemoryLimiter) bucketLocked(key string) *bucket {
	if x, found := l.buckets.Get(key); found {
		return x.(*bucket)
	}
	return &bucket{}
}

// pruneBefore drops hits at or before cutoff. hits must be sorted ascending.
func pruneBefore(hits []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(hits) && !hits[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return hits
	}
	return append(hits[:0], hits[i:]...)
}
