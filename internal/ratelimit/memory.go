package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryLimiter is the per-instance fallback when no distributed store is
// configured. Each instance keeps its own buckets, so the effective global
// limit becomes limit x instance_count.
type MemoryLimiter struct {
	cfg Config

	mu      sync.Mutex
	buckets map[string]*memBucket
	nowFn   func() time.Time
}

type memBucket struct {
	tokens       float64
	last         time.Time
	blockedUntil time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*memBucket),
		nowFn:   time.Now,
	}
}

func (l *MemoryLimiter) Allow(route, addr string) (Decision, error) {
	key := route + ":" + addr
	now := l.nowFn()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &memBucket{tokens: float64(l.cfg.CapacityPerMinute), last: now}
		l.buckets[key] = b
	}

	if now.Before(b.blockedUntil) {
		// Blocked: no refill accounting, just the remaining wait.
		retry := b.blockedUntil.Sub(now)
		return Decision{Allowed: false, RetryAfter: ceilSeconds(retry)}, nil
	}

	capacity := float64(l.cfg.CapacityPerMinute)
	elapsed := now.Sub(b.last)
	if elapsed > 0 {
		b.tokens += elapsed.Seconds() / 60.0 * capacity
		if b.tokens > capacity {
			b.tokens = capacity
		}
	}
	b.last = now

	if b.tokens >= 1 {
		b.tokens--
		return Decision{Allowed: true}, nil
	}

	b.blockedUntil = now.Add(l.cfg.BlockFor)
	return Decision{Allowed: false, RetryAfter: ceilSeconds(l.cfg.BlockFor)}, nil
}

// StartSweeper prunes idle buckets periodically until ctx is cancelled.
func (l *MemoryLimiter) StartSweeper(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				n := l.sweep()
				if n > 0 {
					slog.Debug("rate limiter swept stale buckets", "count", n)
				}
			}
		}
	}()
}

func (l *MemoryLimiter) sweep() int {
	now := l.nowFn()
	idle := l.cfg.BlockFor + 2*time.Minute

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for k, b := range l.buckets {
		if now.Sub(b.last) > idle && now.After(b.blockedUntil) {
			delete(l.buckets, k)
			removed++
		}
	}
	return removed
}

func ceilSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	secs := (d + time.Second - 1) / time.Second
	return secs * time.Second
}
