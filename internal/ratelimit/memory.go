package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket with a configurable refill rate
// (tokens per second) and burst capacity (maximum tokens). A background
// goroutine evicts stale entries every minute to bound memory.
type MemoryLimiter struct {
	rate  float64 // tokens added per second
	burst float64 // maximum tokens (bucket capacity)

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained tokens per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// A background goroutine evicts keys not accessed in the last 10 minutes.
// Call Close to stop it.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// TryAcquire consumes n tokens from the bucket for key if available.
func (m *MemoryLimiter) TryAcquire(_ context.Context, key string, n int) (bool, error) {
	ok, _ := m.take(key, float64(n))
	return ok, nil
}

// Acquire blocks until n tokens are available or ctx is done. The wait is
// computed from the refill rate so the caller sleeps roughly the right
// amount instead of spinning.
func (m *MemoryLimiter) Acquire(ctx context.Context, key string, n int) error {
	need := float64(n)
	for {
		ok, deficit := m.take(key, need)
		if ok {
			return nil
		}
		wait := time.Duration(deficit / m.rate * float64(time.Second))
		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// take consumes n tokens when available, otherwise reports the token deficit.
func (m *MemoryLimiter) take(key string, n float64) (bool, float64) {
	if n > m.burst {
		n = m.burst // a request larger than the bucket can never succeed as-is
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	} else {
		elapsed := now.Sub(b.lastAccess).Seconds()
		b.tokens += elapsed * m.rate
		if b.tokens > m.burst {
			b.tokens = m.burst
		}
		b.lastAccess = now
	}

	if b.tokens < n {
		return false, n - b.tokens
	}
	b.tokens -= n
	return true, 0
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
