package realtime

import (
	"sync"
	"time"
)

// Limiter enforces a fixed-window message budget per key (session ID).
// The window resets fully when it elapses; there is no sliding credit.
type Limiter struct {
	max    int
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	start time.Time
	count int
}

// NewLimiter creates a limiter allowing max messages per window.
// A max of 0 disables limiting.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     max,
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow records one message for the key and reports whether it fits the
// current window.
func (l *Limiter) Allow(key string) bool {
	if l.max <= 0 {
		return true
	}

	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok || now.Sub(b.start) >= l.window {
		l.buckets[key] = &bucket{start: now, count: 1}
		return true
	}

	b.count++
	return b.count <= l.max
}

// Forget drops a key's bucket; called when its session disconnects.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
