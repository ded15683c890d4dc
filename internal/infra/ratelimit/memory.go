package ratelimit

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"imgate/internal/domain"
)

var ErrCapacityExceeded = errors.New("rate limiter capacity exceeded")

// MemoryLimiter is a fixed-window limiter scoped to one process. Buckets
// leave the table in window-end order, so a full table only rejects new
// keys while every tracked window is still open.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	buckets map[string]*window
	expiry  expiryQueue
	maxKeys int
}

type window struct {
	key   string
	count int
	end   time.Time
	index int
}

type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 10000
	}
	return &MemoryLimiter{
		now:     cfg.Now,
		buckets: make(map[string]*window),
		maxKeys: cfg.MaxKeys,
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, span time.Duration) (domain.RateLimitDecision, error) {
	if limit <= 0 {
		return domain.RateLimitDecision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.expire(now)
	w, ok := m.buckets[key]
	if !ok {
		if len(m.buckets) >= m.maxKeys {
			return domain.RateLimitDecision{}, ErrCapacityExceeded
		}
		w = &window{key: key, end: now.Add(span)}
		m.buckets[key] = w
		heap.Push(&m.expiry, w)
	}

	decision := domain.RateLimitDecision{Limit: limit, ResetAt: w.end}
	if w.count < limit {
		w.count++
		decision.Allowed = true
		decision.Remaining = limit - w.count
	}
	return decision, nil
}

// Len reports how many keys hold an open window.
func (m *MemoryLimiter) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expire(m.now())
	return len(m.buckets)
}

func (m *MemoryLimiter) expire(now time.Time) {
	for len(m.expiry) > 0 && !now.Before(m.expiry[0].end) {
		w := heap.Pop(&m.expiry).(*window)
		delete(m.buckets, w.key)
	}
}

// expiryQueue is a min-heap of windows by end time.
type expiryQueue []*window

func (q expiryQueue) Len() int           { return len(q) }
func (q expiryQueue) Less(i, j int) bool { return q[i].end.Before(q[j].end) }

func (q expiryQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *expiryQueue) Push(x any) {
	w := x.(*window)
	w.index = len(*q)
	*q = append(*q, w)
}

func (q *expiryQueue) Pop() any {
	old := *q
	n := len(old)
	w := old[n-1]
	old[n-1] = nil
	w.index = -1
	*q = old[:n-1]
	return w
}
