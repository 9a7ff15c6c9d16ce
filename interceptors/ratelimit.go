package interceptors

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const pruneThreshold = 1024

// AgentRateLimiter keeps one token bucket per key
type AgentRateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration

	mu       sync.Mutex
	limiters map[string]*limiterEntry
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewAgentRateLimiter allows perSecond messages per agent with the given burst
func NewAgentRateLimiter(perSecond float64, burst int) *AgentRateLimiter {
	return &AgentRateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     10 * time.Minute,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow implements RateLimiter
func (l *AgentRateLimiter) Allow(_ context.Context, key string) error {
	now := time.Now()

	l.mu.Lock()
	entry, ok := l.limiters[key]
	if !ok {
		if len(l.limiters) >= pruneThreshold {
			l.prune(now)
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[key] = entry
	}
	entry.lastSeen = now
	allowed := entry.limiter.AllowN(now, 1)
	l.mu.Unlock()

	if !allowed {
		return ErrRateLimited
	}
	return nil
}

// Prune drops buckets of keys idle for longer than the idle window
func (l *AgentRateLimiter) Prune(now time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prune(now)
}

func (l *AgentRateLimiter) prune(now time.Time) int {
	removed := 0
	for key, entry := range l.limiters {
		if now.Sub(entry.lastSeen) > l.idle {
			delete(l.limiters, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked keys
func (l *AgentRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
