package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleTTL = 10 * time.Minute

// phoneLimiter hands out one token bucket per destination phone.
type phoneLimiter struct {
	limit rate.Limit
	burst int
	now   func() time.Time

	mu       sync.Mutex
	limiters map[string]*limiterEntry
	swept    time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newPhoneLimiter returns nil when perSecond is not positive, which disables
// limiting.
func newPhoneLimiter(perSecond float64, burst int, now func() time.Time) *phoneLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	if now == nil {
		now = time.Now
	}
	return &phoneLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		now:      now,
		limiters: make(map[string]*limiterEntry),
	}
}

// Allow reports whether a send to phone may proceed now.
func (l *phoneLimiter) Allow(phone string) bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.sweep(now)
	entry, ok := l.limiters[phone]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[phone] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *phoneLimiter) sweep(now time.Time) {
	if now.Sub(l.swept) < limiterIdleTTL {
		return
	}
	l.swept = now
	for phone, entry := range l.limiters {
		if now.Sub(entry.lastSeen) >= limiterIdleTTL {
			delete(l.limiters, phone)
		}
	}
}
