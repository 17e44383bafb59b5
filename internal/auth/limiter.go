package auth

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterPruneThreshold is the number of tracked addresses above which
// idle limiters are dropped.
const limiterPruneThreshold = 1000

// LoginLimiter throttles login attempts per remote address with a token
// bucket refilled at perMinute and a burst of the same size.
type LoginLimiter struct {
	mu       sync.Mutex
	limiters map[string]*entry
	limit    rate.Limit
	burst    int
	now      func() time.Time
}

type entry struct {
	lim  *rate.Limiter
	seen time.Time
}

// NewLoginLimiter returns a limiter allowing perMinute attempts per address.
func NewLoginLimiter(perMinute int) *LoginLimiter {
	if perMinute < 1 {
		perMinute = 1
	}

	return &LoginLimiter{
		limiters: make(map[string]*entry),
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		now:      time.Now,
	}
}

// Allow reports whether another attempt from ip may proceed now.
func (l *LoginLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.limiters) > limiterPruneThreshold {
		for k, e := range l.limiters {
			if now.Sub(e.seen) > time.Minute {
				delete(l.limiters, k)
			}
		}
	}

	e, ok := l.limiters[ip]
	if !ok {
		e = &entry{lim: rate.NewLimiter(l.limit, l.burst)}
		l.limiters[ip] = e
	}

	e.seen = now

	return e.lim.AllowN(now, 1)
}
