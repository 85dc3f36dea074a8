package httpapi

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdle    = 3 * time.Minute
	limiterMaxIdle = 10000
)

type visitor struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per client address. A non-positive rps
// disables it.
type rateLimiter struct {
	mu       sync.Mutex
	rps      rate.Limit
	burst    int
	visitors map[string]*visitor // key: ip
	now      func() time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &rateLimiter{
		rps:      rate.Limit(rps),
		burst:    burst,
		visitors: make(map[string]*visitor),
		now:      time.Now,
	}
}

func (rl *rateLimiter) Allow(key string) bool {
	if rl.rps <= 0 {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	v, ok := rl.visitors[key]
	if !ok {
		if len(rl.visitors) >= limiterMaxIdle {
			rl.sweep(now)
		}
		v = &visitor{lim: rate.NewLimiter(rl.rps, rl.burst)}
		rl.visitors[key] = v
	}
	v.lastSeen = now
	return v.lim.AllowN(now, 1)
}

func (rl *rateLimiter) sweep(now time.Time) {
	for k, v := range rl.visitors {
		if now.Sub(v.lastSeen) > limiterIdle {
			delete(rl.visitors, k)
		}
	}
}
