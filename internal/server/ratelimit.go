package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const limiterIdleEviction = 10 * time.Minute

type principalLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter keeps one token bucket per principal. The principal is the
// API key when the request carries one, otherwise the client IP, so
// authenticated clients are not lumped together behind a shared proxy.
type rateLimiter struct {
	rps   float64
	burst int

	mu         sync.Mutex
	principals map[string]*principalLimiter
	lastSweep  time.Time
}

func newRateLimiter(rps float64, burst int) *rateLimiter {
	return &rateLimiter{
		rps:        rps,
		burst:      burst,
		principals: make(map[string]*principalLimiter),
		lastSweep:  time.Now(),
	}
}

// Allow reports whether the request's principal has a token available.
func (rl *rateLimiter) Allow(r *http.Request) bool {
	principal := r.Header.Get("X-API-Key")
	if principal == "" {
		principal = clientIP(r)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.lastSweep) > limiterIdleEviction {
		for key, pl := range rl.principals {
			if now.Sub(pl.lastSeen) > limiterIdleEviction {
				delete(rl.principals, key)
			}
		}
		rl.lastSweep = now
	}

	pl, ok := rl.principals[principal]
	if !ok {
		pl = &principalLimiter{limiter: rate.NewLimiter(rate.Limit(rl.rps), rl.burst)}
		rl.principals[principal] = pl
	}
	pl.lastSeen = now

	return pl.limiter.Allow()
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
