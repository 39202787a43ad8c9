package api

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IPRateLimiter provides IP-based token-bucket rate limiting. Each remote
// IP gets its own bucket; buckets idle longer than idleTTL are purged once
// the map grows past maxVisitors.
type IPRateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor

	r           rate.Limit
	b           int
	idleTTL     time.Duration
	maxVisitors int
	now         func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIPRateLimiter allows requests per `per` with the given burst. A
// non-positive request count disables limiting.
func NewIPRateLimiter(requests int, per time.Duration, burst int) *IPRateLimiter {
	limit := rate.Inf
	if requests > 0 && per > 0 {
		limit = rate.Limit(float64(requests) / per.Seconds())
	}
	if burst < 1 {
		burst = 1
	}
	return &IPRateLimiter{
		visitors:    make(map[string]*visitor),
		r:           limit,
		b:           burst,
		idleTTL:     10 * time.Minute,
		maxVisitors: 1000,
		now:         time.Now,
	}
}

// Allow reports whether a request from remoteAddr (host:port) may proceed.
func (rl *IPRateLimiter) Allow(remoteAddr string) bool {
	ip, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		ip = remoteAddr
	}

	rl.mu.Lock()
	now := rl.now()
	v, ok := rl.visitors[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.r, rl.b)}
		rl.visitors[ip] = v
	}
	v.lastSeen = now

	if len(rl.visitors) > rl.maxVisitors {
		rl.purge(now)
	}
	lim := v.limiter
	rl.mu.Unlock()

	return lim.AllowN(now, 1)
}

// Len returns the number of tracked visitors.
func (rl *IPRateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.visitors)
}

func (rl *IPRateLimiter) purge(now time.Time) {
	cutoff := now.Add(-rl.idleTTL)
	for k, v := range rl.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(rl.visitors, k)
		}
	}
}
