package api

import (
	"net/http"
	"strings"
	"sync"
	"time"
)

// rateLimiter is a fixed-window token bucket per client IP
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	maxRate  int
	interval time.Duration
	now      func() time.Time
}

type bucket struct {
	tokens     int
	lastRefill time.Time
}

func newRateLimiter(maxRate int, interval time.Duration) *rateLimiter {
	return &rateLimiter{
		buckets:  make(map[string]*bucket),
		maxRate:  maxRate,
		interval: interval,
		now:      time.Now,
	}
}

// Allow consumes one token of ip; a non-positive maxRate disables limiting
func (rl *rateLimiter) Allow(ip string) bool {
	if rl.maxRate <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[ip]
	if !exists {
		b = &bucket{tokens: rl.maxRate, lastRefill: now}
		rl.buckets[ip] = b
	}

	if now.Sub(b.lastRefill) >= rl.interval {
		b.tokens = rl.maxRate
		b.lastRefill = now
	}

	if b.tokens > 0 {
		b.tokens--
		return true
	}
	return false
}

// cleanup forgets buckets idle for more than an hour
func (rl *rateLimiter) cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastRefill) > time.Hour {
			delete(rl.buckets, ip)
		}
	}
}

func extractIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		return strings.TrimSpace(parts[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	ip := r.RemoteAddr
	if idx := strings.LastIndex(ip, ":"); idx != -1 {
		ip = ip[:idx]
	}
	return ip
}
