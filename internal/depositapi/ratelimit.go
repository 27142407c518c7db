package depositapi

import (
	"net/http"
	"net/netip"
	"strings"
	"sync"
	"time"
)

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// socket peer.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}

	remote := strings.TrimSpace(r.RemoteAddr)
	if ap, err := netip.ParseAddrPort(remote); err == nil {
		return ap.Addr().String()
	}
	if a, err := netip.ParseAddr(strings.Trim(remote, "[]")); err == nil {
		return a.String()
	}
	if remote == "" {
		return "unknown"
	}
	return remote
}

type bucket struct {
	tokens float64
	last   time.Time
}

// ipRateLimiter is a token bucket per client IP. When the table is full the
// least recently seen IP is dropped.
type ipRateLimiter struct {
	mu sync.Mutex

	rate    float64
	burst   float64
	maxIPs  int
	buckets map[string]bucket
}

func newIPRateLimiter(rate, burst float64, maxIPs int) *ipRateLimiter {
	return &ipRateLimiter{
		rate:    rate,
		burst:   burst,
		maxIPs:  maxIPs,
		buckets: make(map[string]bucket),
	}
}

func (l *ipRateLimiter) Allow(ip string, now time.Time) bool {
	if ip == "" {
		ip = "unknown"
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		if len(l.buckets) >= l.maxIPs {
			l.evictStalest()
		}
		b = bucket{tokens: l.burst, last: now}
	}
	if dt := now.Sub(b.last).Seconds(); dt > 0 {
		b.tokens = min(l.burst, b.tokens+dt*l.rate)
	}
	b.last = now

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	l.buckets[ip] = b
	return allowed
}

func (l *ipRateLimiter) evictStalest() {
	var (
		stalest string
		at      time.Time
	)
	for ip, b := range l.buckets {
		if stalest == "" || b.last.Before(at) {
			stalest, at = ip, b.last
		}
	}
	delete(l.buckets, stalest)
}
