package internal

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// throttle is a per-client token bucket. Buckets idle past the ttl are
// dropped on the next request so the map stays bounded.
type throttle struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	ttl     time.Duration
	now     func() time.Time
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// NewRateLimitHandler wraps next with a per-client token bucket keyed by
// caller IP. A zero rps disables limiting.
func NewRateLimitHandler(next http.Handler, rps int64, burst int64, ttl time.Duration) http.Handler {
	if rps <= 0 {
		return next
	}
	limiter := newThrottle(rps, burst, ttl)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.allow(clientIP(r)) {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func newThrottle(rps, burst int64, ttl time.Duration) *throttle {
	limiter := &throttle{
		buckets: make(map[string]*bucket),
		rate:    float64(rps),
		burst:   float64(burst),
		ttl:     ttl,
		now:     time.Now,
	}
	if limiter.burst < 1 {
		limiter.burst = limiter.rate
	}
	if limiter.burst < 1 {
		limiter.burst = 1
	}
	return limiter
}

func (t *throttle) allow(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.pruneLocked(now)

	b, ok := t.buckets[key]
	if !ok {
		t.buckets[key] = &bucket{tokens: t.burst - 1, seen: now}
		return true
	}

	b.tokens += now.Sub(b.seen).Seconds() * t.rate
	if b.tokens > t.burst {
		b.tokens = t.burst
	}
	b.seen = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

func (t *throttle) pruneLocked(now time.Time) {
	if t.ttl <= 0 {
		return
	}
	for key, b := range t.buckets {
		if now.Sub(b.seen) > t.ttl {
			delete(t.buckets, key)
		}
	}
}

func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-Ip"); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
