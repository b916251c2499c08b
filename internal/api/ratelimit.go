package api

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RateLimiter implements a token bucket per client IP. Buckets refill at
// rate tokens per second up to burst.
type RateLimiter struct {
	requests       map[string]*bucket
	mu             sync.Mutex
	rate           float64
	burst          float64
	idleAfter      time.Duration // buckets untouched this long are dropped
	maxCacheSize   int           // maximum number of IPs to track
	trustForwarded bool          // whether to trust X-Forwarded-For header
	now            func() time.Time
	stop           chan struct{}
	stopOnce       sync.Once
}

type bucket struct {
	tokens   float64
	lastSeen time.Time
}

// NewRateLimiter returns nil when perSec is not positive; a nil limiter
// lets every request through.
func NewRateLimiter(perSec float64, burst int) *RateLimiter {
	if perSec <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	idle := time.Duration(float64(burst)/perSec*float64(time.Second)) * 2
	if idle < time.Minute {
		idle = time.Minute
	}
	rl := &RateLimiter{
		requests:     make(map[string]*bucket),
		rate:         perSec,
		burst:        float64(burst),
		idleAfter:    idle,
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}

	go rl.cleanup()

	return rl
}

// Allow takes one token from ip's bucket if one is available.
func (rl *RateLimiter) Allow(ip string) bool {
	if rl == nil {
		return true
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.requests[ip]
	if !exists {
		if len(rl.requests) >= rl.maxCacheSize {
			rl.evictIdle(now)
		}
		rl.requests[ip] = &bucket{tokens: rl.burst - 1, lastSeen: now}
		return true
	}

	b.tokens += now.Sub(b.lastSeen).Seconds() * rl.rate
	if b.tokens > rl.burst {
		b.tokens = rl.burst
	}
	b.lastSeen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// evictIdle drops idle buckets, then a tenth of the rest if still full.
func (rl *RateLimiter) evictIdle(now time.Time) {
	for ip, b := range rl.requests {
		if now.Sub(b.lastSeen) > rl.idleAfter {
			delete(rl.requests, ip)
		}
	}

	if len(rl.requests) >= rl.maxCacheSize {
		toRemove := len(rl.requests) / 10
		removed := 0
		for ip := range rl.requests {
			delete(rl.requests, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(rl.clientIP(r)) {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Rate limit exceeded. Please try again later.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Close stops the cleanup goroutine.
func (rl *RateLimiter) Close() {
	if rl == nil {
		return
	}
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// clientIP uses the TCP peer address. X-Forwarded-For can be spoofed and is
// only honoured when trustForwarded is set.
func (rl *RateLimiter) clientIP(r *http.Request) string {
	if rl != nil && rl.trustForwarded {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			return strings.TrimSpace(first)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup() {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
		}
		rl.mu.Lock()
		now := rl.now()
		for ip, b := range rl.requests {
			if now.Sub(b.lastSeen) > rl.idleAfter {
				delete(rl.requests, ip)
			}
		}
		rl.mu.Unlock()
	}
}
