package api

import (
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// RateLimiter implements a token bucket per client IP
type RateLimiter struct {
	mu           sync.Mutex
	buckets      map[string]*bucket
	rate         float64 // tokens per second
	burst        float64
	maxCacheSize int // maximum number of IPs to track
	now          func() time.Time

	stop chan struct{}
	once sync.Once
}

type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that allows burst requests at once and
// refills at rate requests per second.
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	rl := &RateLimiter{
		buckets:      make(map[string]*bucket),
		rate:         rate,
		burst:        float64(burst),
		maxCacheSize: 10000,
		now:          time.Now,
		stop:         make(chan struct{}),
	}

	// Clean up idle entries periodically
	go rl.cleanup(10 * time.Minute)

	return rl
}

// Allow reports whether a request from ip may proceed.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[ip]
	if !ok {
		if len(rl.buckets) >= rl.maxCacheSize {
			rl.evictIdle(now)
		}
		rl.buckets[ip] = &bucket{tokens: rl.burst - 1, lastRefill: now}
		return true
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens = math.Min(rl.burst, b.tokens+elapsed*rl.rate)
	b.lastRefill = now
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// idleAfter is how long a bucket takes to refill completely.
func (rl *RateLimiter) idleAfter() time.Duration {
	if rl.rate <= 0 {
		return time.Hour
	}
	return time.Duration(rl.burst / rl.rate * float64(time.Second))
}

// evictIdle drops full buckets, then an arbitrary tenth if still over capacity.
func (rl *RateLimiter) evictIdle(now time.Time) {
	idle := rl.idleAfter()
	for ip, b := range rl.buckets {
		if now.Sub(b.lastRefill) > idle {
			delete(rl.buckets, ip)
		}
	}

	if len(rl.buckets) >= rl.maxCacheSize {
		toRemove := len(rl.buckets) / 10
		removed := 0
		for ip := range rl.buckets {
			delete(rl.buckets, ip)
			removed++
			if removed >= toRemove {
				break
			}
		}
	}
}

// Middleware wraps an HTTP handler with rate limiting
func (rl *RateLimiter) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !rl.Allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded, try again later")
			return
		}
		next(w, r)
	}
}

// Stop ends the cleanup goroutine.
func (rl *RateLimiter) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// clientIP uses RemoteAddr only; X-Forwarded-For can be spoofed.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (rl *RateLimiter) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stop:
			return
		case <-ticker.C:
			rl.mu.Lock()
			now := rl.now()
			idle := rl.idleAfter()
			for ip, b := range rl.buckets {
				if now.Sub(b.lastRefill) > idle {
					delete(rl.buckets, ip)
				}
			}
			rl.mu.Unlock()
		}
	}
}
