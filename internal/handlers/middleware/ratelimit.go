package middleware

import (
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nkiryanov/textbook/internal/handlers/render"
)

const limiterCleanupInterval = 5 * time.Minute

type RateLimitConfig struct {
	// Requests allowed per window for a single client
	Requests int
	Window   time.Duration

	// Requests client may fire at once
	Burst int

	// Proxies whose forwarding headers are honoured
	TrustedProxies []netip.Prefix
}

// Token bucket per client IP
type ipLimiter struct {
	mu          sync.Mutex
	limiters    map[string]*rate.Limiter
	limit       rate.Limit
	burst       int
	lastCleanup time.Time
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	// Idle clients have full bucket, they are not worth keeping
	if time.Since(l.lastCleanup) > limiterCleanupInterval {
		for key, limiter := range l.limiters {
			if limiter.Tokens() >= float64(l.burst) {
				delete(l.limiters, key)
			}
		}
		l.lastCleanup = time.Now()
	}

	limiter, ok := l.limiters[ip]
	if !ok {
		limiter = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = limiter
	}
	return limiter
}

// Limit requests rate per client IP
func RateLimitMiddleware(cfg RateLimitConfig, l warner) func(http.Handler) http.Handler {
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.Requests
	}

	limiter := &ipLimiter{
		limiters:    make(map[string]*rate.Limiter),
		limit:       rate.Limit(float64(cfg.Requests) / cfg.Window.Seconds()),
		burst:       cfg.Burst,
		lastCleanup: time.Now(),
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r, cfg.TrustedProxies)

			bucket := limiter.get(ip)
			if !bucket.Allow() {
				reservation := bucket.Reserve()
				retryAfter := max(int(reservation.Delay().Seconds()), 1)
				reservation.Cancel()

				l.Warn("Rate limit exceeded", "ip", ip, "uri", r.RequestURI)
				w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
				render.ServiceError(w, "Too many requests", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
