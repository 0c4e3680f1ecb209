// Package middleware contains HTTP middleware for the master API.
package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"buildplane/pkg/api"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware limits requests per client address. The master
// API is driven by CI hooks and CLIs; a runaway client must not starve
// the dispatch loop of database connections.
func RateLimitMiddleware(perSecond float64, burst int) func(http.Handler) http.Handler {
	limiters := sync.Map{} // client host -> *cachedLimiter

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// perSecond=0 means unlimited
			if perSecond > 0 {
				limiter := getOrCreateLimiter(&limiters, clientHost(r), perSecond, burst, 5*time.Minute)
				if !limiter.Allow() {
					w.Header().Set("Retry-After", "1")
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusTooManyRequests)
					json.NewEncoder(w).Encode(api.ErrorResponse{
						Error: "Too Many Requests",
						Code:  "429",
					})
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

type cachedLimiter struct {
	limiter   *rate.Limiter
	expiresAt time.Time
}

func getOrCreateLimiter(limiters *sync.Map, key string, perSecond float64, burst int, ttl time.Duration) *rate.Limiter {
	if limiter, ok := limiters.Load(key); ok {
		cached := limiter.(*cachedLimiter)
		if time.Now().Before(cached.expiresAt) {
			return cached.limiter
		}
		// expired, need to create new
	}

	limiter := rate.NewLimiter(rate.Limit(perSecond), burst)
	limiters.Store(key, &cachedLimiter{
		limiter:   limiter,
		expiresAt: time.Now().Add(ttl),
	})
	return limiter
}
