package ratelimit

import (
	"net"
	"net/http"

	"github.com/go-chi/render"

	"crapless.app/cloud/internal/logger"
)

// Middleware rejects requests over the limit with 429. Clients are keyed by
// remote IP, which chi's RealIP middleware has already resolved.
func Middleware(limiter Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !limiter.Allow(r.Context(), ip) {
				logger.Warn("Rate limit exceeded", map[string]interface{}{
					"remote_addr": ip,
					"path":        r.URL.Path,
				})
				render.Status(r, http.StatusTooManyRequests)
				render.JSON(w, r, map[string]string{"error": "Too many requests"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
