package logger

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
)

// Middleware logs one line per request. It expects chi's RequestID and RealIP
// middleware to run first.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		fields := map[string]interface{}{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(start).Milliseconds(),
			"remote_addr": r.RemoteAddr,
			"request_id":  middleware.GetReqID(r.Context()),
		}

		switch {
		case ww.Status() >= http.StatusInternalServerError:
			Error("HTTP request failed", fields)
		case ww.Status() >= http.StatusBadRequest:
			Warn("HTTP request rejected", fields)
		default:
			Debug("HTTP request", fields)
		}
	})
}
