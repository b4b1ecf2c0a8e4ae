package middleware

import (
	"net/http"
	"net/netip"
	"time"
)

type infoLogger interface {
	Info(msg string, args ...any)
}

// Response writer that remembers what was written
type statusRecorder struct {
	http.ResponseWriter
	status int
	size   int
}

func (w *statusRecorder) Write(p []byte) (int, error) {
	size, err := w.ResponseWriter.Write(p)
	w.size += size
	return size, err
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.ResponseWriter.WriteHeader(statusCode)
	w.status = statusCode
}

// Access log. Headers and body are never logged: they carry credentials
func LoggerMiddleware(l infoLogger, trustedProxies []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			l.Info(
				"got HTTP request",
				"method", r.Method,
				"uri", r.URL.Path,
				"ip", clientIP(r, trustedProxies),
				"duration", time.Since(start),
				"status", rec.status,
				"size", rec.size,
			)
		})
	}
}
