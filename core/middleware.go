package core

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// requestIDKey is the context key under which the request id travels.
type requestIDKey struct{}

// RequestIDHeader carries the caller-supplied or generated request id.
const RequestIDHeader = "X-Request-ID"

// RequestIDFromContext returns the request id attached by
// RequestIDMiddleware, or "" when none is set.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// RequestIDMiddleware accepts an inbound X-Request-ID or mints a fresh
// UUID, attaches it to the request context, and echoes it on the response
// so callers can correlate logs across services.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoverMiddleware converts a handler panic into a 500 and an error log
// entry instead of tearing down the connection.
func RecoverMiddleware(logger Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if logger != nil {
						logger.ErrorWithContext(r.Context(), "handler panic", map[string]interface{}{
							"panic":      rec,
							"method":     r.Method,
							"path":       r.URL.Path,
							"request_id": RequestIDFromContext(r.Context()),
						})
					}
					http.Error(w, "internal server error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// statusRecorder captures the status code a handler wrote. The zero status
// means the handler never called WriteHeader; treat it as 200.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	return sr.ResponseWriter.Write(b)
}

// Flush implements http.Flusher so streaming responses keep working
// through the wrapper.
func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// slowRequestThreshold is when a request earns a warn-level log line even
// though it succeeded.
const slowRequestThreshold = time.Second

// LoggingMiddleware writes one structured access-log entry per request.
// In dev mode every request is logged; in production only failures and
// slow requests are, to keep the hot path quiet.
func LoggingMiddleware(logger Logger, devMode bool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r)

			status := rec.status
			if status == 0 {
				status = http.StatusOK
			}
			elapsed := time.Since(start)

			if logger == nil || !(devMode || status >= 400 || elapsed > slowRequestThreshold) {
				return
			}

			fields := map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      status,
				"duration_ms": elapsed.Milliseconds(),
				"remote_addr": r.RemoteAddr,
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields["request_id"] = id
			}
			if svc := r.Header.Get("X-Service-Name"); svc != "" {
				fields["service"] = svc
			}

			switch {
			case status >= 500:
				logger.ErrorWithContext(r.Context(), "request failed", fields)
			case status >= 400:
				logger.WarnWithContext(r.Context(), "request rejected", fields)
			case elapsed > slowRequestThreshold:
				logger.WarnWithContext(r.Context(), "request slow", fields)
			default:
				logger.InfoWithContext(r.Context(), "request", fields)
			}
		})
	}
}
