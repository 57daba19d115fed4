package server

import (
	"net/http"
	"time"

	"github.com/outmoded/postmile-web/internal/json"
	"github.com/outmoded/postmile-web/internal/log"
)

// MiddlewareFunc wraps an http.Handler with additional behavior
type MiddlewareFunc func(http.Handler) http.Handler

// ChainMiddleware applies middlewares in order, first listed outermost
func ChainMiddleware(h http.Handler, middlewares ...MiddlewareFunc) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// NewLoggerMiddleware logs each request with its status and duration
func NewLoggerMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(recorder, r)

			log.LogDebugWithFields("server", "Request handled", map[string]any{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   recorder.status,
				"duration": time.Since(start).String(),
			})
		})
	}
}

// NewRecoverMiddleware converts handler panics into 500 responses
func NewRecoverMiddleware() MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					log.LogErrorWithFields("server", "Handler panicked", map[string]any{
						"method": r.Method,
						"path":   r.URL.Path,
						"panic":  rec,
					})
					json.WriteInternalServerError(w, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
