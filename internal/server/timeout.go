package server

import (
	"context"
	"net/http"
	"time"
)

// TimeoutMiddleware bounds the context of unguarded routes such as health
// probes. It relies on the handler checking context.Done() for cooperative
// cancellation; guarded routes use the admission deadline guard instead.
func TimeoutMiddleware(timeout time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), timeout)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
