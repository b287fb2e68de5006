package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/Ascend/MindInferenceService-sub000/internal/domain"
)

// AuthMiddleware requires "Authorization: Bearer <apiKey>" on every request.
// An empty apiKey disables the check. CORS preflight requests pass through.
func AuthMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if apiKey == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
				AddLogField(r.Context(), "auth", "rejected")
				domain.WriteError(w, domain.ErrUnauthorized())
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
