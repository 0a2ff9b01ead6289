package middleware

import (
	"net/http"
	"strings"
)

// RequireToken rejects requests that carry no token query parameter.
// Paths in exempt pass through.
func RequireToken(exempt ...string) func(http.Handler) http.Handler {
	skip := make(map[string]bool, len(exempt))
	for _, p := range exempt {
		skip[p] = true
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skip[r.URL.Path] || strings.TrimSpace(r.URL.Query().Get("token")) != "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error": "token is required"}`))
		})
	}
}
