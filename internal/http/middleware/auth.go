package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Auth requires a static bearer token on /v1/ routes. An empty token
// disables the check.
func Auth(requiredToken string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if requiredToken == "" || !strings.HasPrefix(r.URL.Path, "/v1/") {
				next.ServeHTTP(w, r)
				return
			}

			const prefix = "Bearer "
			authorization := r.Header.Get("Authorization")
			token := strings.TrimSpace(strings.TrimPrefix(authorization, prefix))
			if !strings.HasPrefix(authorization, prefix) || token == "" ||
				subtle.ConstantTimeCompare([]byte(token), []byte(requiredToken)) != 1 {
				writeError(w, r, http.StatusUnauthorized, "unauthorized", "authentication required")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
