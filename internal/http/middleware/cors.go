package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
)

type CORSConfig struct {
	AllowedOrigins []string
	MaxAge         int
}

// corsPolicy holds the precomputed header values for one CORS configuration.
type corsPolicy struct {
	origins  []string
	wildcard bool
	methods  string
	headers  string
	exposed  string
	maxAge   string
}

func newCORSPolicy(cfg CORSConfig) corsPolicy {
	policy := corsPolicy{
		methods: strings.Join([]string{http.MethodGet, http.MethodPost, http.MethodOptions}, ", "),
		headers: strings.Join([]string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", RequestIDHeader}, ", "),
		exposed: strings.Join([]string{RequestIDHeader, "Retry-After"}, ", "),
		maxAge:  "600",
	}
	for _, origin := range cfg.AllowedOrigins {
		origin = strings.ToLower(strings.TrimSpace(origin))
		switch origin {
		case "":
		case "*":
			policy.wildcard = true
		default:
			policy.origins = append(policy.origins, origin)
		}
	}
	if cfg.MaxAge > 0 {
		policy.maxAge = strconv.Itoa(cfg.MaxAge)
	}
	return policy
}

func (p corsPolicy) allows(origin string) bool {
	return p.wildcard || slices.Contains(p.origins, strings.ToLower(origin))
}

// CORS answers preflight requests from allowed origins and decorates their
// regular requests. Other origins pass through untouched.
func CORS(cfg CORSConfig) func(http.Handler) http.Handler {
	policy := newCORSPolicy(cfg)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" || !policy.allows(origin) {
				next.ServeHTTP(w, r)
				return
			}

			header := w.Header()
			header.Add("Vary", "Origin")
			if policy.wildcard {
				header.Set("Access-Control-Allow-Origin", "*")
			} else {
				header.Set("Access-Control-Allow-Origin", origin)
			}
			header.Set("Access-Control-Expose-Headers", policy.exposed)

			if r.Method != http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}
			header.Add("Vary", "Access-Control-Request-Method")
			header.Add("Vary", "Access-Control-Request-Headers")
			header.Set("Access-Control-Allow-Methods", policy.methods)
			header.Set("Access-Control-Allow-Headers", policy.headers)
			header.Set("Access-Control-Max-Age", policy.maxAge)
			w.WriteHeader(http.StatusNoContent)
		})
	}
}
