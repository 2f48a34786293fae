package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iago/distribution-engine/internal/http/handlers"
	"github.com/iago/distribution-engine/internal/http/middleware"
)

type RouterDependencies struct {
	API            *handlers.API
	Logger         *slog.Logger
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
}

func NewRouter(deps RouterDependencies) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", deps.API.Health)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("POST /v1/distributions", deps.API.GenerateDistribution)
	mux.HandleFunc("GET /v1/distributions/{id}", deps.API.GetDistribution)
	mux.HandleFunc("POST /v1/distributions/{id}/apply", deps.API.ApplyDistribution)

	handler := http.Handler(mux)
	handler = middleware.Auth(deps.AuthToken)(handler)
	handler = middleware.RateLimit(deps.RateLimitRPS, deps.RateLimitBurst)(handler)
	handler = middleware.CORS(middleware.CORSConfig{
		AllowedOrigins: deps.CORSOrigins,
	})(handler)
	handler = middleware.Trace(deps.Logger)(handler)
	handler = middleware.RequestID(handler)

	return handler
}
