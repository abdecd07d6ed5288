package api

import (
	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"github.com/trogers1052/opportunity-metrics/internal/config"
	"github.com/trogers1052/opportunity-metrics/internal/telemetry"
)

// SetupRoutes configures all API routes. Mutating routes share one token
// bucket sized by cfg; a non-positive rate disables it.
func SetupRoutes(handler *Handler, cfg config.MetricsConfig) *mux.Router {
	r := mux.NewRouter()
	r.Use(observe(handler.logger))

	var limiter *rate.Limiter
	if cfg.RateLimitRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
	}

	// Health and operations
	r.HandleFunc("/health", handler.HealthCheck).Methods("GET")
	r.Handle("/debug/prometheus", telemetry.Handler()).Methods("GET")
	r.HandleFunc("/admin/cache/stats", handler.CacheStats).Methods("GET")

	// Dashboard
	r.HandleFunc("/metrics", handler.GetMetrics).Methods("GET")
	r.HandleFunc("/positions", handler.ListPositions).Methods("GET")

	// Portfolio
	r.HandleFunc("/portfolio", handler.GetPortfolio).Methods("GET")
	r.HandleFunc("/portfolio/setup", limit(limiter, handler.SetupPortfolio)).Methods("POST")
	r.HandleFunc("/portfolio/trade", limit(limiter, handler.CreateTrade)).Methods("POST")
	r.HandleFunc("/portfolio/trade/{id}", limit(limiter, handler.UpdateTrade)).Methods("PATCH")
	r.HandleFunc("/portfolio/trade/{id}", limit(limiter, handler.DeleteTrade)).Methods("DELETE")
	r.HandleFunc("/portfolio/reconcile", limit(limiter, handler.ReconcilePortfolio)).Methods("POST")

	return r
}
