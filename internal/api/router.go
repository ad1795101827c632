package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/punchamoorthee/ledgergate/internal/auth"
)

// NewRouter mounts the public routes. limiter may be nil to disable
// per-client rate limiting.
func NewRouter(h *Handler, verifier *auth.Verifier, limiter *IPRateLimiter) *mux.Router {
	r := mux.NewRouter()
	r.Use(RequestID)

	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/health", h.HealthCheckHandler).Methods(http.MethodGet)

	apiV1 := r.PathPrefix("/api/v1").Subrouter()
	if limiter != nil {
		apiV1.Use(limiter.Middleware)
	}
	apiV1.HandleFunc("/pricing", h.PricingHandler).Methods(http.MethodGet)
	apiV1.HandleFunc("/operations/{hash}", h.GetOperationHandler).Methods(http.MethodGet)
	apiV1.Handle("/actions", RequireAgent(verifier)(http.HandlerFunc(h.CreateActionHandler))).Methods(http.MethodPost)

	return r
}
