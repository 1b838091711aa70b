/**
 * @description
 * This file sets up the HTTP router for the settlement-service. It defines the
 * API endpoints, associates them with their corresponding handlers, and applies
 * any necessary middleware, such as for authentication.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/prometheus/client_golang: Exposes the /metrics scrape endpoint.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SettlementRoutes creates and returns a new router for the settlement service.
func SettlementRoutes(h *SettlementHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Prometheus scrape endpoint, unauthenticated like /health.
	r.Handle("/metrics", promhttp.Handler())

	// Group routes that require the internal service key.
	r.Group(func(r chi.Router) {
		r.Use(InternalAuthMiddleware(internalAPIKey))

		// Account provisioning and lookups.
		r.Post("/accounts", h.CreateAccountHandler)
		r.Get("/accounts/{account_id}", h.GetAccountHandler)
		r.Get("/accounts/{account_id}/balance", h.GetAccountBalanceHandler)
		r.Get("/accounts/{account_id}/tokens", h.ListAccountTokensHandler)

		// Offline token lifecycle. The static routes come first so chi does
		// not treat "stats" or "sweep" as a token_id.
		r.Post("/tokens", h.IssueTokenHandler)
		r.Get("/tokens/stats", h.TokenStatsHandler)
		r.Post("/tokens/sweep", h.SweepTokensHandler)
		r.Get("/tokens/{token_id}", h.GetTokenHandler)
		r.Post("/tokens/{token_id}/cancel", h.CancelTokenHandler)

		// Claim verification and settlement.
		r.Post("/claims/verify", h.VerifyClaimHandler)
		r.Post("/claims/settle", h.SettleClaimHandler)
		r.Get("/settlements/{claim_nonce}", h.GetSettlementHandler)
	})

	return r
}
