/**
 * @description
 * This file sets up the HTTP router for the payout-service using the chi
 * router. It defines the public payout endpoints (JWT-protected, with
 * admin-only sub-routes) and the internal endpoints reserved for trusted
 * backend callers holding the shared internal API key.
 *
 * @dependencies
 * - github.com/go-chi/chi/v5: For routing.
 * - internal/api (middleware, handlers): For endpoint logic and protection.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates and configures the chi router with all service routes.
func NewRouter(handlers *PayoutHandlers, jwksURL, internalAPIKey string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Route("/payouts", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("OK"))
		})

		// Authenticated payout routes. Providers act on their own orders;
		// admins may act on any order.
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(jwksURL))

			r.Get("/orders/{orderID}", handlers.GetOrderPayoutHandler)
			r.Post("/orders/{orderID}/request", handlers.RequestPayoutHandler)

			// Admin-only operations.
			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Post("/orders/{orderID}/retry", handlers.RetryFailedPayoutHandler)
				r.Post("/orders/{orderID}/override", handlers.OverrideTransferHandler)
				r.Get("/orders/{orderID}/audit", handlers.ListAuditRecordsHandler)
				r.Get("/reconcile", handlers.ReconcileHandler)
			})
		})
	})

	// Internal routes for trusted backend services (fulfillment subsystem,
	// payout worker). Protected by a shared API key, not user JWTs.
	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Post("/orders/{orderID}/fulfillment-completed", handlers.FulfillmentCompletedHandler)
		r.Post("/orders/{orderID}/execute-transfer", handlers.ExecuteTransferHandler)
	})

	return r
}
