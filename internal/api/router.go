/**
 * @description
 * This file sets up the HTTP router for rnr-pay. It defines the API
 * endpoints, associates them with their corresponding handlers, and applies
 * middleware for logging, panic recovery, CORS, and timeouts.
 *
 * @dependencies
 * - net/http: Standard Go library for HTTP functionality.
 * - github.com/go-chi/chi/v5: A lightweight and idiomatic router for Go.
 * - github.com/go-chi/cors: CORS handling for the browser status page.
 */

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// PaymentRoutes creates and returns the router for the payment service.
func PaymentRoutes(h *PaymentHandlers, internalAPIKey string) http.Handler {
	r := chi.NewRouter()

	// Add standard middleware for logging, panic recovery, and timeouts.
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Internal-Api-Key"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("healthy"))
	})

	// Payment flow endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))

		r.Post("/payments/initiate", h.InitiatePaymentHandler)
		r.Post("/payments/callback", h.DarajaCallbackHandler)
		r.Post("/payments/{ticketID}/query", h.QueryPaymentHandler)

		r.Get("/tickets/{ticketID}", h.GetTicketHandler)
		r.Post("/tickets/{ticketID}/receipt/resend", h.ResendReceiptHandler)
	})

	// The SSE streams outlive the standard timeout, so they sit outside the
	// timed group.
	r.Get("/tickets/{ticketID}/events", h.TicketEventsHandler)
	r.Get("/payments/{ticketID}/session", h.ConfirmationSessionHandler)

	// Operator endpoints.
	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		r.Use(InternalKeyMiddleware(internalAPIKey))

		r.Get("/tickets/{ticketID}/audit", h.AuditTrailHandler)
	})

	return r
}
