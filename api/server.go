/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

ROUTER: chi
  Chi was chosen for:
  - Lightweight and fast
  - Context-based
  - Middleware support
  - RESTful route patterns

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for frontend

IDENTITY:
  User-facing routes require an X-User-Id header; requests without one
  are rejected with 401. There is deliberately no fallback identity.
  Callback and admin routes identify records by their own references
  and require the X-API-Key header when a key is configured.

ROUTE GROUPS:
  /api/points/*      Balance, earning, history
  /api/purchases/*   Package catalog and purchase workflow
  /api/swaps/*       Token swap workflow
  /api/admin/*       Operator endpoints (refunds, sweeps)
  /healthz           Liveness probe

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/points-engine/points"
)

type contextKey string

const userIDKey contextKey = "points-user-id"

// RouterOptions configures router-level behavior.
type RouterOptions struct {
	// APIKey guards callback and admin routes when non-empty.
	APIKey string
	// AllowedOrigins for CORS; defaults to localhost dev origins.
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-User-Id", "X-API-Key"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Points routes
		r.Route("/points", func(r chi.Router) {
			r.Use(requireUser(h))
			r.Get("/balance", h.GetBalance)
			r.Post("/earn", h.Earn)
			r.Get("/transactions", h.GetTransactions)
			r.Get("/transactions/{id}", h.GetTransaction)
			r.Get("/stats", h.GetStats)
		})

		// Purchase routes
		r.Route("/purchases", func(r chi.Router) {
			r.Get("/packages", h.ListPackages)
			r.With(requireKey(h, opts.APIKey)).Post("/callbacks", h.PaymentCallback)

			r.Group(func(r chi.Router) {
				r.Use(requireUser(h))
				r.Post("/", h.CreatePurchase)
				r.Get("/", h.ListPurchases)
				r.Get("/{id}", h.GetPurchase)
			})
		})

		// Swap routes
		r.Route("/swaps", func(r chi.Router) {
			r.Get("/config", h.GetSwapConfig)
			r.Post("/calculate", h.CalculateSwap)
			r.With(requireKey(h, opts.APIKey)).Post("/callbacks", h.ChainCallback)

			r.Group(func(r chi.Router) {
				r.Use(requireUser(h))
				r.Post("/", h.CreateSwap)
				r.Get("/", h.ListSwaps)
				r.Get("/limits", h.GetSwapLimits)
				r.Get("/{id}", h.GetSwap)
			})
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Use(requireKey(h, opts.APIKey))
			r.Post("/purchases/{id}/refund", h.RefundPurchase)
			r.Post("/swaps/{id}/refund", h.RefundSwap)
			r.Post("/expire/purchases", h.ExpirePurchases)
			r.Post("/expire/swaps", h.ExpireSwaps)
			r.Post("/idempotency/purge", h.PurgeIdempotencyKeys)
		})
	})

	return r
}

// requireUser rejects requests without an X-User-Id header and places
// the identity in the request context for userFrom.
func requireUser(h *Handler) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := r.Header.Get("X-User-Id")
			if userID == "" {
				h.writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "X-User-Id header is required")
				return
			}
			ctx := context.WithValue(r.Context(), userIDKey, points.UserID(userID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requireKey guards callback and admin routes with a shared API key.
// An empty configured key disables the check (local development).
func requireKey(h *Handler, apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if apiKey != "" && r.Header.Get("X-API-Key") != apiKey {
				h.writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// userFrom returns the identity placed by requireUser. Routes not
// behind requireUser never call this.
func userFrom(r *http.Request) points.UserID {
	id, _ := r.Context().Value(userIDKey).(points.UserID)
	return id
}
