/**
 * @description
 * HTTP router setup for the commission-service using go-chi/chi.
 */
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/localmart/commission-service/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig carries the credentials the router's auth middleware needs.
type RouterConfig struct {
	InternalAPIKey string
	AdminJWKSURL   string
	AdminRole      string
}

// NewRouter creates a new Chi router and registers commission routes.
// gatherer may be nil, in which case /metrics is not mounted.
func NewRouter(h *Handler, cfg RouterConfig, m *metrics.Metrics, gatherer prometheus.Gatherer) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token", "X-Internal-API-Key"},
		ExposedHeaders:   []string{"Link", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(m.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("Commission service is healthy"))
	})
	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	r.Get("/promo-codes/{code}/validate", h.handleValidatePromo)
	r.Post("/checkout/quote", h.handleQuoteCheckout)
	r.Post("/webhooks/stripe", h.handleStripeWebhook)

	r.Route("/internal", func(r chi.Router) {
		r.Use(InternalAuthMiddleware(cfg.InternalAPIKey))
		r.Post("/events", h.handleIngestEvent)
		r.Post("/attributions", h.handleAttribute)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(AdminAuthMiddleware(cfg.AdminJWKSURL, cfg.AdminRole))

		r.Post("/affiliates", h.handleCreateAffiliate)
		r.Route("/affiliates/{id}", func(r chi.Router) {
			r.Get("/", h.handleGetAffiliate)
			r.Put("/parent", h.handleAssignParent)
			r.Put("/payout-account", h.handleSetPayoutAccount)
			r.Post("/suspend", h.handleSuspendAffiliate)
			r.Post("/reinstate", h.handleReinstateAffiliate)
			r.Get("/codes", h.handleListCodes)
			r.Post("/codes", h.handleCreateCode)
			r.Get("/summary", h.handleAffiliateSummary)
		})
		r.Post("/codes/{code}/rotate", h.handleRotateCode)

		r.Get("/reports/top-performers", h.handleTopPerformers)
		r.Get("/ledger/export", h.handleExportLedger)
		r.Post("/ledger/{sourceEventID}/void", h.handleVoidCredit)

		r.Get("/payouts", h.handleListPayouts)
		r.Post("/payouts/run", h.handleRunPayouts)
		r.Post("/payouts/reconcile", h.handleReconcilePayouts)
	})

	return r
}
