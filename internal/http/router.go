package http

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/idempotency"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/observability"
	"github.com/robertarktes/ticket-inventory-and-checkin/internal/rateLimit"
)

// Limits are requests per minute. A nil limiter disables rate limiting.
type Limits struct {
	Limiter *rateLimit.RateLimiter
	User    int
	Scanner int
}

func SetupRouter(h *Handlers, logger observability.Logger, auth *Authenticator, limits Limits, idemp *idempotency.Idempotency) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(RequestIDMiddleware)
	r.Use(LoggerMiddleware(logger))
	r.Use(TracingMiddleware)
	r.Use(MetricsMiddleware)

	r.Get("/v1/healthz", h.Healthz)
	r.Get("/v1/readyz", h.Readyz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Group(func(r chi.Router) {
		r.Use(auth.Middleware)
		if limits.Limiter != nil {
			r.Use(RateLimitMiddleware(limits.Limiter, limits.User, time.Minute))
		}
		r.Use(IdempotencyMiddleware(idemp))

		r.Post("/v1/orders", h.CreateOrder)
		r.Get("/v1/orders/{id}", h.GetOrder)
		r.Post("/v1/orders/{id}/confirm", h.ConfirmOrder)
		r.Post("/v1/orders/{id}/cancel", h.CancelOrder)
		r.Post("/v1/orders/{id}/refund", h.RefundOrder)

		r.Get("/v1/tickets/{id}", h.GetTicket)
		r.Post("/v1/tickets/{id}/transfer", h.TransferTicket)
		r.Post("/v1/tickets/{id}/regenerate", h.RegenerateCredential)

		r.Post("/v1/scanners", h.RegisterScanner)
		r.Post("/v1/scanners/{id}/disable", h.DisableScanner)
		r.Post("/v1/scanners/{id}/enable", h.EnableScanner)
		r.Post("/v1/scanners/{id}/revoke", h.RevokeScanner)

		r.Get("/v1/events/{id}/occupancy", h.Occupancy)
		r.Get("/v1/events/{id}/scan-logs", h.ScanLogs)
	})

	// Scan submissions are idempotent by dedupe key and need no header.
	r.Group(func(r chi.Router) {
		r.Use(ScannerAuthMiddleware(h.engine))
		if limits.Limiter != nil {
			r.Use(RateLimitMiddleware(limits.Limiter, limits.Scanner, time.Minute))
		}

		r.Get("/v1/scanner/snapshot", h.Snapshot)
		r.Post("/v1/scanner/scans", h.Scan)
		r.Post("/v1/scanner/scans/batch", h.ScanBatch)
	})

	return r
}
