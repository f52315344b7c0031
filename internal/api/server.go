package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/symbol-ai/loyalty/internal/domain"
	"github.com/symbol-ai/loyalty/internal/risk"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, repo domain.Repository, cache domain.Cache, bus domain.EventBus, riskSvc *risk.Service, version string) *Server {
	handler := NewHandler(repo, cache, bus, riskSvc, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)

		// Visit ledger
		r.Post("/visits", handler.RecordVisit)
		r.Get("/visits/{id}", handler.GetVisit)
		r.Post("/visits/{id}/status", handler.UpdateVisitStatus)

		// Customer views (derived from the ledger)
		r.Get("/customers/{id}/visits", handler.ListCustomerVisits)
		r.Get("/customers/{id}/cycle", handler.GetCustomerCycle)
		r.Get("/customers/{id}/eligibility", handler.GetCustomerEligibility)
		r.Get("/customers/{id}/discounts", handler.ListCustomerDiscounts)

		// Discounts
		r.Post("/discounts/preview", handler.PreviewDiscount)
		r.Post("/discounts", handler.GrantDiscount)
		r.Get("/discounts/{id}", handler.GetDiscount)

		// Unusual-time policy
		r.Get("/timepolicy", handler.GetTimePolicy)
		r.Put("/timepolicy", handler.PutTimePolicy)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
