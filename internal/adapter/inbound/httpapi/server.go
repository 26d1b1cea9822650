package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aegisflow/aegis/internal/domain/audit"
	"github.com/aegisflow/aegis/internal/port/outbound"
	"github.com/aegisflow/aegis/internal/service"
)

// Server hosts the decision API, the policy administration surface, and
// the Prometheus metrics endpoint.
type Server struct {
	addr         string
	enforcement  *service.PolicyEnforcementAgent
	solver       *service.ConstraintSolverAgent
	router       *service.ApprovalRouterAgent
	admin        *service.PolicyAdminService
	engine       *service.Engine
	registry     *service.AgentRegistry
	store        outbound.PolicyStore
	auditStore   audit.Store
	metrics      *Metrics
	registryProm *prometheus.Registry
	apiKeyHashes []string
	origins      []string
	server       *http.Server
	logger       *slog.Logger
}

// Option configures the Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is 127.0.0.1:8085.
func WithAddr(addr string) Option {
	return func(s *Server) { s.addr = addr }
}

// WithAPIKeyHashes sets the argon2id hashes accepted on the mutation
// surface.
func WithAPIKeyHashes(hashes []string) Option {
	return func(s *Server) { s.apiKeyHashes = hashes }
}

// WithAllowedOrigins configures CORS for browser callers.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) { s.origins = origins }
}

// NewServer assembles the router.
func NewServer(
	enforcement *service.PolicyEnforcementAgent,
	solver *service.ConstraintSolverAgent,
	approvalRouter *service.ApprovalRouterAgent,
	admin *service.PolicyAdminService,
	engine *service.Engine,
	registry *service.AgentRegistry,
	store outbound.PolicyStore,
	auditStore audit.Store,
	logger *slog.Logger,
	opts ...Option,
) *Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	s := &Server{
		addr:         "127.0.0.1:8085",
		enforcement:  enforcement,
		solver:       solver,
		router:       approvalRouter,
		admin:        admin,
		engine:       engine,
		registry:     registry,
		store:        store,
		auditStore:   auditStore,
		metrics:      NewMetrics(reg),
		registryProm: reg,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	if len(s.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", HeaderExecutionID, HeaderParentSpanID, HeaderCorrelationID},
			AllowCredentials: false,
			MaxAge:           300,
		}))
	}

	// Decision endpoints require the orchestrator execution headers.
	r.Group(func(r chi.Router) {
		r.Use(requireExecutionContext)
		r.Post("/v1/evaluate", s.handleEvaluate)
		r.Post("/v1/resolve", s.handleResolve)
		r.Post("/v1/route", s.handleRoute)
	})

	// Read surface.
	r.Get("/v1/approvals/{id}/status", s.handleApprovalStatus)
	r.Get("/v1/policies", s.handleListPolicies)
	r.Get("/v1/policies/{id}", s.handleGetPolicy)
	r.Get("/v1/policies/{id}/audit", s.handleAuditTrail)
	r.Get("/v1/agents", s.handleAgents)
	r.Get("/healthz", s.handleHealthz)
	r.Method("GET", "/metrics", promhttp.HandlerFor(s.registryProm, promhttp.HandlerOpts{}))

	// Mutation surface: authenticated, governance-gated.
	r.Group(func(r chi.Router) {
		r.Use(s.requireAdminKey)
		r.Post("/v1/policies", s.handleCreatePolicy)
		r.Put("/v1/policies/{id}", s.handleUpdatePolicy)
		r.Delete("/v1/policies/{id}", s.handleArchivePolicy)
	})

	return r
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", s.addr)
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
