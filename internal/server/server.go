// Package server exposes the BucketDesk operations as a JSON RPC API.
//
// Every operation is a POST under /v1 (plus a few GETs for reads) and
// answers 200 with a body carrying "success" and, on failure, "error" and
// "errorKind". Transport-level problems (malformed JSON, schema violations)
// still use huma's problem responses.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bucketdesk/bucketdesk/internal/compress"
	"github.com/bucketdesk/bucketdesk/internal/config"
	"github.com/bucketdesk/bucketdesk/internal/history"
	"github.com/bucketdesk/bucketdesk/internal/storage"
	"github.com/bucketdesk/bucketdesk/internal/transfer"
)

// Server is the BucketDesk HTTP server.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	api        huma.API
	storage    *storage.Adapter
	transfers  *transfer.Orchestrator
	history    history.Store
	presets    *compress.Registry
	logger     *slog.Logger
	httpServer *http.Server
}

// HealthBody is the JSON body returned by the health check endpoint.
type HealthBody struct {
	Status string `json:"status" example:"ok" doc:"Health status"`
}

// HealthOutput is the Huma output struct for the health check endpoint.
type HealthOutput struct {
	Body HealthBody
}

// ServerOption is a functional option for configuring the Server.
type ServerOption func(*Server)

// WithAdapter sets the storage adapter.
func WithAdapter(a *storage.Adapter) ServerOption {
	return func(s *Server) {
		s.storage = a
	}
}

// WithOrchestrator sets the transfer orchestrator.
func WithOrchestrator(o *transfer.Orchestrator) ServerOption {
	return func(s *Server) {
		s.transfers = o
	}
}

// WithHistory sets the upload-history store served by GET /v1/history.
func WithHistory(h history.Store) ServerOption {
	return func(s *Server) {
		s.history = h
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server and registers every route. Components not supplied
// through options are built from cfg with in-memory state.
func New(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	router := chi.NewMux()
	router.Use(requestID)

	humaConfig := huma.DefaultConfig("BucketDesk API", "1.0.0")
	humaConfig.DocsPath = "/docs"
	humaConfig.OpenAPIPath = "/openapi"
	api := humachi.New(router, humaConfig)

	s := &Server{
		cfg:    cfg,
		router: router,
		api:    api,
	}
	for _, opt := range opts {
		opt(s)
	}

	presets, err := compress.NewRegistry(cfg.Presets...)
	if err != nil {
		return nil, err
	}
	s.presets = presets
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.history == nil {
		s.history = history.NewMemoryStore()
	}
	if s.storage == nil {
		s.storage = storage.NewAdapter(nil, storage.Options{
			ConnectTimeout: cfg.Transfer.ConnectTimeout.Std(),
			CallTimeout:    cfg.Transfer.CallTimeout.Std(),
			Logger:         s.logger,
		})
	}
	if s.transfers == nil {
		s.transfers = transfer.New(s.storage, transfer.Options{
			MaxConcurrent:   cfg.Transfer.MaxConcurrent,
			Workers:         cfg.Transfer.Workers,
			CompressWorkers: cfg.Transfer.CompressWorkers,
			CallTimeout:     cfg.Transfer.CallTimeout.Std(),
			Retention:       cfg.Transfer.Retention.Std(),
			Presets:         presets,
			History:         s.history,
			Logger:          s.logger,
		})
	}

	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> logRequests -> bodyLimit -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = bodyLimit(s.cfg.Server.MaxBodySize)(handler)
	handler = logRequests(s.logger)(handler)
	if s.cfg.Observability.Metrics {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on the given address.
// The returned http.Server is stored so it can be shut down gracefully.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, then stops the transfer
// pool, waiting for running tasks within the context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if cerr := s.transfers.Close(ctx); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// registerRoutes configures all routes on the Chi router.
func (s *Server) registerRoutes() {
	huma.Register(s.api, huma.Operation{
		OperationID: "get-health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Description: "Returns the health status of the BucketDesk server.",
		Tags:        []string{"System"},
	}, func(ctx context.Context, input *struct{}) (*HealthOutput, error) {
		return &HealthOutput{Body: HealthBody{Status: "ok"}}, nil
	})

	s.router.Head("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
	})

	if s.cfg.Observability.Metrics {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.registerObjectRoutes()
	s.registerTransferRoutes()
}
