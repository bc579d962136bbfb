package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/knoguchi/rerank/internal/artifact"
	"github.com/knoguchi/rerank/internal/reranker"
	"github.com/knoguchi/rerank/internal/retriever"
	"github.com/knoguchi/rerank/internal/service"
)

// Service is the rerank API served over HTTP. *service.RerankService
// implements it.
type Service interface {
	Rerank(ctx context.Context, req reranker.Request) (*reranker.Result, error)
	SearchDocument(ctx context.Context, documentID string, req service.SearchRequest) (*service.SearchResult, error)
	Score(ctx context.Context, query string, chunks []string) ([]float32, string, error)
	Warm(ctx context.Context) []service.WarmResult
	ModelStatus() []artifact.Status
	ModelName() string
	Backends() []string
	RetrieverStats() retriever.Stats
	EvictRetrievers(maxAge time.Duration, maxEntries int) int
	ClearRetrievers() int
}

var _ Service = (*service.RerankService)(nil)

// ReadinessCheck reports whether a dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// HTTPServer serves the rerank JSON API
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	logger *slog.Logger
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Logger         *slog.Logger
	AllowedOrigins []string // CORS allowed origins

	Service Service

	// AdminMiddleware guards /admin routes. Nil leaves them unmounted.
	AdminMiddleware func(http.Handler) http.Handler

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	// ReadinessChecks are run by /readyz, keyed by dependency name.
	ReadinessChecks map[string]ReadinessCheck

	// EvictMaxAge and EvictMaxEntries apply when an evict request omits them.
	EvictMaxAge     time.Duration
	EvictMaxEntries int
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) (*HTTPServer, error) {
	if cfg.Service == nil {
		return nil, fmt.Errorf("rerank service is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	h := &handlers{
		svc:             cfg.Service,
		logger:          logger,
		evictMaxAge:     cfg.EvictMaxAge,
		evictMaxEntries: cfg.EvictMaxEntries,
	}

	router.Get("/healthz", healthCheckHandler())
	router.Get("/readyz", readinessCheckHandler(cfg.ReadinessChecks))
	router.Get("/health", h.health)

	router.Route("/v1", func(r chi.Router) {
		r.Post("/score", h.score)
		r.Post("/rerank", h.rerank)
		r.Post("/documents/{documentID}/search", h.searchDocument)
	})

	if cfg.AdminMiddleware != nil {
		router.Route("/admin", func(r chi.Router) {
			r.Use(cfg.AdminMiddleware)
			r.Get("/retrievers", h.retrieverStats)
			r.Post("/retrievers/evict", h.evictRetrievers)
			r.Delete("/retrievers", h.clearRetrievers)
			r.Get("/models", h.modelStatus)
			r.Post("/models/warm", h.warmModels)
		})
	}

	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // model warmup can take minutes on first export
		IdleTimeout:  120 * time.Second,
	}

	return &HTTPServer{
		server: server,
		router: router,
		logger: logger,
	}, nil
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}

	s.logger.Info("HTTP server stopped")
	return nil
}

// Handler returns the root handler, for tests and embedding.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// healthCheckHandler returns a handler for the /healthz endpoint
func healthCheckHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	}
}

// readinessCheckHandler runs every check and reports 503 if any fails
func readinessCheckHandler(checks map[string]ReadinessCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := http.StatusOK
		results := make(map[string]string, len(checks))
		for name, check := range checks {
			if err := check(ctx); err != nil {
				status = http.StatusServiceUnavailable
				results[name] = err.Error()
				continue
			}
			results[name] = "ok"
		}

		state := "ready"
		if status != http.StatusOK {
			state = "not_ready"
		}
		writeJSON(w, status, map[string]any{"status": state, "checks": results})
	}
}
