package keysearch

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tinywideclouds/go-keysearch/internal/api"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// Service is the HTTP surface of the key search engine and the local mirror.
type Service struct {
	server *http.Server
	router chi.Router
	ready  atomic.Bool
	logger *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	gatherer prometheus.Gatherer
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) ServiceOption {
	return func(o *serviceOptions) { o.gatherer = g }
}

// NewService creates and wires up the entire key search service.
func NewService(
	cfg *config.Config,
	engine api.Searcher,
	store keysearch.MirrorStore,
	authMiddleware func(http.Handler) http.Handler,
	logger *slog.Logger,
	opts ...ServiceOption,
) *Service {
	o := serviceOptions{gatherer: prometheus.DefaultGatherer}
	for _, opt := range opts {
		opt(&o)
	}

	s := &Service{
		router: chi.NewRouter(),
		logger: logger.With("component", "keysearch_service"),
	}
	apiHandler := &api.API{
		Searcher: engine,
		Store:    store,
		Logger:   logger.With("component", "api"),
	}

	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Cors.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{api.SearchStatusHeader},
		AllowCredentials: false,
		MaxAge:           cfg.Cors.MaxAge,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	s.router.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("not ready"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	s.router.Handle("/metrics", promhttp.HandlerFor(o.gatherer, promhttp.HandlerOpts{}))

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/search", apiHandler.SearchHandler)
		r.Get("/mirror/keys/{fingerprint}", apiHandler.GetKeyblockHandler)
		r.With(authMiddleware).Post("/mirror/keys", apiHandler.StoreKeyblockHandler)
	})

	s.server = &http.Server{
		Addr:              cfg.HTTPListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Service) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe.
func (s *Service) SetReady(ready bool) {
	s.ready.Store(ready)
}

// Addr returns the bound listener address once Start is listening.
func (s *Service) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start listens, marks the service ready and serves until Shutdown.
// It returns nil after a graceful shutdown.
func (s *Service) Start() error {
	l, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()

	s.logger.Info("HTTP listener is active.", "address", l.Addr().String())
	s.SetReady(true)
	s.logger.Info("Service is now ready.")

	if err := s.server.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server failed", "err", err)
		return err
	}
	return nil
}

// Shutdown marks the service unready and drains in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	s.SetReady(false)
	return s.server.Shutdown(ctx)
}
