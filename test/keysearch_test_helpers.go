package test

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/tinywideclouds/go-keysearch/internal/dispatch"
	"github.com/tinywideclouds/go-keysearch/internal/registry"
	"github.com/tinywideclouds/go-keysearch/internal/storage/inmemory"
	"github.com/tinywideclouds/go-keysearch/keysearch"
	"github.com/tinywideclouds/go-keysearch/keysearch/config"
	pkgkeysearch "github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

// MirrorEndpoint is the single endpoint the test servers search.
var MirrorEndpoint = pkgkeysearch.Endpoint{
	Name:     "local",
	Protocol: pkgkeysearch.ProtocolLocalMirror,
	Timeout:  2 * time.Second,
	Enabled:  true,
}

// NewTestServer creates and starts a new httptest.Server for end-to-end testing.
// It assembles the service with an in-memory mirror and a provided auth middleware.
func NewTestServer(authMiddleware func(http.Handler) http.Handler) *httptest.Server {
	return NewTestKeySearchService(inmemory.New(), authMiddleware)
}

// NewTestKeySearchService creates and starts a new httptest.Server whose
// searches and uploads are served by store.
func NewTestKeySearchService(store pkgkeysearch.MirrorStore, authMiddleware func(http.Handler) http.Handler) *httptest.Server {
	cfg := &config.Config{
		HTTPListenAddr: ":0",
		Cors: config.CorsConfig{
			AllowedOrigins: []string{"*"}, // Allow all for tests
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	reg, err := registry.New([]pkgkeysearch.Endpoint{MirrorEndpoint})
	if err != nil {
		panic(err)
	}
	factory := keysearch.NewFactory(keysearch.BackendDeps{Mirror: store}, logger)
	engine := keysearch.NewEngine(reg, dispatch.New(factory, logger), logger)

	service := keysearch.NewService(cfg, engine, store, authMiddleware, logger)
	return httptest.NewServer(service.Handler())
}
