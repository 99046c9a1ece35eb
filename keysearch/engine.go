// Package keysearch wires the search pipeline and exposes it as a library
// entry point (Engine) and as an HTTP service (Service).
package keysearch

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tinywideclouds/go-keysearch/internal/fault"
	"github.com/tinywideclouds/go-keysearch/internal/merge"
	"github.com/tinywideclouds/go-keysearch/internal/metrics"
	"github.com/tinywideclouds/go-keysearch/internal/output"
	"github.com/tinywideclouds/go-keysearch/internal/pattern"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const tracerName = "github.com/tinywideclouds/go-keysearch/keysearch"

// EndpointSource lists the endpoints a search fans out to.
// *registry.Registry is the production implementation.
type EndpointSource interface {
	ActiveEndpoints() ([]keysearch.Endpoint, error)
}

// Dispatcher starts the backend calls of one search.
// *dispatch.Dispatcher is the production implementation.
type Dispatcher interface {
	Dispatch(ctx context.Context, req keysearch.SearchRequest) <-chan keysearch.BackendOutcome
}

// Engine runs searches. It is safe for concurrent use.
type Engine struct {
	endpoints  EndpointSource
	dispatcher Dispatcher
	fault      *fault.Reporter
	metrics    *metrics.Metrics
	tracer     trace.Tracer
	newID      func() string
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithFaultReporter sets the reporter shared with the adapters.
func WithFaultReporter(r *fault.Reporter) EngineOption {
	return func(e *Engine) { e.fault = r }
}

// WithMetrics records per-search status counters.
func WithMetrics(m *metrics.Metrics) EngineOption {
	return func(e *Engine) { e.metrics = m }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// WithSearchIDs replaces the uuid generator for search ids.
func WithSearchIDs(next func() string) EngineOption {
	return func(e *Engine) { e.newID = next }
}

// NewEngine creates an engine over the given endpoints and dispatcher.
func NewEngine(endpoints EndpointSource, dispatcher Dispatcher, logger *slog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		endpoints:  endpoints,
		dispatcher: dispatcher,
		tracer:     otel.Tracer(tracerName),
		newID:      uuid.NewString,
		logger:     logger.With("component", "search_engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// FaultReporter returns the reporter configured for this engine, or nil.
func (e *Engine) FaultReporter() *fault.Reporter {
	return e.fault
}

// Search normalizes patterns, queries every active endpoint and streams the
// deduplicated records to out. The report is always returned; statuses
// other than success and partial success also come back as a
// *keysearch.SearchError.
func (e *Engine) Search(ctx context.Context, patterns []string, out io.Writer) (*keysearch.Report, error) {
	id := e.newID()
	ctx, span := e.tracer.Start(ctx, "keysearch.search", trace.WithAttributes(
		attribute.String("keysearch.search_id", id),
		attribute.Int("keysearch.patterns", len(patterns)),
	))
	defer span.End()

	report, err := e.search(ctx, id, patterns, out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, report.Status.String())
	}
	span.SetAttributes(
		attribute.String("keysearch.status", report.Status.String()),
		attribute.Int("keysearch.records", report.Records),
	)
	e.metrics.ObserveSearch(report.Status.String(), report.Records, report.Duplicates)
	return report, err
}

func (e *Engine) search(ctx context.Context, id string, raws []string, out io.Writer) (*keysearch.Report, error) {
	logger := e.logger.With("search_id", id)

	if len(raws) == 0 {
		return failed(id, keysearch.StatusInvalidPattern, fmt.Errorf("no search patterns given"))
	}
	patterns, err := pattern.NormalizeAll(raws)
	if err != nil {
		logger.Warn("rejected search", "err", err)
		return failed(id, keysearch.StatusInvalidPattern, err)
	}

	endpoints, err := e.endpoints.ActiveEndpoints()
	if err != nil {
		logger.Warn("rejected search", "err", err)
		return failed(id, keysearch.StatusNoBackendConfigured, err)
	}

	logger.Info("search started", "patterns", len(patterns), "endpoints", len(endpoints))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := output.NewWriter(out)
	m := merge.New(id, w, e.logger)
	outcomes := e.dispatcher.Dispatch(ctx, keysearch.SearchRequest{
		ID:        id,
		Patterns:  patterns,
		Endpoints: endpoints,
	})
	runErr := merge.Run(ctx, cancel, outcomes, m)
	if runErr != nil {
		// Stop the remaining calls before reporting.
		cancel()
	}

	report, err := m.Finalize(runErr != nil)
	switch {
	case w.Err() != nil:
		logger.Warn("output sink failed, search aborted", "records_written", w.Records(), "err", w.Err())
		err = keysearch.NewSearchError(keysearch.StatusCancelled, w.Err())
	case runErr != nil:
		err = keysearch.NewSearchError(keysearch.StatusCancelled, runErr)
	}
	return &report, err
}

func failed(id string, status keysearch.Status, cause error) (*keysearch.Report, error) {
	return &keysearch.Report{SearchID: id, Status: status}, keysearch.NewSearchError(status, cause)
}
