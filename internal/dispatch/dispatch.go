// Package dispatch fans one search out to every active endpoint and delivers
// the per-backend outcomes in completion order.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/tinywideclouds/go-keysearch/internal/adapter"
	"github.com/tinywideclouds/go-keysearch/internal/metrics"
	"github.com/tinywideclouds/go-keysearch/pkg/keysearch"
)

const tracerName = "github.com/tinywideclouds/go-keysearch/internal/dispatch"

// BackendProvider returns the backend serving an endpoint.
// *adapter.Factory is the production implementation.
type BackendProvider interface {
	Backend(ep keysearch.Endpoint) (adapter.Backend, error)
}

// Dispatcher runs backend calls concurrently. It is safe for concurrent
// searches; rate limiters are shared across them per endpoint.
type Dispatcher struct {
	backends       BackendProvider
	maxConcurrency int
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	logger         *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMaxConcurrency caps the number of backend calls in flight per search.
// Zero means one call per endpoint.
func WithMaxConcurrency(n int) Option {
	return func(d *Dispatcher) { d.maxConcurrency = n }
}

// WithMetrics records backend latencies and outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithTracer replaces the global otel tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// New creates a dispatcher.
func New(backends BackendProvider, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		backends: backends,
		tracer:   otel.Tracer(tracerName),
		logger:   logger.With("component", "dispatcher"),
		limiters: make(map[string]*rate.Limiter),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch starts one call per endpoint of req and returns the channel the
// outcomes arrive on. Once ctx is cancelled no new calls start and pending
// outcomes are discarded. The channel is closed after every call returned.
func (d *Dispatcher) Dispatch(ctx context.Context, req keysearch.SearchRequest) <-chan keysearch.BackendOutcome {
	out := make(chan keysearch.BackendOutcome)

	g := new(errgroup.Group)
	if d.maxConcurrency > 0 {
		g.SetLimit(d.maxConcurrency)
	}

	go func() {
		defer close(out)
		for _, ep := range req.Endpoints {
			if ctx.Err() != nil {
				break
			}
			g.Go(func() error {
				outcome := d.call(ctx, req, ep)
				if ctx.Err() != nil {
					return nil
				}
				select {
				case out <- outcome:
				case <-ctx.Done():
				}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out
}

type searchResult struct {
	result adapter.Result
	err    error
}

// call runs one backend under the endpoint timeout. The outcome is produced
// when the timeout fires even if the adapter has not returned yet.
func (d *Dispatcher) call(ctx context.Context, req keysearch.SearchRequest, ep keysearch.Endpoint) keysearch.BackendOutcome {
	start := time.Now()
	ctx, span := d.tracer.Start(ctx, "keysearch.backend", trace.WithAttributes(
		attribute.String("keysearch.search_id", req.ID),
		attribute.String("keysearch.endpoint", ep.Name),
		attribute.String("keysearch.protocol", string(ep.Protocol)),
	))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, ep.Timeout)
	defer cancel()

	var res searchResult
	backend, err := d.backends.Backend(ep)
	if err != nil {
		res.err = adapter.ProtocolError(ep.Name, err)
	} else if err := d.wait(callCtx, ep); err != nil {
		res.err = err
	} else {
		done := make(chan searchResult, 1)
		go func() {
			r, err := backend.Search(callCtx, req.Patterns)
			done <- searchResult{result: r, err: err}
		}()
		select {
		case res = <-done:
		case <-callCtx.Done():
			res.err = callCtx.Err()
		}
	}

	outcome := keysearch.BackendOutcome{Endpoint: ep, Elapsed: time.Since(start)}
	if res.err != nil {
		status := adapter.StatusOf(res.err)
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			status = keysearch.OutcomeTimeout
		}
		outcome.Status = status
		outcome.Detail = res.err.Error()

		span.RecordError(res.err)
		span.SetStatus(codes.Error, status.String())
		if ctx.Err() == nil {
			d.logger.Warn("backend search failed",
				"search_id", req.ID, "endpoint", ep.Name, "status", status.String(),
				"elapsed", outcome.Elapsed, "err", res.err)
		}
	} else {
		outcome.Status = keysearch.OutcomeSuccess
		outcome.Records = res.result.Records
		outcome.Skipped = res.result.Skipped
		if outcome.Skipped > 0 {
			d.logger.Warn("backend returned malformed entries",
				"search_id", req.ID, "endpoint", ep.Name, "skipped", outcome.Skipped)
		}
		span.SetAttributes(attribute.Int("keysearch.records", len(outcome.Records)))
	}

	d.metrics.ObserveBackend(ep.Name, outcome.Status.String(), outcome.Elapsed, outcome.Skipped)
	return outcome
}

// wait blocks on the endpoint rate limiter, if one is configured.
func (d *Dispatcher) wait(ctx context.Context, ep keysearch.Endpoint) error {
	lim := d.limiter(ep)
	if lim == nil {
		return nil
	}
	if err := lim.Wait(ctx); err != nil {
		// Wait fails early when the deadline cannot be met.
		return adapter.NewError(keysearch.OutcomeTimeout, ep.Name, fmt.Errorf("rate limit: %w", err))
	}
	return nil
}

func (d *Dispatcher) limiter(ep keysearch.Endpoint) *rate.Limiter {
	if ep.RateLimit <= 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[ep.Name]
	if !ok {
		burst := ep.Burst
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(ep.RateLimit), burst)
		d.limiters[ep.Name] = lim
	}
	return lim
}
