// Package telemetry wires OpenTelemetry tracing for job runs, phases and model calls.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/felixgeelhaar/foundry/internal/log"
)

var (
	providerMu sync.RWMutex
	provider   trace.TracerProvider = noop.NewTracerProvider()
)

// InitProvider installs the tracer provider foundry records spans with and
// returns its shutdown func. With tracing disabled spans go to a no-op provider.
// Without an endpoint spans are sampled but never exported.
func InitProvider(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		SetTracerProvider(nil)
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRate)),
	}
	if cfg.Endpoint != "" {
		exporter, err := otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithCompression(otlptracehttp.GzipCompression),
		)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(
			newRetryingExporter(exporter, log.L().With("component", "telemetry")),
			sdktrace.WithBatchTimeout(5*time.Second),
		))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	SetTracerProvider(tp)
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		SetTracerProvider(nil)
		return tp.Shutdown(ctx)
	}, nil
}

func sampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1:
		return sdktrace.AlwaysSample()
	case rate <= 0:
		return sdktrace.NeverSample()
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
	}
}

// SetTracerProvider installs tp as the provider spans are started from. nil
// restores the no-op provider.
func SetTracerProvider(tp trace.TracerProvider) {
	if tp == nil {
		tp = noop.NewTracerProvider()
	}
	providerMu.Lock()
	provider = tp
	providerMu.Unlock()
}

// GetTracerProvider returns the provider spans are started from
func GetTracerProvider() trace.TracerProvider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return provider
}

// retryingExporter retries a failed batch with backoff. Once maxFailures
// batches in a row are lost it stops calling the collector for cooldown, so a
// dead collector does not slow every job down.
type retryingExporter struct {
	next        sdktrace.SpanExporter
	newBackOff  func() backoff.BackOff
	logger      *log.Logger
	now         func() time.Time
	maxFailures int
	cooldown    time.Duration

	mu          sync.Mutex
	failures    int
	dropped     int
	pausedUntil time.Time
}

func newRetryingExporter(next sdktrace.SpanExporter, logger *log.Logger) *retryingExporter {
	return &retryingExporter{
		next: next,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			b.MaxElapsedTime = 10 * time.Second
			return backoff.WithMaxRetries(b, 4)
		},
		logger:      logger,
		now:         time.Now,
		maxFailures: 5,
		cooldown:    30 * time.Second,
	}
}

func (e *retryingExporter) ExportSpans(ctx context.Context, spans []sdktrace.ReadOnlySpan) error {
	if e.paused() {
		e.mu.Lock()
		e.dropped += len(spans)
		e.mu.Unlock()
		return fmt.Errorf("trace export paused after %d failed batches", e.maxFailures)
	}

	err := backoff.Retry(func() error {
		return e.next.ExportSpans(ctx, spans)
	}, backoff.WithContext(e.newBackOff(), ctx))

	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		e.failures = 0
		e.pausedUntil = time.Time{}
		return nil
	}
	e.failures++
	e.dropped += len(spans)
	if e.failures >= e.maxFailures {
		e.pausedUntil = e.now().Add(e.cooldown)
		e.logger.WithError(err).Warn("pausing trace export",
			"failed_batches", e.failures, "dropped_spans", e.dropped, "cooldown", e.cooldown)
	}
	return fmt.Errorf("export %d spans: %w", len(spans), err)
}

func (e *retryingExporter) paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.now().Before(e.pausedUntil)
}

func (e *retryingExporter) Shutdown(ctx context.Context) error {
	return e.next.Shutdown(ctx)
}
