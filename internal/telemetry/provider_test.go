package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/felixgeelhaar/foundry/internal/log"
)

func TestInitProviderDisabled(t *testing.T) {
	ctx := context.Background()
	shutdown, err := InitProvider(ctx, DefaultConfig())
	if err != nil {
		t.Fatalf("InitProvider failed: %v", err)
	}
	if _, ok := GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("expected a noop provider, got %T", GetTracerProvider())
	}
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestInitProviderEnabled(t *testing.T) {
	config := DefaultConfig()
	config.Enabled = true
	config.Endpoint = "collector.example.com:4318"
	config.SampleRate = 0.5

	ctx := context.Background()
	shutdown, err := InitProvider(ctx, config)
	if err != nil {
		t.Fatalf("InitProvider failed: %v", err)
	}
	if _, ok := GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Errorf("expected an SDK tracer provider, got %T", GetTracerProvider())
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	_ = shutdown(shutdownCtx)
	if _, ok := GetTracerProvider().(noop.TracerProvider); !ok {
		t.Errorf("shutdown should restore the noop provider, got %T", GetTracerProvider())
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{1, "AlwaysOnSampler"},
		{2, "AlwaysOnSampler"},
		{0, "AlwaysOffSampler"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); got != tt.want {
			t.Errorf("sampler(%v) = %s, want %s", tt.rate, got, tt.want)
		}
	}
}

type flakyExporter struct {
	failures int
	calls    int
}

func (f *flakyExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error {
	f.calls++
	if f.calls <= f.failures {
		return errors.New("collector unavailable")
	}
	return nil
}

func (f *flakyExporter) Shutdown(context.Context) error { return nil }

func newTestExporter(inner sdktrace.SpanExporter) *retryingExporter {
	e := newRetryingExporter(inner, log.Nop())
	e.newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
	}
	return e
}

func TestRetryingExporterRetries(t *testing.T) {
	inner := &flakyExporter{failures: 2}
	e := newTestExporter(inner)

	if err := e.ExportSpans(context.Background(), nil); err != nil {
		t.Fatalf("ExportSpans failed: %v", err)
	}
	if inner.calls != 3 {
		t.Errorf("calls = %d, want 3", inner.calls)
	}
}

func TestRetryingExporterPausesAfterFailures(t *testing.T) {
	inner := &flakyExporter{failures: 1000}
	e := newTestExporter(inner)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }

	for i := 0; i < e.maxFailures; i++ {
		if err := e.ExportSpans(context.Background(), nil); err == nil {
			t.Fatal("expected export error")
		}
	}

	calls := inner.calls
	if err := e.ExportSpans(context.Background(), nil); err == nil {
		t.Fatal("expected the paused exporter to refuse")
	}
	if inner.calls != calls {
		t.Errorf("paused exporter still called the collector")
	}

	now = now.Add(31 * time.Second)
	inner.failures = 0
	if err := e.ExportSpans(context.Background(), nil); err != nil {
		t.Fatalf("export after cooldown failed: %v", err)
	}
	if e.paused() {
		t.Error("exporter should resume after a successful export")
	}
}
