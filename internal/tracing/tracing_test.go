package tracing

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// stashOtelGlobals restores the process-wide otel state after the test so
// the opt-in Init path cannot leak a tracer provider into other tests.
func stashOtelGlobals(t *testing.T) {
	t.Helper()
	provider := otel.GetTracerProvider()
	propagator := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(provider)
		otel.SetTextMapPropagator(propagator)
	})
}

func TestInitDisabledWithoutEndpoint(t *testing.T) {
	stashOtelGlobals(t)
	before := noop.NewTracerProvider()
	otel.SetTracerProvider(before)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "   ")

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Init() shutdown = nil, want a no-op closer")
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("Init() replaced the global tracer provider with tracing disabled")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitInstallsSDKProvider(t *testing.T) {
	stashOtelGlobals(t)
	before := noop.NewTracerProvider()
	otel.SetTracerProvider(before)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://127.0.0.1:4318")
	t.Setenv("OTEL_SERVICE_NAME", "confplane-staging")

	shutdown, err := Init(context.Background())
	if err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if shutdown == nil {
		t.Fatal("Init() shutdown = nil, want non-nil")
	}

	installed := otel.GetTracerProvider()
	if installed == before {
		t.Fatal("Init() left the global tracer provider untouched")
	}
	if _, ok := installed.(*sdktrace.TracerProvider); !ok {
		t.Fatalf("tracer provider type = %T, want *sdktrace.TracerProvider", installed)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		t.Fatalf("shutdown() error = %v", err)
	}
}

func TestInitRejectsMalformedEndpoint(t *testing.T) {
	stashOtelGlobals(t)
	before := noop.NewTracerProvider()
	otel.SetTracerProvider(before)

	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://[::1")

	shutdown, err := Init(context.Background())
	if err == nil {
		t.Fatal("Init() error = nil, want error for malformed endpoint")
	}
	if !strings.Contains(err.Error(), "invalid OTLP endpoint") {
		t.Fatalf("Init() error = %q, want it to mention the OTLP endpoint", err)
	}
	if shutdown != nil {
		t.Fatal("Init() returned a shutdown func alongside an error")
	}
	if otel.GetTracerProvider() != before {
		t.Fatal("Init() replaced the global tracer provider despite failing")
	}
}

func TestServiceNameFromEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "")
	if got := serviceNameFromEnv(); got != defaultServiceName {
		t.Fatalf("serviceNameFromEnv() = %q, want %q", got, defaultServiceName)
	}

	t.Setenv("OTEL_SERVICE_NAME", " confplane-edge ")
	if got := serviceNameFromEnv(); got != "confplane-edge" {
		t.Fatalf("serviceNameFromEnv() = %q, want trimmed %q", got, "confplane-edge")
	}
}
