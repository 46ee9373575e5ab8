package observability

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/lifecyclehq/go-journey-backend/internal/config"
)

func preserveOTelGlobals(t *testing.T) {
	t.Helper()
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})
}

func enabledConfig(service string) config.OTELConfig {
	return config.OTELConfig{
		Enabled:     true,
		Insecure:    true,
		Endpoint:    "localhost:4317",
		ServiceName: service,
		SampleRatio: 1.0,
	}
}

func TestSetupOTel_DisabledIsNoOp(t *testing.T) {
	preserveOTelGlobals(t)

	cfg := enabledConfig("journey-backend")
	cfg.Enabled = false
	cfg.Endpoint = "ignored:4317"

	shutdown, err := SetupOTel(context.Background(), cfg, "v0.0.0")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown returned error: %v", err)
	}
}

func TestSetupOTel_InstallsProviderAndPropagator(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("journey-backend"), "v1.2.3")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}

	// Round-trip the propagator so trace context injection is exercised.
	prop := otel.GetTextMapPropagator()
	carrier := propagation.MapCarrier{}
	ctx, span := otel.Tracer("test").Start(context.Background(), "dispatch.run")
	span.End()
	prop.Inject(ctx, carrier)
	_ = prop.Extract(context.Background(), carrier)
}

func TestSetupOTel_TLSBranch(t *testing.T) {
	preserveOTelGlobals(t)

	cfg := enabledConfig("journey-backend-tls")
	cfg.Insecure = false

	shutdown, err := SetupOTel(context.Background(), cfg, "v9.9.9")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		t.Fatalf("expected *sdktrace.TracerProvider")
	}
	_, span := otel.Tracer("tls-test").Start(context.Background(), "journey.start")
	span.End()
}

func TestSetupOTel_CanceledContextStillSucceeds(t *testing.T) {
	preserveOTelGlobals(t)

	// Exporter construction is lazy, so a dead context must not fail setup.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	shutdown, err := SetupOTel(ctx, enabledConfig("journey-backend-canceled"), "vX.Y.Z")
	if err != nil {
		t.Fatalf("unexpected err with canceled ctx: %v", err)
	}
	if shutdown == nil {
		t.Fatalf("expected non-nil shutdown func")
	}
	_ = shutdown(context.Background())
}

func TestSetupOTel_ConstructionErrorsLeaveGlobalsIntact(t *testing.T) {
	t.Run("exporter failure", func(t *testing.T) {
		preserveOTelGlobals(t)

		orig := newOTLPExporterFn
		t.Cleanup(func() { newOTLPExporterFn = orig })
		newOTLPExporterFn = func(ctx context.Context, client otlptrace.Client) (*otlptrace.Exporter, error) {
			return nil, errors.New("collector unreachable")
		}

		prevTP := otel.GetTracerProvider()
		prevProp := otel.GetTextMapPropagator()

		if _, err := SetupOTel(context.Background(), enabledConfig("journey-backend"), "v0"); err == nil {
			t.Fatalf("expected error, got nil")
		}
		if otel.GetTracerProvider() != prevTP {
			t.Fatalf("tracer provider changed on failure")
		}
		if otel.GetTextMapPropagator() != prevProp {
			t.Fatalf("propagator changed on failure")
		}
	})

	t.Run("resource failure", func(t *testing.T) {
		preserveOTelGlobals(t)

		orig := newServiceResourceFn
		t.Cleanup(func() { newServiceResourceFn = orig })
		newServiceResourceFn = func(ctx context.Context, serviceName, version string) (*resource.Resource, error) {
			return nil, errors.New("resource detection failed")
		}

		prevTP := otel.GetTracerProvider()
		prevProp := otel.GetTextMapPropagator()

		if _, err := SetupOTel(context.Background(), enabledConfig("journey-backend"), "v0"); err == nil {
			t.Fatalf("expected error, got nil")
		}
		if otel.GetTracerProvider() != prevTP {
			t.Fatalf("tracer provider changed on failure")
		}
		if otel.GetTextMapPropagator() != prevProp {
			t.Fatalf("propagator changed on failure")
		}
	})
}

func TestSetupOTel_ShutdownCompletes(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("journey-backend-shutdown"), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	ct, cancel := context.WithTimeout(context.Background(), 250*time.Millisecond)
	defer cancel()
	if err := shutdown(ct); err != nil {
		t.Fatalf("shutdown returned error: %v", err)
	}
}

func TestSetupOTel_SpanSmoke(t *testing.T) {
	preserveOTelGlobals(t)

	shutdown, err := SetupOTel(context.Background(), enabledConfig("journey-backend-span"), "v1")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	// Shutdown may fail flushing to the absent collector, which is fine
	// here.
	defer func() { _ = shutdown(context.Background()) }()

	_, span := otel.Tracer("smoke").Start(context.Background(), "message.send", trace.WithSpanKind(trace.SpanKindInternal))
	span.End()
}
