package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
)

func TestTelemetrySetup(t *testing.T) {
	tel, err := Setup("omniman-test")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}

	// Verify providers are set
	if otel.GetTracerProvider() == nil {
		t.Error("Tracer provider not set")
	}
	if otel.GetMeterProvider() == nil {
		t.Error("Meter provider not set")
	}

	// Test GetTracer/GetMeter
	tracer := GetTracer("test-tracer")
	if tracer == nil {
		t.Error("Failed to get tracer")
	}

	meter := GetMeter("test-meter")
	if meter == nil {
		t.Error("Failed to get meter")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := tel.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown failed: %v", err)
	}
}

func TestMetricsHolderInstruments(t *testing.T) {
	tel, err := Setup("omniman-metrics-test")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = tel.Shutdown(ctx)
	}()

	holder := GetGlobalMetrics()
	if holder.ModifyTotal == nil || holder.CommitsTotal == nil || holder.WriteLatency == nil {
		t.Fatal("instruments not initialized by Setup")
	}

	holder.SetSessionsOpen(3)
	holder.SetQueueDepth("stock.hold", 7)

	depths := holder.GetQueueDepth()
	if depths["stock.hold"] != 7 {
		t.Errorf("queue depth = %d, want 7", depths["stock.hold"])
	}
}
