package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestSetupDisabledByDefault(t *testing.T) {
	t.Setenv(EnvVar, "")
	if Enabled() {
		t.Fatal("Enabled() = true with empty ODETL_TELEMETRY")
	}

	m, shutdown, err := Setup(context.Background(), "test")
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	if m == nil {
		t.Fatal("Setup() returned nil metrics")
	}
	// No-op instruments must accept records without complaint.
	m.RecordCopy(context.Background(), "patient", 5, time.Second)
	m.RecordLoad(context.Background(), "claim", 1234, time.Second)
	m.RecordFailure(context.Background(), "appointment", "replicate")
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestSetupEnabled(t *testing.T) {
	t.Setenv(EnvVar, "stdout")
	if !Enabled() {
		t.Fatal("Enabled() = false with ODETL_TELEMETRY set")
	}

	m, shutdown, err := Setup(context.Background(), "test")
	if err != nil {
		t.Fatalf("Setup() error: %v", err)
	}
	m.RecordCopy(context.Background(), "patient", 5, time.Second)
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.RecordCopy(context.Background(), "patient", 1, time.Second)
	m.RecordLoad(context.Background(), "patient", 1, time.Second)
	m.RecordFailure(context.Background(), "patient", "load")
}
