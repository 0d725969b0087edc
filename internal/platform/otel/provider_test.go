package otel_test

import (
	"context"
	"testing"

	"github.com/emberveil/sagalog/internal/platform/otel"
)

func TestSetupDisabledWithoutEndpoint(t *testing.T) {
	t.Setenv("SAGALOG_OTEL_ENDPOINT", "")

	shutdown, err := otel.Setup(context.Background(), "sagalog-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if shutdown == nil {
		t.Fatal("expected shutdown func")
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestSetupDisabledExplicitly(t *testing.T) {
	t.Setenv("SAGALOG_OTEL_ENDPOINT", "http://localhost:4318")
	t.Setenv("SAGALOG_OTEL_ENABLED", "false")

	shutdown, err := otel.Setup(context.Background(), "sagalog-test")
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
