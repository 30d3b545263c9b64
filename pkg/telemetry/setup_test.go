package telemetry

import (
	"context"
	"testing"
)

func TestSetupWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "kamera-test", "")
	if err != nil {
		t.Fatalf("Failed to setup telemetry: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("Failed to shutdown no-op telemetry: %v", err)
	}
}
