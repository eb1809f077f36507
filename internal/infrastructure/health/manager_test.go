package health

import (
	"fmt"
	"testing"
)

func TestManagerAggregation(t *testing.T) {
	m := NewManager(nil)

	// Initial state: healthy (no checks)
	if !m.IsHealthy() {
		t.Error("Empty health manager should be healthy")
	}

	m.Register("journal", func() error { return nil })
	if !m.IsHealthy() {
		t.Error("Healthy component should not fail manager")
	}

	m.Register("redis", func() error { return fmt.Errorf("failed") })
	if m.IsHealthy() {
		t.Error("Unhealthy component should fail manager")
	}

	status := m.Status()
	if status["journal"] != "Healthy" {
		t.Errorf("Expected Healthy, got %s", status["journal"])
	}
	if status["redis"] != "Unhealthy: failed" {
		t.Errorf("Expected Unhealthy, got %s", status["redis"])
	}
}
