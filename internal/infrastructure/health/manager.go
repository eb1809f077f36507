// Package health aggregates component liveness checks and serves them over
// HTTP for probes.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"options_trader/internal/core"
)

// Manager aggregates health status from registered components.
type Manager struct {
	logger core.ILogger
	mu     sync.RWMutex
	checks map[string]func() error
	srv    *http.Server
}

// NewManager creates a new health manager.
func NewManager(logger core.ILogger) *Manager {
	m := &Manager{checks: make(map[string]func() error)}
	if logger != nil {
		m.logger = logger.WithField("component", "health_manager")
	}
	return m
}

// Register adds a health check for a component.
func (m *Manager) Register(component string, check func() error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[component] = check
}

// Status returns the current status of all registered components.
func (m *Manager) Status() map[string]string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]string)
	for component, check := range m.checks {
		if err := check(); err != nil {
			status[component] = "Unhealthy: " + err.Error()
		} else {
			status[component] = "Healthy"
		}
	}
	return status
}

// IsHealthy returns true when every registered check passes.
func (m *Manager) IsHealthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, check := range m.checks {
		if err := check(); err != nil {
			return false
		}
	}
	return true
}

// Serve exposes /healthz and /readyz on the given port.
func (m *Manager) Serve(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if m.IsHealthy() {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(m.Status())
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	m.srv = &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if m.logger != nil {
			m.logger.Info("Health endpoint listening", "port", port)
		}
		if err := m.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if m.logger != nil {
				m.logger.Error("Health server failed", "error", err)
			}
		}
	}()
}

// Shutdown stops the HTTP listener if Serve was called.
func (m *Manager) Shutdown(ctx context.Context) error {
	if m.srv == nil {
		return nil
	}
	return m.srv.Shutdown(ctx)
}
