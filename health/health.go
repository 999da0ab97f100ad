// Package health provides health monitoring for the service: probe
// registration, aggregated status, and the /healthz and /readyz handlers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// Probe checks one dependency and returns an error when it is unhealthy
type Probe func(ctx context.Context) error

// Status represents the health state of a component or the whole service
type Status struct {
	Component   string    `json:"component"`
	Healthy     bool      `json:"healthy"`
	Status      string    `json:"status"` // "healthy", "unhealthy"
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy returns true if the status is healthy
func (s Status) IsHealthy() bool {
	return s.Status == "healthy"
}

// Monitor aggregates probes into a service-level status
type Monitor struct {
	component string
	timeout   time.Duration

	mu     sync.RWMutex
	probes map[string]Probe
}

// NewMonitor creates a monitor for the named component
func NewMonitor(component string) *Monitor {
	return &Monitor{
		component: component,
		timeout:   2 * time.Second,
		probes:    make(map[string]Probe),
	}
}

// Register adds a named probe. Re-registering a name replaces the probe.
func (m *Monitor) Register(name string, probe Probe) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.probes[name] = probe
}

// Check runs every probe and aggregates the results. The service is
// healthy only when every probe passes.
func (m *Monitor) Check(ctx context.Context) Status {
	m.mu.RLock()
	probes := make(map[string]Probe, len(m.probes))
	for name, p := range m.probes {
		probes[name] = p
	}
	m.mu.RUnlock()

	overall := Status{
		Component: m.component,
		Healthy:   true,
		Status:    "healthy",
		Timestamp: time.Now(),
	}

	for name, probe := range probes {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := probe(probeCtx)
		cancel()

		sub := Status{
			Component: name,
			Healthy:   err == nil,
			Status:    "healthy",
			Timestamp: time.Now(),
		}
		if err != nil {
			sub.Status = "unhealthy"
			sub.Message = err.Error()
			overall.Healthy = false
			overall.Status = "unhealthy"
		}
		overall.SubStatuses = append(overall.SubStatuses, sub)
	}

	return overall
}

// LivenessHandler reports process liveness; it never consults probes
func (m *Monitor) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(Status{
			Component: m.component,
			Healthy:   true,
			Status:    "healthy",
			Timestamp: time.Now(),
		})
	})
}

// ReadinessHandler reports 200 only when every probe passes
func (m *Monitor) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Check(r.Context())

		w.Header().Set("Content-Type", "application/json")
		if !status.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}
