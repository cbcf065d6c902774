// Package health aggregates component statuses for the runtime. Each
// long-lived component registers a probe; Monitor folds the probe
// results into one overall status.
package health

import (
	"sync"
	"time"
)

// State is the coarse health classification.
type State string

const (
	StateHealthy   State = "healthy"
	StateDegraded  State = "degraded"
	StateUnhealthy State = "unhealthy"
)

// Status is one component's health report.
type Status struct {
	Component string    `json:"component"`
	State     State     `json:"state"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Healthy builds a healthy status for a component.
func Healthy(component string) Status {
	return Status{Component: component, State: StateHealthy, Timestamp: time.Now()}
}

// Degraded builds a degraded status with an explanation.
func Degraded(component, message string) Status {
	return Status{Component: component, State: StateDegraded, Message: message, Timestamp: time.Now()}
}

// Unhealthy builds an unhealthy status with an explanation.
func Unhealthy(component, message string) Status {
	return Status{Component: component, State: StateUnhealthy, Message: message, Timestamp: time.Now()}
}

// Probe reports the current status of one component. Probes must be
// fast and non-blocking; they run on the caller's goroutine.
type Probe func() Status

// Monitor holds the registered probes.
type Monitor struct {
	mu     sync.Mutex
	probes []Probe
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{}
}

// Register adds a probe.
func (m *Monitor) Register(probe Probe) {
	if probe == nil {
		return
	}
	m.mu.Lock()
	m.probes = append(m.probes, probe)
	m.mu.Unlock()
}

// Collect runs every probe and returns the individual reports.
func (m *Monitor) Collect() []Status {
	m.mu.Lock()
	probes := make([]Probe, len(m.probes))
	copy(probes, m.probes)
	m.mu.Unlock()

	out := make([]Status, 0, len(probes))
	for _, probe := range probes {
		out = append(out, probe())
	}
	return out
}

// Overall folds the reports: any unhealthy component makes the node
// unhealthy, any degraded one makes it degraded.
func (m *Monitor) Overall() Status {
	overall := Healthy("node")
	for _, s := range m.Collect() {
		switch s.State {
		case StateUnhealthy:
			return Unhealthy("node", s.Component+": "+s.Message)
		case StateDegraded:
			overall = Degraded("node", s.Component+": "+s.Message)
		}
	}
	return overall
}
