package health

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/c360/tripscope/metric"
)

// CheckFunc reports the current health of one component.
type CheckFunc func(ctx context.Context) Status

// Monitor tracks pushed statuses and pull-based checks.
type Monitor struct {
	mu       sync.RWMutex
	statuses map[string]Status
	checks   map[string]CheckFunc
	metrics  *metric.Metrics
}

// NewMonitor creates a monitor. metrics may be nil.
func NewMonitor(metrics *metric.Metrics) *Monitor {
	return &Monitor{
		statuses: make(map[string]Status),
		checks:   make(map[string]CheckFunc),
		metrics:  metrics,
	}
}

// Update stores a pushed status under name.
func (m *Monitor) Update(name string, status Status) {
	status.Component = name
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	m.mu.Lock()
	m.statuses[name] = status
	m.mu.Unlock()
	m.metrics.RecordHealthStatus(name, status.IsHealthy())
}

func (m *Monitor) UpdateHealthy(name, message string) {
	m.Update(name, NewHealthy(name, message))
}

func (m *Monitor) UpdateUnhealthy(name, message string) {
	m.Update(name, NewUnhealthy(name, message))
}

func (m *Monitor) UpdateDegraded(name, message string) {
	m.Update(name, NewDegraded(name, message))
}

// Register adds a check. A check registered under the name of a pushed
// status takes precedence over it.
func (m *Monitor) Register(name string, check CheckFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Get returns the last pushed status for name.
func (m *Monitor) Get(name string) (Status, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	status, ok := m.statuses[name]
	return status, ok
}

// Remove forgets both the pushed status and the check for name.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.statuses, name)
	delete(m.checks, name)
}

// Components returns every monitored name in sorted order.
func (m *Monitor) Components() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.statuses)+len(m.checks))
	for name := range m.statuses {
		names = append(names, name)
	}
	for name := range m.checks {
		if _, pushed := m.statuses[name]; !pushed {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// Check runs every registered check and aggregates the results with the
// pushed statuses. A panicking check counts as unhealthy.
func (m *Monitor) Check(ctx context.Context, system string) Status {
	m.mu.RLock()
	checks := make(map[string]CheckFunc, len(m.checks))
	for name, fn := range m.checks {
		checks[name] = fn
	}
	subs := make([]Status, 0, len(m.statuses)+len(m.checks))
	for name, status := range m.statuses {
		if _, overridden := checks[name]; !overridden {
			subs = append(subs, status)
		}
	}
	m.mu.RUnlock()

	for name, fn := range checks {
		status := runCheck(ctx, name, fn)
		m.metrics.RecordHealthStatus(name, status.IsHealthy())
		subs = append(subs, status)
	}
	return Aggregate(system, subs)
}

func runCheck(ctx context.Context, name string, fn CheckFunc) (status Status) {
	defer func() {
		if r := recover(); r != nil {
			status = NewUnhealthy(name, sanitizeErrorMessage(fmt.Sprint("check panicked: ", r)))
		}
	}()
	status = fn(ctx)
	status.Component = name
	if status.State == "" {
		status.State = StateUnhealthy
	}
	status.Healthy = status.State == StateHealthy
	if status.Timestamp.IsZero() {
		status.Timestamp = time.Now()
	}
	return status
}
