// Package monitor records per-instance metrics and raises alerts on them.
package monitor

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/pkg/buffer"
	"github.com/c360/tripscope/widget"
)

const (
	// DefaultRetention is the per-instance metric cap.
	DefaultRetention = 1000
	// AlertMessageType is the bus message type of raised alerts.
	AlertMessageType = "alert"
	// ProcessDurationMetric is recorded for every processed instance.
	ProcessDurationMetric = "process_duration_ms"
)

// Metric is one recorded sample.
type Metric struct {
	InstanceID string         `json:"instance_id"`
	Name       string         `json:"name"`
	Value      float64        `json:"value"`
	Timestamp  time.Time      `json:"timestamp"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AlertEvent is the payload of an alert message.
type AlertEvent struct {
	AlertID    string          `json:"alert_id"`
	EventID    string          `json:"event_id"`
	InstanceID string          `json:"instance_id"`
	Metric     string          `json:"metric"`
	Value      float64         `json:"value"`
	Severity   widget.Severity `json:"severity"`
	Message    string          `json:"message"`
}

// Filter selects metrics. Zero fields match everything.
type Filter struct {
	InstanceID string
	Name       string
	From       time.Time
	To         time.Time
	Limit      int
}

func (f Filter) match(m Metric) bool {
	if f.Name != "" && m.Name != f.Name {
		return false
	}
	if !f.From.IsZero() && m.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && m.Timestamp.After(f.To) {
		return false
	}
	return true
}

// Sender publishes alert messages. *bus.Bus implements it.
type Sender interface {
	Send(ctx context.Context, from string, env bus.Envelope) (bus.Message, error)
}

type series struct {
	mu     sync.Mutex
	log    buffer.Buffer[Metric]
	alerts []widget.AlertSpec
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics counts fired alerts.
func WithMetrics(c *metric.Metrics) Option {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// WithRetention sets the per-instance cap.
func WithRetention(n int) Option {
	return func(m *Monitor) {
		if n > 0 {
			m.retention = n
		}
	}
}

// Monitor keeps a bounded metric log per instance. Records for one instance
// are stored and evaluated in call order.
type Monitor struct {
	sender    Sender
	logger    *slog.Logger
	metrics   *metric.Metrics
	retention int
	evaluator *expression.Evaluator

	mu     sync.RWMutex
	series map[string]*series

	recorded atomic.Int64
	fired    atomic.Int64
}

// New creates a monitor sending alerts through sender.
func New(sender Sender, opts ...Option) *Monitor {
	m := &Monitor{
		sender:    sender,
		logger:    slog.Default(),
		retention: DefaultRetention,
		evaluator: expression.NewEvaluator(),
		series:    make(map[string]*series),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Monitor) get(id string, create bool) *series {
	m.mu.RLock()
	s := m.series[id]
	m.mu.RUnlock()
	if s != nil || !create {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s = m.series[id]; s == nil {
		s = &series{log: buffer.MustCircularBuffer[Metric](m.retention)}
		m.series[id] = s
	}
	return s
}

// AttachAlerts replaces the alerts evaluated for an instance.
func (m *Monitor) AttachAlerts(id string, alerts []widget.AlertSpec) {
	s := m.get(id, true)
	s.mu.Lock()
	s.alerts = slices.Clone(alerts)
	s.mu.Unlock()
}

// DetachAlerts stops alert evaluation for an instance. Its metrics stay queryable.
func (m *Monitor) DetachAlerts(id string) {
	if s := m.get(id, false); s != nil {
		s.mu.Lock()
		s.alerts = nil
		s.mu.Unlock()
	}
}

// Alerts returns the alerts attached to an instance.
func (m *Monitor) Alerts(id string) []widget.AlertSpec {
	s := m.get(id, false)
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.alerts)
}

// Record appends a metric and evaluates the instance's alerts against it.
// Alerts are sent after the instance's log is unlocked, so alert handlers
// may record metrics themselves. Alert failures are logged and never returned.
func (m *Monitor) Record(ctx context.Context, instanceID, name string, value float64, metadata map[string]any) (Metric, error) {
	if instanceID == "" || name == "" {
		return Metric{}, errors.WrapInvalid(errors.Invalidf("instance id and metric name are required"),
			"Monitor", "Record", "metric validation")
	}

	rec := Metric{
		InstanceID: instanceID,
		Name:       name,
		Value:      value,
		Timestamp:  time.Now(),
		Metadata:   metadata,
	}

	s := m.get(instanceID, true)
	s.mu.Lock()
	_ = s.log.Write(rec)
	m.recorded.Add(1)
	var fired []AlertEvent
	for _, alert := range s.alerts {
		if event, ok := m.evaluate(alert, rec); ok {
			fired = append(fired, event)
		}
	}
	s.mu.Unlock()

	for _, event := range fired {
		m.send(ctx, event)
	}
	return rec, nil
}

func (m *Monitor) evaluate(alert widget.AlertSpec, rec Metric) (AlertEvent, bool) {
	if alert.Metric != "" && alert.Metric != rec.Name {
		return AlertEvent{}, false
	}

	env := map[string]any{
		"value":       rec.Value,
		"name":        rec.Name,
		"instance_id": rec.InstanceID,
		"metadata":    rec.Metadata,
	}
	ok, err := m.evaluator.Evaluate(alert.Condition, env)
	if err != nil {
		m.logger.Warn("Alert evaluation failed",
			"instance_id", rec.InstanceID, "alert_id", alert.ID, "metric", rec.Name, "error", err)
		return AlertEvent{}, false
	}
	if !ok {
		return AlertEvent{}, false
	}

	m.fired.Add(1)
	m.metrics.RecordAlert(string(alert.Severity))
	return AlertEvent{
		AlertID:    alert.ID,
		EventID:    uuid.NewString(),
		InstanceID: rec.InstanceID,
		Metric:     rec.Name,
		Value:      rec.Value,
		Severity:   alert.Severity,
		Message:    alert.Message,
	}, true
}

func (m *Monitor) send(ctx context.Context, event AlertEvent) {
	if m.sender == nil {
		return
	}
	if _, err := m.sender.Send(ctx, bus.SystemID, bus.Envelope{Type: AlertMessageType, Payload: event}); err != nil {
		m.logger.Warn("Alert delivery failed", "instance_id", event.InstanceID, "alert_id", event.AlertID, "error", err)
	}
}

// Query returns matching metrics ordered by timestamp.
func (m *Monitor) Query(f Filter) []Metric {
	var ids []string
	if f.InstanceID != "" {
		ids = []string{f.InstanceID}
	} else {
		m.mu.RLock()
		for id := range m.series {
			ids = append(ids, id)
		}
		m.mu.RUnlock()
	}

	var out []Metric
	for _, id := range ids {
		s := m.get(id, false)
		if s == nil {
			continue
		}
		for _, rec := range s.log.Snapshot() {
			if f.match(rec) {
				out = append(out, rec)
			}
		}
	}

	slices.SortStableFunc(out, func(a, b Metric) int { return a.Timestamp.Compare(b.Timestamp) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[len(out)-f.Limit:]
	}
	return out
}

// Recent returns the newest n metrics across all instances.
func (m *Monitor) Recent(n int) []Metric {
	return m.Query(Filter{Limit: n})
}

// Restore appends exported metrics without evaluating alerts.
func (m *Monitor) Restore(metrics []Metric) {
	for _, rec := range metrics {
		if rec.InstanceID == "" {
			continue
		}
		s := m.get(rec.InstanceID, true)
		s.mu.Lock()
		_ = s.log.Write(rec)
		s.mu.Unlock()
	}
}

// Stats reports how many metrics were recorded and alerts fired.
func (m *Monitor) Stats() (recorded, fired int64) {
	return m.recorded.Load(), m.fired.Load()
}

// InstanceCreated attaches the definition's alerts.
func (m *Monitor) InstanceCreated(inst *widget.Instance, def *widget.Definition) {
	if def.Monitoring != nil && len(def.Monitoring.Alerts) > 0 {
		m.AttachAlerts(inst.ID, def.Monitoring.Alerts)
	}
}

// InstanceRemoved detaches alerts.
func (m *Monitor) InstanceRemoved(id string) {
	m.DetachAlerts(id)
}

// InstanceProcessed records the processing duration. Numeric outputs named
// by an attached alert's metric are recorded too, so alerts can watch outputs.
func (m *Monitor) InstanceProcessed(ev widget.ProcessEvent) {
	ctx := context.Background()
	ms := float64(ev.Duration.Microseconds()) / 1000
	md := map[string]any{"success": ev.Err == nil}
	if _, err := m.Record(ctx, ev.Instance.ID, ProcessDurationMetric, ms, md); err != nil {
		m.logger.Debug("Process duration not recorded", "instance_id", ev.Instance.ID, "error", err)
	}
	if ev.Err != nil {
		return
	}

	for _, name := range m.outputMetrics(ev.Instance.ID) {
		v, ok := expression.ToFloat64(ev.Outputs[name])
		if !ok {
			continue
		}
		if _, err := m.Record(ctx, ev.Instance.ID, name, v, map[string]any{"source": "output"}); err != nil {
			m.logger.Debug("Output metric not recorded", "instance_id", ev.Instance.ID, "metric", name, "error", err)
		}
	}
}

// outputMetrics lists the distinct alert metric names of an instance other
// than the processing duration.
func (m *Monitor) outputMetrics(id string) []string {
	var names []string
	for _, a := range m.Alerts(id) {
		if a.Metric == "" || a.Metric == ProcessDurationMetric || slices.Contains(names, a.Metric) {
			continue
		}
		names = append(names, a.Metric)
	}
	return names
}

func (m *Monitor) InstanceUpdated(*widget.Instance) {}

var _ widget.Observer = (*Monitor)(nil)
