package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tripscope"

// Metrics contains the runtime-level metrics shared by all components.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	WidgetInstances    *prometheus.GaugeVec
	WidgetProcessed    *prometheus.CounterVec
	ProcessDuration    *prometheus.HistogramVec
	SignalsBroadcast   *prometheus.CounterVec
	BusMessages        *prometheus.CounterVec
	AlertsFired        *prometheus.CounterVec
	WorkflowExecutions *prometheus.CounterVec
	StepAttempts       *prometheus.CounterVec
	PersistenceWrites  *prometheus.CounterVec
	ErrorsTotal        *prometheus.CounterVec
	HealthCheckStatus  *prometheus.GaugeVec
}

// NewMetrics creates the runtime metrics. They are not registered.
func NewMetrics() *Metrics {
	return &Metrics{
		WidgetInstances: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "widget",
				Name:      "instances",
				Help:      "Number of widget instances by status",
			},
			[]string{"status"},
		),

		WidgetProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "widget",
				Name:      "processed_total",
				Help:      "Total number of widget process calls",
			},
			[]string{"definition", "status"},
		),

		ProcessDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "widget",
				Name:      "process_duration_seconds",
				Help:      "Widget process duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"definition"},
		),

		SignalsBroadcast: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "router",
				Name:      "broadcasts_total",
				Help:      "Total number of signal broadcasts",
			},
			[]string{"signal"},
		),

		BusMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "bus",
				Name:      "messages_total",
				Help:      "Total number of bus messages sent",
			},
			[]string{"type"},
		),

		AlertsFired: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "alerts_total",
				Help:      "Total number of alerts fired",
			},
			[]string{"severity"},
		),

		WorkflowExecutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "executions_total",
				Help:      "Total number of finished workflow executions",
			},
			[]string{"workflow", "status"},
		),

		StepAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "workflow",
				Name:      "step_attempts_total",
				Help:      "Total number of workflow step attempts",
			},
			[]string{"type", "status"},
		),

		PersistenceWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "Total number of persistence writes",
			},
			[]string{"operation", "status"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors",
			},
			[]string{"component", "class"},
		),

		HealthCheckStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "status",
				Help:      "Health check status (0=unhealthy, 1=healthy)",
			},
			[]string{"component"},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.WidgetInstances,
		c.WidgetProcessed,
		c.ProcessDuration,
		c.SignalsBroadcast,
		c.BusMessages,
		c.AlertsFired,
		c.WorkflowExecutions,
		c.StepAttempts,
		c.PersistenceWrites,
		c.ErrorsTotal,
		c.HealthCheckStatus,
	}
}

// SetInstances updates the instance gauge for one status
func (c *Metrics) SetInstances(status string, n int) {
	if c == nil {
		return
	}
	c.WidgetInstances.WithLabelValues(status).Set(float64(n))
}

// RecordProcess records one widget process call
func (c *Metrics) RecordProcess(definition string, ok bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.WidgetProcessed.WithLabelValues(definition, statusLabel(ok)).Inc()
	c.ProcessDuration.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordBroadcast increments the broadcast counter
func (c *Metrics) RecordBroadcast(signal string) {
	if c == nil {
		return
	}
	c.SignalsBroadcast.WithLabelValues(signal).Inc()
}

// RecordBusMessage increments the bus message counter
func (c *Metrics) RecordBusMessage(messageType string) {
	if c == nil {
		return
	}
	c.BusMessages.WithLabelValues(messageType).Inc()
}

// RecordAlert increments the alert counter
func (c *Metrics) RecordAlert(severity string) {
	if c == nil {
		return
	}
	c.AlertsFired.WithLabelValues(severity).Inc()
}

// RecordExecution records a finished workflow execution
func (c *Metrics) RecordExecution(workflow, status string) {
	if c == nil {
		return
	}
	c.WorkflowExecutions.WithLabelValues(workflow, status).Inc()
}

// RecordStepAttempt records one step attempt
func (c *Metrics) RecordStepAttempt(stepType string, ok bool) {
	if c == nil {
		return
	}
	c.StepAttempts.WithLabelValues(stepType, statusLabel(ok)).Inc()
}

// RecordPersistence records one persistence write
func (c *Metrics) RecordPersistence(operation string, ok bool) {
	if c == nil {
		return
	}
	c.PersistenceWrites.WithLabelValues(operation, statusLabel(ok)).Inc()
}

// RecordError increments error counter
func (c *Metrics) RecordError(component, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordHealthStatus updates health check status
func (c *Metrics) RecordHealthStatus(component string, healthy bool) {
	if c == nil {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	c.HealthCheckStatus.WithLabelValues(component).Set(value)
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
