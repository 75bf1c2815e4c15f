package engine

import (
	"time"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/monitor"
	"github.com/c360/tripscope/widget"
	"github.com/c360/tripscope/workflow"
)

// DefaultSnapshotLimit is the number of recent metrics and messages exported
// with a snapshot.
const DefaultSnapshotLimit = 100

// Config holds the runtime settings of an Engine.
type Config struct {
	// MetricRetention caps the metric log kept per instance.
	MetricRetention int
	// MessageRetention caps the bus message history.
	MessageRetention int
	// Timeouts bound calls into widget implementations.
	Timeouts widget.Timeouts
	// SessionID tags instances saved to the store.
	SessionID string
	// RetryDelay is the wait before a failed workflow step is retried.
	RetryDelay time.Duration
	// MaxSteps caps the steps processed by one workflow execution.
	MaxSteps int
	// RouterConcurrency bounds parallel deliveries per broadcast. Zero is unbounded.
	RouterConcurrency int
	// SnapshotLimit is the number of recent metrics and messages exported.
	SnapshotLimit int
}

// DefaultConfig returns the runtime defaults.
func DefaultConfig() Config {
	return Config{
		MetricRetention:  monitor.DefaultRetention,
		MessageRetention: bus.DefaultRetention,
		Timeouts:         widget.DefaultTimeouts(),
		RetryDelay:       workflow.DefaultRetryDelay,
		MaxSteps:         workflow.DefaultMaxSteps,
		SnapshotLimit:    DefaultSnapshotLimit,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MetricRetention <= 0 {
		c.MetricRetention = def.MetricRetention
	}
	if c.MessageRetention <= 0 {
		c.MessageRetention = def.MessageRetention
	}
	if c.RetryDelay < 0 {
		c.RetryDelay = 0
	}
	if c.MaxSteps <= 0 {
		c.MaxSteps = def.MaxSteps
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = def.SnapshotLimit
	}
	return c
}
