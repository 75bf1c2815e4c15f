package widget

import (
	"context"
	"time"

	"github.com/c360/tripscope/expression"
)

// Values carries inputs, outputs and configuration keyed by field name.
type Values map[string]any

// Status is the lifecycle state of an instance.
type Status string

// Instance lifecycle states.
const (
	StatusStopped Status = "stopped"
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusError   Status = "error"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusStopped, StatusActive, StatusPaused, StatusError:
		return true
	}
	return false
}

// Category groups definitions for discovery.
type Category string

// Definition categories.
const (
	CategoryVisualization Category = "visualization"
	CategoryAnalysis      Category = "analysis"
	CategoryDataSource    Category = "data_source"
	CategoryExport        Category = "export"
)

// InputKind says where an input value comes from.
type InputKind string

// Input kinds. Signal inputs subscribe the instance to the signal of the same name.
const (
	InputSignal InputKind = "signal"
	InputData   InputKind = "data"
	InputConfig InputKind = "config"
)

// ValueRule constrains an input value at process time.
type ValueRule struct {
	Min   *float64 `json:"min,omitempty"`
	Max   *float64 `json:"max,omitempty"`
	OneOf []any    `json:"one_of,omitempty"`
}

// InputSpec declares one input.
type InputSpec struct {
	Name       string     `json:"name" validate:"required,ident"`
	Kind       InputKind  `json:"kind" validate:"required,oneof=signal data config"`
	Type       string     `json:"type,omitempty"`
	Required   bool       `json:"required,omitempty"`
	Validation *ValueRule `json:"validation,omitempty"`
}

// OutputSpec declares one output.
type OutputSpec struct {
	Name string    `json:"name" validate:"required,ident"`
	Kind InputKind `json:"kind,omitempty"`
	Type string    `json:"type,omitempty"`
}

// Severity of an alert.
type Severity string

// Alert severities.
const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// AlertSpec is a predicate over one metric of an instance. The condition is
// evaluated against {value, name, instance_id, metadata}.
type AlertSpec struct {
	ID        string          `json:"id" yaml:"id"`
	Metric    string          `json:"metric,omitempty" yaml:"metric,omitempty"`
	Condition expression.Expr `json:"condition" yaml:"condition"`
	Message   string          `json:"message" yaml:"message"`
	Severity  Severity        `json:"severity" yaml:"severity"`
}

// MonitoringSpec lists the alerts attached to every instance of a definition.
type MonitoringSpec struct {
	Alerts []AlertSpec `json:"alerts,omitempty"`
}

// StreamSpec gives an instance its own data stream buffer.
type StreamSpec struct {
	BufferSize    int           `json:"buffer_size"`
	FlushInterval time.Duration `json:"flush_interval"`
}

// Implementation is the behavior bound to a definition.
type Implementation interface {
	Initialize(ctx context.Context, config Values) error
	Process(ctx context.Context, inputs Values) (Values, error)
	Render(outputs Values) (any, error)
}

// Cleaner is implemented by widgets that hold resources.
type Cleaner interface {
	Cleanup(ctx context.Context) error
}

// ActionHandler is implemented by widgets that accept named actions, such as
// those sent by workflow action steps. Returned values are merged into the
// instance outputs.
type ActionHandler interface {
	HandleAction(ctx context.Context, action string, params Values) (Values, error)
}

// Factory builds one Implementation per instance.
type Factory func() Implementation

// Definition is an immutable widget template. Re-registering an id replaces it.
type Definition struct {
	ID           string                 `json:"id" validate:"required,ident"`
	Name         string                 `json:"name" validate:"required"`
	Category     Category               `json:"category" validate:"required,oneof=visualization analysis data_source export"`
	Version      string                 `json:"version,omitempty" validate:"semver"`
	Description  string                 `json:"description,omitempty"`
	Inputs       []InputSpec            `json:"inputs,omitempty" validate:"dive"`
	Outputs      []OutputSpec           `json:"outputs,omitempty" validate:"dive"`
	ConfigSchema map[string]ConfigField `json:"-" validate:"-"`
	Dependencies []string               `json:"dependencies,omitempty"`
	Monitoring   *MonitoringSpec        `json:"monitoring,omitempty" validate:"-"`
	Stream       *StreamSpec            `json:"stream,omitempty" validate:"-"`

	// Factory is preferred. Implementation is shared by every instance when set.
	Factory        Factory        `json:"-" validate:"-"`
	Implementation Implementation `json:"-" validate:"-"`
}

// SignalInputs returns the names of signal-kind inputs.
func (d *Definition) SignalInputs() []string {
	var out []string
	for _, in := range d.Inputs {
		if in.Kind == InputSignal {
			out = append(out, in.Name)
		}
	}
	return out
}

func (d *Definition) newImplementation() Implementation {
	if d.Factory != nil {
		return d.Factory()
	}
	return d.Implementation
}

// Instance is a configured, stateful copy of a definition.
type Instance struct {
	ID           string    `json:"id"`
	DefinitionID string    `json:"definition_id"`
	Name         string    `json:"name"`
	Config       Values    `json:"config"`
	Status       Status    `json:"status"`
	Inputs       Values    `json:"inputs"`
	Outputs      Values    `json:"outputs"`
	LastUpdated  time.Time `json:"last_updated"`
	Metadata     Values    `json:"metadata"`
}

// MetadataError is the metadata key holding the last captured failure.
const MetadataError = "error"

// Error returns the captured failure message, if any.
func (i *Instance) Error() string {
	if i == nil || i.Metadata == nil {
		return ""
	}
	s, _ := i.Metadata[MetadataError].(string)
	return s
}

// ConfigSignalsKey is the config key listing extra signals an instance
// subscribes to at creation, on top of its definition's signal inputs.
const ConfigSignalsKey = "signals"

// ConfigSignals returns the string entries of Config["signals"].
func (i *Instance) ConfigSignals() []string {
	if i == nil {
		return nil
	}
	var out []string
	switch v := i.Config[ConfigSignalsKey].(type) {
	case []string:
		out = append(out, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	if i == nil {
		return nil
	}
	c := *i
	c.Config = i.Config.Clone()
	c.Inputs = i.Inputs.Clone()
	c.Outputs = i.Outputs.Clone()
	c.Metadata = i.Metadata.Clone()
	return &c
}

// Clone deep-copies nested maps and slices. Nil stays nil.
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = cloneValue(val)
	}
	return out
}

// Merge returns a copy of v overlaid with other.
func (v Values) Merge(other Values) Values {
	out := v.Clone()
	if out == nil {
		out = make(Values, len(other))
	}
	for k, val := range other {
		out[k] = cloneValue(val)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return map[string]any(Values(val).Clone())
	case Values:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i := range val {
			out[i] = cloneValue(val[i])
		}
		return out
	case []float64:
		return append([]float64(nil), val...)
	case []string:
		return append([]string(nil), val...)
	}
	return v
}
