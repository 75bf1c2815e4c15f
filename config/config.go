package config

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/c360/tripscope/engine"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/gateway"
	"github.com/c360/tripscope/pkg/tlsutil"
	"github.com/c360/tripscope/pkg/validation"
	"github.com/c360/tripscope/store/natskv"
	"github.com/c360/tripscope/widget"
)

// Storage modes
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageSQLite = "sqlite"
	StorageNATS   = "nats"
)

// Config is the complete tripscope configuration.
type Config struct {
	Runtime  RuntimeConfig  `json:"runtime"`
	Workflow WorkflowConfig `json:"workflow"`
	Storage  StorageConfig  `json:"storage"`
	Metrics  MetricsConfig  `json:"metrics"`
	Gateway  GatewayConfig  `json:"gateway"`
	// Widgets are created at startup unless an instance with the same id
	// was restored from storage.
	Widgets []WidgetConfig `json:"widgets,omitempty" validate:"dive"`
}

// WidgetConfig declares one widget instance.
type WidgetConfig struct {
	Definition string         `json:"definition" validate:"required,ident"`
	ID         string         `json:"id" validate:"required,ident"`
	Name       string         `json:"name,omitempty"`
	Config     map[string]any `json:"config,omitempty"`
}

// RuntimeConfig tunes the widget engine.
type RuntimeConfig struct {
	MetricRetention   int           `json:"metric_retention" validate:"gte=0"`
	MessageRetention  int           `json:"message_retention" validate:"gte=0"`
	InitializeTimeout time.Duration `json:"initialize_timeout" validate:"gte=0"`
	ProcessTimeout    time.Duration `json:"process_timeout" validate:"gte=0"`
	CleanupTimeout    time.Duration `json:"cleanup_timeout" validate:"gte=0"`
	SessionID         string        `json:"session_id,omitempty" validate:"omitempty,ident"`
	// RouterConcurrency bounds parallel deliveries per broadcast, 0 is unbounded
	RouterConcurrency int `json:"router_concurrency" validate:"gte=0"`
	SnapshotLimit     int `json:"snapshot_limit" validate:"gte=0"`
}

// WorkflowConfig tunes the workflow engine and lists YAML workflow files
// loaded at startup.
type WorkflowConfig struct {
	RetryDelay           time.Duration `json:"retry_delay" validate:"gte=0"`
	MaxStepsPerExecution int           `json:"max_steps_per_execution" validate:"gte=0"`
	Files                []string      `json:"files,omitempty"`
}

// StorageConfig selects the persistence adapter.
type StorageConfig struct {
	Mode   string       `json:"mode" validate:"oneof=none memory sqlite nats"`
	SQLite SQLiteConfig `json:"sqlite"`
	NATS   NATSConfig   `json:"nats"`
	Writer WriterConfig `json:"writer"`
}

// SQLiteConfig locates the database file.
type SQLiteConfig struct {
	Path string `json:"path"`
}

// NATSConfig holds the connection and bucket settings of the JetStream KV adapter.
type NATSConfig struct {
	URLs      []string      `json:"urls"`
	Bucket    string        `json:"bucket"`
	RecordTTL time.Duration `json:"record_ttl" validate:"gte=0"`
	Replicas  int           `json:"replicas" validate:"gte=0,lte=5"`
	Username  string        `json:"username,omitempty"`
	Password  string        `json:"password,omitempty"`
	Token     string        `json:"token,omitempty"`

	TLS tlsutil.ClientConfig `json:"tls"`
}

// WriterConfig sizes the background persistence writer.
type WriterConfig struct {
	Workers   int `json:"workers" validate:"gte=0,lte=64"`
	QueueSize int `json:"queue_size" validate:"gte=0"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Port    int    `json:"port" validate:"gte=0,lte=65535"`
	Path    string `json:"path" validate:"omitempty,startswith=/"`
}

// GatewayConfig controls the websocket gateway. The embedded gateway.Config
// fields appear inline in JSON.
type GatewayConfig struct {
	Enabled bool `json:"enabled"`
	Port    int  `json:"port" validate:"gte=0,lte=65535"`
	gateway.Config

	TLS tlsutil.ServerConfig `json:"tls"`
}

// Default returns the configuration used before any layer is applied.
func Default() *Config {
	nats := natskv.DefaultConfig()
	return &Config{
		Runtime: RuntimeConfig{
			MetricRetention:   1000,
			MessageRetention:  1000,
			InitializeTimeout: 10 * time.Second,
			ProcessTimeout:    5 * time.Second,
			CleanupTimeout:    5 * time.Second,
			SnapshotLimit:     engine.DefaultSnapshotLimit,
		},
		Workflow: WorkflowConfig{
			RetryDelay:           time.Second,
			MaxStepsPerExecution: 1000,
		},
		Storage: StorageConfig{
			Mode:   StorageMemory,
			SQLite: SQLiteConfig{Path: "tripscope.db"},
			NATS: NATSConfig{
				URLs:      []string{"nats://localhost:4222"},
				Bucket:    nats.Bucket,
				RecordTTL: nats.RecordTTL,
				Replicas:  nats.Replicas,
			},
			Writer: WriterConfig{Workers: 2, QueueSize: 1000},
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9090, Path: "/metrics"},
		Gateway: GatewayConfig{Enabled: true, Port: 8080, Config: gateway.DefaultConfig()},
	}
}

// Validate checks struct tags first, then rules spanning sections. The
// gateway section gets its defaults filled in.
func (c *Config) Validate() error {
	if err := validation.Struct(c, errors.ErrInvalidConfig); err != nil {
		return err
	}

	var fields []errors.FieldError
	seen := make(map[string]bool, len(c.Widgets))
	for i, w := range c.Widgets {
		if seen[w.ID] {
			fields = append(fields, errors.FieldError{Field: fmt.Sprintf("widgets[%d].id", i), Code: errors.CodeCustom,
				Message: fmt.Sprintf("duplicate widget id %q", w.ID)})
		}
		seen[w.ID] = true
	}
	switch c.Storage.Mode {
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			fields = append(fields, errors.FieldError{Field: "storage.sqlite.path", Code: errors.CodeRequired,
				Message: "required when storage mode is sqlite"})
		}
	case StorageNATS:
		if len(c.Storage.NATS.URLs) == 0 {
			fields = append(fields, errors.FieldError{Field: "storage.nats.urls", Code: errors.CodeRequired,
				Message: "required when storage mode is nats"})
		}
		if c.Storage.NATS.Bucket == "" {
			fields = append(fields, errors.FieldError{Field: "storage.nats.bucket", Code: errors.CodeRequired,
				Message: "required when storage mode is nats"})
		}
	}
	if c.Metrics.Enabled && c.Gateway.Enabled && c.Metrics.Port != 0 && c.Metrics.Port == c.Gateway.Port {
		fields = append(fields, errors.FieldError{Field: "metrics.port", Code: errors.CodeCustom,
			Message: fmt.Sprintf("port %d is already used by the gateway", c.Gateway.Port)})
	}
	if len(fields) > 0 {
		return errors.NewFieldErrors(errors.ErrInvalidConfig, fields)
	}

	if c.Gateway.Enabled {
		if err := c.Gateway.Config.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// EngineConfig converts the runtime and workflow sections into engine settings.
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		MetricRetention:  c.Runtime.MetricRetention,
		MessageRetention: c.Runtime.MessageRetention,
		Timeouts: widget.Timeouts{
			Initialize: c.Runtime.InitializeTimeout,
			Process:    c.Runtime.ProcessTimeout,
			Cleanup:    c.Runtime.CleanupTimeout,
		},
		SessionID:         c.Runtime.SessionID,
		RetryDelay:        c.Workflow.RetryDelay,
		MaxSteps:          c.Workflow.MaxStepsPerExecution,
		RouterConcurrency: c.Runtime.RouterConcurrency,
		SnapshotLimit:     c.Runtime.SnapshotLimit,
	}
}

// NATSKVConfig returns the bucket settings of the JetStream KV adapter.
func (c *Config) NATSKVConfig() natskv.Config {
	return natskv.Config{
		Bucket:    c.Storage.NATS.Bucket,
		RecordTTL: c.Storage.NATS.RecordTTL,
		Replicas:  c.Storage.NATS.Replicas,
	}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	clone.Workflow.Files = append([]string(nil), c.Workflow.Files...)
	clone.Storage.NATS.URLs = append([]string(nil), c.Storage.NATS.URLs...)
	clone.Gateway.CORSOrigins = append([]string(nil), c.Gateway.CORSOrigins...)
	clone.Gateway.TLS.ClientCAFiles = slices.Clone(c.Gateway.TLS.ClientCAFiles)
	clone.Gateway.TLS.AllowedClientCNs = slices.Clone(c.Gateway.TLS.AllowedClientCNs)
	clone.Storage.NATS.TLS.CAFiles = slices.Clone(c.Storage.NATS.TLS.CAFiles)
	if c.Widgets != nil {
		clone.Widgets = make([]WidgetConfig, len(c.Widgets))
		for i, w := range c.Widgets {
			w.Config = maps.Clone(w.Config)
			clone.Widgets[i] = w
		}
	}
	return &clone
}

// SaveToFile writes the configuration as indented JSON.
func (c *Config) SaveToFile(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Wrap(err, "Config", "SaveToFile", "marshal")
	}
	return safeWriteFile(path, data)
}

// String renders the configuration with credentials redacted.
func (c *Config) String() string {
	redacted := c.Clone()
	if redacted.Storage.NATS.Password != "" {
		redacted.Storage.NATS.Password = "[REDACTED]"
	}
	if redacted.Storage.NATS.Token != "" {
		redacted.Storage.NATS.Token = "[REDACTED]"
	}
	data, err := json.Marshal(redacted)
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
