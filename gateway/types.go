package gateway

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/c360/tripscope/errors"
)

// Config holds configuration for gateway components
type Config struct {
	// IngestPath is the route accepting signal frames (default: /ws/signals)
	IngestPath string `json:"ingest_path"`

	// FeedPath is the route pushing runtime events (default: /ws/feed)
	FeedPath string `json:"feed_path"`

	// IngestRate limits frames per second per connection, 0 disables the limit
	IngestRate float64 `json:"ingest_rate"`

	// IngestBurst is the number of frames allowed above the rate (default: rate, at least 1)
	IngestBurst int `json:"ingest_burst,omitempty"`

	// EnableCORS enables origin checks (default: false, requires explicit cors_origins)
	EnableCORS bool `json:"enable_cors"`

	// CORSOrigins lists allowed origins (required when EnableCORS is true)
	// Example: ["https://dash.example.com"]
	CORSOrigins []string `json:"cors_origins,omitempty"`

	// MaxFrameSize limits an incoming frame in bytes (default: 64KB)
	MaxFrameSize int64 `json:"max_frame_size,omitempty"`

	// FeedBuffer is the number of events queued per feed client before events are dropped
	FeedBuffer int `json:"feed_buffer,omitempty"`

	// WriteTimeout bounds one write to a client (default: 10s)
	WriteTimeout time.Duration `json:"write_timeout,omitempty"`

	// PingInterval is the keepalive period for feed clients (default: 30s)
	PingInterval time.Duration `json:"ping_interval,omitempty"`
}

// Validate ensures the gateway configuration is valid and fills defaults.
func (c *Config) Validate() error {
	if c.IngestPath == "" {
		c.IngestPath = "/ws/signals"
	}
	if c.FeedPath == "" {
		c.FeedPath = "/ws/feed"
	}
	if !strings.HasPrefix(c.IngestPath, "/") || !strings.HasPrefix(c.FeedPath, "/") {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"paths must start with /")
	}
	if c.IngestPath == c.FeedPath {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"ingest_path and feed_path must differ")
	}

	if c.IngestRate < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"ingest_rate cannot be negative")
	}
	if c.IngestBurst <= 0 {
		c.IngestBurst = max(1, int(c.IngestRate))
	}

	if c.MaxFrameSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_frame_size cannot be negative")
	}
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = 64 * 1024
	}
	if c.MaxFrameSize > 16*1024*1024 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"max_frame_size cannot exceed 16MB")
	}

	if c.FeedBuffer <= 0 {
		c.FeedBuffer = 256
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}

	// CORS requires explicit origin configuration for security
	if c.EnableCORS && len(c.CORSOrigins) == 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"enable_cors requires explicit cors_origins configuration (use [\"*\"] for development only)")
	}

	return nil
}

// CheckOrigin reports whether a connection from r's origin is accepted.
func (c *Config) CheckOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || !c.EnableCORS {
		return true
	}
	return slices.Contains(c.CORSOrigins, "*") || slices.Contains(c.CORSOrigins, origin)
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		IngestPath:   "/ws/signals",
		FeedPath:     "/ws/feed",
		IngestRate:   200,
		IngestBurst:  200,
		EnableCORS:   false, // Disabled by default (requires explicit configuration)
		CORSOrigins:  []string{},
		MaxFrameSize: 64 * 1024,
		FeedBuffer:   256,
		WriteTimeout: 10 * time.Second,
		PingInterval: 30 * time.Second,
	}
}
