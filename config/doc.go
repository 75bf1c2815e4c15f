// Package config loads tripscope configuration.
//
// A Config has six sections: runtime (engine retention and timeouts),
// workflow (retry policy and YAML workflow files), storage (persistence
// adapter selection), metrics (Prometheus endpoint), gateway (websocket
// ingest and feed) and widgets (instances created at startup).
//
// gateway.tls and storage.nats.tls take the pkg/tlsutil server and client
// settings; certificates are loaded when the app starts.
//
// # Loading
//
// The Loader starts from Default, deep-merges each JSON layer in order and
// finally applies TRIPSCOPE_* environment overrides:
//
//	loader := config.NewLoader()
//	loader.AddLayer("configs/base.json")
//	loader.AddLayer("configs/vehicle.json") // overrides base
//	loader.EnableValidation(true)
//
//	cfg, err := loader.Load()
//	if err != nil {
//		return err
//	}
//	eng, err := engine.New(cfg.EngineConfig())
//
// Duration fields accept Go duration strings ("500ms", "1s") and whole
// days ("14d"). Integer nanoseconds are accepted too, which is what
// SaveToFile writes.
//
// # Environment
//
//	TRIPSCOPE_SESSION_ID      runtime.session_id
//	TRIPSCOPE_STORAGE_MODE    storage.mode
//	TRIPSCOPE_SQLITE_PATH     storage.sqlite.path
//	TRIPSCOPE_NATS_URLS       storage.nats.urls (comma separated)
//	TRIPSCOPE_NATS_BUCKET     storage.nats.bucket
//	TRIPSCOPE_NATS_USERNAME   storage.nats.username
//	TRIPSCOPE_NATS_PASSWORD   storage.nats.password
//	TRIPSCOPE_NATS_TOKEN      storage.nats.token
//	TRIPSCOPE_WORKFLOW_FILES  workflow.files (comma separated)
//	TRIPSCOPE_METRICS_PORT    metrics.port
//	TRIPSCOPE_GATEWAY_PORT    gateway.port
//
// # Validation
//
// Config.Validate checks go-playground/validator struct tags, then the rules
// spanning sections (an sqlite path for sqlite mode, urls and a bucket for
// nats mode, distinct metrics and gateway ports). Failures are reported as
// errors.FieldErrors matching errors.ErrInvalidConfig.
package config
