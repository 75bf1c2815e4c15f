// Package tripscope is a runtime for vehicle telemetry dashboard widgets.
//
// Widgets are small stateful processors. A definition describes a widget's
// inputs, outputs, configuration schema and actions; an instance is one
// configured copy living on a dashboard. Telemetry signals from a trip
// playback are routed to every instance that consumes them, widgets talk to
// each other over a message bus, metrics they record are checked against
// alert thresholds, and workflows react to all of it.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│  gateway/websocket                  │  signal ingest, live feed
//	└─────────────────────────────────────┘
//	           ↓ Broadcast
//	┌─────────────────────────────────────┐
//	│  engine                             │  owns one of everything below
//	└─────────────────────────────────────┘
//	           ↓
//	┌──────────┬──────────┬──────────┬──────────┬──────────┐
//	│  router  │  widget  │   bus    │ monitor  │ workflow │
//	└──────────┴──────────┴──────────┴──────────┴──────────┘
//	           ↓ observers
//	┌─────────────────────────────────────┐
//	│  store (memory, sqlite, natskv)     │  async persistence
//	└─────────────────────────────────────┘
//
// # Packages
//
// Core:
//   - widget: definitions, config schema validation, instance lifecycle
//   - router: fans a named signal out to consuming instances
//   - bus: typed widget-to-widget messages with a bounded log
//   - monitor: metric log and alert thresholds
//   - stream: per-signal sliding buffers with summary statistics
//   - workflow: triggered step sequences, conditions and widget pipelines
//   - expression: the closed condition language used by workflows and alerts
//   - engine: wires the above together and is the only entry point callers need
//
// Infrastructure:
//   - errors: classified errors and field errors
//   - config: layered JSON configuration with environment overrides
//   - store: persistence adapters and the background writer
//   - natsclient: NATS connection with a circuit breaker and KV access
//   - metric: Prometheus registry and the /metrics server
//   - health: component health status aggregation
//   - pkg/buffer, pkg/cache, pkg/retry, pkg/worker, pkg/tlsutil, pkg/validation
//
// Built-in widgets live in widgets; cmd/tripscope is the service binary.
//
// # Quick Start
//
//	eng, err := engine.New(engine.Config{})
//	if err != nil {
//		return err
//	}
//	if err := widgets.RegisterAll(eng); err != nil {
//		return err
//	}
//	if err := eng.Start(ctx); err != nil {
//		return err
//	}
//	defer eng.Stop(5 * time.Second)
//
//	if _, err := eng.CreateWidget(ctx, widgets.SpeedMonitorID, "speed", "Speed", nil); err != nil {
//		return err
//	}
//	eng.Broadcast(ctx, "vehicle_speed", 20.0) // speed_kmh = 72
package tripscope
