// Package engine wires the widget runtime into one explicit object.
//
// # Overview
//
// An Engine owns every runtime component and is passed by reference to the
// code that needs it; nothing in the runtime is process-global.
//
//	             Broadcast            Deliver
//	telemetry ──────────────> Router ─────────> Manager ──> widget implementations
//	                                               │
//	                             observers ┌───────┼────────┬───────────┐
//	                                       ▼       ▼        ▼           ▼
//	                                    Monitor  Pipelines  Writer   groups and
//	                                       │                 │       actions
//	                                 alerts│                 ▼
//	                                       ▼              store.Adapter
//	        workflows <──────────────────> Bus
//
// The Manager notifies its observers after every lifecycle change. The Router
// keeps signal subscriptions, the Monitor records processing durations and
// evaluates alerts, Pipelines forward outputs between instances and the
// persistence Writer mirrors instances to the configured store.
//
// # Lifecycle
//
//	eng, err := engine.New(engine.DefaultConfig(),
//	    engine.WithLogger(logger),
//	    engine.WithMetricsRegistry(registry),
//	    engine.WithStore(adapter),
//	)
//	widgets.RegisterAll(eng)
//	if err := eng.Start(ctx); err != nil { ... }
//	defer eng.Stop(10 * time.Second)
//
// Start restores persisted instances whose definitions are registered and
// arms workflow triggers. Stop halts workflows and pipelines, drains pending
// writes and then removes every instance, running widget cleanup.
//
// # Actions
//
// Workflow widget-action steps send "action-request" messages on the bus.
// The engine subscribes every instance and handles the built-in actions
// process, pause, resume, stop and update-config. Other actions reach
// implementations that satisfy widget.ActionHandler.
//
// # Groups and snapshots
//
// Groups keep the time range, zoom and selection of their members in step:
// SyncGroup merges the enabled fields into the group state and sends a
// "group-sync" message to every other member. ExportSnapshot and
// ImportSnapshot save and restore instances, recent metrics, recent messages
// and groups. Definitions are not part of a snapshot.
package engine
