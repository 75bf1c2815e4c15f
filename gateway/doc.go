// Package gateway holds the settings and contracts shared by the runtime's
// network boundary.
//
// The dashboard UI and the telemetry playback sit outside the runtime. They
// reach it through gateways that register HTTP handlers on a shared mux:
//
//	┌──────────────────┐  /ws/signals   ┌──────────────┐  Broadcast  ┌────────┐
//	│ playback client  │ ─────────────> │   gateway    │ ──────────> │ engine │
//	└──────────────────┘                │              │             │        │
//	┌──────────────────┐  /ws/feed      │              │ <────────── │        │
//	│ dashboard client │ <───────────── │              │  observers  └────────┘
//	└──────────────────┘                └──────────────┘   and bus
//
// # Origins
//
// Browser connections are checked against Config.CORSOrigins when CORS is
// enabled. Requests without an Origin header are always accepted, so native
// clients and tests can connect directly. Use ["*"] for development only.
package gateway
