// Package metric provides the Prometheus registry, the runtime core metrics and
// the HTTP server that exposes them.
//
// The registry always carries the core runtime metrics (widget instances and
// process calls, signal broadcasts, bus messages, alerts, workflow executions,
// persistence writes) plus Go runtime collectors. Components register their own
// collectors through MetricsRegistrar, keyed by component and metric name:
//
//	registry := metric.NewMetricsRegistry()
//	registry.CoreMetrics().RecordBroadcast("speed")
//
//	server := metric.NewServer(9090, "/metrics", registry)
//	go func() { _ = server.Start() }()
//	defer server.Stop(ctx)
//
// A nil *Metrics records nothing, so components built without a registry can call
// the Record helpers unconditionally.
package metric
