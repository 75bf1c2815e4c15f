package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/c360/tripscope/config"
	"github.com/c360/tripscope/engine"
	"github.com/c360/tripscope/errors"
	wsgateway "github.com/c360/tripscope/gateway/websocket"
	"github.com/c360/tripscope/health"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/natsclient"
	"github.com/c360/tripscope/pkg/tlsutil"
	"github.com/c360/tripscope/store"
	"github.com/c360/tripscope/store/natskv"
	"github.com/c360/tripscope/store/sqlite"
	"github.com/c360/tripscope/widgets"
	"github.com/c360/tripscope/workflow"
)

// app wires the runtime to its outer surfaces.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *metric.MetricsRegistry
	engine   *engine.Engine
	metrics  *metric.Server
	gateway  *wsgateway.Server
	http     *http.Server

	errCh chan error
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, errCh: make(chan error, 2)}

	opts := []engine.Option{engine.WithLogger(logger)}
	if cfg.Metrics.Enabled {
		a.registry = metric.NewMetricsRegistry()
		opts = append(opts, engine.WithMetricsRegistry(a.registry))
	}

	adapter, checks, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if adapter != nil {
		opts = append(opts, engine.WithStore(adapter,
			store.WithWorkers(cfg.Storage.Writer.Workers, cfg.Storage.Writer.QueueSize)))
	}
	for name, check := range checks {
		opts = append(opts, engine.WithHealthCheck(name, check))
	}

	a.engine, err = engine.New(cfg.EngineConfig(), opts...)
	if err != nil {
		closeAdapter(adapter, logger)
		return nil, err
	}
	if err := widgets.RegisterAll(a.engine); err != nil {
		closeAdapter(adapter, logger)
		return nil, err
	}
	if err := a.loadWorkflows(); err != nil {
		closeAdapter(adapter, logger)
		return nil, err
	}

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, a.registry,
			metric.WithHealthHandler(a.healthHandler()))
	}

	if cfg.Gateway.Enabled {
		a.gateway, err = wsgateway.New(a.engine, cfg.Gateway.Config,
			wsgateway.WithLogger(logger), wsgateway.WithMetricsRegistry(a.registry))
		if err != nil {
			closeAdapter(adapter, logger)
			return nil, err
		}
		tlsConfig, err := tlsutil.LoadServerConfig(cfg.Gateway.TLS)
		if err != nil {
			closeAdapter(adapter, logger)
			return nil, err
		}
		mux := http.NewServeMux()
		a.gateway.RegisterHTTPHandlers("", mux)
		mux.Handle("/health", a.healthHandler())
		a.http = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
			Handler:           mux,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}
	return a, nil
}

// openStore returns a nil adapter for storage mode "none".
func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Adapter, map[string]health.CheckFunc, error) {
	switch cfg.Storage.Mode {
	case config.StorageNone:
		return nil, nil, nil
	case config.StorageSQLite:
		s, err := sqlite.Open(ctx, cfg.Storage.SQLite.Path, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	case config.StorageNATS:
		return openNATS(ctx, cfg, logger)
	default:
		return store.NewMemory(cfg.Runtime.MetricRetention), nil, nil
	}
}

func openNATS(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Adapter, map[string]health.CheckFunc, error) {
	nc := cfg.Storage.NATS
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
	}
	if nc.Username != "" {
		opts = append(opts, natsclient.WithCredentials(nc.Username, nc.Password))
	}
	if nc.Token != "" {
		opts = append(opts, natsclient.WithToken(nc.Token))
	}
	tlsConfig, err := tlsutil.LoadClientConfig(nc.TLS)
	if err != nil {
		return nil, nil, err
	}
	if tlsConfig != nil {
		opts = append(opts, natsclient.WithTLS(tlsConfig))
	}

	client, err := natsclient.NewClient(strings.Join(nc.URLs, ","), opts...)
	if err != nil {
		return nil, nil, err
	}

	logger.Info("Connecting to NATS", "urls", nc.URLs)
	if err := client.Connect(ctx); err != nil {
		return nil, nil, errors.Wrap(err, "app", "openNATS", "connect")
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(ctx)
		return nil, nil, errors.Wrap(err, "app", "openNATS", "wait for connection")
	}

	s, err := natskv.New(ctx, client, cfg.NATSKVConfig(), logger)
	if err != nil {
		_ = client.Close(ctx)
		return nil, nil, err
	}

	checks := map[string]health.CheckFunc{
		"nats": func(context.Context) health.Status {
			if client.IsHealthy() {
				return health.NewHealthy("nats", "connected")
			}
			return health.NewUnhealthy("nats", client.Status().String())
		},
	}
	return s, checks, nil
}

func closeAdapter(adapter store.Adapter, logger *slog.Logger) {
	if adapter == nil {
		return
	}
	if err := adapter.Close(); err != nil {
		logger.Warn("Store close failed", "error", err)
	}
}

func (a *app) loadWorkflows() error {
	if len(a.cfg.Workflow.Files) == 0 {
		return nil
	}
	wfs, err := workflow.LoadFiles(a.cfg.Workflow.Files...)
	if err != nil {
		return err
	}
	for _, wf := range wfs {
		if err := a.engine.RegisterWorkflow(wf); err != nil {
			return err
		}
	}
	a.logger.Info("Workflows loaded", "count", len(wfs), "files", a.cfg.Workflow.Files)
	return nil
}

func (a *app) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := a.engine.Health(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(status)
	})
}

// start brings the engine up, creates the configured widgets and starts
// serving. Listener failures are reported on errCh.
func (a *app) start(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return err
	}
	if err := a.createWidgets(ctx); err != nil {
		return err
	}

	if a.metrics != nil {
		go func() {
			if err := a.metrics.Start(); err != nil {
				a.errCh <- err
			}
		}()
		a.logger.Info("Metrics server started", "address", a.metrics.Address())
	}

	if a.gateway != nil {
		if err := a.gateway.Start(ctx); err != nil {
			return err
		}
		go func() {
			if err := a.serve(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				a.errCh <- errors.WrapFatal(err, "app", "start", "serve gateway")
			}
		}()
		a.logger.Info("Gateway started", "port", a.cfg.Gateway.Port, "tls", a.http.TLSConfig != nil,
			"ingest_path", a.cfg.Gateway.IngestPath, "feed_path", a.cfg.Gateway.FeedPath)
	}
	return nil
}

// serve uses the certificates already loaded into TLSConfig.
func (a *app) serve() error {
	if a.http.TLSConfig != nil {
		return a.http.ListenAndServeTLS("", "")
	}
	return a.http.ListenAndServe()
}

func (a *app) createWidgets(ctx context.Context) error {
	for _, w := range a.cfg.Widgets {
		if _, err := a.engine.GetInstance(w.ID); err == nil {
			a.logger.Debug("Widget restored from storage", "instance_id", w.ID)
			continue
		}
		if _, err := a.engine.CreateWidget(ctx, w.Definition, w.ID, w.Name, w.Config); err != nil {
			return errors.Wrap(err, "app", "createWidgets", "create "+w.ID)
		}
	}
	return nil
}

// stop shuts the surfaces down before the engine so no frame reaches a
// stopped runtime.
func (a *app) stop(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	if a.http != nil {
		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.gateway != nil {
		if err := a.gateway.Stop(remaining(ctx)); err != nil {
			errs = append(errs, err)
		}
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.engine.Stop(remaining(ctx)); err != nil {
		errs = append(errs, err)
	}
	return stderrors.Join(errs...)
}

// logTotals logs the runtime counters accumulated since start.
func (a *app) logTotals() {
	if a.registry == nil {
		return
	}
	totals, err := a.registry.CounterTotals("tripscope_")
	if err != nil {
		a.logger.Warn("Gather runtime counters failed", "error", err)
		return
	}
	a.logger.Info("Runtime totals", "counters", totals)
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		return max(time.Until(deadline), time.Millisecond)
	}
	return time.Second
}
