package engine

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/health"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/monitor"
	"github.com/c360/tripscope/router"
	"github.com/c360/tripscope/store"
	"github.com/c360/tripscope/widget"
	"github.com/c360/tripscope/workflow"
)

// Option configures an Engine.
type Option func(*options)

type options struct {
	logger     *slog.Logger
	registry   *metric.MetricsRegistry
	adapter    store.Adapter
	writerOpts []store.WriterOption
	checks     map[string]health.CheckFunc
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics for every component.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(o *options) { o.registry = r }
}

// WithStore mirrors instances to adapter through an asynchronous writer.
func WithStore(adapter store.Adapter, writerOpts ...store.WriterOption) Option {
	return func(o *options) {
		o.adapter = adapter
		o.writerOpts = writerOpts
	}
}

// WithHealthCheck adds a named check to Health.
func WithHealthCheck(name string, check health.CheckFunc) Option {
	return func(o *options) { o.checks[name] = check }
}

// Engine is the widget runtime.
type Engine struct {
	cfg     Config
	logger  *slog.Logger
	metrics *engineMetrics
	core    *metric.Metrics

	registry  *widget.Registry
	manager   *widget.Manager
	router    *router.Router
	bus       *bus.Bus
	monitor   *monitor.Monitor
	workflows *workflow.Engine
	pipelines *workflow.Pipelines
	writer    *store.Writer
	health    *health.Monitor

	groupsMu sync.RWMutex
	groups   map[string]*Group

	actionsMu sync.Mutex
	actions   map[string]func()

	started atomic.Bool
	stopped atomic.Bool
}

// New builds every runtime component and wires them together.
func New(cfg Config, opts ...Option) (*Engine, error) {
	o := &options{logger: slog.Default(), checks: make(map[string]health.CheckFunc)}
	for _, opt := range opts {
		opt(o)
	}
	cfg = cfg.withDefaults()

	var core *metric.Metrics
	if o.registry != nil {
		core = o.registry.CoreMetrics()
	}
	em, err := newEngineMetrics(o.registry)
	if err != nil {
		return nil, errors.Wrap(err, "Engine", "New", "register metrics")
	}

	e := &Engine{
		cfg:     cfg,
		logger:  o.logger,
		metrics: em,
		core:    core,
		groups:  make(map[string]*Group),
		actions: make(map[string]func()),
	}

	e.registry = widget.NewRegistry(o.logger)
	e.manager = widget.NewManager(e.registry,
		widget.WithLogger(o.logger),
		widget.WithMetrics(core),
		widget.WithTimeouts(cfg.Timeouts),
	)
	e.router = router.New(e.manager,
		router.WithLogger(o.logger),
		router.WithMetrics(core),
		router.WithConcurrency(cfg.RouterConcurrency),
	)
	e.bus = bus.New(cfg.MessageRetention, bus.WithLogger(o.logger), bus.WithMetrics(core))
	e.monitor = monitor.New(e.bus,
		monitor.WithLogger(o.logger),
		monitor.WithMetrics(core),
		monitor.WithRetention(cfg.MetricRetention),
	)
	e.workflows = workflow.NewEngine(e.bus,
		workflow.WithLogger(o.logger),
		workflow.WithMetrics(core),
		workflow.WithRetryDelay(cfg.RetryDelay),
		workflow.WithMaxSteps(cfg.MaxSteps),
		workflow.WithInstances(e.manager),
	)
	e.pipelines = workflow.NewPipelines(e.manager, o.logger)

	if o.adapter != nil {
		writerOpts := []store.WriterOption{
			store.WithLogger(o.logger),
			store.WithMetrics(core),
			store.WithSessionID(cfg.SessionID),
		}
		if o.registry != nil {
			writerOpts = append(writerOpts, store.WithMetricsRegistry(o.registry))
		}
		e.writer, err = store.NewWriter(o.adapter, append(writerOpts, o.writerOpts...)...)
		if err != nil {
			return nil, errors.Wrap(err, "Engine", "New", "create persistence writer")
		}
	}

	e.manager.AddObserver(e.router)
	e.manager.AddObserver(e.monitor)
	e.manager.AddObserver(e.pipelines)
	if e.writer != nil {
		e.manager.AddObserver(e.writer)
	}
	e.manager.AddObserver(widget.ObserverFuncs{
		Created: e.instanceCreated,
		Removed: e.instanceRemoved,
	})

	e.health = health.NewMonitor(core)
	e.health.Register("widgets", e.checkWidgets)
	e.health.Register("store", e.checkStore)
	e.health.Register("workflows", e.checkWorkflows)
	for name, check := range o.checks {
		e.health.Register(name, check)
	}
	return e, nil
}

func (e *Engine) instanceCreated(inst *widget.Instance, _ *widget.Definition) {
	e.subscribeActions(inst.ID)
}

func (e *Engine) instanceRemoved(id string) {
	e.unsubscribeActions(id)
	e.dropGroupMember(id)
}

// Start persists registered definitions, restores persisted instances and
// arms workflow triggers.
func (e *Engine) Start(ctx context.Context) error {
	if e.stopped.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Engine", "Start", "state check")
	}
	if !e.started.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Engine", "Start", "state check")
	}

	if e.writer != nil {
		if err := e.writer.Start(ctx); err != nil {
			return errors.Wrap(err, "Engine", "Start", "start persistence writer")
		}
		for _, def := range e.registry.List() {
			e.writer.SaveDefinition(def)
		}
		e.restorePersisted(ctx)
	}

	if err := e.workflows.Start(ctx); err != nil {
		return errors.Wrap(err, "Engine", "Start", "start workflows")
	}

	e.logger.Info("Widget runtime started",
		"definitions", len(e.registry.List()),
		"instances", e.manager.Count(),
		"workflows", len(e.workflows.List()))
	return nil
}

// restorePersisted re-creates saved instances. Failures are logged and the
// remaining instances are still restored.
func (e *Engine) restorePersisted(ctx context.Context) {
	persisted, err := e.writer.Adapter().LoadPersistedInstances(ctx)
	if err != nil {
		e.logger.Warn("Persisted instances not loaded", "error", err)
		return
	}
	for _, p := range persisted {
		if p.Instance == nil {
			continue
		}
		if !e.registry.Has(p.Instance.DefinitionID) {
			e.metrics.recordRestore("skipped")
			e.logger.Warn("Persisted instance skipped, definition not registered",
				"instance_id", p.Instance.ID, "definition_id", p.Instance.DefinitionID)
			continue
		}
		if _, err := e.manager.Restore(ctx, p.Instance); err != nil {
			e.metrics.recordRestore("failure")
			e.logger.Warn("Persisted instance not restored", "instance_id", p.Instance.ID, "error", err)
			continue
		}
		e.metrics.recordRestore("success")
	}
}

// Stop halts workflows and pipelines, drains persistence and removes every
// instance. The writer is stopped first so shutdown does not delete saved
// instances.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration { return max(time.Until(deadline), time.Millisecond) }

	var errs []error
	if err := e.workflows.Stop(remaining()); err != nil {
		errs = append(errs, errors.Wrap(err, "Engine", "Stop", "stop workflows"))
	}
	e.pipelines.Close()
	if e.writer != nil {
		if err := e.writer.Stop(remaining()); err != nil {
			errs = append(errs, errors.Wrap(err, "Engine", "Stop", "stop persistence writer"))
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), remaining())
	defer cancel()
	e.manager.Close(ctx)

	e.logger.Info("Widget runtime stopped")
	return stderrors.Join(errs...)
}

// Registry returns the definition registry.
func (e *Engine) Registry() *widget.Registry { return e.registry }

// Bus returns the message bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Workflows returns the workflow engine.
func (e *Engine) Workflows() *workflow.Engine { return e.workflows }

// Writer returns the persistence writer, nil without a store.
func (e *Engine) Writer() *store.Writer { return e.writer }

// AddObserver registers o for instance lifecycle notifications.
func (e *Engine) AddObserver(o widget.Observer) {
	e.manager.AddObserver(o)
}

// RegisterDefinition validates and registers def, replacing any definition
// with the same id.
func (e *Engine) RegisterDefinition(def *widget.Definition) error {
	if err := e.registry.Register(def); err != nil {
		return err
	}
	if e.writer != nil && e.started.Load() {
		e.writer.SaveDefinition(def)
	}
	return nil
}

// CreateWidget creates and activates an instance of definitionID.
func (e *Engine) CreateWidget(ctx context.Context, definitionID, id, name string, config widget.Values) (*widget.Instance, error) {
	return e.manager.Create(ctx, definitionID, id, name, config)
}

// ProcessWidget runs an instance on inputs. Missing inputs and processing
// failures are captured on the instance (status error, metadata error) and
// are not returned; the error result only reports a cancelled context.
func (e *Engine) ProcessWidget(ctx context.Context, id string, inputs widget.Values) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "Engine", "ProcessWidget", "context check")
	}
	if err := e.manager.Process(ctx, id, inputs); err != nil {
		e.logger.Debug("Widget processing failed", "instance_id", id, "error", err)
	}
	return nil
}

// UpdateWidgetConfig validates config and re-initializes the instance.
func (e *Engine) UpdateWidgetConfig(ctx context.Context, id string, config widget.Values) error {
	return e.manager.UpdateConfig(ctx, id, config)
}

// SetWidgetStatus changes the instance status.
func (e *Engine) SetWidgetStatus(id string, status widget.Status) error {
	return e.manager.SetStatus(id, status)
}

// RemoveWidget cleans up and removes an instance.
func (e *Engine) RemoveWidget(ctx context.Context, id string) error {
	return e.manager.Remove(ctx, id)
}

// GetInstance returns a copy of an instance.
func (e *Engine) GetInstance(id string) (*widget.Instance, error) {
	return e.manager.Get(id)
}

// ListInstances returns copies of every instance, sorted by id.
func (e *Engine) ListInstances() []*widget.Instance {
	return e.manager.List()
}

// RenderWidget renders the current outputs of an instance.
func (e *Engine) RenderWidget(id string) (any, error) {
	return e.manager.Render(id)
}

// Broadcast delivers a signal value to every subscribed instance.
func (e *Engine) Broadcast(ctx context.Context, signal string, value any) router.Result {
	return e.router.Broadcast(ctx, signal, value)
}

// BroadcastAll broadcasts several signals of one sample.
func (e *Engine) BroadcastAll(ctx context.Context, values map[string]any) []router.Result {
	return e.router.BroadcastAll(ctx, values)
}

// SendMessage sends a message on the bus. An empty to broadcasts.
func (e *Engine) SendMessage(ctx context.Context, from, to, msgType string, payload any) (bus.Message, error) {
	return e.bus.Send(ctx, from, bus.Envelope{To: to, Type: msgType, Payload: payload})
}

// SubscribeToMessages registers a handler for messages addressed to id and
// returns its unsubscribe function.
func (e *Engine) SubscribeToMessages(id string, h bus.Handler) func() {
	return e.bus.Subscribe(id, h)
}

// RecordMetric appends a metric for an instance and evaluates its alerts.
func (e *Engine) RecordMetric(ctx context.Context, instanceID, name string, value float64, metadata map[string]any) (monitor.Metric, error) {
	return e.monitor.Record(ctx, instanceID, name, value, metadata)
}

// QueryMetrics returns recorded metrics matching f.
func (e *Engine) QueryMetrics(f monitor.Filter) []monitor.Metric {
	return e.monitor.Query(f)
}

// RegisterWorkflow validates and registers a workflow.
func (e *Engine) RegisterWorkflow(w *workflow.Workflow) error {
	return e.workflows.Register(w)
}

// RegisterPredicate makes a named predicate available to condition steps.
func (e *Engine) RegisterPredicate(name string, p workflow.Predicate) {
	e.workflows.RegisterPredicate(name, p)
}

// ExecuteWorkflow starts a workflow and returns without waiting for it.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string, data map[string]any) (*workflow.Execution, error) {
	return e.workflows.ExecuteWorkflow(ctx, id, data)
}

// Emit starts workflows with a matching event trigger.
func (e *Engine) Emit(ctx context.Context, event string, data map[string]any) []*workflow.Execution {
	return e.workflows.Emit(ctx, event, data)
}

// CreatePipeline starts forwarding outputs of the source instance to the
// targets. Every referenced instance must exist.
func (e *Engine) CreatePipeline(p workflow.Pipeline) error {
	for _, id := range append([]string{p.SourceWidgetID}, p.TargetWidgetIDs...) {
		if id == "" {
			continue
		}
		if _, err := e.manager.Get(id); err != nil {
			return errors.Wrap(err, "Engine", "CreatePipeline", "instance lookup")
		}
	}
	return e.pipelines.Create(p)
}

// RemovePipeline stops a pipeline.
func (e *Engine) RemovePipeline(id string) error {
	return e.pipelines.Remove(id)
}

// Pipelines returns every pipeline.
func (e *Engine) Pipelines() []workflow.Pipeline {
	return e.pipelines.List()
}

// Health checks every component and aggregates the result.
func (e *Engine) Health(ctx context.Context) health.Status {
	return e.health.Check(ctx, "tripscope")
}

func (e *Engine) checkWidgets(context.Context) health.Status {
	var failed int
	instances := e.manager.List()
	for _, inst := range instances {
		if inst.Status == widget.StatusError {
			failed++
		}
	}
	status := health.NewHealthy("widgets", "all instances healthy")
	if failed > 0 {
		status = health.NewDegraded("widgets", "instances in error status")
	}
	return status.WithDetail("instances", len(instances)).WithDetail("errors", failed)
}

func (e *Engine) checkStore(context.Context) health.Status {
	if e.writer == nil {
		return health.NewHealthy("store", "persistence disabled")
	}
	stats := e.writer.Stats()
	status := health.NewHealthy("store", "writes applied")
	if stats.Failed > 0 || stats.Dropped > 0 {
		status = health.NewDegraded("store", "writes dropped")
	}
	return status.
		WithDetail("queue_depth", stats.QueueDepth).
		WithDetail("processed", stats.Processed).
		WithDetail("failed", stats.Failed).
		WithDetail("dropped", stats.Dropped)
}

func (e *Engine) checkWorkflows(context.Context) health.Status {
	if e.stopped.Load() {
		return health.NewUnhealthy("workflows", "engine stopped")
	}
	status := health.NewHealthy("workflows", "running")
	if !e.started.Load() {
		status = health.NewDegraded("workflows", "not started")
	}
	return status.WithDetail("workflows", len(e.workflows.List()))
}
