package widget

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/stream"
)

// Timeouts bound calls into widget implementations. Zero disables a bound.
type Timeouts struct {
	Initialize time.Duration
	Process    time.Duration
	Cleanup    time.Duration
}

// DefaultTimeouts returns the runtime defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Initialize: 10 * time.Second,
		Process:    5 * time.Second,
		Cleanup:    5 * time.Second,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithMetrics records instance counts and processing durations.
func WithMetrics(metrics *metric.Metrics) ManagerOption {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithTimeouts overrides DefaultTimeouts.
func WithTimeouts(t Timeouts) ManagerOption {
	return func(m *Manager) {
		m.timeouts = t
	}
}

type managed struct {
	mu      sync.Mutex
	inst    *Instance
	def     *Definition
	impl    Implementation
	stream  *stream.Buffer
	removed bool
}

// Manager owns widget instances and their lifecycle.
//
//	stopped -> active     successful initialize
//	active <-> paused     SetStatus
//	active -> error       failed or timed out process
//	error -> active       SetStatus or a successful UpdateConfig
//
// Removal is terminal. Every method is safe for concurrent use; calls into a
// single instance are serialized.
type Manager struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *metric.Metrics
	timeouts Timeouts

	mu        sync.RWMutex
	instances map[string]*managed
	creating  map[string]bool

	obsMu     sync.RWMutex
	observers []Observer
}

// NewManager creates a manager resolving definitions from registry.
func NewManager(registry *Registry, opts ...ManagerOption) *Manager {
	m := &Manager{
		registry:  registry,
		logger:    slog.Default(),
		timeouts:  DefaultTimeouts(),
		instances: make(map[string]*managed),
		creating:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Registry returns the definition registry.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// AddObserver registers o for lifecycle notifications.
func (m *Manager) AddObserver(o Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, o)
}

// Create validates config, initializes a new implementation and activates the
// instance. Nothing is created when any step fails.
func (m *Manager) Create(ctx context.Context, definitionID, id, name string, config Values) (*Instance, error) {
	if id == "" {
		return nil, errors.WrapInvalid(errors.Invalidf("instance id is required"), "Manager", "Create", "id validation")
	}
	def, validated, err := m.resolve("Create", definitionID, config)
	if err != nil {
		return nil, err
	}

	if err := m.reserve(id); err != nil {
		return nil, errors.Wrap(err, "Manager", "Create", "id reservation")
	}
	defer m.release(id)

	mi, err := m.initialize(ctx, def, id, name, validated)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "Create", "initialize")
	}
	return m.install(mi), nil
}

// resolve looks up the definition, checks its dependencies and validates config.
func (m *Manager) resolve(method, definitionID string, config Values) (*Definition, Values, error) {
	def, err := m.registry.Get(definitionID)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Manager", method, "definition lookup")
	}

	for _, dep := range def.Dependencies {
		if !m.registry.Has(dep) {
			return nil, nil, errors.Wrap(fmt.Errorf("definition %q requires %q: %w", def.ID, dep, errors.ErrDependency),
				"Manager", method, "dependency check")
		}
	}

	validated, err := ValidateConfig(def.ConfigSchema, config)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Manager", method, "config validation")
	}
	return def, validated, nil
}

func (m *Manager) initialize(ctx context.Context, def *Definition, id, name string, validated Values) (*managed, error) {
	impl := def.newImplementation()
	if err := call(ctx, m.timeouts.Initialize, "initialize", func(ctx context.Context) error {
		return impl.Initialize(ctx, validated.Clone())
	}); err != nil {
		return nil, err
	}

	if name == "" {
		name = def.Name
	}
	return &managed{
		def:  def,
		impl: impl,
		inst: &Instance{
			ID:           id,
			DefinitionID: def.ID,
			Name:         name,
			Config:       validated,
			Status:       StatusActive,
			Inputs:       Values{},
			Outputs:      Values{},
			LastUpdated:  time.Now(),
			Metadata:     Values{},
		},
	}, nil
}

// install publishes an initialized instance. The caller holds the id reservation.
func (m *Manager) install(mi *managed) *Instance {
	id := mi.inst.ID
	if mi.def.Stream != nil {
		mi.stream = stream.New(mi.def.Stream.BufferSize, mi.def.Stream.FlushInterval,
			stream.WithLogger(m.logger.With("instance_id", id)))
		mi.stream.Subscribe(m.batchHandler(mi))
	}

	m.mu.Lock()
	m.instances[id] = mi
	m.mu.Unlock()

	snapshot := mi.inst.Clone()
	m.logger.Info("Widget instance created", "instance_id", id, "definition_id", mi.def.ID)
	m.notify(func(o Observer) { o.InstanceCreated(snapshot.Clone(), mi.def) })
	m.updateGauge()
	return snapshot
}

// Restore re-creates a persisted instance and then reapplies its saved state.
func (m *Manager) Restore(ctx context.Context, saved *Instance) (*Instance, error) {
	if saved == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Restore", "instance validation")
	}
	if _, err := m.Create(ctx, saved.DefinitionID, saved.ID, saved.Name, saved.Config); err != nil {
		return nil, errors.Wrap(err, "Manager", "Restore", "create")
	}
	return m.applySaved(saved)
}

// Replace restores saved over the live instance with the same id. The
// replacement is validated and initialized before the live instance is
// removed, so a failure leaves the live instance untouched. Without a live
// instance Replace behaves like Restore.
func (m *Manager) Replace(ctx context.Context, saved *Instance) (*Instance, error) {
	if saved == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Replace", "instance validation")
	}
	if m.lookup(saved.ID) == nil {
		return m.Restore(ctx, saved)
	}

	def, validated, err := m.resolve("Replace", saved.DefinitionID, saved.Config)
	if err != nil {
		return nil, err
	}
	mi, err := m.initialize(ctx, def, saved.ID, saved.Name, validated)
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "Replace", "initialize")
	}

	if err := m.Remove(ctx, saved.ID); err != nil {
		m.cleanup(ctx, mi)
		return nil, errors.Wrap(err, "Manager", "Replace", "remove")
	}
	if err := m.reserve(saved.ID); err != nil {
		m.cleanup(ctx, mi)
		return nil, errors.Wrap(err, "Manager", "Replace", "id reservation")
	}
	defer m.release(saved.ID)

	m.install(mi)
	return m.applySaved(saved)
}

func (m *Manager) applySaved(saved *Instance) (*Instance, error) {
	mi := m.lookup(saved.ID)
	if mi == nil {
		return nil, errors.NotFound("instance", saved.ID)
	}

	mi.mu.Lock()
	if saved.Status.Valid() && saved.Status != StatusStopped {
		mi.inst.Status = saved.Status
	}
	if saved.Inputs != nil {
		mi.inst.Inputs = saved.Inputs.Clone()
	}
	if saved.Outputs != nil {
		mi.inst.Outputs = saved.Outputs.Clone()
	}
	if saved.Metadata != nil {
		mi.inst.Metadata = saved.Metadata.Clone()
	}
	if !saved.LastUpdated.IsZero() {
		mi.inst.LastUpdated = saved.LastUpdated
	}
	snapshot := mi.inst.Clone()
	mi.mu.Unlock()

	m.notify(func(o Observer) { o.InstanceUpdated(snapshot.Clone()) })
	m.updateGauge()
	return snapshot, nil
}

// Process runs the implementation on inputs. Missing or inactive instances
// ignore the call. Failures are recorded on the instance (status error,
// metadata error) and also returned for the caller's information.
func (m *Manager) Process(ctx context.Context, id string, inputs Values) error {
	mi := m.lookup(id)
	if mi == nil {
		return nil
	}
	return m.process(ctx, mi, inputs, false)
}

// Deliver is the signal path into an instance. Values are pushed into the
// instance stream when it has one; otherwise they are merged over the last
// inputs and processed.
func (m *Manager) Deliver(ctx context.Context, id string, values Values) error {
	mi := m.lookup(id)
	if mi == nil {
		return nil
	}
	if mi.stream != nil {
		return mi.stream.Push(values.Clone())
	}
	return m.process(ctx, mi, values, true)
}

func (m *Manager) batchHandler(mi *managed) stream.Handler {
	return func(batch []stream.Item) {
		merged := Values{}
		for _, item := range batch {
			if vals, ok := item.Value.(Values); ok {
				for k, v := range vals {
					merged[k] = v
				}
			}
		}
		_ = m.process(context.Background(), mi, merged, true)
	}
}

func (m *Manager) process(ctx context.Context, mi *managed, inputs Values, merge bool) error {
	mi.mu.Lock()
	if mi.removed || mi.inst.Status != StatusActive {
		mi.mu.Unlock()
		return nil
	}
	if merge {
		inputs = mi.inst.Inputs.Merge(inputs)
	}

	start := time.Now()
	var outputs Values
	err := checkInputs(mi.def, inputs)
	if err == nil {
		outputs, err = callResult(ctx, m.timeouts.Process, "process", func(ctx context.Context) (Values, error) {
			return mi.impl.Process(ctx, inputs.Clone())
		})
	}
	duration := time.Since(start)

	inst := mi.inst
	inst.LastUpdated = time.Now()
	if err != nil {
		inst.Status = StatusError
		inst.Metadata[MetadataError] = err.Error()
	} else {
		if outputs == nil {
			outputs = Values{}
		}
		inst.Inputs = inputs.Clone()
		inst.Outputs = outputs.Clone()
		inst.Status = StatusActive
		delete(inst.Metadata, MetadataError)
	}
	snapshot := inst.Clone()
	defID := mi.def.ID
	mi.mu.Unlock()

	if err != nil {
		m.logger.Warn("Widget processing failed", "instance_id", inst.ID, "error", err)
	}
	m.metrics.RecordProcess(defID, err == nil, duration)
	ev := ProcessEvent{Instance: snapshot, Inputs: inputs, Outputs: outputs, Err: err, Duration: duration}
	m.notify(func(o Observer) { o.InstanceProcessed(ev) })
	if err != nil {
		m.updateGauge()
		return errors.Wrap(err, "Manager", "Process", "process "+snapshot.ID)
	}
	return nil
}

// HandleAction runs a named action on an instance whose implementation is an
// ActionHandler. Paused and stopped instances reject actions. A failed action
// is returned without changing the instance status.
func (m *Manager) HandleAction(ctx context.Context, id, action string, params Values) error {
	mi := m.lookup(id)
	if mi == nil {
		return errors.NotFound("instance", id)
	}
	handler, ok := mi.impl.(ActionHandler)
	if !ok {
		return errors.WrapInvalid(errors.Invalidf("widget %s does not handle actions", mi.def.ID), "Manager", "HandleAction", "capability check")
	}

	mi.mu.Lock()
	if mi.removed {
		mi.mu.Unlock()
		return errors.NotFound("instance", id)
	}
	if mi.inst.Status != StatusActive && mi.inst.Status != StatusError {
		status := mi.inst.Status
		mi.mu.Unlock()
		return errors.WrapInvalid(errors.Invalidf("instance %s is %s", id, status), "Manager", "HandleAction", "status check")
	}
	outputs, err := callResult(ctx, m.timeouts.Process, "action "+action, func(ctx context.Context) (Values, error) {
		return handler.HandleAction(ctx, action, params.Clone())
	})
	if err != nil {
		mi.mu.Unlock()
		return errors.Wrap(err, "Manager", "HandleAction", action)
	}
	if len(outputs) == 0 {
		mi.mu.Unlock()
		return nil
	}
	mi.inst.Outputs = mi.inst.Outputs.Merge(outputs)
	mi.inst.LastUpdated = time.Now()
	snapshot := mi.inst.Clone()
	mi.mu.Unlock()

	m.notify(func(o Observer) { o.InstanceUpdated(snapshot.Clone()) })
	return nil
}

// UpdateConfig validates and applies a new config by re-initializing the
// implementation. Invalid configs change nothing. A failed initialize marks the
// instance error and keeps the previous config.
func (m *Manager) UpdateConfig(ctx context.Context, id string, config Values) error {
	mi := m.lookup(id)
	if mi == nil {
		return errors.NotFound("instance", id)
	}

	validated, err := ValidateConfig(mi.def.ConfigSchema, config)
	if err != nil {
		return errors.Wrap(err, "Manager", "UpdateConfig", "config validation")
	}

	mi.mu.Lock()
	if mi.removed {
		mi.mu.Unlock()
		return errors.NotFound("instance", id)
	}
	err = call(ctx, m.timeouts.Initialize, "initialize", func(ctx context.Context) error {
		return mi.impl.Initialize(ctx, validated.Clone())
	})
	inst := mi.inst
	inst.LastUpdated = time.Now()
	if err != nil {
		inst.Status = StatusError
		inst.Metadata[MetadataError] = err.Error()
	} else {
		inst.Config = validated
		inst.Status = StatusActive
		delete(inst.Metadata, MetadataError)
	}
	snapshot := inst.Clone()
	mi.mu.Unlock()

	m.notify(func(o Observer) { o.InstanceUpdated(snapshot.Clone()) })
	m.updateGauge()
	if err != nil {
		return errors.Wrap(err, "Manager", "UpdateConfig", "initialize")
	}
	return nil
}

// SetStatus flips the status flag. Activating clears a captured error.
func (m *Manager) SetStatus(id string, status Status) error {
	if !status.Valid() {
		return errors.WrapInvalid(errors.Invalidf("unknown status %q", status), "Manager", "SetStatus", "status validation")
	}
	mi := m.lookup(id)
	if mi == nil {
		return errors.NotFound("instance", id)
	}

	mi.mu.Lock()
	if mi.removed {
		mi.mu.Unlock()
		return errors.NotFound("instance", id)
	}
	mi.inst.Status = status
	mi.inst.LastUpdated = time.Now()
	if status == StatusActive {
		delete(mi.inst.Metadata, MetadataError)
	}
	snapshot := mi.inst.Clone()
	mi.mu.Unlock()

	m.notify(func(o Observer) { o.InstanceUpdated(snapshot.Clone()) })
	m.updateGauge()
	return nil
}

// SetMetadata merges annotations into the instance metadata.
func (m *Manager) SetMetadata(id string, values Values) error {
	mi := m.lookup(id)
	if mi == nil {
		return errors.NotFound("instance", id)
	}
	mi.mu.Lock()
	for k, v := range values {
		mi.inst.Metadata[k] = cloneValue(v)
	}
	snapshot := mi.inst.Clone()
	mi.mu.Unlock()

	m.notify(func(o Observer) { o.InstanceUpdated(snapshot.Clone()) })
	return nil
}

// Remove cleans up and deletes an instance. Unknown ids are ignored and
// cleanup failures are logged without stopping removal.
func (m *Manager) Remove(ctx context.Context, id string) error {
	m.mu.Lock()
	mi, ok := m.instances[id]
	delete(m.instances, id)
	m.mu.Unlock()
	if !ok {
		return nil
	}

	// A pending flush may be waiting on mi.mu, so the stream goes first.
	if mi.stream != nil {
		mi.stream.Destroy()
	}

	mi.mu.Lock()
	mi.removed = true
	m.cleanup(ctx, mi)
	mi.mu.Unlock()

	m.logger.Info("Widget instance removed", "instance_id", id)
	m.notify(func(o Observer) { o.InstanceRemoved(id) })
	m.updateGauge()
	return nil
}

func (m *Manager) cleanup(ctx context.Context, mi *managed) {
	if cleaner, ok := mi.impl.(Cleaner); ok {
		if err := call(ctx, m.timeouts.Cleanup, "cleanup", cleaner.Cleanup); err != nil {
			m.logger.Warn("Widget cleanup failed", "instance_id", mi.inst.ID, "error", err)
		}
	}
}

// Get returns a copy of the instance.
func (m *Manager) Get(id string) (*Instance, error) {
	mi := m.lookup(id)
	if mi == nil {
		return nil, errors.NotFound("instance", id)
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()
	return mi.inst.Clone(), nil
}

// Definition returns the definition an instance was created from.
func (m *Manager) Definition(id string) (*Definition, error) {
	mi := m.lookup(id)
	if mi == nil {
		return nil, errors.NotFound("instance", id)
	}
	return mi.def, nil
}

// List returns copies of every instance sorted by id.
func (m *Manager) List() []*Instance {
	m.mu.RLock()
	all := make([]*managed, 0, len(m.instances))
	for _, mi := range m.instances {
		all = append(all, mi)
	}
	m.mu.RUnlock()

	out := make([]*Instance, 0, len(all))
	for _, mi := range all {
		mi.mu.Lock()
		out = append(out, mi.inst.Clone())
		mi.mu.Unlock()
	}
	slices.SortFunc(out, func(a, b *Instance) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Count returns the number of live instances.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.instances)
}

// Render passes the current outputs to the definition's render capability.
func (m *Manager) Render(id string) (any, error) {
	mi := m.lookup(id)
	if mi == nil {
		return nil, errors.NotFound("instance", id)
	}
	mi.mu.Lock()
	defer mi.mu.Unlock()

	out, err := mi.impl.Render(mi.inst.Outputs.Clone())
	if err != nil {
		return nil, errors.Wrap(err, "Manager", "Render", "render "+id)
	}
	return out, nil
}

// StreamStats returns the instance stream statistics, if it has a stream.
func (m *Manager) StreamStats(id string) (stream.Stats, bool) {
	mi := m.lookup(id)
	if mi == nil || mi.stream == nil {
		return stream.Stats{}, false
	}
	return mi.stream.Stats(), true
}

// Close removes every instance.
func (m *Manager) Close(ctx context.Context) {
	for _, inst := range m.List() {
		_ = m.Remove(ctx, inst.ID)
	}
}

func (m *Manager) lookup(id string) *managed {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.instances[id]
}

func (m *Manager) reserve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.instances[id]; exists || m.creating[id] {
		return errors.Conflict("instance", id)
	}
	m.creating[id] = true
	return nil
}

func (m *Manager) release(id string) {
	m.mu.Lock()
	delete(m.creating, id)
	m.mu.Unlock()
}

func (m *Manager) notify(fn func(Observer)) {
	m.obsMu.RLock()
	observers := slices.Clone(m.observers)
	m.obsMu.RUnlock()

	for _, o := range observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Widget observer panicked", "panic", r)
				}
			}()
			fn(o)
		}()
	}
}

func (m *Manager) updateGauge() {
	if m.metrics == nil {
		return
	}
	counts := map[Status]int{StatusStopped: 0, StatusActive: 0, StatusPaused: 0, StatusError: 0}
	for _, inst := range m.List() {
		counts[inst.Status]++
	}
	for status, n := range counts {
		m.metrics.SetInstances(string(status), n)
	}
}

// call runs fn with an optional deadline. Panics become errors and an
// expired deadline returns an ErrTimeout without waiting for fn.
func call(ctx context.Context, timeout time.Duration, op string, fn func(context.Context) error) error {
	_, err := callResult(ctx, timeout, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func callResult[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		value T
		err   error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				var zero T
				done <- result{zero, fmt.Errorf("%s panicked: %v", op, r)}
			}
		}()
		v, err := fn(ctx)
		done <- result{v, err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		var zero T
		if ctx.Err() == context.DeadlineExceeded {
			return zero, fmt.Errorf("%w: %s exceeded %s", errors.ErrTimeout, op, timeout)
		}
		return zero, errors.Wrap(ctx.Err(), "widget", op, "call")
	}
}
