// Package router maps signal names to subscribed instances and fans values out to them.
package router

import (
	"context"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/widget"
)

// Deliverer accepts signal values for an instance. *widget.Manager implements it.
type Deliverer interface {
	Deliver(ctx context.Context, id string, values widget.Values) error
}

// Result summarizes one broadcast.
type Result struct {
	Signal    string   `json:"signal"`
	Delivered int      `json:"delivered"`
	Failed    []string `json:"failed,omitempty"`
}

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithMetrics counts broadcasts per signal.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithConcurrency bounds in-flight deliveries per broadcast. Zero means unbounded.
func WithConcurrency(n int) Option {
	return func(r *Router) {
		r.concurrency = n
	}
}

// Router holds the subscription table. It is a widget.Observer: instances are
// subscribed to their definition's signal inputs on creation and dropped on removal.
type Router struct {
	target      Deliverer
	logger      *slog.Logger
	metrics     *metric.Metrics
	concurrency int

	mu         sync.RWMutex
	signals    map[string]map[string]struct{}
	byInstance map[string]map[string]struct{}
}

// New creates a router delivering to target.
func New(target Deliverer, opts ...Option) *Router {
	r := &Router{
		target:     target,
		logger:     slog.Default(),
		signals:    make(map[string]map[string]struct{}),
		byInstance: make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Subscribe adds id to the subscribers of signal.
func (r *Router) Subscribe(signal, id string) {
	if signal == "" || id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.signals[signal] == nil {
		r.signals[signal] = make(map[string]struct{})
	}
	r.signals[signal][id] = struct{}{}

	if r.byInstance[id] == nil {
		r.byInstance[id] = make(map[string]struct{})
	}
	r.byInstance[id][signal] = struct{}{}
}

// Unsubscribe removes id from every signal. Empty signal entries are dropped.
func (r *Router) Unsubscribe(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for signal := range r.byInstance[id] {
		subs := r.signals[signal]
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.signals, signal)
		}
	}
	delete(r.byInstance, id)
}

// Subscribers returns the ids subscribed to signal, sorted.
func (r *Router) Subscribers(signal string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.signals[signal]))
	for id := range r.signals[signal] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// Signals returns every signal with at least one subscriber, sorted.
func (r *Router) Signals() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.signals))
	for s := range r.signals {
		out = append(out, s)
	}
	slices.Sort(out)
	return out
}

// Broadcast delivers {signal: value} to every current subscriber in parallel
// and waits for all of them. A failing subscriber does not affect the others.
// A signal without subscribers is a no-op.
func (r *Router) Broadcast(ctx context.Context, signal string, value any) Result {
	subs := r.Subscribers(signal)
	res := Result{Signal: signal}
	if len(subs) == 0 {
		return res
	}
	r.metrics.RecordBroadcast(signal)

	var (
		mu     sync.Mutex
		failed []string
	)
	var g errgroup.Group
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}
	for _, id := range subs {
		g.Go(func() error {
			if err := r.target.Deliver(ctx, id, widget.Values{signal: value}); err != nil {
				r.logger.Debug("Signal delivery failed", "signal", signal, "instance_id", id, "error", err)
				mu.Lock()
				failed = append(failed, id)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	slices.Sort(failed)
	res.Failed = failed
	res.Delivered = len(subs) - len(failed)
	return res
}

// BroadcastAll broadcasts several signals, one after another in name order.
func (r *Router) BroadcastAll(ctx context.Context, values map[string]any) []Result {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	slices.Sort(names)

	out := make([]Result, 0, len(names))
	for _, name := range names {
		out = append(out, r.Broadcast(ctx, name, values[name]))
	}
	return out
}

// InstanceCreated subscribes the instance to its signal inputs.
func (r *Router) InstanceCreated(inst *widget.Instance, def *widget.Definition) {
	for _, signal := range def.SignalInputs() {
		r.Subscribe(signal, inst.ID)
	}
	for _, signal := range inst.ConfigSignals() {
		r.Subscribe(signal, inst.ID)
	}
}

// InstanceRemoved drops every subscription of the instance.
func (r *Router) InstanceRemoved(id string) {
	r.Unsubscribe(id)
}

func (r *Router) InstanceProcessed(widget.ProcessEvent) {}

func (r *Router) InstanceUpdated(*widget.Instance) {}

var _ widget.Observer = (*Router)(nil)
