package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/widget"
)

const (
	// ControlChannelID is the bus id widget-message triggers listen on.
	ControlChannelID = "workflow-control"
	// SenderID is the bus sender of action requests.
	SenderID = "workflow"
	// ActionRequestType is the message type sent by widget-action steps.
	ActionRequestType = "action-request"

	// Context keys set between steps.
	KeyData           = "data"
	KeyPreviousResult = "previous_result"
	KeyError          = "error"
	KeyFailedStep     = "failed_step"
	KeyWorkflowID     = "workflow_id"
	KeyExecutionID    = "execution_id"

	// DefaultMaxSteps caps the steps processed by one execution.
	DefaultMaxSteps = 1000
	// DefaultRetryDelay is the wait before a failed step is retried.
	DefaultRetryDelay = time.Second

	historyPerWorkflow = 50
)

// Messenger is the part of the message bus the engine uses.
type Messenger interface {
	Send(ctx context.Context, from string, env bus.Envelope) (bus.Message, error)
	Subscribe(id string, h bus.Handler) func()
}

// InstanceLookup resolves widget-action targets.
type InstanceLookup interface {
	Get(id string) (*widget.Instance, error)
}

// Predicate is a named condition registered ahead of time.
type Predicate func(ctx map[string]any) (bool, error)

// ActionRequest is the payload of an action-request message.
type ActionRequest struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Action      string         `json:"action"`
	Parameters  map[string]any `json:"parameters,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
}

// StepError is returned for a failed step. It matches errors.ErrStepExecution
// and the underlying cause.
type StepError struct {
	StepID string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q: %v", e.StepID, e.Err)
}

func (e *StepError) Unwrap() []error {
	return []error{errors.ErrStepExecution, e.Err}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithMetrics records executions and step attempts.
func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithRetryDelay sets the wait before a retry.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) {
		if d >= 0 {
			e.retryDelay = d
		}
	}
}

// WithMaxSteps caps the steps one execution may process.
func WithMaxSteps(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxSteps = n
		}
	}
}

// WithInstances makes widget-action steps fail for unknown widgets.
func WithInstances(l InstanceLookup) Option {
	return func(e *Engine) {
		e.instances = l
	}
}

type item struct {
	exec     *Execution
	stepID   string
	data     map[string]any
	attempt  int
	fallback bool
}

// Engine registers workflows and executes them. Ready steps go through a
// single queue drained by one goroutine at a time; each dequeued step then runs
// in its own goroutine so a delay never holds up other steps.
type Engine struct {
	messenger  Messenger
	instances  InstanceLookup
	logger     *slog.Logger
	metrics    *metric.Metrics
	retryDelay time.Duration
	maxSteps   int

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	workflows  map[string]*Workflow
	predicates map[string]Predicate
	history    map[string][]*Execution
	executions map[string]*Execution

	qmu      sync.Mutex
	queue    []item
	draining bool
	inflight sync.WaitGroup

	trigMu      sync.Mutex
	cron        *cron.Cron
	schedules   map[string]*schedule
	unsubscribe func()
	started     atomic.Bool
	stopped     atomic.Bool
}

// NewEngine creates an engine sending action requests through messenger.
func NewEngine(messenger Messenger, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		messenger:  messenger,
		logger:     slog.Default(),
		retryDelay: DefaultRetryDelay,
		maxSteps:   DefaultMaxSteps,
		ctx:        ctx,
		cancel:     cancel,
		workflows:  make(map[string]*Workflow),
		predicates: make(map[string]Predicate),
		history:    make(map[string][]*Execution),
		executions: make(map[string]*Execution),
		cron:       cron.New(cron.WithParser(cronParser)),
		schedules:  make(map[string]*schedule),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RegisterPredicate makes a named predicate available to condition steps.
func (e *Engine) RegisterPredicate(name string, p Predicate) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.predicates[name] = p
}

func (e *Engine) hasPredicate(name string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.predicates[name]
	return ok
}

// Register validates and stores a workflow, replacing one with the same id.
// Cyclic graphs are accepted; their executions are capped by the step limit.
func (e *Engine) Register(w *Workflow) error {
	if err := Validate(w, e.hasPredicate); err != nil {
		return errors.Wrap(err, "Engine", "Register", "workflow validation")
	}

	stored := w.clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	if cycle := findCycle(stored); cycle != nil {
		stored.Cyclic = true
		e.logger.Warn("Workflow graph has a cycle; executions are capped",
			"workflow_id", stored.ID, "cycle", strings.Join(cycle, " -> "), "max_steps", e.maxSteps)
	}

	e.mu.Lock()
	e.workflows[stored.ID] = stored
	e.mu.Unlock()

	e.disarm(stored.ID)
	if e.started.Load() && stored.IsActive {
		e.arm(stored)
	}
	e.logger.Debug("Workflow registered", "workflow_id", stored.ID, "steps", len(stored.Steps))
	return nil
}

// Remove deletes a workflow and stops its schedules.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	_, ok := e.workflows[id]
	delete(e.workflows, id)
	e.mu.Unlock()
	if !ok {
		return errors.NotFound("workflow", id)
	}
	e.disarm(id)
	return nil
}

// SetActive enables or disables a workflow.
func (e *Engine) SetActive(id string, active bool) error {
	e.mu.Lock()
	w, ok := e.workflows[id]
	if ok {
		w.IsActive = active
	}
	var snapshot *Workflow
	if ok {
		snapshot = w.clone()
	}
	e.mu.Unlock()
	if !ok {
		return errors.NotFound("workflow", id)
	}

	e.disarm(id)
	if active && e.started.Load() {
		e.arm(snapshot)
	}
	return nil
}

// Get returns a copy of a workflow.
func (e *Engine) Get(id string) (*Workflow, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	w, ok := e.workflows[id]
	if !ok {
		return nil, errors.NotFound("workflow", id)
	}
	return w.clone(), nil
}

// List returns copies of all workflows sorted by id.
func (e *Engine) List() []*Workflow {
	e.mu.RLock()
	out := make([]*Workflow, 0, len(e.workflows))
	for _, w := range e.workflows {
		out = append(out, w.clone())
	}
	e.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Workflow) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// ExecuteWorkflow enqueues every start step and returns without waiting.
func (e *Engine) ExecuteWorkflow(ctx context.Context, id string, data map[string]any) (*Execution, error) {
	return e.execute(ctx, id, data, "manual")
}

func (e *Engine) execute(ctx context.Context, id string, data map[string]any, trigger string) (*Execution, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "Engine", "ExecuteWorkflow", "context check")
	}
	if e.stopped.Load() {
		return nil, errors.Wrap(errors.ErrShuttingDown, "Engine", "ExecuteWorkflow", "engine state")
	}

	e.mu.Lock()
	w, ok := e.workflows[id]
	if !ok {
		e.mu.Unlock()
		return nil, errors.NotFound("workflow", id)
	}
	if !w.IsActive {
		e.mu.Unlock()
		return nil, errors.WrapInvalid(errors.Invalidf("workflow %q is inactive", id), "Engine", "ExecuteWorkflow", "state check")
	}
	w.LastExecuted = time.Now()
	snapshot := w.clone()
	x := newExecution(uuid.NewString(), snapshot, trigger)
	e.remember(x)
	e.mu.Unlock()

	initial := maps.Clone(data)
	if initial == nil {
		initial = make(map[string]any)
	}
	initial[KeyWorkflowID] = id
	initial[KeyExecutionID] = x.ID()

	e.logger.Debug("Workflow execution started", "workflow_id", id, "execution_id", x.ID(), "trigger", trigger)

	// The launch unit keeps the execution open until every start step is queued.
	x.addPending(1)
	for _, stepID := range snapshot.StartSteps() {
		e.enqueue(item{exec: x, stepID: stepID, data: maps.Clone(initial), attempt: 1})
	}
	e.release(x)
	return x, nil
}

// remember must be called with e.mu held.
func (e *Engine) remember(x *Execution) {
	h := append(e.history[x.rec.WorkflowID], x)
	if len(h) > historyPerWorkflow {
		for _, old := range h[:len(h)-historyPerWorkflow] {
			delete(e.executions, old.ID())
		}
		h = slices.Clone(h[len(h)-historyPerWorkflow:])
	}
	e.history[x.rec.WorkflowID] = h
	e.executions[x.ID()] = x
}

// Executions returns snapshots of the recent executions of a workflow, oldest first.
func (e *Engine) Executions(workflowID string) []ExecutionRecord {
	e.mu.RLock()
	h := slices.Clone(e.history[workflowID])
	e.mu.RUnlock()

	out := make([]ExecutionRecord, 0, len(h))
	for _, x := range h {
		out = append(out, x.Record())
	}
	return out
}

// Execution returns a tracked execution by id.
func (e *Engine) Execution(id string) (*Execution, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	x, ok := e.executions[id]
	return x, ok
}

func (e *Engine) enqueue(it item) {
	it.exec.addPending(1)
	e.push(it)
}

// push queues an item whose pending unit is already counted and drains the
// queue unless another goroutine is already draining it.
func (e *Engine) push(it item) {
	e.qmu.Lock()
	e.queue = append(e.queue, it)
	if e.draining {
		e.qmu.Unlock()
		return
	}
	e.draining = true
	e.qmu.Unlock()

	for {
		e.qmu.Lock()
		if len(e.queue) == 0 {
			e.draining = false
			e.qmu.Unlock()
			return
		}
		next := e.queue[0]
		e.queue[0] = item{}
		e.queue = e.queue[1:]
		e.qmu.Unlock()

		e.dispatch(next)
	}
}

func (e *Engine) dispatch(it item) {
	x := it.exec
	if e.ctx.Err() != nil {
		x.markStopped()
		e.release(x)
		return
	}
	if !x.admit(e.maxSteps) {
		e.logger.Warn("Workflow execution reached its step limit",
			"workflow_id", x.wf.ID, "execution_id", x.ID(), "step_id", it.stepID, "max_steps", e.maxSteps)
		e.release(x)
		return
	}

	e.inflight.Add(1)
	go func() {
		defer e.inflight.Done()
		e.run(it)
	}()
}

func (e *Engine) run(it item) {
	x := it.exec
	step, _ := x.wf.Step(it.stepID)

	start := time.Now()
	result, next, err := e.runStep(e.ctx, x, step, it.data)
	duration := time.Since(start)

	rec := StepRecord{
		StepID:    step.ID,
		Type:      step.Type,
		Attempt:   it.attempt,
		Success:   err == nil,
		Fallback:  it.fallback,
		StartedAt: start,
		Duration:  duration,
	}
	if err != nil {
		rec.Error = err.Error()
	} else {
		rec.Result = result
	}
	x.addStep(rec)
	e.metrics.RecordStepAttempt(string(step.Type), err == nil)

	if err == nil {
		for _, id := range next {
			data := maps.Clone(it.data)
			data[KeyPreviousResult] = result
			if step.Type == StepDataTransform {
				data[KeyData] = result
			}
			e.enqueue(item{exec: x, stepID: id, data: data, attempt: 1})
		}
	} else {
		e.fail(it, step, err)
	}
	e.release(x)
}

func (e *Engine) fail(it item, step *Step, err error) {
	x := it.exec
	policy := step.ErrorHandling

	if e.ctx.Err() != nil {
		x.markStopped()
		return
	}
	if it.attempt <= policy.RetryCount {
		e.logger.Debug("Workflow step failed, retrying",
			"workflow_id", x.wf.ID, "step_id", step.ID, "attempt", it.attempt, "error", err)
		retry := it
		retry.attempt++
		x.addPending(1)
		e.inflight.Add(1)
		go func() {
			defer e.inflight.Done()
			t := time.NewTimer(e.retryDelay)
			defer t.Stop()
			select {
			case <-t.C:
				e.push(retry)
			case <-e.ctx.Done():
				x.markStopped()
				e.release(x)
			}
		}()
		return
	}

	if policy.FallbackStep != "" {
		e.logger.Info("Workflow step failed, running fallback",
			"workflow_id", x.wf.ID, "step_id", step.ID, "fallback", policy.FallbackStep, "error", err)
		x.markFallback()
		data := maps.Clone(it.data)
		data[KeyError] = err.Error()
		data[KeyFailedStep] = step.ID
		e.enqueue(item{exec: x, stepID: policy.FallbackStep, data: data, attempt: 1, fallback: true})
		return
	}

	x.markFailed()
	e.logger.Warn("Workflow step failed",
		"workflow_id", x.wf.ID, "execution_id", x.ID(), "step_id", step.ID, "attempts", it.attempt, "error", err)
}

func (e *Engine) release(x *Execution) {
	rec, finished := x.release()
	if !finished {
		return
	}
	e.metrics.RecordExecution(rec.WorkflowID, string(rec.Status))
	e.logger.Debug("Workflow execution finished",
		"workflow_id", rec.WorkflowID, "execution_id", rec.ID, "status", rec.Status, "steps", len(rec.Steps))
}

func (e *Engine) runStep(ctx context.Context, x *Execution, step *Step, data map[string]any) (result any, next []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		if err != nil {
			err = &StepError{StepID: step.ID, Err: err}
		}
	}()

	switch step.Type {
	case StepWidgetAction:
		result, err = e.widgetAction(ctx, x, step, data)
		return result, step.NextSteps, err

	case StepDataTransform:
		t, err := TransformFromParameters(step.Parameters)
		if err != nil {
			return nil, nil, err
		}
		out, err := t.Apply(data[KeyData])
		return out, step.NextSteps, err

	case StepConditionCheck:
		ok, err := e.condition(step, data)
		if err != nil {
			return nil, nil, err
		}
		if !ok {
			return false, step.OnFalse, nil
		}
		if len(step.OnTrue) > 0 {
			return true, step.OnTrue, nil
		}
		return true, step.NextSteps, nil

	case StepDelay:
		d, err := delayDuration(step.Parameters)
		if err != nil {
			return nil, nil, err
		}
		t := time.NewTimer(d)
		defer t.Stop()
		select {
		case <-t.C:
			return map[string]any{"delayed_ms": d.Milliseconds()}, step.NextSteps, nil
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	return nil, nil, errors.Invalidf("unknown step type %q", step.Type)
}

func (e *Engine) widgetAction(ctx context.Context, x *Execution, step *Step, data map[string]any) (any, error) {
	if e.instances != nil {
		if _, err := e.instances.Get(step.WidgetID); err != nil {
			return nil, err
		}
	}
	if e.messenger == nil {
		return nil, errors.ErrNoConnection
	}
	msg, err := e.messenger.Send(ctx, SenderID, bus.Envelope{
		To:   step.WidgetID,
		Type: ActionRequestType,
		Payload: ActionRequest{
			WorkflowID:  x.wf.ID,
			ExecutionID: x.ID(),
			StepID:      step.ID,
			Action:      step.Action,
			Parameters:  step.Parameters,
			Context:     data,
		},
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"status":     "sent",
		"message_id": msg.ID,
		"widget_id":  step.WidgetID,
		"action":     step.Action,
	}, nil
}

func (e *Engine) condition(step *Step, data map[string]any) (bool, error) {
	if step.Condition != nil {
		return expression.Evaluate(*step.Condition, data)
	}
	e.mu.RLock()
	p, ok := e.predicates[step.Predicate]
	e.mu.RUnlock()
	if !ok {
		return false, errors.NotFound("predicate", step.Predicate)
	}
	return p(data)
}

// Stop cancels running steps, stops triggers and waits up to timeout for
// in-flight steps.
func (e *Engine) Stop(timeout time.Duration) error {
	if !e.stopped.CompareAndSwap(false, true) {
		return nil
	}
	e.stopTriggers()
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Engine", "Stop", "wait for steps")
	}
}
