package workflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

type lookup map[string]bool

func (l lookup) Get(id string) (*widget.Instance, error) {
	if !l[id] {
		return nil, errors.NotFound("instance", id)
	}
	return &widget.Instance{ID: id}, nil
}

// inbox collects action requests sent to one widget id.
type inbox struct {
	mu  sync.Mutex
	got []ActionRequest
}

func listen(b *bus.Bus, id string) *inbox {
	in := &inbox{}
	b.Subscribe(id, func(_ context.Context, m bus.Message) error {
		in.mu.Lock()
		defer in.mu.Unlock()
		in.got = append(in.got, m.Payload.(ActionRequest))
		return nil
	})
	return in
}

func (in *inbox) steps() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]string, 0, len(in.got))
	for _, r := range in.got {
		out = append(out, r.StepID)
	}
	return out
}

func (in *inbox) requests() []ActionRequest {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]ActionRequest(nil), in.got...)
}

func action(id, widgetID string, next ...string) Step {
	return Step{ID: id, Type: StepWidgetAction, WidgetID: widgetID, Action: "ping", NextSteps: next}
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *bus.Bus) {
	t.Helper()
	b := bus.New(100)
	e := NewEngine(b, append([]Option{WithRetryDelay(time.Millisecond)}, opts...)...)
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e, b
}

func run(t *testing.T, e *Engine, id string, data map[string]any) ExecutionRecord {
	t.Helper()
	x, err := e.ExecuteWorkflow(context.Background(), id, data)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := x.Wait(ctx)
	require.NoError(t, err)
	return rec
}

func TestEngine_JoinRunsOncePerPredecessor(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	require.NoError(t, e.Register(&Workflow{
		ID:       "join",
		IsActive: true,
		Steps: []Step{
			action("A", "w", "C"),
			action("B", "w", "C"),
			action("C", "w"),
		},
	}))

	rec := run(t, e, "join", nil)
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, 1, rec.Attempts("A"))
	assert.Equal(t, 1, rec.Attempts("B"))
	assert.Equal(t, 2, rec.Attempts("C"))
	assert.ElementsMatch(t, []string{"A", "B", "C", "C"}, in.steps())
}

func TestEngine_RetryThenFail(t *testing.T) {
	e, _ := newTestEngine(t, WithInstances(lookup{}))

	step := action("act", "missing")
	step.ErrorHandling.RetryCount = 2
	require.NoError(t, e.Register(&Workflow{ID: "retry", IsActive: true, Steps: []Step{step}}))

	rec := run(t, e, "retry", nil)
	assert.Equal(t, ExecutionFailed, rec.Status)
	assert.Equal(t, 3, rec.Attempts("act"))
	assert.Equal(t, "act", rec.LastFailedStep)
	assert.False(t, rec.FallbackRan)
	for i, s := range rec.Steps {
		assert.Equal(t, i+1, s.Attempt)
		assert.False(t, s.Success)
		assert.Contains(t, s.Error, "not found")
	}
}

func TestEngine_RetryThenFallbackOnce(t *testing.T) {
	e, b := newTestEngine(t, WithInstances(lookup{"ops": true}))
	ops := listen(b, "ops")

	step := action("act", "missing", "after")
	step.ErrorHandling = ErrorHandling{RetryCount: 2, FallbackStep: "fb"}
	require.NoError(t, e.Register(&Workflow{
		ID:       "fallback",
		IsActive: true,
		Steps:    []Step{step, action("after", "ops"), action("fb", "ops")},
	}))

	rec := run(t, e, "fallback", map[string]any{"trip": "t1"})
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, 3, rec.Attempts("act"))
	assert.Equal(t, 1, rec.Attempts("fb"))
	assert.Equal(t, 0, rec.Attempts("after"))
	assert.True(t, rec.FallbackRan)
	assert.Equal(t, "act", rec.LastFailedStep)

	reqs := ops.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "fb", reqs[0].StepID)
	assert.Equal(t, "act", reqs[0].Context[KeyFailedStep])
	assert.Contains(t, reqs[0].Context[KeyError], "not found")
	assert.Equal(t, "t1", reqs[0].Context["trip"])
}

func TestEngine_ConditionBranches(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	cond := expression.Compare("data.speed", expression.OpGreaterThan, 30)
	require.NoError(t, e.Register(&Workflow{
		ID:       "branch",
		IsActive: true,
		Steps: []Step{
			{ID: "check", Type: StepConditionCheck, Condition: &cond, OnTrue: []string{"fast"}, OnFalse: []string{"slow"}},
			action("fast", "w"),
			action("slow", "w"),
		},
	}))

	rec := run(t, e, "branch", map[string]any{"data": map[string]any{"speed": 42}})
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.Equal(t, []string{"fast"}, in.steps())
	assert.Equal(t, true, rec.Steps[0].Result)

	run(t, e, "branch", map[string]any{"data": map[string]any{"speed": 12}})
	assert.Equal(t, []string{"fast", "slow"}, in.steps())
}

func TestEngine_ConditionWithoutOnTrueUsesNextSteps(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	e.RegisterPredicate("has_trip", func(ctx map[string]any) (bool, error) {
		_, ok := ctx["trip"]
		return ok, nil
	})
	require.NoError(t, e.Register(&Workflow{
		ID:       "pred",
		IsActive: true,
		Steps: []Step{
			{ID: "check", Type: StepConditionCheck, Predicate: "has_trip", NextSteps: []string{"go"}},
			action("go", "w"),
		},
	}))

	run(t, e, "pred", map[string]any{"trip": "t1"})
	run(t, e, "pred", nil)
	assert.Equal(t, []string{"go"}, in.steps())
}

func TestEngine_UnknownPredicateRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	err := e.Register(&Workflow{
		ID:       "pred",
		IsActive: true,
		Steps:    []Step{{ID: "check", Type: StepConditionCheck, Predicate: "nope"}},
	})
	require.ErrorIs(t, err, errors.ErrValidation)
}

func TestEngine_CycleIsCapped(t *testing.T) {
	e, _ := newTestEngine(t, WithMaxSteps(10))

	tick := map[string]any{"type": TransformMap, "keep": true, "set": map[string]any{"seen": true}}
	require.NoError(t, e.Register(&Workflow{
		ID:       "loop",
		IsActive: true,
		Steps: []Step{
			{ID: "start", Type: StepDataTransform, Parameters: tick, NextSteps: []string{"a"}},
			{ID: "a", Type: StepDataTransform, Parameters: tick, NextSteps: []string{"b"}},
			{ID: "b", Type: StepDataTransform, Parameters: tick, NextSteps: []string{"a"}},
		},
	}))

	w, err := e.Get("loop")
	require.NoError(t, err)
	assert.True(t, w.Cyclic)

	rec := run(t, e, "loop", map[string]any{"data": map[string]any{"n": 1}})
	assert.Equal(t, ExecutionCapped, rec.Status)
	assert.True(t, rec.Capped)
	assert.Len(t, rec.Steps, 10)
}

func TestEngine_TransformFeedsNextStep(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	require.NoError(t, e.Register(&Workflow{
		ID:       "stats",
		IsActive: true,
		Steps: []Step{
			{ID: "fast", Type: StepDataTransform, NextSteps: []string{"avg"}, Parameters: map[string]any{
				"type":      TransformFilter,
				"condition": map[string]any{"field": "speed", "operator": "gt", "value": 30},
			}},
			{ID: "avg", Type: StepDataTransform, NextSteps: []string{"send"}, Parameters: map[string]any{
				"type": TransformAggregate, "operation": "avg", "field": "speed",
			}},
			action("send", "w"),
		},
	}))

	samples := []any{
		map[string]any{"speed": 10},
		map[string]any{"speed": 40},
		map[string]any{"speed": 50},
	}
	rec := run(t, e, "stats", map[string]any{"data": samples})
	require.Equal(t, ExecutionCompleted, rec.Status)

	reqs := in.requests()
	require.Len(t, reqs, 1)
	want := map[string]any{"avg": 45.0, "count": 2}
	assert.Equal(t, want, reqs[0].Context[KeyData])
	assert.Equal(t, want, reqs[0].Context[KeyPreviousResult])
}

func TestEngine_Delay(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(&Workflow{
		ID:       "wait",
		IsActive: true,
		Steps:    []Step{{ID: "pause", Type: StepDelay, Parameters: map[string]any{"duration": 20}}},
	}))

	start := time.Now()
	rec := run(t, e, "wait", nil)
	assert.Equal(t, ExecutionCompleted, rec.Status)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.Equal(t, map[string]any{"delayed_ms": int64(20)}, rec.Steps[0].Result)
}

func TestEngine_ExecuteErrors(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	_, err := e.ExecuteWorkflow(ctx, "nope", nil)
	require.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, e.Register(&Workflow{ID: "off", Steps: []Step{action("a", "w")}}))
	_, err = e.ExecuteWorkflow(ctx, "off", nil)
	require.ErrorIs(t, err, errors.ErrValidation)

	require.NoError(t, e.SetActive("off", true))
	_, err = e.ExecuteWorkflow(ctx, "off", nil)
	require.NoError(t, err)

	require.NoError(t, e.Remove("off"))
	require.ErrorIs(t, e.Remove("off"), errors.ErrNotFound)
}

func TestEngine_StopCancelsRunningSteps(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Register(&Workflow{
		ID:       "long",
		IsActive: true,
		Steps:    []Step{{ID: "pause", Type: StepDelay, Parameters: map[string]any{"duration": "1m"}}},
	}))

	x, err := e.ExecuteWorkflow(context.Background(), "long", nil)
	require.NoError(t, err)
	require.NoError(t, e.Stop(time.Second))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := x.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, ExecutionCancelled, rec.Status)

	_, err = e.ExecuteWorkflow(context.Background(), "long", nil)
	require.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestEngine_EventTrigger(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	require.NoError(t, e.Register(&Workflow{
		ID:       "on-load",
		IsActive: true,
		Triggers: []Trigger{{Type: TriggerEvent, Event: "trip-loaded"}},
		Steps:    []Step{action("notify", "w")},
	}))

	assert.Empty(t, e.Emit(context.Background(), "other", nil))
	started := e.Emit(context.Background(), "trip-loaded", map[string]any{"trip": "t9"})
	require.Len(t, started, 1)

	_, err := started[0].Wait(context.Background())
	require.NoError(t, err)
	reqs := in.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "trip-loaded", reqs[0].Context["event"])
	assert.Equal(t, "t9", reqs[0].Context["trip"])
}

func TestEngine_WidgetMessageTrigger(t *testing.T) {
	e, b := newTestEngine(t)
	in := listen(b, "w")

	require.NoError(t, e.Register(&Workflow{
		ID:       "on-alert",
		IsActive: true,
		Triggers: []Trigger{{Type: TriggerWidgetMessage, MessageType: "alert", Source: "speed"}},
		Steps:    []Step{action("notify", "w")},
	}))
	require.NoError(t, e.Start(context.Background()))

	ctx := context.Background()
	_, err := b.Send(ctx, "other", bus.Envelope{To: ControlChannelID, Type: "alert"})
	require.NoError(t, err)
	_, err = b.Send(ctx, "speed", bus.Envelope{To: ControlChannelID, Type: "status"})
	require.NoError(t, err)
	_, err = b.Send(ctx, "speed", bus.Envelope{To: ControlChannelID, Type: "alert", Payload: 7})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(in.requests()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 7, in.requests()[0].Context[KeyData])
	execs := e.Executions("on-alert")
	require.Len(t, execs, 1)
	assert.Equal(t, "widget-message", execs[0].Trigger)
}

func TestEngine_IntervalTrigger(t *testing.T) {
	e, b := newTestEngine(t)
	listen(b, "w")

	require.NoError(t, e.Start(context.Background()))
	require.NoError(t, e.Register(&Workflow{
		ID:       "poll",
		IsActive: true,
		Triggers: []Trigger{{Type: TriggerSchedule, Interval: 10 * time.Millisecond}},
		Steps:    []Step{action("ping", "w")},
	}))

	require.Eventually(t, func() bool { return len(e.Executions("poll")) >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, e.SetActive("poll", false))
	n := len(e.Executions("poll"))
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, len(e.Executions("poll")), n+1)
}

func TestEngine_StartTwice(t *testing.T) {
	e, _ := newTestEngine(t)
	require.NoError(t, e.Start(context.Background()))
	require.ErrorIs(t, e.Start(context.Background()), errors.ErrAlreadyStarted)
}
