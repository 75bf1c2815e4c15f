package widget

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
)

type echoImpl struct {
	mu          sync.Mutex
	config      Values
	initCalls   int
	initErr     error
	processErr  error
	delay       time.Duration
	cleanupErr  error
	cleanedUp   atomic.Bool
	processCall atomic.Int32
}

func (e *echoImpl) Initialize(_ context.Context, config Values) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.initCalls++
	if e.initErr != nil {
		return e.initErr
	}
	e.config = config
	return nil
}

func (e *echoImpl) Process(ctx context.Context, inputs Values) (Values, error) {
	e.processCall.Add(1)
	if e.delay > 0 {
		select {
		case <-time.After(e.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.processErr != nil {
		return nil, e.processErr
	}
	out := Values{}
	for k, v := range inputs {
		out[k+"_out"] = v
	}
	return out, nil
}

func (e *echoImpl) Render(outputs Values) (any, error) {
	return fmt.Sprintf("%d outputs", len(outputs)), nil
}

func (e *echoImpl) Cleanup(context.Context) error {
	e.cleanedUp.Store(true)
	return e.cleanupErr
}

func echoDefinition(impl Implementation) *Definition {
	return &Definition{
		ID:       "echo",
		Name:     "Echo",
		Category: CategoryAnalysis,
		Version:  "1.0.0",
		Inputs: []InputSpec{
			{Name: "x", Kind: InputSignal, Type: "number", Required: true},
		},
		Outputs:        []OutputSpec{{Name: "x_out", Kind: InputData, Type: "number"}},
		Implementation: impl,
	}
}

func newTestManager(t *testing.T, defs ...*Definition) *Manager {
	t.Helper()
	reg := NewRegistry(nil)
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	return NewManager(reg, WithTimeouts(Timeouts{
		Initialize: time.Second,
		Process:    100 * time.Millisecond,
		Cleanup:    time.Second,
	}))
}

func TestManager_ProcessEcho(t *testing.T) {
	impl := &echoImpl{}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()

	inst, err := m.Create(ctx, "echo", "i1", "first", nil)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, inst.Status)
	assert.Equal(t, 1, impl.initCalls)

	require.NoError(t, m.Process(ctx, "i1", Values{"x": 5}))

	got, err := m.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, Values{"x_out": 5}, got.Outputs)
	assert.Equal(t, Values{"x": 5}, got.Inputs)
	assert.Equal(t, StatusActive, got.Status)
	assert.False(t, got.LastUpdated.IsZero())
}

func TestManager_CreateMissingRequiredConfig(t *testing.T) {
	def := echoDefinition(&echoImpl{})
	def.ConfigSchema = map[string]ConfigField{
		"threshold": NumberField{Base: Base{Required: true}},
	}
	m := newTestManager(t, def)

	_, err := m.Create(context.Background(), "echo", "i1", "", Values{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfig)

	fe, ok := errors.AsFieldErrors(err)
	require.True(t, ok)
	assert.True(t, fe.Has("threshold", errors.CodeRequired))

	_, err = m.Get("i1")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestManager_CreateErrors(t *testing.T) {
	def := echoDefinition(&echoImpl{})
	def.Dependencies = []string{"map-base"}
	m := newTestManager(t, def)
	ctx := context.Background()

	_, err := m.Create(ctx, "missing", "i1", "", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)

	_, err = m.Create(ctx, "echo", "i1", "", nil)
	assert.ErrorIs(t, err, errors.ErrDependency)

	_, err = m.Create(ctx, "echo", "", "", nil)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestManager_CreateDuplicateID(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()

	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	_, err = m.Create(ctx, "echo", "i1", "", nil)
	assert.ErrorIs(t, err, errors.ErrConflict)
	assert.Equal(t, 1, m.Count())
}

func TestManager_CreateInitializeFailure(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{initErr: fmt.Errorf("no map tiles")}))

	_, err := m.Create(context.Background(), "echo", "i1", "", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no map tiles")
	assert.Equal(t, 0, m.Count())
}

func TestManager_MissingInputLeavesOutputs(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()

	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 1}))

	err = m.Process(ctx, "i1", Values{"y": 2})
	assert.ErrorIs(t, err, errors.ErrInput)

	got, err := m.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, got.Status)
	assert.Equal(t, Values{"x_out": 1}, got.Outputs)
	assert.Contains(t, got.Error(), "x")

	// error instances ignore data until reactivated
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 3}))
	got, _ = m.Get("i1")
	assert.Equal(t, Values{"x_out": 1}, got.Outputs)

	require.NoError(t, m.SetStatus("i1", StatusActive))
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 3}))
	got, _ = m.Get("i1")
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, Values{"x_out": 3}, got.Outputs)
	assert.Empty(t, got.Error())
}

func TestManager_InputValueRule(t *testing.T) {
	def := echoDefinition(&echoImpl{})
	def.Inputs[0].Validation = &ValueRule{Min: Float(0), Max: Float(300)}
	m := newTestManager(t, def)
	ctx := context.Background()

	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	err = m.Process(ctx, "i1", Values{"x": 400})
	assert.ErrorIs(t, err, errors.ErrInput)
	got, _ := m.Get("i1")
	assert.Equal(t, StatusError, got.Status)
	assert.Empty(t, got.Outputs)
}

func TestManager_ProcessFailureAndTimeout(t *testing.T) {
	t.Run("implementation error", func(t *testing.T) {
		m := newTestManager(t, echoDefinition(&echoImpl{processErr: fmt.Errorf("bad frame")}))
		ctx := context.Background()
		_, err := m.Create(ctx, "echo", "i1", "", nil)
		require.NoError(t, err)

		assert.Error(t, m.Process(ctx, "i1", Values{"x": 1}))
		got, _ := m.Get("i1")
		assert.Equal(t, StatusError, got.Status)
		assert.Equal(t, "bad frame", got.Error())
	})

	t.Run("timeout", func(t *testing.T) {
		m := newTestManager(t, echoDefinition(&echoImpl{delay: time.Second}))
		ctx := context.Background()
		_, err := m.Create(ctx, "echo", "i1", "", nil)
		require.NoError(t, err)

		err = m.Process(ctx, "i1", Values{"x": 1})
		assert.ErrorIs(t, err, errors.ErrTimeout)
		got, _ := m.Get("i1")
		assert.Equal(t, StatusError, got.Status)
		assert.Contains(t, got.Error(), "timeout: process")
	})
}

func TestManager_PausedIgnoresData(t *testing.T) {
	impl := &echoImpl{}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.SetStatus("i1", StatusPaused))
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 1}))
	assert.Equal(t, int32(0), impl.processCall.Load())

	assert.ErrorIs(t, m.SetStatus("i1", Status("running")), errors.ErrValidation)
	assert.ErrorIs(t, m.SetStatus("nope", StatusActive), errors.ErrNotFound)
	assert.NoError(t, m.Process(ctx, "nope", Values{"x": 1}))
}

func TestManager_UpdateConfig(t *testing.T) {
	impl := &echoImpl{}
	def := echoDefinition(impl)
	def.ConfigSchema = map[string]ConfigField{
		"threshold": NumberField{
			Base: Base{Required: true, Custom: func(v any) error {
				if v.(int)%2 != 0 {
					return fmt.Errorf("threshold must be even")
				}
				return nil
			}},
		},
		"units": SelectField{Base: Base{Default: "kph"}, Options: []string{"kph", "mph"}},
	}
	m := newTestManager(t, def)
	ctx := context.Background()

	inst, err := m.Create(ctx, "echo", "i1", "", Values{"threshold": 2})
	require.NoError(t, err)
	assert.Equal(t, Values{"threshold": 2, "units": "kph"}, inst.Config)

	err = m.UpdateConfig(ctx, "i1", Values{"threshold": 3})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConfig)

	got, _ := m.Get("i1")
	assert.Equal(t, Values{"threshold": 2, "units": "kph"}, got.Config)
	assert.Equal(t, StatusActive, got.Status)
	assert.Equal(t, 1, impl.initCalls)

	require.NoError(t, m.UpdateConfig(ctx, "i1", Values{"threshold": 4, "units": "mph"}))
	got, _ = m.Get("i1")
	assert.Equal(t, Values{"threshold": 4, "units": "mph"}, got.Config)
	assert.Equal(t, 2, impl.initCalls)

	assert.ErrorIs(t, m.UpdateConfig(ctx, "nope", nil), errors.ErrNotFound)
}

func TestManager_UpdateConfigRecoversFromError(t *testing.T) {
	impl := &echoImpl{processErr: fmt.Errorf("fail")}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)
	_ = m.Process(ctx, "i1", Values{"x": 1})

	got, _ := m.Get("i1")
	require.Equal(t, StatusError, got.Status)

	require.NoError(t, m.UpdateConfig(ctx, "i1", Values{}))
	got, _ = m.Get("i1")
	assert.Equal(t, StatusActive, got.Status)
	assert.Empty(t, got.Error())
}

func TestManager_Remove(t *testing.T) {
	impl := &echoImpl{cleanupErr: fmt.Errorf("cleanup broke")}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()

	var removed []string
	m.AddObserver(ObserverFuncs{Removed: func(id string) { removed = append(removed, id) }})

	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Remove(ctx, "i1"))
	assert.True(t, impl.cleanedUp.Load())
	assert.Equal(t, []string{"i1"}, removed)

	_, err = m.Get("i1")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	assert.NoError(t, m.Remove(ctx, "i1"))
	assert.Equal(t, []string{"i1"}, removed)
}

func TestManager_ListRenderRestore(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()

	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Create(ctx, "echo", id, "", nil)
		require.NoError(t, err)
	}
	var ids []string
	for _, inst := range m.List() {
		ids = append(ids, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, ids)

	require.NoError(t, m.Process(ctx, "a", Values{"x": 1}))
	out, err := m.Render("a")
	require.NoError(t, err)
	assert.Equal(t, "1 outputs", out)

	_, err = m.Render("zzz")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	saved := &Instance{
		ID: "r1", DefinitionID: "echo", Name: "restored",
		Status:   StatusPaused,
		Inputs:   Values{"x": 9},
		Outputs:  Values{"x_out": 9},
		Metadata: Values{"layout": "left"},
	}
	restored, err := m.Restore(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, StatusPaused, restored.Status)
	assert.Equal(t, Values{"x_out": 9}, restored.Outputs)
	assert.Equal(t, "left", restored.Metadata["layout"])
}

func TestManager_Replace(t *testing.T) {
	impl := &echoImpl{}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "live", nil)
	require.NoError(t, err)
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 1}))

	impl.mu.Lock()
	impl.initErr = fmt.Errorf("stale calibration")
	impl.mu.Unlock()

	_, err = m.Replace(ctx, &Instance{ID: "i1", DefinitionID: "echo", Name: "snapshot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale calibration")
	live, err := m.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, "live", live.Name)
	assert.Equal(t, Values{"x_out": 1}, live.Outputs)
	assert.False(t, impl.cleanedUp.Load())

	_, err = m.Replace(ctx, &Instance{ID: "i1", DefinitionID: "missing"})
	require.ErrorIs(t, err, errors.ErrNotFound)
	_, err = m.Get("i1")
	require.NoError(t, err)

	impl.mu.Lock()
	impl.initErr = nil
	impl.mu.Unlock()

	replaced, err := m.Replace(ctx, &Instance{ID: "i1", DefinitionID: "echo", Name: "snapshot", Outputs: Values{"x_out": 7}})
	require.NoError(t, err)
	assert.Equal(t, "snapshot", replaced.Name)
	assert.Equal(t, Values{"x_out": 7}, replaced.Outputs)
	assert.True(t, impl.cleanedUp.Load())
	assert.Equal(t, 1, m.Count())

	_, err = m.Replace(ctx, &Instance{ID: "i2", DefinitionID: "echo"})
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())
}

func TestManager_GetReturnsCopy(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", Values{"nested": map[string]any{"a": 1}})
	require.NoError(t, err)

	got, _ := m.Get("i1")
	got.Config["nested"].(map[string]any)["a"] = 2
	got.Status = StatusError

	again, _ := m.Get("i1")
	assert.Equal(t, 1, again.Config["nested"].(map[string]any)["a"])
	assert.Equal(t, StatusActive, again.Status)
}

func TestManager_DeliverStickyInputs(t *testing.T) {
	def := echoDefinition(&echoImpl{})
	def.Inputs = append(def.Inputs, InputSpec{Name: "y", Kind: InputSignal})
	m := newTestManager(t, def)
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	require.NoError(t, m.Deliver(ctx, "i1", Values{"x": 1}))
	require.NoError(t, m.Deliver(ctx, "i1", Values{"y": 2}))

	got, _ := m.Get("i1")
	assert.Equal(t, Values{"x": 1, "y": 2}, got.Inputs)
	assert.Equal(t, Values{"x_out": 1, "y_out": 2}, got.Outputs)
}

func TestManager_DeliverThroughStream(t *testing.T) {
	impl := &echoImpl{}
	def := echoDefinition(impl)
	def.Stream = &StreamSpec{BufferSize: 3}
	m := newTestManager(t, def)
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		require.NoError(t, m.Deliver(ctx, "i1", Values{"x": i}))
	}
	assert.Equal(t, int32(1), impl.processCall.Load())

	got, _ := m.Get("i1")
	assert.Equal(t, Values{"x_out": 3}, got.Outputs)

	stats, ok := m.StreamStats("i1")
	require.True(t, ok)
	assert.Equal(t, int64(1), stats.Flushes)

	require.NoError(t, m.Remove(ctx, "i1"))
	_, ok = m.StreamStats("i1")
	assert.False(t, ok)
}

func TestManager_ObserverNotifications(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()

	var created, processed, updated atomic.Int32
	m.AddObserver(ObserverFuncs{
		Created:   func(*Instance, *Definition) { created.Add(1) },
		Processed: func(ProcessEvent) { processed.Add(1) },
		Updated:   func(*Instance) { updated.Add(1) },
	})
	m.AddObserver(ObserverFuncs{Created: func(*Instance, *Definition) { panic("observer bug") }})

	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)
	require.NoError(t, m.Process(ctx, "i1", Values{"x": 1}))
	require.NoError(t, m.SetStatus("i1", StatusPaused))

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, int32(1), processed.Load())
	assert.Equal(t, int32(1), updated.Load())
}

func TestManager_ConcurrentCreateSameID(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()

	var wg sync.WaitGroup
	var ok, conflict atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Create(ctx, "echo", "same", "", nil); err == nil {
				ok.Add(1)
			} else if assert.ErrorIs(t, err, errors.ErrConflict) {
				conflict.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(9), conflict.Load())
}

type resettableImpl struct {
	echoImpl
	resets atomic.Int32
}

func (r *resettableImpl) HandleAction(_ context.Context, action string, params Values) (Values, error) {
	if action != "reset" {
		return nil, fmt.Errorf("unknown action %q", action)
	}
	r.resets.Add(1)
	return Values{"reset_reason": params["reason"]}, nil
}

func TestManager_HandleAction(t *testing.T) {
	impl := &resettableImpl{}
	m := newTestManager(t, echoDefinition(impl))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	var updates atomic.Int32
	m.AddObserver(ObserverFuncs{Updated: func(*Instance) { updates.Add(1) }})

	require.NoError(t, m.HandleAction(ctx, "i1", "reset", Values{"reason": "new trip"}))
	assert.Equal(t, int32(1), impl.resets.Load())
	got, err := m.Get("i1")
	require.NoError(t, err)
	assert.Equal(t, "new trip", got.Outputs["reset_reason"])
	assert.Equal(t, int32(1), updates.Load())

	err = m.HandleAction(ctx, "i1", "explode", nil)
	require.Error(t, err)
	got, _ = m.Get("i1")
	assert.Equal(t, StatusActive, got.Status)

	require.NoError(t, m.SetStatus("i1", StatusPaused))
	err = m.HandleAction(ctx, "i1", "reset", nil)
	assert.True(t, errors.IsInvalid(err))

	err = m.HandleAction(ctx, "ghost", "reset", nil)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestManager_HandleActionUnsupported(t *testing.T) {
	m := newTestManager(t, echoDefinition(&echoImpl{}))
	ctx := context.Background()
	_, err := m.Create(ctx, "echo", "i1", "", nil)
	require.NoError(t, err)

	err = m.HandleAction(ctx, "i1", "reset", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
