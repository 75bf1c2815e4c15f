package store

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/pkg/retry"
	"github.com/c360/tripscope/widget"
)

type MockAdapter struct {
	mock.Mock
}

func (m *MockAdapter) SaveDefinition(ctx context.Context, def widget.Descriptor) error {
	return m.Called(ctx, def).Error(0)
}

func (m *MockAdapter) SaveInstance(ctx context.Context, inst *widget.Instance, sessionID string) error {
	return m.Called(ctx, inst, sessionID).Error(0)
}

func (m *MockAdapter) UpdateInstance(ctx context.Context, id string, patch InstancePatch) error {
	return m.Called(ctx, id, patch).Error(0)
}

func (m *MockAdapter) DeleteInstance(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockAdapter) SaveMetricRecord(ctx context.Context, rec MetricRecord) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *MockAdapter) LoadPersistedInstances(ctx context.Context) ([]Persisted, error) {
	args := m.Called(ctx)
	out, _ := args.Get(0).([]Persisted)
	return out, args.Error(1)
}

func (m *MockAdapter) Close() error {
	return m.Called().Error(0)
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Multiplier: 2}
}

func startWriter(t *testing.T, a Adapter, opts ...WriterOption) *Writer {
	t.Helper()
	w, err := NewWriter(a, append([]WriterOption{WithRetry(fastRetry())}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	return w
}

func testInstance(id string) *widget.Instance {
	return &widget.Instance{
		ID:           id,
		DefinitionID: "speed-monitor",
		Name:         "Speed",
		Config:       widget.Values{"target": 50.0},
		Status:       widget.StatusActive,
		Inputs:       widget.Values{},
		Outputs:      widget.Values{},
		Metadata:     widget.Values{},
		LastUpdated:  time.Now().UTC(),
	}
}

func TestWriter_ObserverLifecycle(t *testing.T) {
	mem := NewMemory(0)
	w := startWriter(t, mem, WithSessionID("trip-7"))

	inst := testInstance("w1")
	w.InstanceCreated(inst, nil)

	processed := inst.Clone()
	processed.Inputs = widget.Values{"speed": 62.0}
	processed.Outputs = widget.Values{"overspeed": true}
	w.InstanceProcessed(widget.ProcessEvent{
		Instance: processed,
		Inputs:   processed.Inputs,
		Outputs:  processed.Outputs,
		Duration: 3 * time.Millisecond,
	})

	w.InstanceCreated(testInstance("w2"), nil)
	w.InstanceRemoved("w2")
	require.NoError(t, w.Stop(time.Second))

	loaded, err := mem.LoadPersistedInstances(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "w1", loaded[0].Instance.ID)
	assert.Equal(t, "trip-7", loaded[0].SessionID)
	assert.Equal(t, widget.Values{"overspeed": true}, loaded[0].Instance.Outputs)

	records := mem.MetricRecords("w1")
	require.Len(t, records, 1)
	assert.Equal(t, int64(3), records[0].DurationMs)
	assert.Equal(t, 62.0, records[0].Input["speed"])
	assert.Empty(t, records[0].Error)

	stats := w.Stats()
	assert.Equal(t, int64(5), stats.Processed)
	assert.Zero(t, stats.Failed)
}

func TestWriter_RetriesTransientFailures(t *testing.T) {
	m := new(MockAdapter)
	m.On("SaveInstance", mock.Anything, mock.Anything, "").Return(stderrors.New("database is locked")).Once()
	m.On("SaveInstance", mock.Anything, mock.Anything, "").Return(nil).Once()
	m.On("Close").Return(nil)

	w := startWriter(t, m)
	w.SaveInstance(testInstance("w1"))
	require.NoError(t, w.Stop(time.Second))

	m.AssertNumberOfCalls(t, "SaveInstance", 2)
	m.AssertExpectations(t)
}

func TestWriter_FailureIsDroppedNotReturned(t *testing.T) {
	m := new(MockAdapter)
	m.On("UpdateInstance", mock.Anything, "ghost", mock.Anything).Return(errors.NotFound("instance", "ghost"))
	m.On("DeleteInstance", mock.Anything, "w1").Return(stderrors.New("disk full"))
	m.On("Close").Return(nil)

	w := startWriter(t, m)
	w.UpdateInstance("ghost", InstancePatch{})
	w.DeleteInstance("w1")
	require.NoError(t, w.Stop(time.Second))

	m.AssertNumberOfCalls(t, "UpdateInstance", 1)
	m.AssertNumberOfCalls(t, "DeleteInstance", 3)
	assert.Equal(t, int64(2), w.Stats().Failed)
}

func TestWriter_SaveDefinition(t *testing.T) {
	mem := NewMemory(0)
	w := startWriter(t, mem)
	w.SaveDefinition(&widget.Definition{ID: "speed-monitor", Name: "Speed Monitor", Category: widget.CategoryAnalysis})
	require.NoError(t, w.Stop(time.Second))

	def, ok := mem.Definition("speed-monitor")
	require.True(t, ok)
	assert.Equal(t, "Speed Monitor", def.Name)
}

func TestWriter_NotStarted(t *testing.T) {
	m := new(MockAdapter)
	w, err := NewWriter(m)
	require.NoError(t, err)

	w.SaveInstance(testInstance("w1"))
	assert.Equal(t, int64(0), w.Stats().Submitted)
	require.NoError(t, w.Stop(time.Second))
	m.AssertNotCalled(t, "SaveInstance", mock.Anything, mock.Anything, mock.Anything)

	_, err = NewWriter(nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestWriter_StartTwice(t *testing.T) {
	mem := NewMemory(0)
	w := startWriter(t, mem)
	err := w.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
	require.NoError(t, w.Stop(time.Second))
	require.NoError(t, w.Stop(time.Second))
}

func TestMemory_Adapter(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(2)

	require.NoError(t, mem.SaveDefinition(ctx, widget.Descriptor{ID: "speed-monitor", Name: "Speed"}))
	require.NoError(t, mem.SaveInstance(ctx, testInstance("b"), "s"))
	require.NoError(t, mem.SaveInstance(ctx, testInstance("a"), "s"))

	paused := widget.StatusPaused
	require.NoError(t, mem.UpdateInstance(ctx, "a", InstancePatch{Status: &paused, Outputs: widget.Values{"x": 1.0}}))
	err := mem.UpdateInstance(ctx, "missing", InstancePatch{})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	loaded, err := mem.LoadPersistedInstances(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)
	assert.Equal(t, "a", loaded[0].Instance.ID)
	assert.Equal(t, widget.StatusPaused, loaded[0].Instance.Status)
	assert.Equal(t, widget.Values{"target": 50.0}, loaded[0].Instance.Config)
	assert.Equal(t, "Speed", loaded[0].Definition.Name)

	for i := range 3 {
		require.NoError(t, mem.SaveMetricRecord(ctx, MetricRecord{InstanceID: "a", DurationMs: int64(i)}))
	}
	records := mem.MetricRecords("")
	require.Len(t, records, 2)
	assert.Equal(t, int64(1), records[0].DurationMs)

	require.NoError(t, mem.DeleteInstance(ctx, "a"))
	require.NoError(t, mem.DeleteInstance(ctx, "a"))
	loaded, err = mem.LoadPersistedInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)

	assert.Error(t, mem.SaveInstance(ctx, nil, ""))
}

func TestRecordFrom(t *testing.T) {
	inst := testInstance("w1")
	rec := RecordFrom(widget.ProcessEvent{
		Instance: inst,
		Inputs:   widget.Values{"speed": 1.0},
		Err:      stderrors.New("missing required input: speed"),
		Duration: 1500 * time.Microsecond,
	})
	assert.Equal(t, "w1", rec.InstanceID)
	assert.Equal(t, inst.LastUpdated, rec.Timestamp)
	assert.Equal(t, int64(1), rec.DurationMs)
	assert.Equal(t, "missing required input: speed", rec.Error)
}
