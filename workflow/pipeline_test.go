package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

// passthrough copies inputs to outputs.
type passthrough struct{}

func (passthrough) Initialize(context.Context, widget.Values) error { return nil }

func (passthrough) Process(_ context.Context, in widget.Values) (widget.Values, error) {
	return in.Clone(), nil
}

func (passthrough) Render(out widget.Values) (any, error) { return out, nil }

func pipelineManager(t *testing.T) (*widget.Manager, *Pipelines) {
	t.Helper()
	reg := widget.NewRegistry(nil)
	require.NoError(t, reg.Register(&widget.Definition{
		ID:             "pass",
		Name:           "Pass",
		Category:       widget.CategoryAnalysis,
		Implementation: passthrough{},
	}))
	m := widget.NewManager(reg)
	ps := NewPipelines(m, nil)
	m.AddObserver(ps)
	t.Cleanup(ps.Close)

	ctx := context.Background()
	for _, id := range []string{"src", "dst1", "dst2"} {
		_, err := m.Create(ctx, "pass", id, "", nil)
		require.NoError(t, err)
	}
	return m, ps
}

func TestPipelines_ForwardTransformed(t *testing.T) {
	m, ps := pipelineManager(t)
	cond := expression.Compare("speed", expression.OpGreaterThanEqual, 0)
	require.NoError(t, ps.Create(Pipeline{
		ID:              "p1",
		SourceWidgetID:  "src",
		TargetWidgetIDs: []string{"dst1", "dst2"},
		IsActive:        true,
		Transformations: []Transform{
			{Type: TransformFilter, Condition: &cond},
			{Type: TransformMap, Fields: map[string]string{"kmh": "speed"}, Set: map[string]any{"unit": "km/h"}},
		},
	}))

	require.NoError(t, m.Process(context.Background(), "src", widget.Values{"speed": 50}))

	for _, id := range []string{"dst1", "dst2"} {
		require.Eventually(t, func() bool {
			inst, err := m.Get(id)
			return err == nil && inst.Outputs["kmh"] == 50
		}, time.Second, 5*time.Millisecond, id)
	}
	inst, err := m.Get("dst1")
	require.NoError(t, err)
	assert.Equal(t, widget.Values{"kmh": 50, "unit": "km/h"}, inst.Inputs)

	// Filtered out: nothing forwarded.
	require.NoError(t, m.Process(context.Background(), "src", widget.Values{"speed": -1}))
	stats, ok := ps.Stats("p1")
	require.True(t, ok)
	assert.Equal(t, int64(2), stats.Forwarded)
	assert.Equal(t, int64(1), stats.Filtered)
}

func TestPipelines_BuffersUntilFull(t *testing.T) {
	m, ps := pipelineManager(t)
	require.NoError(t, ps.Create(Pipeline{
		ID:              "batch",
		SourceWidgetID:  "src",
		TargetWidgetIDs: []string{"dst1"},
		IsActive:        true,
		BufferSize:      2,
	}))
	ctx := context.Background()

	require.NoError(t, m.Process(ctx, "src", widget.Values{"a": 1}))
	inst, _ := m.Get("dst1")
	assert.Empty(t, inst.Inputs)

	require.NoError(t, m.Process(ctx, "src", widget.Values{"a": 2, "b": 3}))
	require.Eventually(t, func() bool {
		inst, err := m.Get("dst1")
		return err == nil && inst.Inputs["a"] == 2 && inst.Inputs["b"] == 3
	}, time.Second, 5*time.Millisecond)
}

func TestPipelines_InactiveAndRemoved(t *testing.T) {
	m, ps := pipelineManager(t)
	ctx := context.Background()
	require.NoError(t, ps.Create(Pipeline{ID: "p", SourceWidgetID: "src", TargetWidgetIDs: []string{"dst1"}}))

	require.NoError(t, m.Process(ctx, "src", widget.Values{"a": 1}))
	inst, _ := m.Get("dst1")
	assert.Empty(t, inst.Inputs)

	require.NoError(t, ps.SetActive("p", true))
	require.NoError(t, m.Remove(ctx, "src"))
	assert.False(t, ps.List()[0].IsActive)

	require.NoError(t, ps.Remove("p"))
	require.ErrorIs(t, ps.Remove("p"), errors.ErrNotFound)
	assert.Empty(t, ps.List())
}

func TestPipelines_Validation(t *testing.T) {
	_, ps := pipelineManager(t)

	err := ps.Create(Pipeline{ID: "self", SourceWidgetID: "src", TargetWidgetIDs: []string{"src"}})
	require.ErrorIs(t, err, errors.ErrValidation)

	err = ps.Create(Pipeline{ID: "none", SourceWidgetID: "src"})
	require.ErrorIs(t, err, errors.ErrValidation)

	err = ps.Create(Pipeline{ID: "bad", SourceWidgetID: "src", TargetWidgetIDs: []string{"dst1"}, Transformations: []Transform{{Type: "sort"}}})
	require.ErrorIs(t, err, errors.ErrValidation)

	require.NoError(t, ps.Create(Pipeline{ID: "dup", SourceWidgetID: "src", TargetWidgetIDs: []string{"dst1"}}))
	require.ErrorIs(t, ps.Create(Pipeline{ID: "dup", SourceWidgetID: "src", TargetWidgetIDs: []string{"dst2"}}), errors.ErrConflict)
}

func TestPipelines_RejectsCycles(t *testing.T) {
	m, ps := pipelineManager(t)
	ctx := context.Background()

	require.NoError(t, ps.Create(Pipeline{ID: "ab", SourceWidgetID: "dst1", TargetWidgetIDs: []string{"dst2"}, IsActive: true}))
	err := ps.Create(Pipeline{ID: "ba", SourceWidgetID: "dst2", TargetWidgetIDs: []string{"dst1"}, IsActive: true})
	require.ErrorIs(t, err, errors.ErrValidation)
	assert.Contains(t, err.Error(), "back to itself")

	require.NoError(t, ps.Create(Pipeline{ID: "src-dst1", SourceWidgetID: "src", TargetWidgetIDs: []string{"dst1"}}))
	err = ps.Create(Pipeline{ID: "dst2-src", SourceWidgetID: "dst2", TargetWidgetIDs: []string{"src"}})
	require.ErrorIs(t, err, errors.ErrValidation)
	assert.Len(t, ps.List(), 2)

	done := make(chan error, 1)
	go func() { done <- m.Process(ctx, "dst1", widget.Values{"x": 1}) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Process did not return")
	}
	inst, err := m.Get("dst2")
	require.NoError(t, err)
	assert.Equal(t, 1, inst.Inputs["x"])
}
