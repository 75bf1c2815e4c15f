package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/store"
	"github.com/c360/tripscope/widget"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "tripscope.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InstanceRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.SaveDefinition(ctx, widget.Descriptor{
		ID: "speed-monitor", Name: "Speed Monitor", Category: widget.CategoryAnalysis, Version: "1.0.0",
	}))

	updated := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	inst := &widget.Instance{
		ID:           "speed-1",
		DefinitionID: "speed-monitor",
		Name:         "Ego speed",
		Config:       widget.Values{"target_speed": 50.0, "unit": "km/h"},
		Status:       widget.StatusActive,
		Inputs:       widget.Values{},
		Outputs:      widget.Values{},
		Metadata:     widget.Values{},
		LastUpdated:  updated,
	}
	require.NoError(t, s.SaveInstance(ctx, inst, "trip-42"))
	require.NoError(t, s.SaveInstance(ctx, &widget.Instance{ID: "orphan", DefinitionID: "gone", Status: widget.StatusPaused}, ""))

	status := widget.StatusError
	require.NoError(t, s.UpdateInstance(ctx, "speed-1", store.InstancePatch{
		Status:   &status,
		Outputs:  widget.Values{"overspeed": true, "delta": 12.5},
		Metadata: widget.Values{"error": "sensor dropout"},
	}))

	loaded, err := s.LoadPersistedInstances(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 2)

	assert.Equal(t, "orphan", loaded[0].Instance.ID)
	assert.Empty(t, loaded[0].Definition.ID)

	got := loaded[1]
	assert.Equal(t, "trip-42", got.SessionID)
	assert.Equal(t, "Speed Monitor", got.Definition.Name)
	assert.Equal(t, widget.StatusError, got.Instance.Status)
	assert.Equal(t, widget.Values{"target_speed": 50.0, "unit": "km/h"}, got.Instance.Config)
	assert.Equal(t, widget.Values{"overspeed": true, "delta": 12.5}, got.Instance.Outputs)
	assert.Equal(t, "sensor dropout", got.Instance.Error())
	assert.True(t, updated.Equal(got.Instance.LastUpdated))

	require.NoError(t, s.DeleteInstance(ctx, "speed-1"))
	loaded, err = s.LoadPersistedInstances(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded, 1)
}

func TestStore_UpdateMissing(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateInstance(context.Background(), "nope", store.InstancePatch{})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestStore_MetricRecordsSurviveDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 3 {
		require.NoError(t, s.SaveMetricRecord(ctx, store.MetricRecord{
			InstanceID: "speed-1",
			Timestamp:  base.Add(time.Duration(i) * time.Second),
			Input:      widget.Values{"speed": float64(40 + i)},
			DurationMs: int64(i),
		}))
	}
	require.NoError(t, s.SaveMetricRecord(ctx, store.MetricRecord{
		InstanceID: "speed-1", Timestamp: base.Add(time.Minute), Error: "missing required input: speed",
	}))
	require.NoError(t, s.DeleteInstance(ctx, "speed-1"))

	records, err := s.MetricRecords(ctx, "speed-1", 0)
	require.NoError(t, err)
	require.Len(t, records, 4)
	assert.Equal(t, 41.0, records[1].Input["speed"])
	assert.Equal(t, "missing required input: speed", records[3].Error)
	assert.Empty(t, records[0].Error)

	limited, err := s.MetricRecords(ctx, "speed-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "", nil)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
