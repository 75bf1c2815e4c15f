package monitor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/expression"
	"github.com/c360/tripscope/widget"
)

func overspeed() widget.AlertSpec {
	return widget.AlertSpec{
		ID:        "overspeed",
		Metric:    "speed",
		Condition: expression.Compare("value", expression.OpGreaterThan, 30.0),
		Message:   "vehicle over limit",
		Severity:  widget.SeverityWarning,
	}
}

func TestMonitor_RetentionKeepsNewest(t *testing.T) {
	m := New(nil, WithRetention(5))
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := m.Record(ctx, "i1", "speed", float64(i), nil)
		require.NoError(t, err)
	}

	got := m.Query(Filter{InstanceID: "i1"})
	require.Len(t, got, 5)
	for i, rec := range got {
		assert.Equal(t, float64(7+i), rec.Value)
	}
}

func TestMonitor_AlertRaisesMessage(t *testing.T) {
	b := bus.New(10)
	m := New(b)
	m.AttachAlerts("i1", []widget.AlertSpec{overspeed()})

	var alerts []bus.Message
	b.Subscribe("dashboard", func(_ context.Context, msg bus.Message) error {
		alerts = append(alerts, msg)
		return nil
	})

	ctx := context.Background()
	_, err := m.Record(ctx, "i1", "speed", 20, nil)
	require.NoError(t, err)
	_, err = m.Record(ctx, "i1", "heading", 90, nil)
	require.NoError(t, err)
	assert.Empty(t, alerts)

	_, err = m.Record(ctx, "i1", "speed", 35, nil)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMessageType, alerts[0].Type)
	assert.Equal(t, bus.SystemID, alerts[0].From)

	event, ok := alerts[0].Payload.(AlertEvent)
	require.True(t, ok)
	assert.Equal(t, "overspeed", event.AlertID)
	assert.Equal(t, "i1", event.InstanceID)
	assert.Equal(t, 35.0, event.Value)
	assert.Equal(t, widget.SeverityWarning, event.Severity)

	_, fired := m.Stats()
	assert.Equal(t, int64(1), fired)
}

func TestMonitor_BadAlertIsolated(t *testing.T) {
	b := bus.New(10)
	m := New(b)
	broken := widget.AlertSpec{
		ID:        "broken",
		Condition: expression.Expr{Field: "metadata.zone", Operator: expression.OpEqual, Value: "x", Required: true},
		Severity:  widget.SeverityError,
	}
	m.AttachAlerts("i1", []widget.AlertSpec{broken, overspeed()})

	rec, err := m.Record(context.Background(), "i1", "speed", 50, nil)
	require.NoError(t, err)
	assert.Equal(t, 50.0, rec.Value)

	recent := b.Recent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, "overspeed", recent[0].Payload.(AlertEvent).AlertID)
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, bus.Envelope) (bus.Message, error) {
	return bus.Message{}, fmt.Errorf("bus down")
}

func TestMonitor_SendFailureSwallowed(t *testing.T) {
	m := New(failingSender{})
	m.AttachAlerts("i1", []widget.AlertSpec{overspeed()})
	_, err := m.Record(context.Background(), "i1", "speed", 99, nil)
	assert.NoError(t, err)
}

func TestMonitor_QueryFilters(t *testing.T) {
	m := New(nil)
	ctx := context.Background()

	_, _ = m.Record(ctx, "i1", "speed", 1, nil)
	_, _ = m.Record(ctx, "i2", "speed", 2, nil)
	mid := time.Now()
	time.Sleep(2 * time.Millisecond)
	_, _ = m.Record(ctx, "i1", "heading", 3, nil)
	_, _ = m.Record(ctx, "i2", "speed", 4, nil)

	all := m.Query(Filter{})
	require.Len(t, all, 4)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].Timestamp.Before(all[i-1].Timestamp))
	}

	assert.Len(t, m.Query(Filter{Name: "speed"}), 3)
	assert.Len(t, m.Query(Filter{InstanceID: "i1"}), 2)
	assert.Len(t, m.Query(Filter{From: mid}), 2)
	assert.Len(t, m.Query(Filter{To: mid}), 2)
	assert.Empty(t, m.Query(Filter{InstanceID: "missing"}))

	recent := m.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, 4.0, recent[0].Value)
}

func TestMonitor_RecordValidation(t *testing.T) {
	m := New(nil)
	_, err := m.Record(context.Background(), "", "speed", 1, nil)
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestMonitor_Restore(t *testing.T) {
	b := bus.New(10)
	m := New(b)
	m.AttachAlerts("i1", []widget.AlertSpec{overspeed()})

	m.Restore([]Metric{
		{InstanceID: "i1", Name: "speed", Value: 90, Timestamp: time.Now()},
		{Name: "orphan", Value: 1},
	})
	assert.Len(t, m.Query(Filter{InstanceID: "i1"}), 1)
	assert.Empty(t, b.Recent(10))
}

func TestMonitor_AsObserver(t *testing.T) {
	m := New(nil)
	def := &widget.Definition{
		ID:         "speedo",
		Monitoring: &widget.MonitoringSpec{Alerts: []widget.AlertSpec{overspeed()}},
	}
	inst := &widget.Instance{ID: "i1"}

	m.InstanceCreated(inst, def)
	assert.Len(t, m.Alerts("i1"), 1)

	m.InstanceProcessed(widget.ProcessEvent{Instance: inst, Duration: 1500 * time.Microsecond})
	got := m.Query(Filter{InstanceID: "i1", Name: ProcessDurationMetric})
	require.Len(t, got, 1)
	assert.InDelta(t, 1.5, got[0].Value, 0.001)
	assert.Equal(t, true, got[0].Metadata["success"])

	m.InstanceRemoved("i1")
	assert.Empty(t, m.Alerts("i1"))
	assert.Len(t, m.Query(Filter{InstanceID: "i1"}), 1)
}

func TestMonitor_OutputsFeedAlerts(t *testing.T) {
	b := bus.New(10)
	m := New(b)
	inst := &widget.Instance{ID: "i1"}
	m.AttachAlerts("i1", []widget.AlertSpec{overspeed()})

	var alerts []bus.Message
	b.Subscribe("dashboard", func(_ context.Context, msg bus.Message) error {
		alerts = append(alerts, msg)
		return nil
	})

	m.InstanceProcessed(widget.ProcessEvent{Instance: inst, Outputs: widget.Values{"speed": 42, "gear": "D"}})
	m.InstanceProcessed(widget.ProcessEvent{Instance: inst, Outputs: widget.Values{"speed": 99}, Err: fmt.Errorf("boom")})

	got := m.Query(Filter{InstanceID: "i1", Name: "speed"})
	require.Len(t, got, 1)
	assert.Equal(t, 42.0, got[0].Value)
	require.Len(t, alerts, 1)
	assert.Equal(t, AlertMessageType, alerts[0].Type)
}

func TestMonitor_AlertHandlerRecordsSameInstance(t *testing.T) {
	b := bus.New(10)
	m := New(b)
	m.AttachAlerts("i1", []widget.AlertSpec{overspeed()})
	ctx := context.Background()

	b.Subscribe("ack", func(ctx context.Context, msg bus.Message) error {
		event := msg.Payload.(AlertEvent)
		_, err := m.Record(ctx, event.InstanceID, "alerts_acked", 1, nil)
		return err
	})

	done := make(chan error, 1)
	go func() {
		_, err := m.Record(ctx, "i1", "speed", 35, nil)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Record did not return")
	}

	acked := m.Query(Filter{InstanceID: "i1", Name: "alerts_acked"})
	require.Len(t, acked, 1)
	assert.Equal(t, 1.0, acked[0].Value)
}
