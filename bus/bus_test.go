package bus

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/tripscope/errors"
)

func TestBus_DirectedMessage(t *testing.T) {
	b := New(10)
	ctx := context.Background()

	var got []Message
	b.Subscribe("map", func(_ context.Context, m Message) error {
		got = append(got, m)
		return nil
	})
	b.Subscribe("chart", func(context.Context, Message) error {
		t.Fatal("chart must not receive a message directed at map")
		return nil
	})

	msg, err := b.Send(ctx, "chart", Envelope{To: "map", Type: "focus", Payload: 12.5})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.False(t, msg.IsBroadcast())
	require.Len(t, got, 1)
	assert.Equal(t, msg, got[0])
}

func TestBus_BroadcastSkipsSender(t *testing.T) {
	b := New(10)
	var order []string
	handler := func(name string) Handler {
		return func(context.Context, Message) error {
			order = append(order, name)
			return nil
		}
	}
	b.Subscribe("b", handler("b1"))
	b.Subscribe("a", handler("a1"))
	b.Subscribe("sender", handler("sender"))
	b.Subscribe("b", handler("b2"))

	msg, err := b.Send(context.Background(), "sender", Envelope{Type: "time-range"})
	require.NoError(t, err)
	assert.True(t, msg.IsBroadcast())
	assert.Equal(t, []string{"b1", "a1", "b2"}, order)
}

func TestBus_HandlerFailuresIsolated(t *testing.T) {
	b := New(10)
	calls := 0
	b.Subscribe("x", func(context.Context, Message) error { return fmt.Errorf("broken") })
	b.Subscribe("x", func(context.Context, Message) error { panic("worse") })
	b.Subscribe("x", func(context.Context, Message) error { calls++; return nil })

	_, err := b.Send(context.Background(), SystemID, Envelope{To: "x", Type: "ping"})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	stats := b.Stats()
	assert.Equal(t, int64(1), stats.Sent)
	assert.Equal(t, int64(3), stats.Invoked)
	assert.Equal(t, int64(2), stats.Failures)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New(10)
	calls := 0
	h := func(context.Context, Message) error { calls++; return nil }

	first := b.Subscribe("x", h)
	second := b.Subscribe("x", h)
	assert.True(t, b.HasSubscribers("x"))

	first()
	first()
	assert.True(t, b.HasSubscribers("x"))

	_, _ = b.Send(context.Background(), "", Envelope{To: "x", Type: "ping"})
	assert.Equal(t, 1, calls)

	second()
	assert.False(t, b.HasSubscribers("x"))

	b.Subscribe("y", h)
	b.Unsubscribe("y")
	assert.False(t, b.HasSubscribers("y"))
}

func TestBus_RecentIsBounded(t *testing.T) {
	b := New(3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := b.Send(ctx, "", Envelope{Type: fmt.Sprintf("m%d", i)})
		require.NoError(t, err)
	}

	recent := b.Recent(10)
	require.Len(t, recent, 3)
	assert.Equal(t, "m2", recent[0].Type)
	assert.Equal(t, "m4", recent[2].Type)
	assert.Equal(t, SystemID, recent[0].From)

	assert.Len(t, b.Recent(2), 2)
}

func TestBus_SendValidation(t *testing.T) {
	b := New(0)
	_, err := b.Send(context.Background(), "a", Envelope{To: "b"})
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Empty(t, b.Recent(1))
}

func TestBus_Restore(t *testing.T) {
	src := New(5)
	for i := 0; i < 2; i++ {
		_, _ = src.Send(context.Background(), "a", Envelope{Type: "t"})
	}

	dst := New(5)
	delivered := 0
	dst.Subscribe("b", func(context.Context, Message) error { delivered++; return nil })
	dst.Restore(src.Recent(5))

	assert.Equal(t, src.Recent(5), dst.Recent(5))
	assert.Equal(t, 0, delivered)
}
