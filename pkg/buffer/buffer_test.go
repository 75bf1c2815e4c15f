package buffer

import (
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cerrors "github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/metric"
)

func TestCircularBufferBasicOperations(t *testing.T) {
	buf, err := NewCircularBuffer[string](3)
	require.NoError(t, err)
	defer buf.Close()

	assert.True(t, buf.IsEmpty())
	assert.Equal(t, 3, buf.Capacity())

	require.NoError(t, buf.Write("first"))
	require.NoError(t, buf.Write("second"))
	require.NoError(t, buf.Write("third"))
	assert.True(t, buf.IsFull())

	item, ok := buf.Peek()
	require.True(t, ok)
	assert.Equal(t, "first", item)
	assert.Equal(t, 3, buf.Size())

	item, ok = buf.Read()
	require.True(t, ok)
	assert.Equal(t, "first", item)
	assert.Equal(t, []string{"second", "third"}, buf.Snapshot())
}

func TestCircularBufferDropOldest(t *testing.T) {
	var dropped []int
	buf := MustCircularBuffer[int](3, WithDropCallback[int](func(i int) { dropped = append(dropped, i) }))

	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{3, 4, 5}, buf.Snapshot())
	assert.Equal(t, []int{1, 2}, dropped)
	assert.Equal(t, int64(2), buf.Stats().Drops())
	assert.Equal(t, int64(5), buf.Stats().Writes())
}

func TestCircularBufferDropNewest(t *testing.T) {
	buf := MustCircularBuffer[int](2, WithOverflowPolicy[int](DropNewest))

	for i := 1; i <= 4; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2}, buf.Snapshot())
	assert.Equal(t, int64(2), buf.Stats().Drops())
}

func TestCircularBufferLast(t *testing.T) {
	buf := MustCircularBuffer[int](4)
	for i := 1; i <= 6; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{5, 6}, buf.Last(2))
	assert.Equal(t, []int{3, 4, 5, 6}, buf.Last(10))
	assert.Empty(t, buf.Last(0))
}

func TestCircularBufferDrainAndBatch(t *testing.T) {
	buf := MustCircularBuffer[int](5)
	for i := 1; i <= 5; i++ {
		require.NoError(t, buf.Write(i))
	}

	assert.Equal(t, []int{1, 2}, buf.ReadBatch(2))
	assert.Equal(t, []int{3, 4, 5}, buf.Drain())
	assert.True(t, buf.IsEmpty())
	assert.Nil(t, buf.Drain())
}

func TestCircularBufferClear(t *testing.T) {
	count := 0
	buf := MustCircularBuffer[int](3, WithDropCallback[int](func(int) { count++ }))
	_ = buf.Write(1)
	_ = buf.Write(2)

	buf.Clear()
	assert.Equal(t, 0, buf.Size())
	assert.Equal(t, 2, count)

	require.NoError(t, buf.Write(9))
	assert.Equal(t, []int{9}, buf.Snapshot())
}

func TestCircularBufferClosed(t *testing.T) {
	buf := MustCircularBuffer[int](2)
	_ = buf.Write(1)
	require.NoError(t, buf.Close())

	err := buf.Write(2)
	require.Error(t, err)
	assert.ErrorIs(t, err, cerrors.ErrAlreadyStopped)

	item, ok := buf.Read()
	assert.True(t, ok)
	assert.Equal(t, 1, item)
}

func TestCircularBufferMinimumCapacity(t *testing.T) {
	buf := MustCircularBuffer[int](0)
	assert.Equal(t, 1, buf.Capacity())
}

func TestCircularBufferConcurrentWrites(t *testing.T) {
	buf := MustCircularBuffer[int](100)

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = buf.Write(g*100 + i)
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 100, buf.Size())
	summary := buf.Stats().Summary()
	assert.Equal(t, int64(400), summary.Drops)
	assert.Equal(t, int64(100), summary.MaxSize)
}

func TestCircularBufferMetrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	buf, err := NewCircularBuffer[int](1, WithMetrics[int](registry, "bus_log"))
	require.NoError(t, err)

	_ = buf.Write(1)
	_ = buf.Write(2)

	cb := buf.(*circularBuffer[int])
	assert.Equal(t, 2.0, testutil.ToFloat64(cb.metrics.writes))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.drops))
	assert.Equal(t, 1.0, testutil.ToFloat64(cb.metrics.utilization))

	// Registering the same prefix twice fails.
	_, err = NewCircularBuffer[int](1, WithMetrics[int](registry, "bus_log"))
	assert.Error(t, err)
}
