package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tserrors "github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/metric"
)

type testWork struct {
	id    int
	delay time.Duration
	fail  bool
}

func process(_ context.Context, w testWork) error {
	if w.delay > 0 {
		time.Sleep(w.delay)
	}
	if w.fail {
		return errors.New("work failed")
	}
	return nil
}

func TestNewPool(t *testing.T) {
	pool, err := NewPool(5, 100, process)
	require.NoError(t, err)
	assert.Equal(t, 5, pool.workers)
	assert.Equal(t, 100, pool.queueSize)

	pool, err = NewPool(0, 0, process)
	require.NoError(t, err)
	assert.Equal(t, 10, pool.workers)
	assert.Equal(t, 1000, pool.queueSize)

	_, err = NewPool[testWork](1, 1, nil)
	assert.ErrorIs(t, err, ErrNilProcessor)
}

func TestPool_Lifecycle(t *testing.T) {
	pool, err := NewPool(2, 10, process)
	require.NoError(t, err)

	err = pool.Submit(testWork{id: 1})
	assert.ErrorIs(t, err, ErrPoolNotStarted)
	assert.ErrorIs(t, err, tserrors.ErrNotStarted)

	require.NoError(t, pool.Start(context.Background()))
	assert.ErrorIs(t, pool.Start(context.Background()), ErrPoolAlreadyStarted)

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Stop(time.Second))
	assert.ErrorIs(t, pool.Submit(testWork{id: 2}), ErrPoolStopped)

	// Stop is idempotent.
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Processed)
}

func TestPool_QueueFull(t *testing.T) {
	block := make(chan struct{})
	pool, err := NewPool(1, 1, func(context.Context, testWork) error {
		<-block
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	// Wait for the worker to pick up the first item so the queue slot frees.
	require.Eventually(t, func() bool { return pool.Stats().QueueDepth == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, pool.Submit(testWork{id: 2}))
	err = pool.Submit(testWork{id: 3})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.ErrorIs(t, err, tserrors.ErrResourceExhausted)

	close(block)
	require.NoError(t, pool.Stop(time.Second))
	assert.Equal(t, int64(1), pool.Stats().Dropped)
}

func TestPool_ErrorHandlerAndPanics(t *testing.T) {
	var mu sync.Mutex
	var failedIDs []int
	pool, err := NewPool(1, 10, func(ctx context.Context, w testWork) error {
		if w.id == 3 {
			panic("boom")
		}
		return process(ctx, w)
	}, WithErrorHandler(func(w testWork, _ error) {
		mu.Lock()
		failedIDs = append(failedIDs, w.id)
		mu.Unlock()
	}))
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Submit(testWork{id: 2, fail: true}))
	require.NoError(t, pool.Submit(testWork{id: 3}))
	require.NoError(t, pool.Stop(time.Second))

	stats := pool.Stats()
	assert.Equal(t, int64(3), stats.Processed)
	assert.Equal(t, int64(2), stats.Failed)
	mu.Lock()
	assert.Equal(t, []int{2, 3}, failedIDs)
	mu.Unlock()
}

func TestPool_ConcurrentSubmissions(t *testing.T) {
	var count atomic.Int64
	pool, err := NewPool(4, 1000, func(context.Context, testWork) error {
		count.Add(1)
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				_ = pool.Submit(testWork{id: g*100 + i})
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, pool.Stop(2*time.Second))

	assert.Equal(t, int64(500), count.Load())
	assert.Equal(t, int64(500), pool.Stats().Submitted)
}

func TestPool_StopTimeout(t *testing.T) {
	pool, err := NewPool(1, 1, process)
	require.NoError(t, err)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{delay: 200 * time.Millisecond}))

	assert.ErrorIs(t, pool.Stop(10*time.Millisecond), ErrStopTimeout)
}

func TestPool_Metrics(t *testing.T) {
	registry := metric.NewMetricsRegistry()
	pool, err := NewPool(1, 1, process, WithMetricsRegistry[testWork](registry, "store_writer"))
	require.NoError(t, err)
	require.NotNil(t, pool.metrics)

	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Submit(testWork{id: 1}))
	require.NoError(t, pool.Stop(time.Second))

	assert.Equal(t, 1, testutil.CollectAndCount(pool.metrics.processingTime))

	_, err = NewPool(1, 1, process, WithMetricsRegistry[testWork](registry, "store_writer"))
	assert.Error(t, err)
}
