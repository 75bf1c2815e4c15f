package store

import (
	"context"
	stderrors "errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/pkg/retry"
	"github.com/c360/tripscope/pkg/worker"
	"github.com/c360/tripscope/widget"
)

// write is one queued adapter call.
type write struct {
	op  string
	key string
	fn  func(ctx context.Context, a Adapter) error
}

// Writer applies adapter calls asynchronously. Writes for one key are
// handled by the same worker so they reach the adapter in submission order.
// Failed writes are retried, then logged and dropped.
type Writer struct {
	adapter   Adapter
	logger    *slog.Logger
	metrics   *metric.Metrics
	registry  *metric.MetricsRegistry
	retry     retry.Config
	sessionID string
	workers   int
	queueSize int

	mu      sync.Mutex
	shards  []*worker.Pool[write]
	started bool
	stopped bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithLogger sets the writer logger.
func WithLogger(l *slog.Logger) WriterOption {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithMetrics records write outcomes.
func WithMetrics(m *metric.Metrics) WriterOption {
	return func(w *Writer) { w.metrics = m }
}

// WithMetricsRegistry exports queue metrics for every shard.
func WithMetricsRegistry(r *metric.MetricsRegistry) WriterOption {
	return func(w *Writer) { w.registry = r }
}

// WithSessionID tags saved instances.
func WithSessionID(id string) WriterOption {
	return func(w *Writer) { w.sessionID = id }
}

// WithWorkers sets the number of shards and the queue size of each.
func WithWorkers(workers, queueSize int) WriterOption {
	return func(w *Writer) {
		if workers > 0 {
			w.workers = workers
		}
		if queueSize > 0 {
			w.queueSize = queueSize
		}
	}
}

// WithRetry overrides the retry policy.
func WithRetry(cfg retry.Config) WriterOption {
	return func(w *Writer) { w.retry = cfg }
}

// NewWriter wraps adapter. Start must be called before writes are accepted.
func NewWriter(adapter Adapter, opts ...WriterOption) (*Writer, error) {
	if adapter == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Writer", "NewWriter", "adapter check")
	}
	w := &Writer{
		adapter:   adapter,
		logger:    slog.Default(),
		retry:     retry.Persistence(),
		workers:   2,
		queueSize: 1000,
	}
	for _, opt := range opts {
		opt(w)
	}

	w.shards = make([]*worker.Pool[write], w.workers)
	for i := range w.shards {
		poolOpts := []worker.Option[write]{worker.WithErrorHandler(w.dropped)}
		if w.registry != nil {
			poolOpts = append(poolOpts, worker.WithMetricsRegistry[write](w.registry, fmt.Sprintf("store_writer_%d", i)))
		}
		pool, err := worker.NewPool(1, w.queueSize, w.apply, poolOpts...)
		if err != nil {
			return nil, errors.Wrap(err, "Writer", "NewWriter", "create worker pool")
		}
		w.shards[i] = pool
	}
	return w, nil
}

// Adapter returns the wrapped adapter.
func (w *Writer) Adapter() Adapter {
	return w.adapter
}

// Start launches the workers.
func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Writer", "Start", "state check")
	}
	for _, pool := range w.shards {
		if err := pool.Start(ctx); err != nil {
			return errors.Wrap(err, "Writer", "Start", "start worker pool")
		}
	}
	w.started = true
	return nil
}

// Stop waits for queued writes to finish and closes the adapter.
func (w *Writer) Stop(timeout time.Duration) error {
	w.mu.Lock()
	if !w.started || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	w.mu.Unlock()

	var firstErr error
	deadline := time.Now().Add(timeout)
	for _, pool := range w.shards {
		if err := pool.Stop(max(time.Until(deadline), time.Millisecond)); err != nil && firstErr == nil {
			firstErr = errors.WrapTransient(err, "Writer", "Stop", "drain writes")
		}
	}
	if err := w.adapter.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "Writer", "Stop", "close adapter")
	}
	return firstErr
}

// Stats sums the shard statistics.
func (w *Writer) Stats() worker.PoolStats {
	var total worker.PoolStats
	for _, pool := range w.shards {
		s := pool.Stats()
		total.Workers += s.Workers
		total.QueueSize += s.QueueSize
		total.QueueDepth += s.QueueDepth
		total.Submitted += s.Submitted
		total.Processed += s.Processed
		total.Failed += s.Failed
		total.Dropped += s.Dropped
	}
	return total
}

func (w *Writer) apply(ctx context.Context, wr write) error {
	err := retry.Do(ctx, w.retry, func() error {
		return wr.fn(ctx, w.adapter)
	})
	w.metrics.RecordPersistence(wr.op, err == nil)
	return err
}

func (w *Writer) dropped(wr write, err error) {
	w.metrics.RecordError("store", errors.Classify(err).String())
	w.logger.Warn("Persistence write failed", "operation", wr.op, "key", wr.key, "error", err)
}

func (w *Writer) submit(wr write) {
	w.mu.Lock()
	stopped := w.stopped
	w.mu.Unlock()
	if stopped {
		w.logger.Debug("Persistence write skipped after stop", "operation", wr.op, "key", wr.key)
		return
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(wr.key))
	pool := w.shards[int(h.Sum32()%uint32(len(w.shards)))]
	if err := pool.Submit(wr); err != nil {
		w.metrics.RecordPersistence(wr.op, false)
		w.logger.Warn("Persistence write not queued", "operation", wr.op, "key", wr.key, "error", err)
	}
}

// SaveDefinition queues a definition save.
func (w *Writer) SaveDefinition(def *widget.Definition) {
	desc := def.Describe()
	w.submit(write{op: "save_definition", key: "definition:" + def.ID, fn: func(ctx context.Context, a Adapter) error {
		return a.SaveDefinition(ctx, desc)
	}})
}

// SaveInstance queues an instance save.
func (w *Writer) SaveInstance(inst *widget.Instance) {
	inst = inst.Clone()
	session := w.sessionID
	w.submit(write{op: "save_instance", key: inst.ID, fn: func(ctx context.Context, a Adapter) error {
		return a.SaveInstance(ctx, inst, session)
	}})
}

// UpdateInstance queues a patch.
func (w *Writer) UpdateInstance(id string, patch InstancePatch) {
	w.submit(write{op: "update_instance", key: id, fn: func(ctx context.Context, a Adapter) error {
		err := a.UpdateInstance(ctx, id, patch)
		if stderrors.Is(err, errors.ErrNotFound) {
			return retry.NonRetryable(err)
		}
		return err
	}})
}

// DeleteInstance queues a delete.
func (w *Writer) DeleteInstance(id string) {
	w.submit(write{op: "delete_instance", key: id, fn: func(ctx context.Context, a Adapter) error {
		return a.DeleteInstance(ctx, id)
	}})
}

// SaveMetricRecord queues a processing record.
func (w *Writer) SaveMetricRecord(rec MetricRecord) {
	w.submit(write{op: "save_metric_record", key: rec.InstanceID, fn: func(ctx context.Context, a Adapter) error {
		return a.SaveMetricRecord(ctx, rec)
	}})
}

// InstanceCreated saves the new instance.
func (w *Writer) InstanceCreated(inst *widget.Instance, _ *widget.Definition) {
	w.SaveInstance(inst)
}

// InstanceRemoved deletes the instance.
func (w *Writer) InstanceRemoved(id string) {
	w.DeleteInstance(id)
}

// InstanceProcessed stores the new state and a processing record.
func (w *Writer) InstanceProcessed(ev widget.ProcessEvent) {
	if ev.Instance == nil {
		return
	}
	w.UpdateInstance(ev.Instance.ID, PatchFrom(ev.Instance))
	w.SaveMetricRecord(RecordFrom(ev))
}

// InstanceUpdated stores the new state.
func (w *Writer) InstanceUpdated(inst *widget.Instance) {
	w.UpdateInstance(inst.ID, PatchFrom(inst))
}
