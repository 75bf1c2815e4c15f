// Package stream implements the per-instance data stream buffer: a bounded
// queue flushed when it fills or when its interval timer fires.
package stream

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/pkg/buffer"
)

// Item is one pushed value with its receive time.
type Item struct {
	Value      any       `json:"value"`
	ReceivedAt time.Time `json:"received_at"`
}

// Handler receives flushed batches. Batches are never empty.
type Handler func(batch []Item)

// Stats describes buffer activity.
type Stats struct {
	Pushed    int64 `json:"pushed"`
	Flushes   int64 `json:"flushes"`
	Delivered int64 `json:"delivered"`
	Rejected  int64 `json:"rejected"`
	Buffered  int   `json:"buffered"`
}

// Buffer is safe for concurrent use.
type Buffer struct {
	size     int
	interval time.Duration
	items    buffer.Buffer[Item]
	logger   *slog.Logger

	subMu    sync.RWMutex
	subs     map[uint64]Handler
	nextSub  uint64
	flushMu  sync.Mutex
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	destroyed atomic.Bool
	pushed    atomic.Int64
	flushes   atomic.Int64
	delivered atomic.Int64
	rejected  atomic.Int64
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithLogger sets the logger used for subscriber panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Buffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New creates a buffer that flushes at size items or every interval.
// A non-positive interval disables the timer.
func New(size int, interval time.Duration, opts ...Option) *Buffer {
	if size <= 0 {
		size = 1
	}
	b := &Buffer{
		size:     size,
		interval: interval,
		items:    buffer.MustCircularBuffer[Item](size),
		logger:   slog.Default(),
		subs:     make(map[uint64]Handler),
		stop:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}

	if interval > 0 {
		b.wg.Add(1)
		go b.run()
	}
	return b
}

func (b *Buffer) run() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.Flush()
		}
	}
}

// Subscribe registers a batch handler and returns its unsubscribe function.
func (b *Buffer) Subscribe(h Handler) func() {
	b.subMu.Lock()
	id := b.nextSub
	b.nextSub++
	b.subs[id] = h
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// Push appends a value. When the buffer reaches its size it is drained and
// the batch is delivered before Push returns. Subscribers run without the
// buffer lock held, so a subscriber may push into this buffer again.
func (b *Buffer) Push(value any) error {
	if b.destroyed.Load() {
		b.rejected.Add(1)
		return errors.WrapInvalid(errors.ErrAlreadyStopped, "Stream", "Push", "stream destroyed")
	}

	// Holding flushMu keeps a concurrent flush from interleaving with the size check.
	b.flushMu.Lock()
	if err := b.items.Write(Item{Value: value, ReceivedAt: time.Now()}); err != nil {
		b.flushMu.Unlock()
		b.rejected.Add(1)
		return err
	}
	b.pushed.Add(1)

	var batch []Item
	if b.items.Size() >= b.size {
		batch = b.items.Drain()
	}
	b.flushMu.Unlock()

	b.publish(batch)
	return nil
}

// Flush drains the buffer and delivers the batch. Flushing an empty buffer is a no-op.
func (b *Buffer) Flush() {
	b.flushMu.Lock()
	batch := b.items.Drain()
	b.flushMu.Unlock()
	b.publish(batch)
}

func (b *Buffer) publish(batch []Item) {
	if len(batch) == 0 {
		return
	}
	b.flushes.Add(1)

	b.subMu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.subMu.RUnlock()

	for _, h := range handlers {
		b.deliver(h, batch)
	}
}

func (b *Buffer) deliver(h Handler, batch []Item) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Stream subscriber panicked", "panic", r)
		}
	}()
	h(batch)
	b.delivered.Add(int64(len(batch)))
}

// Destroy stops the timer and drops subscribers and buffered items. Safe to call twice.
func (b *Buffer) Destroy() {
	b.stopOnce.Do(func() {
		b.destroyed.Store(true)
		close(b.stop)
		b.wg.Wait()

		b.subMu.Lock()
		b.subs = make(map[uint64]Handler)
		b.subMu.Unlock()

		b.items.Clear()
		_ = b.items.Close()
	})
}

// Stats returns a snapshot of buffer activity.
func (b *Buffer) Stats() Stats {
	return Stats{
		Pushed:    b.pushed.Load(),
		Flushes:   b.flushes.Load(),
		Delivered: b.delivered.Load(),
		Rejected:  b.rejected.Load(),
		Buffered:  b.items.Size(),
	}
}
