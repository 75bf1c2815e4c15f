// Package buffer provides a generic, thread-safe bounded ring buffer.
//
// The runtime uses it for every bounded log: per-instance metric series, the
// message bus log and stream batches. When full, the buffer either evicts the
// oldest item (DropOldest) or rejects the new one (DropNewest). Statistics are
// always collected; Prometheus metrics are optional via WithMetrics.
package buffer

// Buffer is a bounded FIFO of items of type T.
type Buffer[T any] interface {
	// Write appends an item, applying the overflow policy when full.
	Write(item T) error

	// Read removes and returns the oldest item.
	Read() (T, bool)

	// ReadBatch removes and returns up to max of the oldest items.
	ReadBatch(max int) []T

	// Drain removes and returns every item, oldest first.
	Drain() []T

	// Peek returns the oldest item without removing it.
	Peek() (T, bool)

	// Snapshot returns a copy of every item, oldest first.
	Snapshot() []T

	// Last returns a copy of the newest n items, oldest first.
	Last(n int) []T

	Size() int
	Capacity() int
	IsFull() bool
	IsEmpty() bool

	// Clear removes all items. The drop callback sees each removed item.
	Clear()

	// Stats returns buffer statistics.
	Stats() *Statistics

	// Close rejects further writes.
	Close() error
}

// OverflowPolicy defines how the buffer behaves when it reaches capacity.
type OverflowPolicy int

const (
	// DropOldest removes the oldest item to make room for new items.
	DropOldest OverflowPolicy = iota

	// DropNewest drops new items when the buffer is full.
	DropNewest
)

// String returns a human-readable representation of the overflow policy.
func (p OverflowPolicy) String() string {
	switch p {
	case DropOldest:
		return "DropOldest"
	case DropNewest:
		return "DropNewest"
	default:
		return "Unknown"
	}
}

// DropCallback is called with each item dropped by the overflow policy.
type DropCallback[T any] func(item T)

// NewCircularBuffer creates a circular buffer with the given capacity.
// Capacities below one are raised to one.
func NewCircularBuffer[T any](capacity int, options ...Option[T]) (Buffer[T], error) {
	return newCircularBuffer(capacity, applyOptions(options...))
}

// MustCircularBuffer is NewCircularBuffer for buffers without metrics, which cannot fail.
func MustCircularBuffer[T any](capacity int, options ...Option[T]) Buffer[T] {
	b, err := NewCircularBuffer(capacity, options...)
	if err != nil {
		panic(err)
	}
	return b
}
