// Package bus delivers messages between widget instances and the runtime.
package bus

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/pkg/buffer"
)

// SystemID is the sender id used by the runtime itself.
const SystemID = "system"

// DefaultRetention is the number of messages kept for Recent.
const DefaultRetention = 1000

// Message is immutable once sent. An empty To means broadcast.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	To        string    `json:"to,omitempty"`
	Type      string    `json:"type"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// IsBroadcast reports whether the message has no single recipient.
func (m Message) IsBroadcast() bool {
	return m.To == ""
}

// Envelope is what a sender supplies.
type Envelope struct {
	To      string
	Type    string
	Payload any
}

// Handler receives messages for one instance. Errors and panics are logged
// and never reach the sender.
type Handler func(ctx context.Context, msg Message) error

// Stats counts bus activity.
type Stats struct {
	Sent     int64 `json:"sent"`
	Invoked  int64 `json:"invoked"`
	Failures int64 `json:"failures"`
	Retained int   `json:"retained"`
}

type subscription struct {
	seq     uint64
	id      string
	handler Handler
}

// Option configures a Bus.
type Option func(*Bus)

// WithLogger sets the bus logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithMetrics counts messages by type.
func WithMetrics(m *metric.Metrics) Option {
	return func(b *Bus) {
		b.metrics = m
	}
}

// Bus keeps handlers per instance id and a bounded message log.
type Bus struct {
	logger  *slog.Logger
	metrics *metric.Metrics
	history buffer.Buffer[Message]

	mu       sync.RWMutex
	handlers map[string][]subscription
	seq      uint64

	sent     atomic.Int64
	invoked  atomic.Int64
	failures atomic.Int64
}

// New creates a bus retaining the last retention messages.
func New(retention int, opts ...Option) *Bus {
	if retention <= 0 {
		retention = DefaultRetention
	}
	b := &Bus{
		logger:   slog.Default(),
		history:  buffer.MustCircularBuffer(retention, buffer.WithOverflowPolicy[Message](buffer.DropOldest)),
		handlers: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe adds a handler for id and returns its unsubscribe function.
// An instance may have several handlers; they run in subscription order.
func (b *Bus) Subscribe(id string, h Handler) func() {
	b.mu.Lock()
	b.seq++
	seq := b.seq
	b.handlers[id] = append(b.handlers[id], subscription{seq: seq, id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.unsubscribe(id, seq) })
	}
}

func (b *Bus) unsubscribe(id string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := slices.DeleteFunc(b.handlers[id], func(s subscription) bool { return s.seq == seq })
	if len(subs) == 0 {
		delete(b.handlers, id)
		return
	}
	b.handlers[id] = subs
}

// Unsubscribe drops every handler of id.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.handlers, id)
}

// HasSubscribers reports whether id has at least one handler.
func (b *Bus) HasSubscribers(id string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[id]) > 0
}

// Send records the message and delivers it synchronously. A directed message
// reaches only the handlers of env.To; a broadcast reaches every other
// subscribed instance.
func (b *Bus) Send(ctx context.Context, from string, env Envelope) (Message, error) {
	if env.Type == "" {
		return Message{}, errors.WrapInvalid(errors.Invalidf("message type is required"), "Bus", "Send", "envelope validation")
	}
	if from == "" {
		from = SystemID
	}

	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		To:        env.To,
		Type:      env.Type,
		Payload:   env.Payload,
		Timestamp: time.Now(),
	}
	_ = b.history.Write(msg)
	b.sent.Add(1)
	b.metrics.RecordBusMessage(msg.Type)

	for _, sub := range b.targets(msg) {
		b.invoke(ctx, sub, msg)
	}
	return msg, nil
}

func (b *Bus) targets(msg Message) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !msg.IsBroadcast() {
		return slices.Clone(b.handlers[msg.To])
	}

	var out []subscription
	for id, subs := range b.handlers {
		if id == msg.From {
			continue
		}
		out = append(out, subs...)
	}
	slices.SortFunc(out, func(a, c subscription) int {
		switch {
		case a.seq < c.seq:
			return -1
		case a.seq > c.seq:
			return 1
		}
		return 0
	})
	return out
}

func (b *Bus) invoke(ctx context.Context, sub subscription, msg Message) {
	b.invoked.Add(1)
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			b.logger.Error("Message handler panicked",
				"instance_id", sub.id, "message_id", msg.ID, "type", msg.Type, "panic", r)
		}
	}()
	if err := sub.handler(ctx, msg); err != nil {
		b.failures.Add(1)
		b.logger.Warn("Message handler failed",
			"instance_id", sub.id, "message_id", msg.ID, "type", msg.Type, "error", err)
	}
}

// Recent returns up to n of the newest messages, oldest first.
func (b *Bus) Recent(n int) []Message {
	return b.history.Last(n)
}

// Restore appends previously exported messages to the log without delivering them.
func (b *Bus) Restore(msgs []Message) {
	for _, m := range msgs {
		_ = b.history.Write(m)
	}
}

// Stats returns bus counters.
func (b *Bus) Stats() Stats {
	return Stats{
		Sent:     b.sent.Load(),
		Invoked:  b.invoked.Load(),
		Failures: b.failures.Load(),
		Retained: b.history.Size(),
	}
}
