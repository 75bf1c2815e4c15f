package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/widget"
)

// Feed event types.
const (
	EventInstanceCreated = "instance_created"
	EventInstanceRemoved = "instance_removed"
	EventInstanceUpdated = "instance_updated"
	EventProcessed       = "processed"
	EventMessage         = "message"
)

// FeedEvent is pushed to every feed client.
type FeedEvent struct {
	Type       string           `json:"type"`
	InstanceID string           `json:"instance_id,omitempty"`
	Instance   *widget.Instance `json:"instance,omitempty"`
	Outputs    widget.Values    `json:"outputs,omitempty"`
	Error      string           `json:"error,omitempty"`
	DurationMs float64          `json:"duration_ms,omitempty"`
	Message    *bus.Message     `json:"message,omitempty"`
	Timestamp  time.Time        `json:"timestamp"`
}

type feedClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	remote    string
}

func (c *feedClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	conn.SetReadLimit(4096)

	c := &feedClient{
		conn:   conn,
		send:   make(chan []byte, s.cfg.FeedBuffer),
		done:   make(chan struct{}),
		remote: r.RemoteAddr,
	}

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.feedClients[c] = struct{}{}
	clients := len(s.feedClients)
	s.wg.Add(2)
	s.mu.Unlock()
	s.metrics.connected("feed", clients)
	s.logger.Debug("Feed client connected", "remote", c.remote)

	go s.writeFeed(c)
	go s.readFeed(c)
}

// readFeed discards client messages and detects disconnects.
func (s *Server) readFeed(c *feedClient) {
	defer func() {
		s.removeFeedClient(c)
		s.wg.Done()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.PingInterval))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.error("read")
			}
			return
		}
	}
}

func (s *Server) writeFeed(c *feedClient) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		s.removeFeedClient(c)
		s.wg.Done()
	}()

	for {
		select {
		case <-c.done:
			return
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.metrics.error("write")
				s.logger.Debug("Feed write failed", "remote", c.remote, "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(s.cfg.WriteTimeout)
			if err := c.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.metrics.error("ping")
				return
			}
		}
	}
}

func (s *Server) removeFeedClient(c *feedClient) {
	s.mu.Lock()
	_, present := s.feedClients[c]
	delete(s.feedClients, c)
	clients := len(s.feedClients)
	s.mu.Unlock()

	c.close()
	if present {
		s.metrics.disconnected("feed", clients)
		s.logger.Debug("Feed client disconnected", "remote", c.remote)
	}
}

// publish fans an event out to feed clients without blocking. Clients whose
// buffer is full miss the event.
func (s *Server) publish(ev FeedEvent) {
	if !s.running.Load() {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		s.metrics.error("marshal")
		s.logger.Warn("Feed event not serializable", "type", ev.Type, "error", err)
		return
	}

	s.mu.RLock()
	dropped := 0
	for c := range s.feedClients {
		select {
		case c.send <- data:
		default:
			dropped++
		}
	}
	s.mu.RUnlock()

	if dropped > 0 {
		s.logger.Debug("Feed event dropped for slow clients", "type", ev.Type, "clients", dropped)
	}
	s.metrics.published(ev.Type, dropped)
}

func (s *Server) observer() widget.Observer {
	return widget.ObserverFuncs{
		Created: func(inst *widget.Instance, _ *widget.Definition) {
			s.publish(FeedEvent{Type: EventInstanceCreated, InstanceID: inst.ID, Instance: inst})
		},
		Removed: func(id string) {
			s.publish(FeedEvent{Type: EventInstanceRemoved, InstanceID: id})
		},
		Updated: func(inst *widget.Instance) {
			s.publish(FeedEvent{Type: EventInstanceUpdated, InstanceID: inst.ID, Instance: inst})
		},
		Processed: func(ev widget.ProcessEvent) {
			out := FeedEvent{
				Type:       EventProcessed,
				Outputs:    ev.Outputs,
				DurationMs: float64(ev.Duration.Microseconds()) / 1000,
			}
			if ev.Instance != nil {
				out.InstanceID = ev.Instance.ID
			}
			if ev.Err != nil {
				out.Error = ev.Err.Error()
			}
			s.publish(out)
		},
	}
}

func (s *Server) onMessage(_ context.Context, msg bus.Message) error {
	s.publish(FeedEvent{Type: EventMessage, InstanceID: msg.From, Message: &msg, Timestamp: msg.Timestamp})
	return nil
}
