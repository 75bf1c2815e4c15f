package websocket

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/router"
)

// Frame is one ingest message. Either Signal/Value or Signals is set.
type Frame struct {
	Signal  string         `json:"signal,omitempty"`
	Value   any            `json:"value,omitempty"`
	Signals map[string]any `json:"signals,omitempty"`
}

// Reply is sent back on the ingest connection for every message.
type Reply struct {
	Type      string          `json:"type"` // "ack" or "error"
	Code      string          `json:"code,omitempty"`
	Error     string          `json:"error,omitempty"`
	Results   []router.Result `json:"results,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	ReplyAck   = "ack"
	ReplyError = "error"

	CodeInvalidFrame = "invalid_frame"
	CodeRateLimited  = "rate_limited"
)

// decodeFrames accepts a single frame object or an array of frames.
func decodeFrames(data []byte) ([]Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.Invalidf("empty frame")
	}

	var frames []Frame
	if data[0] == '[' {
		if err := json.Unmarshal(data, &frames); err != nil {
			return nil, errors.WrapInvalid(err, "Server", "decodeFrames", "decode frame batch")
		}
	} else {
		var f Frame
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, errors.WrapInvalid(err, "Server", "decodeFrames", "decode frame")
		}
		frames = []Frame{f}
	}

	for i, f := range frames {
		if f.Signal == "" && len(f.Signals) == 0 {
			return nil, errors.Invalidf("frame %d has neither signal nor signals", i)
		}
		if f.Signal != "" && len(f.Signals) > 0 {
			return nil, errors.Invalidf("frame %d sets both signal and signals", i)
		}
	}
	return frames, nil
}

func (f Frame) count() int {
	if f.Signal != "" {
		return 1
	}
	return len(f.Signals)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	conn, ok := s.upgrade(w, r)
	if !ok {
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameSize)

	s.mu.Lock()
	if s.stopped.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.ingestConns[conn] = struct{}{}
	clients := len(s.ingestConns)
	s.wg.Add(1)
	s.mu.Unlock()
	s.metrics.connected("ingest", clients)
	s.logger.Debug("Ingest client connected", "remote", r.RemoteAddr)

	defer func() {
		s.mu.Lock()
		delete(s.ingestConns, conn)
		clients := len(s.ingestConns)
		s.mu.Unlock()
		_ = conn.Close()
		s.metrics.disconnected("ingest", clients)
		s.logger.Debug("Ingest client disconnected", "remote", r.RemoteAddr)
		s.wg.Done()
	}()

	limiter := s.newLimiter()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.metrics.error("read")
				s.logger.Debug("Ingest read failed", "remote", r.RemoteAddr, "error", err)
			}
			return
		}

		reply := s.ingest(limiter, data)
		if err := s.writeReply(conn, reply); err != nil {
			s.metrics.error("write")
			return
		}
	}
}

func (s *Server) newLimiter() *rate.Limiter {
	if s.cfg.IngestRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(s.cfg.IngestRate), s.cfg.IngestBurst)
}

// ingest broadcasts every signal of a message. A rate-limited message is
// rejected whole.
func (s *Server) ingest(limiter *rate.Limiter, data []byte) Reply {
	now := time.Now()
	frames, err := decodeFrames(data)
	if err != nil {
		s.metrics.frame("invalid", 0)
		return Reply{Type: ReplyError, Code: CodeInvalidFrame, Error: err.Error(), Timestamp: now}
	}
	if !limiter.AllowN(now, len(frames)) {
		s.metrics.frame("rate_limited", 0)
		return Reply{Type: ReplyError, Code: CodeRateLimited, Error: errors.ErrRateLimited.Error(), Timestamp: now}
	}

	var results []router.Result
	for _, f := range frames {
		if f.Signal != "" {
			results = append(results, s.runtime.Broadcast(s.ctx, f.Signal, f.Value))
		} else {
			results = append(results, s.runtime.BroadcastAll(s.ctx, f.Signals)...)
		}
		s.metrics.frame("accepted", f.count())
	}
	return Reply{Type: ReplyAck, Results: results, Timestamp: now}
}

func (s *Server) writeReply(conn *websocket.Conn, reply Reply) error {
	_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
	return conn.WriteJSON(reply)
}
