// Package websocket exposes the runtime to playback and dashboard clients
// over WebSocket: an ingest endpoint turning signal frames into broadcasts
// and a feed endpoint pushing instance and bus events.
package websocket

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/tripscope/bus"
	"github.com/c360/tripscope/errors"
	"github.com/c360/tripscope/gateway"
	"github.com/c360/tripscope/metric"
	"github.com/c360/tripscope/router"
	"github.com/c360/tripscope/widget"
)

// FeedChannelID is the bus id the feed listens on. Broadcast messages and
// messages addressed to it are pushed to feed clients.
const FeedChannelID = "dashboard-feed"

// Runtime is the part of the engine the gateway uses. *engine.Engine
// implements it.
type Runtime interface {
	Broadcast(ctx context.Context, signal string, value any) router.Result
	BroadcastAll(ctx context.Context, values map[string]any) []router.Result
	AddObserver(o widget.Observer)
	SubscribeToMessages(id string, h bus.Handler) func()
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMetricsRegistry enables gateway metrics.
func WithMetricsRegistry(r *metric.MetricsRegistry) Option {
	return func(s *Server) { s.registry = r }
}

// Server serves the ingest and feed endpoints.
type Server struct {
	runtime  Runtime
	cfg      gateway.Config
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *Metrics
	upgrader websocket.Upgrader

	ctx     context.Context
	cancel  context.CancelFunc
	running atomic.Bool
	stopped atomic.Bool
	wg      sync.WaitGroup

	mu          sync.RWMutex
	feedClients map[*feedClient]struct{}
	ingestConns map[*websocket.Conn]struct{}
	unsubscribe func()
	observed    bool
}

var _ gateway.HTTPHandler = (*Server)(nil)

// New validates cfg and creates a server. Call Start before serving.
func New(rt Runtime, cfg gateway.Config, opts ...Option) (*Server, error) {
	if rt == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "New", "runtime check")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "New", "config validation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		runtime:     rt,
		cfg:         cfg,
		logger:      slog.Default(),
		ctx:         ctx,
		cancel:      cancel,
		feedClients: make(map[*feedClient]struct{}),
		ingestConns: make(map[*websocket.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.cfg.CheckOrigin,
	}

	m, err := newMetrics(s.registry)
	if err != nil {
		cancel()
		return nil, errors.Wrap(err, "Server", "New", "register metrics")
	}
	s.metrics = m
	return s, nil
}

// RegisterHTTPHandlers mounts the ingest and feed endpoints under prefix.
func (s *Server) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+s.cfg.IngestPath, s.handleIngest)
	mux.HandleFunc(prefix+s.cfg.FeedPath, s.handleFeed)
}

// Start subscribes the feed to runtime events. Connections are refused
// until Start has been called.
func (s *Server) Start(ctx context.Context) error {
	if s.stopped.Load() {
		return errors.WrapFatal(errors.ErrAlreadyStopped, "Server", "Start", "state check")
	}
	if !s.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "state check")
	}

	s.mu.Lock()
	if !s.observed {
		s.runtime.AddObserver(s.observer())
		s.observed = true
	}
	s.unsubscribe = s.runtime.SubscribeToMessages(FeedChannelID, s.onMessage)
	s.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			_ = s.Stop(5 * time.Second)
		case <-s.ctx.Done():
		}
	}()

	s.logger.Info("WebSocket gateway started", "ingest_path", s.cfg.IngestPath, "feed_path", s.cfg.FeedPath)
	return nil
}

// Stop closes every connection and waits up to timeout for handlers to exit.
func (s *Server) Stop(timeout time.Duration) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.running.Store(false)
	s.cancel()

	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	feeds := make([]*feedClient, 0, len(s.feedClients))
	for c := range s.feedClients {
		feeds = append(feeds, c)
	}
	ingest := make([]*websocket.Conn, 0, len(s.ingestConns))
	for conn := range s.ingestConns {
		ingest = append(ingest, conn)
	}
	s.mu.Unlock()

	for _, c := range feeds {
		c.close()
	}
	for _, conn := range ingest {
		_ = conn.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("WebSocket gateway stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "Server", "Stop", "wait for connections")
	}
}

// Clients returns the number of connected ingest and feed clients.
func (s *Server) Clients() (ingest, feed int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ingestConns), len(s.feedClients)
}

func (s *Server) upgrade(w http.ResponseWriter, r *http.Request) (*websocket.Conn, bool) {
	if !s.running.Load() {
		http.Error(w, "gateway not running", http.StatusServiceUnavailable)
		return nil, false
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.metrics.error("connection_upgrade")
		s.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return nil, false
	}
	return conn, true
}
