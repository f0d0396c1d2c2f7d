// Package ws implements the delivery channel: WebSocket upgrade with
// authentication, epoll-driven frame reading on a bounded worker pool,
// presence registration, targeted pushes and roster broadcasts.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/directchat/internal/metrics"
	"github.com/whisper/directchat/internal/presence"
	"github.com/whisper/directchat/internal/protocol"
	"github.com/whisper/directchat/internal/ratelimit"
)

// ErrNotOnline is returned by Push when the target user has no registered
// channel. Callers treat it as a silent drop.
var ErrNotOnline = presence.ErrNotOnline

// maxFrameSize caps a single inbound client message.
const maxFrameSize = 64 << 10

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on open channels
	ReadTimeout    time.Duration // deadline for reading a frame once epoll reports input
	WriteTimeout   time.Duration // deadline for each outbound frame; a channel that misses it is closed
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Authenticator resolves the user behind an HTTP request.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// Registry is the presence registry as seen by the channel.
type Registry interface {
	Register(userID, connID string) error
	UnregisterConn(userID, connID string) bool
	Lookup(userID string) (string, bool)
	Count() int
}

// SessionMirror records open channels in shared storage.
type SessionMirror interface {
	Create(ctx context.Context, connID, userID, remoteAddr string) error
	Touch(ctx context.Context, connID, userID string) error
	Delete(ctx context.Context, connID, userID string) error
}

// Limiter throttles handshakes per remote IP.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
	RetryAfter(ctx context.Context, identifier string, rule ratelimit.Rule) time.Duration
}

// Deps are the collaborators of a Server. Auth and Registry are required.
type Deps struct {
	Auth      Authenticator
	Registry  Registry
	Sessions  SessionMirror                        // optional
	Limiter   Limiter                              // optional
	OnMessage func(conn *Connection, data []byte) // optional
	Logger    *zap.Logger
}

// Server upgrades authenticated HTTP requests to WebSocket channels,
// registers them with the poller, and dispatches ready connections to a
// bounded worker pool for frame reading.
type Server struct {
	config       ServerConfig
	deps         Deps
	logger       *zap.Logger
	poller       *Poller
	conns        *ConnectionManager
	workerPool   chan struct{} // semaphore limiting concurrent read workers
	onDisconnect func(c *Connection)
	httpMu       sync.Mutex
	httpServer   *http.Server
	done         chan struct{}
	closing      atomic.Bool
	openOnce     sync.Once
	shutdownOnce sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. Call Mount to expose its routes and Start to
// begin serving.
func NewServer(config ServerConfig, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.Heartbeat.Interval <= 0 {
		config.Heartbeat = DefaultHeartbeatConfig()
	}
	return &Server{
		config:     config,
		deps:       deps,
		logger:     logger,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// Mount registers the channel and health routes on mux.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", s.handleUpgrade)
	mux.HandleFunc("GET /health", s.handleHealth)
}

// Start opens the poller, starts the event loop and heartbeat, and blocks
// serving handler on the configured address.
func (s *Server) Start(handler http.Handler) error {
	if err := s.Open(); err != nil {
		return err
	}

	hs := &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.httpMu.Lock()
	if s.closing.Load() {
		s.httpMu.Unlock()
		return nil
	}
	s.httpServer = hs
	s.httpMu.Unlock()

	s.logger.Info("ws: server listening",
		zap.String("addr", s.config.ListenAddr),
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))

	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// Open prepares the poller and background loops without serving HTTP, for
// callers that mount the server on their own listener. It is idempotent.
func (s *Server) Open() error {
	var err error
	s.openOnce.Do(func() {
		s.poller, err = NewPoller()
		if err != nil {
			err = fmt.Errorf("ws: failed to create poller: %w", err)
			return
		}
		s.startedAt = time.Now()
		go s.startEventLoop()
		go s.runHeartbeat(s.config.Heartbeat)
	})
	return err
}

// handleUpgrade validates the handshake and upgrades it. No registry state
// changes unless the upgrade succeeds.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	ip := remoteIP(r)
	if s.deps.Limiter != nil {
		allowed, err := s.deps.Limiter.Allow(r.Context(), ip, ratelimit.RuleConnect)
		if err != nil {
			s.logger.Warn("ws: connect rate limit check failed", zap.String("ip", ip), zap.Error(err))
		}
		if !allowed {
			if d := s.deps.Limiter.RetryAfter(r.Context(), ip, ratelimit.RuleConnect); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			}
			http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
			return
		}
	}

	userID := r.URL.Query().Get("userId")
	if userID == "" {
		http.Error(w, "missing userId", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(userID); err != nil {
		http.Error(w, "malformed userId", http.StatusBadRequest)
		return
	}

	authed, err := s.deps.Auth.Authenticate(r)
	if err != nil || authed != userID {
		s.logger.Debug("ws: handshake rejected",
			zap.String("user", userID), zap.String("ip", ip), zap.Error(err))
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}

	netConn, rw, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Warn("ws: upgrade failed", zap.String("user", userID), zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), userID, netConn, socketFD(netConn), ip)
	pending := false
	if rw != nil && rw.Reader.Buffered() > 0 {
		// Frames that arrived with the handshake are already off the socket
		// and epoll will not report them.
		c.reader = rw.Reader
		pending = true
	}

	s.conns.Add(c)
	s.startWriter(c)
	if err := s.poller.Add(c); err != nil {
		s.logger.Error("ws: poller add failed", zap.String("conn", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	if s.deps.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.deps.Sessions.Create(ctx, c.ID, userID, ip); err != nil {
			s.logger.Warn("ws: failed to mirror session", zap.String("conn", c.ID), zap.Error(err))
		}
		cancel()
	}

	if err := s.deps.Registry.Register(userID, c.ID); err != nil {
		s.logger.Error("ws: register failed", zap.String("conn", c.ID), zap.Error(err))
		s.RemoveConnection(c)
		return
	}
	// The channel may have been torn down before Register ran; its
	// UnregisterConn then found nothing to remove.
	if s.conns.Get(c.ID) == nil {
		s.deps.Registry.UnregisterConn(userID, c.ID)
		return
	}

	if pending {
		go s.handleConn(c)
	}

	s.logger.Info("ws: new connection",
		zap.String("conn", c.ID),
		zap.String("user", userID),
		zap.Int("fd", c.Fd),
		zap.Int("total", s.conns.Count()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Online      int    `json:"online"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Online:      s.deps.Registry.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop hands every ready connection to a worker, blocking while
// the pool is saturated.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.poller.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if isEINTR(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("ws: poller wait error", zap.Error(err))
			continue
		}

		for _, c := range ready {
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// handleConn reads every frame currently available on c.
func (s *Server) handleConn(c *Connection) {
	// Level-triggered epoll can report a connection that is already being
	// read.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.poller.Resume(c)
	}()

	for s.readFrame(c) && c.reader.Buffered() > 0 {
	}
}

// readFrame reads and handles one frame. It returns false when the
// connection should not be read again in this dispatch.
func (s *Server) readFrame(c *Connection) bool {
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, rd, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		// A timeout here is a stale dispatch with no input; the heartbeat
		// evicts connections that are actually dead.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return false
		}
		s.RemoveConnection(c)
		return false
	}

	payload, err := io.ReadAll(io.LimitReader(rd, maxFrameSize+1))
	_ = c.Conn.SetReadDeadline(time.Time{})
	if err != nil || len(payload) > maxFrameSize {
		s.logger.Warn("ws: dropping connection on bad frame",
			zap.String("conn", c.ID), zap.Int("len", len(payload)), zap.Error(err))
		s.RemoveConnection(c)
		return false
	}

	c.touch(time.Now())

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return false
	case ws.OpPing:
		if err := c.WritePong(payload); err != nil {
			s.RemoveConnection(c)
			return false
		}
		return true
	case ws.OpPong:
		return true
	}

	if len(payload) > 0 && s.deps.OnMessage != nil {
		s.deps.OnMessage(c, payload)
	}
	return true
}

// startWriter runs c's writer goroutine. A failed write tears the channel
// down.
func (s *Server) startWriter(c *Connection) {
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		s.logger.Info("ws: write failed, closing connection", zap.String("conn", c.ID), zap.Error(err))
		s.RemoveConnection(c)
	})
}

// SetOnDisconnect registers a callback run once per connection after it has
// been unregistered from presence.
func (s *Server) SetOnDisconnect(fn func(c *Connection)) {
	s.onDisconnect = fn
}

// RemoveConnection tears down c. Concurrent callers (read error, close
// frame, heartbeat, shutdown) race on ConnectionManager.Remove and only the
// winner unregisters presence and deletes the session mirror.
func (s *Server) RemoveConnection(c *Connection) {
	if s.poller != nil {
		_ = s.poller.Remove(c)
	}

	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	// A newer channel of the same user keeps its registration.
	s.deps.Registry.UnregisterConn(c.UserID, c.ID)

	if s.deps.Sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := s.deps.Sessions.Delete(ctx, c.ID, c.UserID); err != nil {
			s.logger.Warn("ws: failed to delete session mirror", zap.String("conn", c.ID), zap.Error(err))
		}
		cancel()
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	s.logger.Info("ws: connection closed",
		zap.String("conn", c.ID),
		zap.String("user", c.UserID),
		zap.Int("total", s.conns.Count()))
}

// Push queues a typed event on userID's registered channel. It returns
// ErrNotOnline when the user has none and ErrOutboxFull when the channel is
// stalled. It never waits on the network; a write that later fails closes
// that channel only.
func (s *Server) Push(userID, eventType string, payload interface{}) error {
	connID, ok := s.deps.Registry.Lookup(userID)
	var c *Connection
	if ok {
		c = s.conns.Get(connID)
	}
	if c == nil {
		metrics.PushesTotal.WithLabelValues(eventType, metrics.PushOffline).Inc()
		return ErrNotOnline
	}

	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		metrics.PushesTotal.WithLabelValues(eventType, metrics.PushFailed).Inc()
		return err
	}

	if err := c.WriteMessage(data); err != nil {
		metrics.PushesTotal.WithLabelValues(eventType, metrics.PushFailed).Inc()
		s.logger.Warn("ws: push failed",
			zap.String("event", eventType),
			zap.String("user", userID),
			zap.String("conn", c.ID),
			zap.Error(err))
		return fmt.Errorf("ws: push %s to %s: %w", eventType, userID, err)
	}

	metrics.PushesTotal.WithLabelValues(eventType, metrics.PushDelivered).Inc()
	return nil
}

// BroadcastRoster queues the online set on every open channel, including
// channels superseded by a reconnect. It only enqueues, so it is safe to call
// from the registry's change hook. Stalled channels are skipped; the writer
// or heartbeat cleans them up.
func (s *Server) BroadcastRoster(online []string) {
	if s.closing.Load() {
		return
	}
	if online == nil {
		online = []string{}
	}

	data, err := protocol.NewServerMessage(protocol.TypeOnlineRosterChanged, protocol.OnlineRosterChangedMsg{
		OnlineUsers: online,
	})
	if err != nil {
		s.logger.Error("ws: failed to build roster", zap.Error(err))
		return
	}

	metrics.RosterBroadcasts.Inc()
	for _, c := range s.conns.All() {
		if err := c.WriteMessage(data); err != nil {
			s.logger.Debug("ws: roster write failed", zap.String("conn", c.ID), zap.Error(err))
		}
	}
}

// Reply queues an event on one specific connection.
func (s *Server) Reply(c *Connection, eventType string, payload interface{}) error {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		return err
	}
	return c.WriteMessage(data)
}

// Connections exposes the connection manager to the heartbeat and tests.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting handshakes, tears down every open channel and
// releases the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.shutdownOnce.Do(func() {
		s.logger.Info("ws: shutting down server")
		s.closing.Store(true)
		close(s.done)

		s.httpMu.Lock()
		hs := s.httpServer
		s.httpMu.Unlock()
		if hs != nil {
			if herr := hs.Shutdown(ctx); herr != nil {
				s.logger.Warn("ws: http shutdown error", zap.Error(herr))
				err = herr
			}
		}

		for _, c := range s.conns.All() {
			s.RemoveConnection(c)
		}

		if s.poller != nil {
			_ = s.poller.Close()
		}
		s.logger.Info("ws: server stopped, all connections closed")
	})
	return err
}

// remoteIP returns the client address, preferring the first X-Forwarded-For
// hop set by the load balancer.
func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
