// internal/realtime/server.go
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"chatrelay/internal/config"
)

// MembershipChecker reports whether a user belongs to a chat. Optional.
type MembershipChecker interface {
	IsChatMember(ctx context.Context, chatID, userID string) (bool, error)
}

// Server owns the signaling core and the WebSocket transport in front of it.
type Server struct {
	cfg config.RealtimeConfig

	gate       *Gate
	registry   *Registry
	calls      *CallManager
	fanout     *Fanout
	moderation *Moderation
	members    MembershipChecker

	clients    map[*Client]struct{}
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	running    atomic.Bool
	open       atomic.Int64

	upgrader websocket.Upgrader
	logger   Logger
	metrics  *Metrics
}

// NewServer wires the core components. members and cache may be nil.
func NewServer(cfg config.RealtimeConfig, gate *Gate, members MembershipChecker, cache SuspensionCache, logger Logger, metrics *Metrics) *Server {
	logger = orNop(logger)
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingInterval <= 0 || cfg.PingInterval >= cfg.PongWait {
		cfg.PingInterval = cfg.PongWait * 9 / 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = 64 << 10
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}

	registry := NewRegistry(logger, metrics)
	calls := NewCallManager(registry, cfg.RingTimeout, logger, metrics)

	s := &Server{
		cfg:        cfg,
		gate:       gate,
		registry:   registry,
		calls:      calls,
		fanout:     NewFanout(registry, logger),
		moderation: NewModeration(registry, calls, cache, logger),
		members:    members,
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     logger,
		metrics:    metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func (s *Server) Registry() *Registry { return s.registry }

func (s *Server) Calls() *CallManager { return s.calls }

func (s *Server) Fanout() *Fanout { return s.fanout }

func (s *Server) Moderation() *Moderation { return s.moderation }

// Run is the server loop: client bookkeeping, disconnect cleanup and the
// ring timeout sweep. It returns once ctx is done and every client has
// been told to close.
func (s *Server) Run(ctx context.Context) {
	s.running.Store(true)
	defer close(s.done)

	var sweep <-chan time.Time
	if s.cfg.RingTimeout > 0 {
		ticker := time.NewTicker(s.cfg.SweepInterval)
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case client := <-s.register:
			s.handleRegister(client)

		case client := <-s.unregister:
			s.handleUnregister(client)

		case now := <-sweep:
			if n := s.calls.Sweep(now); n > 0 {
				s.logger.Debug("Expired unanswered calls", "count", n)
			}

		case <-ctx.Done():
			s.shutdown()
			return
		}
	}
}

func (s *Server) handleRegister(client *Client) {
	s.clients[client] = struct{}{}
	s.open.Store(int64(len(s.clients)))
	s.metrics.connOpened()

	s.logger.Info("Client connected",
		"client_id", client.id,
		"user_id", client.UserID(),
		"total_clients", len(s.clients))
}

func (s *Server) handleUnregister(client *Client) {
	if _, ok := s.clients[client]; !ok {
		return
	}
	delete(s.clients, client)
	s.open.Store(int64(len(s.clients)))
	s.metrics.connClosed()

	client.terminate(websocket.CloseNormalClosure, "")
	s.registry.Remove(client)
	if user := client.UserID(); user != "" {
		s.calls.ConnectionClosed(client.id, user, s.registry.MemberCount(UserChannel(user)))
	}

	s.logger.Info("Client disconnected",
		"client_id", client.id,
		"user_id", client.UserID(),
		"total_clients", len(s.clients))
}

func (s *Server) shutdown() {
	for client := range s.clients {
		client.terminate(websocket.CloseGoingAway, "server shutting down")
		s.registry.Remove(client)
		delete(s.clients, client)
	}
	s.open.Store(0)
	s.logger.Info("Realtime server stopped")
}

// unregisterClient is called by the read pump on exit.
func (s *Server) unregisterClient(client *Client) {
	select {
	case s.unregister <- client:
	case <-s.done:
	}
}

// ServeWS admits, upgrades and starts a client. Rejected credentials still
// get an upgraded socket so the browser can read the auth_error before the
// policy-violation close.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request, token string) {
	identity, admitErr := s.gate.Admit(r.Context(), token)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Failed to upgrade WebSocket", "error", err)
		return
	}

	if admitErr != nil {
		s.reject(conn, admitErr)
		return
	}
	client := newClient(conn, identity, s)
	if err := client.Deliver(NewEvent(EventConnected, ConnectedPayload{
		ConnectionID: client.id,
		UserID:       client.UserID(),
	})); err != nil {
		s.logger.Debug("Failed to deliver connected", "client_id", client.id, "error", err)
	}

	if identity != nil {
		s.registry.Join(client, UserChannel(identity.UserID))

		// A ban applied after Admit but before the join above did not see
		// this connection.
		if err := s.gate.Recheck(r.Context(), identity); err != nil {
			if errors.Is(err, ErrAccountSuspended) {
				s.registry.Remove(client)
				s.reject(conn, err)
				return
			}
			s.logger.Warn("Suspension recheck failed", "user_id", identity.UserID, "error", err)
		}
	}

	if identity == nil {
		s.metrics.admitted("anonymous")
	} else {
		s.metrics.admitted("accepted")
	}

	select {
	case s.register <- client:
	case <-s.done:
		s.registry.Remove(client)
		s.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		return
	}

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) reject(conn *websocket.Conn, err error) {
	payload := rejection(err)
	s.metrics.admitted("rejected_" + payload.Code)

	level := s.logger.Info
	if errors.Is(err, ErrAccountLookup) {
		level = s.logger.Error
	}
	level("Connection rejected", "code", payload.Code, "error", err)

	frame, _ := json.Marshal(NewEvent(EventAuthError, payload))
	conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteWait))
	if werr := conn.WriteMessage(websocket.TextMessage, frame); werr != nil {
		conn.Close()
		return
	}

	code := websocket.ClosePolicyViolation
	if payload.Code == AuthCodeUnavailable {
		code = websocket.CloseTryAgainLater
	}
	s.closeWith(conn, code, payload.Message)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason),
		time.Now().Add(s.cfg.WriteWait))
	conn.Close()
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 || slices.Contains(s.cfg.AllowedOrigins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(s.cfg.AllowedOrigins, origin)
}

// Stats returns counts for the stats endpoint.
func (s *Server) Stats() Stats {
	_, channels := s.registry.Stats()
	return Stats{
		Connections: int(s.open.Load()),
		Channels:    channels,
		ActiveCalls: s.calls.Active(),
	}
}

// Running reports whether Run has been started.
func (s *Server) Running() bool {
	return s.running.Load()
}
