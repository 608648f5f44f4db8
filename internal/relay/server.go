// Package relay implements the signaling relay: a WebSocket hub that lets a
// gateway endpoint and its clients discover each other and exchange peer
// negotiation messages. The relay never joins the data path; it owns the
// session registry and forwards offer/answer/ice frames opaquely.
package relay

import (
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/browservpn/relay/internal/metrics"
	"github.com/browservpn/relay/internal/protocol"
	"github.com/browservpn/relay/internal/ratelimit"
	"github.com/browservpn/relay/internal/registry"
)

const (
	DefaultHeartbeatInterval    = 30 * time.Second
	DefaultMaxMessageBytes      = 64 * 1024
	DefaultMaxMessagesPerSecond = 50
)

type Config struct {
	// HeartbeatInterval is the liveness sweep period. A connection that shows
	// no traffic for two consecutive sweeps is terminated.
	HeartbeatInterval time.Duration

	// Inbound signaling hardening.
	MaxMessageBytes      int64
	MaxMessagesPerSecond int

	// AllowedOrigins restricts WebSocket upgrades by browser Origin header.
	// Empty means no restriction.
	AllowedOrigins []string
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = DefaultMaxMessageBytes
	}
	if c.MaxMessagesPerSecond <= 0 {
		c.MaxMessagesPerSecond = DefaultMaxMessagesPerSecond
	}
	return c
}

type Server struct {
	cfg      Config
	logger   *slog.Logger
	registry *registry.Registry
	metrics  *metrics.Metrics
	clock    clock.Clock
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*conn]struct{}
	closed bool
}

func NewServer(cfg Config, logger *slog.Logger, reg *registry.Registry, m *metrics.Metrics, clk clock.Clock) *Server {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = registry.New()
	}
	if m == nil {
		m = metrics.New()
	}
	if clk == nil {
		clk = clock.New()
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		registry: reg,
		metrics:  m,
		clock:    clk,
		conns:    make(map[*conn]struct{}),
	}
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(cfg.AllowedOrigins, r.Header.Get("Origin"))
		},
	}
	return s
}

func (s *Server) Registry() *registry.Registry { return s.registry }

// ServeHTTP upgrades the request and runs the connection until it closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &conn{
		id:  uuid.NewString(),
		srv: s,
		ws:  ws,
		limiter: ratelimit.NewTokenBucket(s.clock,
			int64(s.cfg.MaxMessagesPerSecond),
			int64(s.cfg.MaxMessagesPerSecond)),
	}
	c.logger = s.logger.With("conn", c.id)
	c.alive.Store(true)

	if !s.track(c) {
		c.terminate()
		return
	}

	c.logger.Debug("connection accepted", "remote", r.RemoteAddr)
	c.readLoop()
}

func (s *Server) track(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) snapshotConns() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Close terminates every connection, running the normal close cascades.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.terminate()
	}
}

func (c *conn) readLoop() {
	defer c.srv.handleClose(c)

	c.ws.SetReadLimit(c.srv.cfg.MaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "err", err)
			}
			return
		}
		c.alive.Store(true)

		if !c.limiter.Allow(1) {
			c.srv.metrics.RateLimitedConns.Inc()
			c.writeClose(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		// Malformed or unknown frames are logged and dropped; the connection
		// stays open (best-effort signaling).
		if msgType != websocket.TextMessage {
			c.srv.metrics.ProtocolErrors.Inc()
			c.logger.Warn("dropping non-text frame")
			continue
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			c.srv.metrics.ProtocolErrors.Inc()
			c.logger.Warn("dropping malformed frame", "err", err)
			continue
		}

		c.srv.dispatch(c, msg)
	}
}

func (s *Server) dispatch(c *conn, msg protocol.Message) {
	if msg.Routed() {
		s.route(c, msg)
		return
	}

	switch msg.Type {
	case protocol.TypeRegisterGateway:
		s.handleRegisterGateway(c, msg)
	case protocol.TypeConnectToGateway:
		s.handleConnectToGateway(c, msg)
	case protocol.TypePing:
		_ = c.SendMessage(protocol.Message{Type: protocol.TypePong})
	case protocol.TypePong:
		// Traffic already marked the connection alive.
	default:
		s.metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping unexpected frame", "type", msg.Type)
	}
}

func (s *Server) handleRegisterGateway(c *conn, msg protocol.Message) {
	if c.currentRole().kind != roleUnidentified {
		s.metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping registerGateway on identified connection")
		return
	}

	_, err := s.registry.RegisterGateway(msg.GatewayID, c)
	if errors.Is(err, registry.ErrHandleClosed) {
		c.logger.Debug("connection closed during registration")
		return
	}
	if errors.Is(err, registry.ErrIDInUse) {
		s.metrics.RegistrationConflicts.Inc()
		c.logger.Info("gateway id in use", "gateway_id", msg.GatewayID)
		_ = c.SendMessage(protocol.Message{
			Type:    protocol.TypeError,
			Message: "Gateway ID already in use",
		})
		return
	}
	if err != nil {
		c.logger.Error("gateway registration failed", "err", err)
		_ = c.SendMessage(protocol.Message{
			Type:    protocol.TypeError,
			Message: "registration failed",
		})
		return
	}

	c.setRole(role{kind: roleGateway, gatewayID: msg.GatewayID})
	s.metrics.ActiveGateways.Inc()
	c.logger.Info("gateway registered", "gateway_id", msg.GatewayID)

	_ = c.SendMessage(protocol.Message{
		Type:      protocol.TypeRegistered,
		GatewayID: msg.GatewayID,
	})

	// The connection may have been terminated between the registry insert
	// and the role switch; a closer that ran in that window saw an
	// unidentified connection and skipped the cascade. Re-run it here; the
	// removal is single-shot, so racing the closer is safe.
	if !c.Open() {
		s.closeGateway(c, msg.GatewayID)
	}
}

func (s *Server) handleConnectToGateway(c *conn, msg protocol.Message) {
	if c.currentRole().kind != roleUnidentified {
		s.metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping connectToGateway on identified connection")
		return
	}

	// The password field is carried but not verified here; authorization is
	// delegated to the peer-negotiation layer.
	sess, err := s.registry.BindClient(msg.GatewayID, c)
	if errors.Is(err, registry.ErrHandleClosed) {
		c.logger.Debug("connection closed during bind")
		return
	}
	if errors.Is(err, registry.ErrGatewayNotFound) {
		s.metrics.RejectedConnects.Inc()
		c.logger.Info("connect rejected", "gateway_id", msg.GatewayID)
		_ = c.SendMessage(protocol.Message{
			Type:   protocol.TypeConnectionRejected,
			Reason: "Gateway not found",
		})
		return
	}
	if err != nil {
		c.logger.Error("client bind failed", "err", err)
		_ = c.SendMessage(protocol.Message{
			Type:   protocol.TypeConnectionRejected,
			Reason: "internal error",
		})
		return
	}

	c.setRole(role{kind: roleClient, clientID: sess.ClientID, boundGatewayID: msg.GatewayID})
	s.metrics.ActiveClients.Inc()
	c.logger.Info("client bound", "client_id", sess.ClientID, "gateway_id", msg.GatewayID)

	_ = c.SendMessage(protocol.Message{
		Type:      protocol.TypeConnectionAccepted,
		GatewayID: msg.GatewayID,
	})

	if gw, ok := s.registry.LookupGateway(msg.GatewayID); ok && gw.Handle.Open() {
		_ = gw.Handle.SendMessage(protocol.Message{
			Type:     protocol.TypeClientConnecting,
			ClientID: sess.ClientID,
		})
	}

	// Same late-termination window as registration: if a closer ran before
	// the role switch it missed the client entry. Single-shot removal makes
	// the duplicate cascade harmless.
	if !c.Open() {
		s.closeClient(c, sess.ClientID)
	}
}

// route forwards an offer/answer/ice frame. If the sender is a gateway the
// destination is the client named by "to"; if the sender is a client the
// destination is its bound gateway. "from" is stamped with the sender's id.
// A missing or closed destination drops the frame with no error to the
// sender.
func (s *Server) route(c *conn, msg protocol.Message) {
	r := c.currentRole()

	var dst registry.Handle
	switch r.kind {
	case roleGateway:
		if sess, ok := s.registry.LookupClient(msg.To); ok {
			dst = sess.Handle
		}
	case roleClient:
		if gw, ok := s.registry.LookupGateway(r.boundGatewayID); ok {
			dst = gw.Handle
		}
	case roleUnidentified:
		s.metrics.ProtocolErrors.Inc()
		c.logger.Warn("dropping relay frame from unidentified connection", "type", msg.Type)
		return
	}

	if dst == nil || !dst.Open() {
		s.metrics.RoutingDrops.Inc()
		c.logger.Warn("relay destination missing or closed", "type", msg.Type, "to", msg.To)
		return
	}

	msg.From = r.senderID()
	if err := dst.SendMessage(msg); err != nil {
		s.metrics.RoutingDrops.Inc()
		c.logger.Warn("relay forward failed", "type", msg.Type, "err", err)
		return
	}
	s.metrics.RoutedMessages.WithLabelValues(string(msg.Type)).Inc()
}

// handleClose runs the disconnect cascade exactly once per connection.
func (s *Server) handleClose(c *conn) {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.Close()
		s.untrack(c)

		switch r := c.currentRole(); r.kind {
		case roleGateway:
			s.closeGateway(c, r.gatewayID)
		case roleClient:
			s.closeClient(c, r.clientID)
		case roleUnidentified:
			c.logger.Debug("unidentified connection closed")
		}
	})
}

func (s *Server) closeGateway(c *conn, gatewayID string) {
	if !s.registry.RemoveGateway(gatewayID) {
		return
	}
	s.metrics.ActiveGateways.Dec()
	c.logger.Info("gateway disconnected", "gateway_id", gatewayID)

	for _, sess := range s.registry.ClientsOf(gatewayID) {
		if sess.Handle.Open() {
			_ = sess.Handle.SendMessage(protocol.Message{Type: protocol.TypeGatewayDisconnected})
			s.metrics.DisconnectCascades.WithLabelValues(string(protocol.TypeGatewayDisconnected)).Inc()
		}
		if s.registry.RemoveClient(sess.ClientID) {
			s.metrics.ActiveClients.Dec()
		}
	}
}

func (s *Server) closeClient(c *conn, clientID string) {
	sess, ok := s.registry.LookupClient(clientID)
	if !ok {
		// Already unbound by a gateway-close cascade.
		return
	}
	if !s.registry.RemoveClient(clientID) {
		return
	}
	s.metrics.ActiveClients.Dec()
	c.logger.Info("client disconnected", "client_id", clientID)

	if gw, ok := s.registry.LookupGateway(sess.BoundGatewayID); ok && gw.Handle.Open() {
		_ = gw.Handle.SendMessage(protocol.Message{
			Type:     protocol.TypeClientDisconnected,
			ClientID: clientID,
		})
		s.metrics.DisconnectCascades.WithLabelValues(string(protocol.TypeClientDisconnected)).Inc()
	}
}
