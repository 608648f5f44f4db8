// Package endpoint implements the per-endpoint session orchestrator: the
// state machine both the gateway and client roles run to reach the relay,
// complete the registration or connect handshake, negotiate peer channels,
// and tear everything down again.
package endpoint

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/browservpn/relay/internal/peerlink"
	"github.com/browservpn/relay/internal/protocol"
	"github.com/browservpn/relay/internal/registry"
	"github.com/browservpn/relay/internal/storage"
)

type Role int

const (
	RoleNone Role = iota
	RoleGateway
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleGateway:
		return "gateway"
	case RoleClient:
		return "client"
	}
	return "none"
}

type State int

const (
	StateIdle State = iota
	StateConnecting
	StateRegistering
	StateRequesting
	StateNegotiating
	StateActive
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateRegistering:
		return "registering"
	case StateRequesting:
		return "requesting"
	case StateNegotiating:
		return "negotiating"
	case StateActive:
		return "active"
	}
	return "idle"
}

const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectDelay = 3 * time.Second
)

// Storage keys for session-resume state.
const (
	storeKeyMode      = "mode"
	storeKeyGatewayID = "gatewayId"
)

type Config struct {
	// RelayURL is the relay's WebSocket endpoint (ws:// or wss://).
	RelayURL string

	// ConnectTimeout bounds both the client connect handshake and the
	// gateway registration ack.
	ConnectTimeout time.Duration

	// ReconnectDelay is the fixed delay before the gateway role retries the
	// relay connection after an unexpected close.
	ReconnectDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// Stats is a snapshot of the session's aggregate counters.
type Stats struct {
	Role          Role
	State         State
	BytesSent     uint64
	BytesReceived uint64
	ActivePeers   int
	StartedAt     time.Time
}

// Session drives one logical endpoint session. All state mutation is
// funneled through one mutex so handshake resolution, message dispatch, and
// teardown execute atomically with respect to each other.
type Session struct {
	cfg        Config
	logger     *slog.Logger
	clock      clock.Clock
	dialer     Dialer
	transports peerlink.Factory
	store      storage.Store // may be nil

	mu         sync.Mutex
	state      State
	role       Role
	generation uint64
	conn       RelayConn
	localID    string
	peers      map[string]*peerlink.Link
	pending    *pendingOp
	startedAt  time.Time

	aggregate peerlink.Counters
}

func NewSession(cfg Config, logger *slog.Logger, clk clock.Clock, dialer Dialer, transports peerlink.Factory, store storage.Store) *Session {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.New()
	}
	if dialer == nil {
		dialer = &WebSocketDialer{}
	}

	return &Session{
		cfg:        cfg,
		logger:     logger,
		clock:      clk,
		dialer:     dialer,
		transports: transports,
		store:      store,
		peers:      make(map[string]*peerlink.Link),
	}
}

func (s *Session) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Role:          s.role,
		State:         s.state,
		BytesSent:     s.aggregate.BytesOut(),
		BytesReceived: s.aggregate.BytesIn(),
		ActivePeers:   len(s.peers),
		StartedAt:     s.startedAt,
	}
}

func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LocalID returns the session's own id: the gateway id for the gateway
// role, empty for the client role (a client never learns its relay-minted
// id; it keys its single peer by the gateway's id).
func (s *Session) LocalID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.localID
}

// StartAsGateway generates a gateway id, connects to the relay, registers,
// and waits for the relay's acknowledgment. On success the session is
// Active in the gateway role and the returned id can be shared with
// clients.
func (s *Session) StartAsGateway(ctx context.Context) (string, error) {
	id, err := registry.NewGatewayID()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return "", ErrNotIdle
	}
	if s.pending != nil {
		s.mu.Unlock()
		return "", ErrOperationPending
	}
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.cfg.RelayURL)
	if err != nil {
		s.resetIfCurrent(gen)
		return "", err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return "", ErrStopped
	}
	s.conn = conn
	s.state = StateRegistering
	op := s.newPendingOpLocked(opRegister, s.cfg.ConnectTimeout)
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	if err := conn.SendMessage(protocol.Message{
		Type:      protocol.TypeRegisterGateway,
		GatewayID: id,
	}); err != nil {
		s.resolveOp(op, opResult{err: err})
	}

	res := s.waitOp(ctx, op)
	if res.err != nil {
		s.teardown(gen)
		return "", res.err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return "", ErrStopped
	}
	s.role = RoleGateway
	s.localID = id
	s.state = StateActive
	s.startedAt = s.clock.Now()
	s.mu.Unlock()

	s.persistState(RoleGateway, id)
	s.logger.Info("gateway started", "gateway_id", id)
	return id, nil
}

// ConnectToGateway connects to the relay and requests a binding to the
// named gateway. Exactly one pending connect may exist at a time; a second
// call before resolution fails fast. The password travels to the relay
// unverified and is enforced, if at all, by the peer-negotiation layer.
func (s *Session) ConnectToGateway(ctx context.Context, gatewayID, password string) error {
	s.mu.Lock()
	if s.state != StateIdle {
		pendingBusy := s.pending != nil
		s.mu.Unlock()
		if pendingBusy {
			return ErrOperationPending
		}
		return ErrNotIdle
	}
	if s.pending != nil {
		s.mu.Unlock()
		return ErrOperationPending
	}
	s.generation++
	gen := s.generation
	s.state = StateConnecting
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx, s.cfg.RelayURL)
	if err != nil {
		s.resetIfCurrent(gen)
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = conn.Close()
		return ErrStopped
	}
	s.conn = conn
	s.state = StateRequesting
	op := s.newPendingOpLocked(opConnect, s.cfg.ConnectTimeout)
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	if err := conn.SendMessage(protocol.Message{
		Type:      protocol.TypeConnectToGateway,
		GatewayID: gatewayID,
		Password:  password,
	}); err != nil {
		s.resolveOp(op, opResult{err: err})
	}

	res := s.waitOp(ctx, op)
	if res.err != nil {
		s.teardown(gen)
		return res.err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return ErrStopped
	}
	s.role = RoleClient
	s.state = StateNegotiating
	s.mu.Unlock()

	s.persistState(RoleClient, gatewayID)
	s.logger.Info("connected to gateway", "gateway_id", res.gatewayID)
	return nil
}

// Stop tears the session down: pending operation rejected, peer links
// closed, relay connection closed, role cleared. The generation bump
// guarantees no scheduled reconnect fires afterwards.
func (s *Session) Stop() {
	s.mu.Lock()
	s.generation++
	conn := s.conn
	s.conn = nil
	links := s.peers
	s.peers = make(map[string]*peerlink.Link)
	s.resolvePendingLocked(opResult{err: ErrStopped})
	s.role = RoleNone
	s.state = StateIdle
	s.localID = ""
	s.startedAt = time.Time{}
	s.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.clearState()
	s.logger.Info("session stopped")
}

// teardown is the failure path back to Idle for a specific generation; a
// concurrent Stop or restart wins and makes this a no-op.
func (s *Session) teardown(gen uint64) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	s.generation++
	conn := s.conn
	s.conn = nil
	links := s.peers
	s.peers = make(map[string]*peerlink.Link)
	s.resolvePendingLocked(opResult{err: ErrStopped})
	s.role = RoleNone
	s.state = StateIdle
	s.localID = ""
	s.mu.Unlock()

	for _, l := range links {
		_ = l.Close()
	}
	if conn != nil {
		_ = conn.Close()
	}
	s.clearState()
}

func (s *Session) resetIfCurrent(gen uint64) {
	s.mu.Lock()
	if s.generation == gen {
		s.state = StateIdle
	}
	s.mu.Unlock()
}

func (s *Session) readLoop(conn RelayConn, gen uint64) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.handleRelayLoss(gen, err)
			return
		}

		msg, err := protocol.Parse(data)
		if err != nil {
			s.logger.Warn("dropping malformed relay frame", "err", err)
			continue
		}
		s.handleMessage(gen, msg)
	}
}

// handleRelayLoss applies the reconnection policy: the gateway role retries
// on a fixed delay while it still holds the role; the client role treats a
// dropped relay connection as terminal.
func (s *Session) handleRelayLoss(gen uint64, cause error) {
	s.mu.Lock()
	if s.generation != gen {
		// Intentional stop or restart already handled this connection.
		s.mu.Unlock()
		return
	}
	s.resolvePendingLocked(opResult{err: ErrRelayLost})
	role := s.role
	s.conn = nil

	switch role {
	case RoleGateway:
		s.state = StateConnecting
		s.mu.Unlock()
		s.logger.Warn("relay connection lost, scheduling reconnect", "err", cause)
		s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
			s.reconnectGateway(gen)
		})
	case RoleClient:
		s.mu.Unlock()
		s.logger.Warn("relay connection lost, session terminal", "err", cause)
		s.teardown(gen)
	default:
		// Handshake in flight; the waiter observed ErrRelayLost and will
		// run the teardown itself.
		s.mu.Unlock()
	}
}

// reconnectGateway re-checks role and generation at fire time so a stop or
// restart between scheduling and firing wins.
func (s *Session) reconnectGateway(gen uint64) {
	s.mu.Lock()
	if s.generation != gen || s.role != RoleGateway {
		s.mu.Unlock()
		return
	}
	id := s.localID
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dialer.Dial(ctx, s.cfg.RelayURL)
	if err != nil {
		s.logger.Warn("relay reconnect failed, retrying", "err", err)
		s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
			s.reconnectGateway(gen)
		})
		return
	}

	s.mu.Lock()
	if s.generation != gen || s.role != RoleGateway {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.state = StateRegistering
	s.mu.Unlock()

	go s.readLoop(conn, gen)

	// Re-registration is acknowledged by a registered frame handled in
	// dispatch; an error frame (stale registry entry not yet evicted)
	// schedules another attempt.
	if err := conn.SendMessage(protocol.Message{
		Type:      protocol.TypeRegisterGateway,
		GatewayID: id,
	}); err != nil {
		s.logger.Warn("re-registration send failed", "err", err)
	}
}

func (s *Session) persistState(role Role, gatewayID string) {
	if s.store == nil {
		return
	}
	if err := s.store.Set(storeKeyMode, role.String()); err != nil {
		s.logger.Warn("persisting session state failed", "err", err)
		return
	}
	if err := s.store.Set(storeKeyGatewayID, gatewayID); err != nil {
		s.logger.Warn("persisting session state failed", "err", err)
	}
}

func (s *Session) clearState() {
	if s.store == nil {
		return
	}
	_ = s.store.Remove(storeKeyMode)
	_ = s.store.Remove(storeKeyGatewayID)
}

// RestoreState reads the persisted role and gateway id, if any.
func RestoreState(store storage.Store) (Role, string, bool) {
	if store == nil {
		return RoleNone, "", false
	}
	mode, err := store.Get(storeKeyMode)
	if err != nil {
		return RoleNone, "", false
	}
	gatewayID, err := store.Get(storeKeyGatewayID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return RoleNone, "", false
	}
	switch mode {
	case RoleGateway.String():
		return RoleGateway, gatewayID, true
	case RoleClient.String():
		return RoleClient, gatewayID, true
	}
	return RoleNone, "", false
}

// SendToPeer writes data on the named channel of a specific peer link.
func (s *Session) SendToPeer(peerID string, label peerlink.ChannelLabel, data []byte) error {
	s.mu.Lock()
	link, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return peerlink.ErrClosed
	}
	return link.Send(label, data)
}
