package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/browservpn/relay/internal/ratelimit"
)

const writeWait = 1 * time.Second

type roleKind int

const (
	roleUnidentified roleKind = iota
	roleGateway
	roleClient
)

// role is the tagged variant attached to each connection: Unidentified,
// Gateway{id}, or Client{id, gatewayID}. Dispatch switches on kind
// exhaustively; ids never live on the socket itself.
type role struct {
	kind           roleKind
	gatewayID      string // roleGateway
	clientID       string // roleClient
	boundGatewayID string // roleClient
}

func (r role) senderID() string {
	switch r.kind {
	case roleGateway:
		return r.gatewayID
	case roleClient:
		return r.clientID
	}
	return ""
}

// conn is one relay-held signaling connection.
type conn struct {
	id     string // random, for logging before the connection identifies
	srv    *Server
	ws     *websocket.Conn
	logger *slog.Logger

	limiter *ratelimit.TokenBucket

	// alive is cleared by each liveness sweep and set by any inbound traffic
	// (frames or transport-level pongs). Two sweeps without traffic evicts.
	alive atomic.Bool

	writeMu sync.Mutex
	closed  atomic.Bool

	closeOnce sync.Once

	mu   sync.Mutex
	role role
}

func (c *conn) currentRole() role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *conn) setRole(r role) {
	c.mu.Lock()
	c.role = r
	c.mu.Unlock()
}

// SendMessage implements registry.Handle. Best-effort JSON text frame with a
// short write deadline so one stalled peer cannot block routing to others.
func (c *conn) SendMessage(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Open implements registry.Handle.
func (c *conn) Open() bool {
	return !c.closed.Load()
}

func (c *conn) writeClose(code int, reason string) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
}

// terminate forcibly closes the underlying socket. The read loop unblocks
// and runs the regular close cascade; safe to race with a clean close.
func (c *conn) terminate() {
	c.closed.Store(true)
	_ = c.ws.Close()
}
