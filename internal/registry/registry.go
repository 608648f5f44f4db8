// Package registry holds the relay's session tables: registered gateways and
// the clients bound to them. The registry owns these entries exclusively;
// endpoints only ever learn their own id.
package registry

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrIDInUse         = errors.New("gateway id already in use")
	ErrGatewayNotFound = errors.New("gateway not found")
	ErrHandleClosed    = errors.New("connection handle closed")
)

// Handle is the registry's view of a live signaling connection. Implemented
// by the relay's per-connection record; tests use fakes.
type Handle interface {
	// SendMessage writes one frame to the connection. Best-effort: routing
	// failures are logged by callers, never surfaced to the sender.
	SendMessage(v any) error

	// Open reports whether the connection can still accept writes.
	Open() bool
}

// GatewaySession is a registered gateway. Lives from successful registration
// until the underlying connection closes.
type GatewaySession struct {
	GatewayID    string
	Handle       Handle
	RegisteredAt time.Time
}

// ClientSession is a client bound to a gateway. BoundGatewayID referenced a
// live gateway at bind time; the gateway closing afterwards is a normal
// terminal condition for the client. The binding never changes: a client
// reconnects, it does not rebind.
type ClientSession struct {
	ClientID       string
	Handle         Handle
	BoundGatewayID string
}

// Registry is safe for concurrent use. All mutation happens under one mutex
// so registration, routing lookups, and disconnect cascades observe a
// consistent view.
type Registry struct {
	mu       sync.Mutex
	gateways map[string]*GatewaySession
	clients  map[string]*ClientSession
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		gateways: make(map[string]*GatewaySession),
		clients:  make(map[string]*ClientSession),
		now:      time.Now,
	}
}

// RegisterGateway inserts a gateway entry. The id is caller-chosen; at most
// one registration per id may be live at a time. A closed handle is refused
// here: its close cascade has already run (or is running) and would never
// see the new entry.
func (r *Registry) RegisterGateway(id string, h Handle) (*GatewaySession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !h.Open() {
		return nil, ErrHandleClosed
	}
	if _, ok := r.gateways[id]; ok {
		return nil, ErrIDInUse
	}

	sess := &GatewaySession{
		GatewayID:    id,
		Handle:       h,
		RegisteredAt: r.now(),
	}
	r.gateways[id] = sess
	return sess, nil
}

// BindClient mints a fresh client id bound to gatewayID. Fails if the
// client's own handle is already closed (the entry would outlive its close
// cascade), or if the gateway is unknown or no longer open.
func (r *Registry) BindClient(gatewayID string, h Handle) (*ClientSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !h.Open() {
		return nil, ErrHandleClosed
	}
	gw, ok := r.gateways[gatewayID]
	if !ok || !gw.Handle.Open() {
		return nil, ErrGatewayNotFound
	}

	for {
		id, err := newClientID()
		if err != nil {
			return nil, err
		}
		if _, ok := r.clients[id]; ok {
			// 36^5 id space; collisions are possible under load. Retry.
			continue
		}
		sess := &ClientSession{
			ClientID:       id,
			Handle:         h,
			BoundGatewayID: gatewayID,
		}
		r.clients[id] = sess
		return sess, nil
	}
}

func (r *Registry) LookupGateway(id string) (*GatewaySession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.gateways[id]
	return sess, ok
}

func (r *Registry) LookupClient(id string) (*ClientSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.clients[id]
	return sess, ok
}

// ClientsOf returns every client currently bound to gatewayID. Used for the
// gateway-close cascade; an empty result is normal.
func (r *Registry) ClientsOf(gatewayID string) []*ClientSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*ClientSession
	for _, sess := range r.clients {
		if sess.BoundGatewayID == gatewayID {
			out = append(out, sess)
		}
	}
	return out
}

// RemoveGateway removes the gateway entry if present. Idempotent; reports
// whether an entry was removed so callers can keep cascade handling and
// gauge updates single-shot when a sweep races a close.
func (r *Registry) RemoveGateway(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[id]; !ok {
		return false
	}
	delete(r.gateways, id)
	return true
}

// RemoveClient removes the client entry if present. Idempotent.
func (r *Registry) RemoveClient(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *Registry) GatewayCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gateways)
}

func (r *Registry) ClientCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}
