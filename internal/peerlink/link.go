package peerlink

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Counters tracks bytes moved over a link. One instance per link plus one
// session-aggregate instance shared by all links.
type Counters struct {
	in  atomic.Uint64
	out atomic.Uint64
}

func (c *Counters) addIn(n int)  { c.in.Add(uint64(n)) }
func (c *Counters) addOut(n int) { c.out.Add(uint64(n)) }

func (c *Counters) BytesIn() uint64  { return c.in.Load() }
func (c *Counters) BytesOut() uint64 { return c.out.Load() }

type controlMessage struct {
	Type string `json:"type"`
}

// Link is the established peer channel bundle for one remote peer. Created
// once negotiation completes; destroyed on explicit disconnect, remote-peer-
// gone notification, or session teardown.
type Link struct {
	peerID    string
	transport Transport
	logger    *slog.Logger

	counters  Counters
	aggregate *Counters // shared session totals, may be nil

	closeOnce sync.Once
	closed    atomic.Bool
}

// NewLink wraps an established transport. It installs the inbound message
// handler that maintains byte counters and answers control-channel
// keepalives.
func NewLink(peerID string, t Transport, aggregate *Counters, logger *slog.Logger) *Link {
	if logger == nil {
		logger = slog.Default()
	}

	l := &Link{
		peerID:    peerID,
		transport: t,
		aggregate: aggregate,
		logger:    logger.With("peer", peerID),
	}

	t.OnChannelMessage(func(label ChannelLabel, data []byte) {
		l.counters.addIn(len(data))
		if l.aggregate != nil {
			l.aggregate.addIn(len(data))
		}
		if label == ChannelControl {
			l.handleControl(data)
		}
	})
	t.OnChannelOpen(func(label ChannelLabel) {
		l.logger.Debug("channel open", "label", label)
	})
	t.OnChannelClose(func(label ChannelLabel) {
		l.logger.Debug("channel closed", "label", label)
	})

	return l
}

func (l *Link) PeerID() string       { return l.peerID }
func (l *Link) Transport() Transport { return l.transport }
func (l *Link) Counters() *Counters  { return &l.counters }

// Send writes data on the named channel and updates both the per-peer and
// session-aggregate sent counters.
func (l *Link) Send(label ChannelLabel, data []byte) error {
	if l.closed.Load() {
		return ErrClosed
	}
	if err := l.transport.Send(label, data); err != nil {
		return err
	}
	l.counters.addOut(len(data))
	if l.aggregate != nil {
		l.aggregate.addOut(len(data))
	}
	return nil
}

func (l *Link) handleControl(data []byte) {
	var msg controlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Warn("dropping malformed control message", "err", err)
		return
	}
	switch msg.Type {
	case "ping":
		reply, _ := json.Marshal(controlMessage{Type: "pong"})
		if err := l.Send(ChannelControl, reply); err != nil {
			l.logger.Debug("keepalive reply failed", "err", err)
		}
	case "pong":
		// Keepalive round trip complete.
	default:
		l.logger.Debug("unhandled control message", "type", msg.Type)
	}
}

// Ping sends an application-level keepalive on the control channel.
func (l *Link) Ping() error {
	data, _ := json.Marshal(controlMessage{Type: "ping"})
	return l.Send(ChannelControl, data)
}

// Close tears down all three channels and the underlying transport as one
// operation. Idempotent; a partially closed link never escapes.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		err = l.transport.Close()
	})
	return err
}
