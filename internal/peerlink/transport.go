// Package peerlink models the direct peer transport between one gateway and
// one client: the negotiation surface consumed by the session orchestrator
// and the three-channel bundle created once negotiation completes.
package peerlink

import (
	"errors"

	"github.com/browservpn/relay/internal/protocol"
)

// ChannelLabel names one of the three channels negotiated per peer. The
// three are always created together, never individually.
type ChannelLabel string

const (
	// ChannelControl is reliable and ordered; carries signaling-over-the-
	// channel (application keepalive and framed control traffic).
	ChannelControl ChannelLabel = "control"
	// ChannelBulk is reliable and ordered.
	ChannelBulk ChannelLabel = "bulk"
	// ChannelLossy is unordered with no retransmits, reserved for real-time
	// traffic.
	ChannelLossy ChannelLabel = "lossy"
)

var (
	ErrClosed         = errors.New("peer link closed")
	ErrChannelNotOpen = errors.New("channel not open")
)

// Transport is the external peer-transport collaborator for one remote
// peer. The orchestrator only produces and consumes negotiation artifacts;
// encryption, NAT traversal, and congestion control live behind this
// interface.
type Transport interface {
	// CreateOffer creates the channel bundle on the offering side and
	// returns the local offer.
	CreateOffer() (protocol.SessionDescription, error)

	// CreateAnswer applies the remote offer on the answering side and
	// returns the local answer. Channels arrive from the remote side.
	CreateAnswer(remote protocol.SessionDescription) (protocol.SessionDescription, error)

	// SetRemoteDescription applies the remote answer on the offering side.
	SetRemoteDescription(remote protocol.SessionDescription) error

	// AddICECandidate applies a trickled remote candidate.
	AddICECandidate(cand protocol.Candidate) error

	// OnICECandidate registers the local trickle callback. Must be set
	// before CreateOffer/CreateAnswer.
	OnICECandidate(fn func(protocol.Candidate))

	OnChannelOpen(fn func(label ChannelLabel))
	OnChannelMessage(fn func(label ChannelLabel, data []byte))
	OnChannelClose(fn func(label ChannelLabel))

	// Send writes one message on the named channel.
	Send(label ChannelLabel, data []byte) error

	// Close tears down all channels and the underlying transport.
	Close() error
}

// Factory creates one Transport per remote peer.
type Factory interface {
	NewTransport() (Transport, error)
}
