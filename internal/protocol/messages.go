// Package protocol defines the JSON text frames exchanged over the signaling
// connection between endpoints and the relay.
//
// Every frame carries a "type" discriminator. The relay interprets control
// messages (registerGateway, connectToGateway, ping) and forwards offer /
// answer / ice frames opaquely after stamping "from" with the sender's id.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4"
)

type Type string

const (
	// Endpoint -> relay control messages.
	TypeRegisterGateway  Type = "registerGateway"
	TypeConnectToGateway Type = "connectToGateway"

	// Relay -> endpoint control messages.
	TypeRegistered          Type = "registered"
	TypeConnectionAccepted  Type = "connectionAccepted"
	TypeConnectionRejected  Type = "connectionRejected"
	TypeClientConnecting    Type = "clientConnecting"
	TypeClientDisconnected  Type = "clientDisconnected"
	TypeGatewayDisconnected Type = "gatewayDisconnected"
	TypeError               Type = "error"

	// Relay-routed negotiation messages.
	TypeOffer  Type = "offer"
	TypeAnswer Type = "answer"
	TypeICE    Type = "ice"

	// Liveness probing, either direction.
	TypePing Type = "ping"
	TypePong Type = "pong"
)

// SessionDescription is the wire form of an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

func SDPFromPion(desc webrtc.SessionDescription) SessionDescription {
	return SessionDescription{
		Type: desc.Type.String(),
		SDP:  desc.SDP,
	}
}

func (s SessionDescription) ToPion() (webrtc.SessionDescription, error) {
	var t webrtc.SDPType
	switch s.Type {
	case "offer":
		t = webrtc.SDPTypeOffer
	case "answer":
		t = webrtc.SDPTypeAnswer
	default:
		return webrtc.SessionDescription{}, fmt.Errorf("unsupported sdp type %q", s.Type)
	}
	return webrtc.SessionDescription{Type: t, SDP: s.SDP}, nil
}

// Candidate is the wire form of a trickled ICE candidate.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

func CandidateFromPion(init webrtc.ICECandidateInit) Candidate {
	return Candidate{
		Candidate:        init.Candidate,
		SDPMid:           init.SDPMid,
		SDPMLineIndex:    init.SDPMLineIndex,
		UsernameFragment: init.UsernameFragment,
	}
}

func (c Candidate) ToPion() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

// Message is the envelope for every signaling frame. Optional fields are
// populated per type; Validate enforces which combinations are legal.
type Message struct {
	Type Type `json:"type"`

	GatewayID string `json:"gatewayId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`

	// Password is accepted on connectToGateway and forwarded to nobody; the
	// relay performs no verification (authorization belongs to the
	// peer-negotiation layer).
	Password string `json:"password,omitempty"`

	// Routing fields for offer/answer/ice. "to" is set by the sender, "from"
	// is stamped by the relay before forwarding.
	To   string `json:"to,omitempty"`
	From string `json:"from,omitempty"`

	Offer     *SessionDescription `json:"offer,omitempty"`
	Answer    *SessionDescription `json:"answer,omitempty"`
	Candidate *Candidate          `json:"candidate,omitempty"`

	// Reason accompanies connectionRejected; Message accompanies error.
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// Parse decodes a single frame. Unknown fields and trailing data are
// rejected so a malformed frame never partially applies.
func Parse(data []byte) (Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg Message
	if err := dec.Decode(&msg); err != nil {
		return Message{}, err
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m Message) Validate() error {
	switch m.Type {
	case TypeRegisterGateway:
		if m.GatewayID == "" {
			return fmt.Errorf("registerGateway message missing gatewayId")
		}
	case TypeConnectToGateway:
		if m.GatewayID == "" {
			return fmt.Errorf("connectToGateway message missing gatewayId")
		}
	case TypeRegistered:
		if m.GatewayID == "" {
			return fmt.Errorf("registered message missing gatewayId")
		}
	case TypeConnectionAccepted:
		if m.GatewayID == "" {
			return fmt.Errorf("connectionAccepted message missing gatewayId")
		}
	case TypeConnectionRejected:
		if m.Reason == "" {
			return fmt.Errorf("connectionRejected message missing reason")
		}
	case TypeClientConnecting, TypeClientDisconnected:
		if m.ClientID == "" {
			return fmt.Errorf("%s message missing clientId", m.Type)
		}
	case TypeGatewayDisconnected, TypePing, TypePong:
		// No required fields.
	case TypeOffer:
		if m.Offer == nil {
			return fmt.Errorf("offer message missing offer")
		}
		if m.To == "" && m.From == "" {
			return fmt.Errorf("offer message missing to/from")
		}
	case TypeAnswer:
		if m.Answer == nil {
			return fmt.Errorf("answer message missing answer")
		}
		if m.To == "" && m.From == "" {
			return fmt.Errorf("answer message missing to/from")
		}
	case TypeICE:
		if m.Candidate == nil {
			return fmt.Errorf("ice message missing candidate")
		}
		if m.To == "" && m.From == "" {
			return fmt.Errorf("ice message missing to/from")
		}
	case TypeError:
		if m.Message == "" {
			return fmt.Errorf("error message missing message")
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}

// Routed reports whether the message is an opaque negotiation frame the
// relay forwards rather than interprets.
func (m Message) Routed() bool {
	switch m.Type {
	case TypeOffer, TypeAnswer, TypeICE:
		return true
	}
	return false
}
