package endpoint

import (
	"github.com/browservpn/relay/internal/peerlink"
	"github.com/browservpn/relay/internal/protocol"
)

func (s *Session) handleMessage(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	role := s.role
	state := s.state
	s.mu.Unlock()

	switch msg.Type {
	case protocol.TypeRegistered:
		s.handleRegistered(gen, msg)
	case protocol.TypeError:
		s.handleError(gen, msg)
	case protocol.TypeConnectionAccepted:
		s.resolveKind(gen, opConnect, opResult{gatewayID: msg.GatewayID})
	case protocol.TypeConnectionRejected:
		s.resolveKind(gen, opConnect, opResult{err: &RejectedError{Reason: msg.Reason}})
	case protocol.TypeClientConnecting:
		if role != RoleGateway {
			s.logger.Warn("dropping clientConnecting outside gateway role")
			return
		}
		s.offerPeer(gen, msg.ClientID)
	case protocol.TypeOffer:
		s.answerPeer(gen, msg.From, *msg.Offer)
	case protocol.TypeAnswer:
		s.applyAnswer(msg.From, *msg.Answer)
	case protocol.TypeICE:
		s.applyCandidate(msg.From, *msg.Candidate)
	case protocol.TypeGatewayDisconnected:
		if role != RoleClient {
			s.logger.Warn("dropping gatewayDisconnected outside client role")
			return
		}
		s.logger.Info("gateway disconnected, tearing session down")
		s.teardown(gen)
	case protocol.TypeClientDisconnected:
		if role != RoleGateway {
			s.logger.Warn("dropping clientDisconnected outside gateway role")
			return
		}
		s.removePeer(msg.ClientID)
	case protocol.TypePing:
		s.sendSignal(gen, protocol.Message{Type: protocol.TypePong})
	case protocol.TypePong:
		// Reply to our liveness probe; nothing to do.
	default:
		s.logger.Warn("dropping unexpected relay frame", "type", msg.Type, "state", state)
	}
}

// resolveKind resolves the pending slot only if it holds an op of the
// expected kind; anything else is a stray relay frame and is dropped. The
// generation is re-checked under the same lock as the slot mutation so a
// stop/restart between dispatch and resolution cannot leak a stale result
// into the new session's handshake.
func (s *Session) resolveKind(gen uint64, kind opKind, res opResult) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	op := s.pending
	if op == nil || op.kind != kind {
		s.mu.Unlock()
		if op == nil {
			s.logger.Debug("dropping response with no pending operation")
		}
		return
	}
	s.pending = nil
	s.mu.Unlock()

	op.timer.Stop()
	op.done <- res
}

func (s *Session) handleRegistered(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if op := s.pending; op != nil && op.kind == opRegister {
		s.pending = nil
		s.mu.Unlock()
		op.timer.Stop()
		op.done <- opResult{gatewayID: msg.GatewayID}
		return
	}
	// No waiter: this is the ack for a gateway re-registration after a relay
	// reconnect.
	if s.role == RoleGateway && s.state == StateRegistering {
		s.state = StateActive
		s.mu.Unlock()
		s.logger.Info("re-registered with relay", "gateway_id", msg.GatewayID)
		return
	}
	s.mu.Unlock()
	s.logger.Debug("dropping unexpected registered frame")
}

func (s *Session) handleError(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return
	}
	if op := s.pending; op != nil {
		s.pending = nil
		s.mu.Unlock()
		op.timer.Stop()
		op.done <- opResult{err: &RegistrationError{Message: msg.Message}}
		return
	}
	retry := s.role == RoleGateway && s.state == StateRegistering
	s.mu.Unlock()

	if retry {
		// Stale registry entry not yet evicted; drop this connection and try
		// again after the reconnect delay.
		s.logger.Warn("re-registration refused, retrying", "message", msg.Message)
		s.mu.Lock()
		// Re-check on re-lock: a stop/restart in the gap must not have its
		// fresh connection closed out from under it.
		if s.generation != gen {
			s.mu.Unlock()
			return
		}
		conn := s.conn
		s.conn = nil
		s.state = StateConnecting
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		s.clock.AfterFunc(s.cfg.ReconnectDelay, func() {
			s.reconnectGateway(gen)
		})
		return
	}
	s.logger.Warn("relay reported error", "message", msg.Message)
}

// offerPeer starts negotiation as the offering side for a newly connecting
// client.
func (s *Session) offerPeer(gen uint64, peerID string) {
	if s.transports == nil {
		s.logger.Error("no peer transport factory configured")
		return
	}
	t, err := s.transports.NewTransport()
	if err != nil {
		s.logger.Error("creating peer transport failed", "peer", peerID, "err", err)
		return
	}

	t.OnICECandidate(func(cand protocol.Candidate) {
		s.sendSignal(gen, protocol.Message{
			Type:      protocol.TypeICE,
			To:        peerID,
			Candidate: &cand,
		})
	})

	offer, err := t.CreateOffer()
	if err != nil {
		s.logger.Error("creating offer failed", "peer", peerID, "err", err)
		_ = t.Close()
		return
	}

	link := peerlink.NewLink(peerID, t, &s.aggregate, s.logger)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	old := s.peers[peerID]
	s.peers[peerID] = link
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.sendSignal(gen, protocol.Message{
		Type:  protocol.TypeOffer,
		To:    peerID,
		Offer: &offer,
	})
	s.logger.Info("offer sent", "peer", peerID)
}

// answerPeer creates the answering side for an inbound offer.
func (s *Session) answerPeer(gen uint64, peerID string, offer protocol.SessionDescription) {
	if peerID == "" {
		s.logger.Warn("dropping offer with no sender")
		return
	}
	if s.transports == nil {
		s.logger.Error("no peer transport factory configured")
		return
	}

	t, err := s.transports.NewTransport()
	if err != nil {
		s.logger.Error("creating peer transport failed", "peer", peerID, "err", err)
		return
	}

	t.OnICECandidate(func(cand protocol.Candidate) {
		s.sendSignal(gen, protocol.Message{
			Type:      protocol.TypeICE,
			To:        peerID,
			Candidate: &cand,
		})
	})

	answer, err := t.CreateAnswer(offer)
	if err != nil {
		s.logger.Error("creating answer failed", "peer", peerID, "err", err)
		_ = t.Close()
		return
	}

	link := peerlink.NewLink(peerID, t, &s.aggregate, s.logger)

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		_ = link.Close()
		return
	}
	old := s.peers[peerID]
	s.peers[peerID] = link
	if s.role == RoleClient && s.state == StateNegotiating {
		s.state = StateActive
		if s.startedAt.IsZero() {
			s.startedAt = s.clock.Now()
		}
	}
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	s.sendSignal(gen, protocol.Message{
		Type:   protocol.TypeAnswer,
		To:     peerID,
		Answer: &answer,
	})
	s.logger.Info("answer sent", "peer", peerID)
}

// applyAnswer completes negotiation on the offering side. Unknown peer ids
// are dropped silently; the peer may already be torn down.
func (s *Session) applyAnswer(peerID string, answer protocol.SessionDescription) {
	s.mu.Lock()
	link, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := link.Transport().SetRemoteDescription(answer); err != nil {
		s.logger.Warn("applying answer failed", "peer", peerID, "err", err)
	}
}

func (s *Session) applyCandidate(peerID string, cand protocol.Candidate) {
	s.mu.Lock()
	link, ok := s.peers[peerID]
	s.mu.Unlock()
	if !ok {
		return
	}
	if err := link.Transport().AddICECandidate(cand); err != nil {
		s.logger.Warn("applying candidate failed", "peer", peerID, "err", err)
	}
}

// removePeer tears down one PeerLink without touching the rest of the
// session.
func (s *Session) removePeer(peerID string) {
	s.mu.Lock()
	link, ok := s.peers[peerID]
	if ok {
		delete(s.peers, peerID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	_ = link.Close()
	s.logger.Info("peer removed", "peer", peerID)
}

func (s *Session) sendSignal(gen uint64, msg protocol.Message) {
	s.mu.Lock()
	if s.generation != gen || s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.mu.Unlock()

	if err := conn.SendMessage(msg); err != nil {
		s.logger.Warn("signaling send failed", "type", msg.Type, "err", err)
	}
}
