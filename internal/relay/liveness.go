package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

// RunLiveness sweeps all relay-held connections on the heartbeat interval
// until ctx is cancelled. Each sweep clears every connection's alive flag
// and sends a transport-level ping; a connection whose flag is still clear
// at the next sweep has shown no traffic for two full intervals and is
// forcibly terminated, triggering the regular close cascade. This is the
// only mechanism that reclaims endpoints that vanished without a clean
// close.
func (s *Server) RunLiveness(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	for _, c := range s.snapshotConns() {
		if !c.alive.Load() {
			s.metrics.LivenessEvictions.Inc()
			c.logger.Info("evicting unresponsive connection")
			c.terminate()
			// The read loop runs handleClose when the socket dies; during
			// server tests with fake remotes that may lag, so cascade here
			// as well. handleClose is idempotent.
			s.handleClose(c)
			continue
		}

		c.alive.Store(false)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
		_ = c.ws.WriteMessage(websocket.PingMessage, nil)
		c.writeMu.Unlock()
	}

	s.logger.Info("liveness sweep",
		"gateways", s.registry.GatewayCount(),
		"clients", s.registry.ClientCount(),
	)
}
