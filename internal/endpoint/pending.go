package endpoint

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
)

type opKind int

const (
	opRegister opKind = iota
	opConnect
)

type opResult struct {
	gatewayID string
	err       error
}

// pendingOp is the session's single outstanding operation. Resolution is
// single-shot: every path (relay response, timeout, stop, context cancel)
// must hold the session mutex, verify the slot still points at this op, and
// clear it before delivering the result. A resolver that finds the slot
// cleared drops its result, so a late relay response after a timeout has no
// observable effect.
type pendingOp struct {
	kind  opKind
	timer *clock.Timer
	done  chan opResult
}

// newPendingOpLocked installs the op as the session's pending slot and arms
// its deadline. Caller holds s.mu and has verified the slot is empty.
func (s *Session) newPendingOpLocked(kind opKind, timeout time.Duration) *pendingOp {
	op := &pendingOp{
		kind: kind,
		done: make(chan opResult, 1),
	}
	op.timer = s.clock.AfterFunc(timeout, func() {
		s.resolveOp(op, opResult{err: ErrTimeout})
	})
	s.pending = op
	return op
}

// resolveOp delivers res if op still occupies the pending slot.
func (s *Session) resolveOp(op *pendingOp, res opResult) {
	s.mu.Lock()
	if s.pending != op {
		s.mu.Unlock()
		return
	}
	s.pending = nil
	s.mu.Unlock()

	op.timer.Stop()
	op.done <- res
}

// resolvePendingLocked resolves whichever op occupies the slot, if any.
// Caller holds s.mu. The delivery happens inline; the channel is buffered so
// this never blocks.
func (s *Session) resolvePendingLocked(res opResult) {
	op := s.pending
	if op == nil {
		return
	}
	s.pending = nil
	op.timer.Stop()
	op.done <- res
}

// waitOp blocks until the op resolves or ctx is cancelled. Cancellation
// clears the slot so a later relay response is ignored.
func (s *Session) waitOp(ctx context.Context, op *pendingOp) opResult {
	select {
	case res := <-op.done:
		return res
	case <-ctx.Done():
		s.resolveOp(op, opResult{err: ctx.Err()})
		// resolveOp either delivered our cancellation or lost the race to a
		// real result; take whichever is in the channel.
		return <-op.done
	}
}
