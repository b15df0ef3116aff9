package missions

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// handleUploadMsg advances an upload. Items are pushed in order, but the
// vehicle may also pull: a request for index i+1 acknowledges i just as an
// explicit ack does, and a request for any previously sent index gets that
// exact item again without advancing.
func (e *Engine) handleUploadMsg(op *operation, msg wire.Message) {
	if op.phase == phasePending {
		e.discard(op, msg)
		return
	}
	switch m := msg.(type) {
	case wire.Ack:
		e.handleUploadAck(op, m)
	case wire.Request:
		e.handleUploadRequest(op, m)
	default:
		e.discard(op, msg)
	}
}

func (e *Engine) handleUploadAck(op *operation, m wire.Ack) {
	if m.Result != wire.AckAccepted {
		// An explicit rejection ends the transfer no matter which index
		// it names; the vehicle has dropped out.
		op.log.Warn("vehicle rejected upload", zap.String("result", m.Result.String()))
		e.finishOp(op, op.transferErr(errors.WithMessage(ErrRejected, m.Result.String()), false))
		return
	}
	switch op.phase {
	case phaseClearAck:
		e.proceedAfterClear(op)
	case phaseItemAck:
		if int(m.Seq) != op.next {
			e.discard(op, m)
			return
		}
		e.advanceUpload(op)
	case phaseFinalAck:
		e.finishOp(op, nil)
	default:
		e.discard(op, m)
	}
}

func (e *Engine) handleUploadRequest(op *operation, m wire.Request) {
	if op.phase != phaseItemAck && op.phase != phaseFinalAck {
		e.discard(op, m)
		return
	}
	j := int(m.Seq)
	switch {
	case j > op.expect:
		// Requesting past the end signals the vehicle holds the whole
		// list.
		e.finishOp(op, nil)
	case op.phase == phaseItemAck && j == op.next+1:
		// Pulling the next index acknowledges the one in flight.
		e.advanceUpload(op)
	case j >= 1 && j <= op.sent:
		// Re-request after a dropped packet: resend that exact item, do
		// not advance.
		op.log.Debug("resending requested item", zap.Int("seq", j))
		e.send(op, op.payload[j-1].item(uint16(j)))
	default:
		e.discard(op, m)
	}
}

// proceedAfterClear runs once the remote list is cleared (acknowledged or
// waited out): announce the count, then start pushing items. The count
// excludes index 0; the vehicle rebuilds its home entry itself.
func (e *Engine) proceedAfterClear(op *operation) {
	op.attempts = 1
	e.send(op, wire.Count{Count: uint16(op.expect)})
	if op.expect == 0 {
		op.phase = phaseFinalAck
		op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
		return
	}
	op.phase = phaseItemAck
	op.next = 1
	op.sent = 1
	e.send(op, op.payload[0].item(1))
	e.bump(func(st *Stats) { st.ItemsSent++ })
	op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
}

// advanceUpload moves past the acknowledged index and pushes the next
// item, or completes the transfer after the last one.
func (e *Engine) advanceUpload(op *operation) {
	op.next++
	if op.next > op.expect {
		e.finishOp(op, nil)
		return
	}
	op.attempts = 1
	op.sent = op.next
	e.send(op, op.payload[op.next-1].item(uint16(op.next)))
	e.bump(func(st *Stats) { st.ItemsSent++ })
	op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
}

// handleClearMsg finishes a standalone remote clear on its acknowledgment.
// Expiry of the advisory wait completes it from the timeout path instead.
func (e *Engine) handleClearMsg(op *operation, msg wire.Message) {
	if op.phase == phasePending {
		e.discard(op, msg)
		return
	}
	m, ok := msg.(wire.Ack)
	if !ok || op.phase != phaseClearAck {
		e.discard(op, msg)
		return
	}
	if m.Result != wire.AckAccepted {
		op.log.Warn("vehicle rejected clear", zap.String("result", m.Result.String()))
		e.finishOp(op, op.transferErr(errors.WithMessage(ErrRejected, m.Result.String()), false))
		return
	}
	e.finishOp(op, nil)
}
