package missions

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// handleDownloadMsg advances a download. The exchange is strictly
// sequential: one count request, then one item request per index in
// order, each response correlated by sequence number.
func (e *Engine) handleDownloadMsg(op *operation, msg wire.Message) {
	if op.phase == phasePending {
		e.discard(op, msg)
		return
	}
	switch m := msg.(type) {
	case wire.Count:
		if op.phase != phaseCount {
			e.discard(op, msg)
			return
		}
		op.expect = int(m.Count)
		op.log.Info("mission count received", zap.Int("count", op.expect))
		if op.expect == 0 {
			// An empty mission is a complete, valid download.
			e.finishOp(op, nil)
			return
		}
		op.items = make([]Command, 0, op.expect-1)
		op.phase = phaseItems
		op.next = 0
		e.requestItem(op)
	case wire.Item:
		if op.phase != phaseItems {
			e.discard(op, msg)
			return
		}
		if int(m.Seq) != op.next {
			// A stale or duplicate item, possibly left over from an
			// earlier transfer. Discard it and ask again for the index we
			// need; the attempt budget and deadline stay untouched.
			e.bump(func(st *Stats) { st.Mismatches++ })
			op.log.Debug("item sequence mismatch",
				zap.Uint16("got", m.Seq), zap.Int("want", op.next))
			e.send(op, wire.Request{Seq: uint16(op.next)})
			return
		}
		cmd := commandFromItem(m)
		if op.next == 0 {
			op.home = &HomeEntry{Command: cmd}
		} else {
			op.items = append(op.items, cmd)
		}
		e.bump(func(st *Stats) { st.ItemsReceived++ })
		op.next++
		if op.next >= op.expect {
			// Acknowledge so the vehicle ends its side of the transfer.
			e.send(op, wire.Ack{Result: wire.AckAccepted, Seq: uint16(op.expect - 1)})
			e.finishOp(op, nil)
			return
		}
		e.requestItem(op)
	case wire.Ack:
		if m.Result != wire.AckAccepted {
			op.log.Warn("vehicle rejected download", zap.String("result", m.Result.String()))
			e.finishOp(op, op.transferErr(errors.WithMessage(ErrRejected, m.Result.String()), false))
			return
		}
		e.discard(op, msg)
	default:
		e.discard(op, msg)
	}
}

// requestItem asks for the item at op.next with a fresh attempt budget.
func (e *Engine) requestItem(op *operation) {
	op.attempts = 1
	e.send(op, wire.Request{Seq: uint16(op.next)})
	op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
}
