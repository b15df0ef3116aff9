package missions

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// Progress tracks which mission entry the vehicle is executing. The three
// fields converge eventually: Observed follows the vehicle's unsolicited
// status reports, Requested is the last index this side asked for, and
// Confirmed flips once a report matches the request. Between a request and
// its confirmation the pair legitimately disagrees.
type Progress struct {
	// Observed is the entry index from the latest vehicle report,
	// -1 until the first report arrives.
	Observed int
	// Requested is the index of the last SetCurrent call, -1 if none.
	Requested int
	// Confirmed reports whether the vehicle has acknowledged Requested
	// by reporting it as current.
	Confirmed bool
}

// Current returns the entry index the vehicle most recently reported as
// executing, -1 before any report.
func (e *Engine) Current() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress.Observed
}

// Progress returns a snapshot of the current-entry tracking state.
func (e *Engine) Progress() Progress {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.progress
}

// SetCurrent asks the vehicle to jump to entry seq. The index is validated
// against the count of the last valid download; uploads do not refresh that
// count until the sequence is downloaded again. The call returns once the
// request is sent. Confirmation arrives asynchronously through the
// vehicle's status reports and is visible via Progress.
func (e *Engine) SetCurrent(seq int) error {
	n := e.store.lastValidCount()
	if seq < 0 || seq >= n {
		return errors.WithMessagef(ErrInvalidIndex, "set current %d of %d entries", seq, n)
	}
	if err := e.tr.Send(wire.SetCurrent{Seq: uint16(seq)}); err != nil {
		return errors.Wrap(err, "send set-current")
	}
	e.mu.Lock()
	e.progress.Requested = seq
	e.progress.Confirmed = false
	e.mu.Unlock()
	return nil
}

// handleStatus folds an unsolicited current-entry report into the tracked
// progress. Reports are accepted in every engine state; they are not part
// of any transfer.
func (e *Engine) handleStatus(msg wire.Current) {
	e.mu.Lock()
	e.progress.Observed = int(msg.Seq)
	if e.progress.Requested >= 0 && e.progress.Requested == int(msg.Seq) {
		e.progress.Confirmed = true
	}
	e.stats.StatusUpdates++
	e.mu.Unlock()
	e.log.Debug("current entry report", zap.Int("seq", int(msg.Seq)))
}
