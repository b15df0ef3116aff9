package missions

import (
	"errors"
	"fmt"
)

var (
	// ErrBusy reports that a download, upload or clear is already in
	// flight on the store. Concurrent transfers never queue.
	ErrBusy = errors.New("transfer already in flight")

	// ErrTimeout is the cause recorded when a pending request received no
	// correlated response within the configured bound.
	ErrTimeout = errors.New("response timeout")

	// ErrRetriesExhausted matches terminal failures that burned the whole
	// attempt budget for one pending request.
	ErrRetriesExhausted = errors.New("retry budget exhausted")

	// ErrIndex reports an out-of-range read against an invalid or short
	// store.
	ErrIndex = errors.New("index out of range")

	// ErrInvalidIndex reports a set-current target outside the mission
	// known from the last valid download.
	ErrInvalidIndex = errors.New("current index out of range")

	// ErrSequencing reports an upload attempted after a remote clear
	// without an intervening successful download. The home entry is gone
	// at that point and the vehicle would silently drop the first added
	// command, so the call is forbidden instead.
	ErrSequencing = errors.New("upload after remote clear requires a fresh download")

	// ErrRejected reports an error acknowledgment from the vehicle.
	ErrRejected = errors.New("vehicle rejected the transfer")

	// ErrAborted reports a transfer cancelled by Abort, by the blocking
	// caller's context, or by engine shutdown.
	ErrAborted = errors.New("transfer aborted")

	// ErrState reports a staging operation against a store whose state
	// does not allow it.
	ErrState = errors.New("store state does not allow this operation")
)

// Op identifies a transfer type.
type Op string

const (
	OpDownload Op = "download"
	OpUpload   Op = "upload"
	OpClear    Op = "clear"
)

// TransferError is the terminal failure of a download, upload or clear.
// Transient per-message timeouts are retried inside the coordinator and
// never surface individually; only this terminal form does.
type TransferError struct {
	Op        Op
	Seq       int  // sequence number in flight when the transfer failed, -1 when none
	Attempts  int  // sends attempted for that sequence number
	Exhausted bool // the full attempt budget was used
	Err       error
}

func (e *TransferError) Error() string {
	if e.Seq >= 0 {
		return fmt.Sprintf("mission %s failed at seq %d: %v (%d attempts)", e.Op, e.Seq, e.Err, e.Attempts)
	}
	return fmt.Sprintf("mission %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// Is additionally matches ErrRetriesExhausted for failures that used the
// full attempt budget, on top of the wrapped cause.
func (e *TransferError) Is(target error) bool {
	return target == ErrRetriesExhausted && e.Exhausted
}
