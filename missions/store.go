package missions

import (
	"sync"

	"github.com/pkg/errors"
)

// State is the lifecycle state of a Store.
type State int

const (
	Uninitialized State = iota
	Downloading
	Valid
	Clearing
	Uploading
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Downloading:
		return "downloading"
	case Valid:
		return "valid"
	case Clearing:
		return "clearing"
	case Uploading:
		return "uploading"
	}
	return "unknown"
}

// Store is the in-memory mirror of the vehicle's mission: the home entry
// at index 0 (known only after a download), the command tail at indices
// 1..N, and the staging area for locally authored entries awaiting upload.
// A Store is never partially valid: either the whole mirror is usable or
// reads fail.
//
// The engine is the only writer of the home entry, of protocol-driven tail
// contents, and of every state transition except ClearLocal.
type Store struct {
	mu          sync.RWMutex
	home        *HomeEntry
	tail        []Command // logical indices 1..len(tail)
	state       State
	pendingAdds int
	lastValidN  int // count of the last valid download, for set-current
	prevState   State
}

func newStore() *Store {
	return &Store{}
}

// State returns the store's lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Length returns the number of known entries while the store is valid,
// and 0 otherwise.
func (s *Store) Length() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Valid {
		return 0
	}
	return s.countLocked()
}

// Get returns the entry at index i. Index 0 resolves to the home entry and
// fails while it is unknown (after an upload or clear, or before the first
// download). Reads against a store that is not valid fail with ErrIndex.
func (s *Store) Get(i int) (Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != Valid {
		return Command{}, errors.WithMessagef(ErrIndex, "get %d while %s", i, s.state)
	}
	if i == 0 {
		if s.home == nil {
			return Command{}, errors.WithMessage(ErrIndex, "home entry not downloaded")
		}
		return s.home.Command, nil
	}
	if i < 0 || i > len(s.tail) {
		return Command{}, errors.WithMessagef(ErrIndex, "get %d of %d entries", i, s.countLocked())
	}
	return s.tail[i-1], nil
}

// Home returns the vehicle's home entry and whether it is currently known.
func (s *Store) Home() (HomeEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.home == nil {
		return HomeEntry{}, false
	}
	return *s.home, true
}

// Add stages cmd at the end of the tail for a later upload. It is a purely
// local operation, allowed only while the store is Valid or Uninitialized.
// While Valid the staged entry is immediately readable and the count grows
// with it.
func (s *Store) Add(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Valid && s.state != Uninitialized {
		return errors.WithMessagef(ErrState, "add while %s", s.state)
	}
	cmd.Seq = uint16(len(s.tail) + 1) // provisional; the upload reassigns
	s.tail = append(s.tail, cmd)
	s.pendingAdds++
	return nil
}

// ClearLocal empties the mirror, including the home entry and any staged
// additions, and marks the store Uninitialized. The vehicle is not
// contacted; clearing the remote mission is a distinct protocol action.
func (s *Store) ClearLocal() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.tail = nil
	s.pendingAdds = 0
	s.state = Uninitialized
}

// PendingAdds returns the number of entries staged since the mirror was
// last synchronized; it sizes the next upload.
func (s *Store) PendingAdds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingAdds
}

func (s *Store) countLocked() int {
	n := len(s.tail)
	if s.home != nil {
		n++
	}
	return n
}

// lastValidCount returns the entry count of the last valid download.
func (s *Store) lastValidCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastValidN
}

// beginDownload clears the sequence and marks the store Downloading.
func (s *Store) beginDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.tail = nil
	s.pendingAdds = 0
	s.state = Downloading
}

// completeDownload installs the downloaded mirror and marks it Valid.
func (s *Store) completeDownload(home *HomeEntry, tail []Command, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = home
	s.tail = tail
	s.pendingAdds = 0
	s.lastValidN = n
	s.state = Valid
}

// failDownload discards partial results. The store is never left Valid
// from partial data.
func (s *Store) failDownload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.tail = nil
	s.state = Uninitialized
}

// beginUpload snapshots the staged tail, reindexed 1..N, and marks the
// store Uploading. Further Adds fail until the transfer ends.
func (s *Store) beginUpload() []Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload := make([]Command, len(s.tail))
	copy(payload, s.tail)
	for i := range payload {
		payload[i].Seq = uint16(i + 1)
	}
	s.state = Uploading
	return payload
}

// completeUpload installs the uploaded list as the new mirror. The home
// slot stays empty until the next download repopulates it.
func (s *Store) completeUpload(payload []Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.tail = payload
	s.pendingAdds = 0
	s.state = Valid
}

// failUpload invalidates the mirror but keeps the staged tail so the
// caller may retry the upload or re-download.
func (s *Store) failUpload() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.state = Uninitialized
}

// beginClear marks the store Clearing, remembering the previous state in
// case the vehicle rejects the clear.
func (s *Store) beginClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prevState = s.state
	s.state = Clearing
}

// completeClear empties the mirror after the vehicle dropped its mission.
func (s *Store) completeClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = nil
	s.tail = nil
	s.pendingAdds = 0
	s.state = Uninitialized
}

// failClear restores the pre-clear state: the vehicle refused, so the
// mirror still matches the remote mission.
func (s *Store) failClear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = s.prevState
}
