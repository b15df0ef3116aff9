package missions

import (
	"errors"
	"testing"
	"time"

	"github.com/aerialworks/mission_link/wire"
)

func TestStore_DownloadLifecycle(t *testing.T) {
	s := newStore()
	if s.State() != Uninitialized {
		t.Fatalf("fresh store state = %v, want Uninitialized", s.State())
	}
	if n := s.Length(); n != 0 {
		t.Fatalf("fresh store length = %d, want 0", n)
	}
	if _, err := s.Get(0); !errors.Is(err, ErrIndex) {
		t.Fatalf("Get on fresh store = %v, want ErrIndex", err)
	}

	s.beginDownload()
	if s.State() != Downloading {
		t.Fatalf("state = %v, want Downloading", s.State())
	}
	if _, err := s.Get(0); !errors.Is(err, ErrIndex) {
		t.Fatalf("Get while downloading = %v, want ErrIndex", err)
	}

	home := &HomeEntry{Command: Command{Frame: wire.FrameGlobal, Cmd: wire.CmdNavWaypoint, X: 63.09, Y: 21.62}}
	tail := []Command{
		{Seq: 1, Cmd: wire.CmdNavTakeoff, Z: 25},
		{Seq: 2, Cmd: wire.CmdNavLand},
	}
	s.completeDownload(home, tail, 3)

	if s.State() != Valid {
		t.Fatalf("state = %v, want Valid", s.State())
	}
	if n := s.Length(); n != 3 {
		t.Fatalf("length = %d, want 3", n)
	}
	got, err := s.Get(0)
	if err != nil {
		t.Fatalf("Get(0) failed: %v", err)
	}
	if got != home.Command {
		t.Errorf("Get(0) = %+v, want home entry", got)
	}
	if h, ok := s.Home(); !ok || h.Command != home.Command {
		t.Errorf("Home() = %+v, %v", h, ok)
	}
	if got, err := s.Get(2); err != nil || got.Cmd != wire.CmdNavLand {
		t.Errorf("Get(2) = %+v, %v", got, err)
	}
	if n := s.lastValidCount(); n != 3 {
		t.Errorf("lastValidCount = %d, want 3", n)
	}

	s.failDownload()
	if s.State() != Uninitialized {
		t.Fatalf("state after failDownload = %v, want Uninitialized", s.State())
	}
	if n := s.Length(); n != 0 {
		t.Errorf("length after failDownload = %d, want 0", n)
	}
	// The count of the last valid download survives a later failure.
	if n := s.lastValidCount(); n != 3 {
		t.Errorf("lastValidCount after failure = %d, want 3", n)
	}
}

func TestStore_GetBounds(t *testing.T) {
	s := newStore()
	s.completeDownload(nil, []Command{{Seq: 1}}, 2)

	// Home slot may legitimately be empty while the tail is valid.
	if _, err := s.Get(0); !errors.Is(err, ErrIndex) {
		t.Errorf("Get(0) without home = %v, want ErrIndex", err)
	}
	if _, err := s.Get(1); err != nil {
		t.Errorf("Get(1) failed: %v", err)
	}
	if _, err := s.Get(-1); !errors.Is(err, ErrIndex) {
		t.Errorf("Get(-1) = %v, want ErrIndex", err)
	}
	if _, err := s.Get(2); !errors.Is(err, ErrIndex) {
		t.Errorf("Get(2) = %v, want ErrIndex", err)
	}
}

func TestStore_AddStagesEntries(t *testing.T) {
	s := newStore()

	// Staging works before any download.
	if err := s.Add(Command{Cmd: wire.CmdNavTakeoff}); err != nil {
		t.Fatalf("Add on uninitialized store failed: %v", err)
	}
	if n := s.PendingAdds(); n != 1 {
		t.Fatalf("PendingAdds = %d, want 1", n)
	}

	// And on a valid store, where the entry is immediately readable.
	s.completeDownload(&HomeEntry{}, nil, 1)
	if err := s.Add(Command{Cmd: wire.CmdNavLand}); err != nil {
		t.Fatalf("Add on valid store failed: %v", err)
	}
	got, err := s.Get(1)
	if err != nil {
		t.Fatalf("Get(1) after Add failed: %v", err)
	}
	if got.Cmd != wire.CmdNavLand || got.Seq != 1 {
		t.Errorf("staged entry = %+v, want land at provisional seq 1", got)
	}
	if n := s.Length(); n != 2 {
		t.Errorf("length = %d, want 2", n)
	}

	// Never while a transfer owns the store.
	for _, state := range []State{Downloading, Uploading, Clearing} {
		s.mu.Lock()
		s.state = state
		s.mu.Unlock()
		if err := s.Add(Command{}); !errors.Is(err, ErrState) {
			t.Errorf("Add while %v = %v, want ErrState", state, err)
		}
	}
}

func TestStore_ClearLocal(t *testing.T) {
	s := newStore()
	s.completeDownload(&HomeEntry{}, []Command{{Seq: 1}}, 2)
	if err := s.Add(Command{Cmd: wire.CmdNavLand}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	s.ClearLocal()

	if s.State() != Uninitialized {
		t.Errorf("state = %v, want Uninitialized", s.State())
	}
	if n := s.Length(); n != 0 {
		t.Errorf("length = %d, want 0", n)
	}
	if n := s.PendingAdds(); n != 0 {
		t.Errorf("PendingAdds = %d, want 0", n)
	}
	if _, ok := s.Home(); ok {
		t.Error("home entry survived ClearLocal")
	}
}

func TestStore_UploadLifecycle(t *testing.T) {
	s := newStore()
	if err := s.Add(Command{Cmd: wire.CmdNavTakeoff}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add(Command{Cmd: wire.CmdNavWaypoint}); err != nil {
		t.Fatal(err)
	}

	payload := s.beginUpload()
	if s.State() != Uploading {
		t.Fatalf("state = %v, want Uploading", s.State())
	}
	if len(payload) != 2 {
		t.Fatalf("payload length = %d, want 2", len(payload))
	}
	for i, cmd := range payload {
		if cmd.Seq != uint16(i+1) {
			t.Errorf("payload[%d].Seq = %d, want %d", i, cmd.Seq, i+1)
		}
	}

	s.completeUpload(payload)
	if s.State() != Valid {
		t.Fatalf("state = %v, want Valid", s.State())
	}
	if n := s.Length(); n != 2 {
		t.Errorf("length = %d, want 2", n)
	}
	if _, ok := s.Home(); ok {
		t.Error("home slot must be empty after an upload")
	}
	if n := s.PendingAdds(); n != 0 {
		t.Errorf("PendingAdds = %d, want 0", n)
	}
}

func TestStore_FailedUploadKeepsStagedTail(t *testing.T) {
	s := newStore()
	if err := s.Add(Command{Cmd: wire.CmdNavTakeoff}); err != nil {
		t.Fatal(err)
	}
	s.beginUpload()
	s.failUpload()

	if s.State() != Uninitialized {
		t.Fatalf("state = %v, want Uninitialized", s.State())
	}
	if n := s.PendingAdds(); n != 1 {
		t.Errorf("PendingAdds = %d, want 1: staged entries survive for a retry", n)
	}
	payload := s.beginUpload()
	if len(payload) != 1 || payload[0].Cmd != wire.CmdNavTakeoff {
		t.Errorf("retry payload = %+v", payload)
	}
}

func TestStore_ClearLifecycle(t *testing.T) {
	s := newStore()
	s.completeDownload(&HomeEntry{}, []Command{{Seq: 1}}, 2)

	// A refused clear restores the previous state untouched.
	s.beginClear()
	if s.State() != Clearing {
		t.Fatalf("state = %v, want Clearing", s.State())
	}
	s.failClear()
	if s.State() != Valid {
		t.Fatalf("state after failClear = %v, want Valid", s.State())
	}
	if n := s.Length(); n != 2 {
		t.Errorf("length after failClear = %d, want 2", n)
	}

	// An accepted clear empties the mirror.
	s.beginClear()
	s.completeClear()
	if s.State() != Uninitialized {
		t.Fatalf("state after completeClear = %v, want Uninitialized", s.State())
	}
	if n := s.Length(); n != 0 {
		t.Errorf("length after completeClear = %d, want 0", n)
	}
}

func TestConfig_WithDefaults(t *testing.T) {
	got := Config{}.withDefaults()
	if got != DefaultConfig() {
		t.Errorf("zero config = %+v, want defaults", got)
	}

	partial := Config{ResponseTimeout: 10 * time.Millisecond, MaxAttempts: 7}
	got = partial.withDefaults()
	if got.ResponseTimeout != 10*time.Millisecond {
		t.Errorf("ResponseTimeout = %v, want 10ms preserved", got.ResponseTimeout)
	}
	if got.MaxAttempts != 7 {
		t.Errorf("MaxAttempts = %d, want 7 preserved", got.MaxAttempts)
	}
	if got.ClearAckTimeout != DefaultConfig().ClearAckTimeout {
		t.Errorf("ClearAckTimeout = %v, want default", got.ClearAckTimeout)
	}
	if got.InboxSize != DefaultConfig().InboxSize {
		t.Errorf("InboxSize = %d, want default", got.InboxSize)
	}
}

func TestTransferError_Rendering(t *testing.T) {
	err := &TransferError{Op: OpDownload, Seq: 3, Attempts: 3, Exhausted: true, Err: ErrTimeout}
	want := "mission download failed at seq 3: response timeout (3 attempts)"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Error("expected errors.Is(err, ErrTimeout)")
	}
	if !errors.Is(err, ErrRetriesExhausted) {
		t.Error("expected errors.Is(err, ErrRetriesExhausted) for an exhausted budget")
	}

	noSeq := &TransferError{Op: OpClear, Seq: -1, Attempts: 1, Err: ErrRejected}
	want = "mission clear failed: vehicle rejected the transfer"
	if noSeq.Error() != want {
		t.Errorf("Error() = %q, want %q", noSeq.Error(), want)
	}
	if errors.Is(noSeq, ErrRetriesExhausted) {
		t.Error("non-exhausted failure must not match ErrRetriesExhausted")
	}
}
