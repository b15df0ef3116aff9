package missions

// Stats counts protocol-level events on a mission link. Values are a
// point-in-time snapshot taken by Engine.Stats.
type Stats struct {
	Downloads     uint64 // completed downloads
	Uploads       uint64 // completed uploads
	Clears        uint64 // completed remote clears
	Failures      uint64 // terminal transfer failures
	Retries       uint64 // re-sends after a response timeout
	Mismatches    uint64 // discarded uncorrelated messages
	Dropped       uint64 // inbound messages dropped on a full inbox
	ItemsSent     uint64 // mission items pushed during uploads
	ItemsReceived uint64 // mission items stored during downloads
	StatusUpdates uint64 // current-index reports from the vehicle
}

// Stats returns a snapshot of the engine's protocol counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Engine) bump(f func(*Stats)) {
	e.mu.Lock()
	f(&e.stats)
	e.mu.Unlock()
}
