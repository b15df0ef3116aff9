// Package vehiclemock simulates the autopilot side of the mission
// protocol. It answers count and item requests from an in-memory mission,
// accepts uploads in either push or pull style, and can be scripted to
// drop replies, go quiet on a chosen index, inject stale items or reject a
// transfer, which is what the engine's retry and correlation paths need
// for exercise. The simulator backs the package tests and the agent's
// loopback mode.
package vehiclemock

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// Vehicle is one simulated autopilot. Wire it to an engine by passing it
// as the transport and connecting its outbound side to Engine.Receive.
type Vehicle struct {
	log *zap.Logger
	in  chan wire.Message

	mu  sync.Mutex
	out func(wire.Message)

	home      wire.Item
	tail      []wire.Item
	noMission bool
	current   uint16

	pullMode     bool
	quietClear   bool
	silentItem   int // download: never serve this index (-1 off)
	dropReplies  int // drop the next n outbound replies
	staleItem    *wire.Item
	rejectClear  wire.AckResult
	rejectUpload wire.AckResult

	uploading    bool
	uploadExpect int
	uploadNext   int
	uploadBuf    []wire.Item

	transcript []wire.Message
}

// New returns a vehicle holding only its home entry. A nil logger
// disables logging.
func New(log *zap.Logger) *Vehicle {
	if log == nil {
		log = zap.NewNop()
	}
	return &Vehicle{
		log: log,
		in:  make(chan wire.Message, 256),
		home: wire.Item{
			Frame: wire.FrameGlobal,
			Cmd:   wire.CmdNavWaypoint,
			X:     63.0979,
			Y:     21.6292,
			Z:     12.5,
		},
		silentItem:   -1,
		rejectClear:  wire.AckAccepted,
		rejectUpload: wire.AckAccepted,
	}
}

// Connect sets the sink for vehicle-to-client messages.
func (v *Vehicle) Connect(fn func(wire.Message)) {
	v.mu.Lock()
	v.out = fn
	v.mu.Unlock()
}

// Send accepts one client-to-vehicle message. It satisfies the engine's
// transport contract and never blocks the caller.
func (v *Vehicle) Send(msg wire.Message) error {
	v.in <- msg
	return nil
}

// Run answers inbound messages in arrival order until ctx is cancelled.
func (v *Vehicle) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-v.in:
				v.handle(msg)
			}
		}
	}()
}

// SetMission replaces the mission tail; sequence numbers are assigned by
// position. The home entry stays.
func (v *Vehicle) SetMission(tail ...wire.Item) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tail = make([]wire.Item, len(tail))
	for i, it := range tail {
		it.Seq = uint16(i + 1)
		v.tail[i] = it
	}
	v.noMission = false
}

// SetNoMission scripts a vehicle that reports zero entries, before even a
// home entry exists.
func (v *Vehicle) SetNoMission() {
	v.mu.Lock()
	v.noMission = true
	v.mu.Unlock()
}

// PullMode makes uploads vehicle-driven: each accepted item is answered
// with a request for the next index, and the index past the end signals
// completion instead of a final ack.
func (v *Vehicle) PullMode() {
	v.mu.Lock()
	v.pullMode = true
	v.mu.Unlock()
}

// QuietClear suppresses the clear acknowledgment, like firmware that
// never emits one.
func (v *Vehicle) QuietClear() {
	v.mu.Lock()
	v.quietClear = true
	v.mu.Unlock()
}

// NeverServeItem makes the vehicle ignore download requests for one
// index, forever.
func (v *Vehicle) NeverServeItem(seq int) {
	v.mu.Lock()
	v.silentItem = seq
	v.mu.Unlock()
}

// DropReplies discards the next n outbound replies, simulating loss on
// the vehicle-to-client path.
func (v *Vehicle) DropReplies(n int) {
	v.mu.Lock()
	v.dropReplies = n
	v.mu.Unlock()
}

// InjectStaleItem emits the given item immediately before the reply to
// the next download request, as a leftover from an earlier transfer
// would arrive.
func (v *Vehicle) InjectStaleItem(it wire.Item) {
	v.mu.Lock()
	v.staleItem = &it
	v.mu.Unlock()
}

// RejectClear answers clear requests with the given error result.
func (v *Vehicle) RejectClear(res wire.AckResult) {
	v.mu.Lock()
	v.rejectClear = res
	v.mu.Unlock()
}

// RejectUpload answers the upload count announcement with the given error
// result.
func (v *Vehicle) RejectUpload(res wire.AckResult) {
	v.mu.Lock()
	v.rejectUpload = res
	v.mu.Unlock()
}

// ReportCurrent emits an unsolicited current-entry report.
func (v *Vehicle) ReportCurrent(seq uint16) {
	v.mu.Lock()
	v.current = seq
	out := v.out
	v.mu.Unlock()
	if out != nil {
		out(wire.Current{Seq: seq})
	}
}

// Mission returns the home entry followed by the tail.
func (v *Vehicle) Mission() []wire.Item {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.noMission {
		return nil
	}
	out := make([]wire.Item, 0, len(v.tail)+1)
	out = append(out, v.home)
	out = append(out, v.tail...)
	return out
}

// Transcript returns every message received so far, in order.
func (v *Vehicle) Transcript() []wire.Message {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]wire.Message, len(v.transcript))
	copy(out, v.transcript)
	return out
}

func (v *Vehicle) handle(msg wire.Message) {
	v.mu.Lock()
	v.transcript = append(v.transcript, msg)
	v.mu.Unlock()

	switch m := msg.(type) {
	case wire.RequestList:
		v.handleRequestList()
	case wire.Request:
		v.handleRequest(m)
	case wire.ClearAll:
		v.handleClearAll()
	case wire.Count:
		v.handleCount(m)
	case wire.Item:
		v.handleItem(m)
	case wire.SetCurrent:
		v.handleSetCurrent(m)
	case wire.Ack:
		// the client closing a download; nothing to answer
	default:
		v.log.Debug("ignoring message", zap.String("kind", string(msg.Kind())))
	}
}

func (v *Vehicle) handleRequestList() {
	v.mu.Lock()
	n := len(v.tail) + 1
	if v.noMission {
		n = 0
	}
	v.mu.Unlock()
	v.reply(wire.Count{Count: uint16(n)})
}

func (v *Vehicle) handleRequest(m wire.Request) {
	v.mu.Lock()
	if v.silentItem >= 0 && int(m.Seq) == v.silentItem {
		v.mu.Unlock()
		v.log.Debug("staying silent on item", zap.Uint16("seq", m.Seq))
		return
	}
	var stale *wire.Item
	if v.staleItem != nil {
		stale = v.staleItem
		v.staleItem = nil
	}
	var it wire.Item
	ok := true
	switch {
	case v.noMission:
		ok = false
	case m.Seq == 0:
		it = v.home
		it.Seq = 0
	case int(m.Seq) <= len(v.tail):
		it = v.tail[m.Seq-1]
		it.Seq = m.Seq
	default:
		ok = false
	}
	v.mu.Unlock()

	if stale != nil {
		v.reply(*stale)
	}
	if !ok {
		v.log.Debug("request out of range", zap.Uint16("seq", m.Seq))
		return
	}
	v.reply(it)
}

func (v *Vehicle) handleClearAll() {
	v.mu.Lock()
	reject := v.rejectClear
	quiet := v.quietClear
	if reject == wire.AckAccepted {
		v.tail = nil
		v.uploading = false
	}
	v.mu.Unlock()
	if reject != wire.AckAccepted {
		v.reply(wire.Ack{Result: reject})
		return
	}
	if quiet {
		return
	}
	v.reply(wire.Ack{Result: wire.AckAccepted})
}

func (v *Vehicle) handleCount(m wire.Count) {
	v.mu.Lock()
	reject := v.rejectUpload
	v.mu.Unlock()
	if reject != wire.AckAccepted {
		v.reply(wire.Ack{Result: reject})
		return
	}
	if m.Count == 0 {
		v.mu.Lock()
		v.tail = nil
		v.uploading = false
		v.mu.Unlock()
		v.reply(wire.Ack{Result: wire.AckAccepted})
		return
	}
	v.mu.Lock()
	v.uploading = true
	v.uploadExpect = int(m.Count)
	v.uploadNext = 1
	v.uploadBuf = make([]wire.Item, 0, m.Count)
	pull := v.pullMode
	v.mu.Unlock()
	if pull {
		v.reply(wire.Request{Seq: 1})
	}
}

func (v *Vehicle) handleItem(m wire.Item) {
	v.mu.Lock()
	if !v.uploading || int(m.Seq) != v.uploadNext {
		v.mu.Unlock()
		v.log.Debug("ignoring item", zap.Uint16("seq", m.Seq))
		return
	}
	v.uploadBuf = append(v.uploadBuf, m)
	v.uploadNext++
	finished := len(v.uploadBuf) == v.uploadExpect
	if finished {
		v.tail = v.uploadBuf
		v.uploadBuf = nil
		v.uploading = false
		v.noMission = false
	}
	pull := v.pullMode
	expect := v.uploadExpect
	v.mu.Unlock()

	switch {
	case pull && finished:
		v.reply(wire.Request{Seq: uint16(expect + 1)})
	case pull:
		v.reply(wire.Request{Seq: m.Seq + 1})
	default:
		v.reply(wire.Ack{Result: wire.AckAccepted, Seq: m.Seq})
	}
}

func (v *Vehicle) handleSetCurrent(m wire.SetCurrent) {
	v.mu.Lock()
	v.current = m.Seq
	v.mu.Unlock()
	v.reply(wire.Current{Seq: m.Seq})
}

func (v *Vehicle) reply(msg wire.Message) {
	v.mu.Lock()
	if v.dropReplies > 0 {
		v.dropReplies--
		v.mu.Unlock()
		v.log.Debug("dropping reply", zap.String("kind", string(msg.Kind())))
		return
	}
	out := v.out
	v.mu.Unlock()
	if out == nil {
		return
	}
	out(msg)
}
