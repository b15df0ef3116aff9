// Package missions keeps an ordered autopilot command list synchronized
// between this process and a remote vehicle over a lossy, asynchronous
// link. The vehicle owns the authoritative copy; the Store here is a
// mirror that is only trustworthy after a full download, and uploads
// replace the remote list wholesale. One Engine drives at most one
// transfer at a time, correlating request-response pairs by sequence
// number and retrying each pending request on a fixed budget.
package missions

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// Transport sends one mission message toward the vehicle. Implementations
// must be safe for concurrent use; the engine may send from its run loop
// while SetCurrent sends from a caller goroutine. A nil error means the
// message was handed to the link, not that it arrived.
type Transport interface {
	Send(msg wire.Message) error
}

type ctrlKind int

const (
	ctrlStart ctrlKind = iota
	ctrlAbort
)

type ctrlMsg struct {
	kind ctrlKind
	op   *operation
}

type phase int

// phasePending is the zero value so a freshly registered operation matches
// no message handler until the run loop processes its start.
const (
	phasePending phase = iota
	phaseClearAck
	phaseCount
	phaseItems
	phaseItemAck
	phaseFinalAck
)

func (p phase) String() string {
	switch p {
	case phasePending:
		return "pending"
	case phaseClearAck:
		return "clear-ack"
	case phaseCount:
		return "count"
	case phaseItems:
		return "items"
	case phaseItemAck:
		return "item-ack"
	case phaseFinalAck:
		return "final-ack"
	}
	return "unknown"
}

// operation is one in-flight transfer. Mutable fields are owned by the run
// loop after registration; callers only read err after done is closed.
type operation struct {
	id  string
	op  Op
	log *zap.Logger

	phase    phase
	next     int // download: item index requested; upload: index awaiting ack
	expect   int // download: total entries announced; upload: tail length
	sent     int // upload: highest index pushed so far
	attempts int
	deadline time.Time

	home    *HomeEntry // download result, index 0
	items   []Command  // download result, indices 1..expect-1
	payload []Command  // upload snapshot, reindexed 1..expect

	err  error
	done chan struct{}
}

func (op *operation) errSeq() int {
	switch op.phase {
	case phaseItems, phaseItemAck:
		return op.next
	}
	return -1
}

func (op *operation) transferErr(cause error, exhausted bool) *TransferError {
	return &TransferError{
		Op:        op.op,
		Seq:       op.errSeq(),
		Attempts:  op.attempts,
		Exhausted: exhausted,
		Err:       cause,
	}
}

// Engine owns the mission mirror and runs the synchronization protocol.
// Inbound messages are posted with Receive; transfers are started from any
// goroutine and executed on the single run loop.
//
// Lock order: Engine.mu before Store.mu, never the reverse.
type Engine struct {
	tr    Transport
	cfg   Config
	log   *zap.Logger
	store *Store

	inbox chan wire.Message
	ctrl  chan ctrlMsg
	done  chan struct{}

	mu                sync.Mutex
	op                *operation
	waiters           []chan error
	lastDownloadErr   error
	needFreshDownload bool
	progress          Progress
	stats             Stats
}

// NewEngine returns an Engine talking through tr. The engine does nothing
// until Run is started. A nil logger disables logging.
func NewEngine(tr Transport, cfg Config, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Engine{
		tr:       tr,
		cfg:      cfg,
		log:      log,
		store:    newStore(),
		inbox:    make(chan wire.Message, cfg.InboxSize),
		ctrl:     make(chan ctrlMsg, 8),
		done:     make(chan struct{}),
		progress: Progress{Observed: -1, Requested: -1},
	}
}

// Store returns the mission mirror owned by this engine.
func (e *Engine) Store() *Store {
	return e.store
}

// Run executes the protocol until ctx is cancelled. The in-flight
// transfer, if any, fails with ErrAborted on the way out and blocked
// WaitValid callers are released.
func (e *Engine) Run(ctx context.Context, wg *sync.WaitGroup) {
	wg.Add(1)
	defer wg.Done()
	defer e.shutdown()
	e.log.Info("mission engine started")
	for {
		var timeout <-chan time.Time
		if d, ok := e.pendingDeadline(); ok {
			timeout = time.After(time.Until(d))
		}
		select {
		case <-ctx.Done():
			e.log.Info("mission engine stopping")
			return
		case msg := <-e.inbox:
			e.handleMessage(msg)
		case c := <-e.ctrl:
			e.handleCtrl(c)
		case <-timeout:
			e.handleTimeout()
		}
	}
}

// Receive posts one inbound message from the link. It never blocks; when
// the inbox is full the message is dropped and the retry discipline
// recovers the exchange.
func (e *Engine) Receive(msg wire.Message) {
	select {
	case e.inbox <- msg:
	default:
		e.bump(func(st *Stats) { st.Dropped++ })
		e.log.Warn("inbox full, dropping message", zap.String("kind", string(msg.Kind())))
	}
}

// Download begins retrieving the vehicle's mission and returns
// immediately. The store leaves Valid the moment the transfer starts;
// WaitValid blocks until the new mirror is complete. A transfer already in
// flight fails the call with ErrBusy.
func (e *Engine) Download() error {
	op := e.newOperation(OpDownload)
	op.expect = -1
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
	if e.op != nil {
		e.mu.Unlock()
		return errors.WithMessage(ErrBusy, "download")
	}
	e.op = op
	e.store.beginDownload()
	e.mu.Unlock()
	e.ctrl <- ctrlMsg{kind: ctrlStart, op: op}
	return nil
}

// Upload pushes every entry staged in the store to the vehicle, replacing
// the remote mission, and blocks until the transfer ends. The remote list
// is cleared first, so after a successful upload the mirror holds the
// uploaded entries at indices 1..N and the home slot stays empty until the
// next download. Cancelling ctx aborts the transfer.
//
// An upload attempted after ClearRemote without an intervening successful
// download fails with ErrSequencing: the home entry is unknown and the
// vehicle would silently swallow the first entry of the new mission.
func (e *Engine) Upload(ctx context.Context) error {
	op := e.newOperation(OpUpload)
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
	if e.op != nil {
		e.mu.Unlock()
		return errors.WithMessage(ErrBusy, "upload")
	}
	if e.needFreshDownload {
		e.mu.Unlock()
		return errors.WithMessage(ErrSequencing, "upload")
	}
	e.op = op
	op.payload = e.store.beginUpload()
	op.expect = len(op.payload)
	e.mu.Unlock()
	e.ctrl <- ctrlMsg{kind: ctrlStart, op: op}
	return e.waitOp(ctx, op)
}

// ClearRemote asks the vehicle to drop its mission and blocks until the
// outcome is known. The acknowledgment is advisory: silence within the
// clear-ack window counts as acceptance, an explicit error ack fails the
// call and leaves the mirror untouched. After a successful clear the next
// upload is refused until a download re-establishes the home entry.
func (e *Engine) ClearRemote(ctx context.Context) error {
	op := e.newOperation(OpClear)
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
	if e.op != nil {
		e.mu.Unlock()
		return errors.WithMessage(ErrBusy, "clear")
	}
	e.op = op
	e.store.beginClear()
	e.mu.Unlock()
	e.ctrl <- ctrlMsg{kind: ctrlStart, op: op}
	return e.waitOp(ctx, op)
}

// Abort cancels the transfer in flight, if any. The transfer fails with
// ErrAborted and partial download results are discarded.
func (e *Engine) Abort() {
	e.mu.Lock()
	op := e.op
	e.mu.Unlock()
	if op != nil {
		e.abortOp(op)
	}
}

// WaitValid blocks until the store is synchronized with the vehicle. It
// returns immediately when the store is already Valid, reports the
// terminal error of a failed download, and otherwise waits for the next
// transfer outcome that leaves the store Valid or fails a download.
// Cancelling ctx abandons only the wait, never the transfer.
func (e *Engine) WaitValid(ctx context.Context) error {
	e.mu.Lock()
	if e.stopped() {
		e.mu.Unlock()
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
	if e.store.State() == Valid {
		e.mu.Unlock()
		return nil
	}
	if e.op == nil && e.lastDownloadErr != nil {
		err := e.lastDownloadErr
		e.mu.Unlock()
		return err
	}
	ch := make(chan error, 1)
	e.waiters = append(e.waiters, ch)
	e.mu.Unlock()

	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
}

// stopped reports whether the run loop has shut down. Callers hold e.mu.
func (e *Engine) stopped() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Engine) newOperation(kind Op) *operation {
	id := ulid.Make().String()
	return &operation{
		id:   id,
		op:   kind,
		log:  e.log.With(zap.String("transfer", id), zap.String("op", string(kind))),
		done: make(chan struct{}),
	}
}

func (e *Engine) waitOp(ctx context.Context, op *operation) error {
	select {
	case <-op.done:
		return op.err
	case <-ctx.Done():
		e.abortOp(op)
		<-op.done
		return ctx.Err()
	case <-e.done:
		select {
		case <-op.done:
			return op.err
		default:
		}
		return errors.WithMessage(ErrAborted, "engine stopped")
	}
}

func (e *Engine) abortOp(op *operation) {
	select {
	case e.ctrl <- ctrlMsg{kind: ctrlAbort, op: op}:
	case <-e.done:
	}
}

func (e *Engine) pendingDeadline() (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.op == nil || e.op.deadline.IsZero() {
		return time.Time{}, false
	}
	return e.op.deadline, true
}

func (e *Engine) handleCtrl(c ctrlMsg) {
	switch c.kind {
	case ctrlStart:
		e.startOp(c.op)
	case ctrlAbort:
		e.mu.Lock()
		cur := e.op
		e.mu.Unlock()
		if cur != c.op {
			return // already finished
		}
		c.op.log.Info("transfer aborted")
		e.finishOp(c.op, c.op.transferErr(ErrAborted, false))
	}
}

func (e *Engine) startOp(op *operation) {
	op.attempts = 1
	switch op.op {
	case OpDownload:
		op.phase = phaseCount
		op.log.Info("download started")
		e.send(op, wire.RequestList{})
		op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
	case OpUpload:
		// Replacing a mission starts by clearing the remote list so the
		// vehicle cannot interleave old and new entries.
		op.phase = phaseClearAck
		op.log.Info("upload started", zap.Int("count", op.expect))
		e.send(op, wire.ClearAll{})
		op.deadline = time.Now().Add(e.cfg.ClearAckTimeout)
	case OpClear:
		op.phase = phaseClearAck
		op.log.Info("remote clear started")
		e.send(op, wire.ClearAll{})
		op.deadline = time.Now().Add(e.cfg.ClearAckTimeout)
	}
}

func (e *Engine) handleMessage(msg wire.Message) {
	// Current-entry reports are unsolicited and valid in every state.
	if cur, ok := msg.(wire.Current); ok {
		e.handleStatus(cur)
		return
	}
	e.mu.Lock()
	op := e.op
	e.mu.Unlock()
	if op == nil {
		e.bump(func(st *Stats) { st.Mismatches++ })
		e.log.Debug("discarding message outside transfer", zap.String("kind", string(msg.Kind())))
		return
	}
	switch op.op {
	case OpDownload:
		e.handleDownloadMsg(op, msg)
	case OpUpload:
		e.handleUploadMsg(op, msg)
	case OpClear:
		e.handleClearMsg(op, msg)
	}
}

func (e *Engine) handleTimeout() {
	e.mu.Lock()
	op := e.op
	e.mu.Unlock()
	// Each iteration re-arms the timer from the current deadline, so a
	// wakeup for an operation that already moved on is simply stale.
	if op == nil || op.deadline.IsZero() || time.Now().Before(op.deadline) {
		return
	}
	if op.phase == phaseClearAck {
		// The clear acknowledgment is advisory. Silence is acceptance.
		if op.op == OpClear {
			op.log.Debug("clear not acknowledged, treating as accepted")
			e.finishOp(op, nil)
			return
		}
		op.log.Debug("clear not acknowledged, continuing upload")
		e.proceedAfterClear(op)
		return
	}
	if op.attempts >= e.cfg.MaxAttempts {
		op.log.Warn("retry budget exhausted",
			zap.String("phase", op.phase.String()),
			zap.Int("attempts", op.attempts))
		e.finishOp(op, op.transferErr(ErrTimeout, true))
		return
	}
	op.attempts++
	e.bump(func(st *Stats) { st.Retries++ })
	op.log.Debug("response timeout, resending",
		zap.String("phase", op.phase.String()),
		zap.Int("attempt", op.attempts))
	switch op.phase {
	case phaseCount:
		e.send(op, wire.RequestList{})
	case phaseItems:
		e.send(op, wire.Request{Seq: uint16(op.next)})
	case phaseItemAck:
		e.send(op, op.payload[op.next-1].item(uint16(op.next)))
	case phaseFinalAck:
		e.send(op, wire.Count{Count: uint16(op.expect)})
	}
	op.deadline = time.Now().Add(e.cfg.ResponseTimeout)
}

// send hands msg to the transport. A send error is treated like a lost
// packet: the pending deadline stands and the retry budget recovers the
// exchange, matching how an unreliable link already behaves.
func (e *Engine) send(op *operation, msg wire.Message) {
	if err := e.tr.Send(msg); err != nil {
		op.log.Warn("send failed", zap.String("kind", string(msg.Kind())), zap.Error(err))
	}
}

// discard drops a message that does not correlate with the pending
// request. Stale and duplicate messages are expected on this link, so a
// mismatch is counted and logged, never fatal.
func (e *Engine) discard(op *operation, msg wire.Message) {
	e.bump(func(st *Stats) { st.Mismatches++ })
	op.log.Debug("discarding uncorrelated message",
		zap.String("kind", string(msg.Kind())),
		zap.String("phase", op.phase.String()))
}

// finishOp records the terminal outcome of op: store transition first,
// then bookkeeping and waiter release under e.mu, then the done signal.
func (e *Engine) finishOp(op *operation, err error) {
	switch op.op {
	case OpDownload:
		if err == nil {
			e.store.completeDownload(op.home, op.items, op.expect)
		} else {
			e.store.failDownload()
		}
	case OpUpload:
		if err == nil {
			e.store.completeUpload(op.payload)
		} else {
			e.store.failUpload()
		}
	case OpClear:
		if err == nil {
			e.store.completeClear()
		} else {
			e.store.failClear()
		}
	}

	e.mu.Lock()
	if e.op == op {
		e.op = nil
	}
	switch op.op {
	case OpDownload:
		e.lastDownloadErr = err
		if err == nil {
			e.needFreshDownload = false
			e.stats.Downloads++
		}
	case OpUpload:
		if err == nil {
			e.stats.Uploads++
		}
	case OpClear:
		if err == nil {
			e.needFreshDownload = true
			e.lastDownloadErr = nil
			e.stats.Clears++
		}
	}
	if err != nil {
		e.stats.Failures++
	}
	var notify []chan error
	var result error
	if e.store.State() == Valid {
		notify, e.waiters = e.waiters, nil
	} else if op.op == OpDownload && err != nil {
		notify, e.waiters = e.waiters, nil
		result = err
	}
	e.mu.Unlock()

	op.err = err
	close(op.done)
	for _, ch := range notify {
		ch <- result
	}
	if err != nil {
		op.log.Warn("transfer failed", zap.Error(err))
	} else {
		op.log.Info("transfer complete")
	}
}

// shutdown runs once when the run loop exits. The in-flight transfer fails
// with ErrAborted, blocked waiters are released, and later calls against
// the engine are refused.
func (e *Engine) shutdown() {
	e.mu.Lock()
	op := e.op
	e.op = nil
	waiters := e.waiters
	e.waiters = nil
	e.mu.Unlock()

	if op != nil {
		switch op.op {
		case OpDownload:
			e.store.failDownload()
		case OpUpload:
			e.store.failUpload()
		case OpClear:
			e.store.failClear()
		}
		op.err = op.transferErr(ErrAborted, false)
		close(op.done)
		op.log.Warn("transfer aborted by shutdown")
	}
	close(e.done)
	for _, ch := range waiters {
		ch <- errors.WithMessage(ErrAborted, "engine stopped")
	}
	e.log.Info("mission engine stopped")
}
