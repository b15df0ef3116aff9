// Package tcptransport reaches a vehicle over a framed TCP stream, which is
// how simulators and onboard autopilot bridges expose the mission link. The
// Link owns the connection: it dials, reads frames into the handler, and
// redials with a fixed delay whenever the stream drops, until its context
// ends.
package tcptransport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/aerialworks/mission_link/wire"
)

// DefaultReconnectDelay is the pause between dial attempts when none is
// configured.
const DefaultReconnectDelay = 2 * time.Second

// ErrNotConnected reports a send attempted while the stream is down.
// Callers on the mission protocol treat it like a lost packet; the retry
// discipline recovers once the link is back.
var ErrNotConnected = errors.New("link not connected")

// Link is a vehicle connection over TCP. Send is safe for concurrent use;
// inbound messages are delivered on the Run goroutine.
type Link struct {
	addr  string
	delay time.Duration
	log   *zap.Logger

	mu     sync.Mutex
	conn   net.Conn
	connCh chan struct{} // closed when a connection is established
}

// New returns a link that will dial addr. A zero delay selects
// DefaultReconnectDelay; a nil logger disables logging.
func New(addr string, delay time.Duration, log *zap.Logger) *Link {
	if delay <= 0 {
		delay = DefaultReconnectDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Link{
		addr:   addr,
		delay:  delay,
		log:    log.With(zap.String("link", addr)),
		connCh: make(chan struct{}),
	}
}

// Send encodes msg and writes it as one frame. It fails with
// ErrNotConnected while the stream is down.
func (l *Link) Send(msg wire.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return errors.WithMessage(ErrNotConnected, string(msg.Kind()))
	}
	if err := wire.WriteMessage(l.conn, msg); err != nil {
		return errors.Wrapf(err, "send %s", msg.Kind())
	}
	return nil
}

// Connected reports whether the stream is currently up.
func (l *Link) Connected() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil
}

// WaitConnected blocks until the stream is up or ctx ends.
func (l *Link) WaitConnected(ctx context.Context) error {
	for {
		l.mu.Lock()
		if l.conn != nil {
			l.mu.Unlock()
			return nil
		}
		ch := l.connCh
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Run owns the connection until ctx ends: dial, deliver every decoded
// inbound message to handler, redial on loss. Frames that fail to decode
// but leave the stream aligned are logged and skipped; framing errors drop
// the connection.
func (l *Link) Run(ctx context.Context, wg *sync.WaitGroup, handler func(wire.Message)) {
	wg.Add(1)
	defer wg.Done()
	for {
		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.log.Warn("dial failed", zap.Error(err))
			if !l.pause(ctx) {
				return
			}
			continue
		}
		l.log.Info("link connected")
		l.setConn(conn)
		l.serve(ctx, conn, handler)
		l.setConn(nil)
		conn.Close()
		if ctx.Err() != nil {
			return
		}
		l.log.Warn("link lost, reconnecting")
		if !l.pause(ctx) {
			return
		}
	}
}

func (l *Link) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", l.addr)
}

func (l *Link) pause(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(l.delay):
		return true
	}
}

func (l *Link) setConn(conn net.Conn) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.conn = conn
	if conn != nil {
		close(l.connCh)
	} else {
		l.connCh = make(chan struct{})
	}
}

// serve reads frames until the stream fails or ctx ends. The watcher
// closes the connection on cancellation so the blocking read returns.
func (l *Link) serve(ctx context.Context, conn net.Conn, handler func(wire.Message)) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	dec := wire.NewDecoder(bufio.NewReader(conn))
	for {
		msg, err := dec.ReadMessage()
		if err != nil {
			var frameErr *wire.FrameError
			if errors.As(err, &frameErr) && !frameErr.IsFatal() {
				l.log.Warn("dropping undecodable frame", zap.Error(err))
				continue
			}
			if err != io.EOF && ctx.Err() == nil {
				l.log.Warn("link read failed", zap.Error(err))
			}
			return
		}
		handler(msg)
	}
}
