package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxFrameSize is the maximum size of a framed message, prefix included.
	// Mission payloads are small; anything larger is a corrupt stream.
	MaxFrameSize = 64 * 1024
	// MaxPayloadSize is the maximum encoded envelope size inside a frame.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the big-endian length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies codec errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
	// FrameErrorUnknownKind indicates an envelope with an unrecognized kind.
	FrameErrorUnknownKind
)

// FrameError represents a framing or decoding error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream can no longer be trusted after this
// error. Partial and oversized frames lose byte alignment; decode failures
// of a well-delimited frame do not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// Envelope wraps every encoded message with identity and timing metadata.
type Envelope struct {
	ID   string             `msgpack:"id"`
	TS   time.Time          `msgpack:"ts"`
	Kind Kind               `msgpack:"kind"`
	Body msgpack.RawMessage `msgpack:"body"`
}

// Encode wraps msg in an envelope with a fresh message ID and returns its
// msgpack encoding.
func Encode(msg Message) ([]byte, error) {
	body, err := msgpack.Marshal(msg)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to encode %s body", msg.Kind()),
			Err:  err,
		}
	}
	env := Envelope{
		ID:   uuid.New().String(),
		TS:   time.Now().UTC(),
		Kind: msg.Kind(),
		Body: body,
	}
	payload, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to encode %s envelope", msg.Kind()),
			Err:  err,
		}
	}
	return payload, nil
}

// Decode unpacks an envelope payload into its typed message.
func Decode(payload []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode envelope",
			Err:  err,
		}
	}
	return decodeBody(env.Kind, env.Body)
}

func decodeBody(kind Kind, body []byte) (Message, error) {
	var (
		msg Message
		err error
	)
	switch kind {
	case KindRequestList:
		var m RequestList
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindCount:
		var m Count
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindRequest:
		var m Request
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindItem:
		var m Item
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindAck:
		var m Ack
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindClearAll:
		var m ClearAll
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindSetCurrent:
		var m SetCurrent
		err = msgpack.Unmarshal(body, &m)
		msg = m
	case KindCurrent:
		var m Current
		err = msgpack.Unmarshal(body, &m)
		msg = m
	default:
		return nil, &FrameError{
			Kind: FrameErrorUnknownKind,
			Msg:  fmt.Sprintf("unknown message kind %q", kind),
		}
	}
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  fmt.Sprintf("failed to decode %s body", kind),
			Err:  err,
		}
	}
	return msg, nil
}

// WriteFrame writes payload to w with a 4-byte big-endian length prefix.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	var prefix [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// WriteMessage encodes msg and writes it to w as a single frame.
func WriteMessage(w io.Writer, msg Message) error {
	payload, err := Encode(msg)
	if err != nil {
		return err
	}
	return WriteFrame(w, payload)
}

// Decoder reads length-prefixed message frames from a stream.
type Decoder struct {
	reader io.Reader
}

// NewDecoder creates a frame decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{reader: r}
}

// ReadFrame reads a single frame and returns its raw payload bytes.
//
// Errors:
//   - io.EOF: stream ended cleanly between frames
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *Decoder) ReadFrame() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(d.reader, payload); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}
	return payload, nil
}

// ReadMessage reads one frame and decodes it into its typed message.
func (d *Decoder) ReadMessage() (Message, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return nil, err
	}
	return Decode(payload)
}
