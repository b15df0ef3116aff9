// Package wire defines the typed messages exchanged with a vehicle over a
// mission link and their framed stream encoding.
package wire

// Kind discriminates message payloads on the wire.
type Kind string

const (
	KindRequestList Kind = "mission_request_list"
	KindCount       Kind = "mission_count"
	KindRequest     Kind = "mission_request"
	KindItem        Kind = "mission_item"
	KindAck         Kind = "mission_ack"
	KindClearAll    Kind = "mission_clear_all"
	KindSetCurrent  Kind = "mission_set_current"
	KindCurrent     Kind = "mission_current"
)

// Frame identifies the coordinate frame of a mission item.
type Frame uint8

const (
	FrameGlobal            Frame = 0
	FrameLocalNED          Frame = 1
	FrameMission           Frame = 2
	FrameGlobalRelativeAlt Frame = 3
)

// Cmd identifies what a mission item instructs the vehicle to do.
// Values follow the common autopilot numbering.
type Cmd uint16

const (
	CmdNavWaypoint       Cmd = 16
	CmdNavLoiterTime     Cmd = 19
	CmdNavReturnToLaunch Cmd = 20
	CmdNavLand           Cmd = 21
	CmdNavTakeoff        Cmd = 22
	CmdConditionDelay    Cmd = 112
	CmdConditionDistance Cmd = 114
	CmdConditionYaw      Cmd = 115
	CmdDoJump            Cmd = 177
	CmdDoChangeSpeed     Cmd = 178
	CmdDoSetServo        Cmd = 183
)

// AckResult is the outcome a vehicle attaches to an acknowledgment.
type AckResult uint8

const (
	AckAccepted        AckResult = 0
	AckError           AckResult = 1
	AckUnsupported     AckResult = 3
	AckNoSpace         AckResult = 4
	AckInvalidSequence AckResult = 13
	AckDenied          AckResult = 14
	AckCancelled       AckResult = 15
)

func (r AckResult) String() string {
	switch r {
	case AckAccepted:
		return "accepted"
	case AckError:
		return "error"
	case AckUnsupported:
		return "unsupported"
	case AckNoSpace:
		return "no_space"
	case AckInvalidSequence:
		return "invalid_sequence"
	case AckDenied:
		return "denied"
	case AckCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Message is implemented by every payload that travels over a mission link.
type Message interface {
	Kind() Kind
}

// RequestList asks the vehicle for the size of its current mission.
type RequestList struct{}

// Count announces a mission size. From the vehicle it answers a RequestList
// and includes the home entry; from the client it opens an upload and
// excludes the home entry, which the vehicle manages itself.
type Count struct {
	Count uint16 `msgpack:"count"`
}

// Request pulls a single mission item by sequence number.
type Request struct {
	Seq uint16 `msgpack:"seq"`
}

// Item carries one mission entry.
type Item struct {
	Seq          uint16  `msgpack:"seq"`
	Current      uint8   `msgpack:"current"`
	Frame        Frame   `msgpack:"frame"`
	Cmd          Cmd     `msgpack:"cmd"`
	Param1       float64 `msgpack:"param1"`
	Param2       float64 `msgpack:"param2"`
	Param3       float64 `msgpack:"param3"`
	Param4       float64 `msgpack:"param4"`
	X            float64 `msgpack:"x"`
	Y            float64 `msgpack:"y"`
	Z            float64 `msgpack:"z"`
	Autocontinue uint8   `msgpack:"autocontinue"`
}

// Ack closes a transfer or acknowledges a single uploaded item.
type Ack struct {
	Result AckResult `msgpack:"result"`
	Seq    uint16    `msgpack:"seq"`
}

// ClearAll asks the vehicle to drop its entire mission.
type ClearAll struct{}

// SetCurrent asks the vehicle to jump to the given sequence number.
type SetCurrent struct {
	Seq uint16 `msgpack:"seq"`
}

// Current reports the sequence number the vehicle is currently executing.
type Current struct {
	Seq uint16 `msgpack:"seq"`
}

func (RequestList) Kind() Kind { return KindRequestList }
func (Count) Kind() Kind       { return KindCount }
func (Request) Kind() Kind     { return KindRequest }
func (Item) Kind() Kind        { return KindItem }
func (Ack) Kind() Kind         { return KindAck }
func (ClearAll) Kind() Kind    { return KindClearAll }
func (SetCurrent) Kind() Kind  { return KindSetCurrent }
func (Current) Kind() Kind     { return KindCurrent }
