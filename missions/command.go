package missions

import "github.com/aerialworks/mission_link/wire"

// Command is one mission entry: what the vehicle should do at a given
// position in the mission. A Command is a plain value; Seq is assigned by
// its position in the owning sequence, not by the caller, except while
// authoring a list prior to upload (the upload reassigns it anyway).
type Command struct {
	Seq          uint16
	Current      uint8
	Frame        wire.Frame
	Cmd          wire.Cmd
	Param1       float64
	Param2       float64
	Param3       float64
	Param4       float64
	X            float64
	Y            float64
	Z            float64
	Autocontinue uint8
}

// HomeEntry is the vehicle-managed home location that occupies index 0
// after a download. It is a distinct type so that no caller-facing API can
// author one: only the download path produces home entries, and uploads
// never include them.
type HomeEntry struct {
	Command
}

// Waypoint returns a fly-to command for a global position with altitude
// relative to home.
func Waypoint(lat, lon, alt float64) Command {
	return Command{
		Frame:        wire.FrameGlobalRelativeAlt,
		Cmd:          wire.CmdNavWaypoint,
		X:            lat,
		Y:            lon,
		Z:            alt,
		Autocontinue: 1,
	}
}

// Takeoff returns a takeoff command climbing to alt meters above home.
func Takeoff(alt float64) Command {
	return Command{
		Frame:        wire.FrameGlobalRelativeAlt,
		Cmd:          wire.CmdNavTakeoff,
		Z:            alt,
		Autocontinue: 1,
	}
}

// Land returns a land-in-place command.
func Land() Command {
	return Command{
		Frame:        wire.FrameGlobalRelativeAlt,
		Cmd:          wire.CmdNavLand,
		Autocontinue: 1,
	}
}

// ReturnToLaunch returns a return-to-launch command.
func ReturnToLaunch() Command {
	return Command{
		Frame:        wire.FrameMission,
		Cmd:          wire.CmdNavReturnToLaunch,
		Autocontinue: 1,
	}
}

func (c Command) item(seq uint16) wire.Item {
	return wire.Item{
		Seq:          seq,
		Current:      c.Current,
		Frame:        c.Frame,
		Cmd:          c.Cmd,
		Param1:       c.Param1,
		Param2:       c.Param2,
		Param3:       c.Param3,
		Param4:       c.Param4,
		X:            c.X,
		Y:            c.Y,
		Z:            c.Z,
		Autocontinue: c.Autocontinue,
	}
}

func commandFromItem(it wire.Item) Command {
	return Command{
		Seq:          it.Seq,
		Current:      it.Current,
		Frame:        it.Frame,
		Cmd:          it.Cmd,
		Param1:       it.Param1,
		Param2:       it.Param2,
		Param3:       it.Param3,
		Param4:       it.Param4,
		X:            it.X,
		Y:            it.Y,
		Z:            it.Z,
		Autocontinue: it.Autocontinue,
	}
}
