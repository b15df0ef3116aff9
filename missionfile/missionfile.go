// Package missionfile reads and writes mission files in the QGC WPL 110
// format: a fixed version marker line, then one record per mission entry
// with the fields seq, current, frame, command, param1..4, x, y, z and
// autocontinue. Records are written tab-separated; on read any whitespace
// separates fields, which is what existing tooling emits.
package missionfile

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/aerialworks/mission_link/missions"
	"github.com/aerialworks/mission_link/wire"
)

// Marker is the mandatory first line of a mission file.
const Marker = "QGC WPL 110"

const fieldsPerRecord = 12

// Document is the in-memory form of a mission file. The home row, when the
// file carries one, is the record with sequence number 0; the tail holds
// the flyable entries in order. A staged mission written before an upload
// has no home row, since the vehicle manages that entry itself.
type Document struct {
	Home *missions.Command
	Tail []missions.Command
}

// Len returns the number of records the document serializes to.
func (d Document) Len() int {
	n := len(d.Tail)
	if d.Home != nil {
		n++
	}
	return n
}

// Read parses a mission file. Blank lines and lines starting with '#' are
// skipped. Sequence numbers must be contiguous; a record numbered 0 becomes
// the home row. Errors name the offending line.
func Read(r io.Reader) (*Document, error) {
	scanner := bufio.NewScanner(r)

	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, errors.Wrap(err, "read mission file")
		}
		return nil, errors.New("empty mission file")
	}
	if header := strings.TrimSpace(scanner.Text()); header != Marker {
		return nil, errors.Errorf("line 1: unsupported version %q, want %q", header, Marker)
	}

	doc := &Document{}
	lineNo := 1
	prevSeq := -1
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		cmd, err := parseRecord(line)
		if err != nil {
			return nil, errors.WithMessagef(err, "line %d", lineNo)
		}
		seq := int(cmd.Seq)
		switch {
		case prevSeq == -1 && seq == 0:
			home := cmd
			doc.Home = &home
		case prevSeq == -1 && seq == 1:
			doc.Tail = append(doc.Tail, cmd)
		case seq == prevSeq+1:
			doc.Tail = append(doc.Tail, cmd)
		default:
			return nil, errors.Errorf("line %d: sequence %d after %d, records must be contiguous", lineNo, seq, prevSeq)
		}
		prevSeq = seq
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read mission file")
	}
	return doc, nil
}

// Write serializes doc: the version marker, the home row as sequence 0 when
// present, then the tail renumbered contiguously from 1.
func Write(w io.Writer, doc Document) error {
	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, Marker); err != nil {
		return errors.Wrap(err, "write mission file")
	}
	if doc.Home != nil {
		if err := writeRecord(bw, *doc.Home, 0); err != nil {
			return err
		}
	}
	for i, cmd := range doc.Tail {
		if err := writeRecord(bw, cmd, uint16(i+1)); err != nil {
			return err
		}
	}
	return errors.Wrap(bw.Flush(), "write mission file")
}

func parseRecord(line string) (missions.Command, error) {
	fields := strings.Fields(line)
	if len(fields) != fieldsPerRecord {
		return missions.Command{}, errors.Errorf("%d fields, want %d", len(fields), fieldsPerRecord)
	}

	seq, err := parseUint(fields[0], 16, "seq")
	if err != nil {
		return missions.Command{}, err
	}
	current, err := parseUint(fields[1], 8, "current")
	if err != nil {
		return missions.Command{}, err
	}
	frame, err := parseUint(fields[2], 8, "frame")
	if err != nil {
		return missions.Command{}, err
	}
	command, err := parseUint(fields[3], 16, "command")
	if err != nil {
		return missions.Command{}, err
	}
	autocontinue, err := parseUint(fields[11], 8, "autocontinue")
	if err != nil {
		return missions.Command{}, err
	}

	var params [7]float64
	names := [7]string{"param1", "param2", "param3", "param4", "x", "y", "z"}
	for i := 0; i < 7; i++ {
		v, err := strconv.ParseFloat(fields[4+i], 64)
		if err != nil {
			return missions.Command{}, errors.Errorf("%s: not a number: %q", names[i], fields[4+i])
		}
		params[i] = v
	}

	return missions.Command{
		Seq:          uint16(seq),
		Current:      uint8(current),
		Frame:        wire.Frame(frame),
		Cmd:          wire.Cmd(command),
		Param1:       params[0],
		Param2:       params[1],
		Param3:       params[2],
		Param4:       params[3],
		X:            params[4],
		Y:            params[5],
		Z:            params[6],
		Autocontinue: uint8(autocontinue),
	}, nil
}

func parseUint(s string, bits int, name string) (uint64, error) {
	v, err := strconv.ParseUint(s, 10, bits)
	if err != nil {
		return 0, errors.Errorf("%s: not a number: %q", name, s)
	}
	return v, nil
}

func writeRecord(w io.Writer, cmd missions.Command, seq uint16) error {
	_, err := fmt.Fprintf(w, "%d\t%d\t%d\t%d\t%f\t%f\t%f\t%f\t%f\t%f\t%f\t%d\n",
		seq, cmd.Current, cmd.Frame, cmd.Cmd,
		cmd.Param1, cmd.Param2, cmd.Param3, cmd.Param4,
		cmd.X, cmd.Y, cmd.Z, cmd.Autocontinue)
	return errors.Wrap(err, "write mission record")
}
