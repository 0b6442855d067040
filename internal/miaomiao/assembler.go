package miaomiao

import (
	"errors"
	"fmt"
)

// EventKind identifies what the assembler recognised in the byte stream
type EventKind int

const (
	EventFrame EventKind = iota
	EventBadFrame
	EventNewSensor
	EventNoSensor
	EventFrequencyAck
	EventUnknownControl
)

func (k EventKind) String() string {
	switch k {
	case EventFrame:
		return "frame"
	case EventBadFrame:
		return "bad_frame"
	case EventNewSensor:
		return "new_sensor"
	case EventNoSensor:
		return "no_sensor"
	case EventFrequencyAck:
		return "frequency_ack"
	case EventUnknownControl:
		return "unknown_control"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ErrBadFrame is reported for frames with an impossible length or a missing end marker
var ErrBadFrame = errors.New("bad frame")

// FrameEvent is a complete frame or a control byte seen between frames
type FrameEvent struct {
	Kind    EventKind
	Frame   []byte // EventFrame, and the discarded bytes of EventBadFrame
	Control byte   // EventUnknownControl
	Success bool   // EventFrequencyAck
	Err     error  // EventBadFrame
}

const (
	stateIdle = iota
	stateLength
	stateBody
	stateAck
	stateResync
)

// Assembler rebuilds frames from arbitrarily chunked transmitter bytes.
// After a bad frame or a stray byte it drops everything up to the next start
// marker, so one run of garbage yields a single bad frame or unknown control event.
// It is not safe for concurrent use.
type Assembler struct {
	state    int
	buffer   []byte
	declared int

	// set from the first failure until a frame completes
	resyncing bool
}

// NewAssembler creates an assembler waiting for the next frame
func NewAssembler() *Assembler {
	return &Assembler{
		state:  stateIdle,
		buffer: make([]byte, 0, MaxPacketLength),
	}
}

// Reset drops any partially assembled frame and leaves resync mode
func (a *Assembler) Reset() {
	a.state = stateIdle
	a.buffer = a.buffer[:0]
	a.declared = 0
	a.resyncing = false
}

// Buffered returns the number of bytes of the frame in progress
func (a *Assembler) Buffered() int {
	return len(a.buffer)
}

// Resyncing reports whether bytes are being dropped until the next frame start
func (a *Assembler) Resyncing() bool {
	return a.resyncing
}

// Feed consumes a chunk and returns every event it completes, in stream order.
// Events depend only on the byte sequence, never on how it was chunked.
func (a *Assembler) Feed(chunk []byte) []FrameEvent {
	var events []FrameEvent
	for _, b := range chunk {
		events = a.feedByte(b, events)
	}
	return events
}

func (a *Assembler) feedByte(b byte, events []FrameEvent) []FrameEvent {
	switch a.state {
	case stateIdle:
		switch b {
		case StartPacket:
			a.begin()
		case NewSensor:
			return append(events, FrameEvent{Kind: EventNewSensor, Control: b})
		case NoSensor:
			return append(events, FrameEvent{Kind: EventNoSensor, Control: b})
		case FrequencyAck:
			a.state = stateAck
		default:
			a.state = stateResync
			a.resyncing = true
			return append(events, FrameEvent{Kind: EventUnknownControl, Control: b})
		}

	case stateResync:
		if b == StartPacket {
			a.begin()
		}

	case stateAck:
		a.state = stateIdle
		return append(events, FrameEvent{Kind: EventFrequencyAck, Control: FrequencyAck, Success: b == 0x01})

	case stateLength:
		a.buffer = append(a.buffer, b)
		if len(a.buffer) < headerLength {
			break
		}
		a.declared = int(a.buffer[1])<<8 | int(a.buffer[2])
		if a.declared < MinPacketLength || a.declared > MaxPacketLength {
			return a.fail(fmt.Errorf("%w: declared length %d outside [%d,%d]",
				ErrBadFrame, a.declared, MinPacketLength, MaxPacketLength), events)
		}
		a.state = stateBody

	case stateBody:
		a.buffer = append(a.buffer, b)
		if len(a.buffer) < a.declared {
			break
		}
		if b != EndPacket {
			return a.fail(fmt.Errorf("%w: byte 0x%02X at end of %d byte frame", ErrBadFrame, b, a.declared), events)
		}
		frame := make([]byte, len(a.buffer))
		copy(frame, a.buffer)
		a.Reset()
		return append(events, FrameEvent{Kind: EventFrame, Frame: frame})

	default:
		a.Reset()
	}
	return events
}

func (a *Assembler) begin() {
	a.buffer = append(a.buffer[:0], StartPacket)
	a.declared = 0
	a.state = stateLength
}

// fail drops the frame in progress and rescans its bytes after the start marker,
// since a real frame may begin inside them. Only the first failure of a run is reported.
func (a *Assembler) fail(err error, events []FrameEvent) []FrameEvent {
	dropped := make([]byte, len(a.buffer))
	copy(dropped, a.buffer)
	quiet := a.resyncing

	a.Reset()
	a.state = stateResync
	a.resyncing = true
	if !quiet {
		events = append(events, FrameEvent{Kind: EventBadFrame, Frame: dropped, Err: err})
	}
	for _, b := range dropped[1:] {
		events = a.feedByte(b, events)
	}
	return events
}
