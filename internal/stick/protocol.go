package stick

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire constants.
const (
	packetHeader = 0xAA

	typeCheck   = 0x4A
	typeInfo    = 0x4E
	typeSend    = 0x4C
	typeConfirm = 0x4B
	typeAck     = 0x4D

	lenConfirm = 0x04
	lenAck     = 0x05

	checkTimeout   = 1000 * time.Millisecond
	defaultTimeout = 4000 * time.Millisecond
)

// MaxChannel is the highest addressable channel id.
const MaxChannel = 15

var (
	// ErrProtocol is the parent of every frame decoding error.
	ErrProtocol = errors.New("stick: protocol error")
	// ErrInvalidChannel is returned for channel ids outside 1..15 or an empty set.
	ErrInvalidChannel = errors.New("stick: invalid channel")
	// ErrInvalidCommand is returned when a command type cannot be sent by a caller.
	ErrInvalidCommand = errors.New("stick: invalid command")
)

// CommandType is a command the engine can send to the stick.
type CommandType int

const (
	CommandNone CommandType = iota
	CommandUp
	CommandIntermediate
	CommandVentilation
	CommandDown
	CommandStop
	CommandInfo
	CommandCheck
)

var commandNames = map[CommandType]string{
	CommandNone:         "NONE",
	CommandUp:           "UP",
	CommandIntermediate: "INTERMEDIATE",
	CommandVentilation:  "VENTILATION",
	CommandDown:         "DOWN",
	CommandStop:         "STOP",
	CommandInfo:         "INFO",
	CommandCheck:        "CHECK",
}

func (c CommandType) String() string {
	if s, ok := commandNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CommandType(%d)", int(c))
}

// ParseCommandType maps a case-insensitive name to a CommandType.
func ParseCommandType(s string) (CommandType, error) {
	want := strings.ToUpper(strings.TrimSpace(s))
	for c, name := range commandNames {
		if c != CommandNone && name == want {
			return c, nil
		}
	}
	return CommandNone, fmt.Errorf("%w: %q", ErrInvalidCommand, s)
}

// commandByte returns the SEND payload byte; ok is false for non-motor commands.
func (c CommandType) commandByte() (byte, bool) {
	switch c {
	case CommandUp:
		return 0x20, true
	case CommandIntermediate:
		return 0x44, true
	case CommandVentilation:
		return 0x24, true
	case CommandDown:
		return 0x40, true
	case CommandStop:
		return 0x10, true
	}
	return 0, false
}

// IsMotion reports whether c moves (or stops) a motor, i.e. is transmitted as SEND.
func (c CommandType) IsMotion() bool {
	_, ok := c.commandByte()
	return ok
}

// ResultStatus is the status a channel ends in after c completes.
// ok is false for commands without a fixed end position.
func (c CommandType) ResultStatus() (ResponseStatus, bool) {
	switch c {
	case CommandUp:
		return StatusTop, true
	case CommandDown:
		return StatusBottom, true
	case CommandIntermediate:
		return StatusIntermediate, true
	case CommandVentilation:
		return StatusVentilation, true
	}
	return StatusNoInformation, false
}

// CommandForPercent returns the command whose end position is percent
// (0 top, 25 intermediate, 75 ventilation, 100 bottom).
func CommandForPercent(percent int) (CommandType, bool) {
	for _, c := range []CommandType{CommandUp, CommandIntermediate, CommandVentilation, CommandDown} {
		st, _ := c.ResultStatus()
		if st.Percentage() == percent {
			return c, true
		}
	}
	return CommandNone, false
}

// Priority orders queued commands; higher is served first.
type Priority int

const (
	PriorityInfo     Priority = 0
	PriorityFastInfo Priority = 10
	PriorityCommand  Priority = 20
	PriorityTimed    Priority = 30
)

func (p Priority) String() string {
	switch p {
	case PriorityInfo:
		return "info"
	case PriorityFastInfo:
		return "fast_info"
	case PriorityCommand:
		return "command"
	case PriorityTimed:
		return "timed"
	}
	return fmt.Sprintf("priority(%d)", int(p))
}

// ResponseStatus is the status byte reported by the stick for a channel.
// Values are the wire codes.
type ResponseStatus byte

const (
	StatusNoInformation      ResponseStatus = 0x00
	StatusTop                ResponseStatus = 0x01
	StatusBottom             ResponseStatus = 0x02
	StatusIntermediate       ResponseStatus = 0x03
	StatusVentilation        ResponseStatus = 0x04
	StatusBlocking           ResponseStatus = 0x05
	StatusOverheated         ResponseStatus = 0x06
	StatusTimeout            ResponseStatus = 0x07
	StatusStartMoveUp        ResponseStatus = 0x08
	StatusStartMoveDown      ResponseStatus = 0x09
	StatusMovingUp           ResponseStatus = 0x0a
	StatusMovingDown         ResponseStatus = 0x0b
	StatusStopped            ResponseStatus = 0x0d
	StatusTopTilt            ResponseStatus = 0x0e
	StatusBottomIntermediate ResponseStatus = 0x0f
	StatusSwitchedOff        ResponseStatus = 0x10
	StatusSwitchedOn         ResponseStatus = 0x11
)

var statusNames = map[ResponseStatus]string{
	StatusNoInformation:      "NO_INFORMATION",
	StatusTop:                "TOP",
	StatusBottom:             "BOTTOM",
	StatusIntermediate:       "INTERMEDIATE",
	StatusVentilation:        "VENTILATION",
	StatusBlocking:           "BLOCKING",
	StatusOverheated:         "OVERHEATED",
	StatusTimeout:            "TIMEOUT",
	StatusStartMoveUp:        "START_MOVE_UP",
	StatusStartMoveDown:      "START_MOVE_DOWN",
	StatusMovingUp:           "MOVING_UP",
	StatusMovingDown:         "MOVING_DOWN",
	StatusStopped:            "STOPPED",
	StatusTopTilt:            "TOP_TILT",
	StatusBottomIntermediate: "BOTTOM_INTERMEDIATE",
	StatusSwitchedOff:        "SWITCHED_OFF",
	StatusSwitchedOn:         "SWITCHED_ON",
}

func (s ResponseStatus) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("ResponseStatus(0x%02x)", byte(s))
}

// ParseResponseStatus maps a status name back to its value.
func ParseResponseStatus(name string) (ResponseStatus, error) {
	want := strings.ToUpper(strings.TrimSpace(name))
	for s, n := range statusNames {
		if n == want {
			return s, nil
		}
	}
	return StatusNoInformation, fmt.Errorf("stick: unknown status %q", name)
}

// statusFromCode decodes a wire status byte. 0x0c is not a defined code but
// the stick firmware reports it during downward travel; it is read as MOVING_DOWN.
func statusFromCode(b byte) (ResponseStatus, error) {
	switch {
	case b == 0x0c:
		return StatusMovingDown, nil
	case b > byte(StatusSwitchedOn):
		return StatusNoInformation, fmt.Errorf("%w: unknown status code 0x%02x", ErrProtocol, b)
	}
	return ResponseStatus(b), nil
}

// Percentage maps a stop position to a closure percentage. It returns -1 for
// NO_INFORMATION and 50 for every status that is not a stop position.
func (s ResponseStatus) Percentage() int {
	switch s {
	case StatusNoInformation:
		return -1
	case StatusTop:
		return 0
	case StatusBottom:
		return 100
	case StatusIntermediate:
		return 25
	case StatusVentilation:
		return 75
	}
	return 50
}

// IsMoving reports whether the motor is in travel.
func (s ResponseStatus) IsMoving() bool {
	switch s {
	case StatusStartMoveUp, StatusStartMoveDown, StatusMovingUp, StatusMovingDown:
		return true
	}
	return false
}

// ChannelSet is the 16-bit channel mask sent on the wire. Bit id-1 is channel id.
type ChannelSet uint16

const channelMask ChannelSet = 0x7FFF

// NewChannelSet builds a set from channel ids, validating each is in 1..15.
func NewChannelSet(ids ...int) (ChannelSet, error) {
	if len(ids) == 0 {
		return 0, fmt.Errorf("%w: no channels given", ErrInvalidChannel)
	}
	var cs ChannelSet
	for _, id := range ids {
		if id < 1 || id > MaxChannel {
			return 0, fmt.Errorf("%w: %d", ErrInvalidChannel, id)
		}
		cs |= 1 << (id - 1)
	}
	return cs, nil
}

// channelSetFromBytes decodes the high/low byte pair; channel 16 is ignored.
func channelSetFromBytes(hi, lo byte) ChannelSet {
	return ChannelSet(uint16(hi)<<8|uint16(lo)) & channelMask
}

func (cs ChannelSet) bytes() (hi, lo byte) {
	v := uint16(cs & channelMask)
	return byte(v >> 8), byte(v)
}

// IDs returns the channel ids in ascending order.
func (cs ChannelSet) IDs() []int {
	var ids []int
	for id := 1; id <= MaxChannel; id++ {
		if cs.Has(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Has reports whether channel id is in the set.
func (cs ChannelSet) Has(id int) bool {
	if id < 1 || id > MaxChannel {
		return false
	}
	return cs&(1<<(id-1)) != 0
}

// Len returns the number of channels in the set.
func (cs ChannelSet) Len() int {
	n := 0
	for v := cs & channelMask; v != 0; v &= v - 1 {
		n++
	}
	return n
}

func (cs ChannelSet) String() string {
	ids := cs.IDs()
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Packet is an encoded request ready to write to the stick.
type Packet struct {
	Type     CommandType
	Channels ChannelSet
	Data     []byte
}

// Timeout is how long to wait for the reply to p.
func (p Packet) Timeout() time.Duration {
	if p.Type == CommandCheck {
		return checkTimeout
	}
	return defaultTimeout
}

func (p Packet) String() string {
	return fmt.Sprintf("% X", p.Data)
}

// EncodePacket builds the exact wire bytes for a command. CHECK ignores channels.
// Encoding CommandNone is a programming error and panics.
func EncodePacket(cmd CommandType, channels ChannelSet) Packet {
	var body []byte
	hi, lo := channels.bytes()
	switch {
	case cmd == CommandCheck:
		body = []byte{packetHeader, 0x02, typeCheck}
		channels = 0
	case cmd == CommandInfo:
		body = []byte{packetHeader, 0x04, typeInfo, hi, lo}
	case cmd.IsMotion():
		b, _ := cmd.commandByte()
		body = []byte{packetHeader, 0x05, typeSend, hi, lo, b}
	default:
		panic(fmt.Sprintf("stick: cannot encode %s", cmd))
	}
	return Packet{Type: cmd, Channels: channels, Data: append(body, checksum(body))}
}

// checksum returns the byte that makes the sum of b plus itself 0 mod 256.
func checksum(b []byte) byte {
	var sum byte
	for _, v := range b {
		sum += v
	}
	return -sum
}

// ResponseKind distinguishes the two reply frames.
type ResponseKind int

const (
	ResponseConfirm ResponseKind = iota
	ResponseAck
)

func (k ResponseKind) String() string {
	if k == ResponseAck {
		return "ack"
	}
	return "confirm"
}

// Response is a decoded reply frame.
type Response struct {
	Kind     ResponseKind
	Channels ChannelSet
	// Status is only meaningful when HasStatus is true.
	Status ResponseStatus
}

// HasStatus reports whether the response carries a status byte.
func (r *Response) HasStatus() bool {
	return r.Kind == ResponseAck
}

// ChannelIDs returns the decoded channel ids in ascending order.
func (r *Response) ChannelIDs() []int {
	return r.Channels.IDs()
}

func (r *Response) String() string {
	if r.HasStatus() {
		return fmt.Sprintf("ack %s %s", r.Channels, r.Status)
	}
	return fmt.Sprintf("confirm %s", r.Channels)
}

// DecodeFrame decodes one complete frame (header through checksum).
func DecodeFrame(frame []byte) (*Response, error) {
	if len(frame) < 3 || frame[0] != packetHeader {
		return nil, fmt.Errorf("%w: bad header", ErrProtocol)
	}
	if int(frame[1])+2 != len(frame) {
		return nil, fmt.Errorf("%w: length byte %d does not match frame of %d bytes", ErrProtocol, frame[1], len(frame))
	}
	var sum byte
	for _, b := range frame {
		sum += b
	}
	if sum != 0 {
		return nil, fmt.Errorf("%w: checksum mismatch in % X", ErrProtocol, frame)
	}
	switch {
	case frame[2] == typeConfirm && frame[1] == lenConfirm:
		return &Response{
			Kind:     ResponseConfirm,
			Channels: channelSetFromBytes(frame[3], frame[4]),
		}, nil
	case frame[2] == typeAck && frame[1] == lenAck:
		st, err := statusFromCode(frame[5])
		if err != nil {
			return nil, err
		}
		return &Response{
			Kind:     ResponseAck,
			Channels: channelSetFromBytes(frame[3], frame[4]),
			Status:   st,
		}, nil
	}
	return nil, fmt.Errorf("%w: unexpected type 0x%02X with length %d", ErrProtocol, frame[2], frame[1])
}
