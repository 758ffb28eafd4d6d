// Package wire implements the sensor link message codec: a fixed binary
// layout shared with the simulation process.
//
// All multi-byte fields (the float payload and, at the framing layer, the
// size prefix) are little-endian on the wire regardless of host order.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

const (
	// Version is the protocol version written as the first byte of every
	// message. A mismatch is a hard incompatibility; there is no
	// negotiation.
	Version = 1

	// MaxMessageSize bounds a single encoded message. Encoders refuse to
	// build anything larger; decoders refuse frames that declare more.
	MaxMessageSize = 1024

	// MaxFieldLen is the largest pin or error string that fits the
	// single-byte length prefix.
	MaxFieldLen = 255

	// minMessageSize is version + type + pin length, the smallest prefix
	// the decoder will look at.
	minMessageSize = 3
)

var (
	ErrTruncated       = errors.New("wire: message truncated")
	ErrVersionMismatch = errors.New("wire: protocol version mismatch")
	ErrUnknownType     = errors.New("wire: unknown message type")
	ErrFieldTooLong    = errors.New("wire: field exceeds 255 bytes")
	ErrOversized       = errors.New("wire: message exceeds maximum size")
)

// MsgType identifies one of the five message variants.
type MsgType uint8

const (
	TypeConnect     MsgType = iota // initial handshake request
	TypePinRequest                 // operator requests access to a sensor
	TypePinResponse                // simulation confirms or rejects
	TypeSensorData                 // one sensor reading
	TypeErrorState                 // error condition on the remote side
)

func (t MsgType) String() string {
	switch t {
	case TypeConnect:
		return "connect"
	case TypePinRequest:
		return "pin_request"
	case TypePinResponse:
		return "pin_response"
	case TypeSensorData:
		return "sensor_data"
	case TypeErrorState:
		return "error_state"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Message is the tagged union carried by every frame. Pin is empty for
// variants without one; Error is meaningful only for TypeErrorState.
type Message struct {
	Type  MsgType
	Pin   string
	Value float32
	Error string
}

// EncodedLen returns the exact wire footprint of m.
func (m Message) EncodedLen() int {
	n := minMessageSize + len(m.Pin) + 4
	if m.Type == TypeErrorState {
		n += 1 + len(m.Error)
	}
	return n
}

// Encode serialises m into its wire layout:
//
//	version:u8 type:u8 pinLen:u8 pin:byte[pinLen] value:f32le [errLen:u8 error:byte[errLen]]
//
// Over-long fields are rejected before any bytes are produced.
func Encode(m Message) ([]byte, error) {
	if m.Type > TypeErrorState {
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, uint8(m.Type))
	}
	if len(m.Pin) > MaxFieldLen {
		return nil, fmt.Errorf("%w: pin is %d bytes", ErrFieldTooLong, len(m.Pin))
	}
	if m.Type == TypeErrorState && len(m.Error) > MaxFieldLen {
		return nil, fmt.Errorf("%w: error is %d bytes", ErrFieldTooLong, len(m.Error))
	}
	size := m.EncodedLen()
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrOversized, size)
	}

	buf := make([]byte, 0, size)
	buf = append(buf, Version, byte(m.Type), byte(len(m.Pin)))
	buf = append(buf, m.Pin...)

	var v [4]byte
	binary.LittleEndian.PutUint32(v[:], math.Float32bits(m.Value))
	buf = append(buf, v[:]...)

	if m.Type == TypeErrorState {
		buf = append(buf, byte(len(m.Error)))
		buf = append(buf, m.Error...)
	}
	return buf, nil
}

// Decode parses exactly one message from the front of data. Trailing bytes
// beyond the message's footprint are ignored; the framing layer is expected
// to hand in one frame's payload at a time.
func Decode(data []byte) (Message, error) {
	if len(data) < minMessageSize {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(data))
	}
	if data[0] != Version {
		return Message{}, fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, data[0], Version)
	}

	m := Message{Type: MsgType(data[1])}
	if m.Type > TypeErrorState {
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, data[1])
	}

	offset := 2
	pinLen := int(data[offset])
	offset++
	if offset+pinLen > len(data) {
		return Message{}, fmt.Errorf("%w: pin declares %d bytes", ErrTruncated, pinLen)
	}
	m.Pin = string(data[offset : offset+pinLen])
	offset += pinLen

	if offset+4 > len(data) {
		return Message{}, fmt.Errorf("%w: short value", ErrTruncated)
	}
	m.Value = math.Float32frombits(binary.LittleEndian.Uint32(data[offset : offset+4]))
	offset += 4

	// The error tail is present exactly when the variant is error_state.
	if m.Type == TypeErrorState {
		if offset >= len(data) {
			return Message{}, fmt.Errorf("%w: missing error tail", ErrTruncated)
		}
		errLen := int(data[offset])
		offset++
		if offset+errLen > len(data) {
			return Message{}, fmt.Errorf("%w: error declares %d bytes", ErrTruncated, errLen)
		}
		m.Error = string(data[offset : offset+errLen])
	}
	return m, nil
}
