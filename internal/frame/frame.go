// Package frame bridges an unbounded, chunked byte stream to whole-frame
// semantics. A frame is a 4-byte little-endian size prefix followed by
// exactly that many payload bytes holding one encoded wire message.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/caprev/sensorlink/internal/wire"
)

// HeaderLen is the size of the frame length prefix.
const HeaderLen = 4

// ErrOversizedFrame is returned when a frame declares more payload than the
// protocol's maximum message size. It is fatal for the connection, not
// retryable.
var ErrOversizedFrame = errors.New("frame: declared size exceeds maximum message size")

// Reassembler accumulates stream chunks and cuts them into complete frames.
// One Reassembler belongs to exactly one transport; it never mixes bytes
// from different connections. The zero value is ready to use.
type Reassembler struct {
	buf []byte
}

// Feed appends chunk to the internal buffer and invokes emit once per
// complete frame now available, in arrival order, passing the payload with
// the size prefix stripped. Partial frames stay buffered until more data
// arrives. A non-nil error from emit stops processing and is returned.
func (r *Reassembler) Feed(chunk []byte, emit func(payload []byte) error) error {
	r.buf = append(r.buf, chunk...)
	for len(r.buf) >= HeaderLen {
		size := binary.LittleEndian.Uint32(r.buf)
		if size > wire.MaxMessageSize {
			return fmt.Errorf("%w: %d bytes", ErrOversizedFrame, size)
		}
		total := HeaderLen + int(size)
		if len(r.buf) < total {
			return nil // wait for more data
		}
		payload := make([]byte, size)
		copy(payload, r.buf[HeaderLen:total])
		r.buf = append(r.buf[:0], r.buf[total:]...)
		if err := emit(payload); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports how many bytes are buffered awaiting frame completion.
func (r *Reassembler) Pending() int {
	return len(r.buf)
}

// Reset discards any partially accumulated frame.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// Append appends payload to dst as one frame, prefix included, and returns
// the extended slice.
func Append(dst, payload []byte) []byte {
	var hdr [HeaderLen]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// Encode serialises m and wraps it in a frame ready to write to a transport.
func Encode(m wire.Message) ([]byte, error) {
	payload, err := wire.Encode(m)
	if err != nil {
		return nil, err
	}
	return Append(make([]byte, 0, HeaderLen+len(payload)), payload), nil
}
