package frame

import (
	"encoding/binary"
	"errors"
	"math/rand"
	"testing"

	"github.com/caprev/sensorlink/internal/wire"
)

func mustEncode(t *testing.T, m wire.Message) []byte {
	t.Helper()
	buf, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode(%v): %v", m, err)
	}
	return buf
}

func TestFeedSingleChunk(t *testing.T) {
	var r Reassembler
	sent := wire.Message{Type: wire.TypeSensorData, Value: 55.5}

	var got []wire.Message
	err := r.Feed(mustEncode(t, sent), func(payload []byte) error {
		m, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		got = append(got, m)
		return nil
	})
	if err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if len(got) != 1 || got[0] != sent {
		t.Errorf("got %v, want exactly [%v]", got, sent)
	}
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after complete frame, want 0", r.Pending())
	}
}

func TestFeedByteAtATime(t *testing.T) {
	var r Reassembler
	sent := wire.Message{Type: wire.TypePinRequest, Pin: "1234"}
	stream := mustEncode(t, sent)

	var got []wire.Message
	emit := func(payload []byte) error {
		m, err := wire.Decode(payload)
		if err != nil {
			return err
		}
		got = append(got, m)
		return nil
	}
	for i := range stream {
		if err := r.Feed(stream[i:i+1], emit); err != nil {
			t.Fatalf("Feed byte %d: %v", i, err)
		}
		if i < len(stream)-1 && len(got) != 0 {
			t.Fatalf("frame emitted after %d of %d bytes", i+1, len(stream))
		}
	}
	if len(got) != 1 || got[0] != sent {
		t.Errorf("got %v, want exactly [%v]", got, sent)
	}
}

func TestFeedRandomSplits(t *testing.T) {
	sent := []wire.Message{
		{Type: wire.TypeConnect},
		{Type: wire.TypePinResponse, Value: 1},
		{Type: wire.TypeSensorData, Value: 12.25},
		{Type: wire.TypeErrorState, Error: "oops"},
		{Type: wire.TypeSensorData, Value: 99},
	}
	var stream []byte
	for _, m := range sent {
		stream = append(stream, mustEncode(t, m)...)
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		var r Reassembler
		var got []wire.Message
		emit := func(payload []byte) error {
			m, err := wire.Decode(payload)
			if err != nil {
				return err
			}
			got = append(got, m)
			return nil
		}

		for off := 0; off < len(stream); {
			n := 1 + rng.Intn(len(stream)-off)
			if err := r.Feed(stream[off:off+n], emit); err != nil {
				t.Fatalf("trial %d: Feed: %v", trial, err)
			}
			off += n
		}

		if len(got) != len(sent) {
			t.Fatalf("trial %d: %d messages decoded, want %d", trial, len(got), len(sent))
		}
		for i := range sent {
			if got[i] != sent[i] {
				t.Errorf("trial %d: message %d = %v, want %v", trial, i, got[i], sent[i])
			}
		}
		if r.Pending() != 0 {
			t.Errorf("trial %d: %d bytes left over", trial, r.Pending())
		}
	}
}

func TestFeedCoalescedFrames(t *testing.T) {
	// Two complete frames plus the start of a third, in one chunk.
	a := mustEncode(t, wire.Message{Type: wire.TypeSensorData, Value: 1})
	b := mustEncode(t, wire.Message{Type: wire.TypeSensorData, Value: 2})
	c := mustEncode(t, wire.Message{Type: wire.TypeSensorData, Value: 3})

	chunk := append(append(append([]byte{}, a...), b...), c[:3]...)

	var r Reassembler
	count := 0
	if err := r.Feed(chunk, func([]byte) error { count++; return nil }); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if count != 2 {
		t.Errorf("emitted %d frames, want 2", count)
	}
	if r.Pending() != 3 {
		t.Errorf("Pending() = %d, want 3", r.Pending())
	}
}

func TestFeedOversizedFrame(t *testing.T) {
	hdr := make([]byte, HeaderLen)
	binary.LittleEndian.PutUint32(hdr, wire.MaxMessageSize+1)

	var r Reassembler
	err := r.Feed(hdr, func([]byte) error {
		t.Fatal("emit called for oversized frame")
		return nil
	})
	if !errors.Is(err, ErrOversizedFrame) {
		t.Errorf("got %v, want ErrOversizedFrame", err)
	}
}

func TestFeedEmitError(t *testing.T) {
	sentinel := errors.New("stop")
	var r Reassembler
	err := r.Feed(mustEncode(t, wire.Message{Type: wire.TypeConnect}), func([]byte) error {
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("got %v, want emit error propagated", err)
	}
}

func TestReset(t *testing.T) {
	var r Reassembler
	if err := r.Feed([]byte{9, 0, 0, 0, 1}, func([]byte) error { return nil }); err != nil {
		t.Fatalf("Feed: %v", err)
	}
	if r.Pending() == 0 {
		t.Fatal("expected pending bytes before Reset")
	}
	r.Reset()
	if r.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", r.Pending())
	}
}

func TestEncodeProducesSizePrefix(t *testing.T) {
	m := wire.Message{Type: wire.TypePinRequest, Pin: "77"}
	framed := mustEncode(t, m)

	payloadLen := binary.LittleEndian.Uint32(framed[:HeaderLen])
	if int(payloadLen) != len(framed)-HeaderLen {
		t.Fatalf("prefix declares %d bytes, frame carries %d", payloadLen, len(framed)-HeaderLen)
	}
	got, err := wire.Decode(framed[HeaderLen:])
	if err != nil {
		t.Fatalf("Decode payload: %v", err)
	}
	if got != m {
		t.Errorf("got %v, want %v", got, m)
	}
}
