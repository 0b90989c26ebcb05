// Package quicbus carries bus messages between processes through a central
// QUIC hub. Every participant opens one bidirectional stream to the hub,
// names its channel in a hello frame, and then exchanges length-prefixed
// JSON frames; the hub fans each frame out to the other streams on the same
// channel.
package quicbus

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrameBytes caps a single frame.
const DefaultMaxFrameBytes = 1 << 20

var errFrameTooLarge = errors.New("frame exceeds size limit")

// writeFrame writes a 4-byte big-endian length prefix followed by payload.
func writeFrame(w io.Writer, payload []byte) error {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(payload)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame, rejecting frames over max.
func readFrame(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return nil, nil
	}
	if int(n) > max {
		return nil, fmt.Errorf("%w: %d > %d", errFrameTooLarge, n, max)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// hello is the first frame on every stream; it names the channel the
// participant joins.
type hello struct {
	Channel string `json:"channel"`
}

func unmarshalHello(payload []byte, hi *hello) error {
	if err := json.Unmarshal(payload, hi); err != nil {
		return fmt.Errorf("malformed hello frame: %w", err)
	}
	if hi.Channel == "" {
		return errors.New("hello frame names no channel")
	}
	return nil
}
