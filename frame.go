package nsq

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the payload of a framed message, per spec.md §4.1.
type FrameType int32

const (
	FrameTypeResponse FrameType = 0
	FrameTypeError    FrameType = 1
	FrameTypeMessage  FrameType = 2
)

// magicV2 is written once, immediately after a successful TCP dial, before
// any framing begins (spec.md §4.1/§6). Kept as the teacher's conn.go names
// it (MagicV2).
var magicV2 = []byte("  V2")

// maxFrameSize bounds the total-size field of an incoming frame; reads that
// claim a larger payload fail with ErrIO rather than allocating unbounded
// memory for a corrupt or hostile peer.
const maxFrameSize = 128 * 1024 * 1024

// writeMagic sends the V2 magic identifier to start the framed protocol.
func writeMagic(w io.Writer) error {
	_, err := w.Write(magicV2)
	if err != nil {
		return ErrIO{Op: "write magic", Err: err}
	}
	return nil
}

// readFrame performs one blocking read of a length-prefixed, typed frame:
// [4-byte be total-size][4-byte be frame-type][payload], where total-size
// includes the frame-type field (spec.md §4.1).
func readFrame(r io.Reader) (FrameType, []byte, error) {
	var header [8]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return 0, nil, ErrIO{Op: "read frame header", Err: err}
	}

	size := binary.BigEndian.Uint32(header[:4])
	if size < 4 {
		return 0, nil, ErrIO{Op: "read frame header", Err: fmt.Errorf("frame size %d smaller than type field", size)}
	}
	if size > maxFrameSize {
		return 0, nil, ErrIO{Op: "read frame header", Err: fmt.Errorf("frame size %d exceeds maximum %d", size, maxFrameSize)}
	}

	frameType := FrameType(binary.BigEndian.Uint32(header[4:8]))

	payloadLen := size - 4
	payload := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return 0, nil, ErrIO{Op: "read frame payload", Err: err}
		}
	}

	return frameType, payload, nil
}

// writeFrame writes one length-prefixed, typed frame.
func writeFrame(w io.Writer, frameType FrameType, payload []byte) error {
	var header [8]byte
	binary.BigEndian.PutUint32(header[:4], uint32(len(payload)+4))
	binary.BigEndian.PutUint32(header[4:8], uint32(frameType))

	if _, err := w.Write(header[:]); err != nil {
		return ErrIO{Op: "write frame header", Err: err}
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return ErrIO{Op: "write frame payload", Err: err}
		}
	}
	return nil
}
