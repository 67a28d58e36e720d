package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// FrameType identifies the kind of payload carried by a frame.
type FrameType byte

const (
	FrameHello      FrameType = 1
	FrameRequest    FrameType = 2
	FrameResponse   FrameType = 3
	FrameJustSaying FrameType = 4
	FrameGoodbye    FrameType = 5
)

// MaxFrameSize bounds a single frame (type byte + payload).
const MaxFrameSize = 16 << 20

func (t FrameType) String() string {
	switch t {
	case FrameHello:
		return "hello"
	case FrameRequest:
		return "request"
	case FrameResponse:
		return "response"
	case FrameJustSaying:
		return "justsaying"
	case FrameGoodbye:
		return "goodbye"
	}
	return fmt.Sprintf("frame(%d)", byte(t))
}

// WriteFrame writes a typed frame: u32(len(type+payload)) || type(1) || payload
func WriteFrame(w io.Writer, typ FrameType, payload []byte) error {
	if 1+len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	buf := make([]byte, 5+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(payload)))
	buf[4] = byte(typ)
	copy(buf[5:], payload)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads a typed frame from the stream.
func ReadFrame(r io.Reader) (FrameType, []byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n < 1 {
		return 0, nil, fmt.Errorf("bad frame length")
	}
	if n > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", n)
	}
	var typ [1]byte
	if _, err := io.ReadFull(r, typ[:]); err != nil {
		return 0, nil, err
	}
	payload := make([]byte, n-1)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return FrameType(typ[0]), payload, nil
}
