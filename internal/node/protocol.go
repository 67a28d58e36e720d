package node

import (
	"errors"
	"fmt"
	"io"

	"github.com/libp2p/go-libp2p/core/protocol"

	"github.com/pivaldi/peermux/internal/wire"
)

// ProtocolID of the request stream between two peers.
const ProtocolID protocol.ID = "/peermux/req/1.0.0"

// Close codes sent in goodbye frames.
const (
	CloseNormal         = 1000
	CloseGoingAway      = 1001
	CloseIncompatible   = 1002
	CloseProtocolError  = 1003
	IncompatibleAlt     = "incompatible alt"
	UnexpectedHandshake = "expected hello"
)

// ErrIncompatible is returned by the handshake when the peer speaks
// another network's protocol.
var ErrIncompatible = errors.New("incompatible peer")

// exchangeHello sends ours and reads the peer's hello on rw. On an alt
// mismatch a goodbye is sent before returning ErrIncompatible.
func exchangeHello(rw io.ReadWriter, ours wire.Hello) (wire.Hello, error) {
	payload, err := wire.Encode(ours)
	if err != nil {
		return wire.Hello{}, fmt.Errorf("encode hello: %w", err)
	}
	if err := wire.WriteFrame(rw, wire.FrameHello, payload); err != nil {
		return wire.Hello{}, fmt.Errorf("send hello: %w", err)
	}

	typ, payload, err := wire.ReadFrame(rw)
	if err != nil {
		return wire.Hello{}, fmt.Errorf("read hello: %w", err)
	}
	if typ != wire.FrameHello {
		sayGoodbye(rw, CloseProtocolError, UnexpectedHandshake)
		return wire.Hello{}, fmt.Errorf("unexpected %s frame during handshake", typ)
	}

	var theirs wire.Hello
	if err := wire.Decode(payload, &theirs); err != nil {
		return wire.Hello{}, fmt.Errorf("decode hello: %w", err)
	}
	if theirs.Alt != ours.Alt {
		sayGoodbye(rw, CloseIncompatible, IncompatibleAlt)
		return theirs, fmt.Errorf("%w: alt %q, want %q", ErrIncompatible, theirs.Alt, ours.Alt)
	}
	return theirs, nil
}

func sayGoodbye(w io.Writer, code int, reason string) {
	payload, err := wire.Encode(wire.Goodbye{Code: code, Reason: reason})
	if err != nil {
		return
	}
	_ = wire.WriteFrame(w, wire.FrameGoodbye, payload)
}
