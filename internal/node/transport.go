package node

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/libp2p/go-libp2p/core/network"

	"github.com/pivaldi/peermux/internal/wire"
)

var errStreamClosed = errors.New("stream closed")

// streamTransport carries frames over one libp2p stream. Writes are
// serialized; reads belong to the node's read loop.
type streamTransport struct {
	stream network.Stream

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newStreamTransport(s network.Stream) *streamTransport {
	return &streamTransport{stream: s}
}

func (t *streamTransport) Send(typ wire.FrameType, payload []byte) error {
	if t.closed.Load() {
		return errStreamClosed
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return wire.WriteFrame(t.stream, typ, payload)
}

// Close says goodbye and closes the stream. Only the first call does
// anything.
func (t *streamTransport) Close(code int, reason string) error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.writeMu.Lock()
	sayGoodbye(t.stream, code, reason)
	t.writeMu.Unlock()
	return t.stream.Close()
}

// shutdown marks the transport closed without a goodbye, after the peer
// went away.
func (t *streamTransport) shutdown() {
	if t.closed.CompareAndSwap(false, true) {
		_ = t.stream.Reset()
	}
}

func (t *streamTransport) IsOpen() bool { return !t.closed.Load() }
