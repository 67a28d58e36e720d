package node

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/pivaldi/peermux/internal/wire"
)

// pipe reads the peer's frames from Reader and records ours in out.
type pipe struct {
	io.Reader
	out bytes.Buffer
}

func (p *pipe) Write(b []byte) (int, error) { return p.out.Write(b) }

func helloFrom(t *testing.T, h wire.Hello) *bytes.Buffer {
	t.Helper()
	payload, err := wire.Encode(h)
	if err != nil {
		t.Fatalf("encode hello: %v", err)
	}
	var buf bytes.Buffer
	if err := wire.WriteFrame(&buf, wire.FrameHello, payload); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return &buf
}

func nextFrame(t *testing.T, r io.Reader) (wire.FrameType, []byte) {
	t.Helper()
	typ, payload, err := wire.ReadFrame(r)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return typ, payload
}

func TestExchangeHello(t *testing.T) {
	ours := wire.Hello{Version: wire.Version, Alt: wire.Alt, Role: "client", Agent: "test"}
	rw := &pipe{Reader: helloFrom(t, wire.Hello{Version: wire.Version, Alt: wire.Alt, Role: "server"})}

	theirs, err := exchangeHello(rw, ours)
	if err != nil {
		t.Fatalf("exchangeHello failed: %v", err)
	}
	if theirs.Role != "server" {
		t.Fatalf("unexpected peer hello %+v", theirs)
	}

	typ, payload := nextFrame(t, &rw.out)
	if typ != wire.FrameHello {
		t.Fatalf("expected hello frame, got %s", typ)
	}
	var sent wire.Hello
	if err := wire.Decode(payload, &sent); err != nil {
		t.Fatalf("decode sent hello: %v", err)
	}
	if sent != ours {
		t.Fatalf("sent %+v, want %+v", sent, ours)
	}
}

func TestExchangeHelloRejectsOtherAlt(t *testing.T) {
	ours := wire.Hello{Version: wire.Version, Alt: wire.Alt, Role: "client"}
	rw := &pipe{Reader: helloFrom(t, wire.Hello{Version: wire.Version, Alt: "2", Role: "server"})}

	_, err := exchangeHello(rw, ours)
	if !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expected ErrIncompatible, got %v", err)
	}

	nextFrame(t, &rw.out) // our hello
	typ, payload := nextFrame(t, &rw.out)
	if typ != wire.FrameGoodbye {
		t.Fatalf("expected goodbye frame, got %s", typ)
	}
	var bye wire.Goodbye
	if err := wire.Decode(payload, &bye); err != nil {
		t.Fatalf("decode goodbye: %v", err)
	}
	if bye.Code != CloseIncompatible || bye.Reason != IncompatibleAlt {
		t.Fatalf("unexpected goodbye %+v", bye)
	}
}

func TestExchangeHelloRejectsOtherFrames(t *testing.T) {
	var in bytes.Buffer
	if err := wire.WriteFrame(&in, wire.FrameRequest, []byte(`{}`)); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	rw := &pipe{Reader: &in}

	if _, err := exchangeHello(rw, wire.Hello{Alt: wire.Alt}); err == nil {
		t.Fatal("expected handshake error")
	}
}

func TestExchangeHelloEOF(t *testing.T) {
	rw := &pipe{Reader: &bytes.Buffer{}}
	if _, err := exchangeHello(rw, wire.Hello{Alt: wire.Alt}); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}
