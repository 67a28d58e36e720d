package node

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/libp2p/go-libp2p/core/network"
	"go.uber.org/zap"

	"github.com/pivaldi/peermux/internal/mux"
	"github.com/pivaldi/peermux/internal/wire"
)

// HandshakeTimeout bounds the hello exchange on a new stream.
const HandshakeTimeout = 10 * time.Second

func (n *Node) handleStream(s network.Stream) {
	p, err := n.open(s, false)
	if err != nil {
		n.log.Warn("inbound handshake failed", zap.Stringer("peer", s.Conn().RemotePeer()), zap.Error(err))
		return
	}
	n.serve(p)
}

// open runs the handshake on s and registers the resulting connection.
func (n *Node) open(s network.Stream, outbound bool) (*peerConn, error) {
	_ = s.SetDeadline(time.Now().Add(HandshakeTimeout))
	theirs, err := exchangeHello(s, n.hello)
	if err != nil {
		_ = s.Reset()
		return nil, err
	}
	_ = s.SetDeadline(time.Time{})

	tr := newStreamTransport(s)
	p := &peerConn{
		conn:   mux.NewConn(uuid.NewString(), tr, outbound, n.clock.Now()),
		tr:     tr,
		peerID: s.Conn().RemotePeer(),
		hello:  theirs,
	}
	n.add(p)
	return p, nil
}

// serve reads frames from p until the stream ends.
func (n *Node) serve(p *peerConn) {
	defer n.remove(p)

	for {
		typ, payload, err := wire.ReadFrame(p.tr.stream)
		if err != nil {
			if !errors.Is(err, io.EOF) && p.tr.IsOpen() {
				n.log.Debug("read failed", zap.String("conn", p.conn.ID()), zap.Error(err))
			}
			return
		}
		p.conn.Touch(n.clock.Now())

		if !n.dispatch(p, typ, payload) {
			return
		}
	}
}

// dispatch handles one frame and reports whether to keep reading.
func (n *Node) dispatch(p *peerConn, typ wire.FrameType, payload []byte) bool {
	c := p.conn
	switch typ {
	case wire.FrameRequest:
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			n.log.Warn("bad request frame", zap.String("conn", c.ID()), zap.Error(err))
			return true
		}
		n.handleRequest(c, req)

	case wire.FrameResponse:
		resp, err := wire.DecodeResponse(payload)
		if err != nil {
			n.log.Warn("bad response frame", zap.String("conn", c.ID()), zap.Error(err))
			return true
		}
		n.mux.HandleResponse(c, resp)

	case wire.FrameJustSaying:
		var msg wire.InboundJustSaying
		if err := wire.Decode(payload, &msg); err != nil || msg.Subject == "" {
			n.log.Warn("bad justsaying frame", zap.String("conn", c.ID()), zap.Error(err))
			return true
		}
		n.mu.RLock()
		f := n.subjects[msg.Subject]
		n.mu.RUnlock()
		if f == nil {
			n.log.Debug("no handler for justsaying", zap.String("conn", c.ID()), zap.String("subject", msg.Subject))
			return true
		}
		go f(c, msg)

	case wire.FrameGoodbye:
		var bye wire.Goodbye
		_ = wire.Decode(payload, &bye)
		n.log.Info("peer said goodbye", zap.String("conn", c.ID()), zap.Int("code", bye.Code), zap.String("reason", bye.Reason))
		return false

	default:
		n.log.Debug("ignoring frame", zap.String("conn", c.ID()), zap.Stringer("type", typ))
	}
	return true
}

func (n *Node) handleRequest(c *mux.Conn, req wire.Request) {
	n.mu.RLock()
	pong := n.pong
	h := n.handlers[req.Command]
	n.mu.RUnlock()

	if req.Command == HeartbeatCommand && pong != nil {
		if err := pong.HandlePong(c, req.Tag); err != nil {
			n.log.Debug("heartbeat reply failed", zap.String("conn", c.ID()), zap.Error(err))
		}
		return
	}

	if h == nil {
		n.log.Warn("unknown command", zap.String("conn", c.ID()), zap.String("command", req.Command))
		if err := n.mux.SendErrorResponse(c, req.Tag, wire.ErrUnknownCommand); err != nil {
			n.log.Debug("error response failed", zap.String("conn", c.ID()), zap.Error(err))
		}
		return
	}

	go n.runHandler(n.ctx, c, req, h)
}

func (n *Node) runHandler(ctx context.Context, c *mux.Conn, req wire.Request, h HandlerFunc) {
	result, err := h(ctx, c, req)
	if err != nil {
		err = n.mux.SendErrorResponse(c, req.Tag, err)
	} else {
		err = n.mux.SendResponse(c, req.Tag, result)
	}
	if err != nil {
		n.log.Debug("response failed", zap.String("conn", c.ID()), zap.String("command", req.Command), zap.Error(err))
	}
}
