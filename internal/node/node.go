// Package node runs the multiplexer over libp2p streams.
//
// A Node keeps one mux.Conn per request stream, inbound or outbound. It
// reads frames off every stream and dispatches them: responses to the
// multiplexer, heartbeat probes to the heartbeat monitor and other
// requests to the handlers registered with Handle.
package node

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/pivaldi/peermux/internal/metrics"
	"github.com/pivaldi/peermux/internal/mux"
	"github.com/pivaldi/peermux/internal/wire"
)

// HandlerFunc serves a request. Its result is sent back as the response
// payload; a non-nil error is sent as an error response.
type HandlerFunc func(ctx context.Context, c *mux.Conn, req wire.Request) (any, error)

// JustSayingFunc receives a one-way notification.
type JustSayingFunc func(c *mux.Conn, msg wire.InboundJustSaying)

// PongHandler answers heartbeat probes from peers.
type PongHandler interface {
	HandlePong(c *mux.Conn, tag string) error
}

// HeartbeatCommand is the request command routed to the PongHandler.
const HeartbeatCommand = "heartbeat"

// Options configures a Node.
type Options struct {
	Agent   string
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Node is the pool of request streams of one libp2p host.
type Node struct {
	host    host.Host
	mux     *mux.Multiplexer
	clock   clock.Clock
	hello   wire.Hello
	log     *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	peers    map[*mux.Conn]*peerConn
	handlers map[string]HandlerFunc
	subjects map[string]JustSayingFunc
	pong     PongHandler
}

type peerConn struct {
	conn   *mux.Conn
	tr     *streamTransport
	peerID peer.ID
	hello  wire.Hello
}

func direction(outbound bool) string {
	if outbound {
		return "outbound"
	}
	return "inbound"
}

// New creates a Node serving the request protocol on h and installs it
// as m's peer selector.
func New(h host.Host, m *mux.Multiplexer, opts Options) *Node {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{
		host:  h,
		mux:   m,
		clock: m.Clock(),
		hello: wire.Hello{
			Version: wire.Version,
			Alt:     wire.Alt,
			Role:    m.Role().String(),
			Agent:   opts.Agent,
		},
		log:      opts.Logger,
		metrics:  opts.Metrics,
		ctx:      ctx,
		cancel:   cancel,
		peers:    make(map[*mux.Conn]*peerConn),
		handlers: make(map[string]HandlerFunc),
		subjects: make(map[string]JustSayingFunc),
	}
	if n.log == nil {
		n.log = zap.NewNop()
	}
	if n.metrics == nil {
		n.metrics = metrics.New(nil)
	}

	m.SetSelector(n)
	h.SetStreamHandler(ProtocolID, n.handleStream)
	return n
}

// SetPongHandler routes heartbeat probes to p.
func (n *Node) SetPongHandler(p PongHandler) {
	n.mu.Lock()
	n.pong = p
	n.mu.Unlock()
}

// Handle registers h for command. Registering a command twice replaces
// the previous handler.
func (n *Node) Handle(command string, h HandlerFunc) {
	n.mu.Lock()
	n.handlers[command] = h
	n.mu.Unlock()
}

// HandleJustSaying registers f for subject.
func (n *Node) HandleJustSaying(subject string, f JustSayingFunc) {
	n.mu.Lock()
	n.subjects[subject] = f
	n.mu.Unlock()
}

// Host returns the underlying libp2p host.
func (n *Node) Host() host.Host { return n.host }

// Conns returns every open connection.
func (n *Node) Conns() []*mux.Conn {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]*mux.Conn, 0, len(n.peers))
	for c := range n.peers {
		out = append(out, c)
	}
	return out
}

// PeerID returns the remote peer of c.
func (n *Node) PeerID(c *mux.Conn) (peer.ID, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	p, ok := n.peers[c]
	if !ok {
		return "", false
	}
	return p.peerID, true
}

// FindAlternate picks a random open outbound connection other than
// current that is not asleep, or nil.
func (n *Node) FindAlternate(ctx context.Context, current *mux.Conn) *mux.Conn {
	n.mu.RLock()
	var candidates []*mux.Conn
	for c := range n.peers {
		if c == current || !c.Outbound() || !c.IsOpen() || c.Sleeping() {
			continue
		}
		candidates = append(candidates, c)
	}
	n.mu.RUnlock()

	if len(candidates) == 0 || ctx.Err() != nil {
		return nil
	}
	return candidates[rand.IntN(len(candidates))]
}

// Close says goodbye to every peer and stops serving.
func (n *Node) Close() error {
	n.host.RemoveStreamHandler(ProtocolID)
	n.cancel()

	var errs []error
	for _, c := range n.Conns() {
		if err := c.Close(CloseGoingAway, "shutting down"); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (n *Node) add(p *peerConn) {
	n.mu.Lock()
	n.peers[p.conn] = p
	n.mu.Unlock()
	n.metrics.ConnsOpen.WithLabelValues(direction(p.conn.Outbound())).Inc()
	n.log.Info("peer connected",
		zap.String("conn", p.conn.ID()),
		zap.Stringer("peer", p.peerID),
		zap.String("direction", direction(p.conn.Outbound())),
		zap.String("role", p.hello.Role))
}

func (n *Node) remove(p *peerConn) {
	n.mu.Lock()
	_, ok := n.peers[p.conn]
	delete(n.peers, p.conn)
	n.mu.Unlock()
	if !ok {
		return
	}

	p.tr.shutdown()
	n.metrics.ConnsOpen.WithLabelValues(direction(p.conn.Outbound())).Dec()
	n.log.Info("peer disconnected", zap.String("conn", p.conn.ID()), zap.Stringer("peer", p.peerID))
	n.mux.Detach(p.conn)
}
