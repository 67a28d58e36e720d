package node

import (
	"context"
	"fmt"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pivaldi/peermux/internal/mux"
)

// MaxParallelDials bounds ConnectAll.
const MaxParallelDials = 8

// Dial connects to the peer at addr, a multiaddr ending in /p2p/<id>,
// and opens an outbound request stream to it.
func (n *Node) Dial(ctx context.Context, addr string) (*mux.Conn, error) {
	maddr, err := multiaddr.NewMultiaddr(addr)
	if err != nil {
		return nil, fmt.Errorf("parse peer address: %w", err)
	}
	info, err := peer.AddrInfoFromP2pAddr(maddr)
	if err != nil {
		return nil, fmt.Errorf("extract peer info: %w", err)
	}
	return n.DialPeer(ctx, *info)
}

// DialPeer is Dial for an already resolved peer.
func (n *Node) DialPeer(ctx context.Context, info peer.AddrInfo) (*mux.Conn, error) {
	if err := n.host.Connect(ctx, info); err != nil {
		return nil, fmt.Errorf("connect to peer: %w", err)
	}
	s, err := n.host.NewStream(ctx, info.ID, ProtocolID)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	p, err := n.open(s, true)
	if err != nil {
		return nil, fmt.Errorf("handshake with %s: %w", info.ID, err)
	}
	go n.serve(p)
	return p.conn, nil
}

// ConnectAll dials every address in parallel. Failures do not stop the
// other dials; the first one is returned once all are done.
func (n *Node) ConnectAll(ctx context.Context, addrs []string) error {
	var g errgroup.Group
	g.SetLimit(MaxParallelDials)

	for _, addr := range addrs {
		g.Go(func() error {
			c, err := n.Dial(ctx, addr)
			if err != nil {
				n.log.Warn("dial failed", zap.String("addr", addr), zap.Error(err))
				return fmt.Errorf("dial %s: %w", addr, err)
			}
			n.log.Debug("dialed", zap.String("addr", addr), zap.String("conn", c.ID()))
			return nil
		})
	}
	return g.Wait()
}
