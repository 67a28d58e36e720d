// Package p2p creates the libp2p host peers talk over.
package p2p

import (
	"fmt"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/multiformats/go-multiaddr"
)

// NewHost creates a libp2p host with the given private key, listening
// on each multiaddr in listen. A tcp port of 0 picks a free port.
func NewHost(priv crypto.PrivKey, listen ...string) (host.Host, error) {
	addrs := make([]multiaddr.Multiaddr, 0, len(listen))
	for _, l := range listen {
		ma, err := multiaddr.NewMultiaddr(l)
		if err != nil {
			return nil, fmt.Errorf("parse listen address %q: %w", l, err)
		}
		addrs = append(addrs, ma)
	}

	h, err := libp2p.New(
		libp2p.Identity(priv),
		libp2p.ListenAddrs(addrs...),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	return h, nil
}

// FullAddrs returns h's listen addresses with its peer ID appended, in
// the form accepted by node.Dial.
func FullAddrs(h host.Host) []string {
	out := make([]string, 0, len(h.Addrs()))
	for _, a := range h.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", a, h.ID()))
	}
	return out
}
