package mux

import (
	"context"

	"go.uber.org/zap"
)

// reroute resends the request pending as p on c to an alternate peer,
// carrying every waiting handler over. It reports whether it did.
func (m *Multiplexer) reroute(c *Conn, tag string, p *PendingRequest) bool {
	log := m.log.With(zap.String("command", p.Request.Command), zap.String("conn", c.ID()), zap.String("tag", tag))

	m.mu.Lock()
	pending := c.pending[tag] == p
	selector := m.selector
	m.mu.Unlock()
	if !pending {
		log.Debug("will not reroute, request already handled")
		return false
	}

	var next *Conn
	if selector != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.selectorTimeout)
		next = selector.FindAlternate(ctx, c)
		cancel()
	}
	if next == nil {
		log.Error("will not reroute, no other peer available")
		m.metrics.RerouteFailures.WithLabelValues("no_peer").Inc()
		return false
	}

	// The selector may have taken a while.
	m.mu.Lock()
	if c.pending[tag] != p {
		m.mu.Unlock()
		log.Debug("will not reroute after peer selection, request already handled")
		return false
	}
	if m.isSameConnLocked(c, next, tag) {
		m.mu.Unlock()
		log.Error("will not reroute to a peer already tried, waiting for a new connection", zap.String("next", next.ID()))
		m.metrics.RerouteFailures.WithLabelValues("same_peer").Inc()
		return false
	}
	p.rerouted = true
	waiters := p.live()
	chain, ok := m.rerouted[tag]
	if !ok {
		chain = []*Conn{c}
	}
	m.rerouted[tag] = append(chain, next)
	m.mu.Unlock()

	log.Info("rerouting request", zap.String("next", next.ID()), zap.Int("handlers", len(waiters)))
	m.metrics.RequestsRerouted.Inc()
	for _, w := range waiters {
		m.send(next, p.Request.Type, p.Request.Command, p.Request.Body, p.allowReroute, w)
	}
	return true
}

// isSameConnLocked reports whether rerouting tag from c to candidate
// would hit a connection already tried for it.
func (m *Multiplexer) isSameConnLocked(c, candidate *Conn, tag string) bool {
	if c == nil || candidate == nil || tag == "" {
		return false
	}
	if candidate == c {
		return true
	}
	for _, tried := range m.rerouted[tag] {
		if tried == candidate {
			return true
		}
	}
	return false
}
