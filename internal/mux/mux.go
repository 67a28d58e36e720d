// Package mux multiplexes tagged request/response exchanges over peer
// connections.
//
// Every request is tagged with the content hash of its envelope. While a
// request is pending on a connection, identical requests on that
// connection attach their handler to it instead of going to the wire.
// Requests sent by a client may be rerouted to another peer when the
// first one stalls; all the connections a tag was sent to are tracked so
// the first response anywhere resolves every caller exactly once.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pivaldi/peermux/internal/metrics"
	"github.com/pivaldi/peermux/internal/wire"
)

// Role of the local process. Only clients reroute stalled requests.
type Role int

const (
	RoleServer Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// ParseRole accepts "client" or "server".
func ParseRole(s string) (Role, error) {
	switch s {
	case "client":
		return RoleClient, nil
	case "server", "":
		return RoleServer, nil
	}
	return RoleServer, fmt.Errorf("unknown role %q", s)
}

// ResponseHandler receives the outcome of a request. resp.Error is set
// for timeouts and peer-side failures.
type ResponseHandler func(c *Conn, req wire.Request, resp wire.Response)

// TagFunc derives the correlation tag of an untagged envelope.
type TagFunc func(req wire.Request) (string, error)

// PeerSelector picks a connection to reroute a stalled request to.
// It returns nil when no alternate is available.
type PeerSelector interface {
	FindAlternate(ctx context.Context, current *Conn) *Conn
}

// SendResult tells what Send did with a request.
type SendResult int

const (
	// Rejected: invalid arguments, nothing happened.
	Rejected SendResult = iota
	// Merged: an identical request was already pending on the
	// connection; the handler was attached to it.
	Merged
	// Sent: a new request went to the wire.
	Sent
)

func (r SendResult) String() string {
	switch r {
	case Merged:
		return "merged"
	case Sent:
		return "sent"
	}
	return "rejected"
}

// Options configures a Multiplexer. Zero durations take the defaults.
type Options struct {
	Role            Role
	StalledTimeout  time.Duration
	ResponseTimeout time.Duration
	SelectorTimeout time.Duration

	Selector PeerSelector
	Tag      TagFunc
	Clock    clock.Clock
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
}

const (
	DefaultStalledTimeout  = 5 * time.Second
	DefaultResponseTimeout = 300 * time.Second
	DefaultSelectorTimeout = 5 * time.Second
)

// waiter is one caller's handler. Its identity survives reroutes so a
// caller registered on several connections is still answered once.
type waiter struct {
	fn   ResponseHandler
	done bool
}

// PendingRequest is a request sent on one connection and not yet
// resolved there.
type PendingRequest struct {
	Request wire.Request

	waiters      []*waiter
	allowReroute bool
	rerouteTimer *clock.Timer
	cancelTimer  *clock.Timer
	rerouted     bool
}

func (p *PendingRequest) stopTimers() {
	if p.rerouteTimer != nil {
		p.rerouteTimer.Stop()
		p.rerouteTimer = nil
	}
	if p.cancelTimer != nil {
		p.cancelTimer.Stop()
		p.cancelTimer = nil
	}
}

// take marks the not yet answered waiters as done and returns them.
func (p *PendingRequest) take() []*waiter {
	var out []*waiter
	for _, w := range p.waiters {
		if !w.done {
			w.done = true
			out = append(out, w)
		}
	}
	return out
}

func (p *PendingRequest) live() []*waiter {
	var out []*waiter
	for _, w := range p.waiters {
		if !w.done {
			out = append(out, w)
		}
	}
	return out
}

// Multiplexer owns the pending requests of every connection it sends
// on and the index of rerouted requests.
type Multiplexer struct {
	role            Role
	stalledTimeout  time.Duration
	responseTimeout time.Duration
	selectorTimeout time.Duration
	selector        PeerSelector
	tag             TagFunc
	clock           clock.Clock
	log             *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	rerouted map[string][]*Conn
}

// New creates a Multiplexer.
func New(opts Options) *Multiplexer {
	m := &Multiplexer{
		role:            opts.Role,
		stalledTimeout:  opts.StalledTimeout,
		responseTimeout: opts.ResponseTimeout,
		selectorTimeout: opts.SelectorTimeout,
		selector:        opts.Selector,
		tag:             opts.Tag,
		clock:           opts.Clock,
		log:             opts.Logger,
		metrics:         opts.Metrics,
		rerouted:        make(map[string][]*Conn),
	}
	if m.stalledTimeout <= 0 {
		m.stalledTimeout = DefaultStalledTimeout
	}
	if m.responseTimeout <= 0 {
		m.responseTimeout = DefaultResponseTimeout
	}
	if m.selectorTimeout <= 0 {
		m.selectorTimeout = DefaultSelectorTimeout
	}
	if m.tag == nil {
		m.tag = wire.Tag
	}
	if m.clock == nil {
		m.clock = clock.New()
	}
	if m.log == nil {
		m.log = zap.NewNop()
	}
	if m.metrics == nil {
		m.metrics = metrics.New(nil)
	}
	return m
}

// SetSelector installs the peer selector. The node and the multiplexer
// reference each other, so the selector is often only known after New.
func (m *Multiplexer) SetSelector(s PeerSelector) {
	m.mu.Lock()
	m.selector = s
	m.mu.Unlock()
}

func (m *Multiplexer) Role() Role { return m.role }

// Clock returns the clock driving the multiplexer's timers.
func (m *Multiplexer) Clock() clock.Clock { return m.clock }

// SendRequest sends a request on c and reports whether a new request went
// to the wire. false means either invalid arguments or that the handler
// was merged into an identical pending request.
func (m *Multiplexer) SendRequest(c *Conn, pt wire.PackType, command string, body any, allowReroute bool, onResponse ResponseHandler) bool {
	return m.Send(c, pt, command, body, allowReroute, onResponse) == Sent
}

// Send is SendRequest with the three outcomes told apart.
func (m *Multiplexer) Send(c *Conn, pt wire.PackType, command string, body any, allowReroute bool, onResponse ResponseHandler) SendResult {
	switch {
	case c == nil:
		m.log.Error("send request with nil connection", zap.String("command", command))
		m.metrics.RequestsRejected.Inc()
		return Rejected
	case !pt.Valid():
		m.log.Error("send request with invalid pack type", zap.Stringer("type", pt), zap.String("command", command))
		m.metrics.RequestsRejected.Inc()
		return Rejected
	case command == "":
		m.log.Error("send request with empty command", zap.String("conn", c.ID()))
		m.metrics.RequestsRejected.Inc()
		return Rejected
	case onResponse == nil:
		m.log.Error("send request with nil response handler", zap.String("command", command))
		m.metrics.RequestsRejected.Inc()
		return Rejected
	}
	return m.send(c, pt, command, body, allowReroute, &waiter{fn: onResponse})
}

func (m *Multiplexer) send(c *Conn, pt wire.PackType, command string, body any, allowReroute bool, w *waiter) SendResult {
	req := wire.NewRequest(pt, command, body)
	tag, err := m.tag(req)
	if err != nil || tag == "" {
		m.log.Error("cannot tag request", zap.String("command", command), zap.Error(err))
		m.metrics.RequestsRejected.Inc()
		return Rejected
	}

	m.mu.Lock()
	if p, ok := c.pending[tag]; ok {
		p.waiters = append(p.waiters, w)
		m.mu.Unlock()
		m.log.Debug("request already pending, attached handler instead of sending a duplicate",
			zap.String("command", command), zap.String("conn", c.ID()), zap.String("tag", tag))
		m.metrics.RequestsMerged.Inc()
		return Merged
	}

	req.Tag = tag
	if m.role != RoleClient {
		allowReroute = false
	}
	p := &PendingRequest{
		Request:      req,
		waiters:      []*waiter{w},
		allowReroute: allowReroute,
	}
	if allowReroute {
		p.rerouteTimer = m.clock.AfterFunc(m.stalledTimeout, func() {
			m.log.Warn("request stalled", zap.String("command", command), zap.String("conn", c.ID()), zap.String("tag", tag))
			m.reroute(c, tag, p)
		})
	} else {
		p.cancelTimer = m.clock.AfterFunc(m.responseTimeout, func() {
			m.expire(c, tag, p, wire.ErrResponseTimeout)
		})
	}
	c.pending[tag] = p
	m.mu.Unlock()

	m.metrics.PendingRequests.Inc()
	m.metrics.RequestsSent.Inc()
	if err := c.send(wire.FrameRequest, req); err != nil {
		// The timer still resolves the entry.
		m.log.Warn("request write failed", zap.String("command", command), zap.Error(err))
	}
	return Sent
}

// HandleResponse delivers a response received on c to every handler
// waiting for its tag, then cancels the same request on every other
// connection it was rerouted through. Unsolicited responses are dropped.
func (m *Multiplexer) HandleResponse(c *Conn, resp wire.Response) {
	m.mu.Lock()
	p, ok := c.pending[resp.Tag]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("dropping response without pending request", zap.String("conn", c.ID()), zap.String("tag", resp.Tag))
		m.metrics.ResponsesUnsolicited.Inc()
		return
	}
	m.removeLocked(c, resp.Tag, p)
	waiters := p.take()
	waiters = append(waiters, m.clearLocked(resp.Tag)...)
	m.mu.Unlock()

	m.metrics.ResponsesDelivered.Inc()
	for _, w := range waiters {
		w.fn(c, p.Request, resp)
	}
}

// ClearRequest stops and forgets tag on every connection it was rerouted
// through. It is safe to call for unknown tags and more than once.
func (m *Multiplexer) ClearRequest(tag string) {
	m.mu.Lock()
	m.clearLocked(tag)
	m.mu.Unlock()
}

// clearLocked removes tag along its reroute chain and returns the
// waiters found there that were not answered yet, marked done.
func (m *Multiplexer) clearLocked(tag string) []*waiter {
	chain, ok := m.rerouted[tag]
	if !ok {
		return nil
	}
	var orphans []*waiter
	for _, c := range chain {
		if p, ok := c.pending[tag]; ok {
			m.removeLocked(c, tag, p)
			orphans = append(orphans, p.take()...)
		}
	}
	delete(m.rerouted, tag)
	return orphans
}

func (m *Multiplexer) removeLocked(c *Conn, tag string, p *PendingRequest) {
	p.stopTimers()
	delete(c.pending, tag)
	m.metrics.PendingRequests.Dec()
}

// expire resolves p with err if it is still the entry pending under tag.
func (m *Multiplexer) expire(c *Conn, tag string, p *PendingRequest, err error) {
	m.mu.Lock()
	if c.pending[tag] != p {
		m.mu.Unlock()
		return
	}
	m.removeLocked(c, tag, p)
	waiters := p.take()
	waiters = append(waiters, m.clearLocked(tag)...)
	m.mu.Unlock()

	if errors.Is(err, wire.ErrResponseTimeout) {
		m.log.Error("response timed out", zap.String("command", p.Request.Command), zap.String("conn", c.ID()), zap.String("tag", tag))
		m.metrics.RequestsTimedOut.Inc()
	}
	resp := wire.ErrorResponse(tag, err)
	for _, w := range waiters {
		w.fn(c, p.Request, resp)
	}
}

// Detach cleans up after c closed. Requests already rerouted elsewhere
// are dropped, reroutable ones are rerouted right away and the others,
// or those that cannot be rerouted, fail with wire.ErrConnClosed.
func (m *Multiplexer) Detach(c *Conn) {
	type entry struct {
		tag string
		p   *PendingRequest
	}
	var reroutable, failed []entry

	m.mu.Lock()
	for tag, p := range c.pending {
		switch {
		case p.rerouted:
			m.removeLocked(c, tag, p)
		case p.allowReroute:
			p.stopTimers()
			reroutable = append(reroutable, entry{tag, p})
		default:
			failed = append(failed, entry{tag, p})
		}
	}
	m.mu.Unlock()

	for _, e := range failed {
		m.expire(c, e.tag, e.p, wire.ErrConnClosed)
	}
	for _, e := range reroutable {
		go func(e entry) {
			if !m.reroute(c, e.tag, e.p) {
				m.expire(c, e.tag, e.p, wire.ErrConnClosed)
			}
		}(e)
	}
}

// Pending returns the tags pending on c.
func (m *Multiplexer) Pending(c *Conn) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tags := make([]string, 0, len(c.pending))
	for tag := range c.pending {
		tags = append(tags, tag)
	}
	return tags
}

// IsPending reports whether tag is pending on c.
func (m *Multiplexer) IsPending(c *Conn, tag string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := c.pending[tag]
	return ok
}

// ReroutedConns returns the connections tag was sent to, in order, or nil
// if the tag was never rerouted or has been cleared.
func (m *Multiplexer) ReroutedConns(tag string) []*Conn {
	m.mu.Lock()
	defer m.mu.Unlock()
	chain := m.rerouted[tag]
	if chain == nil {
		return nil
	}
	return append([]*Conn(nil), chain...)
}
