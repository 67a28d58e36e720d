package mux

import (
	"fmt"
	"sync"
	"time"

	"github.com/pivaldi/peermux/internal/wire"
)

// Transport is the socket under a Conn.
type Transport interface {
	// Send writes one frame. Delivery is fire-and-forget.
	Send(typ wire.FrameType, payload []byte) error
	// Close shuts the socket down, telling the peer why when possible.
	Close(code int, reason string) error
	IsOpen() bool
}

// Conn is one long-lived connection to a peer together with the request
// and liveness state the multiplexer and heartbeat monitor keep on it.
type Conn struct {
	id       string
	tr       Transport
	outbound bool

	mu                  sync.Mutex
	lastReceivedAt      time.Time
	lastHeartbeatSentAt time.Time
	sleeping            bool

	// guarded by the owning Multiplexer's mu
	pending map[string]*PendingRequest
}

// NewConn wraps tr. now seeds the last-received timestamp so a fresh
// connection is not probed before it had a chance to talk.
func NewConn(id string, tr Transport, outbound bool, now time.Time) *Conn {
	return &Conn{
		id:             id,
		tr:             tr,
		outbound:       outbound,
		lastReceivedAt: now,
		pending:        make(map[string]*PendingRequest),
	}
}

func (c *Conn) ID() string {
	if c == nil {
		return "<nil>"
	}
	return c.id
}

func (c *Conn) String() string { return c.ID() }

// Outbound reports whether this side dialed the connection.
func (c *Conn) Outbound() bool { return c.outbound }

func (c *Conn) IsOpen() bool { return c.tr.IsOpen() }

// Close closes the underlying transport.
func (c *Conn) Close(code int, reason string) error {
	return c.tr.Close(code, reason)
}

// Touch records inbound traffic at now.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastReceivedAt = now
	c.mu.Unlock()
}

func (c *Conn) LastReceivedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceivedAt
}

// LastHeartbeatSentAt is zero when no heartbeat probe is outstanding.
func (c *Conn) LastHeartbeatSentAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeatSentAt
}

func (c *Conn) SetLastHeartbeatSentAt(t time.Time) {
	c.mu.Lock()
	c.lastHeartbeatSentAt = t
	c.mu.Unlock()
}

func (c *Conn) Sleeping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sleeping
}

func (c *Conn) SetSleeping(v bool) {
	c.mu.Lock()
	c.sleeping = v
	c.mu.Unlock()
}

func (c *Conn) send(typ wire.FrameType, v any) error {
	payload, err := wire.Encode(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", typ, err)
	}
	if err := c.tr.Send(typ, payload); err != nil {
		return fmt.Errorf("send %s to %s: %w", typ, c.id, err)
	}
	return nil
}
