// Package heartbeat probes peer connections for liveness.
//
// A periodic sweep sends a heartbeat request to every connection that has
// been quiet for a while and closes those that leave a probe unanswered
// for too long. A peer may answer a probe with "sleep" to stop receiving
// heartbeats while keeping its connection; it is woken up again as soon
// as it sends a heartbeat of its own.
package heartbeat

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/pivaldi/peermux/internal/metrics"
	"github.com/pivaldi/peermux/internal/mux"
	"github.com/pivaldi/peermux/internal/wire"
)

const (
	// Command is the request command of a heartbeat probe.
	Command = "heartbeat"
	// SleepReply asks the prober to stop sending heartbeats.
	SleepReply = "sleep"

	CloseCodeNormal = 1000
	LostReason      = "lost connection"
)

const (
	DefaultInterval        = 3 * time.Second
	DefaultTimeout         = 10 * time.Second
	DefaultResponseTimeout = 60 * time.Second
	DefaultPauseTimeout    = 2 * DefaultTimeout
)

// ConnSource lists every connection to sweep, inbound and outbound.
type ConnSource interface {
	Conns() []*mux.Conn
}

// Lifecycle tells whether the host environment may suspend the process
// (a mobile app sent to background) while keeping its sockets open.
type Lifecycle interface {
	Suspendable() bool
}

// AlwaysAwake is the Lifecycle of servers and desktops.
type AlwaysAwake struct{}

func (AlwaysAwake) Suspendable() bool { return false }

// Options configures a Monitor. Zero durations take the defaults.
type Options struct {
	Interval        time.Duration
	Timeout         time.Duration
	ResponseTimeout time.Duration
	PauseTimeout    time.Duration

	Lifecycle Lifecycle
	Clock     clock.Clock
	Logger    *zap.Logger
	Metrics   *metrics.Metrics
}

// Monitor runs the heartbeat sweep.
type Monitor struct {
	mux             *mux.Multiplexer
	conns           ConnSource
	interval        time.Duration
	timeout         time.Duration
	responseTimeout time.Duration
	pauseTimeout    time.Duration
	lifecycle       Lifecycle
	clock           clock.Clock
	log             *zap.Logger
	metrics         *metrics.Metrics

	mu       sync.Mutex
	ticker   *clock.Ticker
	stop     chan struct{}
	lastWake time.Time
}

// New creates a stopped Monitor sending its probes through m.
func New(m *mux.Multiplexer, conns ConnSource, opts Options) *Monitor {
	hb := &Monitor{
		mux:             m,
		conns:           conns,
		interval:        opts.Interval,
		timeout:         opts.Timeout,
		responseTimeout: opts.ResponseTimeout,
		pauseTimeout:    opts.PauseTimeout,
		lifecycle:       opts.Lifecycle,
		clock:           opts.Clock,
		log:             opts.Logger,
		metrics:         opts.Metrics,
	}
	if hb.interval <= 0 {
		hb.interval = DefaultInterval
	}
	if hb.timeout <= 0 {
		hb.timeout = DefaultTimeout
	}
	if hb.responseTimeout <= 0 {
		hb.responseTimeout = DefaultResponseTimeout
	}
	if hb.pauseTimeout <= 0 {
		hb.pauseTimeout = 2 * hb.timeout
	}
	if hb.lifecycle == nil {
		hb.lifecycle = AlwaysAwake{}
	}
	if hb.clock == nil {
		hb.clock = m.Clock()
	}
	if hb.log == nil {
		hb.log = zap.NewNop()
	}
	if hb.metrics == nil {
		hb.metrics = metrics.New(nil)
	}
	hb.lastWake = hb.clock.Now()
	return hb
}

// Interval returns the sweep period with up to one second of jitter, so
// that peers with the same settings do not probe each other in lockstep.
func (hb *Monitor) Interval() time.Duration {
	return hb.interval + time.Duration(rand.IntN(1000))*time.Millisecond
}

// Start schedules the sweep. It reports false if it was already running.
func (hb *Monitor) Start() bool {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.ticker != nil {
		return false
	}

	interval := hb.Interval()
	hb.ticker = hb.clock.Ticker(interval)
	hb.stop = make(chan struct{})
	go hb.loop(hb.ticker, hb.stop)

	hb.log.Info("heartbeat started", zap.Duration("interval", interval))
	return true
}

// Stop cancels the sweep. It is a no-op when not running.
func (hb *Monitor) Stop() {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	if hb.ticker == nil {
		return
	}
	hb.ticker.Stop()
	close(hb.stop)
	hb.ticker = nil
	hb.stop = nil
	hb.log.Info("heartbeat stopped")
}

// Running reports whether the sweep is scheduled.
func (hb *Monitor) Running() bool {
	hb.mu.Lock()
	defer hb.mu.Unlock()
	return hb.ticker != nil
}

func (hb *Monitor) loop(t *clock.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			hb.PingClients()
		}
	}
}

// PingClients runs one sweep over every connection.
func (hb *Monitor) PingClients() {
	now := hb.clock.Now()

	hb.mu.Lock()
	// Timers do not run while the process is suspended; a long gap since
	// the last sweep means we just woke up and the peers could not have
	// answered our probes.
	justResumed := hb.lifecycle.Suspendable() && now.Sub(hb.lastWake) > 2*hb.timeout
	hb.lastWake = now
	hb.mu.Unlock()

	for _, c := range hb.conns.Conns() {
		if c.Sleeping() || !c.IsOpen() {
			continue
		}

		silent := now.Sub(c.LastReceivedAt())
		if silent < hb.timeout {
			continue
		}

		if sentAt := c.LastHeartbeatSentAt(); !sentAt.IsZero() && !justResumed {
			if now.Sub(sentAt) >= hb.responseTimeout {
				hb.log.Warn("disconnecting silent peer", zap.String("conn", c.ID()), zap.Duration("silent", silent))
				hb.metrics.ConnsLost.Inc()
				if err := c.Close(CloseCodeNormal, LostReason); err != nil {
					hb.log.Debug("close failed", zap.String("conn", c.ID()), zap.Error(err))
				}
			}
			continue
		}

		c.SetLastHeartbeatSentAt(now)
		hb.metrics.HeartbeatsSent.Inc()
		hb.mux.SendRequest(c, wire.PackSystem, Command, nil, false, hb.onHeartbeatResponse)
	}
}

func (hb *Monitor) onHeartbeatResponse(c *mux.Conn, _ wire.Request, resp wire.Response) {
	c.SetLastHeartbeatSentAt(time.Time{})

	if s, ok := resp.Text(); ok && s == SleepReply {
		// The peer keeps the connection but wants no more heartbeats
		// until it sends one itself.
		hb.log.Debug("peer went to sleep", zap.String("conn", c.ID()))
		hb.metrics.PeersSleeping.Inc()
		c.SetSleeping(true)
	}
}

// HandlePong answers a heartbeat probe received on c.
func (hb *Monitor) HandlePong(c *mux.Conn, tag string) error {
	// A peer sending heartbeats is awake.
	c.SetSleeping(false)

	now := hb.clock.Now()
	hb.mu.Lock()
	paused := hb.lifecycle.Suspendable() && now.Sub(hb.lastWake) > hb.pauseTimeout
	hb.mu.Unlock()

	if paused {
		hb.metrics.SleepReplies.Inc()
		return hb.mux.SendResponse(c, tag, SleepReply)
	}
	return hb.mux.SendResponse(c, tag, nil)
}
