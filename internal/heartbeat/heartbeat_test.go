package heartbeat

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/pivaldi/peermux/internal/metrics"
	"github.com/pivaldi/peermux/internal/mux"
	"github.com/pivaldi/peermux/internal/wire"
)

type fakeTransport struct {
	mu        sync.Mutex
	requests  []wire.Request
	responses []wire.Response
	closed    bool
	code      int
	reason    string
}

func (f *fakeTransport) Send(typ wire.FrameType, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("closed")
	}
	switch typ {
	case wire.FrameRequest:
		req, err := wire.DecodeRequest(payload)
		if err != nil {
			return err
		}
		f.requests = append(f.requests, req)
	case wire.FrameResponse:
		resp, err := wire.DecodeResponse(payload)
		if err != nil {
			return err
		}
		f.responses = append(f.responses, resp)
	}
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.code = code
	f.reason = reason
	return nil
}

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.closed
}

func (f *fakeTransport) sentRequests() []wire.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Request(nil), f.requests...)
}

func (f *fakeTransport) sentResponses() []wire.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.Response(nil), f.responses...)
}

type connList []*mux.Conn

func (l connList) Conns() []*mux.Conn { return l }

type suspendable struct{}

func (suspendable) Suspendable() bool { return true }

type testEnv struct {
	clock   *clock.Mock
	mux     *mux.Multiplexer
	monitor *Monitor
	metrics *metrics.Metrics
	conn    *mux.Conn
	tr      *fakeTransport
}

func newTestEnv(t *testing.T, lc Lifecycle) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	met := metrics.New(nil)
	m := mux.New(mux.Options{
		Role:   mux.RoleClient,
		Clock:  mock,
		Logger: zaptest.NewLogger(t),
	})
	tr := &fakeTransport{}
	c := mux.NewConn("peer-a", tr, true, mock.Now())
	hb := New(m, connList{c}, Options{
		Interval:        3 * time.Second,
		Timeout:         10 * time.Second,
		ResponseTimeout: 60 * time.Second,
		PauseTimeout:    20 * time.Second,
		Lifecycle:       lc,
		Logger:          zaptest.NewLogger(t),
		Metrics:         met,
	})
	return &testEnv{clock: mock, mux: m, monitor: hb, metrics: met, conn: c, tr: tr}
}

// quietFor sets the connection's last inbound traffic d in the past.
func (e *testEnv) quietFor(d time.Duration) {
	e.conn.Touch(e.clock.Now().Add(-d))
}

func (e *testEnv) respond(payload any) {
	reqs := e.tr.sentRequests()
	resp, _ := wire.NewResponse(reqs[len(reqs)-1].Tag, payload)
	e.mux.HandleResponse(e.conn, resp)
}

func TestRecentlyActivePeerIsNotProbed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(9999 * time.Millisecond)

	env.monitor.PingClients()

	if n := len(env.tr.sentRequests()); n != 0 {
		t.Fatalf("expected no probe, got %d", n)
	}
	if !env.conn.LastHeartbeatSentAt().IsZero() {
		t.Fatal("no probe should be outstanding")
	}
}

func TestQuietPeerIsProbed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(15 * time.Second)

	env.monitor.PingClients()

	reqs := env.tr.sentRequests()
	if len(reqs) != 1 {
		t.Fatalf("expected one probe, got %d", len(reqs))
	}
	if reqs[0].Command != Command || reqs[0].Type != wire.PackSystem || reqs[0].Body != nil {
		t.Fatalf("unexpected probe %+v", reqs[0])
	}
	if !env.conn.LastHeartbeatSentAt().Equal(env.clock.Now()) {
		t.Fatal("probe time should be stamped")
	}
	if got := testutil.ToFloat64(env.metrics.HeartbeatsSent); got != 1 {
		t.Fatalf("expected one heartbeat counted, got %v", got)
	}
}

func TestUnansweredProbeClosesConnection(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(15 * time.Second)
	env.monitor.PingClients()

	env.clock.Add(59999 * time.Millisecond)
	env.monitor.PingClients()
	if !env.conn.IsOpen() {
		t.Fatal("closed before the response timeout")
	}
	if n := len(env.tr.sentRequests()); n != 1 {
		t.Fatalf("outstanding probe must not be repeated, got %d sends", n)
	}

	env.clock.Add(2 * time.Millisecond)
	env.monitor.PingClients()

	if env.conn.IsOpen() {
		t.Fatal("silent peer should be disconnected")
	}
	if env.tr.code != 1000 || env.tr.reason != "lost connection" {
		t.Fatalf("unexpected close (%d, %q)", env.tr.code, env.tr.reason)
	}
	if got := testutil.ToFloat64(env.metrics.ConnsLost); got != 1 {
		t.Fatalf("expected one lost connection, got %v", got)
	}
}

func TestAckClearsOutstandingProbe(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(15 * time.Second)
	env.monitor.PingClients()

	env.respond(nil)

	if !env.conn.LastHeartbeatSentAt().IsZero() {
		t.Fatal("answered probe should be cleared")
	}
	if env.conn.Sleeping() {
		t.Fatal("plain ack must not put the peer to sleep")
	}

	// Still quiet: the next sweep probes again.
	env.clock.Add(3 * time.Second)
	env.monitor.PingClients()
	if n := len(env.tr.sentRequests()); n != 2 {
		t.Fatalf("expected a fresh probe, got %d sends", n)
	}
}

func TestSleepReplySuspendsProbes(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(15 * time.Second)
	env.monitor.PingClients()

	env.respond(SleepReply)

	if !env.conn.Sleeping() {
		t.Fatal("peer should be marked sleeping")
	}

	env.clock.Add(5 * time.Minute)
	env.monitor.PingClients()
	if n := len(env.tr.sentRequests()); n != 1 {
		t.Fatalf("sleeping peer must not be probed, got %d sends", n)
	}
	if !env.conn.IsOpen() {
		t.Fatal("sleeping peer must not be disconnected")
	}

	// The peer's own heartbeat wakes it up.
	if err := env.monitor.HandlePong(env.conn, "their-tag"); err != nil {
		t.Fatalf("HandlePong failed: %v", err)
	}
	if env.conn.Sleeping() {
		t.Fatal("heartbeat from peer should wake it")
	}
	env.monitor.PingClients()
	if n := len(env.tr.sentRequests()); n != 2 {
		t.Fatalf("awake peer should be probed again, got %d sends", n)
	}
}

func TestClosedConnectionIsSkipped(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(time.Hour)
	_ = env.conn.Close(1000, "bye")

	env.monitor.PingClients()

	if n := len(env.tr.sentRequests()); n != 0 {
		t.Fatalf("closed connection must not be probed, got %d", n)
	}
}

func TestResumeSendsFreshProbeInsteadOfClosing(t *testing.T) {
	env := newTestEnv(t, suspendable{})
	env.quietFor(15 * time.Second)
	env.monitor.PingClients()

	// The process was suspended: no sweep ran for a long time.
	env.clock.Add(2 * time.Minute)
	env.monitor.PingClients()

	if !env.conn.IsOpen() {
		t.Fatal("peer must not be dropped right after resuming")
	}
	if !env.conn.LastHeartbeatSentAt().Equal(env.clock.Now()) {
		t.Fatal("resume should restamp the probe")
	}

	// Regular sweeps resume the normal rule.
	env.clock.Add(3 * time.Second)
	env.monitor.PingClients()
	if !env.conn.IsOpen() {
		t.Fatal("fresh probe is not overdue yet")
	}
}

func TestHandlePongAcks(t *testing.T) {
	env := newTestEnv(t, suspendable{})
	env.conn.SetSleeping(true)

	env.clock.Add(19 * time.Second)
	if err := env.monitor.HandlePong(env.conn, "t1"); err != nil {
		t.Fatalf("HandlePong failed: %v", err)
	}

	resps := env.tr.sentResponses()
	if len(resps) != 1 || resps[0].Tag != "t1" {
		t.Fatalf("expected one response for t1, got %+v", resps)
	}
	if len(resps[0].Payload) != 0 || resps[0].Error != "" {
		t.Fatalf("expected empty ack, got %+v", resps[0])
	}
	if env.conn.Sleeping() {
		t.Fatal("probe from peer should clear sleeping")
	}
}

func TestHandlePongWhilePausedAsksForSleep(t *testing.T) {
	env := newTestEnv(t, suspendable{})

	env.clock.Add(21 * time.Second)
	if err := env.monitor.HandlePong(env.conn, "t1"); err != nil {
		t.Fatalf("HandlePong failed: %v", err)
	}

	resps := env.tr.sentResponses()
	if s, ok := resps[0].Text(); !ok || s != SleepReply {
		t.Fatalf("expected sleep reply, got %+v", resps[0])
	}
	if got := testutil.ToFloat64(env.metrics.SleepReplies); got != 1 {
		t.Fatalf("expected one sleep reply counted, got %v", got)
	}
}

func TestHandlePongNeverPausesWithoutLifecycle(t *testing.T) {
	env := newTestEnv(t, nil)

	env.clock.Add(time.Hour)
	_ = env.monitor.HandlePong(env.conn, "t1")

	if _, ok := env.tr.sentResponses()[0].Text(); ok {
		t.Fatal("always-awake hosts never ask for sleep")
	}
}

func TestIntervalJitter(t *testing.T) {
	env := newTestEnv(t, nil)
	for i := 0; i < 50; i++ {
		d := env.monitor.Interval()
		if d < 3*time.Second || d >= 4*time.Second {
			t.Fatalf("interval %s out of range", d)
		}
	}
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t, nil)
	env.quietFor(time.Minute)

	if !env.monitor.Start() {
		t.Fatal("first Start should start the sweep")
	}
	if env.monitor.Start() {
		t.Fatal("second Start should be a no-op")
	}
	if !env.monitor.Running() {
		t.Fatal("monitor should be running")
	}

	env.clock.Add(4 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for len(env.tr.sentRequests()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(env.tr.sentRequests()) != 1 {
		t.Fatal("a tick should run a sweep")
	}

	env.monitor.Stop()
	env.monitor.Stop()
	if env.monitor.Running() {
		t.Fatal("monitor should be stopped")
	}
	if !env.monitor.Start() {
		t.Fatal("Start after Stop should start again")
	}
	env.monitor.Stop()
}
