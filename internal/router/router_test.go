package router

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kaonis/woly-server/internal/aggregator"
	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/metrics"
	"github.com/kaonis/woly-server/internal/protocol"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/wolerr"
)

type sentFrame struct {
	nodeID  string
	msgType string
	payload any
}

// fakeSender records frames instead of writing to websockets.
type fakeSender struct {
	mu      sync.Mutex
	offline map[string]bool
	sent    []sentFrame
	sendErr error
}

func newFakeSender() *fakeSender {
	return &fakeSender{offline: make(map[string]bool)}
}

func (f *fakeSender) Send(nodeID, msgType string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentFrame{nodeID: nodeID, msgType: msgType, payload: payload})
	return nil
}

func (f *fakeSender) IsOnline(nodeID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.offline[nodeID]
}

func (f *fakeSender) OnlineNodes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offline["node1"] {
		return nil
	}
	return []string{"node1"}
}

func (f *fakeSender) frames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]sentFrame, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) waitForFrames(t *testing.T, n int) []sentFrame {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := f.frames(); len(frames) >= n {
			return frames
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected %d sent frames, have %d", n, len(f.frames()))
	return nil
}

// eventRecorder captures bus events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []bus.Event
}

func (r *eventRecorder) OnEvent(e bus.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) byType(eventType string) []bus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []bus.Event
	for _, e := range r.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type routerFixture struct {
	rt     *Router
	st     *store.Store
	agg    *aggregator.Aggregator
	sender *fakeSender
	reg    *metrics.Registry
	events *eventRecorder
	clock  *clockwork.FakeClock
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))

	st, err := store.Open(zerolog.Nop(), store.EngineSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st.WithClock(clock)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	rec := &eventRecorder{}
	b.Subscribe(rec)
	agg := aggregator.New(zerolog.Nop(), st, b, 4*time.Hour, 30).WithClock(clock)
	require.NoError(t, agg.IngestHostReport("node1", "office", protocol.Host{
		Name: "nas", Mac: "aa:bb:cc:dd:ee:ff", Status: "asleep",
	}))

	cfg := &config.Config{
		CommandTimeout:       30 * time.Second,
		CommandRetentionDays: 7,
		WakeVerifyWindow:     2 * time.Minute,
		WakeVerifyInterval:   5 * time.Second,
	}
	sender := newFakeSender()
	reg := metrics.New()
	rt := New(zerolog.Nop(), cfg, st, agg, sender, reg, b).WithClock(clock)
	return &routerFixture{rt: rt, st: st, agg: agg, sender: sender, reg: reg, events: rec, clock: clock}
}

const nasFqn = "nas@office-node1"

func TestRouteWakeAcknowledged(t *testing.T) {
	fx := newRouterFixture(t)

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := fx.rt.RouteWake(nasFqn, Options{})
		done <- outcome{res, err}
	}()

	frames := fx.sender.waitForFrames(t, 1)
	wake, ok := frames[0].payload.(protocol.WakePayload)
	require.True(t, ok)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", wake.Mac)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{
		CommandID: wake.CommandID, Success: true, Message: "magic packet sent",
	})

	o := <-done
	require.NoError(t, o.err)
	require.True(t, o.res.Success)
	require.Equal(t, store.CommandAcknowledged, o.res.State)
	require.Equal(t, wake.CommandID, o.res.CommandID)

	cmd, err := fx.st.GetCommand(wake.CommandID)
	require.NoError(t, err)
	require.Equal(t, store.CommandAcknowledged, cmd.State)

	snap := fx.reg.Snapshot()
	require.EqualValues(t, 1, snap.Commands["wake"].Dispatched)
	require.EqualValues(t, 1, snap.Commands["wake"].Acknowledged)
}

// Two concurrent wakes with the same idempotency key dispatch exactly
// one command; both callers see the same result.
func TestRouteWakeIdempotentConcurrent(t *testing.T) {
	fx := newRouterFixture(t)
	opts := Options{IdempotencyKey: "retry-1"}

	type outcome struct {
		res *Result
		err error
	}
	results := make(chan outcome, 2)
	go func() {
		res, err := fx.rt.RouteWake(nasFqn, opts)
		results <- outcome{res, err}
	}()

	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)

	// Second caller while the first is still inflight.
	go func() {
		res, err := fx.rt.RouteWake(nasFqn, opts)
		results <- outcome{res, err}
	}()
	// Give the second caller a moment to attach.
	time.Sleep(10 * time.Millisecond)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{
		CommandID: wake.CommandID, Success: true,
	})

	cmd, err := fx.st.GetCommand(wake.CommandID)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		o := <-results
		require.NoError(t, o.err)
		require.Equal(t, wake.CommandID, o.res.CommandID)
		require.Equal(t, cmd.CorrelationID, o.res.CorrelationID)
	}
	require.Len(t, fx.sender.frames(), 1)

	snap := fx.reg.Snapshot()
	require.EqualValues(t, 1, snap.Commands["wake"].Dispatched)

	// A third request within the retention window replays the outcome
	// without dispatching, still under the original correlation id.
	res, err := fx.rt.RouteWake(nasFqn, opts)
	require.NoError(t, err)
	require.Equal(t, wake.CommandID, res.CommandID)
	require.Equal(t, cmd.CorrelationID, res.CorrelationID)
	require.Len(t, fx.sender.frames(), 1)
}

func TestRouteWakeTimeout(t *testing.T) {
	fx := newRouterFixture(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteWake(nasFqn, Options{})
		errCh <- err
	}()

	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)

	fx.clock.BlockUntil(1)
	fx.clock.Advance(31 * time.Second)

	err := <-errCh
	require.True(t, wolerr.IsKind(err, wolerr.KindTimeout), "got %v", err)

	cmd, serr := fx.st.GetCommand(wake.CommandID)
	require.NoError(t, serr)
	require.Equal(t, store.CommandTimedOut, cmd.State)

	snap := fx.reg.Snapshot()
	require.EqualValues(t, 1, snap.Commands["wake"].TimedOut)
	require.InDelta(t, 1.0, snap.Commands["wake"].TimeoutRate, 0.0001)

	// The node's answer after the deadline is a late result: the row
	// stays timed out and the unknown bucket counts it.
	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{
		CommandID: wake.CommandID, Success: true,
	})
	cmd, serr = fx.st.GetCommand(wake.CommandID)
	require.NoError(t, serr)
	require.Equal(t, store.CommandTimedOut, cmd.State)
	require.EqualValues(t, 1, fx.reg.Snapshot().UnknownAttribution.Total)
}

func TestMutatingCommandsSerializedPerHost(t *testing.T) {
	fx := newRouterFixture(t)

	go func() { _, _ = fx.rt.RouteWake(nasFqn, Options{}) }()
	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)

	// A second mutating command while the wake is inflight conflicts.
	_, err := fx.rt.RouteSleep(nasFqn, Options{Confirm: true})
	require.True(t, wolerr.IsKind(err, wolerr.KindConflict), "got %v", err)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{CommandID: wake.CommandID, Success: true})

	// The lock releases with the command.
	done := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteSleep(nasFqn, Options{Confirm: true})
		done <- err
	}()
	frames = fx.sender.waitForFrames(t, 2)
	sleep := frames[1].payload.(protocol.HostCommandPayload)
	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{CommandID: sleep.CommandID, Success: true})
	require.NoError(t, <-done)
}

func TestRouteSleepRequiresConfirm(t *testing.T) {
	fx := newRouterFixture(t)
	_, err := fx.rt.RouteSleep(nasFqn, Options{})
	require.True(t, wolerr.IsKind(err, wolerr.KindInvalidRequest))
	_, err = fx.rt.RouteShutdown(nasFqn, Options{})
	require.True(t, wolerr.IsKind(err, wolerr.KindInvalidRequest))
}

func TestRouteWakeOfflineNode(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.offline["node1"] = true

	_, err := fx.rt.RouteWake(nasFqn, Options{})
	require.True(t, wolerr.IsKind(err, wolerr.KindOffline), "got %v", err)
	require.Empty(t, fx.sender.frames())
}

// Update and delete survive an offline node as queued log entries.
func TestRouteUpdateHostOfflineQueues(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.offline["node1"] = true

	res, err := fx.rt.RouteUpdateHost(nasFqn, []byte(`{"notes":"rack 3"}`), Options{})
	require.NoError(t, err)
	require.Equal(t, store.CommandQueued, res.State)

	cmd, err := fx.st.GetCommand(res.CommandID)
	require.NoError(t, err)
	require.Equal(t, store.CommandQueued, cmd.State)
	require.Equal(t, TypeUpdateHost, cmd.Type)
}

// A repeated queue-tolerant request against an offline node replays the
// queued command instead of inserting a duplicate.
func TestRouteUpdateHostOfflineQueuedIdempotent(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.offline["node1"] = true
	opts := Options{IdempotencyKey: "patch-1"}

	first, err := fx.rt.RouteUpdateHost(nasFqn, []byte(`{"notes":"rack 3"}`), opts)
	require.NoError(t, err)
	require.Equal(t, store.CommandQueued, first.State)

	second, err := fx.rt.RouteUpdateHost(nasFqn, []byte(`{"notes":"rack 3"}`), opts)
	require.NoError(t, err)
	require.Equal(t, first.CommandID, second.CommandID)
	require.Equal(t, first.CorrelationID, second.CorrelationID)

	// A different key queues its own command.
	third, err := fx.rt.RouteUpdateHost(nasFqn, []byte(`{"notes":"rack 4"}`), Options{IdempotencyKey: "patch-2"})
	require.NoError(t, err)
	require.NotEqual(t, first.CommandID, third.CommandID)
}

func TestRouteScanAllNodesOffline(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.offline["node1"] = true

	_, err := fx.rt.RouteScanHosts(Options{})
	require.True(t, wolerr.IsKind(err, wolerr.KindOffline))
	require.EqualError(t, err, "offline: "+AllOfflineMessage)
}

func TestRouteScanBroadcast(t *testing.T) {
	fx := newRouterFixture(t)

	res, err := fx.rt.RouteScanHosts(Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.Dispatched)

	frames := fx.sender.frames()
	require.Len(t, frames, 1)
	require.Equal(t, protocol.TypeScan, frames[0].msgType)
}

func TestRoutePingHost(t *testing.T) {
	fx := newRouterFixture(t)

	type outcome struct {
		snap *PingSnapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := fx.rt.RoutePingHost(nasFqn, Options{})
		done <- outcome{snap, err}
	}()

	frames := fx.sender.waitForFrames(t, 1)
	ping := frames[0].payload.(protocol.HostCommandPayload)

	fx.rt.OnPingResult("node1", protocol.PingResultPayload{
		CommandID: ping.CommandID, LatencyMs: 3.2, Success: true, Status: "awake", Source: "icmp",
	})

	o := <-done
	require.NoError(t, o.err)
	require.True(t, o.snap.Success)
	require.Equal(t, "awake", o.snap.Status)
	require.Equal(t, "icmp", o.snap.Source)
	require.InDelta(t, 3.2, o.snap.LatencyMs, 0.001)
}

func TestRouteScanHostPortsSingleFlight(t *testing.T) {
	fx := newRouterFixture(t)

	type outcome struct {
		snap *PortScanSnapshot
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		snap, err := fx.rt.RouteScanHostPorts(nasFqn, Options{})
		done <- outcome{snap, err}
	}()

	frames := fx.sender.waitForFrames(t, 1)
	scan := frames[0].payload.(protocol.HostCommandPayload)

	_, err := fx.rt.RouteScanHostPorts(nasFqn, Options{})
	require.True(t, wolerr.IsKind(err, wolerr.KindConflict), "got %v", err)

	fx.rt.OnPortScanResult("node1", protocol.HostPortScanResultPayload{
		CommandID: scan.CommandID,
		HostPortScan: protocol.HostPortScan{
			ScannedAt: fx.clock.Now(),
			OpenPorts: []protocol.OpenPort{{Port: 22, Protocol: "tcp", Service: "ssh"}},
		},
	})

	o := <-done
	require.NoError(t, o.err)
	require.Len(t, o.snap.OpenPorts, 1)

	// The snapshot is persisted before the waiter resolves.
	v, err := fx.agg.GetHost(nasFqn)
	require.NoError(t, err)
	require.Len(t, v.OpenPorts, 1)
}

// Replaying a finished scan must not leave the per-host guard behind.
func TestRouteScanHostPortsReplayReleasesGuard(t *testing.T) {
	fx := newRouterFixture(t)
	opts := Options{IdempotencyKey: "scan-1"}

	done := make(chan *PortScanSnapshot, 1)
	go func() {
		snap, _ := fx.rt.RouteScanHostPorts(nasFqn, opts)
		done <- snap
	}()
	frames := fx.sender.waitForFrames(t, 1)
	scan := frames[0].payload.(protocol.HostCommandPayload)
	fx.rt.OnPortScanResult("node1", protocol.HostPortScanResultPayload{
		CommandID: scan.CommandID,
		HostPortScan: protocol.HostPortScan{
			ScannedAt: fx.clock.Now(),
			OpenPorts: []protocol.OpenPort{{Port: 22, Protocol: "tcp", Service: "ssh"}},
		},
	})
	require.NotNil(t, <-done)

	// The replay serves the recorded snapshot without dispatching.
	snap, err := fx.rt.RouteScanHostPorts(nasFqn, opts)
	require.NoError(t, err)
	require.Len(t, snap.OpenPorts, 1)
	require.Len(t, fx.sender.frames(), 1)

	// A fresh scan of the same host proceeds.
	errCh := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteScanHostPorts(nasFqn, Options{IdempotencyKey: "scan-2"})
		errCh <- err
	}()
	frames = fx.sender.waitForFrames(t, 2)
	scan2 := frames[1].payload.(protocol.HostCommandPayload)
	fx.rt.OnPortScanResult("node1", protocol.HostPortScanResultPayload{
		CommandID:    scan2.CommandID,
		HostPortScan: protocol.HostPortScan{ScannedAt: fx.clock.Now()},
	})
	require.NoError(t, <-errCh)
}

// An acknowledged wake with verification enabled runs one verifier even
// when the result is replayed for a retried request.
func TestWakeVerificationNotRepeatedOnReplay(t *testing.T) {
	fx := newRouterFixture(t)
	opts := Options{IdempotencyKey: "verify-1", Verify: true}

	done := make(chan *Result, 1)
	go func() {
		res, _ := fx.rt.RouteWake(nasFqn, opts)
		done <- res
	}()
	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)
	require.True(t, wake.Verify)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{CommandID: wake.CommandID, Success: true})
	res := <-done
	require.NotNil(t, res)

	// The host reports awake, so the verifier succeeds on its first poll.
	require.NoError(t, fx.agg.IngestHostReport("node1", "office", protocol.Host{
		Name: "nas", Mac: "aa:bb:cc:dd:ee:ff", Status: "awake",
	}))

	replay, err := fx.rt.RouteWake(nasFqn, opts)
	require.NoError(t, err)
	require.Equal(t, res.CommandID, replay.CommandID)

	fx.clock.BlockUntil(1)
	fx.clock.Advance(6 * time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(fx.events.byType(bus.EventWakeVerified)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	verified := fx.events.byType(bus.EventWakeVerified)
	require.Len(t, verified, 1)
	require.Equal(t, VerifyVerified, verified[0].Payload.(WakeVerification).Status)

	// No second verifier ever reports.
	time.Sleep(50 * time.Millisecond)
	require.Len(t, fx.events.byType(bus.EventWakeVerified), 1)
}

// A result frame only resolves a command row addressed to the sending
// node.
func TestLateResultRequiresMatchingNode(t *testing.T) {
	fx := newRouterFixture(t)
	fx.sender.offline["node1"] = true

	res, err := fx.rt.RouteUpdateHost(nasFqn, []byte(`{"notes":"x"}`), Options{})
	require.NoError(t, err)

	fx.rt.OnCommandResult("node2", protocol.CommandResultPayload{CommandID: res.CommandID, Success: true})
	cmd, err := fx.st.GetCommand(res.CommandID)
	require.NoError(t, err)
	require.Equal(t, store.CommandQueued, cmd.State)
	require.EqualValues(t, 1, fx.reg.Snapshot().UnknownAttribution.Total)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{CommandID: res.CommandID, Success: true})
	cmd, err = fx.st.GetCommand(res.CommandID)
	require.NoError(t, err)
	require.Equal(t, store.CommandAcknowledged, cmd.State)
}

func TestNodeDisconnectFailsInflight(t *testing.T) {
	fx := newRouterFixture(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteWake(nasFqn, Options{})
		errCh <- err
	}()
	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)

	fx.rt.OnNodeDisconnected("node1")

	err := <-errCh
	require.True(t, wolerr.IsKind(err, wolerr.KindOffline), "got %v", err)

	cmd, serr := fx.st.GetCommand(wake.CommandID)
	require.NoError(t, serr)
	require.Equal(t, store.CommandFailed, cmd.State)
	require.NotNil(t, cmd.Error)
	require.Equal(t, "node-disconnected", *cmd.Error)
}

func TestRejectedCommandResult(t *testing.T) {
	fx := newRouterFixture(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteWake(nasFqn, Options{})
		errCh <- err
	}()
	frames := fx.sender.waitForFrames(t, 1)
	wake := frames[0].payload.(protocol.WakePayload)

	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{
		CommandID: wake.CommandID, Success: false, Error: "wol disabled on interface",
	})

	err := <-errCh
	require.True(t, wolerr.IsKind(err, wolerr.KindRejected), "got %v", err)

	cmd, serr := fx.st.GetCommand(wake.CommandID)
	require.NoError(t, serr)
	require.Equal(t, store.CommandFailed, cmd.State)
}

func TestUnknownResultCountsUnknownAttribution(t *testing.T) {
	fx := newRouterFixture(t)
	fx.rt.OnCommandResult("node1", protocol.CommandResultPayload{CommandID: "never-dispatched", Success: true})
	require.EqualValues(t, 1, fx.reg.Snapshot().UnknownAttribution.Total)
}

func TestShutdownFailsInflight(t *testing.T) {
	fx := newRouterFixture(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := fx.rt.RouteWake(nasFqn, Options{})
		errCh <- err
	}()
	fx.sender.waitForFrames(t, 1)

	fx.rt.Shutdown()
	require.Error(t, <-errCh)
	require.Zero(t, fx.rt.InflightCount())

	_, err := fx.rt.RouteWake(nasFqn, Options{})
	require.Error(t, err)
}
