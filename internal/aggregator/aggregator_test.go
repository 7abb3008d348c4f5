package aggregator

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/protocol"
	"github.com/kaonis/woly-server/internal/store"
)

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

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func (r *eventRecorder) count(eventType string) int {
	n := 0
	for _, t := range r.types() {
		if t == eventType {
			n++
		}
	}
	return n
}

func newTestAggregator(t *testing.T) (*Aggregator, *store.Store, *eventRecorder, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(zerolog.Nop(), store.EngineSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st.WithClock(clock)
	t.Cleanup(func() { _ = st.Close() })

	b := bus.New()
	rec := &eventRecorder{}
	b.Subscribe(rec)

	agg := New(zerolog.Nop(), st, b, 4*time.Hour, 30).WithClock(clock)
	return agg, st, rec, clock
}

func report(name, macAddr, status string) protocol.Host {
	return protocol.Host{Name: name, Mac: macAddr, Status: status}
}

func TestIngestNewHost(t *testing.T) {
	agg, st, rec, _ := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))

	h, err := st.GetHostByFqn("nas@office-node1")
	require.NoError(t, err)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", h.Mac)
	require.Equal(t, store.StatusAwake, h.Status)
	require.Equal(t, []string{bus.EventHostAdded}, rec.types())
}

// One MAC, one row: a renamed host updates its existing row instead of
// creating a duplicate.
func TestIngestRenameKeepsSingleRow(t *testing.T) {
	agg, st, rec, _ := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas-renamed", "aa:bb:cc:dd:ee:ff", "awake")))

	hosts, err := st.ListHostsByNode("node1")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.Equal(t, "nas-renamed", hosts[0].Name)
	require.Equal(t, "nas-renamed@office-node1", hosts[0].Fqn)
	require.Equal(t, 1, rec.count(bus.EventHostAdded))
	require.Equal(t, 1, rec.count(bus.EventHostUpdated))
}

// A stale row under the new name that shares a MAC collapses into the
// surviving row on rename.
func TestRenameCollapsesStaleDuplicate(t *testing.T) {
	agg, st, _, _ := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("old-name", "aa:bb:cc:dd:ee:ff", "awake")))
	require.NoError(t, agg.IngestHostReport("node1", "office", protocol.Host{
		Name: "new-name", Mac: "aa:bb:cc:dd:ee:01",
		SecondaryMacs: []string{"aa:bb:cc:dd:ee:ff"},
	}))
	// Two rows exist now: matched-by-MAC updated "new-name" row.
	hosts, err := st.ListHostsByNode("node1")
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	require.Equal(t, "new-name", hosts[0].Name)
}

func TestStatusTransitionRecorded(t *testing.T) {
	agg, st, rec, clock := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "asleep")))
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))

	require.Equal(t, 1, rec.count(bus.EventHostStatusTransition))

	window, err := st.HistoryWindow("nas@office-node1",
		clock.Now().Add(-time.Minute), clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, store.StatusAsleep, window[0].OldStatus)
	require.Equal(t, store.StatusAwake, window[0].NewStatus)
}

// An identical report changes nothing and emits nothing.
func TestIngestNoChangeNoEvent(t *testing.T) {
	agg, _, rec, _ := newTestAggregator(t)

	r := report("nas", "aa:bb:cc:dd:ee:ff", "awake")
	require.NoError(t, agg.IngestHostReport("node1", "office", r))
	require.NoError(t, agg.IngestHostReport("node1", "office", r))

	require.Equal(t, 0, rec.count(bus.EventHostUpdated))
}

func TestMarkNodeHostsUnreachable(t *testing.T) {
	agg, _, rec, _ := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:01", "awake")))
	require.NoError(t, agg.IngestHostReport("node1", "office", report("printer", "aa:bb:cc:dd:ee:02", "asleep")))

	n, err := agg.MarkNodeHostsUnreachable("node1")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, rec.count(bus.EventNodeHostsUnreachable))
	require.Equal(t, 1, rec.count(bus.EventHostsChanged))

	// A second sweep finds nothing awake and stays silent.
	n, err = agg.MarkNodeHostsUnreachable("node1")
	require.NoError(t, err)
	require.Zero(t, n)
	require.Equal(t, 1, rec.count(bus.EventNodeHostsUnreachable))
}

// A full snapshot is authoritative: rows it no longer mentions are
// dropped and the removal is announced once.
func TestSnapshotRemovesStaleHosts(t *testing.T) {
	agg, st, rec, _ := newTestAggregator(t)
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))
	require.NoError(t, agg.IngestHostReport("node1", "office", report("printer", "11:22:33:44:55:66", "asleep")))

	require.NoError(t, agg.IngestSnapshot("node1", "office", []protocol.Host{
		report("nas", "aa:bb:cc:dd:ee:ff", "awake"),
	}))

	rows, err := st.ListHostsByNode("node1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "nas", rows[0].Name)
	require.Equal(t, 1, rec.count(bus.EventNodeHostsRemoved))

	// A snapshot that matches the table removes nothing.
	require.NoError(t, agg.IngestSnapshot("node1", "office", []protocol.Host{
		report("nas", "aa:bb:cc:dd:ee:ff", "awake"),
	}))
	require.Equal(t, 1, rec.count(bus.EventNodeHostsRemoved))
}

// A renamed host whose MAC is still in the snapshot survives it.
func TestSnapshotKeepsRenamedHostByMac(t *testing.T) {
	agg, st, rec, _ := newTestAggregator(t)
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas-old", "aa:bb:cc:dd:ee:ff", "awake")))

	require.NoError(t, agg.IngestSnapshot("node1", "office", []protocol.Host{
		report("nas", "aa:bb:cc:dd:ee:ff", "awake"),
	}))

	rows, err := st.ListHostsByNode("node1")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "nas", rows[0].Name)
	require.Equal(t, 0, rec.count(bus.EventNodeHostsRemoved))
}

func TestRemoveHost(t *testing.T) {
	agg, st, rec, _ := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))
	require.NoError(t, agg.RemoveHost("node1", "nas"))

	hosts, err := st.ListHostsByNode("node1")
	require.NoError(t, err)
	require.Empty(t, hosts)
	require.Equal(t, 1, rec.count(bus.EventHostRemoved))

	err = agg.RemoveHost("node1", "nas")
	require.Error(t, err)
}

// Port snapshots expire out of the host view after the TTL.
func TestPortScanSnapshotExpiry(t *testing.T) {
	agg, _, _, clock := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))
	require.NoError(t, agg.SavePortScanSnapshot("nas@office-node1", protocol.HostPortScan{
		ScannedAt: clock.Now(),
		OpenPorts: []protocol.OpenPort{{Port: 22, Protocol: "tcp", Service: "ssh"}},
	}))

	v, err := agg.GetHost("nas@office-node1")
	require.NoError(t, err)
	require.Len(t, v.OpenPorts, 1)
	require.NotNil(t, v.PortsScannedAt)

	// TTL is 4h in the test fixture.
	clock.Advance(5 * time.Hour)
	v, err = agg.GetHost("nas@office-node1")
	require.NoError(t, err)
	require.Empty(t, v.OpenPorts)
	require.Nil(t, v.PortsScannedAt)
}

func TestSavePortScanRejectsInvalidPorts(t *testing.T) {
	agg, _, _, clock := newTestAggregator(t)
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))

	err := agg.SavePortScanSnapshot("nas@office-node1", protocol.HostPortScan{
		ScannedAt: clock.Now(),
		OpenPorts: []protocol.OpenPort{{Port: 0, Protocol: "tcp", Service: "x"}},
	})
	require.Error(t, err)
}

func TestResolveHostByExactFqn(t *testing.T) {
	agg, _, _, _ := newTestAggregator(t)
	require.NoError(t, agg.IngestHostReport("node1", "home lab", report("tv", "aa:bb:cc:dd:ee:ff", "awake")))

	// Locations with separators survive because the stored fqn is
	// matched before any parsing.
	v, err := agg.ResolveHost("tv@home+lab-node1")
	require.NoError(t, err)
	require.Equal(t, "tv", v.Name)
	require.Equal(t, "home lab", v.Location)
}

func TestUptimeEndToEnd(t *testing.T) {
	agg, _, _, clock := newTestAggregator(t)

	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "asleep")))
	clock.Advance(1 * time.Hour)
	require.NoError(t, agg.IngestHostReport("node1", "office", report("nas", "aa:bb:cc:dd:ee:ff", "awake")))
	clock.Advance(1 * time.Hour)

	// Host was awake for the last hour of a 2h window.
	summary, err := agg.Uptime("nas@office-node1", "2h")
	require.NoError(t, err)
	require.InDelta(t, 50.0, summary.UptimePercent, 0.5)
	require.Equal(t, store.StatusAwake, summary.CurrentStatus)
}
