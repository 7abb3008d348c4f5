package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	st, err := Open(zerolog.Nop(), EngineSQLite, filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	st.WithClock(clock)
	t.Cleanup(func() { _ = st.Close() })
	return st, clock
}

func testHost(nodeID, name, mac string) *AggregatedHost {
	return &AggregatedHost{
		NodeID:   nodeID,
		Name:     name,
		Location: "office",
		Fqn:      name + "@office-" + nodeID,
		Mac:      mac,
		Status:   StatusAsleep,
	}
}

func TestHostInsertAndLookup(t *testing.T) {
	st, _ := newTestStore(t)

	h := testHost("node1", "nas", "AA:BB:CC:DD:EE:FF")
	require.NoError(t, st.InsertHost(h))
	require.NotZero(t, h.ID)

	got, err := st.GetHostByFqn(h.Fqn)
	require.NoError(t, err)
	require.Equal(t, "nas", got.Name)
	require.Equal(t, "AA:BB:CC:DD:EE:FF", got.Mac)

	got, err = st.GetHostByNodeAndName("node1", "nas")
	require.NoError(t, err)
	require.Equal(t, h.Fqn, got.Fqn)

	_, err = st.GetHostByFqn("ghost@nowhere")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestMarkNodeHostsAsleep(t *testing.T) {
	st, clock := newTestStore(t)

	awake := testHost("node1", "nas", "AA:BB:CC:DD:EE:01")
	awake.Status = StatusAwake
	asleep := testHost("node1", "printer", "AA:BB:CC:DD:EE:02")
	other := testHost("node2", "desktop", "AA:BB:CC:DD:EE:03")
	other.Status = StatusAwake

	for _, h := range []*AggregatedHost{awake, asleep, other} {
		require.NoError(t, st.InsertHost(h))
	}

	flipped, err := st.MarkNodeHostsAsleep("node1", clock.Now())
	require.NoError(t, err)
	require.Len(t, flipped, 1)
	require.Equal(t, "nas", flipped[0].Name)

	got, err := st.GetHostByFqn(awake.Fqn)
	require.NoError(t, err)
	require.Equal(t, StatusAsleep, got.Status)

	// Hosts on other nodes are untouched.
	got, err = st.GetHostByFqn(other.Fqn)
	require.NoError(t, err)
	require.Equal(t, StatusAwake, got.Status)

	// The flip is recorded in the status history.
	window, err := st.HistoryWindow(awake.Fqn, clock.Now().Add(-time.Minute), clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Equal(t, StatusAwake, window[0].OldStatus)
	require.Equal(t, StatusAsleep, window[0].NewStatus)
}

func TestComputeUptime(t *testing.T) {
	st, clock := newTestStore(t)
	base := clock.Now()
	fqn := "nas@office-node1"

	// Awake for the first half of a 4h window, asleep after.
	require.NoError(t, st.AppendStatusTransition(fqn, StatusAsleep, StatusAwake, base))
	require.NoError(t, st.AppendStatusTransition(fqn, StatusAwake, StatusAsleep, base.Add(2*time.Hour)))

	summary, err := st.ComputeUptime(fqn, "4h", base, base.Add(4*time.Hour), StatusAsleep)
	require.NoError(t, err)
	require.InDelta(t, 50.0, summary.UptimePercent, 0.01)
	require.Equal(t, 2, summary.Transitions)
	require.Equal(t, StatusAsleep, summary.CurrentStatus)
}

func TestPruneHistory(t *testing.T) {
	st, clock := newTestStore(t)
	base := clock.Now()
	fqn := "nas@office-node1"

	require.NoError(t, st.AppendStatusTransition(fqn, StatusAsleep, StatusAwake, base.Add(-48*time.Hour)))
	require.NoError(t, st.AppendStatusTransition(fqn, StatusAwake, StatusAsleep, base))

	n, err := st.PruneHistory(base.Add(-24 * time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
