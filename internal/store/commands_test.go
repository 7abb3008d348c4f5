package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func queueCommand(t *testing.T, st *Store, id string, at time.Time) {
	t.Helper()
	require.NoError(t, st.InsertCommand(&Command{
		CommandID:     id,
		Type:          "wake",
		NodeID:        "node1",
		Target:        "nas@office-node1",
		State:         CommandQueued,
		CorrelationID: "corr_" + id,
		QueuedAt:      at,
	}))
}

func TestCommandLifecycle(t *testing.T) {
	st, clock := newTestStore(t)
	queueCommand(t, st, "c1", clock.Now())

	cmd, err := st.GetCommand("c1")
	require.NoError(t, err)
	require.Equal(t, CommandQueued, cmd.State)
	require.False(t, cmd.Terminal())

	require.NoError(t, st.MarkCommandSent("c1", clock.Now()))
	cmd, err = st.GetCommand("c1")
	require.NoError(t, err)
	require.Equal(t, CommandSent, cmd.State)
	require.NotNil(t, cmd.SentAt)

	outcome := json.RawMessage(`{"ok":true}`)
	moved, err := st.ResolveCommand("c1", CommandAcknowledged, outcome, nil, clock.Now())
	require.NoError(t, err)
	require.True(t, moved)

	cmd, err = st.GetCommand("c1")
	require.NoError(t, err)
	require.Equal(t, CommandAcknowledged, cmd.State)
	require.True(t, cmd.Terminal())
	require.JSONEq(t, `{"ok":true}`, string(cmd.Outcome))
}

// Terminal states are monotonic: a late result against a resolved
// command must not change it.
func TestResolveCommandMonotonic(t *testing.T) {
	st, clock := newTestStore(t)
	queueCommand(t, st, "c1", clock.Now())

	moved, err := st.ResolveCommand("c1", CommandTimedOut, nil, nil, clock.Now())
	require.NoError(t, err)
	require.True(t, moved)

	late := "late result"
	moved, err = st.ResolveCommand("c1", CommandFailed, nil, &late, clock.Now())
	require.NoError(t, err)
	require.False(t, moved)

	cmd, err := st.GetCommand("c1")
	require.NoError(t, err)
	require.Equal(t, CommandTimedOut, cmd.State)
	require.Nil(t, cmd.Error)
}

func TestReconcileCommandsOnStartup(t *testing.T) {
	st, clock := newTestStore(t)

	queueCommand(t, st, "queued", clock.Now())
	queueCommand(t, st, "sent", clock.Now())
	require.NoError(t, st.MarkCommandSent("sent", clock.Now()))
	queueCommand(t, st, "done", clock.Now())
	_, err := st.ResolveCommand("done", CommandAcknowledged, nil, nil, clock.Now())
	require.NoError(t, err)

	n, err := st.ReconcileCommandsOnStartup()
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	for _, id := range []string{"queued", "sent"} {
		cmd, err := st.GetCommand(id)
		require.NoError(t, err)
		require.Equal(t, CommandTimedOut, cmd.State)
		require.NotNil(t, cmd.Error)
		require.Equal(t, ReasonReconciledOnRestart, *cmd.Error)
	}

	cmd, err := st.GetCommand("done")
	require.NoError(t, err)
	require.Equal(t, CommandAcknowledged, cmd.State)
	require.Nil(t, cmd.Error)
}

func TestFindActiveCommand(t *testing.T) {
	st, clock := newTestStore(t)

	key := "k1"
	require.NoError(t, st.InsertCommand(&Command{
		CommandID:      "c1",
		Type:           "update-host",
		NodeID:         "node1",
		Target:         "nas@office-node1",
		State:          CommandQueued,
		CorrelationID:  "corr_c1",
		IdempotencyKey: &key,
		QueuedAt:       clock.Now(),
	}))

	cmd, err := st.FindActiveCommand("node1", "update-host", "nas@office-node1", "k1")
	require.NoError(t, err)
	require.Equal(t, "c1", cmd.CommandID)
	require.Equal(t, "corr_c1", cmd.CorrelationID)

	// Sent rows still count as active.
	require.NoError(t, st.MarkCommandSent("c1", clock.Now()))
	cmd, err = st.FindActiveCommand("node1", "update-host", "nas@office-node1", "k1")
	require.NoError(t, err)
	require.Equal(t, "c1", cmd.CommandID)

	// Any other scope misses.
	_, err = st.FindActiveCommand("node2", "update-host", "nas@office-node1", "k1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.FindActiveCommand("node1", "delete-host", "nas@office-node1", "k1")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.FindActiveCommand("node1", "update-host", "nas@office-node1", "k2")
	require.ErrorIs(t, err, ErrNotFound)

	// Terminal rows stop matching.
	_, err = st.ResolveCommand("c1", CommandAcknowledged, nil, nil, clock.Now())
	require.NoError(t, err)
	_, err = st.FindActiveCommand("node1", "update-host", "nas@office-node1", "k1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPruneCommands(t *testing.T) {
	st, clock := newTestStore(t)

	queueCommand(t, st, "old", clock.Now())
	_, err := st.ResolveCommand("old", CommandFailed, nil, nil, clock.Now().Add(-8*24*time.Hour))
	require.NoError(t, err)

	queueCommand(t, st, "fresh", clock.Now())
	_, err = st.ResolveCommand("fresh", CommandAcknowledged, nil, nil, clock.Now())
	require.NoError(t, err)

	queueCommand(t, st, "pending", clock.Now().Add(-30*24*time.Hour))

	n, err := st.PruneCommands(clock.Now().Add(-7 * 24 * time.Hour))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = st.GetCommand("old")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = st.GetCommand("fresh")
	require.NoError(t, err)
	// Non-terminal rows are never pruned, however old.
	_, err = st.GetCommand("pending")
	require.NoError(t, err)
}
