package metrics

import (
	"fmt"
	"testing"
	"time"
)

// For every bucket, dispatched must equal acknowledged + failed +
// timedOut + active at all times.
func checkInvariant(t *testing.T, r *Registry) {
	t.Helper()
	snap := r.Snapshot()
	for cmdType, c := range snap.Commands {
		sum := c.Acknowledged + c.Failed + c.TimedOut + c.Active()
		if c.Dispatched != sum {
			t.Errorf("bucket %s: dispatched=%d but resolved+active=%d", cmdType, c.Dispatched, sum)
		}
	}
}

func TestCountersInvariant(t *testing.T) {
	r := New()

	r.RecordDispatch("wake")
	r.RecordDispatch("wake")
	r.RecordDispatch("scan")
	checkInvariant(t, r)

	r.RecordResolution("wake", "c1", "corr_1", OutcomeAcknowledged, 20*time.Millisecond)
	checkInvariant(t, r)
	r.RecordResolution("wake", "c2", "corr_2", OutcomeTimedOut, 30*time.Second)
	checkInvariant(t, r)
	r.RecordResolution("scan", "c3", "corr_3", OutcomeFailed, time.Second)
	checkInvariant(t, r)

	snap := r.Snapshot()
	wake := snap.Commands["wake"]
	if wake.Dispatched != 2 || wake.Acknowledged != 1 || wake.TimedOut != 1 || wake.Active() != 0 {
		t.Errorf("unexpected wake counters: %+v", wake)
	}
	if wake.LastLatencyMs != 30000 {
		t.Errorf("LastLatencyMs = %v, want 30000", wake.LastLatencyMs)
	}
	// 1 of 2 wake dispatches timed out.
	if wake.TimeoutRate != 0.5 {
		t.Errorf("TimeoutRate = %v, want 0.5", wake.TimeoutRate)
	}
	if scan := snap.Commands["scan"]; scan.TimeoutRate != 0 {
		t.Errorf("scan TimeoutRate = %v, want 0", scan.TimeoutRate)
	}
}

func TestUnknownBucket(t *testing.T) {
	r := New()

	// An untracked type lands in the unknown bucket, not a new one.
	r.RecordDispatch("frobnicate")
	snap := r.Snapshot()
	if snap.Commands["unknown"].Dispatched != 1 {
		t.Errorf("untracked dispatch not counted in unknown bucket: %+v", snap.Commands["unknown"])
	}
	if _, ok := snap.Commands["frobnicate"]; ok {
		t.Error("untracked type created its own bucket")
	}

	r.RecordUnknownAttribution()
	r.RecordUnknownAttribution()
	if got := r.Snapshot().UnknownAttribution.Total; got != 2 {
		t.Errorf("UnknownAttribution.Total = %d, want 2", got)
	}
}

func TestInvalidPayloadKeys(t *testing.T) {
	r := New()
	r.RecordInvalidPayload("inbound", "register")
	r.RecordInvalidPayload("inbound", "register")
	r.RecordInvalidPayload("outbound", "wake")

	snap := r.Snapshot()
	if snap.InvalidPayloadByKey["inbound:register"] != 2 {
		t.Errorf("inbound:register = %d, want 2", snap.InvalidPayloadByKey["inbound:register"])
	}
	if snap.InvalidPayloadByKey["outbound:wake"] != 1 {
		t.Errorf("outbound:wake = %d, want 1", snap.InvalidPayloadByKey["outbound:wake"])
	}
}

func TestCorrelationRing(t *testing.T) {
	r := New()
	r.RecordResolution("wake", "c1", "corr_1", OutcomeAcknowledged, time.Millisecond)

	entry, ok := r.LookupCorrelation("c1")
	if !ok {
		t.Fatal("resolved command not found in ring")
	}
	if entry.CorrelationID != "corr_1" || entry.Outcome != OutcomeAcknowledged {
		t.Errorf("unexpected ring entry: %+v", entry)
	}

	// The ring is bounded; old entries fall off.
	for i := 0; i < ringCap+10; i++ {
		r.RecordResolution("wake", fmt.Sprintf("x%d", i), "corr", OutcomeFailed, 0)
	}
	if _, ok := r.LookupCorrelation("c1"); ok {
		t.Error("evicted entry still resolvable")
	}
	snap := r.Snapshot()
	if len(snap.Correlations.RecentResolved) != ringCap {
		t.Errorf("ring length = %d, want %d", len(snap.Correlations.RecentResolved), ringCap)
	}
}
