// Package metrics keeps in-memory runtime counters for command routing
// plus a bounded trail of resolved correlation ids.
package metrics

import (
	"sync"
	"time"
)

// Tracked command types. Outcomes that cannot be attributed to a
// dispatch of a tracked type land in the "unknown" bucket.
var trackedTypes = []string{
	"wake", "scan", "scan-host-ports", "update-host", "delete-host", "ping-host",
}

const unknownBucket = "unknown"

// ringCap bounds the recent-resolved correlation trail.
const ringCap = 200

// CommandCounters is the per-type counter set.
type CommandCounters struct {
	Dispatched          int64   `json:"dispatched"`
	Acknowledged        int64   `json:"acknowledged"`
	Failed              int64   `json:"failed"`
	TimedOut            int64   `json:"timedOut"`
	Completed           int64   `json:"completed"`
	CumulativeLatencyMs float64 `json:"cumulativeLatencyMs"`
	LastLatencyMs       float64 `json:"lastLatencyMs"`
	TimeoutRate         float64 `json:"timeoutRate"`
}

// Active returns the number of dispatched commands not yet resolved.
func (c CommandCounters) Active() int64 {
	return c.Dispatched - c.Acknowledged - c.Failed - c.TimedOut
}

// ResolvedEntry is one ring slot tying a command to its correlation id
// and outcome.
type ResolvedEntry struct {
	CommandID     string `json:"commandId"`
	CorrelationID string `json:"correlationId"`
	Outcome       string `json:"outcome"`
	ResolvedAtMs  int64  `json:"resolvedAtMs"`
}

// Registry is the runtime metrics store. All methods are safe for
// concurrent use.
type Registry struct {
	mu       sync.Mutex
	commands map[string]*CommandCounters

	unknownTotal int64

	ring     [ringCap]ResolvedEntry
	ringNext int
	ringLen  int

	invalidPayloads map[string]int64
}

// New creates a registry with all tracked buckets pre-seeded so the
// snapshot shape is stable from the first call.
func New() *Registry {
	r := &Registry{
		commands:        make(map[string]*CommandCounters, len(trackedTypes)+1),
		invalidPayloads: make(map[string]int64),
	}
	for _, t := range trackedTypes {
		r.commands[t] = &CommandCounters{}
	}
	r.commands[unknownBucket] = &CommandCounters{}
	return r
}

func (r *Registry) bucket(cmdType string) *CommandCounters {
	if c, ok := r.commands[cmdType]; ok {
		return c
	}
	return r.commands[unknownBucket]
}

// RecordDispatch counts an outbound command of the given type.
func (r *Registry) RecordDispatch(cmdType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bucket(cmdType).Dispatched++
}

// Outcome names used in the resolved ring.
const (
	OutcomeAcknowledged = "acknowledged"
	OutcomeFailed       = "failed"
	OutcomeTimedOut     = "timed_out"
)

// RecordResolution counts a terminal outcome for a dispatched command
// and records it in the correlation ring. Must be called strictly after
// the state transition it describes.
func (r *Registry) RecordResolution(cmdType, commandID, correlationID, outcome string, latency time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := r.bucket(cmdType)
	switch outcome {
	case OutcomeAcknowledged:
		c.Acknowledged++
	case OutcomeTimedOut:
		c.TimedOut++
	default:
		c.Failed++
	}
	c.Completed++
	ms := float64(latency.Milliseconds())
	c.CumulativeLatencyMs += ms
	c.LastLatencyMs = ms

	r.ring[r.ringNext] = ResolvedEntry{
		CommandID:     commandID,
		CorrelationID: correlationID,
		Outcome:       outcome,
		ResolvedAtMs:  time.Now().UnixMilli(),
	}
	r.ringNext = (r.ringNext + 1) % ringCap
	if r.ringLen < ringCap {
		r.ringLen++
	}
}

// RecordUnknownAttribution counts a result that arrived with no active
// dispatch and no type hint, e.g. a node result after a timeout window.
func (r *Registry) RecordUnknownAttribution() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unknownTotal++
}

// RecordInvalidPayload counts a rejected frame keyed "direction:type".
func (r *Registry) RecordInvalidPayload(direction, msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invalidPayloads[direction+":"+msgType]++
}

// LookupCorrelation finds a resolved entry by command id in the ring.
func (r *Registry) LookupCorrelation(commandID string) (ResolvedEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := 0; i < r.ringLen; i++ {
		idx := (r.ringNext - 1 - i + ringCap) % ringCap
		if r.ring[idx].CommandID == commandID {
			return r.ring[idx], true
		}
	}
	return ResolvedEntry{}, false
}

// Snapshot is the stable serialized shape of the registry.
type Snapshot struct {
	Commands           map[string]CommandCounters `json:"commands"`
	UnknownAttribution struct {
		Total int64 `json:"total"`
	} `json:"unknownAttribution"`
	Correlations struct {
		RecentResolved []ResolvedEntry `json:"recentResolved"`
	} `json:"correlations"`
	InvalidPayloadByKey map[string]int64 `json:"invalidPayloadByKey"`
}

// Snapshot returns a copy of all counters. For every bucket the
// invariant dispatched == acknowledged + failed + timedOut + active
// holds by construction.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	var snap Snapshot
	snap.Commands = make(map[string]CommandCounters, len(r.commands))
	for t, c := range r.commands {
		cc := *c
		if cc.Dispatched > 0 {
			cc.TimeoutRate = float64(cc.TimedOut) / float64(cc.Dispatched)
		}
		snap.Commands[t] = cc
	}
	snap.UnknownAttribution.Total = r.unknownTotal

	recent := make([]ResolvedEntry, 0, r.ringLen)
	for i := 0; i < r.ringLen; i++ {
		idx := (r.ringNext - 1 - i + ringCap) % ringCap
		recent = append(recent, r.ring[idx])
	}
	snap.Correlations.RecentResolved = recent

	snap.InvalidPayloadByKey = make(map[string]int64, len(r.invalidPayloads))
	for k, v := range r.invalidPayloads {
		snap.InvalidPayloadByKey[k] = v
	}
	return snap
}
