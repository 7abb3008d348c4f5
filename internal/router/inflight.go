package router

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/kaonis/woly-server/internal/wolerr"
)

// outcome is the terminal result of a command, delivered exactly once
// through a waiter.
type outcome struct {
	state   string // store.CommandAcknowledged / CommandFailed / CommandTimedOut
	kind    wolerr.Kind
	message string
	payload json.RawMessage
}

// waiter is a one-shot completion primitive. Multiple callers may await
// the same waiter (idempotent attach); resolution is first-wins and
// final.
type waiter struct {
	once   sync.Once
	done   chan struct{}
	result outcome
}

func newWaiter() *waiter {
	return &waiter{done: make(chan struct{})}
}

// resolve completes the waiter. Later calls are ignored.
func (w *waiter) resolve(o outcome) bool {
	resolved := false
	w.once.Do(func() {
		w.result = o
		close(w.done)
		resolved = true
	})
	return resolved
}

// await blocks until the waiter resolves.
func (w *waiter) await() outcome {
	<-w.done
	return w.result
}

// inflightEntry tracks one outstanding command. completeOnce guards the
// finalization side effects; the waiter only wakes callers after they
// ran.
type inflightEntry struct {
	commandID     string
	cmdType       string
	nodeID        string
	fqn           string
	correlationID string
	startedAt     time.Time
	deadline      time.Time
	waiter        *waiter

	dedupKey     *dedupKey
	locked       bool // holds the per-host mutating lock
	timer        clockwork.Timer
	completeOnce sync.Once
}

// inflightTable is the router's registry of outstanding commands. The
// router is its single owner; all access goes through these methods.
type inflightTable struct {
	mu      sync.Mutex
	entries map[string]*inflightEntry
}

func newInflightTable() *inflightTable {
	return &inflightTable{entries: make(map[string]*inflightEntry)}
}

func (t *inflightTable) add(e *inflightEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[e.commandID] = e
}

func (t *inflightTable) remove(commandID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, commandID)
}

func (t *inflightTable) get(commandID string) (*inflightEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[commandID]
	return e, ok
}

// byNode returns every entry targeting the given node.
func (t *inflightTable) byNode(nodeID string) []*inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*inflightEntry
	for _, e := range t.entries {
		if e.nodeID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// all returns every outstanding entry.
func (t *inflightTable) all() []*inflightEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*inflightEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

func (t *inflightTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
