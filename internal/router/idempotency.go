package router

import (
	"sync"
	"time"
)

// dedupRetention bounds how long a terminal command's outcome stays
// replayable for its idempotency key.
const dedupRetention = 10 * time.Minute

type dedupKey struct {
	nodeID  string
	cmdType string
	target  string
	key     string
}

type dedupEntry struct {
	commandID     string
	correlationID string
	waiter        *waiter
	terminal      *outcome
	resolvedAt    time.Time
}

// dedupMap enforces at-most-once semantics per idempotency key scoped
// to (node, commandType, target). Terminal entries are reclaimed after
// a retention window to bound memory.
type dedupMap struct {
	mu      sync.Mutex
	entries map[dedupKey]*dedupEntry
	now     func() time.Time
}

func newDedupMap(now func() time.Time) *dedupMap {
	return &dedupMap{entries: make(map[dedupKey]*dedupEntry), now: now}
}

// claim consults the map under the lock. When an entry already exists
// it is returned and claimed is false: the caller either attaches to
// its waiter or replays its terminal outcome, always against the
// original command and correlation ids. Otherwise the caller registered
// the key and proceeds to dispatch.
func (d *dedupMap) claim(key dedupKey, commandID, correlationID string, w *waiter) (existing *dedupEntry, claimed bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.pruneLocked()

	if e, ok := d.entries[key]; ok {
		return e, false
	}

	d.entries[key] = &dedupEntry{commandID: commandID, correlationID: correlationID, waiter: w}
	return nil, true
}

// settle records the terminal outcome for a key so repeated requests
// within the retention window replay it.
func (d *dedupMap) settle(key dedupKey, o outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.entries[key]; ok {
		e.terminal = &o
		e.resolvedAt = d.now()
	}
}

// drop removes a key, e.g. when dispatch failed before a command was
// ever sent.
func (d *dedupMap) drop(key dedupKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key)
}

func (d *dedupMap) pruneLocked() {
	cutoff := d.now().Add(-dedupRetention)
	for k, e := range d.entries {
		if e.terminal != nil && e.resolvedAt.Before(cutoff) {
			delete(d.entries, k)
		}
	}
}
