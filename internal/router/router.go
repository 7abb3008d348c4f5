// Package router correlates operator intents with one-shot commands
// over node channels. It enforces idempotency, per-host serialization
// of mutating commands, per-command timeouts, and durable logging of
// every state transition.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/aggregator"
	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/metrics"
	"github.com/kaonis/woly-server/internal/nodegate"
	"github.com/kaonis/woly-server/internal/protocol"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/wolerr"
)

// Command types as persisted in the command log.
const (
	TypeWake          = "wake"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
	TypeScan          = "scan"
	TypeScanHostPorts = "scan-host-ports"
	TypePingHost      = "ping-host"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
)

// AllOfflineMessage is returned by RouteScanHosts when no node is
// connected.
const AllOfflineMessage = "All nodes are offline; no connected nodes available for scan"

func isMutating(cmdType string) bool {
	switch cmdType {
	case TypeWake, TypeSleepHost, TypeShutdownHost, TypeUpdateHost, TypeDeleteHost:
		return true
	}
	return false
}

// Sender abstracts the node session manager.
type Sender interface {
	Send(nodeID, msgType string, payload any) error
	IsOnline(nodeID string) bool
	OnlineNodes() []string
}

// Options tune a routed command.
type Options struct {
	IdempotencyKey string
	CorrelationID  string
	Confirm        bool // required for sleep/shutdown
	Verify         bool // wake: start post-ack verification
	WolPort        int  // wake: override WoL port
}

// Result is the structured outcome of a routed command.
type Result struct {
	Success       bool            `json:"success"`
	CommandID     string          `json:"commandId"`
	CorrelationID string          `json:"correlationId"`
	NodeID        string          `json:"nodeId,omitempty"`
	Location      string          `json:"location,omitempty"`
	State         string          `json:"state"`
	Message       string          `json:"message,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`

	// replayed marks results served from the idempotency map or the
	// queued-command log rather than a fresh dispatch.
	replayed bool
}

// PingSnapshot is the outcome of a routed ping.
type PingSnapshot struct {
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Success   bool    `json:"success"`
	Status    string  `json:"status"`
	Source    string  `json:"source"`
}

// PortScanSnapshot is the outcome of a routed port scan.
type PortScanSnapshot struct {
	ScannedAt time.Time           `json:"scannedAt"`
	OpenPorts []protocol.OpenPort `json:"openPorts"`
}

// Router maps operator intents to node-bound commands.
type Router struct {
	log     zerolog.Logger
	cfg     *config.Config
	store   *store.Store
	agg     *aggregator.Aggregator
	sender  Sender
	metrics *metrics.Registry
	bus     *bus.Bus
	clock   clockwork.Clock

	inflight *inflightTable
	dedup    *dedupMap

	mu            sync.Mutex
	hostLocks     map[string]string // fqn -> commandId of the inflight mutating command
	scansInFlight map[string]bool   // fqn -> port scan running

	shutdown bool
}

// New creates a command router.
func New(log zerolog.Logger, cfg *config.Config, st *store.Store, agg *aggregator.Aggregator, sender Sender, reg *metrics.Registry, b *bus.Bus) *Router {
	clock := clockwork.NewRealClock()
	return &Router{
		log:           log.With().Str("component", "router").Logger(),
		cfg:           cfg,
		store:         st,
		agg:           agg,
		sender:        sender,
		metrics:       reg,
		bus:           b,
		clock:         clock,
		inflight:      newInflightTable(),
		dedup:         newDedupMap(clock.Now),
		hostLocks:     make(map[string]string),
		scansInFlight: make(map[string]bool),
	}
}

// WithClock replaces the router's clock. Used by tests.
func (r *Router) WithClock(clock clockwork.Clock) *Router {
	r.clock = clock
	r.dedup.now = clock.Now
	return r
}

func (r *Router) correlationID(opts Options) string {
	if opts.CorrelationID != "" {
		return opts.CorrelationID
	}
	return "corr_" + uuid.NewString()
}

// RouteWake dispatches a Wake-on-LAN command for the host.
func (r *Router) RouteWake(hostFqn string, opts Options) (*Result, error) {
	host, err := r.agg.ResolveHost(hostFqn)
	if err != nil {
		return nil, err
	}

	res, err := r.execute(host, TypeWake, opts, false, func(commandID string) (string, any) {
		return protocol.TypeWake, protocol.WakePayload{
			CommandID: commandID,
			HostName:  host.Name,
			Mac:       host.Mac,
			WolPort:   opts.WolPort,
			Verify:    opts.Verify,
		}
	})
	if err != nil {
		return nil, err
	}

	// A replayed acknowledgement already has a verification goroutine
	// from its original dispatch.
	if opts.Verify && res.State == store.CommandAcknowledged && !res.replayed {
		go r.verifyWake(res.CommandID, host.Fqn, res.CorrelationID)
	}
	return res, nil
}

// RouteSleep dispatches a sleep command. The confirm token guards
// against accidental mutation.
func (r *Router) RouteSleep(hostFqn string, opts Options) (*Result, error) {
	if !opts.Confirm {
		return nil, wolerr.New(wolerr.KindInvalidRequest, "confirmation required for sleep")
	}
	return r.routeSimpleHostCommand(hostFqn, TypeSleepHost, protocol.TypeSleepHost, opts, false)
}

// RouteShutdown dispatches a shutdown command.
func (r *Router) RouteShutdown(hostFqn string, opts Options) (*Result, error) {
	if !opts.Confirm {
		return nil, wolerr.New(wolerr.KindInvalidRequest, "confirmation required for shutdown")
	}
	return r.routeSimpleHostCommand(hostFqn, TypeShutdownHost, protocol.TypeShutdownHost, opts, false)
}

// RouteDeleteHost dispatches a delete. When the node is offline the
// command is left queued instead of failing.
func (r *Router) RouteDeleteHost(hostFqn string, opts Options) (*Result, error) {
	return r.routeSimpleHostCommand(hostFqn, TypeDeleteHost, protocol.TypeDeleteHost, opts, true)
}

func (r *Router) routeSimpleHostCommand(hostFqn, cmdType, msgType string, opts Options, allowQueued bool) (*Result, error) {
	host, err := r.agg.ResolveHost(hostFqn)
	if err != nil {
		return nil, err
	}
	return r.execute(host, cmdType, opts, allowQueued, func(commandID string) (string, any) {
		return msgType, protocol.HostCommandPayload{CommandID: commandID, Fqn: host.Fqn}
	})
}

// RouteUpdateHost dispatches a partial host update. Offline nodes leave
// the command queued.
func (r *Router) RouteUpdateHost(hostFqn string, patch json.RawMessage, opts Options) (*Result, error) {
	host, err := r.agg.ResolveHost(hostFqn)
	if err != nil {
		return nil, err
	}
	return r.execute(host, TypeUpdateHost, opts, true, func(commandID string) (string, any) {
		return protocol.TypeUpdateHost, protocol.UpdateHostPayload{
			CommandID: commandID,
			Fqn:       host.Fqn,
			Patch:     patch,
		}
	})
}

// RoutePingHost dispatches a ping and returns the node's snapshot.
func (r *Router) RoutePingHost(hostFqn string, opts Options) (*PingSnapshot, error) {
	host, err := r.agg.ResolveHost(hostFqn)
	if err != nil {
		return nil, err
	}
	res, err := r.execute(host, TypePingHost, opts, false, func(commandID string) (string, any) {
		return protocol.TypePingHost, protocol.HostCommandPayload{CommandID: commandID, Fqn: host.Fqn}
	})
	if err != nil {
		return nil, err
	}
	var snap PingSnapshot
	if err := json.Unmarshal(res.Payload, &snap); err != nil {
		return nil, wolerr.Wrap(wolerr.KindInternal, "malformed ping payload", err)
	}
	return &snap, nil
}

// RouteScanHostPorts dispatches a port scan and returns the fresh
// snapshot. At most one scan per host runs at a time.
func (r *Router) RouteScanHostPorts(hostFqn string, opts Options) (*PortScanSnapshot, error) {
	host, err := r.agg.ResolveHost(hostFqn)
	if err != nil {
		return nil, err
	}

	res, err := r.execute(host, TypeScanHostPorts, opts, false, func(commandID string) (string, any) {
		return protocol.TypeScanHostPorts, protocol.HostCommandPayload{CommandID: commandID, Fqn: host.Fqn}
	})
	if err != nil {
		return nil, err
	}

	var snap PortScanSnapshot
	if err := json.Unmarshal(res.Payload, &snap); err != nil {
		return nil, wolerr.Wrap(wolerr.KindInternal, "malformed port scan payload", err)
	}
	return &snap, nil
}

// ScanDispatch reports a scan broadcast.
type ScanDispatch struct {
	Dispatched    int    `json:"dispatched"`
	CorrelationID string `json:"correlationId"`
}

// RouteScanHosts broadcasts a network scan to every connected node.
// Results arrive as unsolicited host events; the per-node commands
// resolve in the background.
func (r *Router) RouteScanHosts(opts Options) (*ScanDispatch, error) {
	nodes := r.sender.OnlineNodes()
	if len(nodes) == 0 {
		return nil, wolerr.New(wolerr.KindOffline, AllOfflineMessage)
	}

	correlationID := r.correlationID(opts)
	dispatched := 0
	for _, nodeID := range nodes {
		commandID := uuid.NewString()
		e := &inflightEntry{
			commandID:     commandID,
			cmdType:       TypeScan,
			nodeID:        nodeID,
			correlationID: correlationID,
			startedAt:     r.clock.Now(),
			deadline:      r.clock.Now().Add(r.cfg.CommandTimeout),
			waiter:        newWaiter(),
		}
		if err := r.begin(e, protocol.TypeScan, protocol.ScanPayload{CommandID: commandID}); err != nil {
			r.log.Warn().Err(err).Str("node", nodeID).Msg("scan dispatch failed")
			continue
		}
		dispatched++
	}
	if dispatched == 0 {
		return nil, wolerr.New(wolerr.KindOffline, AllOfflineMessage)
	}
	return &ScanDispatch{Dispatched: dispatched, CorrelationID: correlationID}, nil
}

// execute runs the shared dispatch pipeline for single-host commands.
func (r *Router) execute(host *aggregator.HostView, cmdType string, opts Options, allowQueued bool, build func(commandID string) (string, any)) (*Result, error) {
	r.mu.Lock()
	if r.shutdown {
		r.mu.Unlock()
		return nil, wolerr.New(wolerr.KindInternal, "shutting down")
	}
	r.mu.Unlock()

	correlationID := r.correlationID(opts)
	now := r.clock.Now()

	// Offline node: queue-tolerant commands persist and return; the
	// rest fail fast.
	if !r.sender.IsOnline(host.NodeID) {
		if !allowQueued {
			return nil, wolerr.Newf(wolerr.KindOffline, "node %s is offline", host.NodeID).
				WithCorrelation(correlationID)
		}
		// A repeat of a still-open queued request replays the original
		// row instead of inserting a duplicate.
		if opts.IdempotencyKey != "" {
			prior, err := r.store.FindActiveCommand(host.NodeID, cmdType, host.Fqn, opts.IdempotencyKey)
			if err == nil {
				return &Result{
					Success:       true,
					CommandID:     prior.CommandID,
					CorrelationID: prior.CorrelationID,
					NodeID:        host.NodeID,
					Location:      host.Location,
					State:         prior.State,
					Message:       "node offline, command queued",
					replayed:      true,
				}, nil
			}
			if err != store.ErrNotFound {
				return nil, wolerr.Wrap(wolerr.KindInternal, "failed to look up queued command", err)
			}
		}
		commandID := uuid.NewString()
		_, payload := build(commandID)
		payloadJSON, _ := json.Marshal(payload)
		cmd := &store.Command{
			CommandID:     commandID,
			Type:          cmdType,
			NodeID:        host.NodeID,
			Target:        host.Fqn,
			Payload:       payloadJSON,
			State:         store.CommandQueued,
			CorrelationID: correlationID,
			QueuedAt:      now,
		}
		if opts.IdempotencyKey != "" {
			k := opts.IdempotencyKey
			cmd.IdempotencyKey = &k
		}
		if err := r.store.InsertCommand(cmd); err != nil {
			return nil, wolerr.Wrap(wolerr.KindInternal, "failed to queue command", err)
		}
		return &Result{
			Success:       true,
			CommandID:     commandID,
			CorrelationID: correlationID,
			NodeID:        host.NodeID,
			Location:      host.Location,
			State:         store.CommandQueued,
			Message:       "node offline, command queued",
		}, nil
	}

	commandID := uuid.NewString()
	w := newWaiter()

	var dk *dedupKey
	if opts.IdempotencyKey != "" {
		key := dedupKey{nodeID: host.NodeID, cmdType: cmdType, target: host.Fqn, key: opts.IdempotencyKey}
		existing, claimed := r.dedup.claim(key, commandID, correlationID, w)
		if !claimed {
			// Replays keep the original command's correlation id for the
			// whole command lifetime.
			var o outcome
			if existing.terminal != nil {
				o = *existing.terminal
			} else {
				o = existing.waiter.await()
			}
			res, err := r.resultFrom(o, existing.commandID, existing.correlationID, host)
			if res != nil {
				res.replayed = true
			}
			return res, err
		}
		dk = &key
	}

	// Serialize mutating commands per host.
	locked := false
	if isMutating(cmdType) {
		r.mu.Lock()
		if holder, busy := r.hostLocks[host.Fqn]; busy {
			r.mu.Unlock()
			if dk != nil {
				r.dedup.drop(*dk)
			}
			return nil, wolerr.Newf(wolerr.KindConflict,
				"command %s already in progress for %s", holder, host.Fqn).
				WithCorrelation(correlationID)
		}
		r.hostLocks[host.Fqn] = commandID
		locked = true
		r.mu.Unlock()
	}

	// At most one port scan per host; the guard is taken after the dedup
	// check so replays never hold it.
	if cmdType == TypeScanHostPorts {
		r.mu.Lock()
		if r.scansInFlight[host.Fqn] {
			r.mu.Unlock()
			if dk != nil {
				r.dedup.drop(*dk)
			}
			return nil, wolerr.Newf(wolerr.KindConflict, "port scan already in progress for %s", host.Fqn).
				WithCorrelation(correlationID)
		}
		r.scansInFlight[host.Fqn] = true
		r.mu.Unlock()
	}

	e := &inflightEntry{
		commandID:     commandID,
		cmdType:       cmdType,
		nodeID:        host.NodeID,
		fqn:           host.Fqn,
		correlationID: correlationID,
		startedAt:     now,
		deadline:      now.Add(r.cfg.CommandTimeout),
		waiter:        w,
		dedupKey:      dk,
		locked:        locked,
	}

	msgType, payload := build(commandID)
	if err := r.begin(e, msgType, payload); err != nil {
		r.release(e)
		if dk != nil {
			r.dedup.drop(*dk)
		}
		return nil, err
	}

	o := w.await()
	return r.resultFrom(o, commandID, correlationID, host)
}

// begin persists the queued row, dispatches the frame, and arms the
// timeout. The metrics dispatch count happens after the row exists.
func (r *Router) begin(e *inflightEntry, msgType string, payload any) error {
	now := r.clock.Now()

	var payloadJSON json.RawMessage
	if data, err := json.Marshal(payload); err == nil {
		payloadJSON = data
	}
	cmd := &store.Command{
		CommandID:     e.commandID,
		Type:          e.cmdType,
		NodeID:        e.nodeID,
		Target:        e.fqn,
		Payload:       payloadJSON,
		State:         store.CommandQueued,
		CorrelationID: e.correlationID,
		QueuedAt:      now,
	}
	if e.dedupKey != nil {
		k := e.dedupKey.key
		cmd.IdempotencyKey = &k
	}
	if err := r.store.InsertCommand(cmd); err != nil {
		return wolerr.Wrap(wolerr.KindInternal, "failed to persist command", err)
	}

	r.inflight.add(e)
	r.metrics.RecordDispatch(e.cmdType)

	if err := r.sender.Send(e.nodeID, msgType, payload); err != nil {
		r.inflight.remove(e.commandID)
		errMsg := err.Error()
		if _, rerr := r.store.ResolveCommand(e.commandID, store.CommandFailed, nil, &errMsg, r.clock.Now()); rerr != nil {
			r.log.Error().Err(rerr).Str("command", e.commandID).Msg("failed to record dispatch failure")
		}
		r.metrics.RecordResolution(e.cmdType, e.commandID, e.correlationID, metrics.OutcomeFailed, r.clock.Now().Sub(e.startedAt))
		if errors.Is(err, nodegate.ErrNotConnected) {
			return wolerr.Newf(wolerr.KindOffline, "node %s is offline", e.nodeID).WithCorrelation(e.correlationID)
		}
		return wolerr.Wrap(wolerr.KindInternal, "failed to send command", err).WithCorrelation(e.correlationID)
	}

	if err := r.store.MarkCommandSent(e.commandID, r.clock.Now()); err != nil {
		r.log.Error().Err(err).Str("command", e.commandID).Msg("failed to mark command sent")
	}

	e.timer = r.clock.AfterFunc(r.cfg.CommandTimeout, func() {
		r.complete(e, outcome{
			state:   store.CommandTimedOut,
			kind:    wolerr.KindTimeout,
			message: fmt.Sprintf("no result within %s", r.cfg.CommandTimeout),
		})
	})
	return nil
}

// complete finalizes an inflight command exactly once: command-log
// transition first, then metrics, then the waiter wakes its callers.
func (r *Router) complete(e *inflightEntry, o outcome) {
	e.completeOnce.Do(func() {
		now := r.clock.Now()

		var errMsg *string
		if o.state != store.CommandAcknowledged && o.message != "" {
			m := o.message
			errMsg = &m
		}
		if _, err := r.store.ResolveCommand(e.commandID, o.state, o.payload, errMsg, now); err != nil {
			r.log.Error().Err(err).Str("command", e.commandID).Msg("failed to resolve command row")
		}

		outcomeName := metrics.OutcomeFailed
		switch o.state {
		case store.CommandAcknowledged:
			outcomeName = metrics.OutcomeAcknowledged
		case store.CommandTimedOut:
			outcomeName = metrics.OutcomeTimedOut
		}
		r.metrics.RecordResolution(e.cmdType, e.commandID, e.correlationID, outcomeName, now.Sub(e.startedAt))

		r.inflight.remove(e.commandID)
		r.release(e)
		if e.timer != nil {
			e.timer.Stop()
		}
		if e.dedupKey != nil {
			r.dedup.settle(*e.dedupKey, o)
		}

		e.waiter.resolve(o)
	})
}

// release frees the per-host mutating lock and the port-scan guard held
// by an entry.
func (r *Router) release(e *inflightEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.locked && r.hostLocks[e.fqn] == e.commandID {
		delete(r.hostLocks, e.fqn)
	}
	if e.cmdType == TypeScanHostPorts {
		delete(r.scansInFlight, e.fqn)
	}
}

func (r *Router) resultFrom(o outcome, commandID, correlationID string, host *aggregator.HostView) (*Result, error) {
	if o.state != store.CommandAcknowledged {
		kind := o.kind
		if kind == "" {
			kind = wolerr.KindInternal
		}
		return nil, wolerr.New(kind, o.message).WithCorrelation(correlationID)
	}
	res := &Result{
		Success:       true,
		CommandID:     commandID,
		CorrelationID: correlationID,
		State:         o.state,
		Message:       o.message,
		Payload:       o.payload,
	}
	if host != nil {
		res.NodeID = host.NodeID
		res.Location = host.Location
	}
	return res, nil
}

// OnCommandResult correlates a node's result frame with its inflight
// command. Results for unknown command ids land in the unknown metrics
// bucket and are recorded against the log when still possible.
func (r *Router) OnCommandResult(nodeID string, p protocol.CommandResultPayload) {
	e, ok := r.inflight.get(p.CommandID)
	if !ok || e.nodeID != nodeID {
		r.recordLateResult(nodeID, p)
		return
	}

	if p.Success {
		msg := p.Message
		r.complete(e, outcome{state: store.CommandAcknowledged, message: msg, payload: p.Payload})
		return
	}
	msg := p.Error
	if msg == "" {
		msg = p.Message
	}
	if msg == "" {
		msg = "node rejected command"
	}
	r.complete(e, outcome{state: store.CommandFailed, kind: wolerr.KindRejected, message: msg, payload: p.Payload})
}

// OnPingResult resolves a ping-host command with its snapshot.
func (r *Router) OnPingResult(nodeID string, p protocol.PingResultPayload) {
	e, ok := r.inflight.get(p.CommandID)
	if !ok || e.nodeID != nodeID {
		r.metrics.RecordUnknownAttribution()
		return
	}
	snap := PingSnapshot{LatencyMs: p.LatencyMs, Success: p.Success, Status: p.Status, Source: p.Source}
	payload, _ := json.Marshal(snap)
	r.complete(e, outcome{state: store.CommandAcknowledged, payload: payload})
}

// OnPortScanResult persists the snapshot and resolves the command.
func (r *Router) OnPortScanResult(nodeID string, p protocol.HostPortScanResultPayload) {
	e, ok := r.inflight.get(p.CommandID)
	if !ok || e.nodeID != nodeID {
		r.metrics.RecordUnknownAttribution()
		return
	}

	if err := r.agg.SavePortScanSnapshot(e.fqn, p.HostPortScan); err != nil {
		r.complete(e, outcome{state: store.CommandFailed, kind: wolerr.KindInternal, message: err.Error()})
		return
	}
	snap := PortScanSnapshot{ScannedAt: p.HostPortScan.ScannedAt, OpenPorts: p.HostPortScan.OpenPorts}
	payload, _ := json.Marshal(snap)
	r.complete(e, outcome{state: store.CommandAcknowledged, payload: payload})
}

// OnNodeDisconnected fails every inflight command for the lost node.
func (r *Router) OnNodeDisconnected(nodeID string) {
	for _, e := range r.inflight.byNode(nodeID) {
		r.complete(e, outcome{
			state:   store.CommandFailed,
			kind:    wolerr.KindOffline,
			message: "node-disconnected",
		})
	}
}

// recordLateResult keeps the log consistent for results that arrive
// after their command already resolved, without waking any waiter. Only
// the node the command was addressed to may resolve its row.
func (r *Router) recordLateResult(nodeID string, p protocol.CommandResultPayload) {
	r.metrics.RecordUnknownAttribution()
	cmd, err := r.store.GetCommand(p.CommandID)
	if err != nil || cmd.NodeID != nodeID {
		return
	}
	state := store.CommandAcknowledged
	var errMsg *string
	if !p.Success {
		state = store.CommandFailed
		if p.Error != "" {
			e := p.Error
			errMsg = &e
		}
	}
	// Monotonic guard in the store makes this a no-op when the row is
	// already terminal.
	if _, err := r.store.ResolveCommand(p.CommandID, state, p.Payload, errMsg, r.clock.Now()); err != nil {
		r.log.Debug().Err(err).Str("command", p.CommandID).Msg("late result not recorded")
	}
}

// InflightCount reports the number of outstanding commands.
func (r *Router) InflightCount() int {
	return r.inflight.size()
}

// PruneLog deletes terminal command rows past the retention window.
func (r *Router) PruneLog() (int64, error) {
	cutoff := r.clock.Now().AddDate(0, 0, -r.cfg.CommandRetentionDays)
	return r.store.PruneCommands(cutoff)
}

// Shutdown cancels every inflight waiter with a shutdown failure.
func (r *Router) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()

	for _, e := range r.inflight.all() {
		r.complete(e, outcome{state: store.CommandFailed, kind: wolerr.KindInternal, message: "shutdown"})
	}
}
