// Package nodegate terminates the persistent node control channels:
// authentication on upgrade, registration, heartbeat, per-frame
// validation, rate limiting, and serialized outbound sends.
package nodegate

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/config"
	"github.com/kaonis/woly-server/internal/metrics"
	"github.com/kaonis/woly-server/internal/protocol"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/wsguard"
)

// Send queue depth per node connection. Overflow closes the channel
// with a backpressure code.
const sendQueueDepth = 64

// Errors surfaced by Send.
var (
	ErrNotConnected = errors.New("node not connected")
	ErrEncodeFailed = errors.New("failed to encode message")
)

// HostSink receives host lifecycle events from node channels, in the
// order they arrived on each channel. Implemented by the aggregator.
type HostSink interface {
	IngestHostReport(nodeID, location string, h protocol.Host) error
	IngestSnapshot(nodeID, location string, hosts []protocol.Host) error
	RemoveHost(nodeID, name string) error
	MarkNodeHostsUnreachable(nodeID string) (int, error)
}

// ResultSink receives command results and node-loss notifications.
// Implemented by the command router.
type ResultSink interface {
	OnCommandResult(nodeID string, p protocol.CommandResultPayload)
	OnPingResult(nodeID string, p protocol.PingResultPayload)
	OnPortScanResult(nodeID string, p protocol.HostPortScanResultPayload)
	OnNodeDisconnected(nodeID string)
}

// Manager owns the node channel map. It is the only writer; everything
// else reaches channels through Send.
type Manager struct {
	log     zerolog.Logger
	cfg     *config.Config
	store   *store.Store
	hosts   HostSink
	bus     *bus.Bus
	metrics *metrics.Registry
	clock   clockwork.Clock

	results ResultSink // set after construction to break the wiring cycle

	upgrader websocket.Upgrader
	ipConns  *wsguard.IPCounter

	mu    sync.RWMutex
	conns map[string]*conn

	accepting atomic.Bool
}

// New creates a node session manager.
func New(log zerolog.Logger, cfg *config.Config, st *store.Store, hosts HostSink, b *bus.Bus, reg *metrics.Registry) *Manager {
	m := &Manager{
		log:     log.With().Str("component", "nodegate").Logger(),
		cfg:     cfg,
		store:   st,
		hosts:   hosts,
		bus:     b,
		metrics: reg,
		clock:   clockwork.NewRealClock(),
		ipConns: wsguard.NewIPCounter(cfg.WsMaxConnectionsPerIP),
		conns:   make(map[string]*conn),
	}
	m.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true }, // nodes are not browsers
	}
	m.accepting.Store(true)
	return m
}

// SetResultSink wires the command router in after construction.
func (m *Manager) SetResultSink(r ResultSink) { m.results = r }

// HandleUpgrade is the HTTP handler for the node channel path. All gate
// checks run before the protocol handshake.
func (m *Manager) HandleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !m.accepting.Load() {
		http.Error(w, "Shutting Down", http.StatusServiceUnavailable)
		return
	}

	if m.cfg.WsRequireTLS && !wsguard.IsTLS(r, m.cfg.TrustProxy) {
		http.Error(w, "TLS Required", http.StatusUpgradeRequired)
		return
	}

	ip := wsguard.ClientIP(r, m.cfg.TrustProxy)
	if !m.ipConns.TryAcquire(ip) {
		m.log.Warn().Str("ip", ip).Msg("node channel per-IP cap reached")
		http.Error(w, "Too Many Connections", http.StatusTooManyRequests)
		return
	}

	auth, err := m.authenticate(r)
	if err != nil {
		m.ipConns.Release(ip)
		m.log.Warn().Str("ip", ip).Msg("node channel auth failed")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.ipConns.Release(ip)
		m.log.Error().Err(err).Msg("node channel upgrade failed")
		return
	}

	c := newConn(m, ws, ip, auth)
	go c.writePump()
	go c.readPump()
}

// register handles the mandatory first frame of a node channel.
func (m *Manager) register(c *conn, p protocol.RegisterPayload) error {
	if p.ProtocolVersion != protocol.Version {
		return fmt.Errorf("unsupported protocol version %d", p.ProtocolVersion)
	}
	// A session token bound to a node subject only authorizes that node.
	if c.auth.Kind == AuthKindSession && c.auth.NodeID != "" && c.auth.NodeID != p.NodeID {
		return fmt.Errorf("session token not valid for node %q", p.NodeID)
	}

	m.mu.Lock()
	prior := m.conns[p.NodeID]
	m.conns[p.NodeID] = c
	m.mu.Unlock()

	if prior != nil {
		m.log.Warn().Str("node", p.NodeID).Msg("replacing duplicate node channel")
		prior.closeWith(protocol.ClosePolicyReplaced, protocol.ReasonPolicyReplaced)
	}

	c.nodeID = p.NodeID
	c.location = p.Location

	if err := m.store.UpsertNode(p.NodeID, p.Location, p.Metadata); err != nil {
		m.log.Error().Err(err).Str("node", p.NodeID).Msg("failed to persist node registration")
	}

	ack, err := protocol.NewMessage(protocol.TypeRegistered, protocol.RegisteredPayload{
		NodeID:            p.NodeID,
		HeartbeatInterval: int(m.cfg.HeartbeatWindow.Seconds() / 3),
	})
	if err == nil {
		if data, err := json.Marshal(ack); err == nil {
			c.enqueue(data)
		}
	}

	m.bus.Publish(bus.EventNodeConnected, map[string]any{"nodeId": p.NodeID})
	m.log.Info().Str("node", p.NodeID).Str("location", p.Location).Msg("node registered")
	return nil
}

// dispatch routes a validated inbound frame.
func (m *Manager) dispatch(c *conn, msg *protocol.Message) {
	switch msg.Type {
	case protocol.TypeHeartbeat:
		if err := m.store.TouchNodeHeartbeat(c.nodeID, m.clock.Now()); err != nil {
			m.log.Error().Err(err).Str("node", c.nodeID).Msg("failed to record heartbeat")
		}

	case protocol.TypeHostDiscovered, protocol.TypeHostUpdated:
		var p protocol.HostEventPayload
		_ = msg.ParsePayload(&p)
		location := p.Location
		if location == "" {
			location = c.location
		}
		if err := m.hosts.IngestHostReport(c.nodeID, location, p.Host); err != nil {
			m.log.Warn().Err(err).Str("node", c.nodeID).Str("host", p.Host.Name).
				Msg("host report rejected")
		}

	case protocol.TypeHostRemoved:
		var p protocol.HostRemovedPayload
		_ = msg.ParsePayload(&p)
		if err := m.hosts.RemoveHost(c.nodeID, p.Name); err != nil {
			m.log.Warn().Err(err).Str("node", c.nodeID).Str("host", p.Name).
				Msg("host removal failed")
		}

	case protocol.TypeNodeHostsSnapshot:
		var p protocol.HostsSnapshotPayload
		_ = msg.ParsePayload(&p)
		location := p.Location
		if location == "" {
			location = c.location
		}
		if err := m.hosts.IngestSnapshot(c.nodeID, location, p.Hosts); err != nil {
			m.log.Warn().Err(err).Str("node", c.nodeID).Msg("snapshot ingest failed")
		}

	case protocol.TypeCommandResult:
		var p protocol.CommandResultPayload
		_ = msg.ParsePayload(&p)
		if m.results != nil {
			m.results.OnCommandResult(c.nodeID, p)
		}

	case protocol.TypePingResult:
		var p protocol.PingResultPayload
		_ = msg.ParsePayload(&p)
		if m.results != nil {
			m.results.OnPingResult(c.nodeID, p)
		}

	case protocol.TypeHostPortScanResult:
		var p protocol.HostPortScanResultPayload
		_ = msg.ParsePayload(&p)
		if m.results != nil {
			m.results.OnPortScanResult(c.nodeID, p)
		}
	}
}

// unregister runs once per closed channel. It only tears node state
// down when the closing connection is still the authoritative one, so
// an evicted duplicate does not mark a live node offline.
func (m *Manager) unregister(c *conn) {
	if c.nodeID == "" {
		m.ipConns.Release(c.ip)
		return
	}

	m.mu.Lock()
	current := m.conns[c.nodeID] == c
	if current {
		delete(m.conns, c.nodeID)
	}
	m.mu.Unlock()

	m.ipConns.Release(c.ip)
	if !current {
		return
	}

	if err := m.store.MarkNodeOffline(c.nodeID); err != nil {
		m.log.Error().Err(err).Str("node", c.nodeID).Msg("failed to mark node offline")
	}
	m.bus.Publish(bus.EventNodeDisconnected, map[string]any{"nodeId": c.nodeID})

	if n, err := m.hosts.MarkNodeHostsUnreachable(c.nodeID); err != nil {
		m.log.Error().Err(err).Str("node", c.nodeID).Msg("failed to mark hosts unreachable")
	} else if n > 0 {
		m.log.Info().Str("node", c.nodeID).Int("hosts", n).Msg("marked hosts unreachable")
	}

	if m.results != nil {
		m.results.OnNodeDisconnected(c.nodeID)
	}
	m.log.Info().Str("node", c.nodeID).Msg("node disconnected")
}

// Send delivers a message to a connected node. Writes are serialized by
// the connection's write pump; a full send queue closes the channel
// with a backpressure code and reports ErrNotConnected.
func (m *Manager) Send(nodeID, msgType string, payload any) error {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEncodeFailed, err)
	}
	if len(data) > protocol.MaxFrameSize {
		m.metrics.RecordInvalidPayload("outbound", msgType)
		return fmt.Errorf("%w: frame exceeds %d bytes", ErrEncodeFailed, protocol.MaxFrameSize)
	}

	m.mu.RLock()
	c := m.conns[nodeID]
	m.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}

	if !c.enqueue(data) {
		m.log.Warn().Str("node", nodeID).Msg("send queue overflow, closing channel")
		c.closeWith(protocol.CloseBackpressure, protocol.ReasonBackpressure)
		return ErrNotConnected
	}
	return nil
}

// IsOnline reports whether a node has a live channel.
func (m *Manager) IsOnline(nodeID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[nodeID] != nil
}

// OnlineNodes returns the ids of all connected nodes.
func (m *Manager) OnlineNodes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.conns))
	for id := range m.conns {
		out = append(out, id)
	}
	return out
}

// StopAccepting refuses new upgrades while existing channels stay live.
// First step of the shutdown sequence.
func (m *Manager) StopAccepting() {
	m.accepting.Store(false)
}

// Shutdown stops accepting upgrades and closes every node channel.
func (m *Manager) Shutdown() {
	m.accepting.Store(false)

	m.mu.Lock()
	conns := make([]*conn, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	for _, c := range conns {
		c.closeWith(protocol.CloseHeartbeatTimeout, protocol.ReasonServerShutdown)
	}
}
