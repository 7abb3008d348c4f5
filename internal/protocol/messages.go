// Package protocol defines the JSON frames exchanged on the node control
// channel and the constants both sides agree on.
package protocol

import (
	"encoding/json"
	"time"
)

// MaxFrameSize is the hard cap on a single frame in either direction.
const MaxFrameSize = 256 * 1024

// Version is the protocol version this server speaks. Nodes registering
// with a different version are refused.
const Version = 1

// Message is the envelope for all node-channel frames.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Type: msgType, Payload: data}, nil
}

// ParsePayload unmarshals the payload into the given target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Message types (node → server)
const (
	TypeRegister           = "register"
	TypeHeartbeat          = "heartbeat"
	TypeHostDiscovered     = "host-discovered"
	TypeHostUpdated        = "host-updated"
	TypeHostRemoved        = "host-removed"
	TypeNodeHostsSnapshot  = "node-hosts-snapshot"
	TypeCommandResult      = "command-result"
	TypePingResult         = "ping-result"
	TypeHostPortScanResult = "host-port-scan-result"
)

// Message types (server → node)
const (
	TypeRegistered    = "registered"
	TypeWake          = "wake"
	TypeSleepHost     = "sleep-host"
	TypeShutdownHost  = "shutdown-host"
	TypeScan          = "scan"
	TypeScanHostPorts = "scan-host-ports"
	TypePingHost      = "ping-host"
	TypeUpdateHost    = "update-host"
	TypeDeleteHost    = "delete-host"
	TypeError         = "error"
)

// WebSocket close codes. The standard codes follow RFC 6455; 4xxx codes
// are application-defined.
const (
	CloseNormal           = 1000 // normal close / server shutdown
	CloseHeartbeatTimeout = 1001 // heartbeat window missed, or going away
	CloseBackpressure     = 1011 // send queue overflow
	CloseUnauthorized     = 4401 // auth failure after upgrade
	ClosePolicyViolation  = 4402 // rate limit or protocol violation
	ClosePolicyReplaced   = 4403 // duplicate nodeId, channel evicted
)

// Close reasons paired with the codes above.
const (
	ReasonServerShutdown   = "server-shutdown"
	ReasonHeartbeatTimeout = "heartbeat-timeout"
	ReasonBackpressure     = "backpressure"
	ReasonPolicyViolation  = "policy-violation"
	ReasonPolicyReplaced   = "policy-replaced"
)

// RegisterPayload is the first frame a node must send after the upgrade.
type RegisterPayload struct {
	NodeID          string            `json:"nodeId"`
	ProtocolVersion int               `json:"protocolVersion"`
	Location        string            `json:"location,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// RegisteredPayload confirms a successful registration.
type RegisteredPayload struct {
	NodeID            string `json:"nodeId"`
	HeartbeatInterval int    `json:"heartbeatIntervalSeconds"`
}

// HeartbeatPayload is sent periodically by the node.
type HeartbeatPayload struct {
	Timestamp int64 `json:"ts"`
}

// Host is the host record as reported by a node agent.
type Host struct {
	Name           string          `json:"name"`
	Mac            string          `json:"mac"`
	SecondaryMacs  []string        `json:"secondaryMacs,omitempty"`
	IP             string          `json:"ip,omitempty"`
	Status         string          `json:"status,omitempty"` // "awake" or "asleep"
	Discovered     bool            `json:"discovered,omitempty"`
	RespondsToPing *bool           `json:"respondsToPing,omitempty"`
	Notes          *string         `json:"notes,omitempty"`
	Tags           []string        `json:"tags,omitempty"`
	PowerControl   json.RawMessage `json:"powerControl,omitempty"`
}

// HostEventPayload carries host-discovered / host-updated frames.
type HostEventPayload struct {
	NodeID   string `json:"nodeId"`
	Location string `json:"location"`
	Host     Host   `json:"host"`
}

// HostRemovedPayload carries host-removed frames.
type HostRemovedPayload struct {
	NodeID string `json:"nodeId"`
	Name   string `json:"name"`
}

// HostsSnapshotPayload carries a full inventory snapshot from a node.
type HostsSnapshotPayload struct {
	NodeID   string `json:"nodeId"`
	Location string `json:"location"`
	Hosts    []Host `json:"hosts"`
}

// CommandResultPayload resolves an outstanding command.
type CommandResultPayload struct {
	CommandID string          `json:"commandId"`
	Success   bool            `json:"success"`
	Message   string          `json:"message,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// PingResultPayload resolves a ping-host command.
type PingResultPayload struct {
	CommandID string  `json:"commandId"`
	LatencyMs float64 `json:"latencyMs,omitempty"`
	Success   bool    `json:"success"`
	Status    string  `json:"status"`
	Source    string  `json:"source"`
}

// OpenPort is one entry in a port-scan snapshot.
type OpenPort struct {
	Port     int    `json:"port"`
	Protocol string `json:"protocol"`
	Service  string `json:"service"`
}

// HostPortScan is the port-scan snapshot reported by a node.
type HostPortScan struct {
	HostName  string     `json:"hostName"`
	Mac       string     `json:"mac"`
	IP        string     `json:"ip,omitempty"`
	ScannedAt time.Time  `json:"scannedAt"`
	OpenPorts []OpenPort `json:"openPorts"`
}

// HostPortScanResultPayload resolves a scan-host-ports command.
type HostPortScanResultPayload struct {
	CommandID    string       `json:"commandId"`
	HostPortScan HostPortScan `json:"hostPortScan"`
}

// WakePayload instructs a node to send a Wake-on-LAN packet.
type WakePayload struct {
	CommandID string `json:"commandId"`
	HostName  string `json:"hostName"`
	Mac       string `json:"mac"`
	WolPort   int    `json:"wolPort,omitempty"`
	Verify    bool   `json:"verify,omitempty"`
}

// HostCommandPayload targets a single host by fqn. Used by sleep-host,
// shutdown-host, ping-host, scan-host-ports and delete-host.
type HostCommandPayload struct {
	CommandID string `json:"commandId"`
	Fqn       string `json:"fqn"`
}

// ScanPayload instructs a node to rescan its network.
type ScanPayload struct {
	CommandID string `json:"commandId"`
}

// UpdateHostPayload carries a partial host update.
type UpdateHostPayload struct {
	CommandID string          `json:"commandId"`
	Fqn       string          `json:"fqn"`
	Patch     json.RawMessage `json:"patch"`
}

// ErrorPayload is a structured error frame sent to a node before close.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
