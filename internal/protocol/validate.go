package protocol

import (
	"fmt"

	"github.com/kaonis/woly-server/internal/mac"
)

// Validate checks an inbound frame against its per-type schema. It
// returns a descriptive error for any frame the server must reject; the
// caller counts rejections per direction:type.
func Validate(m *Message) error {
	switch m.Type {
	case TypeRegister:
		var p RegisterPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("register: %w", err)
		}
		if p.NodeID == "" {
			return fmt.Errorf("register: missing nodeId")
		}
		if p.ProtocolVersion == 0 {
			return fmt.Errorf("register: missing protocolVersion")
		}

	case TypeHeartbeat:
		var p HeartbeatPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("heartbeat: %w", err)
		}

	case TypeHostDiscovered, TypeHostUpdated:
		var p HostEventPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}
		if p.NodeID == "" {
			return fmt.Errorf("%s: missing nodeId", m.Type)
		}
		if err := validateHost(&p.Host); err != nil {
			return fmt.Errorf("%s: %w", m.Type, err)
		}

	case TypeHostRemoved:
		var p HostRemovedPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("host-removed: %w", err)
		}
		if p.NodeID == "" || p.Name == "" {
			return fmt.Errorf("host-removed: missing nodeId or name")
		}

	case TypeNodeHostsSnapshot:
		var p HostsSnapshotPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("node-hosts-snapshot: %w", err)
		}
		if p.NodeID == "" {
			return fmt.Errorf("node-hosts-snapshot: missing nodeId")
		}
		for i := range p.Hosts {
			if err := validateHost(&p.Hosts[i]); err != nil {
				return fmt.Errorf("node-hosts-snapshot: host %d: %w", i, err)
			}
		}

	case TypeCommandResult:
		var p CommandResultPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("command-result: %w", err)
		}
		if p.CommandID == "" {
			return fmt.Errorf("command-result: missing commandId")
		}

	case TypePingResult:
		var p PingResultPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("ping-result: %w", err)
		}
		if p.CommandID == "" {
			return fmt.Errorf("ping-result: missing commandId")
		}
		if p.Source == "" {
			return fmt.Errorf("ping-result: missing source")
		}

	case TypeHostPortScanResult:
		var p HostPortScanResultPayload
		if err := m.ParsePayload(&p); err != nil {
			return fmt.Errorf("host-port-scan-result: %w", err)
		}
		if p.CommandID == "" {
			return fmt.Errorf("host-port-scan-result: missing commandId")
		}
		for _, op := range p.HostPortScan.OpenPorts {
			if err := ValidateOpenPort(op); err != nil {
				return fmt.Errorf("host-port-scan-result: %w", err)
			}
		}

	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

func validateHost(h *Host) error {
	if h.Name == "" {
		return fmt.Errorf("missing host name")
	}
	if _, err := mac.Normalize(h.Mac); err != nil {
		return err
	}
	if h.Status != "" && h.Status != "awake" && h.Status != "asleep" {
		return fmt.Errorf("invalid host status %q", h.Status)
	}
	return nil
}

// ValidateOpenPort checks a single port-scan entry.
func ValidateOpenPort(op OpenPort) error {
	if op.Port < 1 || op.Port > 65535 {
		return fmt.Errorf("invalid port %d", op.Port)
	}
	if op.Protocol != "tcp" {
		return fmt.Errorf("invalid protocol %q", op.Protocol)
	}
	if op.Service == "" {
		return fmt.Errorf("missing service for port %d", op.Port)
	}
	return nil
}
