package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Node statuses.
const (
	NodeOnline  = "online"
	NodeOffline = "offline"
)

// Node is one registered node agent.
type Node struct {
	NodeID        string
	Status        string
	Location      string
	Metadata      map[string]string
	LastHeartbeat *time.Time
	CreatedAt     time.Time
}

// UpsertNode creates or refreshes a node row on registration, marking it
// online and seeding the heartbeat timestamp.
func (s *Store) UpsertNode(nodeID, location string, metadata map[string]string) error {
	now := s.clock.Now()
	metaJSON := encodeJSON(metadata)

	// Portable upsert: UPDATE first, INSERT when nothing matched.
	res, err := s.exec(`
		UPDATE nodes SET status = ?, location = ?, metadata = ?, last_heartbeat_ms = ?
		WHERE node_id = ?`,
		NodeOnline, location, metaJSON, now.UnixMilli(), nodeID)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	_, err = s.exec(`
		INSERT INTO nodes (node_id, status, location, metadata, last_heartbeat_ms, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?)`,
		nodeID, NodeOnline, location, metaJSON, now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// TouchNodeHeartbeat updates the node's last heartbeat timestamp.
func (s *Store) TouchNodeHeartbeat(nodeID string, at time.Time) error {
	_, err := s.exec(`UPDATE nodes SET last_heartbeat_ms = ? WHERE node_id = ?`,
		at.UnixMilli(), nodeID)
	if err != nil {
		return fmt.Errorf("touch node heartbeat: %w", err)
	}
	return nil
}

// MarkNodeOffline flips a node to offline.
func (s *Store) MarkNodeOffline(nodeID string) error {
	_, err := s.exec(`UPDATE nodes SET status = ? WHERE node_id = ?`, NodeOffline, nodeID)
	if err != nil {
		return fmt.Errorf("mark node offline: %w", err)
	}
	return nil
}

// MarkAllNodesOffline resets node status at startup; nodes go online
// again as their channels reconnect.
func (s *Store) MarkAllNodesOffline() (int64, error) {
	res, err := s.exec(`UPDATE nodes SET status = ? WHERE status = ?`, NodeOffline, NodeOnline)
	if err != nil {
		return 0, fmt.Errorf("mark all nodes offline: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// GetNode fetches a node by id.
func (s *Store) GetNode(nodeID string) (*Node, error) {
	row := s.queryRow(`
		SELECT node_id, status, location, metadata, last_heartbeat_ms, created_at_ms
		FROM nodes WHERE node_id = ?`, nodeID)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get node: %w", err)
	}
	return n, nil
}

// ListNodes returns every known node.
func (s *Store) ListNodes() ([]*Node, error) {
	rows, err := s.query(`
		SELECT node_id, status, location, metadata, last_heartbeat_ms, created_at_ms
		FROM nodes ORDER BY node_id`)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*Node
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanNode(scan func(dest ...any) error) (*Node, error) {
	var n Node
	var location, metadata sql.NullString
	var lastHeartbeat sql.NullInt64
	var createdAt int64

	if err := scan(&n.NodeID, &n.Status, &location, &metadata, &lastHeartbeat, &createdAt); err != nil {
		return nil, err
	}
	if location.Valid {
		n.Location = location.String
	}
	if metadata.Valid && metadata.String != "" {
		// Metadata is display-only; parse failures degrade to nil.
		_ = json.Unmarshal([]byte(metadata.String), &n.Metadata)
	}
	n.LastHeartbeat = msToTime(lastHeartbeat)
	n.CreatedAt = time.UnixMilli(createdAt)
	return &n, nil
}
