package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kaonis/woly-server/internal/protocol"
)

// Host statuses.
const (
	StatusAwake  = "awake"
	StatusAsleep = "asleep"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// AggregatedHost is one row of the canonical host table.
type AggregatedHost struct {
	ID             int64
	NodeID         string
	Name           string
	Location       string
	Fqn            string
	Mac            string
	SecondaryMacs  []string
	IP             string
	Status         string
	LastSeen       *time.Time
	Discovered     bool
	RespondsToPing *bool
	Notes          *string
	Tags           []string
	PowerControl   json.RawMessage
	OpenPorts      []protocol.OpenPort
	PortsScannedAt *time.Time
	PortsExpireAt  *time.Time
}

// AllMacs returns the primary MAC plus all secondary MACs.
func (h *AggregatedHost) AllMacs() []string {
	out := make([]string, 0, 1+len(h.SecondaryMacs))
	out = append(out, h.Mac)
	out = append(out, h.SecondaryMacs...)
	return out
}

const hostColumns = `id, node_id, name, location, fqn, mac, secondary_macs, ip,
	status, last_seen_ms, discovered, responds_to_ping, notes, tags,
	power_control, open_ports, ports_scanned_at_ms, ports_expire_at_ms`

func msToTime(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := time.UnixMilli(ms.Int64)
	return &t
}

func timeToMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

// decodeJSONList parses a stored JSON array, degrading to empty on any
// parse error. Stored garbage must never fail a read.
func (s *Store) decodeJSONList(raw sql.NullString, column, fqn string) []string {
	if !raw.Valid || raw.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw.String), &out); err != nil {
		s.log.Warn().Str("column", column).Str("fqn", fqn).Err(err).
			Msg("unparseable stored JSON, treating as empty")
		return nil
	}
	return out
}

func encodeJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

func (s *Store) scanHost(scan func(dest ...any) error) (*AggregatedHost, error) {
	var h AggregatedHost
	var secondaryMacs, tags, openPorts, powerControl, notes, ip sql.NullString
	var lastSeen, scannedAt, expireAt sql.NullInt64
	var discovered int
	var respondsToPing sql.NullInt64

	err := scan(&h.ID, &h.NodeID, &h.Name, &h.Location, &h.Fqn, &h.Mac,
		&secondaryMacs, &ip, &h.Status, &lastSeen, &discovered,
		&respondsToPing, &notes, &tags, &powerControl, &openPorts,
		&scannedAt, &expireAt)
	if err != nil {
		return nil, err
	}

	h.SecondaryMacs = s.decodeJSONList(secondaryMacs, "secondary_macs", h.Fqn)
	h.Tags = s.decodeJSONList(tags, "tags", h.Fqn)
	if ip.Valid {
		h.IP = ip.String
	}
	if notes.Valid {
		n := notes.String
		h.Notes = &n
	}
	if powerControl.Valid && powerControl.String != "" {
		h.PowerControl = json.RawMessage(powerControl.String)
	}
	if openPorts.Valid && openPorts.String != "" {
		if err := json.Unmarshal([]byte(openPorts.String), &h.OpenPorts); err != nil {
			s.log.Warn().Str("column", "open_ports").Str("fqn", h.Fqn).Err(err).
				Msg("unparseable stored JSON, treating as empty")
			h.OpenPorts = nil
		}
	}
	h.LastSeen = msToTime(lastSeen)
	h.PortsScannedAt = msToTime(scannedAt)
	h.PortsExpireAt = msToTime(expireAt)
	h.Discovered = discovered != 0
	if respondsToPing.Valid {
		b := respondsToPing.Int64 != 0
		h.RespondsToPing = &b
	}
	return &h, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableBoolToInt(b *bool) any {
	if b == nil {
		return nil
	}
	return boolToInt(*b)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// InsertHost inserts a new aggregated host row and returns its id.
func (s *Store) InsertHost(h *AggregatedHost) error {
	var powerControl any
	if h.PowerControl != nil {
		powerControl = string(h.PowerControl)
	}
	const insert = `
		INSERT INTO aggregated_hosts (node_id, name, location, fqn, mac,
			secondary_macs, ip, status, last_seen_ms, discovered,
			responds_to_ping, notes, tags, power_control, open_ports,
			ports_scanned_at_ms, ports_expire_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	args := []any{
		h.NodeID, h.Name, h.Location, h.Fqn, h.Mac,
		encodeJSON(h.SecondaryMacs), h.IP, h.Status, timeToMs(h.LastSeen),
		boolToInt(h.Discovered), nullableBoolToInt(h.RespondsToPing),
		nullableString(h.Notes), encodeJSON(h.Tags), powerControl,
		encodeJSON(h.OpenPorts), timeToMs(h.PortsScannedAt),
		timeToMs(h.PortsExpireAt),
	}

	// lib/pq does not support LastInsertId; RETURNING is used instead.
	if s.engine == EnginePostgres {
		err := s.queryRow(insert+` RETURNING id`, args...).Scan(&h.ID)
		if err != nil {
			return fmt.Errorf("insert host: %w", err)
		}
		return nil
	}

	res, err := s.exec(insert, args...)
	if err != nil {
		return fmt.Errorf("insert host: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		h.ID = id
	}
	return nil
}

// UpdateHost overwrites all mutable fields of the row identified by id.
func (s *Store) UpdateHost(h *AggregatedHost) error {
	var powerControl any
	if h.PowerControl != nil {
		powerControl = string(h.PowerControl)
	}
	_, err := s.exec(`
		UPDATE aggregated_hosts SET node_id = ?, name = ?, location = ?,
			fqn = ?, mac = ?, secondary_macs = ?, ip = ?, status = ?,
			last_seen_ms = ?, discovered = ?, responds_to_ping = ?,
			notes = ?, tags = ?, power_control = ?, open_ports = ?,
			ports_scanned_at_ms = ?, ports_expire_at_ms = ?
		WHERE id = ?`,
		h.NodeID, h.Name, h.Location, h.Fqn, h.Mac,
		encodeJSON(h.SecondaryMacs), h.IP, h.Status, timeToMs(h.LastSeen),
		boolToInt(h.Discovered), nullableBoolToInt(h.RespondsToPing),
		nullableString(h.Notes), encodeJSON(h.Tags), powerControl,
		encodeJSON(h.OpenPorts), timeToMs(h.PortsScannedAt),
		timeToMs(h.PortsExpireAt), h.ID)
	if err != nil {
		return fmt.Errorf("update host: %w", err)
	}
	return nil
}

// ListHostsByNode returns every host owned by a node.
func (s *Store) ListHostsByNode(nodeID string) ([]*AggregatedHost, error) {
	rows, err := s.query(`SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? ORDER BY name`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list hosts by node: %w", err)
	}
	return s.collectHosts(rows)
}

// ListHosts returns every aggregated host.
func (s *Store) ListHosts() ([]*AggregatedHost, error) {
	rows, err := s.query(`SELECT ` + hostColumns + ` FROM aggregated_hosts ORDER BY node_id, name`)
	if err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return s.collectHosts(rows)
}

func (s *Store) collectHosts(rows *sql.Rows) ([]*AggregatedHost, error) {
	defer func() { _ = rows.Close() }()
	var hosts []*AggregatedHost
	for rows.Next() {
		h, err := s.scanHost(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan host: %w", err)
		}
		hosts = append(hosts, h)
	}
	return hosts, rows.Err()
}

// GetHostByFqn looks a host up by its fully qualified name.
func (s *Store) GetHostByFqn(fqn string) (*AggregatedHost, error) {
	row := s.queryRow(`SELECT `+hostColumns+` FROM aggregated_hosts WHERE fqn = ?`, fqn)
	h, err := s.scanHost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host by fqn: %w", err)
	}
	return h, nil
}

// GetHostByNodeAndName looks a host up by its owning node and name.
func (s *Store) GetHostByNodeAndName(nodeID, name string) (*AggregatedHost, error) {
	row := s.queryRow(`SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND name = ?`, nodeID, name)
	h, err := s.scanHost(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host by node and name: %w", err)
	}
	return h, nil
}

// DeleteHostByID removes a single host row.
func (s *Store) DeleteHostByID(id int64) error {
	_, err := s.exec(`DELETE FROM aggregated_hosts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete host: %w", err)
	}
	return nil
}

// SaveHostPortScan persists a fresh open-port snapshot for a host.
func (s *Store) SaveHostPortScan(fqn string, openPorts []protocol.OpenPort, scannedAt, expireAt time.Time) error {
	res, err := s.exec(`
		UPDATE aggregated_hosts SET open_ports = ?, ports_scanned_at_ms = ?, ports_expire_at_ms = ?
		WHERE fqn = ?`,
		encodeJSON(openPorts), scannedAt.UnixMilli(), expireAt.UnixMilli(), fqn)
	if err != nil {
		return fmt.Errorf("save port scan: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkNodeHostsAsleep atomically flips every awake host of a node to
// asleep, writing one history row per transition. Returns the flipped
// hosts so the caller can emit events.
func (s *Store) MarkNodeHostsAsleep(nodeID string, at time.Time) ([]*AggregatedHost, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.Query(s.rebind(`SELECT `+hostColumns+` FROM aggregated_hosts WHERE node_id = ? AND status = ?`), nodeID, StatusAwake)
	if err != nil {
		return nil, fmt.Errorf("select awake hosts: %w", err)
	}
	var flipped []*AggregatedHost
	for rows.Next() {
		h, err := s.scanHost(rows.Scan)
		if err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan host: %w", err)
		}
		flipped = append(flipped, h)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(flipped) == 0 {
		return nil, tx.Commit()
	}

	if _, err := tx.Exec(s.rebind(`UPDATE aggregated_hosts SET status = ? WHERE node_id = ? AND status = ?`),
		StatusAsleep, nodeID, StatusAwake); err != nil {
		return nil, fmt.Errorf("mark hosts asleep: %w", err)
	}

	for _, h := range flipped {
		if _, err := tx.Exec(s.rebind(`
			INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at_ms)
			VALUES (?, ?, ?, ?)`),
			h.Fqn, StatusAwake, StatusAsleep, at.UnixMilli()); err != nil {
			return nil, fmt.Errorf("insert history: %w", err)
		}
		h.Status = StatusAsleep
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return flipped, nil
}

// HostStats summarizes the host table.
type HostStats struct {
	Total      int                          `json:"total"`
	Awake      int                          `json:"awake"`
	Asleep     int                          `json:"asleep"`
	ByLocation map[string]HostLocationStats `json:"byLocation"`
}

// HostLocationStats is the per-location slice of HostStats.
type HostLocationStats struct {
	Total int `json:"total"`
	Awake int `json:"awake"`
}

// HostStatsSnapshot computes host counts. SUM(CASE ...) is used instead
// of FILTER so the same query runs on both engines.
func (s *Store) HostStatsSnapshot() (*HostStats, error) {
	stats := &HostStats{ByLocation: make(map[string]HostLocationStats)}

	rows, err := s.query(`
		SELECT location,
			COUNT(*) AS total,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS awake
		FROM aggregated_hosts
		GROUP BY location`, StatusAwake)
	if err != nil {
		return nil, fmt.Errorf("host stats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var location string
		var total, awake int
		if err := rows.Scan(&location, &total, &awake); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats.ByLocation[location] = HostLocationStats{Total: total, Awake: awake}
		stats.Total += total
		stats.Awake += awake
	}
	stats.Asleep = stats.Total - stats.Awake
	return stats, rows.Err()
}
