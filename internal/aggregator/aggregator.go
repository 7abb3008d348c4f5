// Package aggregator maintains the canonical host table. It reconciles
// host reports from node agents by MAC, records status transitions, and
// re-emits derived events on the bus in the order they were produced.
package aggregator

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/kaonis/woly-server/internal/bus"
	"github.com/kaonis/woly-server/internal/fqn"
	"github.com/kaonis/woly-server/internal/mac"
	"github.com/kaonis/woly-server/internal/protocol"
	"github.com/kaonis/woly-server/internal/store"
	"github.com/kaonis/woly-server/internal/wolerr"
)

// Aggregator is the exclusive writer of the aggregated host table.
type Aggregator struct {
	log   zerolog.Logger
	store *store.Store
	bus   *bus.Bus
	clock clockwork.Clock

	portScanTTL   time.Duration
	retentionDays int
}

// New creates an aggregator.
func New(log zerolog.Logger, st *store.Store, b *bus.Bus, portScanTTL time.Duration, retentionDays int) *Aggregator {
	return &Aggregator{
		log:           log.With().Str("component", "aggregator").Logger(),
		store:         st,
		bus:           b,
		clock:         clockwork.NewRealClock(),
		portScanTTL:   portScanTTL,
		retentionDays: retentionDays,
	}
}

// WithClock replaces the aggregator's clock. Used by tests.
func (a *Aggregator) WithClock(clock clockwork.Clock) *Aggregator {
	a.clock = clock
	return a
}

// IngestHostReport reconciles one host-discovered or host-updated report
// from a node. Reconciliation is MAC-first: a rename with a matching MAC
// updates the existing row instead of creating a duplicate.
func (a *Aggregator) IngestHostReport(nodeID, location string, report protocol.Host) error {
	primary, err := mac.Normalize(report.Mac)
	if err != nil {
		return wolerr.Wrap(wolerr.KindInvalidRequest, "invalid host MAC", err)
	}
	secondary := mac.NormalizeSet(report.SecondaryMacs, primary)
	reportMacs := append([]string{primary}, secondary...)
	now := a.clock.Now()

	rows, err := a.store.ListHostsByNode(nodeID)
	if err != nil {
		return fmt.Errorf("list hosts for node %s: %w", nodeID, err)
	}

	// Match by MAC set intersection.
	var match *store.AggregatedHost
	for _, row := range rows {
		if macSetsIntersect(row.AllMacs(), reportMacs) {
			match = row
			break
		}
	}

	if match == nil {
		// Fall back to (node, name).
		for _, row := range rows {
			if row.Name == report.Name {
				match = row
				break
			}
		}
		if match == nil {
			return a.insertNew(nodeID, location, report, primary, secondary, now)
		}
	}

	// Rename collapse: a different row holding the new name and sharing
	// any MAC is a stale duplicate of the same machine.
	if match.Name != report.Name {
		for _, row := range rows {
			if row.ID != match.ID && row.Name == report.Name && macSetsIntersect(row.AllMacs(), reportMacs) {
				if err := a.store.DeleteHostByID(row.ID); err != nil {
					return err
				}
				a.log.Debug().Str("node", nodeID).Str("name", report.Name).
					Msg("collapsed stale duplicate row on rename")
			}
		}
	}

	// Drop any other row claiming the same primary MAC.
	for _, row := range rows {
		if row.ID != match.ID && macSetsIntersect(row.AllMacs(), []string{primary}) {
			if err := a.store.DeleteHostByID(row.ID); err != nil {
				return err
			}
		}
	}

	oldStatus := match.Status
	changed := a.applyReport(match, nodeID, location, report, primary, secondary, now)

	if err := a.store.UpdateHost(match); err != nil {
		return err
	}

	if changed {
		a.bus.PublishAt(bus.EventHostUpdated, now, a.view(match))
		if oldStatus != match.Status && isHostStatus(oldStatus) && isHostStatus(match.Status) {
			if err := a.store.AppendStatusTransition(match.Fqn, oldStatus, match.Status, now); err != nil {
				return err
			}
			a.bus.PublishAt(bus.EventHostStatusTransition, now, map[string]any{
				"fqn":       match.Fqn,
				"oldStatus": oldStatus,
				"newStatus": match.Status,
			})
		}
	}
	return nil
}

func (a *Aggregator) insertNew(nodeID, location string, report protocol.Host, primary string, secondary []string, now time.Time) error {
	status := report.Status
	if status == "" {
		status = store.StatusAsleep
	}
	h := &store.AggregatedHost{
		NodeID:        nodeID,
		Name:          report.Name,
		Location:      location,
		Fqn:           fqn.Format(report.Name, location, nodeID),
		Mac:           primary,
		SecondaryMacs: secondary,
		IP:            report.IP,
		Status:        status,
		LastSeen:      &now,
		Discovered:    report.Discovered,
		RespondsToPing: report.RespondsToPing,
		Notes:         report.Notes,
		Tags:          report.Tags,
		PowerControl:  report.PowerControl,
	}
	if err := a.store.InsertHost(h); err != nil {
		return err
	}
	a.bus.PublishAt(bus.EventHostAdded, now, a.view(h))
	return nil
}

// applyReport overwrites the row with the report's fields and reports
// whether anything meaningful changed.
func (a *Aggregator) applyReport(h *store.AggregatedHost, nodeID, location string, report protocol.Host, primary string, secondary []string, now time.Time) bool {
	status := report.Status
	if status == "" {
		status = h.Status
	}

	changed := h.Name != report.Name ||
		h.Mac != primary ||
		!stringSlicesEqual(h.SecondaryMacs, secondary) ||
		h.IP != report.IP ||
		h.Status != status ||
		h.Discovered != report.Discovered ||
		!boolPtrEqual(h.RespondsToPing, report.RespondsToPing) ||
		!stringPtrEqual(h.Notes, report.Notes) ||
		!rawJSONEqual(h.PowerControl, report.PowerControl) ||
		(location != "" && h.Location != location) ||
		!stringSlicesEqual(h.Tags, report.Tags)

	h.Name = report.Name
	h.Mac = primary
	h.SecondaryMacs = secondary
	h.IP = report.IP
	h.Status = status
	h.Discovered = report.Discovered
	h.RespondsToPing = report.RespondsToPing
	h.Notes = report.Notes
	h.Tags = report.Tags
	h.PowerControl = report.PowerControl
	if location != "" {
		h.Location = location
	}
	h.Fqn = fqn.Format(h.Name, h.Location, nodeID)
	h.LastSeen = &now

	return changed
}

// IngestSnapshot reconciles a full inventory snapshot from a node:
// reported hosts are upserted, rows the snapshot no longer mentions are
// removed, and the bulk change is announced once.
func (a *Aggregator) IngestSnapshot(nodeID, location string, hosts []protocol.Host) error {
	names := make(map[string]bool, len(hosts))
	macSets := make([][]string, 0, len(hosts))
	for i := range hosts {
		// A rejected report must not delete the row it failed to update.
		names[hosts[i].Name] = true
		if err := a.IngestHostReport(nodeID, location, hosts[i]); err != nil {
			a.log.Warn().Str("node", nodeID).Str("host", hosts[i].Name).Err(err).
				Msg("skipping host in snapshot")
			continue
		}
		if primary, err := mac.Normalize(hosts[i].Mac); err == nil {
			macSets = append(macSets, append([]string{primary}, mac.NormalizeSet(hosts[i].SecondaryMacs, primary)...))
		}
	}

	rows, err := a.store.ListHostsByNode(nodeID)
	if err != nil {
		return fmt.Errorf("list hosts for node %s: %w", nodeID, err)
	}
	removed := 0
	for _, row := range rows {
		if names[row.Name] {
			continue
		}
		stale := true
		for _, macs := range macSets {
			if macSetsIntersect(row.AllMacs(), macs) {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		if err := a.store.DeleteHostByID(row.ID); err != nil {
			return err
		}
		a.log.Debug().Str("node", nodeID).Str("host", row.Name).Msg("removed host absent from snapshot")
		removed++
	}
	if removed > 0 {
		a.bus.Publish(bus.EventNodeHostsRemoved, map[string]any{"nodeId": nodeID, "count": removed})
	}

	a.bus.Publish(bus.EventHostsChanged, map[string]any{"nodeId": nodeID, "count": len(hosts)})
	return nil
}

// RemoveHost deletes a host by name, plus any row on the same node that
// shares the removed host's MAC.
func (a *Aggregator) RemoveHost(nodeID, name string) error {
	h, err := a.store.GetHostByNodeAndName(nodeID, name)
	if err != nil {
		if err == store.ErrNotFound {
			return wolerr.Newf(wolerr.KindNotFound, "host %q not found on node %s", name, nodeID)
		}
		return err
	}

	if err := a.store.DeleteHostByID(h.ID); err != nil {
		return err
	}

	// Collapse leftovers sharing the former MAC.
	rows, err := a.store.ListHostsByNode(nodeID)
	if err != nil {
		return err
	}
	for _, row := range rows {
		if macSetsIntersect(row.AllMacs(), h.AllMacs()) {
			if err := a.store.DeleteHostByID(row.ID); err != nil {
				return err
			}
		}
	}

	a.bus.Publish(bus.EventHostRemoved, map[string]any{
		"fqn":    h.Fqn,
		"nodeId": nodeID,
		"name":   name,
	})
	return nil
}

// MarkNodeHostsUnreachable flips every awake host of a disconnected node
// to asleep, one history row per transition. The bulk event is only
// emitted when something actually flipped.
func (a *Aggregator) MarkNodeHostsUnreachable(nodeID string) (int, error) {
	now := a.clock.Now()
	flipped, err := a.store.MarkNodeHostsAsleep(nodeID, now)
	if err != nil {
		return 0, err
	}
	for _, h := range flipped {
		a.bus.PublishAt(bus.EventHostStatusTransition, now, map[string]any{
			"fqn":       h.Fqn,
			"oldStatus": store.StatusAwake,
			"newStatus": store.StatusAsleep,
		})
	}
	if len(flipped) > 0 {
		a.bus.PublishAt(bus.EventNodeHostsUnreachable, now, map[string]any{
			"nodeId": nodeID,
			"count":  len(flipped),
		})
		a.bus.PublishAt(bus.EventHostsChanged, now, map[string]any{
			"nodeId": nodeID,
			"count":  len(flipped),
		})
	}
	return len(flipped), nil
}

// SavePortScanSnapshot validates and persists an open-port snapshot,
// stamping its expiry from the configured TTL.
func (a *Aggregator) SavePortScanSnapshot(hostFqn string, scan protocol.HostPortScan) error {
	for _, op := range scan.OpenPorts {
		if err := protocol.ValidateOpenPort(op); err != nil {
			return wolerr.Wrap(wolerr.KindInvalidRequest, "invalid open port", err)
		}
	}
	scannedAt := scan.ScannedAt
	if scannedAt.IsZero() {
		scannedAt = a.clock.Now()
	}
	expireAt := scannedAt.Add(a.portScanTTL)
	err := a.store.SaveHostPortScan(hostFqn, scan.OpenPorts, scannedAt, expireAt)
	if err == store.ErrNotFound {
		return wolerr.Newf(wolerr.KindNotFound, "host %q not found", hostFqn)
	}
	return err
}

// HostView is the value snapshot handed to readers. Expired port-scan
// snapshots are filtered out before the view is built.
type HostView struct {
	Fqn            string              `json:"fqn"`
	NodeID         string              `json:"nodeId"`
	Name           string              `json:"name"`
	Location       string              `json:"location"`
	Mac            string              `json:"mac"`
	SecondaryMacs  []string            `json:"secondaryMacs,omitempty"`
	IP             string              `json:"ip,omitempty"`
	Status         string              `json:"status"`
	LastSeen       *time.Time          `json:"lastSeen,omitempty"`
	Discovered     bool                `json:"discovered"`
	RespondsToPing *bool               `json:"respondsToPing,omitempty"`
	Notes          *string             `json:"notes,omitempty"`
	Tags           []string            `json:"tags,omitempty"`
	PowerControl   json.RawMessage     `json:"powerControl,omitempty"`
	OpenPorts      []protocol.OpenPort `json:"openPorts,omitempty"`
	PortsScannedAt *time.Time          `json:"portsScannedAt"`
}

func (a *Aggregator) view(h *store.AggregatedHost) *HostView {
	v := &HostView{
		Fqn:            h.Fqn,
		NodeID:         h.NodeID,
		Name:           h.Name,
		Location:       h.Location,
		Mac:            h.Mac,
		SecondaryMacs:  h.SecondaryMacs,
		IP:             h.IP,
		Status:         h.Status,
		LastSeen:       h.LastSeen,
		Discovered:     h.Discovered,
		RespondsToPing: h.RespondsToPing,
		Notes:          h.Notes,
		Tags:           h.Tags,
		PowerControl:   h.PowerControl,
	}
	// Expired snapshots are treated as absent but stay stored until the
	// next scan overwrites them.
	if h.PortsExpireAt != nil && a.clock.Now().Before(*h.PortsExpireAt) {
		v.OpenPorts = h.OpenPorts
		v.PortsScannedAt = h.PortsScannedAt
	}
	return v
}

// GetHost returns a host view by fqn.
func (a *Aggregator) GetHost(hostFqn string) (*HostView, error) {
	h, err := a.store.GetHostByFqn(hostFqn)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, wolerr.Newf(wolerr.KindNotFound, "host %q not found", hostFqn)
		}
		return nil, err
	}
	return a.view(h), nil
}

// ResolveHost finds a host for command routing: exact fqn first, then
// name@location parsing.
func (a *Aggregator) ResolveHost(hostFqn string) (*HostView, error) {
	v, err := a.GetHost(hostFqn)
	if err == nil {
		return v, nil
	}
	if !wolerr.IsKind(err, wolerr.KindNotFound) {
		return nil, err
	}

	parsed, perr := fqn.Parse(hostFqn)
	if perr != nil {
		return nil, wolerr.Wrap(wolerr.KindInvalidRequest, "invalid fqn", perr)
	}
	if parsed.NodeID != "" {
		h, serr := a.store.GetHostByNodeAndName(parsed.NodeID, parsed.Name)
		if serr == nil {
			return a.view(h), nil
		}
	}

	// Last resort: match by name + location across all nodes.
	hosts, lerr := a.store.ListHosts()
	if lerr != nil {
		return nil, lerr
	}
	for _, h := range hosts {
		if h.Name == parsed.Name && h.Location == parsed.Location {
			return a.view(h), nil
		}
	}
	return nil, err
}

// ListHosts returns views of every host.
func (a *Aggregator) ListHosts() ([]*HostView, error) {
	hosts, err := a.store.ListHosts()
	if err != nil {
		return nil, err
	}
	out := make([]*HostView, 0, len(hosts))
	for _, h := range hosts {
		out = append(out, a.view(h))
	}
	return out, nil
}

// Stats returns the derived host statistics.
func (a *Aggregator) Stats() (*store.HostStats, error) {
	return a.store.HostStatsSnapshot()
}

// Uptime computes the awake percentage for a host over a period like
// "7d", "24h" or "30m".
func (a *Aggregator) Uptime(hostFqn, period string) (*store.UptimeSummary, error) {
	d, err := parsePeriod(period)
	if err != nil {
		return nil, wolerr.Wrap(wolerr.KindInvalidRequest, "invalid period", err)
	}
	h, err := a.store.GetHostByFqn(hostFqn)
	if err != nil {
		if err == store.ErrNotFound {
			return nil, wolerr.Newf(wolerr.KindNotFound, "host %q not found", hostFqn)
		}
		return nil, err
	}
	now := a.clock.Now()
	return a.store.ComputeUptime(hostFqn, period, now.Add(-d), now, h.Status)
}

// PruneHistory deletes transitions older than the retention window.
func (a *Aggregator) PruneHistory() (int64, error) {
	cutoff := a.clock.Now().AddDate(0, 0, -a.retentionDays)
	return a.store.PruneHistory(cutoff)
}

func parsePeriod(period string) (time.Duration, error) {
	if strings.HasSuffix(period, "d") {
		days, err := strconv.Atoi(strings.TrimSuffix(period, "d"))
		if err != nil || days <= 0 {
			return 0, fmt.Errorf("invalid period %q", period)
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(period)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("invalid period %q", period)
	}
	return d, nil
}

func isHostStatus(s string) bool {
	return s == store.StatusAwake || s == store.StatusAsleep
}

func macSetsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

func stringSlicesEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func stringPtrEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func boolPtrEqual(a, b *bool) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func rawJSONEqual(a, b json.RawMessage) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == len(b)
	}
	var va, vb any
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return string(a) == string(b)
	}
	ja, _ := json.Marshal(va)
	jb, _ := json.Marshal(vb)
	return string(ja) == string(jb)
}
