package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// StatusTransition is one append-only host_status_history row.
type StatusTransition struct {
	ID        int64
	HostFqn   string
	OldStatus string
	NewStatus string
	ChangedAt time.Time
}

// AppendStatusTransition records a meaningful status change. Callers are
// responsible for only recording transitions where old != new.
func (s *Store) AppendStatusTransition(fqn, oldStatus, newStatus string, at time.Time) error {
	_, err := s.exec(`
		INSERT INTO host_status_history (host_fqn, old_status, new_status, changed_at_ms)
		VALUES (?, ?, ?, ?)`,
		fqn, oldStatus, newStatus, at.UnixMilli())
	if err != nil {
		return fmt.Errorf("append status transition: %w", err)
	}
	return nil
}

// HistoryWindow returns the transitions for a host within [from, to),
// oldest first, preceded by at most one transition from before the
// window so the opening status can be established.
func (s *Store) HistoryWindow(fqn string, from, to time.Time) ([]StatusTransition, error) {
	var out []StatusTransition

	// One prior transition, if any.
	rows, err := s.query(`
		SELECT id, host_fqn, old_status, new_status, changed_at_ms
		FROM host_status_history
		WHERE host_fqn = ? AND changed_at_ms < ?
		ORDER BY changed_at_ms DESC LIMIT 1`,
		fqn, from.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("history window: %w", err)
	}
	prior, err := collectTransitions(rows)
	if err != nil {
		return nil, err
	}
	out = append(out, prior...)

	rows, err = s.query(`
		SELECT id, host_fqn, old_status, new_status, changed_at_ms
		FROM host_status_history
		WHERE host_fqn = ? AND changed_at_ms >= ? AND changed_at_ms < ?
		ORDER BY changed_at_ms ASC`,
		fqn, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("history window: %w", err)
	}
	inside, err := collectTransitions(rows)
	if err != nil {
		return nil, err
	}
	return append(out, inside...), nil
}

func collectTransitions(rows *sql.Rows) ([]StatusTransition, error) {
	defer func() { _ = rows.Close() }()
	var out []StatusTransition
	for rows.Next() {
		var t StatusTransition
		var ms int64
		if err := rows.Scan(&t.ID, &t.HostFqn, &t.OldStatus, &t.NewStatus, &ms); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.ChangedAt = time.UnixMilli(ms)
		out = append(out, t)
	}
	return out, rows.Err()
}

// PruneHistory deletes transitions older than the cutoff. Returns the
// number of rows removed.
func (s *Store) PruneHistory(cutoff time.Time) (int64, error) {
	res, err := s.exec(`DELETE FROM host_status_history WHERE changed_at_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UptimeSummary reports time spent awake within a window.
type UptimeSummary struct {
	HostFqn       string  `json:"hostFqn"`
	Period        string  `json:"period"`
	UptimePercent float64 `json:"uptimePercent"`
	Transitions   int     `json:"transitions"`
	CurrentStatus string  `json:"currentStatus"`
}

// ComputeUptime replays the host's status history inside [from, to] and
// sums the time spent awake. currentStatus is the host's status at the
// time of the call and closes the final segment.
func (s *Store) ComputeUptime(fqn, period string, from, to time.Time, currentStatus string) (*UptimeSummary, error) {
	transitions, err := s.HistoryWindow(fqn, from, to)
	if err != nil {
		return nil, err
	}

	// Opening status: from the prior transition when present, otherwise
	// inferred from the first in-window transition, otherwise the
	// current status held for the whole window.
	status := currentStatus
	idx := 0
	if len(transitions) > 0 {
		if transitions[0].ChangedAt.Before(from) {
			status = transitions[0].NewStatus
			idx = 1
		} else {
			status = transitions[0].OldStatus
		}
	}

	var awake time.Duration
	cursor := from
	count := 0
	for _, t := range transitions[idx:] {
		if status == StatusAwake {
			awake += t.ChangedAt.Sub(cursor)
		}
		cursor = t.ChangedAt
		status = t.NewStatus
		count++
	}
	if status == StatusAwake {
		awake += to.Sub(cursor)
	}

	total := to.Sub(from)
	percent := 0.0
	if total > 0 {
		percent = math.Round(float64(awake)/float64(total)*10000) / 100
	}

	return &UptimeSummary{
		HostFqn:       fqn,
		Period:        period,
		UptimePercent: percent,
		Transitions:   count,
		CurrentStatus: currentStatus,
	}, nil
}
