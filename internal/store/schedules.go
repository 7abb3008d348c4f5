package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/cronexpr"
)

// Schedule frequencies. A frequency of the form "cron:<expr>" is
// evaluated with cronexpr in the schedule's timezone.
const (
	FrequencyOnce    = "once"
	FrequencyDaily   = "daily"
	FrequencyWeekly  = "weekly"
	FrequencyMonthly = "monthly"
)

const cronPrefix = "cron:"

// WakeSchedule is one persisted wake schedule.
type WakeSchedule struct {
	ID            string
	HostFqn       string
	HostName      string
	HostMac       string
	ScheduledTime string // "HH:MM" wall-clock time for the simple frequencies
	Frequency     string
	Enabled       bool
	NotifyOnWake  bool
	Timezone      string
	LastTriggered *time.Time
	NextTrigger   *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

const scheduleColumns = `id, host_fqn, host_name, host_mac, scheduled_time,
	frequency, enabled, notify_on_wake, timezone, last_triggered_ms,
	next_trigger_ms, created_at_ms, updated_at_ms`

func (s *Store) scanSchedule(scan func(dest ...any) error) (*WakeSchedule, error) {
	var sc WakeSchedule
	var enabled, notify int
	var lastTriggered, nextTrigger sql.NullInt64
	var createdAt, updatedAt int64

	err := scan(&sc.ID, &sc.HostFqn, &sc.HostName, &sc.HostMac,
		&sc.ScheduledTime, &sc.Frequency, &enabled, &notify, &sc.Timezone,
		&lastTriggered, &nextTrigger, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	sc.Enabled = enabled != 0
	sc.NotifyOnWake = notify != 0
	sc.LastTriggered = msToTime(lastTriggered)
	sc.NextTrigger = msToTime(nextTrigger)
	sc.CreatedAt = time.UnixMilli(createdAt)
	sc.UpdatedAt = time.UnixMilli(updatedAt)
	return &sc, nil
}

// CreateSchedule inserts a schedule, computing its first trigger.
func (s *Store) CreateSchedule(sc *WakeSchedule) error {
	now := s.clock.Now()
	sc.CreatedAt = now
	sc.UpdatedAt = now
	if sc.Timezone == "" {
		sc.Timezone = "UTC"
	}
	if sc.NextTrigger == nil {
		next, err := sc.computeNextTrigger(now)
		if err != nil {
			return err
		}
		sc.NextTrigger = next
	}

	_, err := s.exec(`
		INSERT INTO host_schedules (`+scheduleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.HostFqn, sc.HostName, sc.HostMac, sc.ScheduledTime,
		sc.Frequency, boolToInt(sc.Enabled), boolToInt(sc.NotifyOnWake),
		sc.Timezone, timeToMs(sc.LastTriggered), timeToMs(sc.NextTrigger),
		now.UnixMilli(), now.UnixMilli())
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

// GetSchedule fetches a schedule by id.
func (s *Store) GetSchedule(id string) (*WakeSchedule, error) {
	row := s.queryRow(`SELECT `+scheduleColumns+` FROM host_schedules WHERE id = ?`, id)
	sc, err := s.scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedules returns every schedule ordered by creation.
func (s *Store) ListSchedules() ([]*WakeSchedule, error) {
	rows, err := s.query(`SELECT ` + scheduleColumns + ` FROM host_schedules ORDER BY created_at_ms`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*WakeSchedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule overwrites the mutable fields of a schedule. A nil
// NextTrigger is recomputed from the updated time and frequency.
func (s *Store) UpdateSchedule(sc *WakeSchedule) error {
	now := s.clock.Now()
	if sc.NextTrigger == nil {
		next, err := sc.computeNextTrigger(now)
		if err != nil {
			return err
		}
		sc.NextTrigger = next
	}
	res, err := s.exec(`
		UPDATE host_schedules SET host_fqn = ?, host_name = ?, host_mac = ?,
			scheduled_time = ?, frequency = ?, enabled = ?,
			notify_on_wake = ?, timezone = ?, next_trigger_ms = ?,
			updated_at_ms = ?
		WHERE id = ?`,
		sc.HostFqn, sc.HostName, sc.HostMac, sc.ScheduledTime,
		sc.Frequency, boolToInt(sc.Enabled), boolToInt(sc.NotifyOnWake),
		sc.Timezone, timeToMs(sc.NextTrigger), now.UnixMilli(), sc.ID)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(id string) error {
	res, err := s.exec(`DELETE FROM host_schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DueSchedules selects enabled schedules whose next trigger has passed,
// oldest trigger first, bounded by limit.
func (s *Store) DueSchedules(now time.Time, limit int) ([]*WakeSchedule, error) {
	rows, err := s.query(`
		SELECT `+scheduleColumns+` FROM host_schedules
		WHERE enabled = 1 AND next_trigger_ms IS NOT NULL AND next_trigger_ms <= ?
		ORDER BY next_trigger_ms ASC, id ASC
		LIMIT ?`, now.UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("due schedules: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []*WakeSchedule
	for rows.Next() {
		sc, err := s.scanSchedule(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// RecordExecutionAttempt stamps last_triggered with the original attempt
// time and recomputes next_trigger for the schedule's frequency. Runs
// regardless of the dispatch outcome.
func (s *Store) RecordExecutionAttempt(id string, attemptedAt time.Time) error {
	sc, err := s.GetSchedule(id)
	if err != nil {
		return err
	}

	next, err := sc.computeNextTrigger(attemptedAt)
	if err != nil {
		s.log.Warn().Str("schedule", id).Err(err).Msg("failed to compute next trigger, disabling schedule")
		next = nil
	}

	enabled := sc.Enabled
	if sc.Frequency == FrequencyOnce || next == nil {
		enabled = false
	}

	_, err = s.exec(`
		UPDATE host_schedules SET last_triggered_ms = ?, next_trigger_ms = ?,
			enabled = ?, updated_at_ms = ?
		WHERE id = ?`,
		attemptedAt.UnixMilli(), timeToMs(next), boolToInt(enabled),
		s.clock.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("record execution attempt: %w", err)
	}
	return nil
}

// computeNextTrigger returns the next firing time strictly after "after".
func (sc *WakeSchedule) computeNextTrigger(after time.Time) (*time.Time, error) {
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		loc = time.UTC
	}

	if strings.HasPrefix(sc.Frequency, cronPrefix) {
		expr, err := cronexpr.Parse(strings.TrimPrefix(sc.Frequency, cronPrefix))
		if err != nil {
			return nil, fmt.Errorf("invalid cron frequency: %w", err)
		}
		next := expr.Next(after.In(loc))
		if next.IsZero() {
			return nil, nil
		}
		return &next, nil
	}

	var hour, minute int
	if _, err := fmt.Sscanf(sc.ScheduledTime, "%d:%d", &hour, &minute); err != nil {
		return nil, fmt.Errorf("invalid scheduled time %q: %w", sc.ScheduledTime, err)
	}

	local := after.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)

	switch sc.Frequency {
	case FrequencyOnce, FrequencyDaily:
		if !next.After(local) {
			next = next.AddDate(0, 0, 1)
		}
	case FrequencyWeekly:
		if !next.After(local) {
			next = next.AddDate(0, 0, 7)
		}
	case FrequencyMonthly:
		if !next.After(local) {
			next = next.AddDate(0, 1, 0)
		}
	default:
		return nil, fmt.Errorf("unknown frequency %q", sc.Frequency)
	}
	return &next, nil
}
