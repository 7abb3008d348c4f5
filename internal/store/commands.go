package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Command states. The terminal states are final and monotonic.
const (
	CommandQueued       = "queued"
	CommandSent         = "sent"
	CommandAcknowledged = "acknowledged"
	CommandFailed       = "failed"
	CommandTimedOut     = "timed_out"
)

// ReasonReconciledOnRestart marks commands failed by the startup
// reconciler rather than by a node or a timeout.
const ReasonReconciledOnRestart = "reconciled-on-restart"

// Command is one durable command-log row.
type Command struct {
	CommandID      string
	Type           string
	NodeID         string
	Target         string
	Payload        json.RawMessage
	State          string
	CorrelationID  string
	IdempotencyKey *string
	QueuedAt       time.Time
	SentAt         *time.Time
	ResolvedAt     *time.Time
	Outcome        json.RawMessage
	Error          *string
}

// Terminal reports whether the command reached a final state.
func (c *Command) Terminal() bool {
	switch c.State {
	case CommandAcknowledged, CommandFailed, CommandTimedOut:
		return true
	}
	return false
}

// InsertCommand records a freshly queued command.
func (s *Store) InsertCommand(c *Command) error {
	var payload any
	if c.Payload != nil {
		payload = string(c.Payload)
	}
	_, err := s.exec(`
		INSERT INTO commands (command_id, type, node_id, target, payload,
			state, correlation_id, idempotency_key, queued_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.CommandID, c.Type, c.NodeID, c.Target, payload,
		CommandQueued, c.CorrelationID, nullableString(c.IdempotencyKey),
		c.QueuedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// MarkCommandSent transitions a queued command to sent. A command that
// already left the queued state is not touched.
func (s *Store) MarkCommandSent(commandID string, at time.Time) error {
	_, err := s.exec(`
		UPDATE commands SET state = ?, sent_at_ms = ?
		WHERE command_id = ? AND state = ?`,
		CommandSent, at.UnixMilli(), commandID, CommandQueued)
	if err != nil {
		return fmt.Errorf("mark command sent: %w", err)
	}
	return nil
}

// ResolveCommand moves a command to a terminal state. The guard on the
// current state keeps terminal states monotonic: late results against an
// already-resolved command are a no-op and the method reports false.
func (s *Store) ResolveCommand(commandID, state string, outcome json.RawMessage, errMsg *string, at time.Time) (bool, error) {
	var outcomeArg any
	if outcome != nil {
		outcomeArg = string(outcome)
	}
	res, err := s.exec(`
		UPDATE commands SET state = ?, resolved_at_ms = ?, outcome = ?, error = ?
		WHERE command_id = ? AND state IN (?, ?)`,
		state, at.UnixMilli(), outcomeArg, nullableString(errMsg),
		commandID, CommandQueued, CommandSent)
	if err != nil {
		return false, fmt.Errorf("resolve command: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// GetCommand fetches a command by id.
func (s *Store) GetCommand(commandID string) (*Command, error) {
	row := s.queryRow(`
		SELECT command_id, type, node_id, target, payload, state,
			correlation_id, idempotency_key, queued_at_ms, sent_at_ms,
			resolved_at_ms, outcome, error
		FROM commands WHERE command_id = ?`, commandID)

	c, err := scanCommand(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get command: %w", err)
	}
	return c, nil
}

// FindActiveCommand returns the newest non-terminal command matching the
// idempotency scope (node, type, target, key), or ErrNotFound.
func (s *Store) FindActiveCommand(nodeID, cmdType, target, key string) (*Command, error) {
	row := s.queryRow(`
		SELECT command_id, type, node_id, target, payload, state,
			correlation_id, idempotency_key, queued_at_ms, sent_at_ms,
			resolved_at_ms, outcome, error
		FROM commands
		WHERE node_id = ? AND type = ? AND target = ? AND idempotency_key = ?
			AND state IN (?, ?)
		ORDER BY queued_at_ms DESC LIMIT 1`,
		nodeID, cmdType, target, key, CommandQueued, CommandSent)

	c, err := scanCommand(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find active command: %w", err)
	}
	return c, nil
}

func scanCommand(scan func(dest ...any) error) (*Command, error) {
	var c Command
	var payload, idemKey, outcome, errMsg sql.NullString
	var queuedAt int64
	var sentAt, resolvedAt sql.NullInt64

	err := scan(&c.CommandID, &c.Type, &c.NodeID, &c.Target, &payload,
		&c.State, &c.CorrelationID, &idemKey, &queuedAt, &sentAt,
		&resolvedAt, &outcome, &errMsg)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		c.Payload = json.RawMessage(payload.String)
	}
	if idemKey.Valid {
		k := idemKey.String
		c.IdempotencyKey = &k
	}
	if outcome.Valid {
		c.Outcome = json.RawMessage(outcome.String)
	}
	if errMsg.Valid {
		e := errMsg.String
		c.Error = &e
	}
	c.QueuedAt = time.UnixMilli(queuedAt)
	c.SentAt = msToTime(sentAt)
	c.ResolvedAt = msToTime(resolvedAt)
	return &c, nil
}

// ReconcileCommandsOnStartup fails every non-terminal command left over
// from a previous process. Must run before node connections are
// accepted.
func (s *Store) ReconcileCommandsOnStartup() (int64, error) {
	now := s.clock.Now()
	res, err := s.exec(`
		UPDATE commands SET state = ?, resolved_at_ms = ?, error = ?
		WHERE state IN (?, ?)`,
		CommandTimedOut, now.UnixMilli(), ReasonReconciledOnRestart,
		CommandQueued, CommandSent)
	if err != nil {
		return 0, fmt.Errorf("reconcile commands: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.log.Info().Int64("count", n).Msg("reconciled stale commands on startup")
	}
	return n, nil
}

// PruneCommands deletes terminal commands resolved before the cutoff.
func (s *Store) PruneCommands(cutoff time.Time) (int64, error) {
	res, err := s.exec(`
		DELETE FROM commands
		WHERE state IN (?, ?, ?) AND resolved_at_ms < ?`,
		CommandAcknowledged, CommandFailed, CommandTimedOut, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune commands: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
