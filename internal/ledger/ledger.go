// Package ledger provides an append-only history of command outcomes.
// Each command records its issuance and exactly one terminal state.
package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// State mirrors the command lifecycle states stored in the ledger
type State string

const (
	StateIssued    State = "issued"
	StateConfirmed State = "confirmed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s ends a command's lifecycle
func (s State) Terminal() bool {
	return s != StateIssued
}

// Entry represents a single command transition in the ledger
type Entry struct {
	ID        int64
	CommandID string
	DeviceID  string
	State     State
	Timestamp time.Time
	Token     string
	Payload   map[string]any
	Error     string
}

// Ledger provides append-only command logging
type Ledger struct {
	db *sql.DB
}

// New creates a new Ledger using the provided database connection
func New(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

// Append adds a new entry to the ledger.
// Terminal states use INSERT OR IGNORE so only the first terminal state
// for a command is kept (enforced by a unique partial index).
func (l *Ledger) Append(e Entry) error {
	var payloadJSON []byte
	var err error

	if e.Payload != nil {
		payloadJSON, err = json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	insertSQL := `INSERT INTO command_ledger (command_id, device_id, state, timestamp, token, payload, error) VALUES (?, ?, ?, ?, ?, ?, ?)`
	if e.State.Terminal() {
		insertSQL = `INSERT OR IGNORE INTO command_ledger (command_id, device_id, state, timestamp, token, payload, error) VALUES (?, ?, ?, ?, ?, ?, ?)`
	}

	_, err = l.db.Exec(insertSQL, e.CommandID, e.DeviceID, string(e.State), ts.UTC().UnixMilli(), e.Token, string(payloadJSON), e.Error)
	return err
}

// Outcome returns the terminal state recorded for a command, if any
func (l *Ledger) Outcome(commandID string) (State, bool) {
	var state string
	err := l.db.QueryRow(`
		SELECT state FROM command_ledger
		WHERE command_id = ? AND state != ?
		LIMIT 1
	`, commandID, string(StateIssued)).Scan(&state)

	if err != nil {
		return "", false
	}
	return State(state), true
}

// ForDevice returns the newest entries for a device
func (l *Ledger) ForDevice(deviceID string, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, command_id, device_id, state, timestamp, token, payload, error
		FROM command_ledger
		WHERE device_id = ?
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// Recent returns the newest entries across all devices
func (l *Ledger) Recent(limit int) ([]*Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, command_id, device_id, state, timestamp, token, payload, error
		FROM command_ledger
		ORDER BY timestamp DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return l.scanEntries(rows)
}

// DeleteOlderThan removes entries older than the specified duration (retention policy)
func (l *Ledger) DeleteOlderThan(retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().UnixMilli()
	result, err := l.db.Exec(`
		DELETE FROM command_ledger WHERE timestamp < ?
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func (l *Ledger) scanEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		var entry Entry
		var payloadStr, token, errStr sql.NullString
		var state string
		var timestamp int64

		err := rows.Scan(
			&entry.ID, &entry.CommandID, &entry.DeviceID, &state, &timestamp, &token, &payloadStr, &errStr,
		)
		if err != nil {
			return nil, err
		}

		entry.State = State(state)
		entry.Timestamp = time.UnixMilli(timestamp).UTC()
		if token.Valid {
			entry.Token = token.String
		}
		if errStr.Valid {
			entry.Error = errStr.String
		}

		if payloadStr.Valid && payloadStr.String != "" {
			entry.Payload = make(map[string]any)
			if err := json.Unmarshal([]byte(payloadStr.String), &entry.Payload); err != nil {
				return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
			}
		}

		entries = append(entries, &entry)
	}

	return entries, rows.Err()
}
