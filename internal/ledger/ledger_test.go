package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/dokzlo13/thermd/internal/db"
)

func openLedger(t *testing.T) *Ledger {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "ledger.sqlite"))
	if err != nil {
		t.Fatalf("db.Open() error: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database.DB)
}

func TestFirstTerminalStateWins(t *testing.T) {
	l := openLedger(t)

	entries := []Entry{
		{CommandID: "c1", DeviceID: "d1", State: StateIssued, Token: "manual#1"},
		{CommandID: "c1", DeviceID: "d1", State: StateTimedOut, Error: "command timed out"},
		{CommandID: "c1", DeviceID: "d1", State: StateConfirmed},
	}
	for _, e := range entries {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append(%s) error: %v", e.State, err)
		}
	}

	state, ok := l.Outcome("c1")
	if !ok || state != StateTimedOut {
		t.Errorf("Outcome() = %q, %v; want timed_out", state, ok)
	}

	got, err := l.ForDevice("d1", 10)
	if err != nil {
		t.Fatalf("ForDevice() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ForDevice() returned %d entries, want 2", len(got))
	}
}

func TestOutcomeWithoutTerminal(t *testing.T) {
	l := openLedger(t)

	if err := l.Append(Entry{CommandID: "c2", DeviceID: "d1", State: StateIssued}); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if _, ok := l.Outcome("c2"); ok {
		t.Error("Outcome() reported a terminal state for an issued-only command")
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	l := openLedger(t)

	err := l.Append(Entry{
		CommandID: "c3",
		DeviceID:  "d2",
		State:     StateFailed,
		Payload:   map[string]any{"mode": "manual"},
		Error:     "boom",
	})
	if err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	got, err := l.Recent(1)
	if err != nil || len(got) != 1 {
		t.Fatalf("Recent() = %v, %v", got, err)
	}
	if got[0].Payload["mode"] != "manual" || got[0].Error != "boom" {
		t.Errorf("unexpected entry: %+v", got[0])
	}
}

func TestDeleteOlderThan(t *testing.T) {
	l := openLedger(t)

	old := Entry{CommandID: "old", DeviceID: "d1", State: StateConfirmed, Timestamp: time.Now().Add(-48 * time.Hour)}
	fresh := Entry{CommandID: "new", DeviceID: "d1", State: StateConfirmed}
	for _, e := range []Entry{old, fresh} {
		if err := l.Append(e); err != nil {
			t.Fatalf("Append() error: %v", err)
		}
	}

	n, err := l.DeleteOlderThan(24 * time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan() error: %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteOlderThan() removed %d rows, want 1", n)
	}
}
