package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/command"
	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/poller"
	"github.com/dokzlo13/thermd/internal/reconcile"
)

// Redacted replaces identifying values in diagnostics.
const Redacted = "**REDACTED**"

const recentLedgerEntries = 20

// Diagnostics is the redacted health dump served at /api/diagnostics.
type Diagnostics struct {
	GeneratedAt time.Time          `json:"generated_at"`
	Auth        *auth.Status       `json:"auth,omitempty"`
	Poller      *poller.Stats      `json:"poller,omitempty"`
	Reconciler  reconcile.Stats    `json:"reconciler"`
	Parked      int                `json:"parked_updates"`
	Devices     []device.Device    `json:"devices"`
	Commands    []command.Status   `json:"commands"`
	Ledger      []DiagnosticsEntry `json:"ledger,omitempty"`
}

// DiagnosticsEntry is a ledger row without device identity.
type DiagnosticsEntry struct {
	CommandID string    `json:"command_id"`
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
}

func (s *Server) diagnostics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.collectDiagnostics())
}

func (s *Server) collectDiagnostics() Diagnostics {
	diag := Diagnostics{
		GeneratedAt: time.Now().UTC(),
		Reconciler:  s.deps.State.Stats(),
	}

	if s.deps.Auth != nil {
		st := s.deps.Auth.Status()
		diag.Auth = &st
	}
	if s.deps.Poller != nil {
		st := s.deps.Poller.Stats()
		diag.Poller = &st
	}
	if s.deps.Parked != nil {
		diag.Parked = s.deps.Parked.Parked()
	}

	for _, d := range s.deps.State.Devices() {
		diag.Devices = append(diag.Devices, redactDevice(d))
	}
	for _, c := range s.deps.Commands.Outstanding() {
		c.DeviceID = Redacted
		diag.Commands = append(diag.Commands, c)
	}

	if s.deps.Ledger != nil {
		entries, err := s.deps.Ledger.Recent(recentLedgerEntries)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to read ledger for diagnostics")
		}
		for _, e := range entries {
			diag.Ledger = append(diag.Ledger, DiagnosticsEntry{
				CommandID: e.CommandID,
				State:     string(e.State),
				Timestamp: e.Timestamp,
				Error:     e.Error,
			})
		}
	}

	return diag
}

// redactDevice drops the vendor identifiers, which embed MAC addresses, and
// the user-chosen names.
func redactDevice(d device.Device) device.Device {
	d = d.Clone()
	d.ID = Redacted
	d.HomeID = Redacted
	d.RoomID = Redacted
	if d.Name != "" {
		d.Name = Redacted
	}
	for i := range d.Schedules {
		d.Schedules[i].ID = Redacted
	}
	return d
}
