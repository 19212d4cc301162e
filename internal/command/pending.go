package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/ledger"
)

// State is the lifecycle state of a PendingCommand.
type State string

const (
	StateQueued    State = "queued"
	StateIssued    State = "issued"
	StateConfirmed State = "confirmed"
	StateTimedOut  State = "timed_out"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether s ends the command.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateTimedOut, StateFailed, StateCancelled:
		return true
	}
	return false
}

func (s State) ledgerState() ledger.State {
	switch s {
	case StateConfirmed:
		return ledger.StateConfirmed
	case StateTimedOut:
		return ledger.StateTimedOut
	case StateFailed:
		return ledger.StateFailed
	case StateCancelled:
		return ledger.StateCancelled
	}
	return ledger.StateIssued
}

// PendingCommand is a requested change travelling from issue to a terminal
// state. Fields other than ID, DeviceID and Change are guarded by the
// coordinator.
type PendingCommand struct {
	ID       string
	DeviceID string
	Change   device.Change

	prior    device.Device
	issuedAt time.Time
	token    string
	state    State
	err      error
	result   device.Device
	timer    *time.Timer
	done     chan struct{}
}

func newPending(id, deviceID string, change device.Change) *PendingCommand {
	return &PendingCommand{
		ID:       id,
		DeviceID: deviceID,
		Change:   change,
		state:    StateQueued,
		done:     make(chan struct{}),
	}
}

// Done is closed when the command reaches a terminal state.
func (p *PendingCommand) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the command finishes and returns the confirmed device or
// the typed error that ended it. Abandoning the wait does not cancel the
// command.
func (p *PendingCommand) Wait(ctx context.Context) (device.Device, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return device.Device{}, fmt.Errorf("%w: %v", device.ErrCancelled, ctx.Err())
	}
}

// payload describes the change for the ledger.
func (p *PendingCommand) payload() map[string]any {
	out := make(map[string]any)
	if p.Change.Mode != device.ModeUnknown {
		out["mode"] = p.Change.Mode.String()
	}
	if p.Change.Temperature != nil {
		out["temperature"] = *p.Change.Temperature
	}
	if p.Change.Schedule != nil {
		out["schedule"] = p.Change.Schedule.Name
	}
	return out
}

// correlationToken joins the pre-command values of the affected attributes
// with the local command counter.
func correlationToken(change device.Change, prior device.Device, counter uint64) string {
	var parts []string
	if change.Mode != device.ModeUnknown {
		parts = append(parts, prior.Mode.String())
	}
	if change.Temperature != nil {
		parts = append(parts, strconv.FormatFloat(prior.TargetTemperature, 'f', 1, 64))
	}
	if change.Schedule != nil {
		parts = append(parts, prior.ActiveSchedule)
	}
	return strings.Join(parts, ",") + "#" + strconv.FormatUint(counter, 10)
}
