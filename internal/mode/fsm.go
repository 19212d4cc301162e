// Package mode implements the thermostat mode state machine. It is pure:
// callers pass the current mode and the schedule context in, and get a
// verdict back.
package mode

import (
	"fmt"
	"slices"

	"github.com/dokzlo13/thermd/internal/device"
)

// Context carries the schedule facts a transition into Schedule depends on.
type Context struct {
	ActiveSchedule string
	KnownSchedules []string
}

// ContextOf builds a Context from the device's current schedule state.
func ContextOf(d device.Device) Context {
	return Context{
		ActiveSchedule: d.ActiveSchedule,
		KnownSchedules: d.ScheduleNames(),
	}
}

// Request validates a caller-initiated transition from current to desired.
// The graph is fully connected; only entering Schedule has a precondition.
// Requesting the current mode is allowed and re-issues it.
func Request(current, desired device.Mode, ctx Context) error {
	if !desired.Valid() {
		return fmt.Errorf("%w: %s -> %s", device.ErrInvalidTransition, current, desired)
	}

	if desired == device.ModeSchedule {
		return checkSchedule(ctx)
	}

	return nil
}

// Observe maps a raw mode reported by the vendor to a Mode. Observations are
// never refused for recognized values; unrecognized ones fail with
// ErrUnknownMode and the caller keeps its prior state.
func Observe(raw string) (device.Mode, error) {
	return device.ParseMode(raw)
}

// Consistent reports whether the mode and schedule pair satisfies the
// schedule invariant. Observed state can violate it; callers log that.
func Consistent(m device.Mode, ctx Context) bool {
	if m != device.ModeSchedule {
		return true
	}
	return checkSchedule(ctx) == nil
}

func checkSchedule(ctx Context) error {
	if ctx.ActiveSchedule == "" {
		return fmt.Errorf("%w: no active schedule", device.ErrInvalidTransition)
	}
	if !slices.Contains(ctx.KnownSchedules, ctx.ActiveSchedule) {
		return fmt.Errorf("%w: schedule %q is not known", device.ErrInvalidTransition, ctx.ActiveSchedule)
	}
	return nil
}
