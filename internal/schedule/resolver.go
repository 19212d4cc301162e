// Package schedule resolves human-facing schedule names to vendor schedules.
package schedule

import (
	"fmt"

	"github.com/dokzlo13/thermd/internal/device"
)

// Resolve maps a schedule name to the change that activates it.
// Matching is exact and case-sensitive.
func Resolve(d device.Device, name string) (device.Change, error) {
	s, ok := d.ScheduleByName(name)
	if !ok {
		return device.Change{}, fmt.Errorf("%w: %q (known: %v)", device.ErrUnknownSchedule, name, d.ScheduleNames())
	}
	return device.Change{Schedule: &s}, nil
}
