package mode

import (
	"errors"
	"testing"

	"github.com/dokzlo13/thermd/internal/device"
)

func TestRequest(t *testing.T) {
	known := []string{"Weekday", "Weekend"}

	tests := []struct {
		name    string
		current device.Mode
		desired device.Mode
		ctx     Context
		wantErr error
	}{
		// === Transitions without preconditions ===
		{
			name:    "manual/to_off",
			current: device.ModeManual,
			desired: device.ModeOff,
		},
		{
			name:    "off/to_max",
			current: device.ModeOff,
			desired: device.ModeMax,
		},
		{
			name:    "schedule/to_frost_guard",
			current: device.ModeSchedule,
			desired: device.ModeFrostGuard,
		},
		{
			name:    "manual/to_manual_reissue",
			current: device.ModeManual,
			desired: device.ModeManual,
		},
		{
			name:    "unknown_current/to_manual",
			current: device.ModeUnknown,
			desired: device.ModeManual,
		},

		// === Entering Schedule ===
		{
			name:    "manual/to_schedule_with_known_active",
			current: device.ModeManual,
			desired: device.ModeSchedule,
			ctx:     Context{ActiveSchedule: "Weekday", KnownSchedules: known},
		},
		{
			name:    "manual/to_schedule_without_active",
			current: device.ModeManual,
			desired: device.ModeSchedule,
			ctx:     Context{KnownSchedules: known},
			wantErr: device.ErrInvalidTransition,
		},
		{
			name:    "off/to_schedule_with_unknown_active",
			current: device.ModeOff,
			desired: device.ModeSchedule,
			ctx:     Context{ActiveSchedule: "Holiday", KnownSchedules: known},
			wantErr: device.ErrInvalidTransition,
		},
		{
			name:    "off/to_schedule_case_mismatch",
			current: device.ModeOff,
			desired: device.ModeSchedule,
			ctx:     Context{ActiveSchedule: "weekday", KnownSchedules: known},
			wantErr: device.ErrInvalidTransition,
		},
		{
			name:    "schedule/to_schedule_reissue",
			current: device.ModeSchedule,
			desired: device.ModeSchedule,
			ctx:     Context{ActiveSchedule: "Weekend", KnownSchedules: known},
		},

		// === Invalid targets ===
		{
			name:    "manual/to_unknown",
			current: device.ModeManual,
			desired: device.ModeUnknown,
			wantErr: device.ErrInvalidTransition,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Request(tt.current, tt.desired, tt.ctx)
			if tt.wantErr == nil && err != nil {
				t.Errorf("Request() unexpected error: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Request() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestObserve(t *testing.T) {
	tests := []struct {
		raw      string
		expected device.Mode
		wantErr  bool
	}{
		{raw: "schedule", expected: device.ModeSchedule},
		{raw: "home", expected: device.ModeSchedule},
		{raw: "manual", expected: device.ModeManual},
		{raw: "max", expected: device.ModeMax},
		{raw: "off", expected: device.ModeOff},
		{raw: "hg", expected: device.ModeFrostGuard},
		{raw: "away", wantErr: true},
		{raw: "turbo", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := Observe(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, device.ErrUnknownMode) {
					t.Errorf("Observe(%q) error = %v, want ErrUnknownMode", tt.raw, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Observe(%q) unexpected error: %v", tt.raw, err)
			}
			if got != tt.expected {
				t.Errorf("Observe(%q) = %v, want %v", tt.raw, got, tt.expected)
			}
		})
	}
}

func TestConsistent(t *testing.T) {
	ctx := Context{ActiveSchedule: "Holiday", KnownSchedules: []string{"Weekday"}}

	if Consistent(device.ModeSchedule, ctx) {
		t.Error("schedule mode with unknown active schedule should be inconsistent")
	}
	if !Consistent(device.ModeManual, ctx) {
		t.Error("non-schedule modes are always consistent")
	}
}
