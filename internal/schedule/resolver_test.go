package schedule

import (
	"errors"
	"testing"

	"github.com/dokzlo13/thermd/internal/device"
)

func TestResolve(t *testing.T) {
	d := device.Device{
		ID: "04:00:00:aa",
		Schedules: []device.Schedule{
			{ID: "s1", Name: "Weekday"},
			{ID: "s2", Name: "Weekend"},
		},
	}

	tests := []struct {
		name    string
		input   string
		wantID  string
		wantErr bool
	}{
		{name: "exact", input: "Weekend", wantID: "s2"},
		{name: "first", input: "Weekday", wantID: "s1"},
		{name: "case_sensitive", input: "weekend", wantErr: true},
		{name: "missing", input: "Holiday", wantErr: true},
		{name: "empty", input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			change, err := Resolve(d, tt.input)
			if tt.wantErr {
				if !errors.Is(err, device.ErrUnknownSchedule) {
					t.Errorf("Resolve(%q) error = %v, want ErrUnknownSchedule", tt.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve(%q) unexpected error: %v", tt.input, err)
			}
			if change.Schedule == nil || change.Schedule.ID != tt.wantID {
				t.Errorf("Resolve(%q) = %+v, want schedule %s", tt.input, change.Schedule, tt.wantID)
			}
			if change.Mode != device.ModeUnknown {
				t.Errorf("Resolve(%q) requested mode %v, want none", tt.input, change.Mode)
			}
		})
	}
}
