package reconcile

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
)

func strPtr(s string) *string {
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}

var base = time.Unix(1700000000, 0)

func pollSnap(seq uint64, at time.Time, rawMode string, target float64) device.Snapshot {
	schedules := []device.Schedule{{ID: "s1", Name: "Weekday"}, {ID: "s2", Name: "Weekend"}}
	active := "Weekday"
	measured := 20.0
	return device.Snapshot{
		DeviceID:   "dev-1",
		Source:     device.SourcePoll,
		Seq:        seq,
		ObservedAt: at,
		Full:       true,
		HomeID:     "home-1",
		RoomID:     "room-1",
		Name:       "Living",
		Type:       "NATherm1",
		Fields: device.Fields{
			RawMode:             strPtr(rawMode),
			TargetTemperature:   floatPtr(target),
			MeasuredTemperature: floatPtr(measured),
			Schedules:           &schedules,
			ActiveSchedule:      &active,
		},
	}
}

func webhookSnap(seq uint64, at time.Time, fields device.Fields) device.Snapshot {
	return device.Snapshot{
		DeviceID:   "dev-1",
		Source:     device.SourceWebhook,
		Seq:        seq,
		ObservedAt: at,
		Fields:     fields,
	}
}

type staticHints []device.Hint

func (h staticHints) Hints(string) []device.Hint { return h }

func TestApplyFirstPollCreatesDevice(t *testing.T) {
	r := New()
	var got []device.ChangeSet
	r.Listen(func(cs device.ChangeSet) { got = append(got, cs) })

	cs, err := r.Apply(pollSnap(1, base, "schedule", 21))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if cs.Device.Mode != device.ModeSchedule || cs.Device.TargetTemperature != 21 {
		t.Errorf("device = %+v", cs.Device)
	}
	if cs.Device.Revision != 1 || cs.Device.RoomID != "room-1" || !cs.Device.LastPoll.Equal(base) {
		t.Errorf("revision=%d room=%s last_poll=%v", cs.Device.Revision, cs.Device.RoomID, cs.Device.LastPoll)
	}
	if len(got) != 1 {
		t.Errorf("listener called %d times, want 1", len(got))
	}
}

func TestApplyWebhookForUnknownDevice(t *testing.T) {
	r := New()
	_, err := r.Apply(webhookSnap(1, base, device.Fields{TargetTemperature: floatPtr(20)}))
	if !errors.Is(err, device.ErrUnknownDevice) {
		t.Errorf("Apply() error = %v, want ErrUnknownDevice", err)
	}
}

func TestApplyDuplicatesAreIdempotent(t *testing.T) {
	tests := []struct {
		name  string
		snaps []device.Snapshot
	}{
		{
			name: "duplicate_webhook",
			snaps: []device.Snapshot{
				webhookSnap(5, base.Add(time.Second), device.Fields{TargetTemperature: floatPtr(22)}),
				webhookSnap(5, base.Add(time.Second), device.Fields{TargetTemperature: floatPtr(22)}),
			},
		},
		{
			name: "older_webhook_after_newer",
			snaps: []device.Snapshot{
				webhookSnap(6, base.Add(2*time.Second), device.Fields{TargetTemperature: floatPtr(22)}),
				webhookSnap(5, base.Add(time.Second), device.Fields{TargetTemperature: floatPtr(18)}),
			},
		},
		{
			name: "duplicate_poll",
			snaps: []device.Snapshot{
				pollSnap(2, base.Add(time.Second), "schedule", 22),
				pollSnap(2, base.Add(time.Second), "manual", 18),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			if _, err := r.Apply(pollSnap(1, base, "schedule", 21)); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}

			first, err := r.Apply(tt.snaps[0])
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			second, err := r.Apply(tt.snaps[1])
			if err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if !second.Empty() {
				t.Errorf("stale snapshot changed %v", second.Changed)
			}

			d, _ := r.Device("dev-1")
			if d.TargetTemperature != first.Device.TargetTemperature || d.Revision != first.Device.Revision {
				t.Errorf("device = %+v, want unchanged from %+v", d, first.Device)
			}
			if r.Stats().Dropped != 1 {
				t.Errorf("Dropped = %d, want 1", r.Stats().Dropped)
			}
		})
	}
}

func TestPollAfterWebhooks(t *testing.T) {
	tests := []struct {
		name           string
		pollAt         time.Time
		pollTarget     float64
		expectedTarget float64
	}{
		{
			name:           "older_poll_keeps_webhook_value",
			pollAt:         base.Add(5 * time.Second),
			pollTarget:     21,
			expectedTarget: 23,
		},
		{
			name:           "same_instant_webhook_wins",
			pollAt:         base.Add(10 * time.Second),
			pollTarget:     21,
			expectedTarget: 23,
		},
		{
			name:           "newer_poll_wins",
			pollAt:         base.Add(20 * time.Second),
			pollTarget:     19,
			expectedTarget: 19,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			if _, err := r.Apply(pollSnap(1, base, "schedule", 21)); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if _, err := r.Apply(webhookSnap(1, base.Add(8*time.Second), device.Fields{TargetTemperature: floatPtr(22), RawMode: strPtr("manual")})); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}
			if _, err := r.Apply(webhookSnap(2, base.Add(10*time.Second), device.Fields{TargetTemperature: floatPtr(23)})); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}

			poll := pollSnap(2, tt.pollAt, "manual", tt.pollTarget)
			poll.Fields.MeasuredTemperature = floatPtr(19.5)
			if _, err := r.Apply(poll); err != nil {
				t.Fatalf("Apply() error: %v", err)
			}

			d, _ := r.Device("dev-1")
			if d.TargetTemperature != tt.expectedTarget {
				t.Errorf("TargetTemperature = %v, want %v", d.TargetTemperature, tt.expectedTarget)
			}
			if d.Mode != device.ModeManual {
				t.Errorf("Mode = %s, want manual", d.Mode)
			}
			// attributes the webhooks never carried always come from the poll
			if d.MeasuredTemperature != 19.5 {
				t.Errorf("MeasuredTemperature = %v, want 19.5", d.MeasuredTemperature)
			}
		})
	}
}

func TestPollSuppressedByPendingCommand(t *testing.T) {
	r := New()
	prior, err := r.Apply(pollSnap(1, base, "schedule", 21))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	r.SetPendingHints(staticHints{{Attr: device.AttrMode, Prior: prior.Device}})
	cs, err := r.Apply(pollSnap(2, base.Add(time.Minute), "schedule", 21))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !cs.Empty() {
		t.Errorf("poll changed %v while suppressed", cs.Changed)
	}

	if _, err := r.Apply(webhookSnap(1, base.Add(61*time.Second), device.Fields{RawMode: strPtr("manual")})); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if _, err := r.Apply(pollSnap(3, base.Add(2*time.Minute), "schedule", 21)); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if d, _ := r.Device("dev-1"); d.Mode != device.ModeManual {
		t.Errorf("Mode = %s, want manual kept while the command is pending", d.Mode)
	}

	// once the hint lapses the poll is authoritative again
	r.SetPendingHints(staticHints{})
	cs, err = r.Apply(pollSnap(4, base.Add(3*time.Minute), "schedule", 21))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !cs.Has(device.AttrMode) || cs.Device.Mode != device.ModeSchedule {
		t.Errorf("after lapse changed=%v mode=%s", cs.Changed, cs.Device.Mode)
	}
	if r.Stats().Suppressed != 2 {
		t.Errorf("Suppressed = %d, want 2", r.Stats().Suppressed)
	}
}

func TestUnknownModeKeepsPrior(t *testing.T) {
	r := New()
	if _, err := r.Apply(pollSnap(1, base, "max", 30)); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	cs, err := r.Apply(webhookSnap(1, base.Add(time.Second), device.Fields{RawMode: strPtr("away"), TargetTemperature: floatPtr(25)}))
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if cs.Has(device.AttrMode) || cs.Device.Mode != device.ModeMax {
		t.Errorf("mode changed to %s", cs.Device.Mode)
	}
	if !cs.Has(device.AttrTargetTemperature) {
		t.Error("other attributes of the snapshot should still apply")
	}
	if r.Stats().UnknownModes != 1 {
		t.Errorf("UnknownModes = %d, want 1", r.Stats().UnknownModes)
	}
}

func TestScheduleInvariantViolationIsAccepted(t *testing.T) {
	r := New()
	snap := pollSnap(1, base, "schedule", 21)
	empty := ""
	snap.Fields.ActiveSchedule = &empty

	cs, err := r.Apply(snap)
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if cs.Device.Mode != device.ModeSchedule {
		t.Errorf("Mode = %s, want schedule", cs.Device.Mode)
	}
	if r.Stats().InvariantViolations != 1 {
		t.Errorf("InvariantViolations = %d, want 1", r.Stats().InvariantViolations)
	}
}

func TestConcurrentMergesDoNotInterleave(t *testing.T) {
	r := New()
	if _, err := r.Apply(pollSnap(1, base, "schedule", 21)); err != nil {
		t.Fatalf("Apply() error: %v", err)
	}

	var mu sync.Mutex
	var revisions []uint64
	r.Listen(func(cs device.ChangeSet) {
		// yield inside the critical section to invite interleaving
		runtime.Gosched()
		mu.Lock()
		revisions = append(revisions, cs.Device.Revision)
		mu.Unlock()
	})

	const rounds = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 1; i <= rounds; i++ {
			target := float64(10 + i%20)
			_, _ = r.Apply(webhookSnap(uint64(i), base.Add(time.Duration(i)*time.Second), device.Fields{TargetTemperature: &target}))
			runtime.Gosched()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 2; i <= rounds; i++ {
			mode := []string{"schedule", "manual", "max"}[i%3]
			_, _ = r.Apply(pollSnap(uint64(i), base.Add(time.Duration(i)*time.Second), mode, 21))
			runtime.Gosched()
		}
	}()
	wg.Wait()

	for i := 1; i < len(revisions); i++ {
		if revisions[i] != revisions[i-1]+1 {
			t.Fatalf("revisions not contiguous at %d: %v", i, revisions[i-1:i+1])
		}
	}
	d, _ := r.Device("dev-1")
	if len(revisions) > 0 && d.Revision != revisions[len(revisions)-1] {
		t.Errorf("final revision = %d, last notified = %d", d.Revision, revisions[len(revisions)-1])
	}
}

func TestDevicesOrdered(t *testing.T) {
	r := New()
	for i, id := range []string{"c", "a", "b"} {
		snap := pollSnap(uint64(i+1), base, "off", 7)
		snap.DeviceID = id
		if _, err := r.Apply(snap); err != nil {
			t.Fatalf("Apply() error: %v", err)
		}
	}

	devices := r.Devices()
	got := fmt.Sprintf("%s %s %s", devices[0].ID, devices[1].ID, devices[2].ID)
	if got != "a b c" {
		t.Errorf("Devices() order = %s, want a b c", got)
	}
	if len(r.Snapshot()) != 3 || r.Stats().Devices != 3 {
		t.Errorf("Snapshot()/Stats() disagree on device count")
	}
}
