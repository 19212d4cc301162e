package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/netatmo"
	"github.com/dokzlo13/thermd/internal/reconcile"
)

func strPtr(s string) *string {
	return &s
}

func floatPtr(f float64) *float64 {
	return &f
}

func intPtr(i int) *int {
	return &i
}

func testHome() *netatmo.HomeData {
	return &netatmo.HomeData{
		Home: netatmo.Home{
			ID:   "home-1",
			Name: "Flat",
			Rooms: []netatmo.Room{
				{ID: "room-1", Name: "Living", ModuleIDs: []string{"04:00:00:aa"}},
				{ID: "room-2", Name: "Bedroom", ModuleIDs: []string{"09:00:00:bb", "09:00:00:cc"}},
				{ID: "room-3", Name: "Hall", ModuleIDs: []string{"70:ee:50:00"}},
			},
			Modules: []netatmo.Module{
				{ID: "70:ee:50:00", Type: "NAPlug"},
				{ID: "04:00:00:aa", Type: "NATherm1", Name: "Living thermostat"},
				{ID: "09:00:00:bb", Type: "NRV"},
				{ID: "09:00:00:cc", Type: "NRV"},
			},
			Schedules: []netatmo.Schedule{
				{ID: "s1", Name: "Weekday", Type: "therm", Selected: true},
				{ID: "s2", Name: "Weekend", Type: "therm"},
				{ID: "c1", Name: "Cooling", Type: "cooling"},
			},
		},
		Status: netatmo.HomeStatus{
			ID: "home-1",
			Rooms: []netatmo.RoomStatus{
				{ID: "room-1", MeasuredTemperature: floatPtr(20.4), SetpointTemperature: floatPtr(21), SetpointMode: strPtr("schedule")},
				{ID: "room-2", MeasuredTemperature: floatPtr(18), SetpointTemperature: floatPtr(17), SetpointMode: strPtr("manual")},
				{ID: "room-3", SetpointMode: strPtr("schedule")},
			},
			Modules: []netatmo.ModuleStatus{
				{ID: "04:00:00:aa", BatteryState: strPtr("high"), RFStrength: intPtr(62), FirmwareRevision: intPtr(75)},
				{ID: "09:00:00:bb", BatteryLevel: intPtr(2750), RFStrength: intPtr(70)},
			},
		},
	}
}

func TestPollBuildsFullSnapshots(t *testing.T) {
	n := New("home-1", 0)
	started := time.Unix(1700000000, 0)

	snaps := n.Poll(testHome(), started)
	if len(snaps) != 2 {
		t.Fatalf("Poll() returned %d snapshots, want 2", len(snaps))
	}

	living := snaps[0]
	if living.DeviceID != "04:00:00:aa" || living.RoomID != "room-1" {
		t.Errorf("living identity = %s/%s", living.DeviceID, living.RoomID)
	}
	if !living.Full || living.Source != device.SourcePoll || living.Seq != 1 {
		t.Errorf("living snapshot metadata = full:%v source:%s seq:%d", living.Full, living.Source, living.Seq)
	}
	if !living.ObservedAt.Equal(started) {
		t.Errorf("ObservedAt = %v, want %v", living.ObservedAt, started)
	}
	if living.Name != "Living thermostat" {
		t.Errorf("Name = %q", living.Name)
	}
	if got := *living.Fields.Battery; got != 75 {
		t.Errorf("Battery = %d, want 75", got)
	}
	if got := *living.Fields.Firmware; got != "75" {
		t.Errorf("Firmware = %q, want 75", got)
	}
	if got := *living.Fields.ActiveSchedule; got != "Weekday" {
		t.Errorf("ActiveSchedule = %q, want Weekday", got)
	}
	if got := len(*living.Fields.Schedules); got != 2 {
		t.Errorf("Schedules = %d, want 2 heating schedules", got)
	}

	bedroom := snaps[1]
	if bedroom.DeviceID != "09:00:00:bb" {
		t.Errorf("bedroom device = %s, want first valve", bedroom.DeviceID)
	}
	if bedroom.Name != "Bedroom" {
		t.Errorf("bedroom name = %q, want room name fallback", bedroom.Name)
	}
	if got := *bedroom.Fields.Battery; got != 50 {
		t.Errorf("bedroom battery = %d, want 50", got)
	}

	if second := n.Poll(testHome(), started); second[0].Seq != 2 {
		t.Errorf("second poll seq = %d, want 2", second[0].Seq)
	}
}

func TestBatteryPercent(t *testing.T) {
	tests := []struct {
		name       string
		moduleType string
		state      *string
		level      *int
		expected   *int
	}{
		{name: "state_full", state: strPtr("full"), expected: intPtr(100)},
		{name: "state_very_low", state: strPtr("very low"), expected: intPtr(10)},
		{name: "valve_midrange", moduleType: "NRV", level: intPtr(2750), expected: intPtr(50)},
		{name: "thermostat_midrange", moduleType: "NATherm1", level: intPtr(2700), expected: intPtr(50)},
		{name: "clamped_high", moduleType: "NRV", level: intPtr(3500), expected: intPtr(100)},
		{name: "clamped_low", moduleType: "NRV", level: intPtr(2000), expected: intPtr(0)},
		{name: "unknown_state_falls_back", state: strPtr("weird"), moduleType: "NRV", level: intPtr(3100), expected: intPtr(100)},
		{name: "absent", expected: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := batteryPercent(tt.moduleType, tt.state, tt.level)
			switch {
			case tt.expected == nil && got != nil:
				t.Errorf("batteryPercent() = %d, want nil", *got)
			case tt.expected != nil && got == nil:
				t.Errorf("batteryPercent() = nil, want %d", *tt.expected)
			case tt.expected != nil && *got != *tt.expected:
				t.Errorf("batteryPercent() = %d, want %d", *got, *tt.expected)
			}
		})
	}
}

func TestWebhookSequencing(t *testing.T) {
	tests := []struct {
		name            string
		body            string
		expectedSeq     uint64
		expectedCounter device.Counter
		expectedAt      time.Time
	}{
		{
			name:            "event_counter",
			body:            `{"home_id":"home-1","room_id":"room-1","event_type":"set_point","temperature":22,"event_counter":42,"time":1700000100}`,
			expectedSeq:     42,
			expectedCounter: device.CounterVendor,
			expectedAt:      time.Unix(1700000100, 0),
		},
		{
			name:            "local_counter",
			body:            `{"home_id":"home-1","room_id":"room-1","event_type":"set_point","temperature":22}`,
			expectedSeq:     1,
			expectedCounter: device.CounterLocal,
			expectedAt:      time.Unix(1800000000, 0),
		},
		{
			name:            "vendor_clock_ahead",
			body:            `{"home_id":"home-1","room_id":"room-1","event_type":"set_point","temperature":22,"event_counter":43,"time":1900000000}`,
			expectedSeq:     43,
			expectedCounter: device.CounterVendor,
			expectedAt:      time.Unix(1800000000, 0),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New("home-1", 0)
			n.now = func() time.Time { return time.Unix(1800000000, 0) }
			n.Poll(testHome(), time.Unix(1700000000, 0))

			snaps, err := n.Webhook([]byte(tt.body))
			if err != nil {
				t.Fatalf("Webhook() error: %v", err)
			}
			if len(snaps) != 1 {
				t.Fatalf("Webhook() returned %d snapshots, want 1", len(snaps))
			}
			s := snaps[0]
			if s.Seq != tt.expectedSeq || s.Counter != tt.expectedCounter {
				t.Errorf("Seq = %d counter %d, want %d counter %d", s.Seq, s.Counter, tt.expectedSeq, tt.expectedCounter)
			}
			if !s.ObservedAt.Equal(tt.expectedAt) {
				t.Errorf("ObservedAt = %v, want %v", s.ObservedAt, tt.expectedAt)
			}
			if s.Source != device.SourceWebhook || s.Full {
				t.Errorf("snapshot = source:%s full:%v", s.Source, s.Full)
			}
			if s.Fields.TargetTemperature == nil || *s.Fields.TargetTemperature != 22 {
				t.Errorf("TargetTemperature = %v, want 22", s.Fields.TargetTemperature)
			}
		})
	}
}

func TestWebhookHomePayload(t *testing.T) {
	n := New("home-1", 0)
	n.Poll(testHome(), time.Now())

	body := `{"home_id":"home-1","event_counter":7,"home":{"id":"home-1",
"rooms":[{"id":"room-1","therm_setpoint_mode":"max","therm_setpoint_temperature":30}],
"modules":[{"id":"04:00:00:aa","battery_state":"low"},{"id":"09:00:00:cc","battery_level":2400}]}}`

	snaps, err := n.Webhook([]byte(body))
	if err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("Webhook() returned %d snapshots, want 2", len(snaps))
	}

	living := snaps[0]
	if living.DeviceID != "04:00:00:aa" {
		t.Fatalf("first snapshot device = %s", living.DeviceID)
	}
	if *living.Fields.RawMode != "max" || *living.Fields.Battery != 25 {
		t.Errorf("living fields = mode:%s battery:%d", *living.Fields.RawMode, *living.Fields.Battery)
	}

	// the second valve of a room reports for the room's primary device
	bedroom := snaps[1]
	if bedroom.DeviceID != "09:00:00:bb" || *bedroom.Fields.Battery != 0 {
		t.Errorf("bedroom snapshot = %s battery:%v", bedroom.DeviceID, bedroom.Fields.Battery)
	}
}

func TestWebhookHomeWideEvents(t *testing.T) {
	n := New("home-1", 0)
	n.Poll(testHome(), time.Now())

	snaps, err := n.Webhook([]byte(`{"home_id":"home-1","event_type":"therm_mode","mode":"hg","schedule_id":"s2","event_counter":3}`))
	if err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	if len(snaps) != 2 {
		t.Fatalf("Webhook() returned %d snapshots, want one per device", len(snaps))
	}
	for _, s := range snaps {
		if s.Fields.RawMode == nil || *s.Fields.RawMode != "hg" {
			t.Errorf("%s RawMode = %v, want hg", s.DeviceID, s.Fields.RawMode)
		}
		if s.Fields.ActiveSchedule == nil || *s.Fields.ActiveSchedule != "Weekend" {
			t.Errorf("%s ActiveSchedule = %v, want Weekend", s.DeviceID, s.Fields.ActiveSchedule)
		}
	}
}

func TestWebhookInvalidPayload(t *testing.T) {
	n := New("home-1", 0)
	_, err := n.Webhook([]byte(`{not json`))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("Webhook() error = %v, want ErrInvalidPayload", err)
	}
}

func TestWebhookOtherHomeIgnored(t *testing.T) {
	n := New("home-1", 0)
	n.Poll(testHome(), time.Now())

	snaps, err := n.Webhook([]byte(`{"home_id":"home-2","room_id":"room-1","temperature":25}`))
	if err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	if len(snaps) != 0 || n.Parked() != 0 {
		t.Errorf("foreign home produced %d snapshots and %d parked", len(snaps), n.Parked())
	}
}

func TestUnknownDeviceParkedAndReplayed(t *testing.T) {
	n := New("home-1", 2)

	for i, body := range []string{
		`{"home_id":"home-1","room_id":"room-1","temperature":20,"event_counter":1}`,
		`{"home_id":"home-1","room_id":"room-1","temperature":21,"event_counter":2}`,
		`{"home_id":"home-1","room_id":"room-2","temperature":16,"event_counter":3}`,
	} {
		snaps, err := n.Webhook([]byte(body))
		if err != nil {
			t.Fatalf("Webhook(%d) error: %v", i, err)
		}
		if len(snaps) != 0 {
			t.Errorf("Webhook(%d) returned snapshots before any poll", i)
		}
	}
	if got := n.Parked(); got != 2 {
		t.Fatalf("Parked() = %d, want 2 after eviction", got)
	}

	n.Poll(testHome(), time.Now())
	replayedSnaps := n.Replay()
	if len(replayedSnaps) != 2 {
		t.Fatalf("Replay() returned %d snapshots, want 2", len(replayedSnaps))
	}
	if replayedSnaps[0].Seq != 2 || replayedSnaps[0].DeviceID != "04:00:00:aa" {
		t.Errorf("first replayed = %s seq %d, want oldest surviving update", replayedSnaps[0].DeviceID, replayedSnaps[0].Seq)
	}
	if replayedSnaps[1].Seq != 3 || replayedSnaps[1].DeviceID != "09:00:00:bb" {
		t.Errorf("second replayed = %s seq %d", replayedSnaps[1].DeviceID, replayedSnaps[1].Seq)
	}
	if n.Parked() != 0 {
		t.Errorf("Parked() = %d after replay, want 0", n.Parked())
	}
}

func applyAll(t *testing.T, r *reconcile.Reconciler, snaps []device.Snapshot) {
	t.Helper()
	for _, snap := range snaps {
		if _, err := r.Apply(snap); err != nil {
			t.Fatalf("Apply(%s) error: %v", snap.DeviceID, err)
		}
	}
}

func TestMixedCountersDoNotShadowEachOther(t *testing.T) {
	tests := []struct {
		name     string
		bodies   []string
		expected float64
	}{
		{
			name: "vendor_then_local",
			bodies: []string{
				`{"home_id":"home-1","room_id":"room-1","temperature":22,"event_counter":500}`,
				`{"home_id":"home-1","room_id":"room-1","temperature":23}`,
			},
			expected: 23,
		},
		{
			name: "local_then_vendor",
			bodies: []string{
				`{"home_id":"home-1","room_id":"room-1","temperature":22}`,
				`{"home_id":"home-1","room_id":"room-1","temperature":22.5}`,
				`{"home_id":"home-1","room_id":"room-1","temperature":23,"event_counter":1}`,
			},
			expected: 23,
		},
		{
			name: "vendor_redelivery_dropped",
			bodies: []string{
				`{"home_id":"home-1","room_id":"room-1","temperature":23,"event_counter":7}`,
				`{"home_id":"home-1","room_id":"room-1","temperature":22,"event_counter":6}`,
			},
			expected: 23,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := New("home-1", 0)
			n.now = func() time.Time { return time.Unix(1700000100, 0) }
			r := reconcile.New()
			applyAll(t, r, n.Poll(testHome(), time.Unix(1700000000, 0)))

			for _, body := range tt.bodies {
				snaps, err := n.Webhook([]byte(body))
				if err != nil {
					t.Fatalf("Webhook() error: %v", err)
				}
				applyAll(t, r, snaps)
			}

			d, _ := r.Device("04:00:00:aa")
			if d.TargetTemperature != tt.expected {
				t.Errorf("TargetTemperature = %v, want %v", d.TargetTemperature, tt.expected)
			}
		})
	}
}

func TestSkewedVendorClockYieldsToLaterPoll(t *testing.T) {
	n := New("home-1", 0)
	r := reconcile.New()
	applyAll(t, r, n.Poll(testHome(), time.Unix(1700000000, 0)))

	// vendor clock an hour ahead of the receipt time
	n.now = func() time.Time { return time.Unix(1700000100, 0) }
	snaps, err := n.Webhook([]byte(`{"home_id":"home-1","room_id":"room-1","temperature":23,"event_counter":1,"time":1700003700}`))
	if err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	applyAll(t, r, snaps)
	if d, _ := r.Device("04:00:00:aa"); d.TargetTemperature != 23 {
		t.Fatalf("TargetTemperature = %v after webhook, want 23", d.TargetTemperature)
	}

	applyAll(t, r, n.Poll(testHome(), time.Unix(1700000200, 0)))
	if d, _ := r.Device("04:00:00:aa"); d.TargetTemperature != 21 {
		t.Errorf("TargetTemperature = %v after later poll, want 21", d.TargetTemperature)
	}
}

func TestModuleStatusFlags(t *testing.T) {
	reachable, idle := true, false
	home := testHome()
	home.Status.Modules[0].Reachable = &reachable
	home.Status.Modules[0].BoilerStatus = &idle
	home.Status.Modules[0].Anticipating = &idle

	n := New("home-1", 0)
	n.now = func() time.Time { return time.Unix(1700000100, 0) }
	r := reconcile.New()
	applyAll(t, r, n.Poll(home, time.Unix(1700000000, 0)))

	d, _ := r.Device("04:00:00:aa")
	if !d.Reachable || d.BoilerActive || d.Anticipating {
		t.Fatalf("device after poll = reachable:%v boiler:%v anticipating:%v", d.Reachable, d.BoilerActive, d.Anticipating)
	}

	snaps, err := n.Webhook([]byte(`{"home_id":"home-1","home":{"id":"home-1","modules":[{"id":"04:00:00:aa","boiler_status":true,"anticipating":true,"reachable":true}]}}`))
	if err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	if len(snaps) != 1 {
		t.Fatalf("Webhook() returned %d snapshots, want 1", len(snaps))
	}
	cs, err := r.Apply(snaps[0])
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !cs.Has(device.AttrBoilerActive) || !cs.Has(device.AttrAnticipating) || cs.Has(device.AttrReachable) {
		t.Errorf("Changed = %v, want boiler_active and anticipating only", cs.Changed)
	}
	if !cs.Device.BoilerActive || !cs.Device.Anticipating {
		t.Errorf("device = boiler:%v anticipating:%v, want both on", cs.Device.BoilerActive, cs.Device.Anticipating)
	}
}
