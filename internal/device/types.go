// Package device holds the thermostat data model shared by the ingest,
// reconciliation and command paths.
package device

import (
	"slices"
	"time"
)

// Attr names a single device attribute.
type Attr string

const (
	AttrMode                Attr = "mode"
	AttrTargetTemperature   Attr = "target_temperature"
	AttrMeasuredTemperature Attr = "measured_temperature"
	AttrBattery             Attr = "battery"
	AttrSignal              Attr = "signal"
	AttrFirmware            Attr = "firmware"
	AttrSchedules           Attr = "schedules"
	AttrActiveSchedule      Attr = "active_schedule"
	AttrReachable           Attr = "reachable"
	AttrAnticipating        Attr = "anticipating"
	AttrBoilerActive        Attr = "boiler_active"
)

// Source identifies which update channel produced a snapshot.
type Source string

const (
	SourcePoll    Source = "poll"
	SourceWebhook Source = "webhook"
)

// Counter names the sequence space a snapshot's Seq belongs to. Sequence
// numbers only order snapshots of the same source and counter.
type Counter uint8

const (
	// CounterLocal is assigned by this process on receipt.
	CounterLocal Counter = iota
	// CounterVendor is the vendor's event counter.
	CounterVendor
)

// Schedule is a named heating schedule known to the home.
type Schedule struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Device is the canonical local view of one thermostat.
type Device struct {
	ID     string `json:"id"`
	HomeID string `json:"home_id"`
	RoomID string `json:"room_id"`
	Name   string `json:"name,omitempty"`
	Type   string `json:"type,omitempty"`

	Mode                Mode       `json:"mode"`
	TargetTemperature   float64    `json:"target_temperature"`
	MeasuredTemperature float64    `json:"measured_temperature"`
	Battery             int        `json:"battery"`
	Signal              int        `json:"signal"`
	Firmware            string     `json:"firmware,omitempty"`
	Schedules           []Schedule `json:"schedules"`
	ActiveSchedule      string     `json:"active_schedule,omitempty"`
	Reachable           bool       `json:"reachable"`
	Anticipating        bool       `json:"anticipating"` // pre-heating for the next schedule slot
	BoilerActive        bool       `json:"boiler_active"`

	LastPoll time.Time `json:"last_poll,omitzero"`
	// Revision increments every time the reconciler changes the device.
	Revision uint64 `json:"revision"`
}

// Clone returns a deep copy.
func (d Device) Clone() Device {
	d.Schedules = slices.Clone(d.Schedules)
	return d
}

// ScheduleNames returns the known schedule names in order.
func (d Device) ScheduleNames() []string {
	names := make([]string, 0, len(d.Schedules))
	for _, s := range d.Schedules {
		names = append(names, s.Name)
	}
	return names
}

// ScheduleByName finds a known schedule by exact name.
func (d Device) ScheduleByName(name string) (Schedule, bool) {
	for _, s := range d.Schedules {
		if s.Name == name {
			return s, true
		}
	}
	return Schedule{}, false
}

// ScheduleByID finds a known schedule by vendor ID.
func (d Device) ScheduleByID(id string) (Schedule, bool) {
	for _, s := range d.Schedules {
		if s.ID == id {
			return s, true
		}
	}
	return Schedule{}, false
}

// Fields is a partial attribute set. Nil fields are absent.
type Fields struct {
	RawMode             *string
	TargetTemperature   *float64
	MeasuredTemperature *float64
	Battery             *int
	Signal              *int
	Firmware            *string
	Schedules           *[]Schedule
	ActiveSchedule      *string
	Reachable           *bool
	Anticipating        *bool
	BoilerActive        *bool
}

// Attrs returns the attributes present in f.
func (f Fields) Attrs() []Attr {
	var attrs []Attr
	if f.RawMode != nil {
		attrs = append(attrs, AttrMode)
	}
	if f.TargetTemperature != nil {
		attrs = append(attrs, AttrTargetTemperature)
	}
	if f.MeasuredTemperature != nil {
		attrs = append(attrs, AttrMeasuredTemperature)
	}
	if f.Battery != nil {
		attrs = append(attrs, AttrBattery)
	}
	if f.Signal != nil {
		attrs = append(attrs, AttrSignal)
	}
	if f.Firmware != nil {
		attrs = append(attrs, AttrFirmware)
	}
	if f.Schedules != nil {
		attrs = append(attrs, AttrSchedules)
	}
	if f.ActiveSchedule != nil {
		attrs = append(attrs, AttrActiveSchedule)
	}
	if f.Reachable != nil {
		attrs = append(attrs, AttrReachable)
	}
	if f.Anticipating != nil {
		attrs = append(attrs, AttrAnticipating)
	}
	if f.BoilerActive != nil {
		attrs = append(attrs, AttrBoilerActive)
	}
	return attrs
}

// Empty reports whether no attribute is present.
func (f Fields) Empty() bool {
	return len(f.Attrs()) == 0
}

// Matches reports whether f carries attr with the same value d holds.
// Raw modes that do not parse never match.
func (f Fields) Matches(attr Attr, d Device) bool {
	switch attr {
	case AttrMode:
		if f.RawMode == nil {
			return false
		}
		m, err := ParseMode(*f.RawMode)
		return err == nil && m == d.Mode
	case AttrTargetTemperature:
		return f.TargetTemperature != nil && *f.TargetTemperature == d.TargetTemperature
	case AttrMeasuredTemperature:
		return f.MeasuredTemperature != nil && *f.MeasuredTemperature == d.MeasuredTemperature
	case AttrBattery:
		return f.Battery != nil && *f.Battery == d.Battery
	case AttrSignal:
		return f.Signal != nil && *f.Signal == d.Signal
	case AttrFirmware:
		return f.Firmware != nil && *f.Firmware == d.Firmware
	case AttrSchedules:
		return f.Schedules != nil && slices.Equal(*f.Schedules, d.Schedules)
	case AttrActiveSchedule:
		return f.ActiveSchedule != nil && *f.ActiveSchedule == d.ActiveSchedule
	case AttrReachable:
		return f.Reachable != nil && *f.Reachable == d.Reachable
	case AttrAnticipating:
		return f.Anticipating != nil && *f.Anticipating == d.Anticipating
	case AttrBoilerActive:
		return f.BoilerActive != nil && *f.BoilerActive == d.BoilerActive
	}
	return false
}

// Snapshot is one normalized, sequenced update for a single device.
type Snapshot struct {
	DeviceID string
	Source   Source
	Seq      uint64
	Counter  Counter
	// ObservedAt is zero when the producer could not tell.
	ObservedAt time.Time
	// Full is set for poll snapshots, which carry every attribute.
	Full bool

	// Identity is only filled by polls.
	HomeID string
	RoomID string
	Name   string
	Type   string

	Fields Fields
}

// ChangeSet lists the attributes a reconciliation changed and the
// resulting device state.
type ChangeSet struct {
	DeviceID string    `json:"device_id"`
	Source   Source    `json:"source"`
	Seq      uint64    `json:"seq"`
	Changed  []Attr    `json:"changed"`
	Device   Device    `json:"device"`
	At       time.Time `json:"at"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Changed) == 0
}

// Has reports whether attr is among the changed attributes.
func (c ChangeSet) Has(attr Attr) bool {
	return slices.Contains(c.Changed, attr)
}

// Change is a requested device change.
type Change struct {
	// Mode is ModeUnknown when the change does not request a mode.
	Mode        Mode
	Temperature *float64
	Schedule    *Schedule
}

// Attrs returns the attributes the change affects.
func (c Change) Attrs() []Attr {
	var attrs []Attr
	if c.Mode != ModeUnknown {
		attrs = append(attrs, AttrMode)
	}
	if c.Temperature != nil {
		attrs = append(attrs, AttrTargetTemperature)
	}
	if c.Schedule != nil {
		attrs = append(attrs, AttrActiveSchedule)
	}
	return attrs
}

// SatisfiedBy reports whether d already holds every requested value.
func (c Change) SatisfiedBy(d Device) bool {
	if c.Mode != ModeUnknown && d.Mode != c.Mode {
		return false
	}
	if c.Temperature != nil && d.TargetTemperature != *c.Temperature {
		return false
	}
	if c.Schedule != nil && d.ActiveSchedule != c.Schedule.Name {
		return false
	}
	return true
}

// Hint describes an attribute covered by an issued, unconfirmed command.
// Prior is the device as it was before the command was sent.
type Hint struct {
	Attr  Attr
	Prior Device
}
