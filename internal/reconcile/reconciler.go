// Package reconcile merges snapshots from the poll and webhook channels into
// one canonical state per device.
package reconcile

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/mode"
)

// PendingHints exposes outstanding commands to the reconciler. It must not
// call back into the reconciler.
type PendingHints interface {
	Hints(deviceID string) []device.Hint
}

// Listener receives every non-empty ChangeSet, in application order per
// device. It is called with the device lock held.
type Listener func(device.ChangeSet)

// provenance records where the current value of an attribute came from.
type provenance struct {
	source     device.Source
	seq        uint64
	observedAt time.Time
}

// seqKey is one sequence space: vendor counters and local receipt
// counters of the same source are never compared with each other.
type seqKey struct {
	source  device.Source
	counter device.Counter
}

type entry struct {
	mu         sync.Mutex
	device     device.Device
	lastSeq    map[seqKey]uint64
	provenance map[device.Attr]provenance
}

// Stats are the reconciler's diagnostic counters.
type Stats struct {
	Devices             int    `json:"devices"`
	Applied             uint64 `json:"applied"`
	Dropped             uint64 `json:"dropped"`
	Suppressed          uint64 `json:"suppressed"`
	UnknownModes        uint64 `json:"unknown_modes"`
	InvariantViolations uint64 `json:"invariant_violations"`
}

// Reconciler owns the canonical device state. Only the reconciler mutates it.
type Reconciler struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	listeners []Listener
	hints     PendingHints

	applied             atomic.Uint64
	dropped             atomic.Uint64
	suppressed          atomic.Uint64
	unknownModes        atomic.Uint64
	invariantViolations atomic.Uint64
}

// New creates an empty reconciler.
func New() *Reconciler {
	return &Reconciler{
		entries: make(map[string]*entry),
	}
}

// SetPendingHints wires the command coordinator in after construction.
func (r *Reconciler) SetPendingHints(h PendingHints) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hints = h
}

// Listen attaches a ChangeSet listener.
func (r *Reconciler) Listen(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// Apply merges one snapshot into the device's state. Stale snapshots are
// dropped and yield an empty ChangeSet.
func (r *Reconciler) Apply(snap device.Snapshot) (device.ChangeSet, error) {
	e, err := r.entryFor(snap)
	if err != nil {
		return device.ChangeSet{}, err
	}

	r.mu.RLock()
	hints := r.hints
	listeners := r.listeners
	r.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	cs := device.ChangeSet{
		DeviceID: snap.DeviceID,
		Source:   snap.Source,
		Seq:      snap.Seq,
		At:       snap.ObservedAt,
	}

	key := seqKey{source: snap.Source, counter: snap.Counter}
	if last, ok := e.lastSeq[key]; ok && snap.Seq <= last {
		r.dropped.Add(1)
		droppedTotal.WithLabelValues(string(snap.Source)).Inc()
		log.Debug().
			Str("device", snap.DeviceID).
			Str("source", string(snap.Source)).
			Uint64("seq", snap.Seq).
			Uint64("last_seq", last).
			Msg("Dropping stale snapshot")
		cs.Device = e.device.Clone()
		return cs, nil
	}
	e.lastSeq[key] = snap.Seq

	var pending map[device.Attr]device.Hint
	if snap.Source == device.SourcePoll && hints != nil {
		for _, h := range hints.Hints(snap.DeviceID) {
			if pending == nil {
				pending = make(map[device.Attr]device.Hint)
			}
			pending[h.Attr] = h
		}
	}

	next := e.device.Clone()
	for _, attr := range snap.Fields.Attrs() {
		if h, ok := pending[attr]; ok && snap.Fields.Matches(attr, h.Prior) {
			r.suppressed.Add(1)
			suppressedTotal.Inc()
			log.Debug().
				Str("device", snap.DeviceID).
				Str("attr", string(attr)).
				Msg("Suppressing pre-command poll value")
			continue
		}
		if e.loses(attr, snap) {
			continue
		}

		changed, ok := r.assign(&next, attr, snap)
		if !ok {
			continue
		}
		e.provenance[attr] = provenance{source: snap.Source, seq: snap.Seq, observedAt: snap.ObservedAt}
		if changed {
			cs.Changed = append(cs.Changed, attr)
		}
	}

	if snap.Source == device.SourcePoll {
		next.HomeID = snap.HomeID
		next.RoomID = snap.RoomID
		next.Name = snap.Name
		next.Type = snap.Type
		next.LastPoll = snap.ObservedAt
	}

	if (cs.Has(device.AttrMode) || cs.Has(device.AttrActiveSchedule) || cs.Has(device.AttrSchedules)) &&
		!mode.Consistent(next.Mode, mode.ContextOf(next)) {
		r.invariantViolations.Add(1)
		invariantViolations.Inc()
		log.Warn().
			Str("device", snap.DeviceID).
			Str("mode", next.Mode.String()).
			Str("active_schedule", next.ActiveSchedule).
			Msg("Device reports schedule mode without a known active schedule")
	}

	r.applied.Add(1)
	appliedTotal.WithLabelValues(string(snap.Source)).Inc()

	if cs.Empty() {
		e.device = next
		cs.Device = next.Clone()
		return cs, nil
	}

	next.Revision++
	e.device = next
	cs.Device = next.Clone()

	log.Debug().
		Str("device", snap.DeviceID).
		Str("source", string(snap.Source)).
		Uint64("seq", snap.Seq).
		Interface("changed", cs.Changed).
		Uint64("revision", next.Revision).
		Msg("Device state changed")

	for _, l := range listeners {
		l(cs)
	}

	return cs, nil
}

// entryFor returns the device entry. Only polls may create devices.
func (r *Reconciler) entryFor(snap device.Snapshot) (*entry, error) {
	r.mu.RLock()
	e, ok := r.entries[snap.DeviceID]
	r.mu.RUnlock()
	if ok {
		return e, nil
	}
	if snap.Source != device.SourcePoll {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownDevice, snap.DeviceID)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[snap.DeviceID]; ok {
		return e, nil
	}
	e = &entry{
		device:     device.Device{ID: snap.DeviceID},
		lastSeq:    make(map[seqKey]uint64),
		provenance: make(map[device.Attr]provenance),
	}
	r.entries[snap.DeviceID] = e
	log.Info().Str("device", snap.DeviceID).Str("room", snap.RoomID).Msg("Discovered device")
	return e, nil
}

// loses reports whether the incoming value for attr must yield to the
// current one. Same-source ordering is already settled by sequence.
func (e *entry) loses(attr device.Attr, snap device.Snapshot) bool {
	cur, ok := e.provenance[attr]
	if !ok || cur.source == snap.Source {
		return false
	}
	if !cur.observedAt.IsZero() && !snap.ObservedAt.IsZero() {
		if cur.observedAt.After(snap.ObservedAt) {
			return true
		}
		if snap.ObservedAt.After(cur.observedAt) {
			return false
		}
	}
	return cur.source == device.SourceWebhook
}

// assign writes attr from the snapshot into d. ok is false when the value
// was refused.
func (r *Reconciler) assign(d *device.Device, attr device.Attr, snap device.Snapshot) (changed, ok bool) {
	f := snap.Fields
	if f.Matches(attr, *d) {
		return false, true
	}

	switch attr {
	case device.AttrMode:
		m, err := mode.Observe(*f.RawMode)
		if err != nil {
			r.unknownModes.Add(1)
			unknownModes.Inc()
			log.Warn().
				Err(err).
				Str("device", snap.DeviceID).
				Str("raw_mode", *f.RawMode).
				Msg("Ignoring unrecognized device mode")
			return false, false
		}
		d.Mode = m
	case device.AttrTargetTemperature:
		d.TargetTemperature = *f.TargetTemperature
	case device.AttrMeasuredTemperature:
		d.MeasuredTemperature = *f.MeasuredTemperature
	case device.AttrBattery:
		d.Battery = *f.Battery
	case device.AttrSignal:
		d.Signal = *f.Signal
	case device.AttrFirmware:
		d.Firmware = *f.Firmware
	case device.AttrSchedules:
		d.Schedules = append([]device.Schedule(nil), (*f.Schedules)...)
	case device.AttrActiveSchedule:
		d.ActiveSchedule = *f.ActiveSchedule
	case device.AttrReachable:
		d.Reachable = *f.Reachable
	case device.AttrAnticipating:
		d.Anticipating = *f.Anticipating
	case device.AttrBoilerActive:
		d.BoilerActive = *f.BoilerActive
	}
	return true, true
}

// Device returns a copy of one device's state.
func (r *Reconciler) Device(id string) (device.Device, bool) {
	r.mu.RLock()
	e, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return device.Device{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device.Clone(), true
}

// Devices returns copies of all devices ordered by ID.
func (r *Reconciler) Devices() []device.Device {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)

	out := make([]device.Device, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.Device(id); ok {
			out = append(out, d)
		}
	}
	return out
}

// Snapshot returns all devices keyed by ID.
func (r *Reconciler) Snapshot() map[string]device.Device {
	devices := r.Devices()
	out := make(map[string]device.Device, len(devices))
	for _, d := range devices {
		out[d.ID] = d
	}
	return out
}

// Stats returns the diagnostic counters.
func (r *Reconciler) Stats() Stats {
	r.mu.RLock()
	n := len(r.entries)
	r.mu.RUnlock()

	return Stats{
		Devices:             n,
		Applied:             r.applied.Load(),
		Dropped:             r.dropped.Load(),
		Suppressed:          r.suppressed.Load(),
		UnknownModes:        r.unknownModes.Load(),
		InvariantViolations: r.invariantViolations.Load(),
	}
}
