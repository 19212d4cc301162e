// Package normalize turns vendor payloads from both update channels into
// sequenced device snapshots.
package normalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/netatmo"
)

// ErrInvalidPayload is returned for webhook bodies that cannot be parsed.
var ErrInvalidPayload = errors.New("invalid webhook payload")

// DefaultBufferSize bounds the unknown-device buffer.
const DefaultBufferSize = 64

type updateKind int

const (
	kindRoom updateKind = iota
	kindModule
	kindHome
)

// update is one vendor-addressed piece of a payload, before it is mapped
// to a device.
type update struct {
	kind    updateKind
	id      string
	fields  device.Fields
	seq     uint64
	counter device.Counter
	at      time.Time
}

// Normalizer owns the vendor identity index and both sequence counters.
type Normalizer struct {
	homeID    string
	maxParked int
	now       func() time.Time

	mu          sync.Mutex
	rooms       map[string]string // room id -> device id
	modules     map[string]string // module id -> device id
	moduleTypes map[string]string
	schedules   map[string]device.Schedule
	pollSeq     uint64
	webhookSeq  uint64
	parked      []update
}

// New creates a normalizer for one home.
func New(homeID string, bufferSize int) *Normalizer {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Normalizer{
		homeID:      homeID,
		maxParked:   bufferSize,
		now:         time.Now,
		rooms:       make(map[string]string),
		modules:     make(map[string]string),
		moduleTypes: make(map[string]string),
		schedules:   make(map[string]device.Schedule),
	}
}

// Poll converts a full fetch into one full snapshot per thermostat and
// refreshes the identity index. All snapshots of one poll share a sequence
// number; startedAt is the fetch start.
func (n *Normalizer) Poll(data *netatmo.HomeData, startedAt time.Time) []device.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.pollSeq++
	seq := n.pollSeq

	modules := make(map[string]netatmo.Module, len(data.Home.Modules))
	for _, m := range data.Home.Modules {
		modules[m.ID] = m
		n.moduleTypes[m.ID] = m.Type
	}
	roomStatus := make(map[string]netatmo.RoomStatus, len(data.Status.Rooms))
	for _, rs := range data.Status.Rooms {
		roomStatus[rs.ID] = rs
	}
	moduleStatus := make(map[string]netatmo.ModuleStatus, len(data.Status.Modules))
	for _, ms := range data.Status.Modules {
		moduleStatus[ms.ID] = ms
	}

	schedules := make([]device.Schedule, 0, len(data.Home.Schedules))
	active := ""
	for _, s := range data.Home.ThermSchedules() {
		ds := device.Schedule{ID: s.ID, Name: s.Name}
		schedules = append(schedules, ds)
		n.schedules[s.ID] = ds
		if s.Selected {
			active = s.Name
		}
	}

	var snaps []device.Snapshot
	for _, room := range data.Home.Rooms {
		rs, ok := roomStatus[room.ID]
		if !ok || rs.SetpointMode == nil {
			continue
		}

		var primary *netatmo.Module
		for _, mid := range room.ModuleIDs {
			m, ok := modules[mid]
			if !ok || !netatmo.IsThermostat(m.Type) {
				continue
			}
			if primary == nil {
				primary = &m
			}
			n.modules[mid] = primary.ID
		}
		if primary == nil {
			continue
		}
		n.rooms[room.ID] = primary.ID

		fields := roomFields(rs)
		if ms, ok := moduleStatus[primary.ID]; ok {
			merge(&fields, moduleFields(ms, primary.Type))
		}
		scheduleCopy := append([]device.Schedule(nil), schedules...)
		activeCopy := active
		fields.Schedules = &scheduleCopy
		fields.ActiveSchedule = &activeCopy

		name := primary.Name
		if name == "" {
			name = room.Name
		}

		snaps = append(snaps, device.Snapshot{
			DeviceID:   primary.ID,
			Source:     device.SourcePoll,
			Seq:        seq,
			ObservedAt: startedAt,
			Full:       true,
			HomeID:     data.Home.ID,
			RoomID:     room.ID,
			Name:       name,
			Type:       primary.Type,
			Fields:     fields,
		})
	}

	return snaps
}

type webhookPayload struct {
	HomeID       string   `json:"home_id"`
	EventType    string   `json:"event_type"`
	PushType     string   `json:"push_type"`
	EventCounter *uint64  `json:"event_counter"`
	Time         *int64   `json:"time"`
	RoomID       string   `json:"room_id"`
	Mode         string   `json:"mode"`
	Temperature  *float64 `json:"temperature"`
	ScheduleID   string   `json:"schedule_id"`
	Home         *struct {
		ID      string                 `json:"id"`
		Rooms   []netatmo.RoomStatus   `json:"rooms"`
		Modules []netatmo.ModuleStatus `json:"modules"`
	} `json:"home"`
}

// Webhook parses a push payload. Updates addressed to devices that are not
// yet known are parked until a poll establishes their identity.
func (n *Normalizer) Webhook(body []byte) ([]device.Snapshot, error) {
	var p webhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		invalidPayloads.Inc()
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	homeID := p.HomeID
	if homeID == "" && p.Home != nil {
		homeID = p.Home.ID
	}
	if homeID != "" && homeID != n.homeID {
		log.Debug().Str("home_id", homeID).Msg("Ignoring webhook for another home")
		return nil, nil
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	stamp := update{counter: device.CounterLocal}
	if p.EventCounter != nil {
		stamp.seq = *p.EventCounter
		stamp.counter = device.CounterVendor
	} else {
		n.webhookSeq++
		stamp.seq = n.webhookSeq
	}

	// A vendor clock ahead of ours must not outrank later polls.
	stamp.at = n.now()
	if p.Time != nil && *p.Time > 0 {
		if vendorAt := time.Unix(*p.Time, 0); vendorAt.Before(stamp.at) {
			stamp.at = vendorAt
		}
	}

	updates := n.updatesFrom(p, stamp)
	if len(updates) == 0 {
		return nil, nil
	}

	snaps, unresolved := n.build(updates)
	for _, u := range unresolved {
		n.park(u)
	}

	return snaps, nil
}

func (n *Normalizer) updatesFrom(p webhookPayload, stamp update) []update {
	var updates []update
	seenRooms := make(map[string]bool)

	if p.Home != nil {
		for _, rs := range p.Home.Rooms {
			seenRooms[rs.ID] = true
			if f := roomFields(rs); !f.Empty() {
				updates = append(updates, stamp.with(kindRoom, rs.ID, f))
			}
		}
		for _, ms := range p.Home.Modules {
			if f := moduleFields(ms, n.moduleTypes[ms.ID]); !f.Empty() {
				updates = append(updates, stamp.with(kindModule, ms.ID, f))
			}
		}
	}

	switch {
	case p.EventType == "therm_mode" && p.Mode != "":
		mode := p.Mode
		updates = append(updates, stamp.with(kindHome, "", device.Fields{RawMode: &mode}))
	case p.RoomID != "" && !seenRooms[p.RoomID]:
		var f device.Fields
		if p.Mode != "" {
			mode := p.Mode
			f.RawMode = &mode
		}
		f.TargetTemperature = p.Temperature
		if !f.Empty() {
			updates = append(updates, stamp.with(kindRoom, p.RoomID, f))
		}
	}

	if p.ScheduleID != "" {
		if s, ok := n.schedules[p.ScheduleID]; ok {
			name := s.Name
			updates = append(updates, stamp.with(kindHome, "", device.Fields{ActiveSchedule: &name}))
		} else {
			log.Debug().Str("schedule_id", p.ScheduleID).Msg("Webhook references unknown schedule")
		}
	}

	return updates
}

func (u update) with(kind updateKind, id string, fields device.Fields) update {
	u.kind, u.id, u.fields = kind, id, fields
	return u
}

// Replay re-normalizes parked updates whose devices have become known.
// Updates that still cannot be resolved stay parked.
func (n *Normalizer) Replay() []device.Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()

	if len(n.parked) == 0 {
		return nil
	}

	pending := n.parked
	n.parked = nil

	snaps, unresolved := n.build(pending)
	n.parked = unresolved
	replayed.Add(float64(len(pending) - len(unresolved)))
	parkedGauge.Set(float64(len(n.parked)))

	return snaps
}

// Parked returns the number of updates waiting for device identity.
func (n *Normalizer) Parked() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.parked)
}

type snapKey struct {
	deviceID string
	seq      uint64
	counter  device.Counter
}

// build maps updates to devices and merges everything for the same device
// and sequence into one snapshot, preserving first-seen order.
func (n *Normalizer) build(updates []update) ([]device.Snapshot, []update) {
	var order []snapKey
	byKey := make(map[snapKey]*device.Snapshot)
	var unresolved []update

	for _, u := range updates {
		targets := n.resolve(u)
		if len(targets) == 0 {
			unresolved = append(unresolved, u)
			continue
		}
		for _, id := range targets {
			key := snapKey{deviceID: id, seq: u.seq, counter: u.counter}
			s, ok := byKey[key]
			if !ok {
				s = &device.Snapshot{
					DeviceID:   id,
					Source:     device.SourceWebhook,
					Seq:        u.seq,
					Counter:    u.counter,
					ObservedAt: u.at,
				}
				byKey[key] = s
				order = append(order, key)
			}
			merge(&s.Fields, u.fields)
		}
	}

	snaps := make([]device.Snapshot, 0, len(order))
	for _, key := range order {
		snaps = append(snaps, *byKey[key])
	}
	return snaps, unresolved
}

func (n *Normalizer) resolve(u update) []string {
	switch u.kind {
	case kindRoom:
		if id, ok := n.rooms[u.id]; ok {
			return []string{id}
		}
	case kindModule:
		if id, ok := n.modules[u.id]; ok {
			return []string{id}
		}
	case kindHome:
		ids := make([]string, 0, len(n.rooms))
		for _, id := range n.rooms {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		return ids
	}
	return nil
}

// park buffers an unresolved update, evicting the oldest when full.
func (n *Normalizer) park(u update) {
	if len(n.parked) >= n.maxParked {
		evicted := n.parked[0]
		n.parked = n.parked[1:]
		parkedEvicted.Inc()
		log.Warn().Str("id", evicted.id).Uint64("seq", evicted.seq).Msg("Unknown-device buffer full, evicting oldest update")
	}
	n.parked = append(n.parked, u)
	parkedGauge.Set(float64(len(n.parked)))
	log.Debug().Str("id", u.id).Uint64("seq", u.seq).Msg("Parked update for unknown device")
}
