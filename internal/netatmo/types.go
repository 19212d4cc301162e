package netatmo

import "time"

// Thermostat module types that own a room's setpoint.
var thermostatTypes = map[string]bool{
	"NATherm1": true,
	"NRV":      true,
	"OTH":      true,
	"OTM":      true,
}

// IsThermostat reports whether a module type is a thermostat or valve.
func IsThermostat(moduleType string) bool {
	return thermostatTypes[moduleType]
}

// HomeData is the combined result of homesdata and homestatus.
type HomeData struct {
	Home      Home
	Status    HomeStatus
	FetchedAt time.Time
}

// Home is the static structure of a home.
type Home struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Rooms     []Room     `json:"rooms"`
	Modules   []Module   `json:"modules"`
	Schedules []Schedule `json:"schedules"`
}

type Room struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Type      string   `json:"type"`
	ModuleIDs []string `json:"module_ids"`
}

type Module struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Name   string `json:"name"`
	RoomID string `json:"room_id"`
}

type Schedule struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
	Selected bool   `json:"selected"`
}

// HomeStatus is the live state of a home.
type HomeStatus struct {
	ID      string         `json:"id"`
	Rooms   []RoomStatus   `json:"rooms"`
	Modules []ModuleStatus `json:"modules"`
}

type RoomStatus struct {
	ID                  string   `json:"id"`
	Reachable           *bool    `json:"reachable,omitempty"`
	MeasuredTemperature *float64 `json:"therm_measured_temperature,omitempty"`
	SetpointTemperature *float64 `json:"therm_setpoint_temperature,omitempty"`
	SetpointMode        *string  `json:"therm_setpoint_mode,omitempty"`
	SetpointEndTime     *int64   `json:"therm_setpoint_end_time,omitempty"`
	HeatingPowerRequest *int     `json:"heating_power_request,omitempty"`
	Anticipating        *bool    `json:"anticipating,omitempty"`
	OpenWindow          *bool    `json:"open_window,omitempty"`
}

type ModuleStatus struct {
	ID               string  `json:"id"`
	Type             string  `json:"type"`
	Reachable        *bool   `json:"reachable,omitempty"`
	BatteryState     *string `json:"battery_state,omitempty"`
	BatteryLevel     *int    `json:"battery_level,omitempty"`
	RFStrength       *int    `json:"rf_strength,omitempty"`
	WifiStrength     *int    `json:"wifi_strength,omitempty"`
	FirmwareRevision *int    `json:"firmware_revision,omitempty"`
	BoilerStatus     *bool   `json:"boiler_status,omitempty"`
	Anticipating     *bool   `json:"anticipating,omitempty"`
}

// ThermSchedules returns heating schedules, skipping other schedule kinds.
func (h Home) ThermSchedules() []Schedule {
	out := make([]Schedule, 0, len(h.Schedules))
	for _, s := range h.Schedules {
		if s.Type == "" || s.Type == "therm" {
			out = append(out, s)
		}
	}
	return out
}
