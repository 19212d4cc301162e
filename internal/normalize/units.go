package normalize

import (
	"strconv"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/netatmo"
)

var batteryStates = map[string]int{
	"full":     100,
	"high":     75,
	"medium":   50,
	"low":      25,
	"very low": 10,
	"very_low": 10,
}

// millivolt ranges per module type: {empty, full}
var batteryRanges = map[string][2]int{
	"NRV": {2400, 3100},
}

var defaultBatteryRange = [2]int{2200, 3200}

// batteryPercent prefers the vendor's battery state and falls back to the
// millivolt reading.
func batteryPercent(moduleType string, state *string, level *int) *int {
	if state != nil {
		if pct, ok := batteryStates[*state]; ok {
			return &pct
		}
	}
	if level == nil {
		return nil
	}

	r, ok := batteryRanges[moduleType]
	if !ok {
		r = defaultBatteryRange
	}
	pct := (*level - r[0]) * 100 / (r[1] - r[0])
	pct = max(0, min(100, pct))
	return &pct
}

func roomFields(rs netatmo.RoomStatus) device.Fields {
	return device.Fields{
		RawMode:             rs.SetpointMode,
		TargetTemperature:   rs.SetpointTemperature,
		MeasuredTemperature: rs.MeasuredTemperature,
		Anticipating:        rs.Anticipating,
	}
}

func moduleFields(ms netatmo.ModuleStatus, moduleType string) device.Fields {
	if ms.Type != "" {
		moduleType = ms.Type
	}

	f := device.Fields{
		Battery:      batteryPercent(moduleType, ms.BatteryState, ms.BatteryLevel),
		Reachable:    ms.Reachable,
		Anticipating: ms.Anticipating,
		BoilerActive: ms.BoilerStatus,
	}
	switch {
	case ms.RFStrength != nil:
		f.Signal = ms.RFStrength
	case ms.WifiStrength != nil:
		f.Signal = ms.WifiStrength
	}
	if ms.FirmwareRevision != nil {
		fw := strconv.Itoa(*ms.FirmwareRevision)
		f.Firmware = &fw
	}
	return f
}

// merge copies every field present in src over dst.
func merge(dst *device.Fields, src device.Fields) {
	if src.RawMode != nil {
		dst.RawMode = src.RawMode
	}
	if src.TargetTemperature != nil {
		dst.TargetTemperature = src.TargetTemperature
	}
	if src.MeasuredTemperature != nil {
		dst.MeasuredTemperature = src.MeasuredTemperature
	}
	if src.Battery != nil {
		dst.Battery = src.Battery
	}
	if src.Signal != nil {
		dst.Signal = src.Signal
	}
	if src.Firmware != nil {
		dst.Firmware = src.Firmware
	}
	if src.Schedules != nil {
		dst.Schedules = src.Schedules
	}
	if src.ActiveSchedule != nil {
		dst.ActiveSchedule = src.ActiveSchedule
	}
	if src.Reachable != nil {
		dst.Reachable = src.Reachable
	}
	if src.Anticipating != nil {
		dst.Anticipating = src.Anticipating
	}
	if src.BoilerActive != nil {
		dst.BoilerActive = src.BoilerActive
	}
}
