package device

import (
	"fmt"
	"strings"
)

// Mode is the thermostat operating mode.
type Mode int

const (
	ModeUnknown Mode = iota
	ModeSchedule
	ModeManual
	ModeMax
	ModeOff
	ModeFrostGuard
)

// Modes lists every valid mode in declaration order.
var Modes = []Mode{ModeSchedule, ModeManual, ModeMax, ModeOff, ModeFrostGuard}

// String returns the canonical name for the mode.
func (m Mode) String() string {
	switch m {
	case ModeSchedule:
		return "schedule"
	case ModeManual:
		return "manual"
	case ModeMax:
		return "max"
	case ModeOff:
		return "off"
	case ModeFrostGuard:
		return "frost_guard"
	default:
		return "unknown"
	}
}

// Valid reports whether m is one of the five defined modes.
func (m Mode) Valid() bool {
	return m >= ModeSchedule && m <= ModeFrostGuard
}

// ParseMode maps a canonical name or a vendor raw value to a Mode.
// Vendor values "home" and "hg" are accepted as aliases.
func ParseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "schedule", "home":
		return ModeSchedule, nil
	case "manual":
		return ModeManual, nil
	case "max":
		return ModeMax, nil
	case "off":
		return ModeOff, nil
	case "hg", "frost_guard", "frostguard":
		return ModeFrostGuard, nil
	}
	return ModeUnknown, fmt.Errorf("%w: %q", ErrUnknownMode, raw)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
