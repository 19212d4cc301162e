package device

import (
	"errors"
	"fmt"
)

// Error kinds surfaced to command callers and the ingest path.
var (
	ErrInvalidTransition = errors.New("invalid mode transition")
	ErrUnknownMode       = errors.New("unknown mode")
	ErrUnknownSchedule   = errors.New("unknown schedule")
	ErrUnknownDevice     = errors.New("unknown device")
	ErrInvalidSetpoint   = errors.New("invalid setpoint")
	ErrCommandInFlight   = errors.New("command already in flight")
	ErrCommandTimeout    = errors.New("command timed out")
	ErrCommandFailed     = errors.New("command failed")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrCancelled         = errors.New("cancelled")
)

// CommandFailedError wraps the remote failure that ended a command.
type CommandFailedError struct {
	Cause error
}

func (e *CommandFailedError) Error() string {
	if e.Cause == nil {
		return ErrCommandFailed.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCommandFailed, e.Cause)
}

func (e *CommandFailedError) Unwrap() error {
	return e.Cause
}

// Is makes errors.Is(err, ErrCommandFailed) match.
func (e *CommandFailedError) Is(target error) bool {
	return target == ErrCommandFailed
}

// Kind returns a short stable name for the error class of err.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrUnknownMode):
		return "unknown_mode"
	case errors.Is(err, ErrUnknownSchedule):
		return "unknown_schedule"
	case errors.Is(err, ErrUnknownDevice):
		return "unknown_device"
	case errors.Is(err, ErrInvalidSetpoint):
		return "invalid_setpoint"
	case errors.Is(err, ErrCommandInFlight):
		return "command_in_flight"
	case errors.Is(err, ErrCommandTimeout):
		return "command_timeout"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrCommandFailed):
		return "command_failed"
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	default:
		return "internal"
	}
}
