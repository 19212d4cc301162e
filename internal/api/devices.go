package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
)

type modeRequest struct {
	Mode string `json:"mode"`
}

type scheduleRequest struct {
	Schedule string `json:"schedule"`
}

type temperatureRequest struct {
	Celsius *float64 `json:"celsius"`
}

func (s *Server) listDevices(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"devices": s.deps.State.Devices()})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	d, ok := s.deps.State.Device(id)
	if !ok {
		writeError(w, http.StatusNotFound, device.Kind(device.ErrUnknownDevice), "Device not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) setMode(w http.ResponseWriter, r *http.Request) {
	var req modeRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := device.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, device.Kind(err), err.Error())
		return
	}

	id := chi.URLParam(r, "id")
	d, err := s.deps.Commands.SetMode(r.Context(), id, m)
	s.respond(w, id, d, err)
}

func (s *Server) setSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Schedule == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "schedule is required")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := s.deps.Commands.SetSchedule(r.Context(), id, req.Schedule)
	s.respond(w, id, d, err)
}

func (s *Server) setTemperature(w http.ResponseWriter, r *http.Request) {
	var req temperatureRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Celsius == nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "celsius is required")
		return
	}

	id := chi.URLParam(r, "id")
	d, err := s.deps.Commands.SetTemperature(r.Context(), id, *req.Celsius)
	s.respond(w, id, d, err)
}

func (s *Server) respond(w http.ResponseWriter, id string, d device.Device, err error) {
	if err != nil {
		status := statusFor(err)
		if status >= http.StatusInternalServerError {
			log.Warn().Err(err).Str("device", id).Msg("Command did not complete")
		}
		writeError(w, status, device.Kind(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func decode(w http.ResponseWriter, r *http.Request, out any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_payload", "Invalid JSON payload")
		return false
	}
	return true
}

// statusFor maps a command error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, device.ErrUnknownDevice):
		return http.StatusNotFound
	case errors.Is(err, device.ErrInvalidSetpoint), errors.Is(err, device.ErrUnknownMode):
		return http.StatusBadRequest
	case errors.Is(err, device.ErrInvalidTransition), errors.Is(err, device.ErrUnknownSchedule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, device.ErrCommandInFlight):
		return http.StatusConflict
	case errors.Is(err, device.ErrCommandTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, device.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, device.ErrCommandFailed):
		return http.StatusBadGateway
	case errors.Is(err, device.ErrCancelled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
