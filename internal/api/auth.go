package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/device"
)

// Reauthorizer accepts tokens obtained by an external re-authorization.
type Reauthorizer interface {
	SetToken(t auth.Token) error
	Refresh(ctx context.Context) error
	Status() auth.Status
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// setToken installs a new refresh token and exchanges it right away so a
// bad token is reported to the caller instead of the next poll.
func (s *Server) setToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !decode(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, "invalid_payload", "refresh_token is required")
		return
	}

	if err := s.deps.Tokens.SetToken(auth.Token{RefreshToken: req.RefreshToken}); err != nil {
		log.Error().Err(err).Msg("Failed to store refresh token")
		writeError(w, http.StatusInternalServerError, "internal", "Failed to store token")
		return
	}

	if err := s.deps.Tokens.Refresh(r.Context()); err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, device.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		log.Warn().Err(err).Msg("Refresh with new token failed")
		writeError(w, status, device.Kind(err), err.Error())
		return
	}

	log.Info().Msg("Credentials replaced after re-authorization")
	writeJSON(w, http.StatusOK, s.deps.Tokens.Status())
}
