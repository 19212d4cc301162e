package app

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/api"
	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/ledger"
)

// APIService provides the command/state API plus health and metrics.
type APIService struct {
	cfg    *config.Config
	server *api.Server
}

// NewAPIService creates a new APIService.
func NewAPIService(cfg *config.Config, thermostat *ThermostatService, l *ledger.Ledger, gatherer prometheus.Gatherer) *APIService {
	server := api.NewServer(cfg.API.Addr(), api.Deps{
		Commands: thermostat.Coordinator,
		State:    thermostat.Reconciler,
		Bus:      thermostat.Bus,
		Auth:     thermostat.Auth,
		Tokens:   thermostat.Auth,
		Poller:   thermostat.Poller,
		Parked:   thermostat.Normalizer,
		Ledger:   l,
		Gatherer: gatherer,
	})
	return &APIService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the API server if enabled.
func (s *APIService) Start(ctx context.Context) {
	if !s.cfg.API.Enabled {
		log.Debug().Msg("API server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			log.Error().Err(err).Msg("API server error")
		}
	}()
}
