package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/command"
	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/eventbus"
	"github.com/dokzlo13/thermd/internal/netatmo"
	"github.com/dokzlo13/thermd/internal/normalize"
	"github.com/dokzlo13/thermd/internal/poller"
	"github.com/dokzlo13/thermd/internal/reconcile"
)

// ThermostatService wraps the state path: credentials, the vendor client,
// the normalizer, reconciler, command coordinator, change bus and poller.
type ThermostatService struct {
	cfg *config.Config

	Auth        *auth.Manager
	Client      *netatmo.Client
	Normalizer  *normalize.Normalizer
	Reconciler  *reconcile.Reconciler
	Coordinator *command.Coordinator
	Bus         *eventbus.Bus
	Poller      *poller.Poller
}

// NewThermostatService creates all state-path components, wired but not running.
func NewThermostatService(cfg *config.Config, tokens auth.TokenStore, recorder command.Recorder) (*ThermostatService, error) {
	authManager, err := auth.NewManager(auth.Config{
		ClientID:     cfg.Netatmo.ClientID,
		ClientSecret: cfg.Netatmo.ClientSecret,
		TokenURL:     cfg.Netatmo.TokenURL,
		Scopes:       cfg.Netatmo.Scopes,
		RefreshToken: cfg.Netatmo.RefreshToken,
	}, tokens)
	if err != nil {
		return nil, fmt.Errorf("failed to create auth manager: %w", err)
	}

	client := netatmo.NewClient(netatmo.Config{
		BaseURL:    cfg.Netatmo.BaseURL,
		HomeID:     cfg.Netatmo.HomeID,
		Timeout:    cfg.Netatmo.Timeout.Duration(),
		RateLimit:  cfg.Netatmo.RateLimit,
		RateWindow: cfg.Netatmo.RateWindow.Duration(),
	}, authManager)

	normalizer := normalize.New(cfg.Netatmo.HomeID, cfg.Webhook.UnknownBuffer)
	reconciler := reconcile.New()
	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	coordinator := command.NewCoordinator(command.Config{
		Timeout: cfg.Commands.Timeout.Duration(),
		Policy:  command.Policy(cfg.Commands.QueuePolicy),
	}, reconciler, client, recorder)

	// Pending commands shape poll merges; every accepted change goes to the
	// coordinator for confirmation and then to the bus.
	reconciler.SetPendingHints(coordinator)
	reconciler.Listen(coordinator.OnChange)
	reconciler.Listen(bus.Publish)

	p := poller.New(poller.Config{
		Interval:       cfg.Poller.Interval.Duration(),
		MinInterval:    cfg.Poller.MinInterval.Duration(),
		MaxInterval:    cfg.Poller.MaxInterval.Duration(),
		RequestTimeout: cfg.Poller.RequestTimeout.Duration(),
		BackoffFactor:  cfg.Poller.BackoffFactor,
	}, client, normalizer, reconciler)

	return &ThermostatService{
		cfg:         cfg,
		Auth:        authManager,
		Client:      client,
		Normalizer:  normalizer,
		Reconciler:  reconciler,
		Coordinator: coordinator,
		Bus:         bus,
		Poller:      p,
	}, nil
}

// Start runs the poll loop in the background.
func (s *ThermostatService) Start(ctx context.Context) {
	go func() {
		if err := s.Poller.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("Poller error")
		}
	}()
	log.Info().Str("home", s.cfg.Netatmo.HomeID).Msg("Thermostat sync started")
}

// Close cancels outstanding commands and drains the bus.
func (s *ThermostatService) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GetShutdownTimeout())
	defer cancel()

	if s.Coordinator != nil {
		s.Coordinator.Shutdown(ctx)
	}
	if s.Bus != nil {
		s.Bus.Close(ctx)
	}
}
