package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/webhook"
)

const registrationTimeout = 30 * time.Second

// WebhookService wraps the webhook HTTP server and its vendor registration.
type WebhookService struct {
	cfg       *config.Config
	server    *webhook.Server
	debouncer *webhook.Debouncer
	registry  webhook.Registry
	store     webhook.Store
}

// NewWebhookService creates a new WebhookService. Accepted webhooks shorten
// the poll interval; with refresh_on_webhook set, a quiet period after a
// burst also triggers one poll.
func NewWebhookService(cfg *config.Config, thermostat *ThermostatService, store webhook.Store) *WebhookService {
	var notifier webhook.Notifier = thermostat.Poller
	var debouncer *webhook.Debouncer
	if cfg.Poller.RefreshOnWebhook {
		p := thermostat.Poller
		debouncer = webhook.NewDebouncer(cfg.Poller.RefreshDebounce.Duration(), p, func(count int) {
			log.Debug().Int("webhooks", count).Msg("Webhook burst settled, polling")
			p.Trigger()
		})
		notifier = debouncer
	}

	server := webhook.NewServer(webhook.Config{
		Addr:            cfg.Webhook.Addr(),
		Path:            cfg.Webhook.Path,
		VerifySignature: cfg.Webhook.VerifySignature,
		MaxBodyBytes:    cfg.Webhook.MaxBodyBytes,
	}, webhook.NewHMACVerifier(cfg.Netatmo.ClientSecret), thermostat.Normalizer, thermostat.Reconciler, notifier)

	return &WebhookService{
		cfg:       cfg,
		server:    server,
		debouncer: debouncer,
		registry:  thermostat.Client,
		store:     store,
	}
}

// Start begins the webhook server if enabled and registers the external URL.
func (s *WebhookService) Start(ctx context.Context) {
	if !s.cfg.Webhook.Enabled {
		log.Debug().Msg("Webhook server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.GetShutdownTimeout()); err != nil {
			log.Error().Err(err).Msg("Webhook server error")
		}
	}()

	if s.cfg.Webhook.ExternalURL == "" {
		log.Info().Msg("No webhook external_url configured, relying on an existing registration")
		return
	}

	go func() {
		regCtx, cancel := context.WithTimeout(ctx, registrationTimeout)
		defer cancel()
		if err := webhook.Register(regCtx, s.registry, s.store, s.cfg.Webhook.ExternalURL); err != nil {
			log.Error().Err(err).Msg("Webhook registration failed, falling back to polling")
		}
	}()
}

// Close stops the refresh debouncer.
func (s *WebhookService) Close() {
	if s.debouncer != nil {
		s.debouncer.Close()
	}
}

// Unregister drops the vendor registration and the stored record.
func (s *WebhookService) Unregister(ctx context.Context) error {
	return webhook.Unregister(ctx, s.registry, s.store)
}
