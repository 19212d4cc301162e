package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/db"
	"github.com/dokzlo13/thermd/internal/kv"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/metrics"
)

// KV bucket names.
const (
	bucketAuth    = "auth"
	bucketWebhook = "webhook"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB         *db.DB
	Ledger     *ledger.Ledger
	InstanceID uuid.UUID

	// High-level services
	Thermostat  *ThermostatService
	Webhook     *WebhookService
	API         *APIService
	MQTT        *MQTTService
	Maintenance *MaintenanceService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config, version string) (*Services, error) {
	s := &Services{cfg: cfg, InstanceID: uuid.New()}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize ledger
	s.Ledger = ledger.New(database.DB)

	tokens := auth.NewBucketStore(kv.NewSQLiteBucket(database.DB, bucketAuth))

	s.Thermostat, err = NewThermostatService(cfg, tokens, s.Ledger)
	if err != nil {
		s.Close()
		return nil, err
	}

	s.Webhook = NewWebhookService(cfg, s.Thermostat, kv.NewSQLiteBucket(database.DB, bucketWebhook))

	registry := metrics.NewRegistry(version, s.InstanceID)
	s.API = NewAPIService(cfg, s.Thermostat, s.Ledger, registry)

	s.MQTT = NewMQTTService(cfg)
	s.Maintenance = NewMaintenanceService(cfg, database.DB, s.Ledger)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	if s.Thermostat == nil {
		return fmt.Errorf("services not initialized")
	}

	// Subscribers attach before the first poll so they see every ChangeSet.
	s.MQTT.Start(s.Thermostat.Bus)

	s.Thermostat.Start(ctx)
	s.Webhook.Start(ctx)
	s.API.Start(ctx)
	s.Maintenance.Start(ctx)

	log.Debug().Str("instance", s.InstanceID.String()).Msg("Services started")
	return nil
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Webhook != nil {
		s.Webhook.Close()
	}
	if s.Thermostat != nil {
		s.Thermostat.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
