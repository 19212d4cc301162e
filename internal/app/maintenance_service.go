package app

import (
	"context"
	"database/sql"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/config"
	"github.com/dokzlo13/thermd/internal/kv"
	"github.com/dokzlo13/thermd/internal/ledger"
)

// MaintenanceService prunes old ledger entries and expired kv values.
type MaintenanceService struct {
	cfg    *config.Config
	db     *sql.DB
	ledger *ledger.Ledger
}

// NewMaintenanceService creates a new MaintenanceService.
func NewMaintenanceService(cfg *config.Config, db *sql.DB, l *ledger.Ledger) *MaintenanceService {
	return &MaintenanceService{
		cfg:    cfg,
		db:     db,
		ledger: l,
	}
}

// Start runs one cleanup immediately and then on every cleanup interval.
func (s *MaintenanceService) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *MaintenanceService) run(ctx context.Context) {
	s.cleanup()

	ticker := time.NewTicker(s.cfg.Ledger.CleanupInterval.Duration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MaintenanceService) cleanup() {
	retention := time.Duration(s.cfg.Ledger.RetentionDays) * 24 * time.Hour
	deleted, err := s.ledger.DeleteOlderThan(retention)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
	} else if deleted > 0 {
		log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
	}

	expired, err := kv.CleanupExpired(s.db)
	if err != nil {
		log.Error().Err(err).Msg("Failed to cleanup expired kv entries")
	} else if expired > 0 {
		log.Debug().Int64("deleted", expired).Msg("Cleaned up expired kv entries")
	}
}
