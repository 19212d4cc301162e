package webhook

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const registrationKey = "registration"

// Registry is the vendor side of webhook registration.
type Registry interface {
	AddWebhook(ctx context.Context, webhookURL string) error
	DropWebhook(ctx context.Context) error
}

// Store persists the registration record.
type Store interface {
	Put(key string, value any, ttl time.Duration) error
	Get(key string, out any) (bool, error)
	Delete(key string) (bool, error)
}

// Registration is the persisted record of the URL registered with the vendor.
type Registration struct {
	URL          string    `json:"url"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Register announces url to the vendor and records it. A different URL
// registered earlier is dropped first.
func Register(ctx context.Context, registry Registry, store Store, url string) error {
	var prev Registration
	found, err := store.Get(registrationKey, &prev)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to read webhook registration record")
	}
	if found && prev.URL != "" && prev.URL != url {
		log.Info().Str("url", prev.URL).Msg("Dropping stale webhook registration")
		if err := registry.DropWebhook(ctx); err != nil {
			log.Warn().Err(err).Msg("Failed to drop stale webhook registration")
		}
	}

	if err := registry.AddWebhook(ctx, url); err != nil {
		return fmt.Errorf("failed to register webhook: %w", err)
	}

	rec := Registration{URL: url, RegisteredAt: time.Now().UTC()}
	if err := store.Put(registrationKey, rec, 0); err != nil {
		log.Warn().Err(err).Msg("Failed to persist webhook registration record")
	}

	log.Info().Str("url", url).Msg("Webhook registered")
	return nil
}

// Unregister drops the registration with the vendor and forgets it.
func Unregister(ctx context.Context, registry Registry, store Store) error {
	if err := registry.DropWebhook(ctx); err != nil {
		return fmt.Errorf("failed to drop webhook: %w", err)
	}
	if _, err := store.Delete(registrationKey); err != nil {
		log.Warn().Err(err).Msg("Failed to delete webhook registration record")
	}
	log.Info().Msg("Webhook unregistered")
	return nil
}

// Current returns the persisted registration, if any.
func Current(store Store) (Registration, bool, error) {
	var rec Registration
	found, err := store.Get(registrationKey, &rec)
	return rec, found, err
}
