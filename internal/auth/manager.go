// Package auth owns the vendor OAuth tokens. Other components never see a
// token; they ask for a Capability that authorizes exactly one request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/dokzlo13/thermd/internal/device"
)

// ErrReauthRequired is returned once the refresh token has been rejected.
// It matches device.ErrUnauthorized.
var ErrReauthRequired = fmt.Errorf("re-authorization required: %w", device.ErrUnauthorized)

var errCapabilityUsed = errors.New("capability already used")

const (
	expirySkew     = 30 * time.Second
	refreshTimeout = 30 * time.Second
)

// Token is the persisted OAuth state. Seed is the configured bootstrap
// refresh token the chain started from.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	Seed         string    `json:"seed,omitempty"`
}

// usable reports whether the access token can still be sent.
func (t Token) usable(now time.Time) bool {
	return t.AccessToken != "" && t.Expiry.Sub(now) > expirySkew
}

// TokenStore persists tokens across restarts.
type TokenStore interface {
	LoadToken() (Token, bool, error)
	SaveToken(Token) error
}

// Config holds the OAuth client settings.
type Config struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
	Scopes       []string
	// RefreshToken bootstraps the manager when the store is empty, and
	// replaces the stored chain when it differs from the one it seeded.
	RefreshToken string
	HTTPClient   *http.Client
}

// Capability authorizes a single outbound request.
type Capability struct {
	token string
	used  atomic.Bool
}

// Apply sets the Authorization header on req. It fails on reuse.
func (c *Capability) Apply(req *http.Request) error {
	if c == nil || !c.used.CompareAndSwap(false, true) {
		return errCapabilityUsed
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	return nil
}

// Status is a redacted view of the manager for diagnostics.
type Status struct {
	TokenValid  bool      `json:"token_valid"`
	Expiry      time.Time `json:"expiry,omitzero"`
	NeedsReauth bool      `json:"needs_reauth"`
}

// Manager refreshes and hands out access tokens.
type Manager struct {
	oauth      *oauth2.Config
	store      TokenStore
	httpClient *http.Client
	group      singleflight.Group
	seed       string

	mu     sync.Mutex
	token  Token
	reauth bool

	now func() time.Time
}

// NewManager loads the persisted token, falling back to the configured
// bootstrap refresh token.
func NewManager(cfg Config, store TokenStore) (*Manager, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" {
		return nil, fmt.Errorf("client id and secret are required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if store == nil {
		return nil, fmt.Errorf("token store is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: refreshTimeout}
	}

	m := &Manager{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			Scopes: cfg.Scopes,
		},
		store:      store,
		httpClient: httpClient,
		seed:       cfg.RefreshToken,
		now:        time.Now,
	}

	token, found, err := store.LoadToken()
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	reseeded := found && token.Seed != "" && cfg.RefreshToken != "" && token.Seed != cfg.RefreshToken
	switch {
	case found && token.RefreshToken != "" && !reseeded:
		m.token = token
		log.Debug().Time("expiry", token.Expiry).Msg("Loaded persisted token")
	case cfg.RefreshToken != "":
		m.token = Token{RefreshToken: cfg.RefreshToken, Seed: cfg.RefreshToken}
		if reseeded {
			log.Info().Msg("Configured refresh token changed, replacing persisted token")
		} else {
			log.Info().Msg("Using bootstrap refresh token")
		}
	default:
		return nil, fmt.Errorf("no refresh token available; set netatmo.refresh_token")
	}

	tokenValid.Set(boolGauge(m.token.usable(m.now())))
	return m, nil
}

// Authorize returns a capability for one request, refreshing first when the
// access token is missing or about to expire.
func (m *Manager) Authorize(ctx context.Context) (*Capability, error) {
	for attempt := 0; attempt < 2; attempt++ {
		m.mu.Lock()
		if m.reauth {
			m.mu.Unlock()
			return nil, ErrReauthRequired
		}
		if m.token.usable(m.now()) {
			c := &Capability{token: m.token.AccessToken}
			m.mu.Unlock()
			return c, nil
		}
		m.mu.Unlock()

		if err := m.Refresh(ctx); err != nil {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: refreshed token is already expired", device.ErrUnauthorized)
}

// Refresh exchanges the refresh token. Concurrent callers share one exchange.
// A rejected refresh token puts the manager into the needs-reauth state.
func (m *Manager) Refresh(ctx context.Context) error {
	ch := m.group.DoChan("refresh", func() (any, error) {
		return nil, m.refresh(context.WithoutCancel(ctx))
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

func (m *Manager) refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.reauth {
		m.mu.Unlock()
		return ErrReauthRequired
	}
	refreshToken := m.token.RefreshToken
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()
	ctx = context.WithValue(ctx, oauth2.HTTPClient, m.httpClient)

	source := m.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	tok, err := source.Token()
	if err != nil {
		refreshFailure.Inc()
		tokenValid.Set(0)

		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			m.mu.Lock()
			m.reauth = true
			m.mu.Unlock()
			status := 0
			if retrieveErr.Response != nil {
				status = retrieveErr.Response.StatusCode
			}
			body := strings.TrimSpace(string(retrieveErr.Body))
			log.Error().Int("status", status).Str("body", body).Msg("Refresh token rejected, re-authorization required")
			return fmt.Errorf("%w: token refresh failed %d", ErrReauthRequired, status)
		}

		log.Warn().Err(err).Msg("Token refresh failed")
		return fmt.Errorf("token refresh: %w", err)
	}

	next := Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: refreshToken,
		Expiry:       tok.Expiry,
		Seed:         m.seed,
	}
	if tok.RefreshToken != "" {
		next.RefreshToken = tok.RefreshToken
	}

	m.mu.Lock()
	m.token = next
	m.mu.Unlock()

	if err := m.store.SaveToken(next); err != nil {
		persistFailure.Inc()
		log.Warn().Err(err).Msg("Failed to persist refreshed token")
	}

	refreshSuccess.Inc()
	tokenValid.Set(1)
	log.Debug().Time("expiry", next.Expiry).Msg("Access token refreshed")
	return nil
}

// SetToken replaces the tokens after an external re-authorization and
// leaves the needs-reauth state.
func (m *Manager) SetToken(t Token) error {
	if t.RefreshToken == "" {
		return fmt.Errorf("refresh token is required")
	}
	t.Seed = m.seed

	m.mu.Lock()
	m.token = t
	m.reauth = false
	m.mu.Unlock()

	tokenValid.Set(boolGauge(t.usable(m.now())))
	return m.store.SaveToken(t)
}

// Status returns a redacted summary of the token state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		TokenValid:  !m.reauth && m.token.usable(m.now()),
		Expiry:      m.token.Expiry,
		NeedsReauth: m.reauth,
	}
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
