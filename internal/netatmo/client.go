// Package netatmo is a thin, stateless client for the Netatmo energy API.
// Every call is a single rate-limited attempt, repeated once after a
// credential refresh when the vendor rejects the access token. Any other
// retry policy belongs to the callers.
package netatmo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/thermd/internal/auth"
	"github.com/dokzlo13/thermd/internal/device"
)

// DefaultManualTemperature is used for a manual mode request that carries
// no setpoint on a device that has none either.
const DefaultManualTemperature = 19.0

// Endpoints
const (
	endpointHomesData         = "/homesdata"
	endpointHomeStatus        = "/homestatus"
	endpointSetRoomThermpoint = "/setroomthermpoint"
	endpointSetThermMode      = "/setthermmode"
	endpointAddWebhook        = "/addwebhook"
	endpointDropWebhook       = "/dropwebhook"
)

// Vendor error codes that indicate a bad or expired access token.
const (
	codeInvalidToken = 2
	codeExpiredToken = 3
)

// Vendor error codes worth retrying later (device unreachable, internal error).
var transientCodes = map[int]bool{9: true, 10: true, 13: true, 26: true}

// APIError is a non-auth failure reported by the vendor API.
type APIError struct {
	Status     int
	Code       int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("netatmo api error %d (code %d): %s", e.Status, e.Code, e.Message)
}

// Transient reports whether the failure is likely to clear on its own.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500 || transientCodes[e.Code]
}

// Authorizer hands out one-shot request capabilities and renews the
// credentials behind them.
type Authorizer interface {
	Authorize(ctx context.Context) (*auth.Capability, error)
	Refresh(ctx context.Context) error
}

// Config holds client settings.
type Config struct {
	BaseURL    string
	HomeID     string
	Timeout    time.Duration
	RateLimit  int
	RateWindow time.Duration
	HTTPClient *http.Client
}

// Client talks to the Netatmo REST API.
type Client struct {
	baseURL    string
	homeID     string
	authz      Authorizer
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient creates a client for one home.
func NewClient(cfg Config, authz Authorizer) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}

	limit, window := cfg.RateLimit, cfg.RateWindow
	if limit <= 0 {
		limit = 40
	}
	if window <= 0 {
		window = 10 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		homeID:     cfg.HomeID,
		authz:      authz,
		httpClient: httpClient,
		limiter:    rate.NewLimiter(rate.Every(window/time.Duration(limit)), limit),
	}
}

// HomeID returns the configured home.
func (c *Client) HomeID() string {
	return c.homeID
}

// FetchHome returns structure and live status of the configured home.
func (c *Client) FetchHome(ctx context.Context) (*HomeData, error) {
	var structure struct {
		Homes []Home `json:"homes"`
	}
	if err := c.post(ctx, endpointHomesData, url.Values{"home_id": {c.homeID}}, &structure); err != nil {
		return nil, fmt.Errorf("homesdata: %w", err)
	}

	var home *Home
	for i := range structure.Homes {
		if structure.Homes[i].ID == c.homeID {
			home = &structure.Homes[i]
			break
		}
	}
	if home == nil {
		return nil, fmt.Errorf("home %s not found in homesdata", c.homeID)
	}

	var status struct {
		Home HomeStatus `json:"home"`
	}
	if err := c.post(ctx, endpointHomeStatus, url.Values{"home_id": {c.homeID}}, &status); err != nil {
		return nil, fmt.Errorf("homestatus: %w", err)
	}

	return &HomeData{Home: *home, Status: status.Home, FetchedAt: time.Now()}, nil
}

// SetRoomThermpoint changes one room's setpoint mode (manual, max, off, home).
func (c *Client) SetRoomThermpoint(ctx context.Context, roomID, mode string, temp *float64) error {
	form := url.Values{
		"home_id": {c.homeID},
		"room_id": {roomID},
		"mode":    {mode},
	}
	if temp != nil {
		form.Set("temp", strconv.FormatFloat(*temp, 'f', 1, 64))
	}
	return c.post(ctx, endpointSetRoomThermpoint, form, nil)
}

// SetThermMode changes the home mode (schedule, hg, away). scheduleID is
// only sent when non-empty.
func (c *Client) SetThermMode(ctx context.Context, mode, scheduleID string) error {
	form := url.Values{
		"home_id": {c.homeID},
		"mode":    {mode},
	}
	if scheduleID != "" {
		form.Set("schedule_id", scheduleID)
	}
	return c.post(ctx, endpointSetThermMode, form, nil)
}

// Apply sends the vendor call that realizes change on d.
func (c *Client) Apply(ctx context.Context, d device.Device, change device.Change) error {
	if change.Schedule != nil {
		return c.SetThermMode(ctx, "schedule", change.Schedule.ID)
	}

	switch change.Mode {
	case device.ModeSchedule:
		return c.SetRoomThermpoint(ctx, d.RoomID, "home", nil)
	case device.ModeManual:
		temp := DefaultManualTemperature
		switch {
		case change.Temperature != nil:
			temp = *change.Temperature
		case d.TargetTemperature > 0:
			temp = d.TargetTemperature
		}
		return c.SetRoomThermpoint(ctx, d.RoomID, "manual", &temp)
	case device.ModeMax:
		return c.SetRoomThermpoint(ctx, d.RoomID, "max", nil)
	case device.ModeOff:
		return c.SetRoomThermpoint(ctx, d.RoomID, "off", nil)
	case device.ModeFrostGuard:
		return c.SetThermMode(ctx, "hg", "")
	}
	return fmt.Errorf("%w: nothing to apply", device.ErrInvalidTransition)
}

// AddWebhook registers url for push notifications.
func (c *Client) AddWebhook(ctx context.Context, webhookURL string) error {
	return c.post(ctx, endpointAddWebhook, url.Values{"url": {webhookURL}}, nil)
}

// DropWebhook removes the push notification registration.
func (c *Client) DropWebhook(ctx context.Context) error {
	return c.post(ctx, endpointDropWebhook, url.Values{}, nil)
}

type envelope struct {
	Status string          `json:"status"`
	Body   json.RawMessage `json:"body"`
	Error  *vendorError    `json:"error"`
}

type vendorError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// post sends one request. A rejected access token is refreshed and the
// request repeated once; a manager that already needs re-authorization is
// not asked again.
func (c *Client) post(ctx context.Context, endpoint string, form url.Values, out any) error {
	err := c.send(ctx, endpoint, form, out)
	if err == nil || !errors.Is(err, device.ErrUnauthorized) || errors.Is(err, auth.ErrReauthRequired) {
		return err
	}

	log.Warn().Err(err).Str("endpoint", endpoint).Msg("Request unauthorized, refreshing credentials")
	if rerr := c.authz.Refresh(ctx); rerr != nil {
		return fmt.Errorf("%w (refresh failed: %v)", err, rerr)
	}
	retriesTotal.WithLabelValues(endpoint).Inc()
	return c.send(ctx, endpoint, form, out)
}

func (c *Client) send(ctx context.Context, endpoint string, form url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	capability, err := c.authz.Authorize(ctx)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if err := capability.Apply(req); err != nil {
		return err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return err
	}
	defer resp.Body.Close()
	requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "transport_error").Inc()
		return err
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)

	if resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if decodeErr == nil && env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			apiErr.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		}

		if isAuthFailure(resp.StatusCode, apiErr.Code) {
			requestsTotal.WithLabelValues(endpoint, "unauthorized").Inc()
			return fmt.Errorf("%w: %s", device.ErrUnauthorized, apiErr.Message)
		}

		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		if apiErr.Transient() {
			log.Warn().Str("endpoint", endpoint).Int("status", apiErr.Status).Int("code", apiErr.Code).Msg("Transient Netatmo API error")
		}
		return apiErr
	}

	if decodeErr != nil {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		return fmt.Errorf("decode response: %w", decodeErr)
	}
	if env.Status != "ok" {
		requestsTotal.WithLabelValues(endpoint, "error").Inc()
		apiErr := &APIError{Status: resp.StatusCode, Message: "status " + env.Status}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	requestsTotal.WithLabelValues(endpoint, "ok").Inc()

	if out == nil || len(env.Body) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Body, out); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

func isAuthFailure(status, code int) bool {
	if status == http.StatusUnauthorized {
		return true
	}
	return status == http.StatusForbidden && (code == codeInvalidToken || code == codeExpiredToken)
}

func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		return time.Until(at)
	}
	return 0
}

// IsTransient reports whether err is an APIError that may clear on its own.
func IsTransient(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Transient()
}
