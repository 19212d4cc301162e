// Package poller periodically fetches full home state and feeds it through
// the normalizer into the reconciler.
package poller

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/netatmo"
	"github.com/dokzlo13/thermd/internal/normalize"
)

// Fetcher retrieves the full state of the home.
type Fetcher interface {
	FetchHome(ctx context.Context) (*netatmo.HomeData, error)
}

// Applier merges snapshots into canonical state.
type Applier interface {
	Apply(snap device.Snapshot) (device.ChangeSet, error)
}

// Config holds polling settings.
type Config struct {
	Interval       time.Duration
	MinInterval    time.Duration
	MaxInterval    time.Duration
	RequestTimeout time.Duration
	BackoffFactor  float64
}

// maxBackoffSteps caps the exponent of the failure backoff.
const maxBackoffSteps = 5

// Stats describes the poller for diagnostics.
type Stats struct {
	Polls               uint64        `json:"polls"`
	Failures            uint64        `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastAttempt         time.Time     `json:"last_attempt,omitzero"`
	LastSuccess         time.Time     `json:"last_success,omitzero"`
	LastError           string        `json:"last_error,omitempty"`
	NextInterval        time.Duration `json:"next_interval"`
	WebhookActive       bool          `json:"webhook_active"`
	Webhooks            uint64        `json:"webhooks"`
	LastWebhook         time.Time     `json:"last_webhook,omitzero"`
}

// Poller runs the poll loop. Only one poll runs at a time.
type Poller struct {
	cfg        Config
	fetcher    Fetcher
	normalizer *normalize.Normalizer
	applier    Applier
	now        func() time.Time

	trigger    chan struct{}
	reschedule chan struct{}
	pollMu     sync.Mutex

	mu    sync.Mutex
	stats Stats
}

// New creates a poller.
func New(cfg Config, fetcher Fetcher, normalizer *normalize.Normalizer, applier Applier) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.MinInterval <= 0 || cfg.MinInterval > cfg.Interval {
		cfg.MinInterval = cfg.Interval
	}
	if cfg.MaxInterval < cfg.Interval {
		cfg.MaxInterval = cfg.Interval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = 1.5
	}

	return &Poller{
		cfg:        cfg,
		fetcher:    fetcher,
		normalizer: normalizer,
		applier:    applier,
		now:        time.Now,
		trigger:    make(chan struct{}, 1),
		reschedule: make(chan struct{}, 1),
		stats:      Stats{NextInterval: cfg.Interval},
	}
}

// Trigger requests an immediate poll.
func (p *Poller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
		// Already triggered
	}
}

// NoteWebhook records a webhook arrival. While webhooks flow the poll
// interval drops to the minimum.
func (p *Poller) NoteWebhook() {
	p.mu.Lock()
	p.stats.Webhooks++
	p.stats.LastWebhook = p.now()
	p.stats.WebhookActive = true
	p.stats.NextInterval = p.cfg.MinInterval
	p.mu.Unlock()

	select {
	case p.reschedule <- struct{}{}:
	default:
	}
}

// Run polls immediately, then on the adaptive interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	log.Info().
		Dur("interval", p.cfg.Interval).
		Dur("max_interval", p.cfg.MaxInterval).
		Msg("Poller started")

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Poller stopping")
			return nil
		case <-timer.C:
			_ = p.PollOnce(ctx)
			timer.Reset(p.NextInterval())
		case <-p.trigger:
			_ = p.PollOnce(ctx)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.NextInterval())
		case <-p.reschedule:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(p.NextInterval())
		}
	}
}

// PollOnce fetches the home once and applies the result. A failure is a
// missed cycle: it is logged, counted and lengthens the next interval.
func (p *Poller) PollOnce(ctx context.Context) error {
	p.pollMu.Lock()
	defer p.pollMu.Unlock()

	started := p.now()
	p.mu.Lock()
	p.stats.LastAttempt = started
	p.mu.Unlock()

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.RequestTimeout)
	data, err := p.fetcher.FetchHome(fetchCtx)
	cancel()
	pollDuration.Observe(p.now().Sub(started).Seconds())

	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return err
		}
		p.recordFailure(err)
		return err
	}

	snaps := p.normalizer.Poll(data, started)
	changed := p.apply(snaps)
	changed += p.apply(p.normalizer.Replay())

	p.mu.Lock()
	p.stats.Polls++
	p.stats.ConsecutiveFailures = 0
	p.stats.LastSuccess = p.now()
	p.stats.LastError = ""
	p.stats.NextInterval = p.cfg.Interval
	p.stats.WebhookActive = false
	p.mu.Unlock()

	pollsTotal.WithLabelValues("success").Inc()
	consecutiveFailures.Set(0)
	log.Debug().
		Int("devices", len(snaps)).
		Int("changed", changed).
		Int("parked", p.normalizer.Parked()).
		Msg("Poll complete")
	return nil
}

func (p *Poller) apply(snaps []device.Snapshot) int {
	changed := 0
	for _, snap := range snaps {
		cs, err := p.applier.Apply(snap)
		if err != nil {
			log.Warn().Err(err).Str("device", snap.DeviceID).Msg("Failed to apply snapshot")
			continue
		}
		if !cs.Empty() {
			changed++
		}
	}
	return changed
}

func (p *Poller) recordFailure(err error) {
	p.mu.Lock()
	p.stats.Failures++
	p.stats.ConsecutiveFailures++
	p.stats.LastError = err.Error()
	p.stats.NextInterval = max(backoff(p.cfg, p.stats.ConsecutiveFailures), retryAfter(p.cfg, err))
	failures := p.stats.ConsecutiveFailures
	next := p.stats.NextInterval
	p.mu.Unlock()

	pollsTotal.WithLabelValues("failure").Inc()
	missedCycles.Inc()
	consecutiveFailures.Set(float64(failures))

	var evt *zerolog.Event
	if errors.Is(err, device.ErrUnauthorized) {
		evt = log.Error()
	} else {
		evt = log.Warn()
	}
	evt.Err(err).
		Bool("transient", netatmo.IsTransient(err)).
		Int("consecutive_failures", failures).
		Dur("next_interval", next).
		Msg("Poll failed, missed cycle")
}

// backoff returns the interval after the given number of consecutive
// failures.
func backoff(cfg Config, failures int) time.Duration {
	steps := min(failures, maxBackoffSteps)
	d := time.Duration(float64(cfg.Interval) * math.Pow(cfg.BackoffFactor, float64(steps)))
	return min(d, cfg.MaxInterval)
}

// retryAfter returns the vendor's requested delay, capped at the maximum
// interval, or zero.
func retryAfter(cfg Config, err error) time.Duration {
	var apiErr *netatmo.APIError
	if !errors.As(err, &apiErr) || apiErr.RetryAfter <= 0 {
		return 0
	}
	return min(apiErr.RetryAfter, cfg.MaxInterval)
}

// NextInterval returns the delay before the next scheduled poll.
func (p *Poller) NextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats.NextInterval
}

// Stats returns a copy of the poller's diagnostics.
func (p *Poller) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
