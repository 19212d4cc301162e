// Package command issues device changes to the vendor and tracks each one
// until the reconciled state confirms it, it times out, or it fails.
package command

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/ledger"
	"github.com/dokzlo13/thermd/internal/mode"
	"github.com/dokzlo13/thermd/internal/schedule"
)

// Policy decides what happens to a request while another is in flight.
type Policy string

const (
	PolicyQueue  Policy = "queue"
	PolicyReject Policy = "reject"
)

// Setpoint bounds accepted for manual temperatures.
const (
	MinSetpoint  = 5.0
	MaxSetpoint  = 30.0
	SetpointStep = 0.5
)

const DefaultTimeout = 30 * time.Second

// StateReader reads reconciled device state.
type StateReader interface {
	Device(id string) (device.Device, bool)
}

// Remote sends a change to the vendor. Credential refresh is the remote's
// concern.
type Remote interface {
	Apply(ctx context.Context, d device.Device, change device.Change) error
}

// Recorder persists command transitions.
type Recorder interface {
	Append(e ledger.Entry) error
}

// Config holds coordinator settings.
type Config struct {
	Timeout time.Duration
	Policy  Policy
}

type slot struct {
	issued *PendingCommand
	queued *PendingCommand
}

// Coordinator serializes commands per device: at most one issued and one
// queued. It never calls the reconciler while holding its own lock.
type Coordinator struct {
	state    StateReader
	remote   Remote
	recorder Recorder
	timeout  time.Duration
	policy   Policy
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	slots   map[string]*slot
	counter uint64
	closed  bool
}

// NewCoordinator creates a coordinator. recorder may be nil.
func NewCoordinator(cfg Config, state StateReader, remote Remote, recorder Recorder) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyQueue
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		state:    state,
		remote:   remote,
		recorder: recorder,
		timeout:  cfg.Timeout,
		policy:   cfg.Policy,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		slots:    make(map[string]*slot),
	}
}

// SetMode requests a mode and waits for the outcome.
func (c *Coordinator) SetMode(ctx context.Context, deviceID string, m device.Mode) (device.Device, error) {
	p, err := c.Issue(ctx, deviceID, device.Change{Mode: m})
	if err != nil {
		return device.Device{}, err
	}
	return p.Wait(ctx)
}

// SetSchedule selects a named schedule and waits for the outcome.
func (c *Coordinator) SetSchedule(ctx context.Context, deviceID, name string) (device.Device, error) {
	d, ok := c.state.Device(deviceID)
	if !ok {
		return device.Device{}, fmt.Errorf("%w: %s", device.ErrUnknownDevice, deviceID)
	}
	change, err := schedule.Resolve(d, name)
	if err != nil {
		return device.Device{}, err
	}

	p, err := c.Issue(ctx, deviceID, change)
	if err != nil {
		return device.Device{}, err
	}
	return p.Wait(ctx)
}

// SetTemperature sets a manual setpoint and waits for the outcome.
func (c *Coordinator) SetTemperature(ctx context.Context, deviceID string, celsius float64) (device.Device, error) {
	p, err := c.Issue(ctx, deviceID, device.Change{Mode: device.ModeManual, Temperature: &celsius})
	if err != nil {
		return device.Device{}, err
	}
	return p.Wait(ctx)
}

// Issue validates a change and either sends it or queues it behind the
// device's in-flight command.
func (c *Coordinator) Issue(ctx context.Context, deviceID string, change device.Change) (*PendingCommand, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", device.ErrCancelled, err)
	}

	d, ok := c.state.Device(deviceID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", device.ErrUnknownDevice, deviceID)
	}
	if err := validate(d, change); err != nil {
		rejected.WithLabelValues(device.Kind(err)).Inc()
		return nil, err
	}

	p := newPending(uuid.NewString(), deviceID, change)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator is shut down", device.ErrCancelled)
	}

	s := c.slots[deviceID]
	if s == nil {
		s = &slot{}
		c.slots[deviceID] = s
	}
	if s.issued != nil {
		if c.policy == PolicyReject || s.queued != nil {
			c.mu.Unlock()
			rejected.WithLabelValues(device.Kind(device.ErrCommandInFlight)).Inc()
			return nil, fmt.Errorf("%w: device %s", device.ErrCommandInFlight, deviceID)
		}
		s.queued = p
		c.mu.Unlock()

		log.Info().Str("device", deviceID).Str("command", p.ID).Msg("Command queued behind in-flight command")
		return p, nil
	}
	s.issued = p
	c.wg.Add(1)
	c.mu.Unlock()

	go c.dispatch(p)
	return p, nil
}

func validate(d device.Device, change device.Change) error {
	if change.Mode == device.ModeUnknown && change.Temperature == nil && change.Schedule == nil {
		return fmt.Errorf("%w: empty change", device.ErrInvalidTransition)
	}

	if change.Schedule != nil {
		if _, ok := d.ScheduleByName(change.Schedule.Name); !ok {
			return fmt.Errorf("%w: %q", device.ErrUnknownSchedule, change.Schedule.Name)
		}
	}

	if change.Mode != device.ModeUnknown {
		ctx := mode.ContextOf(d)
		if change.Schedule != nil {
			ctx.ActiveSchedule = change.Schedule.Name
		}
		if err := mode.Request(d.Mode, change.Mode, ctx); err != nil {
			return err
		}
	}

	if change.Temperature != nil {
		if err := ValidateSetpoint(*change.Temperature); err != nil {
			return err
		}
	}
	return nil
}

// ValidateSetpoint checks a manual temperature against the supported range
// and step.
func ValidateSetpoint(celsius float64) error {
	if math.IsNaN(celsius) || celsius < MinSetpoint || celsius > MaxSetpoint {
		return fmt.Errorf("%w: %.1f is outside %.1f-%.1f", device.ErrInvalidSetpoint, celsius, MinSetpoint, MaxSetpoint)
	}
	if steps := celsius / SetpointStep; steps != math.Trunc(steps) {
		return fmt.Errorf("%w: %.2f is not a multiple of %.1f", device.ErrInvalidSetpoint, celsius, SetpointStep)
	}
	return nil
}

// dispatch sends an issued command to the vendor. The command is visible as
// a pending hint before the request goes out.
func (c *Coordinator) dispatch(p *PendingCommand) {
	defer c.wg.Done()

	prior, ok := c.state.Device(p.DeviceID)
	if !ok {
		c.finish(p, StateFailed, &device.CommandFailedError{Cause: device.ErrUnknownDevice}, device.Device{})
		return
	}

	c.mu.Lock()
	if p.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.counter++
	p.prior = prior
	p.issuedAt = c.now()
	p.token = correlationToken(p.Change, prior, c.counter)
	p.state = StateIssued
	p.timer = time.AfterFunc(c.timeout, func() {
		c.finish(p, StateTimedOut, fmt.Errorf("%w after %s", device.ErrCommandTimeout, c.timeout), device.Device{})
	})
	token := p.token
	issuedAt := p.issuedAt
	c.mu.Unlock()

	issuedTotal.Inc()
	c.record(ledger.Entry{
		CommandID: p.ID,
		DeviceID:  p.DeviceID,
		State:     ledger.StateIssued,
		Timestamp: issuedAt,
		Token:     token,
		Payload:   p.payload(),
	})
	log.Info().
		Str("device", p.DeviceID).
		Str("command", p.ID).
		Str("token", token).
		Interface("change", p.payload()).
		Msg("Issuing command")

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	defer cancel()

	if err := c.remote.Apply(ctx, prior, p.Change); err != nil {
		if c.ctx.Err() != nil {
			c.finish(p, StateCancelled, fmt.Errorf("%w: %v", device.ErrCancelled, err), device.Device{})
			return
		}
		c.finish(p, StateFailed, &device.CommandFailedError{Cause: err}, device.Device{})
		return
	}

	// A re-issue of values the device already holds produces no ChangeSet,
	// and a confirming ChangeSet may have landed before the command was issued.
	if cur, ok := c.state.Device(p.DeviceID); ok && p.Change.SatisfiedBy(cur) {
		c.finish(p, StateConfirmed, nil, cur)
	}
}

// OnChange confirms the in-flight command when a ChangeSet shows the device
// holding the requested values. It is a reconciler listener and only takes
// the coordinator lock.
func (c *Coordinator) OnChange(cs device.ChangeSet) {
	c.mu.Lock()
	s := c.slots[cs.DeviceID]
	if s == nil || s.issued == nil || s.issued.state != StateIssued {
		c.mu.Unlock()
		return
	}
	p := s.issued
	c.mu.Unlock()

	touched := false
	for _, attr := range p.Change.Attrs() {
		if cs.Has(attr) {
			touched = true
			break
		}
	}
	if !touched || !p.Change.SatisfiedBy(cs.Device) {
		return
	}

	c.finish(p, StateConfirmed, nil, cs.Device)
}

// finish moves p into a terminal state exactly once and promotes the queued
// command. It reports whether this call made the transition.
func (c *Coordinator) finish(p *PendingCommand, state State, err error, result device.Device) bool {
	c.mu.Lock()
	if p.state.Terminal() {
		c.mu.Unlock()
		if state == StateConfirmed {
			lateConfirmations.Inc()
			log.Debug().Str("command", p.ID).Str("state", string(p.state)).Msg("Ignoring late confirmation")
		}
		return false
	}

	wasIssued := p.state == StateIssued
	p.state = state
	p.err = err
	p.result = result
	if p.timer != nil {
		p.timer.Stop()
	}

	var next *PendingCommand
	if s := c.slots[p.DeviceID]; s != nil {
		switch {
		case s.issued == p:
			s.issued = nil
			if s.queued != nil && !c.closed {
				next = s.queued
				s.queued = nil
				s.issued = next
				c.wg.Add(1)
			}
		case s.queued == p:
			s.queued = nil
		}
		if s.issued == nil && s.queued == nil {
			delete(c.slots, p.DeviceID)
		}
	}
	token := p.token
	issuedAt := p.issuedAt
	close(p.done)
	c.mu.Unlock()

	outcomes.WithLabelValues(string(state)).Inc()
	if wasIssued && !issuedAt.IsZero() {
		latency.WithLabelValues(string(state)).Observe(c.now().Sub(issuedAt).Seconds())
	}

	entry := ledger.Entry{
		CommandID: p.ID,
		DeviceID:  p.DeviceID,
		State:     state.ledgerState(),
		Token:     token,
		Payload:   p.payload(),
	}
	if err != nil {
		entry.Error = err.Error()
	}
	c.record(entry)

	var evt *zerolog.Event
	if err != nil {
		evt = log.Warn().Err(err)
	} else {
		evt = log.Info()
	}
	evt.Str("device", p.DeviceID).
		Str("command", p.ID).
		Str("state", string(state)).
		Msg("Command finished")

	if next != nil {
		go c.dispatch(next)
	}
	return true
}

func (c *Coordinator) record(e ledger.Entry) {
	if c.recorder == nil {
		return
	}
	if err := c.recorder.Append(e); err != nil {
		log.Error().Err(err).Str("command", e.CommandID).Str("state", string(e.State)).Msg("Failed to record command transition")
	}
}

// Hints returns the attributes covered by the device's issued command with
// their pre-command values.
func (c *Coordinator) Hints(deviceID string) []device.Hint {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.slots[deviceID]
	if s == nil || s.issued == nil || s.issued.state != StateIssued {
		return nil
	}

	attrs := s.issued.Change.Attrs()
	hints := make([]device.Hint, 0, len(attrs))
	for _, attr := range attrs {
		hints = append(hints, device.Hint{Attr: attr, Prior: s.issued.prior})
	}
	return hints
}

// Status summarises one outstanding command.
type Status struct {
	ID       string         `json:"id"`
	DeviceID string         `json:"device_id"`
	State    State          `json:"state"`
	Token    string         `json:"token,omitempty"`
	IssuedAt time.Time      `json:"issued_at,omitzero"`
	Change   map[string]any `json:"change"`
}

// Outstanding lists issued and queued commands.
func (c *Coordinator) Outstanding() []Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Status
	for _, s := range c.slots {
		for _, p := range []*PendingCommand{s.issued, s.queued} {
			if p == nil {
				continue
			}
			out = append(out, Status{
				ID:       p.ID,
				DeviceID: p.DeviceID,
				State:    p.state,
				Token:    p.token,
				IssuedAt: p.issuedAt,
				Change:   p.payload(),
			})
		}
	}
	return out
}

// Shutdown cancels in-flight remote calls and finishes every outstanding
// command as cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.mu.Lock()
	c.closed = true
	var pending []*PendingCommand
	for _, s := range c.slots {
		if s.issued != nil {
			pending = append(pending, s.issued)
		}
		if s.queued != nil {
			pending = append(pending, s.queued)
		}
	}
	c.mu.Unlock()

	c.cancel()
	for _, p := range pending {
		c.finish(p, StateCancelled, fmt.Errorf("%w: shutting down", device.ErrCancelled), device.Device{})
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Int("cancelled", len(pending)).Msg("Command coordinator stopped")
	case <-ctx.Done():
		log.Warn().Msg("Command coordinator shutdown timed out")
	}
}
