package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/dokzlo13/thermd/internal/device"
	"github.com/dokzlo13/thermd/internal/netatmo"
	"github.com/dokzlo13/thermd/internal/normalize"
	"github.com/dokzlo13/thermd/internal/reconcile"
)

type fakeFetcher struct {
	mu    sync.Mutex
	errs  []error
	calls int
	mode  string
}

func (f *fakeFetcher) FetchHome(ctx context.Context) (*netatmo.HomeData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	mode := f.mode
	if mode == "" {
		mode = "schedule"
	}
	target := 20.0
	return &netatmo.HomeData{
		Home: netatmo.Home{
			ID:        "home-1",
			Rooms:     []netatmo.Room{{ID: "room-1", Name: "Living", ModuleIDs: []string{"04:00:00:aa"}}},
			Modules:   []netatmo.Module{{ID: "04:00:00:aa", Type: "NATherm1"}},
			Schedules: []netatmo.Schedule{{ID: "s1", Name: "Weekday", Selected: true}},
		},
		Status: netatmo.HomeStatus{
			Rooms: []netatmo.RoomStatus{{ID: "room-1", SetpointMode: &mode, SetpointTemperature: &target}},
		},
	}, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestPoller(cfg Config, fetcher Fetcher) (*Poller, *normalize.Normalizer, *reconcile.Reconciler) {
	n := normalize.New("home-1", 0)
	r := reconcile.New()
	return New(cfg, fetcher, n, r), n, r
}

func TestPollOnceAppliesSnapshots(t *testing.T) {
	p, _, r := newTestPoller(Config{}, &fakeFetcher{})

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	d, ok := r.Device("04:00:00:aa")
	if !ok {
		t.Fatal("device not created by poll")
	}
	if d.Mode != device.ModeSchedule || d.ActiveSchedule != "Weekday" {
		t.Errorf("device = %s/%s", d.Mode, d.ActiveSchedule)
	}
	if s := p.Stats(); s.Polls != 1 || s.LastSuccess.IsZero() {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestPollReplaysParkedWebhooks(t *testing.T) {
	p, n, r := newTestPoller(Config{}, &fakeFetcher{})
	// the poll's fetch started before the webhook arrived, so the replayed
	// value is the newest
	p.now = func() time.Time { return time.Now().Add(-time.Minute) }

	body := fmt.Sprintf(`{"home_id":"home-1","room_id":"room-1","temperature":23,"event_counter":9,"time":%d}`, time.Now().Unix())
	if _, err := n.Webhook([]byte(body)); err != nil {
		t.Fatalf("Webhook() error: %v", err)
	}
	if n.Parked() != 1 {
		t.Fatalf("Parked() = %d, want 1", n.Parked())
	}

	if err := p.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}

	d, _ := r.Device("04:00:00:aa")
	if d.TargetTemperature != 23 {
		t.Errorf("TargetTemperature = %v, want replayed 23", d.TargetTemperature)
	}
	if n.Parked() != 0 {
		t.Errorf("Parked() = %d after poll, want 0", n.Parked())
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{Interval: 60 * time.Second, MaxInterval: 5 * time.Minute, BackoffFactor: 1.5}

	tests := []struct {
		failures int
		expected time.Duration
	}{
		{failures: 1, expected: 90 * time.Second},
		{failures: 2, expected: 135 * time.Second},
		{failures: 3, expected: 202500 * time.Millisecond},
		{failures: 4, expected: 5 * time.Minute},
		{failures: 10, expected: 5 * time.Minute},
	}

	for _, tt := range tests {
		if got := backoff(cfg, tt.failures); got != tt.expected {
			t.Errorf("backoff(%d) = %v, want %v", tt.failures, got, tt.expected)
		}
	}
}

func TestFailureLengthensIntervalAndSuccessResets(t *testing.T) {
	fetcher := &fakeFetcher{errs: []error{errors.New("timeout"), errors.New("timeout")}}
	p, _, _ := newTestPoller(Config{Interval: time.Minute, MaxInterval: 10 * time.Minute, BackoffFactor: 2}, fetcher)
	ctx := context.Background()

	_ = p.PollOnce(ctx)
	if got := p.NextInterval(); got != 2*time.Minute {
		t.Errorf("after 1 failure NextInterval() = %v, want 2m", got)
	}
	_ = p.PollOnce(ctx)
	if got := p.NextInterval(); got != 4*time.Minute {
		t.Errorf("after 2 failures NextInterval() = %v, want 4m", got)
	}
	if s := p.Stats(); s.ConsecutiveFailures != 2 || s.LastError != "timeout" {
		t.Errorf("Stats() = %+v", s)
	}

	if err := p.PollOnce(ctx); err != nil {
		t.Fatalf("PollOnce() error: %v", err)
	}
	if got := p.NextInterval(); got != time.Minute {
		t.Errorf("after success NextInterval() = %v, want 1m", got)
	}
	if s := p.Stats(); s.ConsecutiveFailures != 0 || s.Failures != 2 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRetryAfterStretchesBackoff(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected time.Duration
	}{
		{
			name:     "plain_failure",
			err:      errors.New("timeout"),
			expected: 2 * time.Minute,
		},
		{
			name:     "shorter_than_backoff",
			err:      &netatmo.APIError{Status: 429, RetryAfter: 30 * time.Second},
			expected: 2 * time.Minute,
		},
		{
			name:     "longer_than_backoff",
			err:      fmt.Errorf("homesdata: %w", &netatmo.APIError{Status: 429, RetryAfter: 8 * time.Minute}),
			expected: 8 * time.Minute,
		},
		{
			name:     "capped_at_max",
			err:      &netatmo.APIError{Status: 429, RetryAfter: time.Hour},
			expected: 10 * time.Minute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := &fakeFetcher{errs: []error{tt.err}}
			p, _, _ := newTestPoller(Config{Interval: time.Minute, MaxInterval: 10 * time.Minute, BackoffFactor: 2}, fetcher)

			_ = p.PollOnce(context.Background())
			if got := p.NextInterval(); got != tt.expected {
				t.Errorf("NextInterval() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestNoteWebhookShortensInterval(t *testing.T) {
	p, _, _ := newTestPoller(Config{Interval: time.Minute, MinInterval: 30 * time.Second}, &fakeFetcher{})

	p.NoteWebhook()
	if got := p.NextInterval(); got != 30*time.Second {
		t.Errorf("NextInterval() = %v, want 30s", got)
	}
	if s := p.Stats(); !s.WebhookActive || s.Webhooks != 1 {
		t.Errorf("Stats() = %+v", s)
	}
}

func TestRunPollsImmediatelyAndOnTrigger(t *testing.T) {
	fetcher := &fakeFetcher{}
	p, _, _ := newTestPoller(Config{Interval: time.Hour}, fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool { return fetcher.callCount() == 1 })
	p.Trigger()
	waitFor(t, func() bool { return fetcher.callCount() == 2 })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run() did not stop")
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached in time")
		}
		time.Sleep(time.Millisecond)
	}
}
