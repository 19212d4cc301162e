package webhook

import (
	"sync"
	"time"
)

// Debouncer forwards every arrival to the next notifier and fires once per
// burst, a window after the first arrival of that burst.
type Debouncer struct {
	mu      sync.Mutex
	next    Notifier
	window  time.Duration
	timer   *time.Timer
	started bool
	count   int
	onFire  func(count int)
}

// NewDebouncer creates a Debouncer. next may be nil.
func NewDebouncer(window time.Duration, next Notifier, onFire func(count int)) *Debouncer {
	return &Debouncer{
		next:   next,
		window: window,
		onFire: onFire,
	}
}

// NoteWebhook records an arrival and starts the window if not already started
func (d *Debouncer) NoteWebhook() {
	if d.next != nil {
		d.next.NoteWebhook()
	}

	d.mu.Lock()
	d.count++
	if !d.started {
		d.timer = time.AfterFunc(d.window, d.fire)
		d.started = true
	}
	d.mu.Unlock()
}

func (d *Debouncer) fire() {
	d.mu.Lock()
	count := d.count
	d.count = 0
	d.started = false
	d.mu.Unlock()

	if count > 0 {
		d.onFire(count)
	}
}

// Close stops the timer
func (d *Debouncer) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
