package eventbus

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/thermd/internal/device"
)

// Default configuration
const (
	DefaultWorkerCount = 4
	DefaultQueueSize   = 100
)

// Handler receives ChangeSets. Handlers for one device see them in order.
type Handler func(device.ChangeSet)

type subscriber struct {
	id      uint64
	handler Handler
}

// Bus fans ChangeSets out to subscribers through a bounded worker pool.
// Each device hashes to one worker queue, which keeps per-device order.
type Bus struct {
	mu          sync.RWMutex
	subscribers []subscriber
	nextID      uint64

	// Worker pool, one queue per worker
	queues []chan device.ChangeSet
	wg     sync.WaitGroup

	// Shutdown signaling - closing this channel signals publishers to stop
	closing   chan struct{}
	closeOnce sync.Once
	sendMu    sync.RWMutex
}

// New creates a new event bus with default settings
func New() *Bus {
	return NewWithConfig(DefaultWorkerCount, DefaultQueueSize)
}

// NewWithConfig creates a new event bus with custom worker count and queue size
func NewWithConfig(workerCount, queueSize int) *Bus {
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	b := &Bus{
		queues:  make([]chan device.ChangeSet, workerCount),
		closing: make(chan struct{}),
	}

	for i := range b.queues {
		b.queues[i] = make(chan device.ChangeSet, queueSize)
		b.wg.Add(1)
		go b.worker(i)
	}

	log.Debug().Int("workers", workerCount).Int("queue_size", queueSize).Msg("Event bus worker pool started")
	return b
}

// worker delivers ChangeSets from its queue to every subscriber
func (b *Bus) worker(id int) {
	defer b.wg.Done()

	for cs := range b.queues[id] {
		b.mu.RLock()
		subs := b.subscribers
		b.mu.RUnlock()

		for _, s := range subs {
			b.deliver(id, s, cs)
		}
	}
}

func (b *Bus) deliver(worker int, s subscriber, cs device.ChangeSet) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Interface("panic", r).
				Str("device", cs.DeviceID).
				Int("worker", worker).
				Msg("Event handler panicked")
		}
	}()
	s.handler(cs)
}

// Subscribe registers a handler and returns a function that removes it.
func (b *Bus) Subscribe(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	// copy-on-write so workers can range over a stable slice
	subs := make([]subscriber, len(b.subscribers), len(b.subscribers)+1)
	copy(subs, b.subscribers)
	b.subscribers = append(subs, subscriber{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := make([]subscriber, 0, len(b.subscribers))
	for _, s := range b.subscribers {
		if s.id != id {
			subs = append(subs, s)
		}
	}
	b.subscribers = subs
}

// Publish queues a ChangeSet for delivery.
// Non-blocking: if the device's queue is full or the bus is closing, the
// ChangeSet is dropped.
func (b *Bus) Publish(cs device.ChangeSet) {
	b.sendMu.RLock()
	defer b.sendMu.RUnlock()

	select {
	case <-b.closing:
		log.Warn().Str("device", cs.DeviceID).Msg("Event bus closing, dropping change")
		return
	default:
	}

	select {
	case b.queues[b.shard(cs.DeviceID)] <- cs:
		published.Inc()
	default:
		dropped.Inc()
		log.Warn().
			Str("device", cs.DeviceID).
			Uint64("revision", cs.Device.Revision).
			Msg("Event bus queue full, dropping change")
	}
}

func (b *Bus) shard(deviceID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return int(h.Sum32() % uint32(len(b.queues)))
}

// Subscribers returns the number of registered handlers
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the worker pool gracefully.
// First signals publishers to stop, then closes the queues and waits for workers.
func (b *Bus) Close(ctx context.Context) {
	b.closeOnce.Do(func() {
		close(b.closing)

		// wait out in-flight Publish calls before closing the queues
		b.sendMu.Lock()
		for _, q := range b.queues {
			close(q)
		}
		b.sendMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Debug().Msg("Event bus workers stopped gracefully")
	case <-ctx.Done():
		log.Warn().Msg("Event bus shutdown timed out, some changes may be lost")
	}
}
