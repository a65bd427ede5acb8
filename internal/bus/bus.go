// Package bus is the outbound event sink: supervisor state transitions,
// checkpoint and GC completions, reconciliation findings. Delivery is
// fire-and-forget; a slow subscriber loses events rather than slowing the
// publisher. Stream records never travel through here.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"warden/internal/logging"
)

// Event kinds published by the core.
const (
	KindSessionState      = "session.state"
	KindSessionZombie     = "session.zombie"
	KindProcessOrphaned   = "process.orphaned"
	KindCheckpointCreated = "checkpoint.created"
	KindCheckpointRestore = "checkpoint.restored"
	KindGCCompleted       = "gc.completed"
	KindBinaryResolved    = "binary.resolved"
)

// Event is a small, self-describing record. Payload keys are stable per kind.
type Event struct {
	Kind      string         `json:"kind"`
	SessionID string         `json:"session_id,omitempty"`
	At        time.Time      `json:"at"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Bus fans events out to subscribers over bounded channels.
type Bus struct {
	mu      sync.RWMutex
	subs    map[*Subscription]struct{}
	closed  bool
	dropped atomic.Uint64
	logger  logging.Logger
}

// New builds an empty bus.
func New(logger logging.Logger) *Bus {
	return &Bus{
		subs:   make(map[*Subscription]struct{}),
		logger: logging.OrNop(logger),
	}
}

// Subscription is one receiver's bounded view of the bus.
type Subscription struct {
	C   <-chan Event
	ch  chan Event
	bus *Bus
}

// Subscribe registers a receiver with the given channel capacity.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{ch: make(chan Event, buffer), bus: b}
	sub.C = sub.ch

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(sub.ch)
		return sub
	}
	b.subs[sub] = struct{}{}
	return sub
}

// Close removes the subscription and closes its channel.
func (s *Subscription) Close() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if _, ok := s.bus.subs[s]; !ok {
		return
	}
	delete(s.bus.subs, s)
	close(s.ch)
}

// Publish delivers ev to every subscriber without blocking. Events dropped
// on full channels are counted and logged at debug level.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			b.logger.Debug("event %s dropped for slow subscriber", ev.Kind)
		}
	}
}

// Dropped reports how many events were lost to slow subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// Close tears the bus down. Pending buffered events remain readable until
// each subscriber drains its closed channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
}
