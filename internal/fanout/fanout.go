package fanout

import (
	"sync"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// Bus is the pub/sub for per-ride topics. It is injected wherever events
// originate (location store, state machine) rather than reached through a
// shared global.
//
// Location samples are best-effort, at-most-once: a slow rider subscriber
// sees the newest sample and stale ones are silently superseded. Lifecycle
// events are delivered in per-ride order; consumers key on status and must
// tolerate duplicates.
type Bus struct {
	mu     sync.RWMutex
	topics map[string]*topic
	taps   []chan models.RideEvent
}

type topic struct {
	mu        sync.Mutex
	location  []chan models.LocationSample // cap 1, latest-wins
	lifecycle []chan models.RideEvent      // buffered, in-order
}

const lifecycleBuffer = 32

func NewBus() *Bus {
	return &Bus{topics: make(map[string]*topic)}
}

func (b *Bus) topicFor(rideID string, create bool) *topic {
	b.mu.RLock()
	t, ok := b.topics[rideID]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.topics[rideID]; ok {
		return t
	}
	t = &topic{}
	b.topics[rideID] = t
	return t
}

// SubscribeLocation registers the ride's rider for live captain positions.
// The returned cancel func must be called when the subscriber goes away.
func (b *Bus) SubscribeLocation(rideID string) (<-chan models.LocationSample, func()) {
	t := b.topicFor(rideID, true)
	ch := make(chan models.LocationSample, 1)
	t.mu.Lock()
	t.location = append(t.location, ch)
	t.mu.Unlock()
	return ch, func() { t.dropLocation(ch) }
}

// SubscribeLifecycle registers a rider or captain channel for ride
// transitions.
func (b *Bus) SubscribeLifecycle(rideID string) (<-chan models.RideEvent, func()) {
	t := b.topicFor(rideID, true)
	ch := make(chan models.RideEvent, lifecycleBuffer)
	t.mu.Lock()
	t.lifecycle = append(t.lifecycle, ch)
	t.mu.Unlock()
	return ch, func() { t.dropLifecycle(ch) }
}

// PublishLocation pushes the newest sample, displacing an unread older one.
func (b *Bus) PublishLocation(rideID string, s models.LocationSample) {
	t := b.topicFor(rideID, false)
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.location {
		// drain the stale sample, then place the fresh one
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- s:
		default:
		}
	}
}

// PublishLifecycle pushes a transition event to every subscriber of the ride
// and to every bus-wide tap. Publishing happens under the topic lock, so
// per-ride order is the order the transitions occurred. A subscriber that
// stops draining loses events past its buffer; that shows up in the
// dropped-events counter.
func (b *Bus) PublishLifecycle(rideID string, ev models.RideEvent) {
	if t := b.topicFor(rideID, false); t != nil {
		t.mu.Lock()
		for _, ch := range t.lifecycle {
			select {
			case ch <- ev:
			default:
				observability.FanoutDropped.Inc()
			}
		}
		t.mu.Unlock()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.taps {
		select {
		case ch <- ev:
		default:
			observability.FanoutDropped.Inc()
		}
	}
}

// Tap subscribes to lifecycle events across all rides. Used by the websocket
// layer to route events to connected rider and captain sessions.
func (b *Bus) Tap() (<-chan models.RideEvent, func()) {
	ch := make(chan models.RideEvent, 256)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, c := range b.taps {
			if c == ch {
				b.taps = append(b.taps[:i], b.taps[i+1:]...)
				return
			}
		}
	}
	return ch, cancel
}

// Close removes the ride's topic once the ride is terminal and all
// subscribers have disconnected.
func (b *Bus) Close(rideID string) {
	b.mu.Lock()
	t, ok := b.topics[rideID]
	delete(b.topics, rideID)
	b.mu.Unlock()
	if !ok {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, ch := range t.location {
		close(ch)
	}
	for _, ch := range t.lifecycle {
		close(ch)
	}
	t.location = nil
	t.lifecycle = nil
}

func (t *topic) dropLocation(target chan models.LocationSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.location {
		if ch == target {
			t.location = append(t.location[:i], t.location[i+1:]...)
			return
		}
	}
}

func (t *topic) dropLifecycle(target chan models.RideEvent) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, ch := range t.lifecycle {
		if ch == target {
			t.lifecycle = append(t.lifecycle[:i], t.lifecycle[i+1:]...)
			return
		}
	}
}
