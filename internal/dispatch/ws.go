package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/example/ride-coordination/internal/fanout"
	"github.com/example/ride-coordination/internal/models"
)

// Session wraps one websocket connection; the mutex serializes writers
// (lifecycle router and location pump share a rider connection).
type Session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewSession(conn *websocket.Conn) *Session { return &Session{conn: conn} }

func (s *Session) SendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

func (s *Session) Close() error { return s.conn.Close() }

// ETAFunc estimates seconds from a live position to the ride's current
// waypoint (pickup before start, destination after).
type ETAFunc func(rideID string, loc models.Coord) float64

// Registry holds connected rider sessions (keyed by ride id) and captain
// sessions (keyed by captain id).
type Registry struct {
	mu       sync.RWMutex
	riders   map[string]*Session
	captains map[string]*Session
	logger   *slog.Logger

	// ETA, when set, annotates outgoing location samples.
	ETA ETAFunc
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		riders:   make(map[string]*Session),
		captains: make(map[string]*Session),
		logger:   logger,
	}
}

func (r *Registry) AddRider(rideID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.riders[rideID] = s
}

func (r *Registry) RemoveRider(rideID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.riders, rideID)
}

func (r *Registry) AddCaptain(captainID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.captains[captainID] = s
}

func (r *Registry) RemoveCaptain(captainID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.captains, captainID)
}

func (r *Registry) rider(rideID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.riders[rideID]
	return s, ok
}

func (r *Registry) captain(captainID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.captains[captainID]
	return s, ok
}

// Route runs until ctx is cancelled, forwarding every lifecycle event to the
// ride's rider session and the assigned captain's session. Send failures are
// logged and the stale session dropped; delivery is at-least-once from the
// bus and consumers key on status.
func (r *Registry) Route(ctx context.Context, bus *fanout.Bus) {
	events, cancel := bus.Tap()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.deliver(ev)
		}
	}
}

func (r *Registry) deliver(ev models.RideEvent) {
	if s, ok := r.rider(ev.RideID); ok {
		if err := s.SendJSON(ev); err != nil {
			r.logger.Warn("rider ws send failed", "ride_id", ev.RideID, "error", err)
			r.RemoveRider(ev.RideID)
		}
	}
	if ev.CaptainID == "" {
		return
	}
	if s, ok := r.captain(ev.CaptainID); ok {
		if err := s.SendJSON(ev); err != nil {
			r.logger.Warn("captain ws send failed", "captain_id", ev.CaptainID, "error", err)
			r.RemoveCaptain(ev.CaptainID)
		}
	}
}

// PumpLocations forwards live location samples for one ride to its rider
// session until the subscription closes or a write fails.
func (r *Registry) PumpLocations(ctx context.Context, bus *fanout.Bus, rideID string, s *Session) {
	samples, cancel := bus.SubscribeLocation(rideID)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case sample, ok := <-samples:
			if !ok {
				return
			}
			if r.ETA != nil {
				sample.ETASeconds = r.ETA(sample.RideID, sample.Loc)
			}
			if err := s.SendJSON(sample); err != nil {
				return
			}
		}
	}
}
