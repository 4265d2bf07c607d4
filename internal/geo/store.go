package geo

import (
	"sort"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// LocationPublisher receives a live sample for every upsert of a captain who
// is currently on a ride.
type LocationPublisher interface {
	PublishLocation(rideID string, s models.LocationSample)
}

// HistorySink receives the same on-ride samples for the append-only audit log.
type HistorySink interface {
	AppendLocation(rideID string, c models.Captain)
}

// Store is the in-memory location store and geo index. It is the
// writer-of-record for captain presence and the authority for reservations.
// Upserts are last-write-wins by arrival order; client timestamps are ignored
// so no clock sync is needed.
type Store struct {
	mu       sync.RWMutex
	captains map[string]*models.Captain

	fanout  LocationPublisher // optional
	history HistorySink       // optional

	now func() time.Time
}

func NewStore() *Store {
	return &Store{captains: make(map[string]*models.Captain), now: time.Now}
}

// SetFanout attaches the pub/sub used for live location pushes.
func (s *Store) SetFanout(p LocationPublisher) { s.fanout = p }

// SetHistory attaches the ride-scoped location-history log.
func (s *Store) SetHistory(h HistorySink) { s.history = h }

// Upsert overwrites the captain's presence record unconditionally with the
// newest sample. Reservation state (OnRide/RideID) is owned by Reserve and
// Release and survives presence updates.
func (s *Store) Upsert(u models.LocationUpdate) {
	s.mu.Lock()
	c, ok := s.captains[u.CaptainID]
	if !ok {
		c = &models.Captain{ID: u.CaptainID}
		s.captains[u.CaptainID] = c
	}
	c.Loc = u.Loc
	c.Heading = u.Heading
	c.SpeedMps = u.SpeedMps
	c.AccuracyM = u.AccuracyM
	c.Online = u.Online
	if u.VehicleType != "" {
		c.VehicleType = u.VehicleType
	}
	c.Updated = s.now()
	snapshot := *c
	s.mu.Unlock()

	if !snapshot.OnRide {
		return
	}
	if s.history != nil {
		s.history.AppendLocation(snapshot.RideID, snapshot)
	}
	if s.fanout != nil {
		s.fanout.PublishLocation(snapshot.RideID, models.LocationSample{
			RideID:   snapshot.RideID,
			Loc:      snapshot.Loc,
			Heading:  snapshot.Heading,
			SpeedMps: snapshot.SpeedMps,
		})
	}
}

// Nearby returns online, not-on-ride captains of the requested type within
// radiusMeters, closest first. Ties break toward the fresher record.
func (s *Store) Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain {
	type cand struct {
		c    models.Captain
		dist float64
	}
	s.mu.RLock()
	arr := make([]cand, 0, len(s.captains))
	for _, c := range s.captains {
		if !c.Online || c.OnRide || c.VehicleType != vt {
			continue
		}
		d := Haversine(origin.Lat, origin.Lon, c.Loc.Lat, c.Loc.Lon)
		if d > radiusMeters {
			continue
		}
		arr = append(arr, cand{*c, d})
	}
	s.mu.RUnlock()

	sort.Slice(arr, func(i, j int) bool {
		if arr[i].dist != arr[j].dist {
			return arr[i].dist < arr[j].dist
		}
		return arr[i].c.Updated.After(arr[j].c.Updated)
	})
	if limit > 0 && len(arr) > limit {
		arr = arr[:limit]
	}
	out := make([]models.Captain, 0, len(arr))
	for _, a := range arr {
		out = append(out, a.c)
	}
	return out
}

// Reserve claims the captain for a ride if, and only if, they are online and
// not already claimed. This is the atomic reserve-if-unreserved write that
// keeps two concurrent matches from double-booking one captain.
func (s *Store) Reserve(captainID, rideID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.captains[captainID]
	if !ok || !c.Online || c.OnRide {
		return false
	}
	c.OnRide = true
	c.RideID = rideID
	return true
}

// Release returns the captain to the available pool. Called on ride
// completion, cancellation, and acceptance timeout.
func (s *Store) Release(captainID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.captains[captainID]; ok {
		c.OnRide = false
		c.RideID = ""
	}
}

// Get returns a snapshot of the captain's presence record.
func (s *Store) Get(captainID string) (models.Captain, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.captains[captainID]
	if !ok {
		return models.Captain{}, false
	}
	return *c, true
}

// OnlineCount reports how many captains currently have the online flag set.
func (s *Store) OnlineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.captains {
		if c.Online {
			n++
		}
	}
	return n
}
