package eta

import (
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/models"
)

// Route is what the external routing service returns; the engine never
// computes routes itself.
type Route struct {
	DistanceMeters  float64
	DurationSeconds float64
}

// Client is the interface the matcher and state machine use for route
// lookups.
type Client interface {
	Route(from, to models.Coord) (Route, error)
}

// Fallback estimates a route on straight-line distance and a default speed.
// Used when no routing service is configured or it errors.
type Fallback struct {
	SpeedMps float64
}

func (f Fallback) Route(from, to models.Coord) (Route, error) {
	speed := f.SpeedMps
	if speed <= 0 {
		speed = 8.0 // ~28.8 km/h default city speed
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
	return Route{DistanceMeters: d, DurationSeconds: d / speed}, nil
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Client with the TTL cache and a fallback estimator so
// callers always get an answer.
type Cached struct {
	Inner    Client
	Cache    *Cache
	Fallback Fallback
}

func (c *Cached) Route(from, to models.Coord) (Route, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	if c.Inner != nil {
		if v, err := c.Inner.Route(from, to); err == nil {
			if c.Cache != nil {
				c.Cache.Set(from, to, v)
			}
			return v, nil
		}
	}
	return c.Fallback.Route(from, to)
}
