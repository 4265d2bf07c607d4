package geo

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-coordination/internal/models"
)

// RedisGeo mirrors captain presence into Redis GEO structures. It serves
// deployments where the ingest consumer runs as a separate process and the
// API reads candidates from Redis instead of local memory. Reservation stays
// with the in-memory Store; Redis only answers proximity reads.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(addr, password, key string) *RedisGeo {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return &RedisGeo{client: c, key: key}
}

func (r *RedisGeo) Upsert(u models.LocationUpdate) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _ = r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Longitude: u.Loc.Lon,
		Latitude:  u.Loc.Lat,
		Name:      u.CaptainID,
	}).Result()
	_ = r.client.HSet(ctx, metaKey(u.CaptainID), map[string]interface{}{
		"vehicle_type": u.VehicleType.String(),
		"online":       strconv.FormatBool(u.Online),
		"updated":      time.Now().UTC().Format(time.RFC3339Nano),
	}).Err()
}

func (r *RedisGeo) Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  origin.Lon,
			Latitude:   origin.Lat,
			Radius:     radiusMeters,
			RadiusUnit: "m",
			Sort:       "ASC",
			Count:      limit,
		},
		WithCoord: true,
		WithDist:  true,
	}).Result()
	if err != nil {
		return nil
	}
	out := make([]models.Captain, 0, len(res))
	for _, g := range res {
		c := models.Captain{ID: g.Name}
		c.Loc.Lat = g.Latitude
		c.Loc.Lon = g.Longitude
		m, err := r.client.HGetAll(ctx, metaKey(g.Name)).Result()
		if err != nil {
			continue
		}
		c.VehicleType = models.VehicleType(m["vehicle_type"])
		c.Online = m["online"] == "true"
		if ts, err := time.Parse(time.RFC3339Nano, m["updated"]); err == nil {
			c.Updated = ts
		}
		if !c.Online || c.VehicleType != vt {
			continue
		}
		out = append(out, c)
	}
	return out
}

func metaKey(id string) string { return "captain:meta:" + id }
