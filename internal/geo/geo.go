package geo

import (
	"math"

	"github.com/example/ride-coordination/internal/models"
)

// Index is the query surface the matcher and handlers need. An empty result
// from Nearby means "no capacity right now", never an error.
type Index interface {
	Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain
	Upsert(u models.LocationUpdate)
}

// Reserver is the conditional-write surface used during matching. Reserve
// succeeds only if the captain is currently online and unreserved; the two
// concurrent Match calls racing for one captain resolve here.
type Reserver interface {
	Reserve(captainID, rideID string) bool
	Release(captainID string)
}

// Haversine distance in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
