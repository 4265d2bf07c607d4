package geo

import "github.com/example/ride-coordination/internal/models"

// MirroredIndex fronts the local store with an external presence mirror.
// Reads are served from local memory; when the local store is cold (a fresh
// process after a restart, before captains have pinged again) candidates are
// recovered from the mirror and seeded back into the local store so the
// reservation CAS still runs in-process.
type MirroredIndex struct {
	Local  *Store
	Mirror Index
}

func (m *MirroredIndex) Upsert(u models.LocationUpdate) {
	m.Local.Upsert(u)
	m.Mirror.Upsert(u)
}

func (m *MirroredIndex) Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain {
	if got := m.Local.Nearby(vt, origin, radiusMeters, limit); len(got) > 0 {
		return got
	}
	for _, c := range m.Mirror.Nearby(vt, origin, radiusMeters, limit) {
		m.Local.Upsert(models.LocationUpdate{
			CaptainID:   c.ID,
			VehicleType: c.VehicleType,
			Loc:         c.Loc,
			Online:      c.Online,
		})
	}
	return m.Local.Nearby(vt, origin, radiusMeters, limit)
}

func (m *MirroredIndex) Reserve(captainID, rideID string) bool {
	return m.Local.Reserve(captainID, rideID)
}

func (m *MirroredIndex) Release(captainID string) { m.Local.Release(captainID) }
