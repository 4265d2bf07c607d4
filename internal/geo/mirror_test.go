package geo

import (
	"testing"

	"github.com/example/ride-coordination/internal/models"
)

// stubMirror stands in for the Redis mirror with a fixed candidate set.
type stubMirror struct {
	captains []models.Captain
	upserts  int
}

func (s *stubMirror) Upsert(models.LocationUpdate) { s.upserts++ }

func (s *stubMirror) Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain {
	out := make([]models.Captain, 0, len(s.captains))
	for _, c := range s.captains {
		if c.VehicleType == vt && c.Online {
			out = append(out, c)
		}
	}
	return out
}

func TestMirrorRecoversColdStore(t *testing.T) {
	local := NewStore()
	mirror := &stubMirror{captains: []models.Captain{
		{ID: "c1", VehicleType: models.VehicleAuto, Loc: models.Coord{Lat: 12.91, Lon: 77.60}, Online: true},
	}}
	idx := &MirroredIndex{Local: local, Mirror: mirror}

	got := idx.Nearby(models.VehicleAuto, models.Coord{Lat: 12.90, Lon: 77.60}, 5000, 10)
	if len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("cold read did not recover from mirror: %+v", got)
	}
	// recovery seeds the local store, so the reservation CAS works
	if !idx.Reserve("c1", "ride-1") {
		t.Fatal("reserve failed on recovered captain")
	}
	if again := idx.Nearby(models.VehicleAuto, models.Coord{Lat: 12.90, Lon: 77.60}, 5000, 10); len(again) != 0 {
		t.Fatalf("reserved captain still offered: %+v", again)
	}
	idx.Release("c1")
	if c, ok := local.Get("c1"); !ok || c.OnRide {
		t.Fatalf("release did not reach local store: %+v", c)
	}
}

func TestMirrorNotConsultedWhileWarm(t *testing.T) {
	local := NewStore()
	local.Upsert(models.LocationUpdate{CaptainID: "warm", VehicleType: models.VehicleAuto, Loc: models.Coord{Lat: 12.90, Lon: 77.60}, Online: true})
	mirror := &stubMirror{captains: []models.Captain{
		{ID: "stale", VehicleType: models.VehicleAuto, Loc: models.Coord{Lat: 12.90, Lon: 77.60}, Online: true},
	}}
	idx := &MirroredIndex{Local: local, Mirror: mirror}

	got := idx.Nearby(models.VehicleAuto, models.Coord{Lat: 12.90, Lon: 77.60}, 5000, 10)
	if len(got) != 1 || got[0].ID != "warm" {
		t.Fatalf("warm read must be served locally: %+v", got)
	}

	idx.Upsert(models.LocationUpdate{CaptainID: "warm", VehicleType: models.VehicleAuto, Loc: models.Coord{Lat: 12.91, Lon: 77.61}, Online: true})
	if mirror.upserts != 1 {
		t.Fatalf("writes must reach the mirror, got %d", mirror.upserts)
	}
}
