package fare

import (
	"math"

	"github.com/example/ride-coordination/internal/models"
)

// Rates holds per-vehicle pricing in paise.
type Rates struct {
	Base   int64
	PerKm  int64
	PerMin int64
}

var rateTable = map[models.VehicleType]Rates{
	models.VehicleBike:  {Base: 2000, PerKm: 600, PerMin: 100},
	models.VehicleAuto:  {Base: 2500, PerKm: 900, PerMin: 150},
	models.VehicleSedan: {Base: 4500, PerKm: 1400, PerMin: 200},
}

// Estimate computes the fare breakdown for a trip. It is a pure function:
// identical inputs always produce the identical breakdown, so the rider-facing
// estimate and the final settlement can only diverge through the actual
// distance/duration delta. The surge factor applies to the distance and time
// components, never the base.
func Estimate(distanceKm, durationMin float64, vt models.VehicleType, surgeFactor float64) models.FareBreakdown {
	rates, ok := rateTable[vt]
	if !ok {
		rates = rateTable[models.VehicleBike]
	}
	if distanceKm < 0 {
		distanceKm = 0
	}
	if durationMin < 0 {
		durationMin = 0
	}
	if surgeFactor < 1 {
		surgeFactor = 1
	}

	distanceFare := round(float64(rates.PerKm) * distanceKm)
	timeFare := round(float64(rates.PerMin) * durationMin)
	surgeFare := round(float64(distanceFare+timeFare) * (surgeFactor - 1))

	b := models.FareBreakdown{
		Base:         rates.Base,
		DistanceFare: distanceFare,
		TimeFare:     timeFare,
		SurgeFare:    surgeFare,
	}
	b.Total = b.Base + b.DistanceFare + b.TimeFare + b.SurgeFare
	return b
}

func round(v float64) int64 { return int64(math.Round(v)) }
