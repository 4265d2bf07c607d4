package fare

import (
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

func TestEstimateDeterministic(t *testing.T) {
	a := Estimate(8.4, 22, models.VehicleAuto, 1.2)
	b := Estimate(8.4, 22, models.VehicleAuto, 1.2)
	if a != b {
		t.Fatalf("same inputs produced different breakdowns: %+v vs %+v", a, b)
	}
	if a.Total != a.Base+a.DistanceFare+a.TimeFare+a.SurgeFare {
		t.Fatalf("total is not the sum of components: %+v", a)
	}
	if a.SurgeFare <= 0 {
		t.Fatalf("surge 1.2 should add a positive surge component: %+v", a)
	}
}

func TestEstimateComponents(t *testing.T) {
	b := Estimate(10, 20, models.VehicleBike, 1.0)
	if b.Base != 2000 {
		t.Fatalf("base = %d", b.Base)
	}
	if b.DistanceFare != 6000 {
		t.Fatalf("distance fare = %d", b.DistanceFare)
	}
	if b.TimeFare != 2000 {
		t.Fatalf("time fare = %d", b.TimeFare)
	}
	if b.SurgeFare != 0 {
		t.Fatalf("no surge expected, got %d", b.SurgeFare)
	}
	if b.Total != 10000 {
		t.Fatalf("total = %d", b.Total)
	}
}

func TestEstimateClampsInputs(t *testing.T) {
	b := Estimate(-3, -5, models.VehicleAuto, 0.5)
	if b.DistanceFare != 0 || b.TimeFare != 0 || b.SurgeFare != 0 {
		t.Fatalf("negative inputs should clamp to zero: %+v", b)
	}
	if b.Total != b.Base {
		t.Fatalf("total should equal base: %+v", b)
	}
}

func TestPercentEarnings(t *testing.T) {
	p := PercentEarnings(20)
	if got := p(10000); got != 8000 {
		t.Fatalf("expected 8000, got %d", got)
	}
	if got := p(0); got != 0 {
		t.Fatalf("expected 0 for zero total, got %d", got)
	}
}

func TestGraceCancellation(t *testing.T) {
	p := GraceCancellation(2*time.Minute, 5.0, 3000)
	if got := p(time.Minute, 1.0); got != 0 {
		t.Fatalf("inside grace should be free, got %d", got)
	}
	if got := p(3*time.Minute, 4.8); got != 3000 {
		t.Fatalf("late cancel with close captain should charge, got %d", got)
	}
	if got := p(3*time.Minute, 9.0); got != 0 {
		t.Fatalf("captain far from pickup should waive, got %d", got)
	}
}
