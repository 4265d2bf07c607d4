package fanout

import (
	"testing"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

func TestLocationLatestWins(t *testing.T) {
	b := NewBus()
	ch, cancel := b.SubscribeLocation("ride1")
	defer cancel()

	// publish three samples without the subscriber draining; only the newest
	// should be readable
	for i := 1; i <= 3; i++ {
		b.PublishLocation("ride1", models.LocationSample{RideID: "ride1", Loc: models.Coord{Lat: float64(i)}})
	}
	select {
	case s := <-ch:
		if s.Loc.Lat != 3 {
			t.Fatalf("expected newest sample, got lat=%v", s.Loc.Lat)
		}
	default:
		t.Fatal("no sample delivered")
	}
	select {
	case s := <-ch:
		t.Fatalf("stale sample leaked: %+v", s)
	default:
	}
}

func TestLifecycleOrderPreserved(t *testing.T) {
	b := NewBus()
	ch, cancel := b.SubscribeLifecycle("ride1")
	defer cancel()

	statuses := []models.RideStatus{
		models.StatusSearching,
		models.StatusAccepted,
		models.StatusArriving,
		models.StatusArrived,
		models.StatusStarted,
		models.StatusCompleted,
	}
	for _, st := range statuses {
		b.PublishLifecycle("ride1", models.RideEvent{RideID: "ride1", Status: st, At: time.Now()})
	}
	for i, want := range statuses {
		select {
		case ev := <-ch:
			if ev.Status != want {
				t.Fatalf("event %d: expected %s, got %s", i, want, ev.Status)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestPublishToUnknownRideIsNoop(t *testing.T) {
	b := NewBus()
	b.PublishLocation("ghost", models.LocationSample{RideID: "ghost"})
	b.PublishLifecycle("ghost", models.RideEvent{RideID: "ghost", Status: models.StatusAccepted})
}

func TestIsolationAcrossRides(t *testing.T) {
	b := NewBus()
	ch1, cancel1 := b.SubscribeLifecycle("ride1")
	defer cancel1()
	ch2, cancel2 := b.SubscribeLifecycle("ride2")
	defer cancel2()

	b.PublishLifecycle("ride1", models.RideEvent{RideID: "ride1", Status: models.StatusAccepted})
	select {
	case ev := <-ch1:
		if ev.RideID != "ride1" {
			t.Fatalf("wrong ride: %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("ride1 event not delivered")
	}
	select {
	case ev := <-ch2:
		t.Fatalf("ride2 received foreign event: %+v", ev)
	default:
	}
}

func TestCloseRemovesTopic(t *testing.T) {
	b := NewBus()
	ch, _ := b.SubscribeLifecycle("ride1")
	b.Close("ride1")
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	// publishing after close must not panic
	b.PublishLifecycle("ride1", models.RideEvent{RideID: "ride1", Status: models.StatusCancelled})
}

func TestTapSeesAllRides(t *testing.T) {
	b := NewBus()
	tap, cancel := b.Tap()
	defer cancel()

	b.PublishLifecycle("ride1", models.RideEvent{RideID: "ride1", Status: models.StatusSearching})
	b.PublishLifecycle("ride2", models.RideEvent{RideID: "ride2", Status: models.StatusAccepted})

	seen := map[string]models.RideStatus{}
	for i := 0; i < 2; i++ {
		select {
		case ev := <-tap:
			seen[ev.RideID] = ev.Status
		case <-time.After(time.Second):
			t.Fatal("tap event missing")
		}
	}
	if seen["ride1"] != models.StatusSearching || seen["ride2"] != models.StatusAccepted {
		t.Fatalf("tap contents wrong: %v", seen)
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewBus()
	ch, cancel := b.SubscribeLocation("ride1")
	cancel()
	b.PublishLocation("ride1", models.LocationSample{RideID: "ride1"})
	select {
	case s := <-ch:
		t.Fatalf("cancelled subscriber received %+v", s)
	default:
	}
}
