package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/eta"
	"github.com/example/ride-coordination/internal/fanout"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/ledger"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/matcher"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/ride"
	"github.com/example/ride-coordination/internal/storage"
)

type fixedRoute struct{}

func (fixedRoute) Route(from, to models.Coord) (eta.Route, error) {
	return eta.Route{DistanceMeters: 8400, DurationSeconds: 1320}, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := logging.NewLogger("error")
	bus := fanout.NewBus()
	locations := geo.NewStore()
	locations.SetFanout(bus)
	hist := geo.NewMemoryHistory()
	locations.SetHistory(hist)
	store := storage.NewMemoryStore()
	led := ledger.NewMemoryLedger()

	engine := ride.New(store, led, locations, bus, ride.Config{Currency: "INR"})
	engine.Route = fixedRoute{}
	engine.Logger = logger

	m := matcher.New(locations, engine, store, logger, matcher.Config{
		MaxRounds: 2,
		Backoff:   time.Millisecond,
	})

	s := &Server{
		Engine:    engine,
		Matcher:   m,
		Locations: locations,
		Ledger:    led,
		Bus:       bus,
		WS:        dispatch.NewRegistry(logger),
		Trail:     memTrail{hist},
		currency:  "INR",
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.WS.ETA = s.etaSeconds
	s.registerMiddleware()
	s.routes()
	return s
}

func doJSON(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func decodeRide(t *testing.T, w *httptest.ResponseRecorder) *models.Ride {
	t.Helper()
	var r models.Ride
	if err := json.Unmarshal(w.Body.Bytes(), &r); err != nil {
		t.Fatalf("decode ride: %v (body %s)", err, w.Body.String())
	}
	return &r
}

func rideRequestBody() models.RideRequest {
	return models.RideRequest{
		RiderID:     "r1",
		Pickup:      models.Address{Label: "home", Loc: models.Coord{Lat: 12.90, Lon: 77.60}},
		Destination: models.Address{Label: "office", Loc: models.Coord{Lat: 12.97, Lon: 77.59}},
		VehicleType: "bike",
		Payment:     "cash",
	}
}

func waitForStatus(t *testing.T, srv *Server, rideID string, want models.RideStatus) *models.Ride {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w := doJSON(t, srv, "GET", "/api/v1/rides/"+rideID, nil)
		if w.Code == http.StatusOK {
			r := decodeRide(t, w)
			if r.Status == want {
				return r
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ride %s never reached %s", rideID, want)
	return nil
}

func TestRideRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	body := rideRequestBody()
	body.VehicleType = "rocket"
	if w := doJSON(t, srv, "POST", "/api/v1/rides/request", body); w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
}

func TestRideRequestNoCaptainsStaysSearching(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, "POST", "/api/v1/rides/request", rideRequestBody())
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	r := decodeRide(t, w)
	if r.Status != models.StatusSearching {
		t.Fatalf("status = %s", r.Status)
	}
	if r.Fare.Total <= 0 {
		t.Fatalf("no upfront estimate: %+v", r.Fare)
	}
	if w := doJSON(t, srv, "GET", "/api/v1/rides/"+r.ID+"/otp", nil); w.Code != http.StatusConflict {
		t.Fatalf("otp before match: status = %d", w.Code)
	}
}

func TestCaptainLocationIngest(t *testing.T) {
	srv := newTestServer(t)
	u := models.LocationUpdate{CaptainID: "c1", VehicleType: models.VehicleBike, Loc: models.Coord{Lat: 12.901, Lon: 77.60}, Online: true}
	if w := doJSON(t, srv, "POST", "/internal/captain/locations", u); w.Code != http.StatusNoContent {
		t.Fatalf("status = %d", w.Code)
	}
	if c, ok := srv.Locations.Get("c1"); !ok || !c.Online {
		t.Fatalf("captain not ingested: %+v", c)
	}

	u.CaptainID = ""
	if w := doJSON(t, srv, "POST", "/internal/captain/locations", u); w.Code != http.StatusBadRequest {
		t.Fatalf("missing id accepted: status = %d", w.Code)
	}
}

func TestFullRideLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, "POST", "/internal/captain/locations", models.LocationUpdate{
		CaptainID: "c1", VehicleType: models.VehicleBike,
		Loc: models.Coord{Lat: 12.901, Lon: 77.60}, Online: true,
	})

	w := doJSON(t, srv, "POST", "/api/v1/rides/request", rideRequestBody())
	if w.Code != http.StatusAccepted {
		t.Fatalf("request: status = %d, body %s", w.Code, w.Body.String())
	}
	r := decodeRide(t, w)
	r = waitForStatus(t, srv, r.ID, models.StatusAccepted)
	if r.CaptainID != "c1" {
		t.Fatalf("captain = %q", r.CaptainID)
	}

	w = doJSON(t, srv, "GET", "/api/v1/rides/"+r.ID+"/otp", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("otp: status = %d, body %s", w.Code, w.Body.String())
	}
	var otpResp map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &otpResp); err != nil {
		t.Fatalf("decode otp: %v", err)
	}

	if w := doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/arriving", nil); w.Code != http.StatusOK {
		t.Fatalf("arriving: status = %d", w.Code)
	}
	if w := doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/arrived", nil); w.Code != http.StatusOK {
		t.Fatalf("arrived: status = %d", w.Code)
	}

	wrong := "0000"
	if otpResp["otp"] == wrong {
		wrong = "0001"
	}
	if w := doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/start", map[string]string{"otp": wrong}); w.Code != http.StatusForbidden {
		t.Fatalf("wrong otp: status = %d", w.Code)
	}

	if w := doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/start", map[string]string{"otp": otpResp["otp"]}); w.Code != http.StatusOK {
		t.Fatalf("start: status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/complete", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("complete: status = %d, body %s", w.Code, w.Body.String())
	}
	done := decodeRide(t, w)
	if done.Status != models.StatusCompleted || done.Fare.CaptainEarnings <= 0 {
		t.Fatalf("completion wrong: %+v", done)
	}
	if c, _ := srv.Locations.Get("c1"); c.OnRide {
		t.Fatalf("captain not released: %+v", c)
	}

	if w := doJSON(t, srv, "POST", "/api/v1/rides/"+r.ID+"/rating", map[string]any{"rating": 5, "tip": 500}); w.Code != http.StatusOK {
		t.Fatalf("rating: status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/api/v1/captains/c1/earnings", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("earnings: status = %d", w.Code)
	}
	var sum ledger.EarningsSummary
	if err := json.Unmarshal(w.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode earnings: %v", err)
	}
	if sum.RideCount != 1 || sum.Tips != 500 {
		t.Fatalf("earnings summary wrong: %+v", sum)
	}
}

func TestWalletTopupAndWithdraw(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, "POST", "/api/v1/wallets/rider/r1/topup", map[string]int64{"amount": 10000})
	if w.Code != http.StatusOK {
		t.Fatalf("topup: status = %d, body %s", w.Code, w.Body.String())
	}
	var tx models.Transaction
	if err := json.Unmarshal(w.Body.Bytes(), &tx); err != nil {
		t.Fatalf("decode tx: %v", err)
	}
	if tx.BalanceAfter != 10000 {
		t.Fatalf("balance after topup = %d", tx.BalanceAfter)
	}

	if w := doJSON(t, srv, "POST", "/api/v1/wallets/rider/r1/topup", map[string]int64{"amount": -5}); w.Code != http.StatusBadRequest {
		t.Fatalf("negative topup: status = %d", w.Code)
	}

	if w := doJSON(t, srv, "POST", "/api/v1/captains/c1/withdraw", map[string]int64{"amount": 100}); w.Code != http.StatusPaymentRequired {
		t.Fatalf("withdraw from empty wallet: status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, srv, "GET", "/api/v1/wallets/rider/r1/transactions", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("transactions: status = %d", w.Code)
	}
}

func TestTopupIdempotencyHeader(t *testing.T) {
	srv := newTestServer(t)
	body, _ := json.Marshal(map[string]int64{"amount": 2500})
	for i := 0; i < 2; i++ {
		req := httptest.NewRequest("POST", "/api/v1/wallets/rider/r1/topup", bytes.NewReader(body))
		req.Header.Set("X-Idempotency-Key", "topup-1")
		w := httptest.NewRecorder()
		srv.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, body %s", i, w.Code, w.Body.String())
		}
	}
	wal := doJSON(t, srv, "GET", "/api/v1/wallets/rider/r1", nil)
	var got models.Wallet
	if err := json.Unmarshal(wal.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode wallet: %v", err)
	}
	if got.Balance != 2500 {
		t.Fatalf("retried topup double-posted: balance = %d", got.Balance)
	}
}

func TestCancelUnknownRide(t *testing.T) {
	srv := newTestServer(t)
	if w := doJSON(t, srv, "POST", "/api/v1/rides/ride_missing/cancel", map[string]string{"actor": "rider"}); w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/healthz", "/ready", "/metrics"} {
		w := doJSON(t, srv, "GET", path, nil)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", path, w.Code)
		}
	}
}

func TestTrailEndpoint(t *testing.T) {
	srv := newTestServer(t)
	doJSON(t, srv, "POST", "/internal/captain/locations", models.LocationUpdate{
		CaptainID: "c1", VehicleType: models.VehicleBike,
		Loc: models.Coord{Lat: 12.901, Lon: 77.60}, Online: true,
	})
	w := doJSON(t, srv, "POST", "/api/v1/rides/request", rideRequestBody())
	r := decodeRide(t, w)
	r = waitForStatus(t, srv, r.ID, models.StatusAccepted)

	// on-ride samples land in the trail
	for i := 0; i < 3; i++ {
		doJSON(t, srv, "POST", "/internal/captain/locations", models.LocationUpdate{
			CaptainID: "c1", VehicleType: models.VehicleBike,
			Loc: models.Coord{Lat: 12.901 + float64(i)*0.001, Lon: 77.60}, Online: true,
		})
	}
	w = doJSON(t, srv, "GET", fmt.Sprintf("/api/v1/rides/%s/trail", r.ID), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trail: status = %d", w.Code)
	}
	var resp struct {
		Trail []models.Captain `json:"trail"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode trail: %v", err)
	}
	if len(resp.Trail) != 3 {
		t.Fatalf("trail length = %d", len(resp.Trail))
	}
}
