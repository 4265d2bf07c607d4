package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-coordination/internal/config"
	"github.com/example/ride-coordination/internal/dispatch"
	"github.com/example/ride-coordination/internal/eta"
	"github.com/example/ride-coordination/internal/fanout"
	"github.com/example/ride-coordination/internal/fare"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/ingest"
	"github.com/example/ride-coordination/internal/ledger"
	"github.com/example/ride-coordination/internal/logging"
	"github.com/example/ride-coordination/internal/matcher"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/payments"
	"github.com/example/ride-coordination/internal/ride"
	"github.com/example/ride-coordination/internal/storage"
)

// TrailReader serves the recorded location trail of a ride.
type TrailReader interface {
	Trail(rideID string) ([]models.Captain, error)
}

type Server struct {
	Engine    *ride.Engine
	Matcher   *matcher.Service
	Locations *geo.Store
	Mirror    geo.Index // optional Redis mirror of captain presence
	Ledger    ledger.Ledger
	Kafka     *ingest.KafkaProducer
	Bus       *fanout.Bus
	WS        *dispatch.Registry
	Trail     TrailReader

	currency string
	ready    func(ctx context.Context) error
	logger   *slog.Logger
	mux      *mux.Router
}

// NewServerFromEnv wires the whole coordination stack from environment
// configuration, falling back to in-memory implementations where no external
// service is configured.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	bus := fanout.NewBus()
	locations := geo.NewStore()
	locations.SetFanout(bus)

	var (
		store storage.RideStore
		led   ledger.Ledger
		trail TrailReader
		ready func(ctx context.Context) error
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		pl, err := ledger.NewPostgresLedger(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		hist := storage.NewPostgresHistory(ps.DB(), logger)
		locations.SetHistory(hist)
		store, led, trail = ps, pl, hist
		ready = func(ctx context.Context) error { return ps.DB().PingContext(ctx) }
	} else {
		mh := geo.NewMemoryHistory()
		locations.SetHistory(mh)
		store = storage.NewMemoryStore()
		led = ledger.NewMemoryLedger()
		trail = memTrail{mh}
	}

	var mirror geo.Index
	if cfg.RedisAddr != "" {
		mirror = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	route := &eta.Cached{
		Cache:    eta.NewCache(cfg.ETACacheTTL),
		Fallback: eta.Fallback{SpeedMps: cfg.FallbackSpeedMps},
	}
	if cfg.OSRMBaseURL != "" {
		route.Inner = eta.NewOSRMClient(cfg.OSRMBaseURL)
	}

	engine := ride.New(store, led, locations, bus, ride.Config{
		AcceptTimeout: cfg.AcceptTimeout,
		MaxSearchWait: cfg.MaxSearchWait,
		Currency:      cfg.Currency,
	})
	engine.Route = route
	engine.Logger = logger
	engine.Earnings = fare.PercentEarnings(cfg.PlatformFeePercent)
	engine.Cancel = fare.GraceCancellation(cfg.CancelGrace, cfg.CancelFarKm, cfg.CancelFee)
	if cfg.StripeAPIKey != "" {
		engine.Gateway = payments.NewStripeGateway(cfg.StripeAPIKey)
	}

	// With a mirror configured the matcher reads through it, so presence
	// survives a restart of this process.
	var pool matcher.Pool = locations
	if mirror != nil {
		pool = &geo.MirroredIndex{Local: locations, Mirror: mirror}
	}
	m := matcher.New(pool, engine, store, logger, matcher.Config{
		RadiusMeters:  cfg.MatchRadiusMeters,
		PageSize:      cfg.MatchPageSize,
		MaxRounds:     cfg.MatchMaxRounds,
		Backoff:       cfg.MatchBackoff,
		SweepInterval: cfg.SweepInterval,
		MaxSearchWait: cfg.MaxSearchWait,
	})

	s := &Server{
		Engine:    engine,
		Matcher:   m,
		Locations: locations,
		Mirror:    mirror,
		Ledger:    led,
		Kafka:     kp,
		Bus:       bus,
		WS:        dispatch.NewRegistry(logger),
		Trail:     trail,
		currency:  cfg.Currency,
		ready:     ready,
		logger:    logger,
		mux:       mux.NewRouter(),
	}
	s.WS.ETA = s.etaSeconds
	s.registerMiddleware()
	s.routes()
	return s, nil
}

// etaSeconds estimates arrival at the ride's current waypoint: the pickup
// until the trip starts, the destination after.
func (s *Server) etaSeconds(rideID string, loc models.Coord) float64 {
	rd, err := s.Engine.Get(rideID)
	if err != nil {
		return 0
	}
	target := rd.Pickup.Loc
	if rd.Status == models.StatusStarted {
		target = rd.Destination.Loc
	}
	route, err := s.Engine.Route.Route(loc, target)
	if err != nil {
		return 0
	}
	return route.DurationSeconds
}

// Run starts the background loops: the matcher sweep and the websocket event
// router. It blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	go s.Matcher.RunSweep(ctx)
	s.WS.Route(ctx, s.Bus)
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/rides/request", s.handleRideRequest).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}", s.handleGetRide).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/otp", s.handleGetOTP).Methods("GET")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arriving", s.handleArriving).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/arrived", s.handleArrived).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/start", s.handleStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/rating", s.handleRating).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/{ride_id}/trail", s.handleTrail).Methods("GET")

	s.mux.HandleFunc("/api/v1/wallets/{kind}/{owner_id}", s.handleGetWallet).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{kind}/{owner_id}/transactions", s.handleTransactions).Methods("GET")
	s.mux.HandleFunc("/api/v1/wallets/{kind}/{owner_id}/topup", s.handleTopup).Methods("POST")
	s.mux.HandleFunc("/api/v1/captains/{captain_id}/withdraw", s.handleWithdraw).Methods("POST")
	s.mux.HandleFunc("/api/v1/captains/{captain_id}/earnings", s.handleEarnings).Methods("GET")

	s.mux.HandleFunc("/internal/captain/locations", s.handleCaptainLocation).Methods("POST")
	s.mux.HandleFunc("/internal/captains/{captain_id}/bonus", s.handleBonus).Methods("POST")

	s.mux.HandleFunc("/ws/rider/{ride_id}", s.handleRiderWS)
	s.mux.HandleFunc("/ws/captain/{captain_id}", s.handleCaptainWS)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleRideRequest(w http.ResponseWriter, r *http.Request) {
	var req models.RideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	created, err := s.Engine.Create(r.Context(), req)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	// Matching continues past this response; the rider follows progress over
	// the websocket. A failed attempt leaves the ride searching for the sweep.
	go func() {
		if _, err := s.Matcher.Match(context.Background(), created); err != nil && !errors.Is(err, matcher.ErrNoCaptainAvailable) {
			s.logger.Warn("initial match failed", "ride_id", created.ID, "error", err)
		}
	}()
	writeJSON(w, http.StatusAccepted, created)
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Engine.Get(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

// handleGetOTP lets the rider read the start code after a captain accepts.
// The code never travels in the ride payload itself.
func (s *Server) handleGetOTP(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Engine.Get(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	if rd.OTP == "" {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "no otp issued for ride in status " + rd.Status.String()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"ride_id": rd.ID, "otp": rd.OTP})
}

func (s *Server) handleArriving(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Engine.MarkArriving)
}

func (s *Server) handleArrived(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.Engine.MarkArrived)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	rideID := mux.Vars(r)["ride_id"]
	if err := fn(r.Context(), rideID); err != nil {
		s.writeErr(w, err)
		return
	}
	rd, err := s.Engine.Get(rideID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		OTP string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	if err := s.Engine.Start(r.Context(), rideID, body.OTP); err != nil {
		s.writeErr(w, err)
		return
	}
	rd, err := s.Engine.Get(rideID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	rd, err := s.Engine.Complete(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}
	if body.Actor == "" {
		body.Actor = "rider"
	}
	rideID := mux.Vars(r)["ride_id"]
	if err := s.Engine.CancelRide(r.Context(), rideID, body.Actor, body.Reason); err != nil {
		s.writeErr(w, err)
		return
	}
	rd, err := s.Engine.Get(rideID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleRating(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating  int    `json:"rating"`
		Comment string `json:"comment"`
		Tip     int64  `json:"tip"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	if err := s.Engine.RateAndTip(r.Context(), rideID, body.Rating, body.Comment, body.Tip); err != nil {
		s.writeErr(w, err)
		return
	}
	rd, err := s.Engine.Get(rideID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rd)
}

func (s *Server) handleTrail(w http.ResponseWriter, r *http.Request) {
	samples, err := s.Trail.Trail(mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride_id": mux.Vars(r)["ride_id"], "trail": samples})
}

func (s *Server) handleCaptainLocation(w http.ResponseWriter, r *http.Request) {
	var u models.LocationUpdate
	if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	if u.CaptainID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "captain_id is required"})
		return
	}
	s.ingestLocation(u)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ingestLocation(u models.LocationUpdate) {
	if s.Kafka != nil {
		if err := s.Kafka.PublishLocation(u); err != nil {
			s.logger.Warn("kafka publish failed", "captain_id", u.CaptainID, "error", err)
		}
	}
	s.Locations.Upsert(u)
	if s.Mirror != nil {
		s.Mirror.Upsert(u)
	}
	observability.CaptainsOnline.Set(float64(s.Locations.OnlineCount()))
}

func (s *Server) handleGetWallet(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseOwnerKind(mux.Vars(r)["kind"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be rider or captain"})
		return
	}
	wal, err := s.Ledger.EnsureWallet(r.Context(), mux.Vars(r)["owner_id"], kind, s.currency)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wal)
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseOwnerKind(mux.Vars(r)["kind"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be rider or captain"})
		return
	}
	walletID := ledger.WalletID(mux.Vars(r)["owner_id"], kind)
	txs, err := s.Ledger.History(r.Context(), walletID)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"wallet_id": walletID, "transactions": txs})
}

func (s *Server) handleTopup(w http.ResponseWriter, r *http.Request) {
	kind, ok := parseOwnerKind(mux.Vars(r)["kind"])
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "kind must be rider or captain"})
		return
	}
	s.postToWallet(w, r, mux.Vars(r)["owner_id"], kind, models.TxCredit, models.CategoryTopup)
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	s.postToWallet(w, r, mux.Vars(r)["captain_id"], models.OwnerCaptain, models.TxDebit, models.CategoryWithdrawal)
}

func (s *Server) handleBonus(w http.ResponseWriter, r *http.Request) {
	s.postToWallet(w, r, mux.Vars(r)["captain_id"], models.OwnerCaptain, models.TxCredit, models.CategoryBonus)
}

func (s *Server) postToWallet(w http.ResponseWriter, r *http.Request, ownerID string, kind models.OwnerKind, dir models.TxDirection, cat models.TxCategory) {
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errBody(err))
		return
	}
	if body.Amount <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}
	if _, err := s.Ledger.EnsureWallet(r.Context(), ownerID, kind, s.currency); err != nil {
		s.writeErr(w, err)
		return
	}
	tx, err := s.Ledger.Post(r.Context(), ledger.Posting{
		WalletID:       ledger.WalletID(ownerID, kind),
		Direction:      dir,
		Amount:         body.Amount,
		Category:       cat,
		IdempotencyKey: r.Header.Get("X-Idempotency-Key"),
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicatePosting) {
		s.writeErr(w, err)
		return
	}
	observability.PostingsTotal.WithLabelValues(string(cat)).Inc()
	writeJSON(w, http.StatusOK, tx)
}

func (s *Server) handleEarnings(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be RFC3339"})
			return
		}
		since = ts
	}
	sum, err := ledger.SummarizeEarnings(r.Context(), s.Ledger, mux.Vars(r)["captain_id"], since)
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, errBody(err))
			return
		}
	}
	w.WriteHeader(200)
	w.Write([]byte("ready"))
}

var upgrader = websocket.Upgrader{}

// handleRiderWS streams lifecycle events and live captain positions for one
// ride to the rider.
func (s *Server) handleRiderWS(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	if _, err := s.Engine.Get(rideID); err != nil {
		s.writeErr(w, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := dispatch.NewSession(conn)
	s.WS.AddRider(rideID, sess)

	ctx, cancel := context.WithCancel(r.Context())
	go s.WS.PumpLocations(ctx, s.Bus, rideID, sess)
	go func() {
		defer cancel()
		defer s.WS.RemoveRider(rideID)
		defer sess.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// handleCaptainWS registers the captain for event delivery and accepts
// location updates pushed over the same connection.
func (s *Server) handleCaptainWS(w http.ResponseWriter, r *http.Request) {
	captainID := mux.Vars(r)["captain_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	sess := dispatch.NewSession(conn)
	s.WS.AddCaptain(captainID, sess)

	go func() {
		defer s.WS.RemoveCaptain(captainID)
		defer sess.Close()
		for {
			var u models.LocationUpdate
			if err := conn.ReadJSON(&u); err != nil {
				return
			}
			u.CaptainID = captainID
			s.ingestLocation(u)
		}
	}()
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ride.ErrValidation),
		errors.Is(err, models.ErrInvalidVehicleType),
		errors.Is(err, models.ErrInvalidPaymentMethod):
		code = http.StatusBadRequest
	case errors.Is(err, ride.ErrRideNotFound), errors.Is(err, ledger.ErrWalletNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ride.ErrOtpMismatch):
		code = http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientFunds):
		code = http.StatusPaymentRequired
	case errors.Is(err, ride.ErrInvalidTransition):
		code = http.StatusConflict
	case errors.Is(err, matcher.ErrNoCaptainAvailable):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, errBody(err))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func errBody(err error) map[string]string { return map[string]string{"error": err.Error()} }

func parseOwnerKind(in string) (models.OwnerKind, bool) {
	switch models.OwnerKind(in) {
	case models.OwnerRider:
		return models.OwnerRider, true
	case models.OwnerCaptain:
		return models.OwnerCaptain, true
	}
	return "", false
}

// memTrail adapts the in-memory history to the error-returning reader.
type memTrail struct{ h *geo.MemoryHistory }

func (m memTrail) Trail(rideID string) ([]models.Captain, error) { return m.h.Trail(rideID), nil }

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
