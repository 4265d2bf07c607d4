package ride

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-coordination/internal/eta"
	"github.com/example/ride-coordination/internal/fanout"
	"github.com/example/ride-coordination/internal/fare"
	"github.com/example/ride-coordination/internal/geo"
	"github.com/example/ride-coordination/internal/ledger"
	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
	"github.com/example/ride-coordination/internal/payments"
	"github.com/example/ride-coordination/internal/storage"
)

// Config holds the engine's tunable timing and money knobs.
type Config struct {
	// AcceptTimeout is how long a matched captain has to start moving before
	// the reservation is released back to the pool.
	AcceptTimeout time.Duration
	// MaxSearchWait is how long a ride may sit in searching before it is
	// auto-cancelled with reason no_captain_available.
	MaxSearchWait time.Duration
	Currency      string
}

// FareFunc prices a trip. Pluggable so surge and rate experiments never touch
// transition code.
type FareFunc func(distanceKm, durationMin float64, vt models.VehicleType) models.FareBreakdown

// Engine owns the authoritative status of every ride and is the only writer
// of ride records. All transitions go through the per-ride lock table, post
// to the ledger with idempotency keys, and publish lifecycle events on the
// bus.
type Engine struct {
	store     storage.RideStore
	ledger    ledger.Ledger
	locations *geo.Store
	bus       *fanout.Bus

	// Optional collaborators, set before first use.
	Route    eta.Client
	Gateway  payments.Gateway
	Fare     FareFunc
	Earnings fare.EarningsPolicy
	Cancel   fare.CancellationPolicy
	Logger   *slog.Logger

	cfg   Config
	locks *lockTable
	now   func() time.Time
}

func New(store storage.RideStore, led ledger.Ledger, locations *geo.Store, bus *fanout.Bus, cfg Config) *Engine {
	if cfg.AcceptTimeout <= 0 {
		cfg.AcceptTimeout = 30 * time.Second
	}
	if cfg.MaxSearchWait <= 0 {
		cfg.MaxSearchWait = 5 * time.Minute
	}
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	return &Engine{
		store:     store,
		ledger:    led,
		locations: locations,
		bus:       bus,
		Route:     eta.Fallback{},
		Fare:      defaultFare,
		Earnings:  fare.PercentEarnings(20),
		Cancel:    fare.GraceCancellation(2*time.Minute, 5.0, 3000),
		Logger:    slog.Default(),
		cfg:       cfg,
		locks:     newLockTable(),
		now:       time.Now,
	}
}

func defaultFare(distanceKm, durationMin float64, vt models.VehicleType) models.FareBreakdown {
	return fare.Estimate(distanceKm, durationMin, vt, 1.0)
}

// Create validates a booking request and persists a new ride in searching.
// Matching is kicked off by the caller; the sweep retries until a captain is
// found or MaxSearchWait passes.
func (e *Engine) Create(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.RiderID == "" {
		return nil, fmt.Errorf("%w: rider_id is required", ErrValidation)
	}
	vt, err := models.ParseVehicleType(req.VehicleType)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	pm, err := models.ParsePaymentMethod(req.Payment)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if req.Pickup.Loc == req.Destination.Loc {
		return nil, fmt.Errorf("%w: pickup and destination are the same point", ErrValidation)
	}

	if _, err := e.ledger.EnsureWallet(ctx, req.RiderID, models.OwnerRider, e.cfg.Currency); err != nil {
		return nil, fmt.Errorf("ensure rider wallet: %w", err)
	}

	now := e.now().UTC()
	r := &models.Ride{
		ID:          newRideID(),
		RiderID:     req.RiderID,
		Pickup:      req.Pickup,
		Destination: req.Destination,
		VehicleType: vt,
		Payment:     pm,
		Status:      models.StatusSearching,
		RequestedAt: now,
		UpdatedAt:   now,
	}
	// Upfront estimate for the rider; settlement re-prices with the actual
	// route, so any divergence is purely the distance/duration delta.
	if route, err := e.Route.Route(req.Pickup.Loc, req.Destination.Loc); err == nil {
		r.Fare = e.Fare(route.DistanceMeters/1000, route.DurationSeconds/60, vt)
	}
	if err := e.store.SaveRide(r); err != nil {
		return nil, fmt.Errorf("save ride: %w", err)
	}
	e.publish(r, "")
	return r, nil
}

// Accept binds a reserved captain to the ride and issues the OTP. The caller
// (the matching engine) must already hold the captain reservation; Accept
// failing means the caller releases it.
func (e *Engine) Accept(ctx context.Context, rideID string, captain models.Captain) error {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransitionTo(models.StatusAccepted) {
		return e.invalid(r, models.StatusAccepted)
	}

	now := e.now().UTC()
	r.CaptainID = captain.ID
	r.OTP = newOTP()
	r.AcceptedAt = &now
	r.Status = models.StatusAccepted

	if r.Payment == models.PayCard && e.Gateway != nil {
		if ref, err := e.Gateway.Hold(ctx, r.Fare.Total, e.cfg.Currency, r.RiderID); err == nil {
			r.PaymentRef = ref
		} else {
			e.Logger.Warn("card hold failed, will settle as cash", "ride_id", r.ID, "error", err)
		}
	}

	if err := e.store.UpdateRide(r); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	e.publish(r, "")

	acceptedAt := *r.AcceptedAt
	time.AfterFunc(e.cfg.AcceptTimeout, func() {
		e.expireAcceptance(rideID, captain.ID, acceptedAt)
	})
	return nil
}

// MarkArriving records that the captain is en route to pickup.
func (e *Engine) MarkArriving(ctx context.Context, rideID string) error {
	return e.simpleTransition(rideID, models.StatusArriving)
}

// MarkArrived records captain arrival at the pickup point.
func (e *Engine) MarkArrived(ctx context.Context, rideID string) error {
	return e.simpleTransition(rideID, models.StatusArrived)
}

func (e *Engine) simpleTransition(rideID string, next models.RideStatus) error {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransitionTo(next) {
		return e.invalid(r, next)
	}
	now := e.now().UTC()
	switch next {
	case models.StatusArriving:
		r.ArrivingAt = &now
	case models.StatusArrived:
		r.ArrivedAt = &now
	}
	r.Status = next
	if err := e.store.UpdateRide(r); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	e.publish(r, "")
	return nil
}

// Start verifies the rider-supplied OTP and begins the trip. The stored code
// is cleared on success and cannot be replayed.
func (e *Engine) Start(ctx context.Context, rideID, otp string) error {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransitionTo(models.StatusStarted) {
		return e.invalid(r, models.StatusStarted)
	}
	if !otpEqual(r.OTP, otp) {
		return statusErr(ErrOtpMismatch, r.Status)
	}
	now := e.now().UTC()
	r.OTP = ""
	r.StartedAt = &now
	r.Status = models.StatusStarted
	if err := e.store.UpdateRide(r); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	e.publish(r, "")
	return nil
}

// Complete settles the ride: final fare from the actual route, a rider debit
// (wallet), card capture, or cash collection, and the captain's earnings
// credit. Idempotency keys make a retried completion a no-op after the first
// success; calling Complete on an already settled ride succeeds without
// posting.
func (e *Engine) Complete(ctx context.Context, rideID string) (*models.Ride, error) {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return nil, err
	}
	if r.Status == models.StatusCompleted && r.Settled {
		return r, nil
	}
	if !r.Status.CanTransitionTo(models.StatusCompleted) {
		return nil, e.invalid(r, models.StatusCompleted)
	}

	route, err := e.Route.Route(r.Pickup.Loc, r.Destination.Loc)
	if err != nil {
		return nil, fmt.Errorf("route lookup: %w", err)
	}
	breakdown := e.Fare(route.DistanceMeters/1000, route.DurationSeconds/60, r.VehicleType)
	breakdown.Tip = r.Fare.Tip
	breakdown.Total += breakdown.Tip
	breakdown.CaptainEarnings = e.Earnings(breakdown.Total)

	if err := e.settle(ctx, r, breakdown); err != nil {
		return nil, err
	}

	now := e.now().UTC()
	r.Fare = breakdown
	r.Settled = true
	r.CompletedAt = &now
	r.Status = models.StatusCompleted
	if err := e.store.UpdateRide(r); err != nil {
		return nil, fmt.Errorf("update ride: %w", err)
	}
	if e.locations != nil && r.CaptainID != "" {
		e.locations.Release(r.CaptainID)
	}
	e.publish(r, "")
	e.finish(rideID)
	return r, nil
}

func (e *Engine) settle(ctx context.Context, r *models.Ride, b models.FareBreakdown) error {
	switch r.Payment {
	case models.PayWallet:
		_, err := e.ledger.Post(ctx, ledger.Posting{
			WalletID:       ledger.WalletID(r.RiderID, models.OwnerRider),
			Direction:      models.TxDebit,
			Amount:         b.Total,
			Category:       models.CategoryRidePayment,
			RideID:         r.ID,
			IdempotencyKey: r.ID + ":complete:payment",
		})
		if err != nil && !errors.Is(err, ledger.ErrDuplicatePosting) {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				// Surfaced so the client can prompt alternate settlement
				// (cash) and retry; the ride stays started.
				return statusErr(err, r.Status)
			}
			return fmt.Errorf("rider debit: %w", err)
		}
		observability.PostingsTotal.WithLabelValues(string(models.CategoryRidePayment)).Inc()
	case models.PayCard:
		if e.Gateway != nil && r.PaymentRef != "" {
			if err := e.Gateway.Capture(ctx, r.PaymentRef); err != nil {
				e.Logger.Warn("card capture failed, settling as cash", "ride_id", r.ID, "error", err)
			}
		}
	case models.PayCash:
		// cash collected by the captain; nothing to move for the rider
	}

	if _, err := e.ledger.EnsureWallet(ctx, r.CaptainID, models.OwnerCaptain, e.cfg.Currency); err != nil {
		return fmt.Errorf("ensure captain wallet: %w", err)
	}
	_, err := e.ledger.Post(ctx, ledger.Posting{
		WalletID:       ledger.WalletID(r.CaptainID, models.OwnerCaptain),
		Direction:      models.TxCredit,
		Amount:         b.CaptainEarnings,
		Category:       models.CategoryRideEarnings,
		RideID:         r.ID,
		IdempotencyKey: r.ID + ":complete:earnings",
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicatePosting) {
		return fmt.Errorf("captain credit: %w", err)
	}
	observability.PostingsTotal.WithLabelValues(string(models.CategoryRideEarnings)).Inc()
	return nil
}

// CancelRide cancels from any non-terminal, non-started state. Cancelling
// after accept may charge the rider a fee in favor of the captain, decided by
// the cancellation policy from elapsed time and captain distance to pickup.
func (e *Engine) CancelRide(ctx context.Context, rideID, actor, reason string) error {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return err
	}
	if !r.Status.CanTransitionTo(models.StatusCancelled) {
		return e.invalid(r, models.StatusCancelled)
	}

	if r.Status != models.StatusSearching && actor == "rider" && r.AcceptedAt != nil {
		e.chargeCancellation(ctx, r)
	}
	if r.PaymentRef != "" && e.Gateway != nil {
		if err := e.Gateway.Cancel(ctx, r.PaymentRef); err != nil {
			e.Logger.Warn("card hold release failed", "ride_id", r.ID, "error", err)
		}
	}
	if e.locations != nil && r.CaptainID != "" {
		e.locations.Release(r.CaptainID)
	}

	now := e.now().UTC()
	r.CancelledAt = &now
	r.CancelReason = reason
	r.Status = models.StatusCancelled
	if err := e.store.UpdateRide(r); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	e.publish(r, reason)
	e.finish(rideID)
	return nil
}

func (e *Engine) chargeCancellation(ctx context.Context, r *models.Ride) {
	sinceAccept := e.now().Sub(*r.AcceptedAt)
	var distKm float64
	if e.locations != nil {
		if c, ok := e.locations.Get(r.CaptainID); ok {
			distKm = geo.Haversine(c.Loc.Lat, c.Loc.Lon, r.Pickup.Loc.Lat, r.Pickup.Loc.Lon) / 1000
		}
	}
	fee := e.Cancel(sinceAccept, distKm)
	if fee <= 0 {
		return
	}
	r.CancellationFee = fee

	_, err := e.ledger.Post(ctx, ledger.Posting{
		WalletID:       ledger.WalletID(r.RiderID, models.OwnerRider),
		Direction:      models.TxDebit,
		Amount:         fee,
		Category:       models.CategoryCancellationFee,
		RideID:         r.ID,
		IdempotencyKey: r.ID + ":cancel:fee",
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicatePosting) {
		// The cancellation itself must not be blocked by a fee we could not
		// collect; recoverable out of band.
		e.Logger.Warn("cancellation fee debit failed", "ride_id", r.ID, "error", err)
		return
	}
	if err == nil {
		observability.PostingsTotal.WithLabelValues(string(models.CategoryCancellationFee)).Inc()
	}
	if _, err := e.ledger.EnsureWallet(ctx, r.CaptainID, models.OwnerCaptain, e.cfg.Currency); err != nil {
		e.Logger.Warn("ensure captain wallet", "ride_id", r.ID, "error", err)
		return
	}
	_, err = e.ledger.Post(ctx, ledger.Posting{
		WalletID:       ledger.WalletID(r.CaptainID, models.OwnerCaptain),
		Direction:      models.TxCredit,
		Amount:         fee,
		Category:       models.CategoryCancellationFee,
		RideID:         r.ID,
		IdempotencyKey: r.ID + ":cancel:compensation",
	})
	if err != nil && !errors.Is(err, ledger.ErrDuplicatePosting) {
		e.Logger.Warn("cancellation fee credit failed", "ride_id", r.ID, "error", err)
		return
	}
	if err == nil {
		observability.PostingsTotal.WithLabelValues(string(models.CategoryCancellationFee)).Inc()
	}
}

// RateAndTip records the rider's rating and posts the tip, if any, as an
// extra credit to the captain.
func (e *Engine) RateAndTip(ctx context.Context, rideID string, rating int, comment string, tip int64) error {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusCompleted {
		return statusErr(ErrInvalidTransition, r.Status)
	}
	if rating < 1 || rating > 5 {
		return fmt.Errorf("%w: rating must be 1..5", ErrValidation)
	}
	if tip < 0 {
		return fmt.Errorf("%w: tip must not be negative", ErrValidation)
	}
	r.Rating = rating
	r.Comment = comment
	if tip > 0 {
		_, err := e.ledger.Post(ctx, ledger.Posting{
			WalletID:       ledger.WalletID(r.CaptainID, models.OwnerCaptain),
			Direction:      models.TxCredit,
			Amount:         tip,
			Category:       models.CategoryTip,
			RideID:         r.ID,
			IdempotencyKey: r.ID + ":tip",
		})
		switch {
		case err == nil:
			observability.PostingsTotal.WithLabelValues(string(models.CategoryTip)).Inc()
			r.Fare.Tip += tip
			r.Fare.Total += tip
		case errors.Is(err, ledger.ErrDuplicatePosting):
			// retried call: the wallet already holds the tip and the persisted
			// fare already counts it
		default:
			return fmt.Errorf("tip credit: %w", err)
		}
	}
	if err := e.store.UpdateRide(r); err != nil {
		return fmt.Errorf("update ride: %w", err)
	}
	return nil
}

// Get returns the ride's current authoritative state.
func (e *Engine) Get(rideID string) (*models.Ride, error) {
	return e.load(rideID)
}

// expireAcceptance releases a reservation whose captain never confirmed.
// Guarded by the accepted-at stamp so a ride that already moved on (or was
// re-accepted by a later match round) is left alone.
func (e *Engine) expireAcceptance(rideID, captainID string, acceptedAt time.Time) {
	unlock := e.locks.lock(rideID)
	defer unlock()

	r, err := e.load(rideID)
	if err != nil {
		return
	}
	if r.Status != models.StatusAccepted || r.CaptainID != captainID ||
		r.AcceptedAt == nil || !r.AcceptedAt.Equal(acceptedAt) {
		return
	}
	e.Logger.Info("acceptance timed out, releasing captain", "ride_id", rideID, "captain_id", captainID)
	if e.locations != nil {
		e.locations.Release(captainID)
	}
	r.CaptainID = ""
	r.OTP = ""
	r.Status = models.StatusSearching
	if err := e.store.UpdateRide(r); err != nil {
		e.Logger.Error("release update failed", "ride_id", rideID, "error", err)
		return
	}
	e.publish(r, "acceptance_timeout")
}

func (e *Engine) load(rideID string) (*models.Ride, error) {
	r, err := e.store.GetRide(rideID)
	if err != nil {
		if errors.Is(err, storage.ErrRideNotFound) {
			return nil, ErrRideNotFound
		}
		return nil, err
	}
	return r, nil
}

func (e *Engine) invalid(r *models.Ride, next models.RideStatus) error {
	observability.InvalidTransitions.Inc()
	return statusErr(fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.Status, next), r.Status)
}

func (e *Engine) publish(r *models.Ride, reason string) {
	observability.RideTransitions.WithLabelValues(string(r.Status)).Inc()
	e.bus.PublishLifecycle(r.ID, models.RideEvent{
		RideID:    r.ID,
		Status:    r.Status,
		CaptainID: r.CaptainID,
		Reason:    reason,
		At:        e.now().UTC(),
	})
}

// finish tears down per-ride state once the ride is terminal. The terminal
// event is already in subscriber buffers; closed channels still drain.
func (e *Engine) finish(rideID string) {
	e.locks.forget(rideID)
	e.bus.Close(rideID)
}

func newRideID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "ride_" + hex.EncodeToString(b)
}
