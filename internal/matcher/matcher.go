package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-coordination/internal/models"
	"github.com/example/ride-coordination/internal/observability"
)

// ErrNoCaptainAvailable is terminal for one match attempt: every candidate
// was tried and the time budget ran out. The ride stays searching; the sweep
// decides whether to retry or auto-cancel.
var ErrNoCaptainAvailable = errors.New("no captain available")

// Pool is the candidate-query and reservation surface of the geo store.
type Pool interface {
	Nearby(vt models.VehicleType, origin models.Coord, radiusMeters float64, limit int) []models.Captain
	Reserve(captainID, rideID string) bool
	Release(captainID string)
}

// RideEngine is what the matcher needs from the state machine.
type RideEngine interface {
	Accept(ctx context.Context, rideID string, captain models.Captain) error
	CancelRide(ctx context.Context, rideID, actor, reason string) error
}

// Lister feeds the sweep with rides still waiting for a captain.
type Lister interface {
	ListByStatus(status models.RideStatus) ([]*models.Ride, error)
}

type Config struct {
	RadiusMeters  float64
	PageSize      int
	MaxRounds     int
	Backoff       time.Duration
	SweepInterval time.Duration
	MaxSearchWait time.Duration
}

func (c *Config) defaults() {
	if c.RadiusMeters <= 0 {
		c.RadiusMeters = 5000
	}
	if c.PageSize <= 0 {
		c.PageSize = 8
	}
	if c.MaxRounds <= 0 {
		c.MaxRounds = 3
	}
	if c.Backoff <= 0 {
		c.Backoff = 2 * time.Second
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 10 * time.Second
	}
	if c.MaxSearchWait <= 0 {
		c.MaxSearchWait = 5 * time.Minute
	}
}

// Service selects and reserves one captain for one ride request. The
// reservation is a conditional write in the pool, so concurrent matches
// racing for the same captain resolve to exactly one winner.
type Service struct {
	Pool   Pool
	Rides  RideEngine
	Lister Lister
	Logger *slog.Logger
	Cfg    Config
}

func New(pool Pool, rides RideEngine, lister Lister, logger *slog.Logger, cfg Config) *Service {
	cfg.defaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{Pool: pool, Rides: rides, Lister: lister, Logger: logger, Cfg: cfg}
}

// Match walks candidates closest-first, widening the page each round, and
// backs off between rounds. A reservation lost to a concurrent match is
// never surfaced; the next candidate is tried instead.
func (s *Service) Match(ctx context.Context, r *models.Ride) (string, error) {
	started := time.Now()
	defer func() { observability.MatchLatency.Observe(time.Since(started).Seconds()) }()

	tried := make(map[string]bool)
	for round := 0; round < s.Cfg.MaxRounds; round++ {
		if round > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(s.Cfg.Backoff):
			}
		}
		cands := s.Pool.Nearby(r.VehicleType, r.Pickup.Loc, s.Cfg.RadiusMeters, s.Cfg.PageSize*(round+1))
		for _, c := range cands {
			if tried[c.ID] {
				continue
			}
			tried[c.ID] = true
			observability.MatchAttempts.Inc()
			if !s.Pool.Reserve(c.ID, r.ID) {
				// lost to a concurrent match; transient by definition
				observability.ReservationConflicts.Inc()
				continue
			}
			if err := s.Rides.Accept(ctx, r.ID, c); err != nil {
				s.Pool.Release(c.ID)
				s.Logger.Warn("accept after reservation failed", "ride_id", r.ID, "captain_id", c.ID, "error", err)
				return "", fmt.Errorf("accept ride: %w", err)
			}
			observability.MatchesTotal.Inc()
			s.Logger.Info("matched", "ride_id", r.ID, "captain_id", c.ID, "round", round)
			return c.ID, nil
		}
	}
	return "", ErrNoCaptainAvailable
}

// RunSweep periodically retries searching rides and auto-cancels the ones
// past the maximum wait. One ride's failure never blocks the others.
func (s *Service) RunSweep(ctx context.Context) {
	ticker := time.NewTicker(s.Cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Service) sweepOnce(ctx context.Context) {
	rides, err := s.Lister.ListByStatus(models.StatusSearching)
	if err != nil {
		s.Logger.Error("sweep list failed", "error", err)
		return
	}
	for _, r := range rides {
		if time.Since(r.RequestedAt) > s.Cfg.MaxSearchWait {
			if err := s.Rides.CancelRide(ctx, r.ID, "system", "no_captain_available"); err != nil {
				s.Logger.Warn("auto-cancel failed", "ride_id", r.ID, "error", err)
				continue
			}
			observability.NoCaptainCancels.Inc()
			continue
		}
		if _, err := s.Match(ctx, r); err != nil && !errors.Is(err, ErrNoCaptainAvailable) && !errors.Is(err, context.Canceled) {
			s.Logger.Warn("sweep match failed", "ride_id", r.ID, "error", err)
		}
	}
}
