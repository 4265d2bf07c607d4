package ride

import (
	"errors"
	"fmt"

	"github.com/example/ride-coordination/internal/models"
)

var (
	// ErrValidation marks a malformed request rejected before touching state.
	ErrValidation = errors.New("validation error")
	// ErrInvalidTransition marks a state-machine contract violation; the ride
	// is left unchanged.
	ErrInvalidTransition = errors.New("invalid transition")
	// ErrOtpMismatch is returned when the submitted OTP does not match; the
	// ride stays arrived and the rider may retry.
	ErrOtpMismatch  = errors.New("otp mismatch")
	ErrRideNotFound = errors.New("ride not found")
)

// StatusError wraps a surfaced failure together with the ride's current
// authoritative status so the client can resynchronize.
type StatusError struct {
	Err    error
	Status models.RideStatus
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%v (ride status: %s)", e.Err, e.Status)
}

func (e *StatusError) Unwrap() error { return e.Err }

func statusErr(err error, status models.RideStatus) error {
	return &StatusError{Err: err, Status: status}
}
