package fare

import "time"

// EarningsPolicy maps a ride total to the captain's share. The platform fee
// schedule is deliberately pluggable; the engine never does this arithmetic
// inline.
type EarningsPolicy func(total int64) int64

// PercentEarnings keeps (100 - feePercent)% for the captain.
func PercentEarnings(feePercent int64) EarningsPolicy {
	return func(total int64) int64 {
		if total <= 0 {
			return 0
		}
		return total - total*feePercent/100
	}
}

// CancellationPolicy decides the fee owed by a rider who cancels, given how
// long the captain has been committed and how far they are from pickup.
// Cancelling from searching never carries a fee; that short-circuit lives in
// the state machine, not here.
type CancellationPolicy func(sinceAccept time.Duration, distanceToPickupKm float64) int64

// GraceCancellation waives the fee inside the grace window or once the
// captain is still far from pickup; otherwise charges a flat fee.
func GraceCancellation(grace time.Duration, farKm float64, fee int64) CancellationPolicy {
	return func(sinceAccept time.Duration, distanceToPickupKm float64) int64 {
		if sinceAccept <= grace {
			return 0
		}
		if farKm > 0 && distanceToPickupKm > farKm {
			return 0
		}
		return fee
	}
}
