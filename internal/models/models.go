package models

import (
	"errors"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Address pairs a human-readable label with a coordinate.
type Address struct {
	Label string `json:"label"`
	Loc   Coord  `json:"loc"`
}

type VehicleType string

const (
	VehicleBike  VehicleType = "bike"
	VehicleAuto  VehicleType = "auto"
	VehicleSedan VehicleType = "sedan"
)

var ErrInvalidVehicleType = errors.New("invalid vehicle type")

func ParseVehicleType(in string) (VehicleType, error) {
	vt := VehicleType(strings.ToLower(strings.TrimSpace(in)))
	switch vt {
	case VehicleBike, VehicleAuto, VehicleSedan:
		return vt, nil
	}
	return "", ErrInvalidVehicleType
}

func (vt VehicleType) String() string { return string(vt) }

type PaymentMethod string

const (
	PayWallet PaymentMethod = "wallet"
	PayCash   PaymentMethod = "cash"
	PayCard   PaymentMethod = "card"
)

var ErrInvalidPaymentMethod = errors.New("invalid payment method")

func ParsePaymentMethod(in string) (PaymentMethod, error) {
	pm := PaymentMethod(strings.ToLower(strings.TrimSpace(in)))
	switch pm {
	case PayWallet, PayCash, PayCard:
		return pm, nil
	}
	return "", ErrInvalidPaymentMethod
}

type RideStatus string

const (
	StatusSearching RideStatus = "searching"
	StatusAccepted  RideStatus = "accepted"
	StatusArriving  RideStatus = "arriving"
	StatusArrived   RideStatus = "arrived"
	StatusStarted   RideStatus = "started"
	StatusCompleted RideStatus = "completed"
	StatusCancelled RideStatus = "cancelled"
)

func (s RideStatus) String() string { return string(s) }

// CanTransitionTo encodes the ride lifecycle table. Cancellation is reachable
// from every state except started and the two terminal states.
func (s RideStatus) CanTransitionTo(next RideStatus) bool {
	switch s {
	case StatusSearching:
		return next == StatusAccepted || next == StatusCancelled
	case StatusAccepted:
		return next == StatusArriving || next == StatusCancelled
	case StatusArriving:
		return next == StatusArrived || next == StatusCancelled
	case StatusArrived:
		return next == StatusStarted || next == StatusCancelled
	case StatusStarted:
		return next == StatusCompleted
	default:
		return false
	}
}

func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// FareBreakdown holds fare components in minor currency units (paise).
type FareBreakdown struct {
	Base            int64 `json:"base"`
	DistanceFare    int64 `json:"distance_fare"`
	TimeFare        int64 `json:"time_fare"`
	SurgeFare       int64 `json:"surge_fare"`
	Tip             int64 `json:"tip"`
	Total           int64 `json:"total"`
	CaptainEarnings int64 `json:"captain_earnings"`
}

type Ride struct {
	ID          string        `json:"id"`
	RiderID     string        `json:"rider_id"`
	CaptainID   string        `json:"captain_id,omitempty"` // empty until matched
	Pickup      Address       `json:"pickup"`
	Destination Address       `json:"destination"`
	VehicleType VehicleType   `json:"vehicle_type"`
	Payment     PaymentMethod `json:"payment_method"`
	Status      RideStatus    `json:"status"`
	Fare        FareBreakdown `json:"fare"`

	// OTP is issued at match and cleared when the ride starts.
	OTP string `json:"-"`

	RequestedAt time.Time  `json:"requested_at"`
	AcceptedAt  *time.Time `json:"accepted_at,omitempty"`
	ArrivingAt  *time.Time `json:"arriving_at,omitempty"`
	ArrivedAt   *time.Time `json:"arrived_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`

	CancelReason    string `json:"cancel_reason,omitempty"`
	CancellationFee int64  `json:"cancellation_fee,omitempty"`

	// PaymentRef holds the gateway hold/capture reference for card rides.
	PaymentRef string `json:"-"`

	// Settled flips once the completion (or cancellation-fee) postings have
	// been applied, so a retried call cannot double-post.
	Settled bool `json:"-"`

	Rating  int    `json:"rating,omitempty"`
	Comment string `json:"comment,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// Captain is the presence record owned by the location store. It is
// overwritten in place on every sample; only the latest value matters.
type Captain struct {
	ID          string      `json:"id"`
	VehicleType VehicleType `json:"vehicle_type"`
	Loc         Coord       `json:"loc"`
	Heading     float64     `json:"heading,omitempty"`
	SpeedMps    float64     `json:"speed_mps,omitempty"`
	AccuracyM   float64     `json:"accuracy_m,omitempty"`
	Online      bool        `json:"online"`
	OnRide      bool        `json:"on_ride"`
	RideID      string      `json:"ride_id,omitempty"`
	Updated     time.Time   `json:"updated"`
}

// LocationUpdate is the inbound presence sample from a captain device.
type LocationUpdate struct {
	CaptainID   string      `json:"captain_id"`
	VehicleType VehicleType `json:"vehicle_type"`
	Loc         Coord       `json:"loc"`
	Heading     float64     `json:"heading,omitempty"`
	SpeedMps    float64     `json:"speed_mps,omitempty"`
	AccuracyM   float64     `json:"accuracy_m,omitempty"`
	Online      bool        `json:"online"`
}

type RideRequest struct {
	RiderID     string  `json:"rider_id"`
	Pickup      Address `json:"pickup"`
	Destination Address `json:"destination"`
	VehicleType string  `json:"vehicle_type"`
	Payment     string  `json:"payment_method"`
}

type TxDirection string

const (
	TxCredit TxDirection = "credit"
	TxDebit  TxDirection = "debit"
)

type TxCategory string

const (
	CategoryRidePayment     TxCategory = "ride_payment"
	CategoryRideEarnings    TxCategory = "ride_earnings"
	CategoryTip             TxCategory = "tip"
	CategoryRefund          TxCategory = "refund"
	CategoryWithdrawal      TxCategory = "withdrawal"
	CategoryBonus           TxCategory = "bonus"
	CategoryCancellationFee TxCategory = "cancellation_fee"
	CategoryTopup           TxCategory = "topup"
)

type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

type OwnerKind string

const (
	OwnerRider   OwnerKind = "rider"
	OwnerCaptain OwnerKind = "captain"
)

type Wallet struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	OwnerKind OwnerKind `json:"owner_kind"`
	Balance   int64     `json:"balance"`
	Currency  string    `json:"currency"`
}

// Transaction is one append-only ledger entry. Nothing is mutated after
// creation except Status, which moves pending -> completed/failed once.
type Transaction struct {
	ID             string      `json:"id"`
	WalletID       string      `json:"wallet_id"`
	Direction      TxDirection `json:"direction"`
	Amount         int64       `json:"amount"` // always positive
	Category       TxCategory  `json:"category"`
	RideID         string      `json:"ride_id,omitempty"`
	BalanceAfter   int64       `json:"balance_after"`
	Status         TxStatus    `json:"status"`
	IdempotencyKey string      `json:"-"`
	CreatedAt      time.Time   `json:"created_at"`
}

// RideEvent is a lifecycle transition pushed to the ride's rider and captain
// channels. Consumers key on Status and must tolerate duplicates.
type RideEvent struct {
	RideID    string     `json:"ride_id"`
	Status    RideStatus `json:"status"`
	CaptainID string     `json:"captain_id,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	At        time.Time  `json:"at"`
}

// LocationSample is a live captain position pushed to the ride's rider channel.
type LocationSample struct {
	RideID     string  `json:"ride_id"`
	Loc        Coord   `json:"loc"`
	Heading    float64 `json:"heading,omitempty"`
	SpeedMps   float64 `json:"speed_mps,omitempty"`
	ETASeconds float64 `json:"eta_seconds,omitempty"`
}
