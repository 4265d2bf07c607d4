package storage

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-coordination/internal/models"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// DB exposes the underlying handle so sibling stores (location history) can
// share the connection pool.
func (p *PostgresStore) DB() *sql.DB { return p.db }

const rideColumns = `id, rider_id, captain_id, pickup_label, pickup_lat, pickup_lon,
	dest_label, dest_lat, dest_lon, vehicle_type, payment_method, status,
	fare_base, fare_distance, fare_time, fare_surge, fare_tip, fare_total, fare_earnings,
	otp, requested_at, accepted_at, arriving_at, arrived_at, started_at, completed_at, cancelled_at,
	cancel_reason, cancellation_fee, payment_ref, settled, rating, comment, updated_at`

func (p *PostgresStore) SaveRide(r *models.Ride) error {
	_, err := p.db.Exec(`INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31,$32,$33,$34)`,
		rideArgs(r)...)
	return err
}

func (p *PostgresStore) UpdateRide(r *models.Ride) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := p.db.Exec(`UPDATE rides SET captain_id=$2, status=$3,
		fare_base=$4, fare_distance=$5, fare_time=$6, fare_surge=$7, fare_tip=$8, fare_total=$9, fare_earnings=$10,
		otp=$11, accepted_at=$12, arriving_at=$13, arrived_at=$14, started_at=$15, completed_at=$16, cancelled_at=$17,
		cancel_reason=$18, cancellation_fee=$19, payment_ref=$20, settled=$21, rating=$22, comment=$23, updated_at=$24
		WHERE id=$1`,
		r.ID, nullStr(r.CaptainID), string(r.Status),
		r.Fare.Base, r.Fare.DistanceFare, r.Fare.TimeFare, r.Fare.SurgeFare, r.Fare.Tip, r.Fare.Total, r.Fare.CaptainEarnings,
		nullStr(r.OTP), r.AcceptedAt, r.ArrivingAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelReason), r.CancellationFee, nullStr(r.PaymentRef), r.Settled, r.Rating, nullStr(r.Comment), r.UpdatedAt)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRideNotFound
	}
	return nil
}

func (p *PostgresStore) GetRide(id string) (*models.Ride, error) {
	row := p.db.QueryRow(`SELECT `+rideColumns+` FROM rides WHERE id=$1`, id)
	r, err := scanRide(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRideNotFound
	}
	return r, err
}

func (p *PostgresStore) ListByStatus(status models.RideStatus) ([]*models.Ride, error) {
	rows, err := p.db.Query(`SELECT `+rideColumns+` FROM rides WHERE status=$1 ORDER BY requested_at`, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	r := &models.Ride{}
	var captainID, otp, cancelReason, paymentRef, comment sql.NullString
	err := row.Scan(&r.ID, &r.RiderID, &captainID,
		&r.Pickup.Label, &r.Pickup.Loc.Lat, &r.Pickup.Loc.Lon,
		&r.Destination.Label, &r.Destination.Loc.Lat, &r.Destination.Loc.Lon,
		&r.VehicleType, &r.Payment, &r.Status,
		&r.Fare.Base, &r.Fare.DistanceFare, &r.Fare.TimeFare, &r.Fare.SurgeFare, &r.Fare.Tip, &r.Fare.Total, &r.Fare.CaptainEarnings,
		&otp, &r.RequestedAt, &r.AcceptedAt, &r.ArrivingAt, &r.ArrivedAt, &r.StartedAt, &r.CompletedAt, &r.CancelledAt,
		&cancelReason, &r.CancellationFee, &paymentRef, &r.Settled, &r.Rating, &comment, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	r.CaptainID = captainID.String
	r.OTP = otp.String
	r.CancelReason = cancelReason.String
	r.PaymentRef = paymentRef.String
	r.Comment = comment.String
	return r, nil
}

func rideArgs(r *models.Ride) []any {
	return []any{
		r.ID, r.RiderID, nullStr(r.CaptainID),
		r.Pickup.Label, r.Pickup.Loc.Lat, r.Pickup.Loc.Lon,
		r.Destination.Label, r.Destination.Loc.Lat, r.Destination.Loc.Lon,
		string(r.VehicleType), string(r.Payment), string(r.Status),
		r.Fare.Base, r.Fare.DistanceFare, r.Fare.TimeFare, r.Fare.SurgeFare, r.Fare.Tip, r.Fare.Total, r.Fare.CaptainEarnings,
		nullStr(r.OTP), r.RequestedAt, r.AcceptedAt, r.ArrivingAt, r.ArrivedAt, r.StartedAt, r.CompletedAt, r.CancelledAt,
		nullStr(r.CancelReason), r.CancellationFee, nullStr(r.PaymentRef), r.Settled, r.Rating, nullStr(r.Comment), r.UpdatedAt,
	}
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
