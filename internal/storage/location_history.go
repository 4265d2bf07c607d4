package storage

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/example/ride-coordination/internal/models"
)

// PostgresHistory appends on-ride location samples to the audit log. Writes
// are best-effort from the caller's point of view: a transient failure drops
// one sample, never blocks ingestion.
type PostgresHistory struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewPostgresHistory(db *sql.DB, logger *slog.Logger) *PostgresHistory {
	return &PostgresHistory{db: db, logger: logger}
}

func (h *PostgresHistory) AppendLocation(rideID string, c models.Captain) {
	_, err := h.db.Exec(`INSERT INTO ride_locations(ride_id, captain_id, lat, lon, heading, speed_mps, recorded_at)
		VALUES($1,$2,$3,$4,$5,$6,$7)`,
		rideID, c.ID, c.Loc.Lat, c.Loc.Lon, c.Heading, c.SpeedMps, time.Now().UTC())
	if err != nil {
		h.logger.Warn("location history append failed", "ride_id", rideID, "error", err)
	}
}

// Trail returns a ride's recorded samples in append order.
func (h *PostgresHistory) Trail(rideID string) ([]models.Captain, error) {
	rows, err := h.db.Query(`SELECT captain_id, lat, lon, heading, speed_mps, recorded_at
		FROM ride_locations WHERE ride_id=$1 ORDER BY recorded_at`, rideID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Captain
	for rows.Next() {
		var c models.Captain
		if err := rows.Scan(&c.ID, &c.Loc.Lat, &c.Loc.Lon, &c.Heading, &c.SpeedMps, &c.Updated); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
