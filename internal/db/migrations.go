package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// Migrate creates the trip table if it doesn't exist. The statements are
// valid for both Postgres and SQLite.
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	log.Info().Int("statements", len(migrations)).Msg("database migrations applied")
	return nil
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS trip (
		vehicle_id  BIGINT NOT NULL,
		trip_id     BIGINT NOT NULL,
		route_id    BIGINT NOT NULL,
		direction   TEXT NOT NULL CHECK (direction IN ('Out', 'Back', 'Unknown')),
		service_key TEXT NOT NULL CHECK (service_key IN ('Weekday', 'Saturday', 'Sunday')),
		updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (vehicle_id, trip_id)
	)`,

	`CREATE INDEX IF NOT EXISTS trip_route_idx ON trip (route_id)`,
}
