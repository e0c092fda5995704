package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"transit-ingest/internal/event"
	"transit-ingest/internal/persist"
)

const (
	DriverPostgres = "pgx"
	DriverSQLite   = "sqlite3"
)

func Open(driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported driver %q", driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite {
		// one connection so :memory: databases are shared and writers serialize
		db.SetMaxOpenConns(1)
		return db, nil
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

func Ping(ctx context.Context, db *sql.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Connect opens the store and retries the initial ping with exponential
// backoff until maxWait elapses.
func Connect(ctx context.Context, driver, dsn string, maxWait time.Duration) (*sql.DB, error) {
	db, err := Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxWait
	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		err := Ping(ctx, db)
		if err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Str("dsn", Redact(dsn)).Msg("database not reachable")
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("connect %s: %w", Redact(dsn), err)
	}
	return db, nil
}

const upsertTripSQL = `
INSERT INTO trip (vehicle_id, trip_id, route_id, direction, service_key, updated_at)
VALUES ($1, $2, $3, $4, $5, CURRENT_TIMESTAMP)
ON CONFLICT (vehicle_id, trip_id) DO UPDATE SET
  route_id = excluded.route_id,
  direction = excluded.direction,
  service_key = excluded.service_key,
  updated_at = excluded.updated_at`

// Store implements persist.Store over a database/sql handle.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) BeginTx(ctx context.Context) (persist.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &storeTx{tx: tx}, nil
}

// Ping reports store reachability for health checks.
func (s *Store) Ping(ctx context.Context) error {
	return Ping(ctx, s.db)
}

type storeTx struct {
	tx *sql.Tx
}

func (t *storeTx) UpsertTrip(ctx context.Context, rec event.Canonical) error {
	_, err := t.tx.ExecContext(ctx, upsertTripSQL,
		rec.VehicleID, rec.TripID, rec.RouteNumber, string(rec.Direction), string(rec.ServiceKey))
	return err
}

func (t *storeTx) Commit() error { return t.tx.Commit() }

func (t *storeTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

// TripRow is the persisted state for one (vehicle, trip) key.
type TripRow struct {
	Key        event.Key
	RouteID    int64
	Direction  event.Direction
	ServiceKey event.ServiceDay
}

// FetchTrip returns the stored row for key, or sql.ErrNoRows.
func FetchTrip(ctx context.Context, db *sql.DB, key event.Key) (TripRow, error) {
	q := `SELECT route_id, direction, service_key FROM trip WHERE vehicle_id = $1 AND trip_id = $2`
	row := TripRow{Key: key}
	var dir, svc string
	if err := db.QueryRowContext(ctx, q, key.VehicleID, key.TripID).Scan(&row.RouteID, &dir, &svc); err != nil {
		return TripRow{}, err
	}
	row.Direction = event.Direction(dir)
	row.ServiceKey = event.ServiceDay(svc)
	return row, nil
}

// CountTrips returns the number of trip rows.
func CountTrips(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM trip`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count trips: %w", err)
	}
	return n, nil
}
