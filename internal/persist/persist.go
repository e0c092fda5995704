package persist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"transit-ingest/internal/event"
)

var ErrEmptyBatch = errors.New("persist: empty record sequence")

// Store opens transactional scopes against the trip row store.
type Store interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is one transactional scope. Rollback after Commit must be a no-op.
type Tx interface {
	UpsertTrip(ctx context.Context, rec event.Canonical) error
	Commit() error
	Rollback() error
}

// PersistenceError reports a failed transactional scope. Nothing from the
// scope was committed.
type PersistenceError struct {
	Op  string
	Key *event.Key
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("persist %s (%s): %v", e.Op, e.Key, e.Err)
	}
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Metrics receives per-call timings. Nil disables observation.
type Metrics interface {
	PersistObserve(d time.Duration, records int, err error)
}

// Coordinator is the only writer of trip rows.
type Coordinator struct {
	store   Store
	metrics Metrics
}

func NewCoordinator(store Store, m Metrics) *Coordinator {
	return &Coordinator{store: store, metrics: m}
}

// Apply upserts every record inside one transaction and commits once. Any
// failure rolls the whole sequence back.
func (c *Coordinator) Apply(ctx context.Context, recs []event.Canonical) (err error) {
	if len(recs) == 0 {
		return ErrEmptyBatch
	}
	start := time.Now()
	defer func() {
		if c.metrics != nil {
			c.metrics.PersistObserve(time.Since(start), len(recs), err)
		}
	}()

	tx, err := c.store.BeginTx(ctx)
	if err != nil {
		return &PersistenceError{Op: "begin", Err: err}
	}
	// A failed Commit has already ended the transaction.
	committing := false
	defer func() {
		if err == nil || committing {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			log.Error().Err(rbErr).Msg("rollback failed")
		}
	}()

	for i := range recs {
		if err = tx.UpsertTrip(ctx, recs[i]); err != nil {
			key := recs[i].Key()
			return &PersistenceError{Op: "upsert", Key: &key, Err: err}
		}
	}
	committing = true
	if err = tx.Commit(); err != nil {
		return &PersistenceError{Op: "commit", Err: err}
	}
	log.Debug().Int("records", len(recs)).Dur("took", time.Since(start)).Msg("trip rows updated")
	return nil
}
