// Package delivery is the per-message entry point driven by the message bus.
// A message moves through
//
//	Received → Validating → (Rejected | Transforming) → Persisting → (Acked | Nacked)
//
// and always ends with exactly one ack or nack decision.
package delivery

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"transit-ingest/internal/event"
	"transit-ingest/internal/transform"
	"transit-ingest/internal/validate"
)

type State string

const (
	Received     State = "received"
	Validating   State = "validating"
	Rejected     State = "rejected"
	Transforming State = "transforming"
	Persisting   State = "persisting"
	Acked        State = "acked"
	Nacked       State = "nacked"
)

type Decision string

const (
	Ack  Decision = "ack"
	Nack Decision = "nack"
)

// Outcome is the terminal result for one message.
type Outcome struct {
	Decision Decision
	// State is Rejected, Acked or Nacked.
	State State
	Key   event.Key
	// Err is the rejection or persistence failure, nil when acked normally.
	Err error
}

// Applier persists canonical records; *persist.Coordinator implements it.
type Applier interface {
	Apply(ctx context.Context, recs []event.Canonical) error
}

// Metrics receives outcome notifications. Nil disables observation.
type Metrics interface {
	ObserveOutcome(o Outcome)
}

type Handler struct {
	validator *validate.Validator
	store     Applier
	metrics   Metrics
}

func NewHandler(v *validate.Validator, store Applier, m Metrics) *Handler {
	return &Handler{validator: v, store: store, metrics: m}
}

// Handle processes one raw message to completion. It is safe for concurrent
// use and never panics on malformed input.
func (h *Handler) Handle(ctx context.Context, data []byte) Outcome {
	o := h.handle(ctx, data)
	if h.metrics != nil {
		h.metrics.ObserveOutcome(o)
	}
	return o
}

func (h *Handler) handle(ctx context.Context, data []byte) Outcome {
	// Received
	e, err := event.Decode(data)
	if err != nil {
		return h.reject(event.Key{}, &validate.SchemaError{Err: err})
	}

	// Validating
	if err := h.validator.Check(e); err != nil {
		return h.reject(e.Key(), err)
	}

	// Transforming
	rec := transform.Canonicalize(e)

	// Persisting
	if err := h.store.Apply(ctx, []event.Canonical{rec}); err != nil {
		log.Error().Err(err).Int64("vehicle", rec.VehicleID).Int64("trip", rec.TripID).
			Str("state", string(Nacked)).Msg("persistence failed, requesting redelivery")
		return Outcome{Decision: Nack, State: Nacked, Key: rec.Key(), Err: err}
	}
	log.Debug().Int64("vehicle", rec.VehicleID).Int64("trip", rec.TripID).
		Str("direction", string(rec.Direction)).Str("service_key", string(rec.ServiceKey)).Msg("record persisted")
	return Outcome{Decision: Ack, State: Acked, Key: rec.Key()}
}

// reject decides the ack policy for a validation failure: schema problems are
// nacked, data defects are acknowledged as processed.
func (h *Handler) reject(key event.Key, err error) Outcome {
	o := Outcome{State: Rejected, Key: key, Err: err}
	var se *validate.SchemaError
	if errors.As(err, &se) {
		o.Decision = Nack
		log.Warn().Err(err).Int64("vehicle", key.VehicleID).Int64("trip", key.TripID).Msg("schema error, record rejected")
		return o
	}
	o.Decision = Ack
	var vs validate.Violations
	if errors.As(err, &vs) {
		for _, v := range vs {
			log.Info().Str("rule", string(v.Rule)).Int64("vehicle", key.VehicleID).Int64("trip", key.TripID).
				Msg(v.Rule.Description())
		}
	}
	return o
}
