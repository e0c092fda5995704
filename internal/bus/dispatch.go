// Package bus connects the delivery handler to a message bus: NATS JetStream
// by default, or a Redis-backed rmq queue.
package bus

import (
	"context"

	"github.com/rs/zerolog/log"

	"transit-ingest/internal/delivery"
)

// Handler processes one raw message; *delivery.Handler implements it.
type Handler interface {
	Handle(ctx context.Context, data []byte) delivery.Outcome
}

// Message is the transport-neutral view of one delivered message.
type Message interface {
	Data() []byte
	Ack() error
	Nak() error
}

// ConnMetrics tracks bus connectivity. Nil disables it.
type ConnMetrics interface {
	SetBusConnected(bool)
}

// dispatch runs the handler and sends exactly one ack or nack.
func dispatch(ctx context.Context, h Handler, msg Message, tally *delivery.SyncTally) delivery.Outcome {
	o := h.Handle(ctx, msg.Data())
	tally.Add(o)

	var err error
	switch o.Decision {
	case delivery.Ack:
		err = msg.Ack()
	default:
		err = msg.Nak()
	}
	if err != nil {
		log.Error().Err(err).Str("decision", string(o.Decision)).Str("key", o.Key.String()).Msg("acknowledgement failed")
	}
	return o
}
