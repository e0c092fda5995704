package bus

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"

	"transit-ingest/internal/delivery"
)

type NATSConfig struct {
	URL        string
	Stream     string
	Subject    string // events are published on Subject.<vehicle>.<trip>
	Durable    string
	MaxDeliver int
	AckWait    time.Duration
	Workers    int
}

func connectNATS(url, name string, m ConnMetrics) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if m != nil {
				m.SetBusConnected(false)
			}
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetBusConnected(true)
			}
			log.Info().Msg("nats reconnected")
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			if m != nil {
				m.SetBusConnected(false)
			}
			log.Info().Msg("nats closed")
		}),
	)
	if err != nil {
		return nil, err
	}
	if m != nil {
		m.SetBusConnected(true)
	}
	return nc, nil
}

func ensureStream(ctx context.Context, js jetstream.JetStream, cfg NATSConfig) (jetstream.Stream, error) {
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     cfg.Stream,
		Subjects: []string{cfg.Subject + ".>"},
		Storage:  jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}
	return stream, nil
}

// NATSSubscriber consumes events from a durable JetStream pull consumer and
// runs each through the handler on a bounded worker pool.
type NATSSubscriber struct {
	nc      *nats.Conn
	js      jetstream.JetStream
	cfg     NATSConfig
	handler Handler
}

func NewNATSSubscriber(cfg NATSConfig, h Handler, m ConnMetrics) (*NATSSubscriber, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	nc, err := connectNATS(cfg.URL, "transit-ingest", m)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSSubscriber{nc: nc, js: js, cfg: cfg, handler: h}, nil
}

// Run consumes until ctx is cancelled, then drains in-flight messages and
// returns the run's tally.
func (s *NATSSubscriber) Run(ctx context.Context) (delivery.Tally, error) {
	var tally delivery.SyncTally

	stream, err := ensureStream(ctx, s.js, s.cfg)
	if err != nil {
		return tally.Snapshot(), err
	}
	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       s.cfg.Durable,
		FilterSubject: s.cfg.Subject + ".>",
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       s.cfg.AckWait,
		MaxDeliver:    s.cfg.MaxDeliver,
	})
	if err != nil {
		return tally.Snapshot(), fmt.Errorf("ensure consumer %s: %w", s.cfg.Durable, err)
	}

	// Handlers finish on their own; cancellation only stops new deliveries.
	work := context.WithoutCancel(ctx)
	p := pool.New().WithMaxGoroutines(s.cfg.Workers)
	cc, err := cons.Consume(func(msg jetstream.Msg) {
		p.Go(func() {
			o := dispatch(work, s.handler, msg, &tally)
			if o.Decision == delivery.Nack {
				if md, err := msg.Metadata(); err == nil {
					log.Debug().Uint64("delivered", md.NumDelivered).Str("key", o.Key.String()).Msg("message nacked")
				}
			}
		})
	}, jetstream.PullMaxMessages(2*s.cfg.Workers))
	if err != nil {
		return tally.Snapshot(), fmt.Errorf("consume: %w", err)
	}
	log.Info().Str("stream", s.cfg.Stream).Str("consumer", s.cfg.Durable).Int("workers", s.cfg.Workers).
		Msg("listening for messages")

	<-ctx.Done()
	cc.Stop()
	p.Wait()
	return tally.Snapshot(), nil
}

func (s *NATSSubscriber) Close() {
	if s.nc != nil {
		s.nc.Drain()
		s.nc.Close()
	}
}

// subjectToken makes s safe for use as one NATS subject token.
func subjectToken(s string) string {
	s = strings.TrimSpace(s)
	// NATS token cannot contain spaces, '>', '*', or trailing '.'
	repl := strings.NewReplacer(" ", "_", ".", "_", ">", "_", "*", "_", "/", "_", "\t", "_")
	s = repl.Replace(s)
	if s == "" {
		s = "_"
	}
	return s
}
