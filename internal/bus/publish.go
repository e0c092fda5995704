package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"

	"transit-ingest/internal/event"
)

// Publisher puts raw events back onto the bus, used to replay staged files
// through the streaming path.
type Publisher interface {
	Publish(ctx context.Context, e *event.Event) error
	Close()
}

type PublisherMetrics interface {
	PublishedInc()
	PublishErrInc()
	PublishObserve(d time.Duration)
}

type NATSPublisher struct {
	nc          *nats.Conn
	js          jetstream.JetStream
	subject     string
	logSubjects bool
	metrics     PublisherMetrics
}

func NewNATSPublisher(ctx context.Context, cfg NATSConfig, logSubjects bool, m PublisherMetrics) (*NATSPublisher, error) {
	nc, err := connectNATS(cfg.URL, "transit-ingest-replay", nil)
	if err != nil {
		return nil, err
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, err
	}
	if _, err := ensureStream(ctx, js, cfg); err != nil {
		nc.Close()
		return nil, err
	}
	return &NATSPublisher{nc: nc, js: js, subject: cfg.Subject, logSubjects: logSubjects, metrics: m}, nil
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		p.nc.Drain()
		p.nc.Close()
	}
}

// Publish waits for the stream to store the event.
func (p *NATSPublisher) Publish(ctx context.Context, e *event.Event) error {
	subject := eventSubject(p.subject, e)
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if p.logSubjects {
		log.Debug().Str("subject", subject).Msg("nats publish")
	}
	start := time.Now()
	_, err = p.js.Publish(ctx, subject, b)
	observePublish(p.metrics, start, err)
	return err
}

func eventSubject(base string, e *event.Event) string {
	tok := func(v *int64) string {
		if v == nil {
			return "_"
		}
		return subjectToken(strconv.FormatInt(*v, 10))
	}
	return fmt.Sprintf("%s.%s.%s", base, tok(e.VehicleID), tok(e.TripID))
}

func observePublish(m PublisherMetrics, start time.Time, err error) {
	if m == nil {
		return
	}
	m.PublishObserve(time.Since(start))
	if err != nil {
		m.PublishErrInc()
	} else {
		m.PublishedInc()
	}
}
