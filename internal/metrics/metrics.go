package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type Collector struct {
	reg *prometheus.Registry

	MessagesReceived prometheus.Counter
	Outcomes         *prometheus.CounterVec // decision: ack|nack, state: acked|nacked|rejected
	Violations       *prometheus.CounterVec // rule label
	SchemaErrors     prometheus.Counter

	PersistDuration prometheus.Histogram
	PersistRecords  prometheus.Counter
	PersistErrors   prometheus.Counter

	BatchLoads   *prometheus.CounterVec // result: loaded|rejected|failed
	BatchRecords prometheus.Counter

	BusConnected    prometheus.Gauge
	Published       prometheus.Counter
	PublishErrs     prometheus.Counter
	PublishDuration prometheus.Histogram
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_messages_received_total",
			Help: "Total messages handed to the delivery handler.",
		}),
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_message_outcomes_total",
			Help: "Terminal message outcomes by decision and state.",
		}, []string{"decision", "state"}),
		Violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_invariant_violations_total",
			Help: "Semantic rule violations by rule.",
		}, []string{"rule"}),
		SchemaErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_schema_errors_total",
			Help: "Records rejected for missing or undecodable fields.",
		}),
		PersistDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_persist_duration_seconds",
			Help:    "Duration of one transactional persistence call.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		PersistRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_persisted_records_total",
			Help: "Records committed to the trip store.",
		}),
		PersistErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_persist_errors_total",
			Help: "Persistence calls that rolled back.",
		}),
		BatchLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ingest_batch_loads_total",
			Help: "Staged batch loads by result.",
		}, []string{"result"}),
		BatchRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_batch_records_total",
			Help: "Records loaded from staged batches.",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ingest_bus_connected",
			Help: "1 if the message bus connection is established, 0 otherwise.",
		}),
		Published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_replay_published_total",
			Help: "Total records republished to the bus.",
		}),
		PublishErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ingest_replay_publish_errors_total",
			Help: "Total replay publish errors.",
		}),
		PublishDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ingest_replay_publish_duration_seconds",
			Help:    "Duration of one replay publish including the broker ack.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
	}

	reg.MustRegister(
		c.MessagesReceived, c.Outcomes, c.Violations, c.SchemaErrors,
		c.PersistDuration, c.PersistRecords, c.PersistErrors,
		c.BatchLoads, c.BatchRecords,
		c.BusConnected, c.Published, c.PublishErrs, c.PublishDuration,
	)
	return c
}

// Registry exposes the private registry, mostly for tests.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// PersistObserve implements persist.Metrics.
func (c *Collector) PersistObserve(d time.Duration, records int, err error) {
	c.PersistDuration.Observe(d.Seconds())
	if err != nil {
		c.PersistErrors.Inc()
		return
	}
	c.PersistRecords.Add(float64(records))
}

func (c *Collector) SetBusConnected(b bool) {
	if b {
		c.BusConnected.Set(1)
	} else {
		c.BusConnected.Set(0)
	}
}

// Pinger reports dependency health for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Serve starts an HTTP server exposing /metrics and /healthz on the given address.
func (c *Collector) Serve(addr string, health Pinger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health.Ping(r.Context()); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
	})
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Info().Str("addr", addr).Msg("metrics listening")
	return srv
}
