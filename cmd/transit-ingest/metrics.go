package main

import (
	"errors"
	"time"

	"transit-ingest/internal/batch"
	"transit-ingest/internal/bus"
	"transit-ingest/internal/delivery"
	"transit-ingest/internal/metrics"
	"transit-ingest/internal/persist"
	"transit-ingest/internal/validate"
)

// The wrap* helpers adapt the Collector to each package's metrics interface
// and return a nil interface when metrics are disabled.

func wrapPersistMetrics(c *metrics.Collector) persist.Metrics {
	if c == nil {
		return nil
	}
	return c
}

func wrapConnMetrics(c *metrics.Collector) bus.ConnMetrics {
	if c == nil {
		return nil
	}
	return c
}

func wrapHandlerMetrics(c *metrics.Collector) delivery.Metrics {
	if c == nil {
		return nil
	}
	return &handlerMetrics{c: c}
}

type handlerMetrics struct{ c *metrics.Collector }

func (h *handlerMetrics) ObserveOutcome(o delivery.Outcome) {
	h.c.MessagesReceived.Inc()
	h.c.Outcomes.WithLabelValues(string(o.Decision), string(o.State)).Inc()
	if o.Err == nil {
		return
	}
	var se *validate.SchemaError
	if errors.As(o.Err, &se) {
		h.c.SchemaErrors.Inc()
	}
	var vs validate.Violations
	if errors.As(o.Err, &vs) {
		for _, v := range vs {
			h.c.Violations.WithLabelValues(string(v.Rule)).Inc()
		}
	}
}

func wrapBatchMetrics(c *metrics.Collector) batch.Metrics {
	if c == nil {
		return nil
	}
	return &batchMetrics{c: c}
}

type batchMetrics struct{ c *metrics.Collector }

func (b *batchMetrics) ObserveBatch(r batch.Report) {
	b.c.BatchLoads.WithLabelValues(string(r.Status)).Inc()
	if r.Status == batch.Loaded {
		b.c.BatchRecords.Add(float64(r.Records))
	}
	var vs validate.Violations
	if errors.As(r.Err, &vs) {
		for _, v := range vs {
			b.c.Violations.WithLabelValues(string(v.Rule)).Inc()
		}
	}
}

func wrapPublisherMetrics(c *metrics.Collector) bus.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) PublishedInc()                  { p.c.Published.Inc() }
func (p *pubMetrics) PublishErrInc()                 { p.c.PublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
