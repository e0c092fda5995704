package main

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"transit-ingest/internal/batch"
	"transit-ingest/internal/delivery"
	"transit-ingest/internal/metrics"
	"transit-ingest/internal/validate"
)

func TestHandlerMetrics(t *testing.T) {
	c := metrics.NewCollector()
	m := wrapHandlerMetrics(c)

	m.ObserveOutcome(delivery.Outcome{Decision: delivery.Ack, State: delivery.Acked})
	m.ObserveOutcome(delivery.Outcome{Decision: delivery.Nack, State: delivery.Rejected, Err: &validate.SchemaError{Missing: []string{"trip_id"}}})
	m.ObserveOutcome(delivery.Outcome{Decision: delivery.Ack, State: delivery.Rejected, Err: validate.Violations{
		{Rule: validate.RuleVehicle}, {Rule: validate.RuleRoute},
	}})
	m.ObserveOutcome(delivery.Outcome{Decision: delivery.Nack, State: delivery.Nacked, Err: errors.New("db down")})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.MessagesReceived))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.SchemaErrors))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("ack", "acked")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Outcomes.WithLabelValues("ack", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Violations.WithLabelValues("vehicle_positive")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Violations.WithLabelValues("route_positive")))
}

func TestBatchMetrics(t *testing.T) {
	c := metrics.NewCollector()
	m := wrapBatchMetrics(c)

	m.ObserveBatch(batch.Report{Status: batch.Loaded, Records: 7})
	m.ObserveBatch(batch.Report{Status: batch.Rejected, Records: 3, Err: validate.Violations{{Rule: validate.RuleTimeOrder}}})

	assert.Equal(t, 7.0, testutil.ToFloat64(c.BatchRecords))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.BatchLoads.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Violations.WithLabelValues("time_order")))
}

func TestWrapNilCollector(t *testing.T) {
	assert.Nil(t, wrapHandlerMetrics(nil))
	assert.Nil(t, wrapBatchMetrics(nil))
	assert.Nil(t, wrapPersistMetrics(nil))
	assert.Nil(t, wrapConnMetrics(nil))
	assert.Nil(t, wrapPublisherMetrics(nil))
}
