package bus

import (
	"context"
	"errors"
	"testing"

	"github.com/adjust/rmq/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-ingest/internal/delivery"
	"transit-ingest/internal/event"
	"transit-ingest/internal/persist"
	"transit-ingest/internal/persist/persisttest"
	"transit-ingest/internal/validate"
)

type fakeMessage struct {
	data   []byte
	acks   int
	naks   int
	ackErr error
}

func (m *fakeMessage) Data() []byte { return m.data }
func (m *fakeMessage) Ack() error   { m.acks++; return m.ackErr }
func (m *fakeMessage) Nak() error   { m.naks++; return nil }

func newHandler(store *persisttest.MemStore) *delivery.Handler {
	return delivery.NewHandler(validate.New(), persist.NewCoordinator(store, nil), nil)
}

const goodPayload = `{"vehicle_number":12,"trip_id":5,"route_number":3,"direction":0,"service_key":"S","leave_time":100,"arrive_time":105,"stop_time":110}`

func TestDispatch_OneDecisionPerMessage(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		acks     int
		naks     int
		rows     int
		decision delivery.Decision
	}{
		{"accepted", goodPayload, 1, 0, 1, delivery.Ack},
		{"invariant violation acked", `{"vehicle_number":-1,"trip_id":5,"route_number":3,"direction":0,"service_key":"S","leave_time":100,"arrive_time":105,"stop_time":110}`, 1, 0, 0, delivery.Ack},
		{"schema error nacked", `{"trip_id":5}`, 0, 1, 0, delivery.Nack},
		{"garbage nacked", `]`, 0, 1, 0, delivery.Nack},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := persisttest.NewMemStore()
			var tally delivery.SyncTally
			msg := &fakeMessage{data: []byte(tt.payload)}

			o := dispatch(context.Background(), newHandler(store), msg, &tally)
			assert.Equal(t, tt.decision, o.Decision)
			assert.Equal(t, tt.acks, msg.acks)
			assert.Equal(t, tt.naks, msg.naks)
			assert.Len(t, store.Rows(), tt.rows)
			assert.Equal(t, 1, tally.Snapshot().Received)
		})
	}
}

func TestDispatch_PersistenceFailureNacks(t *testing.T) {
	store := persisttest.NewMemStore()
	store.FailNext(persisttest.FailCommit, 0)
	var tally delivery.SyncTally
	msg := &fakeMessage{data: []byte(goodPayload)}

	o := dispatch(context.Background(), newHandler(store), msg, &tally)
	assert.Equal(t, delivery.Nacked, o.State)
	assert.Equal(t, 1, msg.naks)
	assert.Empty(t, store.Rows())
	assert.Equal(t, 1, tally.Snapshot().Nacked)
}

func TestDispatch_AckErrorDoesNotChangeOutcome(t *testing.T) {
	store := persisttest.NewMemStore()
	var tally delivery.SyncTally
	msg := &fakeMessage{data: []byte(goodPayload), ackErr: errors.New("connection lost")}

	o := dispatch(context.Background(), newHandler(store), msg, &tally)
	assert.Equal(t, delivery.Acked, o.State)
	assert.Equal(t, 1, msg.acks)
	assert.Zero(t, msg.naks)
}

func TestRMQMessage_MapsDecisions(t *testing.T) {
	store := persisttest.NewMemStore()
	h := newHandler(store)
	var tally delivery.SyncTally

	ok := rmq.NewTestDeliveryString(goodPayload)
	dispatch(context.Background(), h, rmqMessage{ctx: context.Background(), d: ok}, &tally)
	assert.Equal(t, rmq.Acked, ok.State)

	bad := rmq.NewTestDeliveryString(`{"trip_id":5}`)
	dispatch(context.Background(), h, rmqMessage{ctx: context.Background(), d: bad}, &tally)
	assert.Equal(t, rmq.Rejected, bad.State)

	assert.Equal(t, delivery.Tally{Received: 2, Acked: 1, Rejected: 1}, tally.Snapshot())
}

func memBudget(max int64) (*nackBudget, map[string]int64) {
	counts := map[string]int64{}
	return &nackBudget{prefix: "test:", max: max, incr: func(_ context.Context, key string) (int64, error) {
		counts[key]++
		return counts[key], nil
	}}, counts
}

func TestRMQMessage_DeadLettersAfterMaxDeliver(t *testing.T) {
	store := persisttest.NewMemStore()
	h := newHandler(store)
	budget, counts := memBudget(3)
	var tally delivery.SyncTally

	garbage := `{"trip_id":5}`
	var states []rmq.State
	for i := 0; i < 3; i++ {
		d := rmq.NewTestDeliveryString(garbage)
		dispatch(context.Background(), h, rmqMessage{ctx: context.Background(), d: d, budget: budget}, &tally)
		states = append(states, d.State)
	}
	assert.Equal(t, []rmq.State{rmq.Rejected, rmq.Rejected, rmq.Pushed}, states)
	assert.Len(t, counts, 1, "nacks are counted per payload")

	other := rmq.NewTestDeliveryString(`{"trip_id":6}`)
	dispatch(context.Background(), h, rmqMessage{ctx: context.Background(), d: other, budget: budget}, &tally)
	assert.Equal(t, rmq.Rejected, other.State)

	ok := rmq.NewTestDeliveryString(goodPayload)
	dispatch(context.Background(), h, rmqMessage{ctx: context.Background(), d: ok, budget: budget}, &tally)
	assert.Equal(t, rmq.Acked, ok.State)
	assert.Len(t, counts, 2, "acks do not spend the budget")
}

func TestNackBudget_CounterErrorKeepsRetrying(t *testing.T) {
	b := &nackBudget{prefix: "test:", max: 1, incr: func(context.Context, string) (int64, error) {
		return 0, errors.New("redis down")
	}}
	assert.False(t, b.exhausted(context.Background(), "x"))

	var unlimited *nackBudget
	assert.False(t, unlimited.exhausted(context.Background(), "x"))
	assert.Nil(t, newNackBudget(nil, "q", 0))
}

func TestEventSubject(t *testing.T) {
	e := &event.Event{VehicleID: event.Int64(12), TripID: event.Int64(5)}
	assert.Equal(t, "transit.events.12.5", eventSubject("transit.events", e))
	assert.Equal(t, "transit.events._._", eventSubject("transit.events", &event.Event{}))
	assert.Equal(t, "transit.events.-1.5", eventSubject("transit.events", &event.Event{VehicleID: event.Int64(-1), TripID: event.Int64(5)}))
}

func TestSubjectToken(t *testing.T) {
	require.Equal(t, "a_b_c", subjectToken(" a.b*c "))
	require.Equal(t, "_", subjectToken("  "))
}
