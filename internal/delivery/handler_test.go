package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"transit-ingest/internal/event"
	"transit-ingest/internal/persist"
	"transit-ingest/internal/persist/persisttest"
	"transit-ingest/internal/validate"
)

const validMsg = `{"vehicle_number":12,"trip_id":5,"route_number":3,"direction":"0","service_key":"S","leave_time":100,"arrive_time":105,"stop_time":110}`

type outcomes struct {
	mu  sync.Mutex
	all []Outcome
}

func (o *outcomes) ObserveOutcome(out Outcome) {
	o.mu.Lock()
	o.all = append(o.all, out)
	o.mu.Unlock()
}

func newHandler() (*Handler, *persisttest.MemStore, *outcomes) {
	store := persisttest.NewMemStore()
	obs := &outcomes{}
	return NewHandler(validate.New(), persist.NewCoordinator(store, nil), obs), store, obs
}

func TestHandle_AcceptedRecordIsPersisted(t *testing.T) {
	h, store, obs := newHandler()

	o := h.Handle(context.Background(), []byte(validMsg))
	assert.Equal(t, Ack, o.Decision)
	assert.Equal(t, Acked, o.State)
	assert.NoError(t, o.Err)

	row, ok := store.Rows()[event.Key{VehicleID: 12, TripID: 5}]
	require.True(t, ok)
	assert.Equal(t, event.DirectionOut, row.Direction)
	assert.Equal(t, event.ServiceSaturday, row.ServiceKey)
	assert.Equal(t, int64(3), row.RouteNumber)
	assert.Len(t, obs.all, 1)
}

func TestHandle_InvariantViolationIsAcked(t *testing.T) {
	h, store, _ := newHandler()

	msg := `{"vehicle_number":-1,"trip_id":5,"route_number":3,"direction":"0","service_key":"S","leave_time":100,"arrive_time":105,"stop_time":110}`
	o := h.Handle(context.Background(), []byte(msg))
	assert.Equal(t, Ack, o.Decision, "data defects are not redelivered")
	assert.Equal(t, Rejected, o.State)

	var iv *validate.InvariantViolation
	require.True(t, errors.As(o.Err, &iv))
	assert.Equal(t, validate.RuleVehicle, iv.Rule)
	assert.Empty(t, store.Rows())
	assert.Zero(t, store.Transactions(), "no persistence attempt on rejection")
}

func TestHandle_SchemaErrorIsNacked(t *testing.T) {
	h, store, _ := newHandler()
	for _, msg := range []string{
		`{"vehicle_number":12,"route_number":3,"direction":"0","service_key":"S","leave_time":100,"arrive_time":105,"stop_time":110}`,
		`{"vehicle_number":"abc"}`,
		`garbage`,
	} {
		o := h.Handle(context.Background(), []byte(msg))
		assert.Equal(t, Nack, o.Decision, msg)
		assert.Equal(t, Rejected, o.State, msg)
		var se *validate.SchemaError
		assert.True(t, errors.As(o.Err, &se), msg)
	}
	assert.Zero(t, store.Transactions())
}

func TestHandle_PersistenceFailureIsNackedThenRedelivered(t *testing.T) {
	h, store, _ := newHandler()
	store.FailNext(persisttest.FailBegin, 0)

	o := h.Handle(context.Background(), []byte(validMsg))
	assert.Equal(t, Nack, o.Decision)
	assert.Equal(t, Nacked, o.State)
	var pe *persist.PersistenceError
	require.True(t, errors.As(o.Err, &pe))
	assert.Empty(t, store.Rows())

	// Redelivery of the identical message succeeds.
	o = h.Handle(context.Background(), []byte(validMsg))
	assert.Equal(t, Ack, o.Decision)
	assert.Len(t, store.Rows(), 1)

	// And a second redelivery leaves the same final row.
	before := store.Rows()
	h.Handle(context.Background(), []byte(validMsg))
	assert.Equal(t, before, store.Rows())
}

func TestHandle_Concurrent(t *testing.T) {
	h, store, obs := newHandler()
	var tally SyncTally
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tally.Add(h.Handle(context.Background(), []byte(validMsg)))
		}()
	}
	wg.Wait()

	got := tally.Snapshot()
	assert.Equal(t, Tally{Received: 50, Acked: 50}, got)
	assert.Len(t, store.Rows(), 1)
	assert.Len(t, obs.all, 50)
}

func TestTally(t *testing.T) {
	var tl Tally
	tl.Add(Outcome{State: Acked})
	tl.Add(Outcome{State: Rejected})
	tl.Add(Outcome{State: Nacked})
	tl.Add(Outcome{State: Acked})
	assert.Equal(t, Tally{Received: 4, Acked: 2, Nacked: 1, Rejected: 1}, tl)
	assert.Equal(t, "received=4 acked=2 nacked=1 rejected=1", tl.String())
}
