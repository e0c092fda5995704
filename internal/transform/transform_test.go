package transform

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"transit-ingest/internal/event"
)

func TestDirection(t *testing.T) {
	tests := []struct {
		in   *string
		want event.Direction
	}{
		{event.String("0"), event.DirectionOut},
		{event.String("1"), event.DirectionBack},
		{event.String("2"), event.DirectionUnknown},
		{event.String(""), event.DirectionUnknown},
		{event.String("out"), event.DirectionUnknown},
		{event.String("Out"), event.DirectionOut},
		{event.String("Back"), event.DirectionBack},
		{event.String("Unknown"), event.DirectionUnknown},
		{nil, event.DirectionUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Direction(tt.in))
	}
}

func TestServiceDay(t *testing.T) {
	tests := []struct {
		in   *string
		want event.ServiceDay
	}{
		{event.String("S"), event.ServiceSaturday},
		{event.String("U"), event.ServiceSunday},
		{event.String("W"), event.ServiceWeekday},
		{event.String("s"), event.ServiceWeekday},
		{event.String("Saturday"), event.ServiceSaturday},
		{event.String("Sunday"), event.ServiceSunday},
		{event.String("Weekday"), event.ServiceWeekday},
		{event.String("holiday"), event.ServiceWeekday},
		{nil, event.ServiceWeekday},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ServiceDay(tt.in))
	}
}

func TestCanonicalize(t *testing.T) {
	e := &event.Event{
		VehicleID:   event.Int64(12),
		TripID:      event.Int64(5),
		RouteNumber: event.Int64(3),
		Direction:   event.String("0"),
		ServiceKey:  event.String("S"),
		LeaveTime:   event.Int64(100),
		ArriveTime:  event.Int64(105),
		StopTime:    event.Int64(110),
	}
	want := event.Canonical{
		VehicleID: 12, TripID: 5, RouteNumber: 3,
		Direction: event.DirectionOut, ServiceKey: event.ServiceSaturday,
		LeaveTime: 100, ArriveTime: 105, StopTime: 110,
	}
	got := Canonicalize(e)
	assert.Equal(t, want, got)
	assert.Equal(t, "0", *e.Direction, "input is not mutated")

	// Re-running over the canonical form is a no-op.
	again := Canonicalize(&event.Event{
		VehicleID:   event.Int64(got.VehicleID),
		TripID:      event.Int64(got.TripID),
		RouteNumber: event.Int64(got.RouteNumber),
		Direction:   event.String(string(got.Direction)),
		ServiceKey:  event.String(string(got.ServiceKey)),
		LeaveTime:   event.Int64(got.LeaveTime),
		ArriveTime:  event.Int64(got.ArriveTime),
		StopTime:    event.Int64(got.StopTime),
	})
	assert.Equal(t, got, again)
}
