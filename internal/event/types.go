package event

import "fmt"

// Raw direction codes as carried on the wire.
const (
	DirectionCodeOut  = "0"
	DirectionCodeBack = "1"
)

type Direction string

const (
	DirectionOut     Direction = "Out"
	DirectionBack    Direction = "Back"
	DirectionUnknown Direction = "Unknown"
)

// IsCanonical reports whether s is already one of the canonical direction names.
func (d Direction) IsCanonical() bool {
	switch d {
	case DirectionOut, DirectionBack, DirectionUnknown:
		return true
	}
	return false
}

type ServiceDay string

const (
	ServiceSaturday ServiceDay = "Saturday"
	ServiceSunday   ServiceDay = "Sunday"
	ServiceWeekday  ServiceDay = "Weekday"
)

func (s ServiceDay) IsCanonical() bool {
	switch s {
	case ServiceSaturday, ServiceSunday, ServiceWeekday:
		return true
	}
	return false
}

// Event is one raw vehicle-at-stop observation. Nil fields were absent
// from the payload.
type Event struct {
	VehicleID   *int64  `json:"vehicle_number" validate:"required"`
	TripID      *int64  `json:"trip_id" validate:"required"`
	RouteNumber *int64  `json:"route_number" validate:"required"`
	Direction   *string `json:"direction" validate:"required"`
	ServiceKey  *string `json:"service_key" validate:"required"`
	LeaveTime   *int64  `json:"leave_time" validate:"required"`
	ArriveTime  *int64  `json:"arrive_time" validate:"required"`
	StopTime    *int64  `json:"stop_time" validate:"required"`
}

// Key returns the trip row key for logging. Absent fields render as zero.
func (e *Event) Key() Key {
	return Key{VehicleID: deref(e.VehicleID), TripID: deref(e.TripID)}
}

// HasRawDirection reports whether the direction still carries a wire code
// rather than a canonical name.
func (e *Event) HasRawDirection() bool {
	return e.Direction != nil && !Direction(*e.Direction).IsCanonical()
}

// Key identifies a trip row.
type Key struct {
	VehicleID int64
	TripID    int64
}

func (k Key) String() string {
	return fmt.Sprintf("vehicle=%d trip=%d", k.VehicleID, k.TripID)
}

// Canonical is a validated, field-normalized event ready for persistence.
type Canonical struct {
	VehicleID   int64
	TripID      int64
	RouteNumber int64
	Direction   Direction
	ServiceKey  ServiceDay
	LeaveTime   int64
	ArriveTime  int64
	StopTime    int64
}

func (c Canonical) Key() Key {
	return Key{VehicleID: c.VehicleID, TripID: c.TripID}
}

func deref(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

// Int64 and String return pointers for building events in code.
func Int64(v int64) *int64    { return &v }
func String(s string) *string { return &s }
