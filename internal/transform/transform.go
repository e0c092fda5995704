package transform

import "transit-ingest/internal/event"

// Direction maps a raw direction code onto its canonical name. Canonical
// names pass through unchanged; anything else is Unknown.
func Direction(raw *string) event.Direction {
	if raw == nil {
		return event.DirectionUnknown
	}
	switch *raw {
	case event.DirectionCodeOut:
		return event.DirectionOut
	case event.DirectionCodeBack:
		return event.DirectionBack
	}
	if d := event.Direction(*raw); d.IsCanonical() {
		return d
	}
	return event.DirectionUnknown
}

// ServiceDay maps a service letter code onto its canonical name. The mapping
// is total: unrecognized codes are weekday service.
func ServiceDay(raw *string) event.ServiceDay {
	if raw == nil {
		return event.ServiceWeekday
	}
	switch *raw {
	case "S":
		return event.ServiceSaturday
	case "U":
		return event.ServiceSunday
	}
	if s := event.ServiceDay(*raw); s.IsCanonical() {
		return s
	}
	return event.ServiceWeekday
}

// Canonicalize produces the canonical form of an accepted event. The event
// must have passed validation; absent numeric fields become zero.
func Canonicalize(e *event.Event) event.Canonical {
	return event.Canonical{
		VehicleID:   value(e.VehicleID),
		TripID:      value(e.TripID),
		RouteNumber: value(e.RouteNumber),
		Direction:   Direction(e.Direction),
		ServiceKey:  ServiceDay(e.ServiceKey),
		LeaveTime:   value(e.LeaveTime),
		ArriveTime:  value(e.ArriveTime),
		StopTime:    value(e.StopTime),
	}
}

// All canonicalizes a record set, preserving order.
func All(events []*event.Event) []event.Canonical {
	out := make([]event.Canonical, len(events))
	for i, e := range events {
		out[i] = Canonicalize(e)
	}
	return out
}

func value(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}
