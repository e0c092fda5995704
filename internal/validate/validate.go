// Package validate applies the schema and semantic invariants an event must
// satisfy before it is transformed and persisted.
package validate

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"transit-ingest/internal/event"
)

type Mode int

const (
	// Single validates one streamed record and stops at the first violation.
	Single Mode = iota
	// Batch evaluates every rule over a whole record set, including per-trip
	// arrival ordering.
	Batch
)

// Validator is safe for concurrent use.
type Validator struct {
	schema *validator.Validate
}

func New() *Validator {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Validator{schema: v}
}

// Check validates a single record.
func (v *Validator) Check(e *event.Event) error {
	return v.Validate([]*event.Event{e}, Single)
}

// CheckBatch validates a whole staged record set.
func (v *Validator) CheckBatch(events []*event.Event) error {
	return v.Validate(events, Batch)
}

// Validate returns nil, a *SchemaError, or Violations.
func (v *Validator) Validate(events []*event.Event, mode Mode) error {
	if err := v.checkSchema(events); err != nil {
		return err
	}
	return checkSemantics(events, mode)
}

func (v *Validator) checkSchema(events []*event.Event) error {
	var missing []string
	seen := map[string]bool{}
	for _, e := range events {
		if e == nil {
			return &SchemaError{Err: errors.New("empty record")}
		}
		err := v.schema.Struct(e)
		if err == nil {
			continue
		}
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return &SchemaError{Err: err}
		}
		for _, fe := range fieldErrs {
			if !seen[fe.Field()] {
				seen[fe.Field()] = true
				missing = append(missing, fe.Field())
			}
		}
	}
	if len(missing) > 0 {
		return &SchemaError{Missing: missing}
	}
	return nil
}

var ruleOrder = []Rule{RuleTimeOrder, RuleVehicle, RuleRoute, RuleTripArrival, RuleDirectionCode}

// checkSemantics assumes the schema check passed, so required fields are set.
func checkSemantics(events []*event.Event, mode Mode) error {
	failed := map[Rule][]event.Key{}
	lastArrival := map[int64]int64{}

	for _, e := range events {
		k := e.Key()
		fail := func(r Rule) {
			failed[r] = append(failed[r], k)
		}
		if *e.LeaveTime > *e.ArriveTime || *e.ArriveTime > *e.StopTime {
			fail(RuleTimeOrder)
		}
		if *e.VehicleID <= 0 {
			fail(RuleVehicle)
		}
		if *e.RouteNumber <= 0 {
			fail(RuleRoute)
		}
		if mode == Batch {
			if prev, ok := lastArrival[*e.TripID]; ok && *e.ArriveTime < prev {
				fail(RuleTripArrival)
			}
			lastArrival[*e.TripID] = *e.ArriveTime
		}
		if e.HasRawDirection() {
			switch *e.Direction {
			case event.DirectionCodeOut, event.DirectionCodeBack:
			default:
				fail(RuleDirectionCode)
			}
		}
		if mode == Single && len(failed) > 0 {
			break
		}
	}

	var vs Violations
	for _, r := range ruleOrder {
		if keys, ok := failed[r]; ok {
			vs = append(vs, &InvariantViolation{Rule: r, Records: keys})
			if mode == Single {
				break
			}
		}
	}
	if len(vs) == 0 {
		return nil
	}
	return vs
}
