package validate

import (
	"fmt"
	"strings"

	"transit-ingest/internal/event"
)

// SchemaError reports essential columns missing from a record, or a payload
// that could not be decoded at all.
type SchemaError struct {
	Missing []string
	Err     error
}

func (e *SchemaError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("schema: %v", e.Err)
	}
	return fmt.Sprintf("schema: missing essential columns: %s", strings.Join(e.Missing, ", "))
}

func (e *SchemaError) Unwrap() error { return e.Err }

type Rule string

const (
	RuleTimeOrder     Rule = "time_order"
	RuleVehicle       Rule = "vehicle_positive"
	RuleRoute         Rule = "route_positive"
	RuleTripArrival   Rule = "trip_arrival_order"
	RuleDirectionCode Rule = "direction_code"
)

var ruleDescriptions = map[Rule]string{
	RuleTimeOrder:     "leave_time should always be less than or equal to arrive_time, and arrive_time should be less than or equal to stop_time",
	RuleVehicle:       "vehicle ID should be non-null and a positive number",
	RuleRoute:         "route number should be a positive number",
	RuleTripArrival:   "arrive time should not be earlier than the previous stop arrival in the same trip",
	RuleDirectionCode: "direction must be either 0 or 1",
}

// Description returns the human readable statement of the rule.
func (r Rule) Description() string { return ruleDescriptions[r] }

// InvariantViolation is one failed semantic rule with the records that broke it.
type InvariantViolation struct {
	Rule    Rule
	Records []event.Key
}

func (v *InvariantViolation) Error() string {
	keys := make([]string, 0, len(v.Records))
	for i, k := range v.Records {
		if i == 5 {
			keys = append(keys, fmt.Sprintf("and %d more", len(v.Records)-i))
			break
		}
		keys = append(keys, "("+k.String()+")")
	}
	return fmt.Sprintf("invariant %s: %s: %s", v.Rule, v.Rule.Description(), strings.Join(keys, " "))
}

// Violations collects every rule a batch failed, in rule order.
type Violations []*InvariantViolation

func (vs Violations) Error() string {
	msgs := make([]string, len(vs))
	for i, v := range vs {
		msgs[i] = v.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap exposes each violation to errors.As.
func (vs Violations) Unwrap() []error {
	errs := make([]error, len(vs))
	for i, v := range vs {
		errs[i] = v
	}
	return errs
}
