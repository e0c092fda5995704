package event

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/gocarina/gocsv"
)

// DecodeError reports a payload that could not be read as an event.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("decode event: %v", e.Err)
	}
	return fmt.Sprintf("decode event field %q: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Decode parses one serialized event. Numeric fields accept JSON numbers or
// numeric strings; direction codes 0/1 are normalized to "0"/"1".
func Decode(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, &DecodeError{Err: err}
	}
	return &e, nil
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	text := make(map[string]string, len(raw))
	for k, v := range raw {
		s, err := jsonText(v)
		if err != nil {
			return &DecodeError{Field: k, Err: err}
		}
		text[k] = s
	}
	out, err := fromText(text)
	if err != nil {
		return err
	}
	*e = *out
	return nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := map[string]any{}
	put := func(k string, v any, ok bool) {
		if ok {
			m[k] = v
		}
	}
	put("vehicle_number", deref(e.VehicleID), e.VehicleID != nil)
	put("trip_id", deref(e.TripID), e.TripID != nil)
	put("route_number", deref(e.RouteNumber), e.RouteNumber != nil)
	put("leave_time", deref(e.LeaveTime), e.LeaveTime != nil)
	put("arrive_time", deref(e.ArriveTime), e.ArriveTime != nil)
	put("stop_time", deref(e.StopTime), e.StopTime != nil)
	if e.Direction != nil {
		m["direction"] = *e.Direction
	}
	if e.ServiceKey != nil {
		m["service_key"] = *e.ServiceKey
	}
	return json.Marshal(m)
}

// jsonText flattens a scalar JSON value to its text form. null yields "".
func jsonText(v json.RawMessage) (string, error) {
	v = bytes.TrimSpace(v)
	if len(v) == 0 || bytes.Equal(v, []byte("null")) {
		return "", nil
	}
	switch v[0] {
	case '"':
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", err
		}
		return s, nil
	case '{', '[':
		return "", fmt.Errorf("expected scalar, got %s", v)
	}
	return string(v), nil
}

func fromText(text map[string]string) (*Event, error) {
	var e Event
	var err error
	vehicle := firstNonEmpty(text["vehicle_number"], text["vehicle_id"])
	if e.VehicleID, err = parseInt("vehicle_number", vehicle); err != nil {
		return nil, err
	}
	if e.TripID, err = parseInt("trip_id", text["trip_id"]); err != nil {
		return nil, err
	}
	if e.RouteNumber, err = parseInt("route_number", text["route_number"]); err != nil {
		return nil, err
	}
	if e.LeaveTime, err = parseInt("leave_time", text["leave_time"]); err != nil {
		return nil, err
	}
	if e.ArriveTime, err = parseInt("arrive_time", text["arrive_time"]); err != nil {
		return nil, err
	}
	if e.StopTime, err = parseInt("stop_time", text["stop_time"]); err != nil {
		return nil, err
	}
	e.Direction = directionCode(text["direction"])
	e.ServiceKey = optional(text["service_key"])
	return &e, nil
}

// parseInt accepts integers, integral floats ("12.0") and surrounding
// whitespace. An empty value means absent.
func parseInt(field, s string) (*int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err == nil {
		return &n, nil
	}
	if errors.Is(err, strconv.ErrRange) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("integer out of range: %q", s)}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || !integral(f) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("not an integer: %q", s)}
	}
	if !fitsInt64(f) {
		return nil, &DecodeError{Field: field, Err: fmt.Errorf("integer out of range: %q", s)}
	}
	n = int64(f)
	return &n, nil
}

func integral(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0) && f == math.Trunc(f)
}

// fitsInt64 reports whether the integral f converts to int64 without wrapping.
func fitsInt64(f float64) bool {
	return f >= -(1<<63) && f < 1<<63
}

// directionCode maps numeric spellings of the raw code onto the string codes.
// Anything else is kept verbatim for the direction rule to reject.
func directionCode(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && integral(f) && fitsInt64(f) {
		code := strconv.FormatInt(int64(f), 10)
		return &code
	}
	return &s
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// ReadJSONLines reads newline-delimited JSON events. Blank lines are skipped.
func ReadJSONLines(r io.Reader) ([]*Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var events []*Event
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		e, err := Decode(b)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

type csvRow struct {
	VehicleNumber string `csv:"vehicle_number"`
	VehicleID     string `csv:"vehicle_id"`
	TripID        string `csv:"trip_id"`
	RouteNumber   string `csv:"route_number"`
	Direction     string `csv:"direction"`
	ServiceKey    string `csv:"service_key"`
	LeaveTime     string `csv:"leave_time"`
	ArriveTime    string `csv:"arrive_time"`
	StopTime      string `csv:"stop_time"`
}

// ReadCSV reads events from a CSV file with a header row. Unknown columns are
// ignored and missing columns leave the field absent.
func ReadCSV(r io.Reader) ([]*Event, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var rows []*csvRow
	if err := gocsv.UnmarshalCSV(cr, &rows); err != nil {
		if err == gocsv.ErrEmptyCSVFile {
			return nil, nil
		}
		return nil, fmt.Errorf("parse csv: %w", err)
	}
	events := make([]*Event, 0, len(rows))
	for i, row := range rows {
		e, err := fromText(map[string]string{
			"vehicle_number": row.VehicleNumber,
			"vehicle_id":     row.VehicleID,
			"trip_id":        row.TripID,
			"route_number":   row.RouteNumber,
			"direction":      row.Direction,
			"service_key":    row.ServiceKey,
			"leave_time":     row.LeaveTime,
			"arrive_time":    row.ArriveTime,
			"stop_time":      row.StopTime,
		})
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i+2, err)
		}
		events = append(events, e)
	}
	return events, nil
}
