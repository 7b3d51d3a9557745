// Package validate turns untrusted wire values into typed readings.
// Every function is pure: a bad field yields an *Error, never a panic, so one
// malformed field cannot take down the message or the pipeline.
package validate

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var (
	floatSyntax = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	intSyntax   = regexp.MustCompile(`^\d+$`)
)

// Range is an inclusive numeric bound.
type Range struct {
	Min float64
	Max float64
}

// Contains reports whether v lies within the range.
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Ranges enforced at the wire boundary. Tune per deployment.
var (
	Unbounded          = Range{Min: math.Inf(-1), Max: math.Inf(1)}
	IndoorTemperature  = Range{Min: -25, Max: 40}
	OutdoorTemperature = Range{Min: -40, Max: 85}
	Humidity           = Range{Min: 0, Max: 100}
	Battery            = Range{Min: 0, Max: 100}
	GasResistance      = Range{Min: 0, Max: 500000}
)

// MaxPosition is the largest actuator step count accepted.
const MaxPosition = 4096

// Error describes a rejected field.
type Error struct {
	Field  string
	Raw    any
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid %s %v: %s", e.Field, e.Raw, e.Reason)
}

// Float parses raw as a decimal number and checks it against r.
func Float(field string, raw any, r Range) (float64, error) {
	s, ok := text(raw)
	if !ok {
		return 0, &Error{Field: field, Raw: raw, Reason: "missing or not a number"}
	}
	if !floatSyntax.MatchString(s) {
		return 0, &Error{Field: field, Raw: raw, Reason: "not a decimal number"}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, &Error{Field: field, Raw: raw, Reason: err.Error()}
	}
	if !r.Contains(v) {
		return 0, &Error{Field: field, Raw: raw, Reason: fmt.Sprintf("outside [%g, %g]", r.Min, r.Max)}
	}
	return v, nil
}

// Int parses raw as a non-negative integer within [lo, hi].
func Int(field string, raw any, lo, hi int) (int, error) {
	s, ok := text(raw)
	if !ok {
		return 0, &Error{Field: field, Raw: raw, Reason: "missing or not a number"}
	}
	if !intSyntax.MatchString(s) {
		return 0, &Error{Field: field, Raw: raw, Reason: "not a non-negative integer"}
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, &Error{Field: field, Raw: raw, Reason: err.Error()}
	}
	if v < lo || v > hi {
		return 0, &Error{Field: field, Raw: raw, Reason: fmt.Sprintf("outside [%d, %d]", lo, hi)}
	}
	return v, nil
}

// Percent is Int restricted to [0, 100].
func Percent(field string, raw any) (int, error) {
	return Int(field, raw, 0, 100)
}

// Position is Int restricted to actuator step counts.
func Position(field string, raw any) (int, error) {
	return Int(field, raw, 0, MaxPosition)
}

// text renders a decoded JSON value as the string the syntax checks run on.
// Floats are formatted without exponent so 1e2 and 100 validate alike.
func text(raw any) (string, bool) {
	switch v := raw.(type) {
	case nil:
		return "", false
	case string:
		return strings.TrimSpace(v), true
	case json.Number:
		return strings.TrimSpace(v.String()), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return "", false
		}
		return strconv.FormatFloat(v, 'f', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32), true
	case int:
		return strconv.Itoa(v), true
	case int64:
		return strconv.FormatInt(v, 10), true
	default:
		return "", false
	}
}
