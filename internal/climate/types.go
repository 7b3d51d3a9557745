// Package climate contains the ventilation decision logic.
// This package has NO I/O (no MQTT, journal, HTTP or time.Sleep).
// Time is always injectable via time.Time parameters.
package climate

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/sweeney/vent-hub/internal/state"
)

// Command is an actuator command as it appears on the wire.
type Command string

const (
	CommandOpen        Command = "open"
	CommandShortOpen   Command = "short_open"
	CommandClose       Command = "close"
	CommandManualOpen  Command = "manual_open"
	CommandManualClose Command = "manual_close"
)

// IsManual reports whether the command was issued by a human.
func (c Command) IsManual() bool {
	return c == CommandManualOpen || c == CommandManualClose
}

var commandSyntax = regexp.MustCompile(`^[a-z_]+$`)

// ErrUnknownCommand is returned by ParseCommand for anything off the whitelist.
var ErrUnknownCommand = errors.New("unknown command")

// Commands lists every command the control surface accepts.
var Commands = []Command{CommandOpen, CommandClose, CommandManualOpen, CommandManualClose, CommandShortOpen}

// ParseCommand checks s against the command whitelist.
func ParseCommand(s string) (Command, error) {
	if !commandSyntax.MatchString(s) {
		return "", fmt.Errorf("%w: %q is not lowercase letters and underscores", ErrUnknownCommand, s)
	}
	for _, c := range Commands {
		if Command(s) == c {
			return c, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCommand, s)
}

// Thresholds are the comfort band and weather limits the engine works with.
type Thresholds struct {
	TempLow  float64 `json:"temp_low"`
	TempHigh float64 `json:"temp_high"`
	TempMax  float64 `json:"temp_max"`

	HumidityLow  float64 `json:"humidity_low"`
	HumidityHigh float64 `json:"humidity_high"`
	HumidityMax  float64 `json:"humidity_max"`

	// Gas resistance in ohms: lower means worse air.
	GasLine     float64 `json:"gas_line"`
	GasCritical float64 `json:"gas_critical"`

	// Outdoor weather counts as poor below/above these.
	OutdoorColdBelow  float64 `json:"outdoor_cold_below"`
	OutdoorHumidAbove float64 `json:"outdoor_humid_above"`
}

// DefaultThresholds returns the limits used by the deployed hub.
func DefaultThresholds() Thresholds {
	return Thresholds{
		TempLow:           19,
		TempHigh:          22,
		TempMax:           25,
		HumidityLow:       40,
		HumidityHigh:      60,
		HumidityMax:       75,
		GasLine:           45000,
		GasCritical:       25000,
		OutdoorColdBelow:  10,
		OutdoorHumidAbove: 95,
	}
}

// Timing holds the cooldown and override windows.
type Timing struct {
	NormalCooldown time.Duration
	ShortCooldown  time.Duration
	Override       time.Duration
}

// DefaultTiming returns the 30/15/30 minute windows.
func DefaultTiming() Timing {
	return Timing{
		NormalCooldown: 30 * time.Minute,
		ShortCooldown:  15 * time.Minute,
		Override:       30 * time.Minute,
	}
}

// Input is everything one evaluation looks at.
type Input struct {
	Indoor   state.Indoor
	Outdoor  state.Outdoor
	Actuator state.ActuatorState
	Now      time.Time
}

// InputFromSnapshot builds an Input from a store snapshot.
func InputFromSnapshot(s state.Snapshot) Input {
	return Input{
		Indoor:   s.Indoor,
		Outdoor:  s.Outdoor,
		Actuator: s.Actuator.State,
		Now:      s.Now,
	}
}

// Trigger is an indoor condition that contributed to a decision.
type Trigger string

const (
	TriggerTemperature Trigger = "temperature"
	TriggerHumidity    Trigger = "humidity"
	TriggerAirQuality  Trigger = "air_quality"
	TriggerCold        Trigger = "cold"
)

// Skip explains why no command was produced.
type Skip string

const (
	SkipNone            Skip = ""
	SkipMissingIndoor   Skip = "missing_indoor_data"
	SkipOverride        Skip = "manual_override"
	SkipCooldown        Skip = "cooldown"
	SkipKeepVenting     Skip = "keep_venting"
	SkipClimateFine     Skip = "climate_fine"
	SkipOutdoorNoBetter Skip = "outdoor_cannot_help"
)

// Decision is the result of one evaluation. Command is empty when Skip is set.
type Decision struct {
	Command  Command
	Reason   string
	Triggers []Trigger
	Skip     Skip
	// Seasonal is set when monthly averages stood in for outdoor data.
	Seasonal bool
	// Remaining is the time left on the override or cooldown that blocked it.
	Remaining time.Duration
}

// Has reports whether t is among the decision's triggers.
func (d Decision) Has(t Trigger) bool {
	for _, x := range d.Triggers {
		if x == t {
			return true
		}
	}
	return false
}
