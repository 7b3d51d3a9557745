package climate

import (
	"fmt"
	"strings"
	"time"

	"github.com/sweeney/vent-hub/internal/state"
)

// Monthly outdoor averages used when the outdoor sensor has not reported.
var (
	monthlyTemperature = [12]float64{2, 2, 4, 7, 12, 15, 17, 17, 14, 10, 6, 4}
	monthlyHumidity    = [12]float64{86, 84, 81, 79, 77, 76, 79, 80, 83, 85, 86, 87}
)

// SeasonalOutdoor returns the historical average temperature and humidity
// for the month of t.
func SeasonalOutdoor(t time.Time) (temperature, humidity float64) {
	m := int(t.Month()) - 1
	return monthlyTemperature[m], monthlyHumidity[m]
}

// Engine decides when the window should open, briefly vent or close.
// It owns the cooldown and override state and is not safe for concurrent
// use; the control worker is its only caller.
type Engine struct {
	thresholds Thresholds
	timing     Timing

	lastCommand   Command
	lastCommandAt time.Time
	overrideUntil time.Time
}

// NewEngine creates an engine with no command history and no override.
func NewEngine(th Thresholds, tm Timing) *Engine {
	return &Engine{thresholds: th, timing: tm}
}

// Thresholds returns the limits the engine evaluates against.
func (e *Engine) Thresholds() Thresholds {
	return e.thresholds
}

// Decide evaluates one indoor reading. It does not modify the engine.
func (e *Engine) Decide(in Input) Decision {
	th := e.thresholds

	if !in.Indoor.Temperature.Valid || !in.Indoor.Humidity.Valid {
		return Decision{Skip: SkipMissingIndoor, Reason: "missing indoor temperature or humidity"}
	}

	if in.Now.Before(e.overrideUntil) {
		left := e.overrideUntil.Sub(in.Now)
		return Decision{
			Skip:      SkipOverride,
			Reason:    fmt.Sprintf("manual override active, %d min left", int(left.Minutes())),
			Remaining: left,
		}
	}

	outTemp, outHum, seasonal := e.outdoor(in)

	if left := e.cooldownRemaining(in.Now); left > 0 {
		return Decision{
			Skip:      SkipCooldown,
			Reason:    fmt.Sprintf("cooldown after %s, %ds left", e.lastCommand, int(left.Seconds())),
			Seasonal:  seasonal,
			Remaining: left,
		}
	}

	temp := in.Indoor.Temperature.Value
	hum := in.Indoor.Humidity.Value
	gas := in.Indoor.Gas

	tooHot := temp > th.TempHigh
	tooHumid := hum > th.HumidityHigh
	badAir := gas.Valid && gas.Value < th.GasLine
	veryBadAir := gas.Valid && gas.Value < th.GasCritical

	if in.Actuator == state.ActuatorOpen {
		tempOK := th.TempLow <= temp && temp <= th.TempHigh
		humOK := th.HumidityLow <= hum && hum <= th.HumidityHigh
		gasOK := !gas.Valid || gas.Value > th.GasLine

		if tempOK && humOK && gasOK {
			return Decision{Command: CommandClose, Reason: "indoor climate optimal", Seasonal: seasonal}
		}
		if temp < th.TempLow {
			return Decision{
				Command:  CommandClose,
				Reason:   fmt.Sprintf("closing due to cold (%.1f°C)", temp),
				Triggers: []Trigger{TriggerCold},
				Seasonal: seasonal,
			}
		}
		return Decision{Skip: SkipKeepVenting, Reason: "window open, still venting", Seasonal: seasonal}
	}

	// Closed and unknown are handled alike.
	if !tooHot && !tooHumid && !badAir {
		return Decision{Skip: SkipClimateFine, Reason: "indoor climate fine", Seasonal: seasonal}
	}

	tempHelps := tooHot && outTemp < temp
	humHelps := tooHumid && outHum < hum
	// There is no outdoor air quality sensor; outside air is assumed better.
	airHelps := badAir

	if !tempHelps && !humHelps && !airHelps {
		return Decision{
			Skip:     SkipOutdoorNoBetter,
			Reason:   fmt.Sprintf("outdoor conditions cannot help (%.1f°C, %.0f%%)", outTemp, outHum),
			Seasonal: seasonal,
		}
	}

	var (
		triggers []Trigger
		reasons  []string
	)
	if tempHelps {
		triggers = append(triggers, TriggerTemperature)
		reasons = append(reasons, fmt.Sprintf("temperature high (%.1f°C)", temp))
	}
	if humHelps {
		triggers = append(triggers, TriggerHumidity)
		reasons = append(reasons, fmt.Sprintf("humidity high (%.0f%%)", hum))
	}
	if airHelps {
		triggers = append(triggers, TriggerAirQuality)
		reasons = append(reasons, fmt.Sprintf("air quality poor (%.0fΩ)", gas.Value))
	}
	why := strings.Join(reasons, ", ")

	d := Decision{Triggers: triggers, Seasonal: seasonal}
	switch {
	case veryBadAir:
		d.Command = CommandOpen
		d.Reason = fmt.Sprintf("very poor air quality (%.0fΩ): %s", gas.Value, why)
	case e.poorWeather(outTemp, outHum):
		d.Command = CommandShortOpen
		d.Reason = fmt.Sprintf("short vent, poor weather outside (%.1f°C, %.0f%%): %s", outTemp, outHum, why)
	default:
		d.Command = CommandOpen
		d.Reason = "opening: " + why
	}
	return d
}

// RecordCommand starts the cooldown for an automatic command. Call it only
// after the command was published.
func (e *Engine) RecordCommand(cmd Command, now time.Time) {
	e.lastCommand = cmd
	e.lastCommandAt = now
}

// LastCommand returns the last recorded automatic command, if any.
func (e *Engine) LastCommand() (Command, time.Time) {
	return e.lastCommand, e.lastCommandAt
}

// ActivateManualOverride suppresses automatic decisions for the override
// window starting at now, replacing any existing window.
func (e *Engine) ActivateManualOverride(cmd Command, now time.Time) time.Time {
	e.overrideUntil = now.Add(e.timing.Override)
	return e.overrideUntil
}

// CancelOverrideIfManualOpen clears an existing override when cmd is a
// manual open, so a human reopening right after a manual close is obeyed
// with a fresh window. It reports whether an override was cleared.
func (e *Engine) CancelOverrideIfManualOpen(cmd Command) bool {
	if cmd != CommandManualOpen || e.overrideUntil.IsZero() {
		return false
	}
	e.overrideUntil = time.Time{}
	return true
}

// Override reports whether an override is active at now and when it ends.
func (e *Engine) Override(now time.Time) (bool, time.Time) {
	return now.Before(e.overrideUntil), e.overrideUntil
}

func (e *Engine) cooldownRemaining(now time.Time) time.Duration {
	if e.lastCommandAt.IsZero() {
		return 0
	}
	window := e.timing.NormalCooldown
	if e.lastCommand == CommandShortOpen {
		window = e.timing.ShortCooldown
	}
	elapsed := now.Sub(e.lastCommandAt)
	if elapsed >= window {
		return 0
	}
	return window - elapsed
}

// outdoor fills missing outdoor fields from the monthly table.
func (e *Engine) outdoor(in Input) (temperature, humidity float64, seasonal bool) {
	avgTemp, avgHum := SeasonalOutdoor(in.Now)
	temperature, humidity = avgTemp, avgHum
	if in.Outdoor.Temperature.Valid {
		temperature = in.Outdoor.Temperature.Value
	} else {
		seasonal = true
	}
	if in.Outdoor.Humidity.Valid {
		humidity = in.Outdoor.Humidity.Value
	} else {
		seasonal = true
	}
	return temperature, humidity, seasonal
}

func (e *Engine) poorWeather(temperature, humidity float64) bool {
	return temperature < e.thresholds.OutdoorColdBelow || humidity > e.thresholds.OutdoorHumidAbove
}
