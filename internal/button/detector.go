package button

import "time"

// Detector debounces both buttons and reports presses.
type Detector struct {
	debounceDuration time.Duration
	open             ChannelState
	close            ChannelState
	baselined        bool
	counts           Counts
}

// NewDetector creates a detector with the given debounce duration.
func NewDetector(debounceDuration time.Duration) *Detector {
	return &Detector{debounceDuration: debounceDuration}
}

// Process takes a new sample and returns any presses to act on.
// Nothing is reported until both buttons have a baseline, so a button held
// down at startup does not count as a press.
func (d *Detector) Process(input Input) []Event {
	openPress := d.processChannel(&d.open, levelOf(input.Open), input.Time)
	closePress := d.processChannel(&d.close, levelOf(input.Close), input.Time)

	if !d.baselined {
		if d.open.Baselined && d.close.Baselined {
			d.baselined = true
		}
		return nil
	}

	var events []Event
	if openPress {
		d.counts.Open++
		events = append(events, Event{Timestamp: input.Time, Button: ButtonOpen})
	}
	if closePress {
		d.counts.Close++
		events = append(events, Event{Timestamp: input.Time, Button: ButtonClose})
	}
	return events
}

// processChannel debounces one button and reports a released-to-pressed
// transition.
func (d *Detector) processChannel(ch *ChannelState, level Level, now time.Time) bool {
	if !ch.Baselined {
		if ch.Pending != level {
			// First sample, or level changed during baseline: restart
			ch.Pending = level
			ch.PendingSince = now
			return false
		}
		if now.Sub(ch.PendingSince) >= d.debounceDuration {
			ch.Stable = level
			ch.Baselined = true
			ch.Pending = ""
		}
		return false
	}

	if level == ch.Stable {
		ch.Pending = ""
		return false
	}

	if ch.Pending != level {
		ch.Pending = level
		ch.PendingSince = now
		return false
	}

	if now.Sub(ch.PendingSince) >= d.debounceDuration {
		ch.Stable = level
		ch.Pending = ""
		return level == LevelPressed
	}
	return false
}

func levelOf(pressed bool) Level {
	if pressed {
		return LevelPressed
	}
	return LevelReleased
}

// IsBaselined returns whether both buttons have a baseline.
func (d *Detector) IsBaselined() bool {
	return d.baselined
}

// CurrentLevels returns the stable levels of the open and close buttons.
func (d *Detector) CurrentLevels() (Level, Level) {
	return d.open.Stable, d.close.Stable
}

// Counts returns presses seen since startup.
func (d *Detector) Counts() Counts {
	return d.counts
}
