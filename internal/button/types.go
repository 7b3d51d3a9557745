// Package button turns the two manual-override push buttons into debounced
// press events. The detector has NO I/O; time is injected through Input.
package button

import "time"

// Button identifies one of the two push buttons.
type Button string

const (
	ButtonOpen  Button = "open"
	ButtonClose Button = "close"
)

// Level is the debounced logical level of a button.
type Level string

const (
	LevelPressed  Level = "PRESSED"
	LevelReleased Level = "RELEASED"
)

// Event is a debounced press.
type Event struct {
	Timestamp time.Time
	Button    Button
}

// ChannelState tracks debounce state for a single button.
type ChannelState struct {
	// Current stable (debounced) level
	Stable Level
	// Pending level during debounce
	Pending Level
	// Time when pending level was first observed
	PendingSince time.Time
	// Whether we have established a baseline
	Baselined bool
}

// Input is a single sample of both buttons, already in logical form.
type Input struct {
	Open  bool // true = pressed
	Close bool
	Time  time.Time
}

// Counts tracks presses since startup.
type Counts struct {
	Open  int `json:"open"`
	Close int `json:"close"`
}
