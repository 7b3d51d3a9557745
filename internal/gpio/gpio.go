// Package gpio reads the manual-override push buttons.
// The real implementation uses the Linux GPIO character device.
// The fake implementation allows testing without hardware.
package gpio

import "errors"

// ErrUnsupported is returned by NewRealReader where there is no GPIO
// character device.
var ErrUnsupported = errors.New("gpio: not supported on this platform")

// Reader reads the button inputs.
type Reader interface {
	// Read returns the logical states of the open and close buttons.
	// The buttons pull the line low, so raw inactive = logical pressed.
	// Returns (openPressed, closePressed, error).
	Read() (bool, bool, error)

	// Close releases GPIO resources.
	Close() error
}

// Default pins (BCM numbering). A negative pin disables the buttons.
const (
	DefaultPinOpen  = -1
	DefaultPinClose = -1
)

// Enabled reports whether both pins are configured.
func Enabled(pinOpen, pinClose int) bool {
	return pinOpen >= 0 && pinClose >= 0
}
