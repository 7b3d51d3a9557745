//go:build linux

package gpio

import (
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the buttons from the Linux GPIO character device.
type RealReader struct {
	chip      *gpiocdev.Chip
	openLine  *gpiocdev.Line
	closeLine *gpiocdev.Line
}

// NewRealReader requests both button lines as inputs with pull-up.
func NewRealReader(pinOpen, pinClose int) (*RealReader, error) {
	chip, err := gpiocdev.NewChip("gpiochip0")
	if err != nil {
		return nil, fmt.Errorf("open gpio chip: %w", err)
	}

	// Buttons short the line to ground when pressed.
	openLine, err := chip.RequestLine(pinOpen, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		chip.Close()
		return nil, fmt.Errorf("request open pin %d: %w", pinOpen, err)
	}

	closeLine, err := chip.RequestLine(pinClose, gpiocdev.AsInput, gpiocdev.WithPullUp)
	if err != nil {
		openLine.Close()
		chip.Close()
		return nil, fmt.Errorf("request close pin %d: %w", pinClose, err)
	}

	return &RealReader{
		chip:      chip,
		openLine:  openLine,
		closeLine: closeLine,
	}, nil
}

// Read returns the logical button states.
// Inverts raw GPIO: raw 0 (pulled low) = pressed.
func (r *RealReader) Read() (bool, bool, error) {
	openRaw, err := r.openLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read open pin: %w", err)
	}

	closeRaw, err := r.closeLine.Value()
	if err != nil {
		return false, false, fmt.Errorf("read close pin: %w", err)
	}

	return openRaw == 0, closeRaw == 0, nil
}

// Close returns the lines to plain pull-down inputs, matching Pi boot
// defaults, and releases them.
func (r *RealReader) Close() error {
	var errs []error

	for name, line := range map[string]*gpiocdev.Line{"open": r.openLine, "close": r.closeLine} {
		if line == nil {
			continue
		}
		if err := line.Reconfigure(gpiocdev.AsInput, gpiocdev.WithPullDown); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure %s pin: %w", name, err))
		}
		if err := line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s pin: %w", name, err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("close errors: %v", errs)
	}
	return nil
}
