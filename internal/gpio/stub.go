//go:build !linux

package gpio

import "fmt"

// RealReader stands in for the character-device reader on development
// machines. The hub still builds and runs there with the buttons disabled;
// only configuring pins fails.
type RealReader struct{}

// NewRealReader always fails with an error wrapping ErrUnsupported.
func NewRealReader(pinOpen, pinClose int) (*RealReader, error) {
	return nil, fmt.Errorf("%w: buttons on pins %d/%d need the Linux GPIO character device", ErrUnsupported, pinOpen, pinClose)
}

// Read always fails.
func (r *RealReader) Read() (bool, bool, error) {
	return false, false, ErrUnsupported
}

// Close has nothing to release.
func (r *RealReader) Close() error {
	return nil
}
