package gpio

import (
	"errors"
	"sync"
)

// Sample is one reading of both buttons, already in logical form.
type Sample struct {
	Open  bool // true = pressed
	Close bool
}

// Repeat returns n copies of s, for scripting held or idle buttons.
func Repeat(s Sample, n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = s
	}
	return out
}

// FakeReader replays scripted button samples. The last sample repeats, so a
// script ending in a press models a held button. Safe for concurrent use, so
// tests can re-script it while a poller reads.
type FakeReader struct {
	mu      sync.Mutex
	samples []Sample
	next    int
	reads   int
	err     error
	closed  bool
}

// NewFakeReader creates a FakeReader that plays samples in order.
func NewFakeReader(samples ...Sample) *FakeReader {
	return &FakeReader{samples: samples}
}

// Script replaces the samples and rewinds to the first one.
func (f *FakeReader) Script(samples ...Sample) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = samples
	f.next = 0
}

// Fail makes every Read return err until Fail(nil).
func (f *FakeReader) Fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (bool, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.err != nil {
		return false, false, f.err
	}
	if len(f.samples) == 0 {
		return false, false, errors.New("gpio: no samples scripted")
	}
	s := f.samples[f.next]
	if f.next < len(f.samples)-1 {
		f.next++
	}
	return s.Open, s.Close, nil
}

// Reads counts Read calls, failed ones included.
func (f *FakeReader) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Close marks the reader closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeReader) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}
