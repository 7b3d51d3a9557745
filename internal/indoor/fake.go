package indoor

import (
	"errors"
	"sync"
)

// FakeSensor returns scripted samples. When the script is exhausted the
// last entry repeats.
type FakeSensor struct {
	mu      sync.Mutex
	samples []FakeSample
	index   int
	reads   int
}

// FakeSample is one scripted result.
type FakeSample struct {
	Sample Sample
	Err    error
}

// NewFakeSensor creates a FakeSensor with the given script.
func NewFakeSensor(samples ...FakeSample) *FakeSensor {
	return &FakeSensor{samples: samples}
}

// Read returns the next scripted result.
func (f *FakeSensor) Read() (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if len(f.samples) == 0 {
		return Sample{}, errors.New("no samples configured")
	}
	s := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return s.Sample, s.Err
}

// Reads returns how many times Read was called.
func (f *FakeSensor) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}
