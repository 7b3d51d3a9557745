package ingest

import (
	"sync"
	"time"

	"github.com/sweeney/vent-hub/internal/state"
)

// DefaultBatchTimeout bounds how long a partial outdoor batch stays open.
const DefaultBatchTimeout = 2 * time.Second

// Batch close reasons.
const (
	ClosedComplete = "complete"
	ClosedTimeout  = "timeout"
)

// Timer is the part of *time.Timer the batch needs.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d, like time.AfterFunc.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// PendingBatch collects the three outdoor metrics, which arrive as separate
// messages, and fires onClose once per batch: when all three have been seen
// or when the timeout expires, whichever comes first.
type PendingBatch struct {
	timeout   time.Duration
	afterFunc AfterFunc
	onClose   func(closedBy string)

	mu       sync.Mutex
	open     bool
	openedAt time.Time
	seen     map[state.OutdoorMetric]bool
	timer    Timer
	gen      uint64
}

// NewPendingBatch creates a closed batch. afterFunc may be nil.
func NewPendingBatch(timeout time.Duration, afterFunc AfterFunc, onClose func(closedBy string)) *PendingBatch {
	if timeout <= 0 {
		timeout = DefaultBatchTimeout
	}
	if afterFunc == nil {
		afterFunc = realAfterFunc
	}
	return &PendingBatch{
		timeout:   timeout,
		afterFunc: afterFunc,
		onClose:   onClose,
		seen:      make(map[state.OutdoorMetric]bool),
	}
}

// Mark records metric as seen, opening a batch at now if none is open.
func (b *PendingBatch) Mark(metric state.OutdoorMetric, now time.Time) {
	b.mu.Lock()
	if !b.open {
		b.open = true
		b.openedAt = now
		b.gen++
		gen := b.gen
		b.timer = b.afterFunc(b.timeout, func() { b.expire(gen) })
	}
	b.seen[metric] = true
	complete := b.seen[state.OutdoorTemperature] && b.seen[state.OutdoorHumidity] && b.seen[state.OutdoorBattery]
	if complete {
		b.timer.Stop()
		b.reset()
	}
	b.mu.Unlock()

	if complete {
		b.onClose(ClosedComplete)
	}
}

func (b *PendingBatch) expire(gen uint64) {
	b.mu.Lock()
	if !b.open || gen != b.gen {
		b.mu.Unlock()
		return
	}
	b.reset()
	b.mu.Unlock()

	b.onClose(ClosedTimeout)
}

// reset closes the batch. Caller holds mu.
func (b *PendingBatch) reset() {
	b.open = false
	b.openedAt = time.Time{}
	b.timer = nil
	for k := range b.seen {
		delete(b.seen, k)
	}
}

// Open reports whether a batch is open and when it was opened.
func (b *PendingBatch) Open() (bool, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open, b.openedAt
}

// Flush closes an open batch immediately, as a timeout would.
func (b *PendingBatch) Flush() {
	b.mu.Lock()
	if !b.open {
		b.mu.Unlock()
		return
	}
	b.timer.Stop()
	b.reset()
	b.mu.Unlock()

	b.onClose(ClosedTimeout)
}
