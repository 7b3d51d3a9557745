// Package journal is the hub's durable append-only log of readings, errors
// and events. Records carry a synced flag; the replication client drains
// unsynced records and marks them synced once the collector acknowledges
// them.
package journal

import (
	"errors"
	"time"
)

// Kind classifies a record.
type Kind string

const (
	KindReading Kind = "reading"
	KindError   Kind = "error"
	KindEvent   Kind = "event"
)

// Reading sources.
const (
	SourceIndoor   = "indoor_climate"
	SourceOutdoor  = "outdoor_climate"
	SourceActuator = "actuator"
)

// ErrClosed is returned by operations on a closed log.
var ErrClosed = errors.New("journal closed")

// Record is one journal entry. ID is assigned by Append and is stable.
type Record struct {
	ID         uint64    `json:"id"`
	Kind       Kind      `json:"kind"`
	Source     string    `json:"source"`
	Metric     string    `json:"metric,omitempty"`
	Value      float64   `json:"value,omitempty"`
	Message    string    `json:"message,omitempty"`
	ObservedAt time.Time `json:"observed_at"`
	Synced     bool      `json:"synced"`
}

// Log is the contract the pipeline, control worker and replication client
// share. Implementations must be safe for concurrent use.
type Log interface {
	// Append stores r and returns its assigned id. r.ID and r.Synced are ignored.
	Append(r Record) (uint64, error)

	// FetchUnsynced returns up to limit unsynced records in id order.
	FetchUnsynced(limit int) ([]Record, error)

	// MarkSynced flags the given ids as synced. Unknown or already synced
	// ids are ignored.
	MarkSynced(ids []uint64) error

	// Sweep deletes records that are synced and observed before cutoff.
	// Unsynced records are never deleted.
	Sweep(cutoff time.Time) (int, error)

	// Pending returns the number of unsynced records.
	Pending() (int, error)

	Close() error
}

// Reading builds a reading record.
func Reading(source, metric string, value float64, at time.Time) Record {
	return Record{Kind: KindReading, Source: source, Metric: metric, Value: value, ObservedAt: at}
}

// Error builds an error record.
func Error(source, message string, at time.Time) Record {
	return Record{Kind: KindError, Source: source, Message: message, ObservedAt: at}
}

// Event builds an event record.
func Event(source, message string, at time.Time) Record {
	return Record{Kind: KindEvent, Source: source, Message: message, ObservedAt: at}
}
