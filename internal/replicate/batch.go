package replicate

import (
	"time"

	"github.com/sweeney/vent-hub/internal/journal"
)

// Batch is the body of a sync call.
type Batch struct {
	DeviceID       string          `json:"device_id"`
	SensorReadings []SensorReading `json:"sensor_readings"`
	ErrorLogs      []LogEntry      `json:"error_logs"`
	EventLogs      []LogEntry      `json:"event_logs"`
}

// SensorReading is one reading as the collector stores it.
type SensorReading struct {
	ID        uint64  `json:"id"`
	Timestamp string  `json:"timestamp"`
	Source    string  `json:"source"`
	DataType  string  `json:"data_type"`
	Value     float64 `json:"value"`
}

// LogEntry is an error or event line.
type LogEntry struct {
	ID        uint64 `json:"id"`
	Timestamp string `json:"timestamp"`
	Source    string `json:"source"`
	Message   string `json:"message"`
}

// NewBatch groups records by kind. Slices are never nil so they encode as [].
func NewBatch(deviceID string, records []journal.Record) *Batch {
	b := &Batch{
		DeviceID:       deviceID,
		SensorReadings: []SensorReading{},
		ErrorLogs:      []LogEntry{},
		EventLogs:      []LogEntry{},
	}
	for _, r := range records {
		ts := r.ObservedAt.UTC().Format(time.RFC3339)
		switch r.Kind {
		case journal.KindReading:
			b.SensorReadings = append(b.SensorReadings, SensorReading{ID: r.ID, Timestamp: ts, Source: r.Source, DataType: r.Metric, Value: r.Value})
		case journal.KindError:
			b.ErrorLogs = append(b.ErrorLogs, LogEntry{ID: r.ID, Timestamp: ts, Source: r.Source, Message: r.Message})
		default:
			b.EventLogs = append(b.EventLogs, LogEntry{ID: r.ID, Timestamp: ts, Source: r.Source, Message: r.Message})
		}
	}
	return b
}

// IDs returns the journal ids carried by the batch.
func (b *Batch) IDs() []uint64 {
	ids := make([]uint64, 0, len(b.SensorReadings)+len(b.ErrorLogs)+len(b.EventLogs))
	for _, r := range b.SensorReadings {
		ids = append(ids, r.ID)
	}
	for _, e := range b.ErrorLogs {
		ids = append(ids, e.ID)
	}
	for _, e := range b.EventLogs {
		ids = append(ids, e.ID)
	}
	return ids
}

// Len is the number of records in the batch.
func (b *Batch) Len() int {
	return len(b.SensorReadings) + len(b.ErrorLogs) + len(b.EventLogs)
}
