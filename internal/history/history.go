// Package history mirrors journal readings into InfluxDB for charting.
// The journal stays the source of truth; the mirror is best effort and
// never fails an append.
package history

import (
	"fmt"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/vent-hub/internal/journal"
)

// Measurement is the InfluxDB measurement readings are written to.
const Measurement = "reading"

// Config selects the InfluxDB target.
type Config struct {
	URL    string
	Token  string
	Org    string
	Bucket string
	Device string
}

// PointWriter is the subset of api.WriteAPI the mirror uses.
type PointWriter interface {
	WritePoint(p *write.Point)
	Flush()
}

// Mirror is a journal.Log that also writes every appended reading as a point.
type Mirror struct {
	journal.Log
	w      PointWriter
	device string
	close  func()
}

// Open connects to InfluxDB with the non-blocking write API and wraps inner.
func Open(inner journal.Log, cfg Config) (*Mirror, error) {
	if cfg.URL == "" || cfg.Org == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("history: url, org and bucket are required")
	}
	client := influxdb2.NewClientWithOptions(cfg.URL, cfg.Token,
		influxdb2.DefaultOptions().SetBatchSize(100).SetFlushInterval(10_000))
	wa := client.WriteAPI(cfg.Org, cfg.Bucket)
	go func() {
		for err := range wa.Errors() {
			log.Printf("history: influx write error: %v", err)
		}
	}()
	m := NewMirror(inner, wa, cfg.Device)
	m.close = client.Close
	log.Printf("history: mirroring readings to %s bucket=%s", cfg.URL, cfg.Bucket)
	return m, nil
}

// NewMirror wraps inner with an existing writer.
func NewMirror(inner journal.Log, w PointWriter, device string) *Mirror {
	return &Mirror{Log: inner, w: w, device: device}
}

// Append stores r in the journal and, for readings, queues a point.
func (m *Mirror) Append(r journal.Record) (uint64, error) {
	id, err := m.Log.Append(r)
	if err != nil {
		return id, err
	}
	if r.Kind == journal.KindReading {
		m.w.WritePoint(Point(r, m.device))
	}
	return id, nil
}

// Close flushes queued points, then closes the journal.
func (m *Mirror) Close() error {
	m.w.Flush()
	if m.close != nil {
		m.close()
	}
	return m.Log.Close()
}

// Point converts a reading into an InfluxDB point.
func Point(r journal.Record, device string) *write.Point {
	at := r.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}
	tags := map[string]string{
		"source": r.Source,
		"metric": r.Metric,
	}
	if device != "" {
		tags["device"] = device
	}
	return influxdb2.NewPoint(Measurement, tags, map[string]interface{}{"value": r.Value}, at)
}
