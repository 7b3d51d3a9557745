package history

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/sweeney/vent-hub/internal/journal"
)

var t0 = time.Date(2026, 4, 12, 9, 0, 0, 0, time.UTC)

type fakeWriter struct {
	points  []*write.Point
	flushes int
}

func (f *fakeWriter) WritePoint(p *write.Point) { f.points = append(f.points, p) }
func (f *fakeWriter) Flush()                    { f.flushes++ }

func TestPointLineProtocol(t *testing.T) {
	r := journal.Reading(journal.SourceIndoor, "temperature", 21.5, t0)
	got := strings.TrimSpace(write.PointToLineProtocol(Point(r, "hub-1"), time.Second))
	want := fmt.Sprintf("reading,device=hub-1,metric=temperature,source=indoor_climate value=21.5 %d", t0.Unix())
	if got != want {
		t.Errorf("line protocol\n got: %s\nwant: %s", got, want)
	}
}

func TestPointWithoutDevice(t *testing.T) {
	r := journal.Reading(journal.SourceOutdoor, "humidity", 80, t0)
	got := write.PointToLineProtocol(Point(r, ""), time.Second)
	if strings.Contains(got, "device=") {
		t.Errorf("unexpected device tag: %s", got)
	}
}

func TestMirrorWritesReadingsOnly(t *testing.T) {
	mem := journal.NewMemory()
	w := &fakeWriter{}
	m := NewMirror(mem, w, "hub-1")

	records := []journal.Record{
		journal.Reading(journal.SourceIndoor, "humidity", 55, t0),
		journal.Error(journal.SourceIndoor, "sensor read failed", t0),
		journal.Event(journal.SourceActuator, "status open", t0),
		journal.Reading(journal.SourceActuator, "position", 1200, t0),
	}
	for _, r := range records {
		if _, err := m.Append(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if len(w.points) != 2 {
		t.Fatalf("points = %d, want 2", len(w.points))
	}
	if n, _ := m.Pending(); n != len(records) {
		t.Errorf("journal pending = %d, want %d", n, len(records))
	}
}

func TestMirrorSkipsPointWhenJournalFails(t *testing.T) {
	mem := journal.NewMemory()
	mem.Close()
	w := &fakeWriter{}
	m := NewMirror(mem, w, "")

	_, err := m.Append(journal.Reading(journal.SourceIndoor, "temperature", 20, t0))
	if !errors.Is(err, journal.ErrClosed) {
		t.Fatalf("err = %v, want ErrClosed", err)
	}
	if len(w.points) != 0 {
		t.Error("no point should be written for a failed append")
	}
}

func TestMirrorCloseFlushes(t *testing.T) {
	mem := journal.NewMemory()
	w := &fakeWriter{}
	m := NewMirror(mem, w, "")
	if err := m.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if w.flushes != 1 {
		t.Errorf("flushes = %d, want 1", w.flushes)
	}
	if _, err := mem.Append(journal.Event("hub", "x", t0)); !errors.Is(err, journal.ErrClosed) {
		t.Error("inner journal should be closed")
	}
}

func TestOpenRequiresTarget(t *testing.T) {
	if _, err := Open(journal.NewMemory(), Config{URL: "http://localhost:8086"}); err == nil {
		t.Error("expected error without org and bucket")
	}
}
