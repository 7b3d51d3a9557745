package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"
)

func fixedClock() func() time.Time {
	t := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func TestNewStore(t *testing.T) {
	s := New(fixedClock())
	snap := s.Snapshot()
	if snap.Indoor.Temperature.Valid || snap.Indoor.Humidity.Valid || snap.Indoor.Gas.Valid {
		t.Error("expected no indoor data initially")
	}
	if snap.Outdoor.Temperature.Valid {
		t.Error("expected no outdoor data initially")
	}
	if snap.Actuator.State != ActuatorUnknown {
		t.Errorf("Actuator.State: got %q, want unknown", snap.Actuator.State)
	}
	if snap.LastError != nil {
		t.Error("expected no last error")
	}
}

func TestWriteIndoor(t *testing.T) {
	s := New(fixedClock())
	s.WriteIndoor(21.5, 48, Float{})

	snap := s.Snapshot()
	if snap.Indoor.Temperature != Some(21.5) {
		t.Errorf("Temperature: got %+v", snap.Indoor.Temperature)
	}
	if snap.Indoor.Humidity != Some(48) {
		t.Errorf("Humidity: got %+v", snap.Indoor.Humidity)
	}
	if snap.Indoor.Gas.Valid {
		t.Error("Gas should be absent, not zero")
	}
	if snap.Indoor.UpdatedAt.IsZero() {
		t.Error("UpdatedAt not stamped")
	}
}

func TestWriteOutdoorFields(t *testing.T) {
	s := New(fixedClock())
	if !s.WriteOutdoor(OutdoorTemperature, 12.5) {
		t.Fatal("temperature write rejected")
	}
	if !s.WriteOutdoor(OutdoorBattery, 80) {
		t.Fatal("battery write rejected")
	}
	if s.WriteOutdoor(OutdoorMetric("pressure"), 1013) {
		t.Error("unknown metric should be rejected")
	}

	snap := s.Snapshot()
	if snap.Outdoor.Temperature != Some(12.5) {
		t.Errorf("Temperature: got %+v", snap.Outdoor.Temperature)
	}
	if snap.Outdoor.Humidity.Valid {
		t.Error("Humidity should still be absent")
	}
	if snap.Outdoor.Battery != Some(80) {
		t.Errorf("Battery: got %+v", snap.Outdoor.Battery)
	}
}

func TestWriteActuatorMergesByKey(t *testing.T) {
	s := New(fixedClock())
	open := ActuatorOpen
	pos, maxPos := 300, 1024
	s.WriteActuator(ActuatorUpdate{State: &open, Position: &pos, MaxPosition: &maxPos})

	pos2 := 512
	s.WriteActuator(ActuatorUpdate{Position: &pos2})

	snap := s.Snapshot()
	if snap.Actuator.State != ActuatorOpen {
		t.Errorf("State: got %q, want open", snap.Actuator.State)
	}
	if snap.Actuator.Position != 512 {
		t.Errorf("Position: got %d, want 512", snap.Actuator.Position)
	}
	if snap.Actuator.MaxPosition != 1024 {
		t.Errorf("MaxPosition: got %d, want 1024", snap.Actuator.MaxPosition)
	}
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	s := New(fixedClock())
	s.WriteDeviceError("esp32_window", "motor stalled")

	snap := s.Snapshot()
	snap.LastError.Message = "mutated"
	snap.Indoor.Temperature = Some(99)

	again := s.Snapshot()
	if again.LastError.Message != "motor stalled" {
		t.Errorf("LastError mutated through snapshot: %q", again.LastError.Message)
	}
	if again.Indoor.Temperature.Valid {
		t.Error("Indoor mutated through snapshot")
	}
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := New(fixedClock())
	ch, cancel := s.Subscribe(4)
	defer cancel()

	s.WriteIndoor(20, 50, Some(50000))
	s.WriteOutdoor(OutdoorTemperature, 10)
	s.Announce(ChangeOutdoor)
	s.WriteDeviceError("esp32_sensor", "dht timeout")

	want := []Change{ChangeIndoor, ChangeOutdoor, ChangeError}
	for i, w := range want {
		select {
		case got := <-ch:
			if got != w {
				t.Errorf("change %d: got %q, want %q", i, got, w)
			}
		default:
			t.Fatalf("change %d: nothing delivered", i)
		}
	}
	select {
	case got := <-ch:
		t.Errorf("unexpected extra change %q", got)
	default:
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	s := New(fixedClock())
	slow, cancelSlow := s.Subscribe(1)
	defer cancelSlow()
	fast, cancelFast := s.Subscribe(8)
	defer cancelFast()

	for i := 0; i < 3; i++ {
		s.WriteIndoor(20, 50, Float{})
	}

	if len(slow) != 1 {
		t.Errorf("slow subscriber: got %d queued, want 1", len(slow))
	}
	if len(fast) != 3 {
		t.Errorf("fast subscriber: got %d queued, want 3", len(fast))
	}
	if s.Dropped() != 2 {
		t.Errorf("Dropped: got %d, want 2", s.Dropped())
	}
}

func TestCancelClosesChannel(t *testing.T) {
	s := New(fixedClock())
	ch, cancel := s.Subscribe(1)
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected closed channel")
	}
	s.WriteIndoor(20, 50, Float{})
}

func TestConcurrentWritesAreNotTorn(t *testing.T) {
	s := New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				v := float64(i*1000 + j)
				s.WriteIndoor(v, v, Some(v))
			}
		}(i)
	}
	for r := 0; r < 2; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				snap := s.Snapshot()
				in := snap.Indoor
				if !in.Temperature.Valid {
					continue
				}
				if in.Temperature.Value != in.Humidity.Value || in.Temperature.Value != in.Gas.Value {
					t.Errorf("torn indoor read: %+v", in)
					return
				}
			}
		}()
	}
	wg.Wait()
}

func TestFloatJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		A Float `json:"a"`
		B Float `json:"b"`
	}{A: Some(1.5)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"a":1.5,"b":null}` {
		t.Errorf("got %s", data)
	}

	var back struct {
		A Float `json:"a"`
		B Float `json:"b"`
	}
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if back.A != Some(1.5) || back.B.Valid {
		t.Errorf("decoded %+v", back)
	}
}

func TestParseActuatorState(t *testing.T) {
	for _, s := range []string{"open", "closed", "unknown"} {
		if _, ok := ParseActuatorState(s); !ok {
			t.Errorf("%q should parse", s)
		}
	}
	for _, s := range []string{"", "OPEN", "aaben", "half"} {
		if _, ok := ParseActuatorState(s); ok {
			t.Errorf("%q should not parse", s)
		}
	}
}
