// Package state holds the hub's last-known readings behind a single lock.
// It is the only resource with concurrent mutators: the MQTT handler, the
// indoor sampler and the control worker write; the web layer and the control
// worker read. Reads always return one consistent copy.
package state

import (
	"encoding/json"
	"sync"
	"time"
)

// Float is an optional measurement. A zero Float means "no data", which is
// distinct from a measured zero.
type Float struct {
	Value float64
	Valid bool
}

// Some wraps a present measurement.
func Some(v float64) Float {
	return Float{Value: v, Valid: true}
}

// MarshalJSON renders absent values as null.
func (f Float) MarshalJSON() ([]byte, error) {
	if !f.Valid {
		return []byte("null"), nil
	}
	return json.Marshal(f.Value)
}

// UnmarshalJSON accepts a number or null.
func (f *Float) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*f = Float{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = Some(v)
	return nil
}

// ActuatorState is the window actuator's reported state.
type ActuatorState string

const (
	ActuatorOpen    ActuatorState = "open"
	ActuatorClosed  ActuatorState = "closed"
	ActuatorUnknown ActuatorState = "unknown"
)

// ParseActuatorState accepts the wire values open, closed and unknown.
func ParseActuatorState(s string) (ActuatorState, bool) {
	switch ActuatorState(s) {
	case ActuatorOpen, ActuatorClosed, ActuatorUnknown:
		return ActuatorState(s), true
	}
	return "", false
}

// Indoor is the latest BME680 sample. Gas is absent until the sensor heater
// is stable.
type Indoor struct {
	Temperature Float     `json:"temperature"`
	Humidity    Float     `json:"humidity"`
	Gas         Float     `json:"gas"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Outdoor is assembled from three independent wire messages.
type Outdoor struct {
	Temperature Float     `json:"temperature"`
	Humidity    Float     `json:"humidity"`
	Battery     Float     `json:"battery"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Actuator is the window actuator's last reported status. Position is
// relative step-count telemetry and drifts if the actuator loses power
// mid-travel.
type Actuator struct {
	State       ActuatorState `json:"status"`
	Position    int           `json:"position"`
	MaxPosition int           `json:"max_position"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// ActuatorUpdate carries the subset of fields present in one status message.
// Nil fields leave the stored value untouched.
type ActuatorUpdate struct {
	State       *ActuatorState
	Position    *int
	MaxPosition *int
}

// DeviceError is the last error a device reported.
type DeviceError struct {
	Device  string    `json:"device"`
	Message string    `json:"error"`
	At      time.Time `json:"at"`
}

// OutdoorMetric names one of the three outdoor fields.
type OutdoorMetric string

const (
	OutdoorTemperature OutdoorMetric = "temperature"
	OutdoorHumidity    OutdoorMetric = "humidity"
	OutdoorBattery     OutdoorMetric = "battery"
)

// Change identifies which part of the store was updated.
type Change string

const (
	ChangeIndoor   Change = "indoor"
	ChangeOutdoor  Change = "outdoor"
	ChangeActuator Change = "actuator"
	ChangeError    Change = "error"
)

// Snapshot is a point-in-time view of the store.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	Indoor    Indoor       `json:"indoor"`
	Outdoor   Outdoor      `json:"outdoor"`
	Actuator  Actuator     `json:"actuator"`
	LastError *DeviceError `json:"last_error"`
	Now       time.Time    `json:"now"`
}

// Store holds mutable hub state behind an RWMutex.
type Store struct {
	now func() time.Time

	mu   sync.RWMutex
	snap Snapshot

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
	dropped uint64
}

// New creates an empty Store. The actuator starts out unknown.
func New(now func() time.Time) *Store {
	if now == nil {
		now = time.Now
	}
	return &Store{
		now:  now,
		snap: Snapshot{Actuator: Actuator{State: ActuatorUnknown}},
		subs: make(map[int]chan Change),
	}
}

// WriteIndoor replaces the indoor reading in one step.
func (s *Store) WriteIndoor(temperature, humidity float64, gas Float) {
	t := s.now()
	s.mu.Lock()
	s.snap.Indoor = Indoor{
		Temperature: Some(temperature),
		Humidity:    Some(humidity),
		Gas:         gas,
		UpdatedAt:   t,
	}
	s.mu.Unlock()
	s.notify(ChangeIndoor)
}

// WriteOutdoor updates a single outdoor field. It does not notify: the
// ingestion pipeline batches the three outdoor messages and calls Announce
// once per batch.
func (s *Store) WriteOutdoor(metric OutdoorMetric, value float64) bool {
	t := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	switch metric {
	case OutdoorTemperature:
		s.snap.Outdoor.Temperature = Some(value)
	case OutdoorHumidity:
		s.snap.Outdoor.Humidity = Some(value)
	case OutdoorBattery:
		s.snap.Outdoor.Battery = Some(value)
	default:
		return false
	}
	s.snap.Outdoor.UpdatedAt = t
	return true
}

// WriteActuator merges the present fields of u into the actuator status.
func (s *Store) WriteActuator(u ActuatorUpdate) {
	t := s.now()
	s.mu.Lock()
	if u.State != nil {
		s.snap.Actuator.State = *u.State
	}
	if u.Position != nil {
		s.snap.Actuator.Position = *u.Position
	}
	if u.MaxPosition != nil {
		s.snap.Actuator.MaxPosition = *u.MaxPosition
	}
	s.snap.Actuator.UpdatedAt = t
	s.mu.Unlock()
	s.notify(ChangeActuator)
}

// WriteDeviceError records the latest device error.
func (s *Store) WriteDeviceError(device, message string) {
	e := &DeviceError{Device: device, Message: message, At: s.now()}
	s.mu.Lock()
	s.snap.LastError = e
	s.mu.Unlock()
	s.notify(ChangeError)
}

// Announce notifies subscribers of a change without writing anything.
func (s *Store) Announce(c Change) {
	s.notify(c)
}

// Snapshot returns a point-in-time copy of the store.
// The Now field is set to the current time at the moment of the call.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := s.snap
	if s.snap.LastError != nil {
		e := *s.snap.LastError
		snap.LastError = &e
	}
	s.mu.RUnlock()
	snap.Now = s.now()
	return snap
}

// Subscribe registers an observer. Notifications are delivered on the
// returned channel; if it is full the notification is dropped for that
// observer only. Call cancel to unregister.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Change, buffer)
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Dropped returns how many notifications were discarded because an
// observer was not keeping up.
func (s *Store) Dropped() uint64 {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return s.dropped
}

// notify runs after the state lock is released.
func (s *Store) notify(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
			s.dropped++
		}
	}
}
