// Package ingest turns inbound broker messages into validated store updates
// and journal readings, and owns the command publish path.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/sweeney/vent-hub/internal/climate"
	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/mqtt"
	"github.com/sweeney/vent-hub/internal/state"
	"github.com/sweeney/vent-hub/internal/validate"
)

// ErrUnknownTopic is returned by Handle for topics the hub does not route.
var ErrUnknownTopic = errors.New("unknown topic")

// Config configures a Pipeline. Zero values select the defaults.
type Config struct {
	Topics       mqtt.Topics
	BatchTimeout time.Duration
	AfterFunc    AfterFunc
	Metrics      *metrics.Metrics
	Now          func() time.Time
}

// Pipeline validates inbound messages and writes them to the store and the
// journal. Handle is called from the transport goroutine; PublishCommand and
// WriteIndoor may be called concurrently with it.
type Pipeline struct {
	store   *state.Store
	journal journal.Log
	pub     mqtt.Publisher
	topics  mqtt.Topics
	batch   *PendingBatch
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates a pipeline.
func New(store *state.Store, jl journal.Log, pub mqtt.Publisher, cfg Config) *Pipeline {
	if cfg.Topics == (mqtt.Topics{}) {
		cfg.Topics = mqtt.DefaultTopics()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	p := &Pipeline{
		store:   store,
		journal: jl,
		pub:     pub,
		topics:  cfg.Topics,
		metrics: cfg.Metrics,
		now:     cfg.Now,
	}
	p.batch = NewPendingBatch(cfg.BatchTimeout, cfg.AfterFunc, p.closeBatch)
	return p
}

// Batch exposes the outdoor pending batch.
func (p *Pipeline) Batch() *PendingBatch {
	return p.batch
}

// HandleMessage is the mqtt.Handler form of Handle.
func (p *Pipeline) HandleMessage(topic string, payload []byte) {
	_ = p.Handle(topic, payload)
}

// Handle processes one inbound message. A returned error means the message
// was dropped; it has already been logged and journaled.
func (p *Pipeline) Handle(topic string, payload []byte) error {
	err := p.route(topic, payload)
	if err != nil {
		p.metrics.Message(topic, "rejected")
		log.Printf("ingest: drop %s: %v", topic, err)
		p.appendRecord(journal.Error("mqtt", fmt.Sprintf("rejected %s: %v", topic, err), p.now()))
		return err
	}
	p.metrics.Message(topic, "accepted")
	return nil
}

func (p *Pipeline) route(topic string, payload []byte) error {
	switch topic {
	case p.topics.Temperature, p.topics.Humidity, p.topics.Battery,
		p.topics.WindowStatus, p.topics.DeviceError:
	default:
		return fmt.Errorf("%w %q", ErrUnknownTopic, topic)
	}

	fields, err := decode(payload)
	if err != nil {
		return err
	}

	switch topic {
	case p.topics.Temperature:
		v, err := validate.Float("temperature", fields["temperature"], validate.OutdoorTemperature)
		if err != nil {
			return err
		}
		p.writeOutdoor(state.OutdoorTemperature, v)
	case p.topics.Humidity:
		v, err := validate.Percent("humidity", fields["humidity"])
		if err != nil {
			return err
		}
		p.writeOutdoor(state.OutdoorHumidity, float64(v))
	case p.topics.Battery:
		v, err := validate.Percent("battery", fields["battery"])
		if err != nil {
			return err
		}
		p.writeOutdoor(state.OutdoorBattery, float64(v))
	case p.topics.WindowStatus:
		return p.writeActuator(fields)
	case p.topics.DeviceError:
		return p.writeDeviceError(fields)
	}
	return nil
}

func decode(payload []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("decode payload: not a JSON object")
	}
	return fields, nil
}

func (p *Pipeline) writeOutdoor(metric state.OutdoorMetric, v float64) {
	now := p.now()
	p.store.WriteOutdoor(metric, v)
	p.metrics.Reading(journal.SourceOutdoor, string(metric), v)
	p.appendRecord(journal.Reading(journal.SourceOutdoor, string(metric), v, now))
	p.batch.Mark(metric, now)
}

func (p *Pipeline) closeBatch(closedBy string) {
	p.metrics.Batch(closedBy)
	p.store.Announce(state.ChangeOutdoor)
}

// writeActuator requires a valid status; position and max_position are
// merged only when they validate, each on its own.
func (p *Pipeline) writeActuator(fields map[string]any) error {
	raw, ok := fields["status"].(string)
	if !ok {
		return &validate.Error{Field: "status", Raw: fields["status"], Reason: "missing or not a string"}
	}
	st, ok := state.ParseActuatorState(strings.TrimSpace(raw))
	if !ok {
		return &validate.Error{Field: "status", Raw: raw, Reason: "not open, closed or unknown"}
	}

	u := state.ActuatorUpdate{State: &st}
	for _, f := range []struct {
		name string
		dst  **int
	}{
		{"position", &u.Position},
		{"max_position", &u.MaxPosition},
	} {
		rawPos, present := fields[f.name]
		if !present {
			continue
		}
		v, err := validate.Position(f.name, rawPos)
		if err != nil {
			log.Printf("ingest: ignore field: %v", err)
			p.appendRecord(journal.Error("mqtt", fmt.Sprintf("ignored actuator field: %v", err), p.now()))
			continue
		}
		*f.dst = &v
	}

	now := p.now()
	p.store.WriteActuator(u)
	if u.Position != nil {
		p.metrics.Reading(journal.SourceActuator, "position", float64(*u.Position))
		p.appendRecord(journal.Reading(journal.SourceActuator, "position", float64(*u.Position), now))
	}
	p.appendRecord(journal.Event(journal.SourceActuator, "status "+string(st), now))
	return nil
}

func (p *Pipeline) writeDeviceError(fields map[string]any) error {
	msg, _ := fields["error"].(string)
	msg = strings.TrimSpace(msg)
	if msg == "" {
		return &validate.Error{Field: "error", Raw: fields["error"], Reason: "missing or empty"}
	}
	device, _ := fields["device"].(string)
	device = strings.TrimSpace(device)
	if device == "" {
		device = "unknown"
	}

	p.store.WriteDeviceError(device, msg)
	log.Printf("ingest: device %s reported: %s", device, msg)
	p.appendRecord(journal.Error(device, msg, p.now()))
	return nil
}

// WriteIndoor stores one validated indoor sample and journals its fields.
func (p *Pipeline) WriteIndoor(temperature, humidity float64, gas state.Float) {
	now := p.now()
	p.store.WriteIndoor(temperature, humidity, gas)

	p.metrics.Reading(journal.SourceIndoor, "temperature", temperature)
	p.metrics.Reading(journal.SourceIndoor, "humidity", humidity)
	p.appendRecord(journal.Reading(journal.SourceIndoor, "temperature", temperature, now))
	p.appendRecord(journal.Reading(journal.SourceIndoor, "humidity", humidity, now))
	if gas.Valid {
		p.metrics.Reading(journal.SourceIndoor, "gas", gas.Value)
		p.appendRecord(journal.Reading(journal.SourceIndoor, "gas", gas.Value, now))
	}
}

// PublishCommand sends cmd to the actuator. It never retries; the engine's
// next evaluation reconsiders. Errors wrap mqtt.ErrNotConnected or
// mqtt.ErrTransportRejected.
func (p *Pipeline) PublishCommand(cmd climate.Command) error {
	payload, err := mqtt.FormatCommand(string(cmd))
	if err != nil {
		return fmt.Errorf("format command: %w", err)
	}
	if err := p.pub.Publish(p.topics.WindowCommand, 1, false, payload); err != nil {
		p.metrics.Command(string(cmd), false)
		log.Printf("ingest: publish %s failed: %v", cmd, err)
		p.appendRecord(journal.Error("mqtt", fmt.Sprintf("publish %s: %v", cmd, err), p.now()))
		return fmt.Errorf("publish %s: %w", cmd, err)
	}
	p.metrics.Command(string(cmd), true)
	return nil
}

// Connected reports whether commands can currently be published.
func (p *Pipeline) Connected() bool {
	return p.pub.IsConnected()
}

// appendRecord journals r. A journal failure is logged; the store update
// stands.
func (p *Pipeline) appendRecord(r journal.Record) {
	if _, err := p.journal.Append(r); err != nil {
		log.Printf("ingest: journal %s record: %v", r.Kind, err)
	}
}
