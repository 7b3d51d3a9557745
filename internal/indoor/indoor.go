// Package indoor samples the room climate sensor and feeds validated
// readings to the hub.
package indoor

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/sweeney/vent-hub/internal/journal"
	"github.com/sweeney/vent-hub/internal/metrics"
	"github.com/sweeney/vent-hub/internal/state"
	"github.com/sweeney/vent-hub/internal/validate"
)

// Defaults for the sampling loop.
const (
	DefaultInterval   = 10 * time.Second
	DefaultErrorPause = 5 * time.Second
)

// Sample is one raw sensor reading. Gas is absent until the sensor's heater
// is stable.
type Sample struct {
	Temperature float64
	Humidity    float64
	Gas         state.Float
}

// Sensor reads the indoor climate sensor.
type Sensor interface {
	Read() (Sample, error)
}

// Sink accepts validated indoor readings.
type Sink interface {
	WriteIndoor(temperature, humidity float64, gas state.Float)
}

// Config configures a Sampler. Zero values select the defaults.
type Config struct {
	Interval   time.Duration
	ErrorPause time.Duration
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Sampler reads the sensor on a fixed interval.
type Sampler struct {
	sensor  Sensor
	sink    Sink
	journal journal.Log
	cfg     Config
}

// NewSampler creates a sampler.
func NewSampler(sensor Sensor, sink Sink, jl journal.Log, cfg Config) *Sampler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ErrorPause <= 0 {
		cfg.ErrorPause = DefaultErrorPause
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Sampler{sensor: sensor, sink: sink, journal: jl, cfg: cfg}
}

// Run samples until ctx is cancelled. After a failed sample it pauses an
// extra ErrorPause before resuming.
func (s *Sampler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	log.Printf("indoor: sampling every %v", s.cfg.Interval)
	for {
		if err := s.SampleOnce(); err != nil {
			log.Printf("indoor: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(s.cfg.ErrorPause):
			}
		}
		select {
		case <-ctx.Done():
			log.Printf("indoor: stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SampleOnce reads, validates and forwards one sample.
func (s *Sampler) SampleOnce() error {
	err := s.sample()
	s.cfg.Metrics.IndoorSample(err == nil)
	if err != nil {
		if _, jerr := s.journal.Append(journal.Error(journal.SourceIndoor, err.Error(), s.cfg.Now())); jerr != nil {
			log.Printf("indoor: journal error record: %v", jerr)
		}
	}
	return err
}

func (s *Sampler) sample() error {
	raw, err := s.sensor.Read()
	if err != nil {
		return fmt.Errorf("read sensor: %w", err)
	}
	temp, err := validate.Float("temperature", raw.Temperature, validate.IndoorTemperature)
	if err != nil {
		return err
	}
	hum, err := validate.Float("humidity", raw.Humidity, validate.Humidity)
	if err != nil {
		return err
	}
	gas := raw.Gas
	if gas.Valid {
		v, err := validate.Float("gas_resistance", gas.Value, validate.GasResistance)
		if err != nil {
			// A bad gas value alone does not cost the climate reading.
			log.Printf("indoor: %v", err)
			gas = state.Float{}
		} else {
			gas = state.Some(v)
		}
	}
	s.sink.WriteIndoor(temp, hum, gas)
	return nil
}
