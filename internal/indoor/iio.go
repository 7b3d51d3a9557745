package indoor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sweeney/vent-hub/internal/state"
)

// DefaultIIODevice is where the BME680 driver exposes its channels.
const DefaultIIODevice = "/sys/bus/iio/devices/iio:device0"

// IIO reads a BME680 through the Linux industrial I/O sysfs interface.
type IIO struct {
	dir string
}

// NewIIO returns a sensor reading from the IIO device directory dir.
func NewIIO(dir string) (*IIO, error) {
	if _, err := os.Stat(filepath.Join(dir, "in_temp_input")); err != nil {
		return nil, fmt.Errorf("open iio device %s: %w", dir, err)
	}
	return &IIO{dir: dir}, nil
}

// Read returns temperature in °C, humidity in %RH and gas resistance in
// ohms. A failed gas read means the heater is not stable yet and is
// reported as absent.
func (d *IIO) Read() (Sample, error) {
	milliC, err := d.channel("in_temp_input")
	if err != nil {
		return Sample{}, err
	}
	milliRH, err := d.channel("in_humidityrelative_input")
	if err != nil {
		return Sample{}, err
	}
	s := Sample{Temperature: milliC / 1000, Humidity: milliRH / 1000}
	if ohms, err := d.channel("in_resistance_input"); err == nil {
		s.Gas = state.Some(ohms)
	}
	return s, nil
}

func (d *IIO) channel(name string) (float64, error) {
	raw, err := os.ReadFile(filepath.Join(d.dir, name))
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", name, err)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(raw)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return v, nil
}
