// Package sampling turns a burst of raw sensor reads into one averaged,
// calibrated and timestamped sensor.Reading.
package sampling

import (
	"errors"
	"fmt"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

var ErrInvalidSampleCount = errors.New("sample count out of range")

// Clock supplies wall time. Only whole unix seconds are used.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Calibration holds the fixed unit conversions applied to every raw sample.
type Calibration struct {
	TemperatureOffset float64 // °C, additive
	LightADCMax       int     // raw value mapped to 100 %
	LightPin          int
}

// sample is one calibrated hardware read.
type sample struct {
	temperature    float64
	pressure       float64
	humidity       float64
	gasResistance  float64
	lightIntensity float64
}

// Buffer is the fixed-capacity working area reused by every acquisition.
// It is not safe for concurrent use.
type Buffer struct {
	samples []sample
}

func NewBuffer(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{samples: make([]sample, capacity)}
}

func (b *Buffer) Cap() int { return len(b.samples) }

// SensorFault reports a failed hardware read during acquisition. No reading is
// produced for the cycle.
type SensorFault struct {
	Sample    int   // zero-based index of the failing read
	Err       error // read error
	InitErr   error // result of the single re-initialisation attempt
	Recovered bool  // re-initialisation succeeded
}

func (e *SensorFault) Error() string {
	if e.Recovered {
		return fmt.Sprintf("sensor fault at sample %d: %v (sensor re-initialised)", e.Sample, e.Err)
	}
	return fmt.Sprintf("sensor fault at sample %d: %v (re-init failed: %v)", e.Sample, e.Err, e.InitErr)
}

func (e *SensorFault) Unwrap() error { return e.Err }

// Aggregator performs oversampled acquisitions into an owned Buffer.
type Aggregator struct {
	buf   *Buffer
	cal   Calibration
	clock Clock
	sleep func(time.Duration)
}

type Option func(*Aggregator)

func WithClock(c Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

func WithSleep(fn func(time.Duration)) Option {
	return func(a *Aggregator) { a.sleep = fn }
}

func NewAggregator(buf *Buffer, cal Calibration, opts ...Option) *Aggregator {
	a := &Aggregator{buf: buf, cal: cal, clock: systemClock{}, sleep: time.Sleep}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Acquire reads sampleCount samples spaced by interSampleDelay and returns their
// plain arithmetic mean. The delay lets the gas heater settle between reads.
// A failing read triggers one drv.Init and aborts with a *SensorFault.
func (a *Aggregator) Acquire(sampleCount int, interSampleDelay time.Duration, sequence uint64, drv sensor.Driver, light sensor.LightReader) (sensor.Reading, error) {
	if sampleCount < 1 || sampleCount > a.buf.Cap() {
		return sensor.Reading{}, fmt.Errorf("%w: %d (capacity %d)", ErrInvalidSampleCount, sampleCount, a.buf.Cap())
	}

	start := unixSeconds(a.clock.Now())

	for i := 0; i < sampleCount; i++ {
		if err := drv.PerformReading(); err != nil {
			return sensor.Reading{}, a.fault(i, err, drv)
		}
		raw, err := light.ReadAnalog(a.cal.LightPin)
		if err != nil {
			return sensor.Reading{}, a.fault(i, fmt.Errorf("light: %w", err), drv)
		}
		a.buf.samples[i] = sample{
			temperature:    drv.Temperature() + a.cal.TemperatureOffset,
			pressure:       PascalToHectopascal(drv.Pressure()),
			humidity:       drv.Humidity(),
			gasResistance:  OhmToKiloOhm(drv.GasResistance()),
			lightIntensity: LightPercent(raw, a.cal.LightADCMax),
		}
		a.sleep(interSampleDelay)
	}

	end := unixSeconds(a.clock.Now())

	var sum sample
	for _, s := range a.buf.samples[:sampleCount] {
		sum.temperature += s.temperature
		sum.pressure += s.pressure
		sum.humidity += s.humidity
		sum.gasResistance += s.gasResistance
		sum.lightIntensity += s.lightIntensity
	}
	n := float64(sampleCount)

	return sensor.Reading{
		Temperature:    sum.temperature / n,
		Pressure:       sum.pressure / n,
		Humidity:       sum.humidity / n,
		GasResistance:  sum.gasResistance / n,
		LightIntensity: sum.lightIntensity / n,
		Timestamp:      Midpoint(start, end),
		Sequence:       sequence,
	}, nil
}

func (a *Aggregator) fault(i int, err error, drv sensor.Driver) error {
	initErr := drv.Init()
	return &SensorFault{Sample: i, Err: err, InitErr: initErr, Recovered: initErr == nil}
}

// Midpoint returns start + floor((end-start)/2). A clock that stepped
// backwards yields start.
func Midpoint(start, end uint64) uint64 {
	if end < start {
		return start
	}
	return start + (end-start)/2
}

func PascalToHectopascal(pa float64) float64 { return pa / 100.0 }

func OhmToKiloOhm(ohm float64) float64 { return ohm / 1000.0 }

// LightPercent rescales a raw ADC value in [0, adcMax] to [0, 100].
func LightPercent(raw, adcMax int) float64 {
	if adcMax <= 0 {
		return 0
	}
	if raw < 0 {
		raw = 0
	}
	if raw > adcMax {
		raw = adcMax
	}
	return float64(raw) * 100.0 / float64(adcMax)
}

func unixSeconds(t time.Time) uint64 {
	s := t.Unix()
	if s < 0 {
		return 0
	}
	return uint64(s)
}
