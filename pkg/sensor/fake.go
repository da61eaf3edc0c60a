package sensor

import (
	"errors"
	"math/rand"
	"sync"
)

var ErrSimulatedFailure = errors.New("simulated sensor failure")

// FakeDriver simulates a BME680 with small noise around fixed base values.
// FailAt makes the n-th PerformReading call (1-based) fail.
type FakeDriver struct {
	mu  sync.Mutex
	rnd *rand.Rand

	BaseTemperature   float64
	BasePressure      float64
	BaseHumidity      float64
	BaseGasResistance float64
	Noise             float64
	FailAt            map[int]bool
	InitErr           error

	reads int
	inits int

	temperature, pressure, humidity, gas float64
}

var _ Driver = (*FakeDriver)(nil)

func NewFakeDriver(seed int64) *FakeDriver {
	return &FakeDriver{
		rnd:               rand.New(rand.NewSource(seed)),
		BaseTemperature:   22.5,
		BasePressure:      101325,
		BaseHumidity:      45,
		BaseGasResistance: 50000,
		Noise:             0.01,
	}
}

func (f *FakeDriver) PerformReading() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.FailAt[f.reads] {
		return ErrSimulatedFailure
	}
	f.temperature = f.jitter(f.BaseTemperature)
	f.pressure = f.jitter(f.BasePressure)
	f.humidity = f.jitter(f.BaseHumidity)
	f.gas = f.jitter(f.BaseGasResistance)
	return nil
}

func (f *FakeDriver) jitter(v float64) float64 {
	if f.Noise == 0 || f.rnd == nil {
		return v
	}
	return v * (1 + (f.rnd.Float64()*2-1)*f.Noise)
}

func (f *FakeDriver) Temperature() float64   { return f.temperature }
func (f *FakeDriver) Pressure() float64      { return f.pressure }
func (f *FakeDriver) Humidity() float64      { return f.humidity }
func (f *FakeDriver) GasResistance() float64 { return f.gas }

func (f *FakeDriver) Init() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return f.InitErr
}

// Reads returns the number of PerformReading calls so far.
func (f *FakeDriver) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Inits returns the number of Init calls so far.
func (f *FakeDriver) Inits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inits
}

// FakeLight returns random raw values in [0, Max], or Value when Fixed is set.
type FakeLight struct {
	mu    sync.Mutex
	rnd   *rand.Rand
	Max   int
	Fixed bool
	Value int
	Err   error
}

var _ LightReader = (*FakeLight)(nil)

func NewFakeLight(seed int64, max int) *FakeLight {
	return &FakeLight{rnd: rand.New(rand.NewSource(seed)), Max: max}
}

func (f *FakeLight) ReadAnalog(pin int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return 0, f.Err
	}
	if f.Fixed || f.rnd == nil {
		return clampRaw(f.Value, f.Max), nil
	}
	return f.rnd.Intn(f.Max + 1), nil
}
