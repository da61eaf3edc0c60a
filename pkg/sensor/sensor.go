package sensor

// Reading is one averaged and calibrated measurement produced per telemetry cycle.
type Reading struct {
	Temperature    float64 `json:"temperature"`     // °C
	Pressure       float64 `json:"pressure"`        // hPa
	Humidity       float64 `json:"humidity"`        // %
	GasResistance  float64 `json:"gas_resistance"`  // KOhm
	LightIntensity float64 `json:"light_intensity"` // % in [0, 100]
	Timestamp      uint64  `json:"timestamp"`       // unix seconds
	Sequence       uint64  `json:"sequence"`
}

// Driver is a gas/environment sensor that latches a measurement on PerformReading.
// Accessors return the values of the last successful reading in driver units:
// °C, Pa, % and Ohm.
type Driver interface {
	PerformReading() error
	Temperature() float64
	Pressure() float64
	Humidity() float64
	GasResistance() float64
	Init() error
}

// LightReader reads a raw analog value in [0, ADCMax] from the given pin.
type LightReader interface {
	ReadAnalog(pin int) (int, error)
}
