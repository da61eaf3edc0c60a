package output

import (
	"fmt"
	"io"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

type Output interface {
	Publish(sensor.Reading) error
	Close() error
}

// WriteReading prints the human-readable diagnostic block used by the console
// and serial outputs.
func WriteReading(w io.Writer, r sensor.Reading) error {
	_, err := fmt.Fprintf(w,
		"New sensor readings (sequence=%d, timestamp=%d):\n"+
			"    temperature     = %.2f °C\n"+
			"    pressure        = %.2f hPa\n"+
			"    humidity        = %.2f %%\n"+
			"    gas resistance  = %.2f KOhms\n"+
			"    light intensity = %.2f %%\n",
		r.Sequence, r.Timestamp, r.Temperature, r.Pressure, r.Humidity, r.GasResistance, r.LightIntensity)
	return err
}

// helper constructors are in subpackages
