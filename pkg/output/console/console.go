package console

import (
	"io"
	"os"

	"github.com/ericogr/bme680-to-mqtt/pkg/output"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

type ConsoleOutput struct {
	w io.Writer
}

func NewConsole() output.Output { return &ConsoleOutput{} }

func (c *ConsoleOutput) Publish(r sensor.Reading) error {
	w := c.w
	if w == nil {
		w = os.Stdout
	}
	return output.WriteReading(w, r)
}

func (c *ConsoleOutput) Close() error { return nil }
