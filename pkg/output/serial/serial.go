package serial

import (
	"fmt"
	"io"
	"sync"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/output"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	bugserial "go.bug.st/serial"
)

const DefaultBaudRate = 115200

// SerialOutput writes the diagnostic printout of every reading to a UART.
type SerialOutput struct {
	mu   sync.Mutex
	port io.WriteCloser
	name string
}

var openPort = func(name string, baud int) (io.WriteCloser, error) {
	return bugserial.Open(name, &bugserial.Mode{BaudRate: baud})
}

func NewSerial(cfg config.SerialConfig) (output.Output, error) {
	baud := cfg.BaudRate
	if baud == 0 {
		baud = DefaultBaudRate
	}
	p, err := openPort(cfg.Port, baud)
	if err != nil {
		return nil, fmt.Errorf("open serial %s: %w", cfg.Port, err)
	}
	return &SerialOutput{port: p, name: cfg.Port}, nil
}

func (s *SerialOutput) Publish(r sensor.Reading) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return fmt.Errorf("serial %s closed", s.name)
	}
	if err := output.WriteReading(s.port, r); err != nil {
		return fmt.Errorf("serial %s: %w", s.name, err)
	}
	return nil
}

func (s *SerialOutput) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}
