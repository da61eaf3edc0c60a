package serial

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePort struct {
	bytes.Buffer
	closed bool
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func withFakePort(t *testing.T, p *fakePort, openErr error) (gotName *string, gotBaud *int) {
	t.Helper()
	var name string
	var baud int
	prev := openPort
	openPort = func(n string, b int) (io.WriteCloser, error) {
		name, baud = n, b
		if openErr != nil {
			return nil, openErr
		}
		return p, nil
	}
	t.Cleanup(func() { openPort = prev })
	return &name, &baud
}

func TestSerialPublish(t *testing.T) {
	p := &fakePort{}
	name, baud := withFakePort(t, p, nil)

	out, err := NewSerial(config.SerialConfig{Port: "/dev/ttyACM0"})
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM0", *name)
	assert.Equal(t, DefaultBaudRate, *baud)

	require.NoError(t, out.Publish(sensor.Reading{Sequence: 5, Timestamp: 99, Pressure: 1000}))
	assert.True(t, strings.HasPrefix(p.String(), "New sensor readings (sequence=5, timestamp=99):"))
	assert.Contains(t, p.String(), "pressure        = 1000.00 hPa")

	require.NoError(t, out.Close())
	assert.True(t, p.closed)
	assert.Error(t, out.Publish(sensor.Reading{}))
	assert.NoError(t, out.Close())
}

func TestSerialOpenError(t *testing.T) {
	withFakePort(t, nil, errors.New("no such port"))
	_, err := NewSerial(config.SerialConfig{Port: "/dev/none", BaudRate: 9600})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "/dev/none")
}
