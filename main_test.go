package main

import (
	"errors"
	"testing"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/output/console"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
	"github.com/ericogr/bme680-to-mqtt/pkg/sampling"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOutput struct {
	readings []sensor.Reading
	err      error
	closed   bool
}

func (o *recordingOutput) Publish(r sensor.Reading) error {
	o.readings = append(o.readings, r)
	return o.err
}

func (o *recordingOutput) Close() error {
	o.closed = true
	return nil
}

func newTestNode(drv sensor.Driver, outs ...*recordingOutput) *node {
	light := &sensor.FakeLight{Max: 1000, Fixed: true, Value: 500}
	n := &node{
		agg:   sampling.NewAggregator(sampling.NewBuffer(4), sampling.Calibration{LightADCMax: 1000}, sampling.WithSleep(func(time.Duration) {})),
		drv:   drv,
		light: light,
		count: 4,
	}
	for _, o := range outs {
		n.outputs = append(n.outputs, outputEntry{Type: "test", Out: o})
	}
	return n
}

func TestComputeCycleDuration(t *testing.T) {
	cfg := config.DefaultConfig()
	assert.Equal(t, 6*time.Second, computeCycleDuration(cfg))

	cfg.Sampling.Count = 1
	cfg.Sampling.DelayMs = 0
	assert.Equal(t, time.Duration(0), computeCycleDuration(cfg))
}

func TestInitOutputsConsole(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: config.OutputConsole}}}
	entries, err := initOutputs(cfg)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, config.OutputConsole, entries[0].Type)
	assert.IsType(t, &console.ConsoleOutput{}, entries[0].Out)
}

func TestInitOutputsUnknownType(t *testing.T) {
	cfg := config.Config{Outputs: []config.OutputConfig{{Type: config.OutputConsole}, {Type: "pigeon"}}}
	_, err := initOutputs(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pigeon")
}

func TestInitSensorsSimulation(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.SensorType = config.SensorSimulation
	drv, light, closeFn, err := initSensors(cfg)
	require.NoError(t, err)
	defer closeFn()
	assert.IsType(t, &sensor.FakeDriver{}, drv)
	assert.IsType(t, &sensor.FakeLight{}, light)
}

func TestCyclePublishesToEveryOutput(t *testing.T) {
	drv := sensor.NewFakeDriver(1)
	drv.Noise = 0
	first := &recordingOutput{err: &publish.PublishFault{Channel: publish.ChannelHumidity, Err: errors.New("down")}}
	second := &recordingOutput{}
	n := newTestNode(drv, first, second)

	r, err := n.cycle()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), r.Sequence)
	assert.InDelta(t, 1013.25, r.Pressure, 1e-9)
	assert.InDelta(t, 50.0, r.LightIntensity, 1e-9)

	// a failing output does not stop the next one
	require.Len(t, first.readings, 1)
	require.Len(t, second.readings, 1)
	assert.Equal(t, r, second.readings[0])
}

func TestCycleSensorFaultSkipsPublish(t *testing.T) {
	drv := sensor.NewFakeDriver(1)
	drv.FailAt = map[int]bool{2: true}
	out := &recordingOutput{}
	n := newTestNode(drv, out)

	_, err := n.cycle()
	var fault *sampling.SensorFault
	require.ErrorAs(t, err, &fault)
	assert.Empty(t, out.readings)
	assert.Equal(t, 1, drv.Inits())

	r, err := n.cycle()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.Sequence)
	require.Len(t, out.readings, 1)
}

func TestCloseOutputs(t *testing.T) {
	a, b := &recordingOutput{}, &recordingOutput{}
	closeOutputs([]outputEntry{{Type: "a", Out: a}, {Type: "b", Out: b}})
	assert.True(t, a.closed)
	assert.True(t, b.closed)
}
