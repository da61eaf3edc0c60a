package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"
)

const defaultNode = "envnode"

// pointWriter is the subset of api.WriteAPIBlocking used by InfluxSink.
type pointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// InfluxSink writes readings as points of one measurement tagged with the
// node name. Writes go through a circuit breaker so a dead server is not
// hammered on every flush.
type InfluxSink struct {
	writer      pointWriter
	measurement string
	node        string
	cb          *gobreaker.CircuitBreaker
	closeFn     func()
}

var _ Sink = (*InfluxSink)(nil)

func NewInfluxSink(cfg config.InfluxConfig) *InfluxSink {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	s := newInfluxSink(client.WriteAPIBlocking(cfg.Org, cfg.Bucket), cfg)
	s.closeFn = client.Close
	return s
}

func newInfluxSink(w pointWriter, cfg config.InfluxConfig) *InfluxSink {
	measurement := cfg.Measurement
	if measurement == "" {
		measurement = "environment"
	}
	node := cfg.Node
	if node == "" {
		node = defaultNode
	}
	return &InfluxSink{
		writer:      w,
		measurement: measurement,
		node:        node,
		cb:          newBreaker("influx", cfg.MaxFailures, cfg.OpenSeconds),
	}
}

func newBreaker(name string, fails, openSeconds int) *gobreaker.CircuitBreaker {
	if fails <= 0 {
		fails = 3
	}
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: time.Duration(openSeconds) * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= uint32(fails)
		},
	})
}

func (s *InfluxSink) Name() string { return "influx" }

func (s *InfluxSink) Write(ctx context.Context, batch []sensor.Reading) error {
	if len(batch) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(batch))
	for _, r := range batch {
		points = append(points, s.point(r))
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.writer.WritePoint(ctx, points...)
	})
	if err != nil {
		return fmt.Errorf("influx write %d points: %w", len(points), err)
	}
	return nil
}

func (s *InfluxSink) point(r sensor.Reading) *write.Point {
	tags := map[string]string{"node": s.node}
	fields := map[string]interface{}{
		"temperature":     r.Temperature,
		"pressure":        r.Pressure,
		"humidity":        r.Humidity,
		"gas_resistance":  r.GasResistance,
		"light_intensity": r.LightIntensity,
		"sequence":        r.Sequence,
	}
	return influxdb2.NewPoint(s.measurement, tags, fields, time.Unix(int64(r.Timestamp), 0))
}

func (s *InfluxSink) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}
