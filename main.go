package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/logging"
	"github.com/ericogr/bme680-to-mqtt/pkg/metrics"
	"github.com/ericogr/bme680-to-mqtt/pkg/output"
	"github.com/ericogr/bme680-to-mqtt/pkg/output/console"
	"github.com/ericogr/bme680-to-mqtt/pkg/output/mqtt"
	"github.com/ericogr/bme680-to-mqtt/pkg/output/serial"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
	"github.com/ericogr/bme680-to-mqtt/pkg/sampling"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

type outputEntry struct {
	Type string
	Out  output.Output
}

// initOutputs builds the configured outputs in order. Outputs created before
// a failure are closed.
func initOutputs(cfg config.Config) ([]outputEntry, error) {
	var entries []outputEntry
	for _, oc := range cfg.Outputs {
		var (
			out output.Output
			err error
		)
		switch oc.Type {
		case config.OutputConsole:
			out = console.NewConsole()
		case config.OutputMQTT:
			out, err = mqtt.NewMQTT(*oc.MQTT)
		case config.OutputSerial:
			out, err = serial.NewSerial(*oc.Serial)
		default:
			err = fmt.Errorf("unknown output type %q", oc.Type)
		}
		if err != nil {
			closeOutputs(entries)
			return nil, fmt.Errorf("init output %s: %w", oc.Type, err)
		}
		entries = append(entries, outputEntry{Type: oc.Type, Out: out})
	}
	return entries, nil
}

func closeOutputs(entries []outputEntry) {
	for _, e := range entries {
		if err := e.Out.Close(); err != nil {
			log.Printf("close output %s: %v", e.Type, err)
		}
	}
}

// initSensors returns the environment driver and light reader for the
// configured sensor type, plus a function releasing the buses.
func initSensors(cfg config.Config) (sensor.Driver, sensor.LightReader, func(), error) {
	if cfg.SensorType == config.SensorSimulation {
		seed := time.Now().UnixNano()
		return sensor.NewFakeDriver(seed), sensor.NewFakeLight(seed, cfg.Light.ADCMax), func() {}, nil
	}
	bme, err := sensor.NewBME680(cfg)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("bme680: %w", err)
	}
	light, err := sensor.NewADS1115(cfg.Light)
	if err != nil {
		_ = bme.Close()
		return nil, nil, nil, fmt.Errorf("ads1115: %w", err)
	}
	closeFn := func() {
		_ = light.Close()
		_ = bme.Close()
	}
	return bme, light, closeFn, nil
}

// computeCycleDuration returns the nominal time spent acquiring one reading.
func computeCycleDuration(cfg config.Config) time.Duration {
	return time.Duration(cfg.Sampling.Count) * time.Duration(cfg.Sampling.DelayMs) * time.Millisecond
}

type node struct {
	agg     *sampling.Aggregator
	drv     sensor.Driver
	light   sensor.LightReader
	outputs []outputEntry
	count   int
	delay   time.Duration
	seq     uint64
}

// cycle acquires one reading and hands it to every output. The sequence
// advances even when the acquisition fails.
func (n *node) cycle() (sensor.Reading, error) {
	seq := n.seq
	n.seq++

	start := time.Now()
	r, err := n.agg.Acquire(n.count, n.delay, seq, n.drv, n.light)
	metrics.AcquisitionDuration.Observe(time.Since(start).Seconds())
	metrics.Acquisitions.WithLabelValues(metrics.Result(err)).Inc()
	if err != nil {
		var fault *sampling.SensorFault
		if errors.As(err, &fault) {
			metrics.SensorFaults.Inc()
		}
		log.Printf("acquisition %d failed: %v", seq, err)
		return sensor.Reading{}, err
	}
	metrics.ObserveReading(r)

	for _, e := range n.outputs {
		if err := e.Out.Publish(r); err != nil {
			metrics.OutputFailures.WithLabelValues(e.Type).Inc()
			var fault *publish.PublishFault
			if errors.As(err, &fault) {
				metrics.PublishFaults.WithLabelValues(fault.Channel).Inc()
			}
			log.Printf("output %s publish error: %v", e.Type, err)
		}
	}
	return r, nil
}

// run repeats cycle until ctx is done, waiting out the rest of interval after
// each one.
func (n *node) run(ctx context.Context, interval time.Duration) {
	for {
		start := time.Now()
		_, _ = n.cycle()
		wait := interval - time.Since(start)
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func main() {
	fmt.Println("starting...")

	cfg, err := config.LoadFromFlags()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logCloser := logging.Setup(cfg.LogFile)
	defer logCloser.Close()

	drv, light, closeSensors, err := initSensors(cfg)
	if err != nil {
		log.Fatalf("sensor init error: %v", err)
	}
	defer closeSensors()

	entries, err := initOutputs(cfg)
	if err != nil {
		log.Fatalf("output init error: %v", err)
	}
	defer closeOutputs(entries)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		srv := metrics.NewServer(cfg.MetricsAddr)
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shCtx)
		}()
	}

	n := &node{
		agg: sampling.NewAggregator(sampling.NewBuffer(cfg.Sampling.Count), sampling.Calibration{
			TemperatureOffset: cfg.Sampling.TemperatureOffset,
			LightADCMax:       cfg.Light.ADCMax,
			LightPin:          cfg.Light.Pin,
		}),
		drv:     drv,
		light:   light,
		outputs: entries,
		count:   cfg.Sampling.Count,
		delay:   time.Duration(cfg.Sampling.DelayMs) * time.Millisecond,
	}

	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	log.Printf("sensor=%s samples=%d acquisition=%s interval=%s outputs=%d",
		cfg.SensorType, cfg.Sampling.Count, computeCycleDuration(cfg), interval, len(entries))
	if acq := computeCycleDuration(cfg); interval < acq {
		log.Printf("interval %s is shorter than one acquisition (%s), cycles run back to back", interval, acq)
	}

	n.run(ctx, interval)
	log.Println("shutting down")
}
