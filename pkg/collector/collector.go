// Package collector subscribes to the combined telemetry topic and batches
// decoded readings into one or more sinks.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/bme680-to-mqtt/pkg/metrics"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/google/uuid"
)

// MaxPending bounds the records kept per sink while it keeps failing; the
// oldest are dropped first.
const MaxPending = 100000

const shutdownFlushTimeout = 10 * time.Second

type pending struct {
	sink    Sink
	records []sensor.Reading
	// oldest records dropped on overflow since start
	dropped int
}

type Collector struct {
	topic      string
	qos        byte
	interval   time.Duration
	maxPending int

	flushMu sync.Mutex
	mu      sync.Mutex
	client  mqtt.Client
	pending []*pending
}

// New returns a collector for topic. An interval of zero flushes after every
// message. The collector subscribes from OnConnect, which must be installed
// as the client's connect handler.
func New(topic string, qos byte, interval time.Duration, sinks ...Sink) *Collector {
	c := &Collector{topic: topic, qos: qos, interval: interval, maxPending: MaxPending}
	for _, s := range sinks {
		c.pending = append(c.pending, &pending{sink: s})
	}
	return c
}

// ClientID returns id, or a random collector id when id is empty so several
// collectors can share a broker.
func ClientID(id string) string {
	if id != "" {
		return id
	}
	return "envnode-collector-" + uuid.NewString()[:8]
}

// combinedWire mirrors publish.CombinedMessage with every key required.
type combinedWire struct {
	Temperature    *float64 `json:"tempi"`
	Pressure       *float64 `json:"pressure"`
	Humidity       *float64 `json:"humidity"`
	GasResistance  *float64 `json:"airquality"`
	LightIntensity *float64 `json:"light"`
	Sequence       *uint64  `json:"sequence"`
	Timestamp      *uint64  `json:"timestamp"`
}

var errIncompleteMessage = errors.New("combined message is missing a field")

func decodeCombined(b []byte) (sensor.Reading, error) {
	var w combinedWire
	if err := json.Unmarshal(b, &w); err != nil {
		return sensor.Reading{}, err
	}
	if w.Temperature == nil || w.Pressure == nil || w.Humidity == nil || w.GasResistance == nil ||
		w.LightIntensity == nil || w.Sequence == nil || w.Timestamp == nil {
		return sensor.Reading{}, errIncompleteMessage
	}
	return publish.CombinedMessage{
		Temperature:    *w.Temperature,
		Pressure:       *w.Pressure,
		Humidity:       *w.Humidity,
		GasResistance:  *w.GasResistance,
		LightIntensity: *w.LightIntensity,
		Sequence:       *w.Sequence,
		Timestamp:      *w.Timestamp,
	}.Reading(), nil
}

// Handle decodes one combined message and queues it for every sink.
// Malformed or incomplete payloads are logged and dropped.
func (c *Collector) Handle(topic string, msg mqtt.Message) error {
	r, err := decodeCombined(msg.Payload())
	if err != nil {
		metrics.CollectorMessages.WithLabelValues(metrics.ResultError).Inc()
		log.Printf("collector: invalid message on %s: %v", topic, err)
		return nil
	}
	metrics.CollectorMessages.WithLabelValues(metrics.ResultOK).Inc()
	c.add(r)
	if c.interval == 0 {
		return c.Flush(context.Background())
	}
	return nil
}

// OnConnect subscribes to the collector topic. It runs on every (re)connect
// because a clean session loses subscriptions.
func (c *Collector) OnConnect(client mqtt.Client) {
	c.mu.Lock()
	c.client = client
	c.mu.Unlock()

	token := client.Subscribe(c.topic, c.qos, func(_ mqtt.Client, msg mqtt.Message) {
		if err := c.Handle(msg.Topic(), msg); err != nil {
			log.Printf("collector: %v", err)
		}
	})
	if token.Wait() && token.Error() != nil {
		metrics.CollectorSubscribes.WithLabelValues(metrics.ResultError).Inc()
		log.Printf("collector: subscribe %s: %v", c.topic, token.Error())
		return
	}
	metrics.CollectorSubscribes.WithLabelValues(metrics.ResultOK).Inc()
	log.Printf("collector: subscribed to %s", c.topic)
}

func (c *Collector) add(r sensor.Reading) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.pending {
		p.records = append(p.records, r)
		if over := len(p.records) - c.maxPending; over > 0 {
			log.Printf("collector: %s backlog full, dropping %d oldest records", p.sink.Name(), over)
			p.records = append(p.records[:0], p.records[over:]...)
			p.dropped += over
		}
	}
	metrics.CollectorBuffered.Set(float64(c.bufferedLocked()))
}

// Buffered returns the largest backlog across sinks.
func (c *Collector) Buffered() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bufferedLocked()
}

func (c *Collector) bufferedLocked() int {
	n := 0
	for _, p := range c.pending {
		if len(p.records) > n {
			n = len(p.records)
		}
	}
	return n
}

// Flush writes every sink's backlog. Records stay queued for a sink whose
// write fails; the first such error is returned. Messages keep arriving
// while sinks are written.
func (c *Collector) Flush(ctx context.Context) error {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	var firstErr error
	for _, p := range c.pending {
		c.mu.Lock()
		batch := append([]sensor.Reading(nil), p.records...)
		droppedBefore := p.dropped
		c.mu.Unlock()
		if len(batch) == 0 {
			continue
		}

		err := p.sink.Write(ctx, batch)
		metrics.CollectorFlushes.WithLabelValues(p.sink.Name(), metrics.Result(err)).Inc()
		if err != nil {
			log.Printf("collector: %s flush of %d records failed: %v", p.sink.Name(), len(batch), err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", p.sink.Name(), err)
			}
			continue
		}
		log.Printf("collector: wrote %d records to %s", len(batch), p.sink.Name())

		// overflow during the write already removed part of the batch
		c.mu.Lock()
		n := len(batch) - (p.dropped - droppedBefore)
		if n < 0 {
			n = 0
		}
		if n > len(p.records) {
			n = len(p.records)
		}
		p.records = append(p.records[:0], p.records[n:]...)
		c.mu.Unlock()
	}

	c.mu.Lock()
	metrics.CollectorBuffered.Set(float64(c.bufferedLocked()))
	c.mu.Unlock()
	return firstErr
}

// Run flushes on every interval until ctx is done, then unsubscribes and
// performs a final flush.
func (c *Collector) Run(ctx context.Context) error {
	var tick <-chan time.Time
	if c.interval > 0 {
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			c.unsubscribe()
			flushCtx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
			defer cancel()
			return c.Flush(flushCtx)
		case <-tick:
			_ = c.Flush(ctx)
		}
	}
}

func (c *Collector) unsubscribe() {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil || !client.IsConnectionOpen() {
		return
	}
	client.Unsubscribe(c.topic).WaitTimeout(shutdownFlushTimeout)
}

// Close closes every sink.
func (c *Collector) Close() error {
	var firstErr error
	for _, p := range c.pending {
		if err := p.sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
