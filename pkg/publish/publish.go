// Package publish fans a single sensor.Reading out to per-channel topics and
// one combined topic over a three-phase message transport.
package publish

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

// Transport sends one message at a time: BeginMessage, any number of Writes,
// then EndMessage. Implementations are not reentrant.
type Transport interface {
	BeginMessage(topic string) error
	Write(p []byte) (int, error)
	EndMessage() error
}

const (
	ChannelTemperature    = "temperature"
	ChannelPressure       = "pressure"
	ChannelHumidity       = "humidity"
	ChannelGasResistance  = "gasResistance"
	ChannelLightIntensity = "lightIntensity"
	ChannelAll            = "all"

	UnitCelsius     = "°C"
	UnitHectopascal = "hPa"
	UnitPercent     = "%"
	UnitKiloOhm     = "KOhm"
)

// TopicSet names the six destination topics.
type TopicSet struct {
	Temperature    string
	Pressure       string
	Humidity       string
	AirQuality     string
	LightIntensity string
	All            string
}

func (t TopicSet) Validate() error {
	for _, ch := range t.channels(sensor.Reading{}) {
		if ch.topic == "" {
			return fmt.Errorf("topic for %s is empty", ch.name)
		}
	}
	if t.All == "" {
		return errors.New("topic for all measurements is empty")
	}
	return nil
}

// SingleMessage is the payload sent to each per-channel topic.
type SingleMessage struct {
	Value     float64 `json:"value"`
	Unit      string  `json:"unit"`
	Sequence  uint64  `json:"sequence"`
	Timestamp uint64  `json:"timestamp"`
}

// CombinedMessage is the payload sent to the all-measurements topic.
type CombinedMessage struct {
	Temperature    float64 `json:"tempi"`
	Pressure       float64 `json:"pressure"`
	Humidity       float64 `json:"humidity"`
	GasResistance  float64 `json:"airquality"`
	LightIntensity float64 `json:"light"`
	Sequence       uint64  `json:"sequence"`
	Timestamp      uint64  `json:"timestamp"`
}

func NewCombinedMessage(r sensor.Reading) CombinedMessage {
	return CombinedMessage{
		Temperature:    r.Temperature,
		Pressure:       r.Pressure,
		Humidity:       r.Humidity,
		GasResistance:  r.GasResistance,
		LightIntensity: r.LightIntensity,
		Sequence:       r.Sequence,
		Timestamp:      r.Timestamp,
	}
}

// Reading converts the combined payload back into a sensor.Reading.
func (m CombinedMessage) Reading() sensor.Reading {
	return sensor.Reading{
		Temperature:    m.Temperature,
		Pressure:       m.Pressure,
		Humidity:       m.Humidity,
		GasResistance:  m.GasResistance,
		LightIntensity: m.LightIntensity,
		Sequence:       m.Sequence,
		Timestamp:      m.Timestamp,
	}
}

type channel struct {
	name  string
	topic string
	unit  string
	value float64
}

// channels lists the single-channel messages in publish order.
func (t TopicSet) channels(r sensor.Reading) []channel {
	return []channel{
		{ChannelTemperature, t.Temperature, UnitCelsius, r.Temperature},
		{ChannelPressure, t.Pressure, UnitHectopascal, r.Pressure},
		{ChannelHumidity, t.Humidity, UnitPercent, r.Humidity},
		{ChannelGasResistance, t.AirQuality, UnitKiloOhm, r.GasResistance},
		{ChannelLightIntensity, t.LightIntensity, UnitPercent, r.LightIntensity},
	}
}

// Publisher sends readings to a TopicSet in a fixed order and stops at the
// first failure. It never retries.
type Publisher struct {
	topics    TopicSet
	transport Transport
}

func NewPublisher(topics TopicSet, transport Transport) (*Publisher, error) {
	if transport == nil {
		return nil, errors.New("publish: nil transport")
	}
	if err := topics.Validate(); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &Publisher{topics: topics, transport: transport}, nil
}

// Publish sends temperature, pressure, humidity, gas resistance and light
// intensity messages, then the combined message. The returned error is a
// *PublishFault naming the first channel that failed.
func (p *Publisher) Publish(r sensor.Reading) error {
	for _, ch := range p.topics.channels(r) {
		payload, err := json.Marshal(SingleMessage{Value: ch.value, Unit: ch.unit, Sequence: r.Sequence, Timestamp: r.Timestamp})
		if err != nil {
			return &PublishFault{Channel: ch.name, Topic: ch.topic, Phase: PhaseEncode, Sequence: r.Sequence, Timestamp: r.Timestamp, Err: err}
		}
		if err := p.send(ch.name, ch.topic, payload, r); err != nil {
			return err
		}
	}
	payload, err := json.Marshal(NewCombinedMessage(r))
	if err != nil {
		return &PublishFault{Channel: ChannelAll, Topic: p.topics.All, Phase: PhaseEncode, Sequence: r.Sequence, Timestamp: r.Timestamp, Err: err}
	}
	return p.send(ChannelAll, p.topics.All, payload, r)
}

func (p *Publisher) send(name, topic string, payload []byte, r sensor.Reading) error {
	m := newMessage(p.transport, topic)
	if err := m.send(payload); err != nil {
		return &PublishFault{Channel: name, Topic: topic, Phase: m.failedIn, Sequence: r.Sequence, Timestamp: r.Timestamp, Err: err}
	}
	return nil
}
