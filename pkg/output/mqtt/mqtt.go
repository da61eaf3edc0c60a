package mqtt

import (
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/output"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

const (
	// discovery payload keys/values
	keyName                = "name"
	keyStateTopic          = "state_topic"
	keyUnitOfMeasurement   = "unit_of_measurement"
	keyDeviceClass         = "device_class"
	keyStateClass          = "state_class"
	keyValueTemplate       = "value_template"
	keyJSONAttributesTopic = "json_attributes_topic"
	keyUniqueID            = "unique_id"
	stateClassMeasurement  = "measurement"
	valueTemplateSingle    = "{{ value_json.value }}"
	valueTemplateCombined  = "{{ value_json.tempi }}"
)

// discoveryChannel describes one Home Assistant sensor entity.
type discoveryChannel struct {
	key         string
	label       string
	unit        string
	deviceClass string
	topic       func(config.TopicsConfig) string
}

var discoveryChannels = []discoveryChannel{
	{"temperature", "temperature", publish.UnitCelsius, "temperature", func(t config.TopicsConfig) string { return t.Temperature }},
	{"pressure", "pressure", publish.UnitHectopascal, "atmospheric_pressure", func(t config.TopicsConfig) string { return t.Pressure }},
	{"humidity", "humidity", publish.UnitPercent, "humidity", func(t config.TopicsConfig) string { return t.Humidity }},
	{"airquality", "gas resistance", publish.UnitKiloOhm, "", func(t config.TopicsConfig) string { return t.AirQuality }},
	{"lightintensity", "light intensity", publish.UnitPercent, "", func(t config.TopicsConfig) string { return t.LightIntensity }},
}

type MQTTOutput struct {
	client    mqtt.Client
	publisher *publish.Publisher
}

func NewMQTT(cfg config.MQTTConfig) (output.Output, error) {
	client, err := Connect(ClientOptions(cfg, ""), cfg.ConnectRetries)
	if err != nil {
		return nil, err
	}
	m, err := newMQTTOutput(client, cfg)
	if err != nil {
		client.Disconnect(250)
		return nil, err
	}
	return m, nil
}

func newMQTTOutput(client mqtt.Client, cfg config.MQTTConfig) (*MQTTOutput, error) {
	transport := NewTransport(client, byte(cfg.QoS), cfg.Retained, time.Duration(cfg.TimeoutMs)*time.Millisecond)
	p, err := publish.NewPublisher(TopicSet(cfg.Topics), transport)
	if err != nil {
		return nil, err
	}
	m := &MQTTOutput{client: client, publisher: p}

	// Publish Home Assistant discovery payload(s) if requested
	if cfg.DiscoveryTopic != "" {
		for topic, payload := range discoveryPayloads(cfg) {
			if err := publishJSON(client, topic, true, payload); err != nil {
				log.Printf("mqtt discovery publish error: %v", err)
			}
		}
	}
	return m, nil
}

// TopicSet maps the configured topic names onto the publisher's topic set.
func TopicSet(t config.TopicsConfig) publish.TopicSet {
	return publish.TopicSet{
		Temperature:    t.Temperature,
		Pressure:       t.Pressure,
		Humidity:       t.Humidity,
		AirQuality:     t.AirQuality,
		LightIntensity: t.LightIntensity,
		All:            t.All,
	}
}

// Publish sends the six telemetry messages for r and stops at the first failure.
func (m *MQTTOutput) Publish(r sensor.Reading) error {
	return m.publisher.Publish(r)
}

func (m *MQTTOutput) Close() error {
	if m.client != nil {
		m.client.Disconnect(250)
	}
	return nil
}

// discoveryPayloads returns the discovery messages keyed by discovery topic.
// A discovery topic with a %s formatter yields one entity per channel,
// otherwise a single temperature entity backed by the combined topic.
func discoveryPayloads(cfg config.MQTTConfig) map[string]map[string]interface{} {
	out := make(map[string]map[string]interface{})
	if strings.Contains(cfg.DiscoveryTopic, "%s") {
		for i := range discoveryChannels {
			ch := &discoveryChannels[i]
			dTopic := fmt.Sprintf(cfg.DiscoveryTopic, ch.key)
			stateTopic := ch.topic(cfg.Topics)
			payload := baseDiscoveryPayload(discoveryName(cfg, ch), stateTopic, discoveryUniqueID(cfg, ch), ch.unit, valueTemplateSingle)
			if ch.deviceClass != "" {
				payload[keyDeviceClass] = ch.deviceClass
			}
			out[dTopic] = payload
		}
		return out
	}
	payload := baseDiscoveryPayload(discoveryName(cfg, nil), cfg.Topics.All, discoveryUniqueID(cfg, nil), publish.UnitCelsius, valueTemplateCombined)
	payload[keyDeviceClass] = "temperature"
	out[cfg.DiscoveryTopic] = payload
	return out
}

// helper: build a human-friendly discovery name; if ch != nil append the channel label
func discoveryName(cfg config.MQTTConfig, ch *discoveryChannel) string {
	name := cfg.DiscoveryName
	if name == "" {
		name = fmt.Sprintf("BME680 %s", cfg.ClientID)
	}
	if ch != nil {
		name = fmt.Sprintf("%s %s", name, ch.label)
	}
	return name
}

// helper: build a unique id for discovery; if ch != nil append the channel key
func discoveryUniqueID(cfg config.MQTTConfig, ch *discoveryChannel) string {
	uid := cfg.DiscoveryUniqueID
	if uid == "" {
		uid = cfg.ClientID
	}
	if uid != "" && ch != nil {
		uid = fmt.Sprintf("%s_%s", uid, ch.key)
	}
	return uid
}

// helper: base discovery payload map common to all entries
func baseDiscoveryPayload(name, stateTopic, uniqueID, unit, valueTemplate string) map[string]interface{} {
	payload := map[string]interface{}{
		keyName:                name,
		keyStateTopic:          stateTopic,
		keyUnitOfMeasurement:   unit,
		keyStateClass:          stateClassMeasurement,
		keyValueTemplate:       valueTemplate,
		keyJSONAttributesTopic: stateTopic,
	}
	if uniqueID != "" {
		payload[keyUniqueID] = uniqueID
	}
	return payload
}

// helper: marshal and publish JSON payload
func publishJSON(client mqtt.Client, topic string, retained bool, payload map[string]interface{}) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	token := client.Publish(topic, 0, retained, b)
	token.Wait()
	return token.Error()
}
