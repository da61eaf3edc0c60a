package config

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	SensorReal       = "real"
	SensorSimulation = "simulation"

	OutputConsole = "console"
	OutputMQTT    = "mqtt"
	OutputSerial  = "serial"

	// ADS1115MaxCode is the largest code of a single-ended ADS1115 conversion.
	ADS1115MaxCode = 32767
)

type I2CConfig struct {
	Bus     string `json:"bus" yaml:"bus"`
	Address int    `json:"address" yaml:"address"`
}

type HeaterConfig struct {
	TemperatureC int `json:"temperature_c" yaml:"temperature_c"`
	DurationMs   int `json:"duration_ms" yaml:"duration_ms"`
}

type LightConfig struct {
	I2C        I2CConfig `json:"i2c" yaml:"i2c"`
	Pin        int       `json:"pin" yaml:"pin"`
	ADCMax     int       `json:"adc_max" yaml:"adc_max"`
	SampleRate int       `json:"sample_rate" yaml:"sample_rate"`
}

type SamplingConfig struct {
	Count             int     `json:"count" yaml:"count"`
	DelayMs           int     `json:"delay_ms" yaml:"delay_ms"`
	TemperatureOffset float64 `json:"temperature_offset" yaml:"temperature_offset"`
}

type TopicsConfig struct {
	Temperature    string `json:"temperature" yaml:"temperature"`
	Pressure       string `json:"pressure" yaml:"pressure"`
	Humidity       string `json:"humidity" yaml:"humidity"`
	AirQuality     string `json:"air_quality" yaml:"air_quality"`
	LightIntensity string `json:"light_intensity" yaml:"light_intensity"`
	All            string `json:"all" yaml:"all"`
}

type MQTTConfig struct {
	Server            string       `json:"server" yaml:"server"`
	Username          string       `json:"username" yaml:"username"`
	Password          string       `json:"password" yaml:"password"`
	ClientID          string       `json:"client_id" yaml:"client_id"`
	QoS               int          `json:"qos" yaml:"qos"`
	Retained          bool         `json:"retained" yaml:"retained"`
	TimeoutMs         int          `json:"timeout_ms" yaml:"timeout_ms"`
	ConnectRetries    int          `json:"connect_retries" yaml:"connect_retries"`
	Topics            TopicsConfig `json:"topics" yaml:"topics"`
	DiscoveryTopic    string       `json:"discovery_topic" yaml:"discovery_topic"`
	DiscoveryName     string       `json:"discovery_name" yaml:"discovery_name"`
	DiscoveryUniqueID string       `json:"discovery_unique_id" yaml:"discovery_unique_id"`
}

type SerialConfig struct {
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate" yaml:"baud_rate"`
}

type OutputConfig struct {
	Type   string        `json:"type" yaml:"type"`
	MQTT   *MQTTConfig   `json:"mqtt,omitempty" yaml:"mqtt,omitempty"`
	Serial *SerialConfig `json:"serial,omitempty" yaml:"serial,omitempty"`
}

type Config struct {
	SensorType  string         `json:"sensor_type" yaml:"sensor_type"`
	I2C         I2CConfig      `json:"i2c" yaml:"i2c"`
	Heater      HeaterConfig   `json:"heater" yaml:"heater"`
	Light       LightConfig    `json:"light" yaml:"light"`
	Sampling    SamplingConfig `json:"sampling" yaml:"sampling"`
	IntervalMs  int            `json:"interval_ms" yaml:"interval_ms"`
	Outputs     []OutputConfig `json:"outputs" yaml:"outputs"`
	MetricsAddr string         `json:"metrics_addr" yaml:"metrics_addr"`
	LogFile     string         `json:"log_file" yaml:"log_file"`
}

func DefaultTopics(prefix string) TopicsConfig {
	if prefix == "" {
		prefix = "envnode"
	}
	prefix = strings.TrimSuffix(prefix, "/")
	return TopicsConfig{
		Temperature:    prefix + "/temperature",
		Pressure:       prefix + "/pressure",
		Humidity:       prefix + "/humidity",
		AirQuality:     prefix + "/airquality",
		LightIntensity: prefix + "/lightintensity",
		All:            prefix + "/all",
	}
}

func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		Server:         "tcp://localhost:1883",
		ClientID:       "envnode",
		TimeoutMs:      5000,
		ConnectRetries: 5,
		Topics:         DefaultTopics(""),
	}
}

func DefaultConfig() Config {
	return Config{
		SensorType: SensorReal,
		I2C:        I2CConfig{Bus: "1", Address: 0x77},
		Heater:     HeaterConfig{TemperatureC: 320, DurationMs: 150},
		Light: LightConfig{
			I2C:        I2CConfig{Bus: "1", Address: 0x48},
			Pin:        0,
			ADCMax:     ADS1115MaxCode,
			SampleRate: 128,
		},
		Sampling: SamplingConfig{
			Count:             10,
			DelayMs:           600,
			TemperatureOffset: -1.0,
		},
		IntervalMs: 30000,
		Outputs:    []OutputConfig{{Type: OutputConsole}},
	}
}

// LoadFromFlags loads configuration from a JSON or YAML file (optional) and
// the process command line. Flags override values present in the file.
func LoadFromFlags() (Config, error) {
	return Load(flag.CommandLine, os.Args[1:])
}

func Load(fs *flag.FlagSet, args []string) (Config, error) {
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagSensorType := fs.String("sensor-type", "", "sensor type: real|simulation")
	flagI2CBus := fs.String("i2c-bus", "", "I2C bus (e.g., '1' -> /dev/i2c-1)")
	flagI2CAddStr := fs.String("i2c-address", "", "BME680 I2C address (decimal or 0x hex)")
	flagLightAddStr := fs.String("light-address", "", "ADS1115 I2C address (decimal or 0x hex)")
	flagLightPin := fs.Int("light-pin", -1, "ADS1115 input used by the light sensor (0-3)")
	flagLightMax := fs.Int("light-adc-max", -1, "Upper bound of the raw light reading")
	flagSamples := fs.Int("samples", -1, "Number of samples averaged per reading")
	flagSampleDelay := fs.Int("sample-delay-ms", -1, "Delay between samples in ms")
	flagTempOffset := fs.Float64("temperature-offset", math.NaN(), "Additive temperature calibration in °C")
	flagInterval := fs.Int("interval-ms", -1, "Delay between telemetry cycles in ms")
	flagOutputs := fs.String("outputs", "", "Comma-separated outputs (console,mqtt,serial)")
	flagMQTTServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagMQTTUser := fs.String("mqtt-user", "", "MQTT username")
	flagMQTTPass := fs.String("mqtt-pass", "", "MQTT password")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopicPrefix := fs.String("mqtt-topic-prefix", "", "MQTT topic prefix for all six topics")
	flagSerialPort := fs.String("serial-port", "", "Serial port for diagnostic output")
	flagMetrics := fs.String("metrics-addr", "", "Address for the Prometheus endpoint (e.g. :9100)")
	flagLogFile := fs.String("log-file", "", "Write logs to a rotating file")

	if err := fs.Parse(args); err != nil {
		return DefaultConfig(), err
	}

	cfg := DefaultConfig()

	if *cfgPath != "" {
		if err := readFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	if *flagSensorType != "" {
		cfg.SensorType = *flagSensorType
	}
	if *flagI2CBus != "" {
		cfg.I2C.Bus = *flagI2CBus
		cfg.Light.I2C.Bus = *flagI2CBus
	}
	if *flagI2CAddStr != "" {
		v, err := parseIntOrHex(*flagI2CAddStr)
		if err != nil {
			return cfg, fmt.Errorf("i2c-address: %w", err)
		}
		cfg.I2C.Address = v
	}
	if *flagLightAddStr != "" {
		v, err := parseIntOrHex(*flagLightAddStr)
		if err != nil {
			return cfg, fmt.Errorf("light-address: %w", err)
		}
		cfg.Light.I2C.Address = v
	}
	if *flagLightPin != -1 {
		cfg.Light.Pin = *flagLightPin
	}
	if *flagLightMax != -1 {
		cfg.Light.ADCMax = *flagLightMax
	}
	if *flagSamples != -1 {
		cfg.Sampling.Count = *flagSamples
	}
	if *flagSampleDelay != -1 {
		cfg.Sampling.DelayMs = *flagSampleDelay
	}
	if !math.IsNaN(*flagTempOffset) {
		cfg.Sampling.TemperatureOffset = *flagTempOffset
	}
	if *flagInterval != -1 {
		cfg.IntervalMs = *flagInterval
	}
	if *flagOutputs != "" {
		parts := parseCSV(*flagOutputs)
		outs := make([]OutputConfig, 0, len(parts))
		for _, p := range parts {
			outs = append(outs, OutputConfig{Type: strings.ToLower(p)})
		}
		cfg.Outputs = outs
	}
	// map mqtt flags into every mqtt output (create one if missing)
	if *flagMQTTServer != "" || *flagMQTTUser != "" || *flagMQTTPass != "" || *flagClientID != "" || *flagTopicPrefix != "" {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) != OutputMQTT {
				continue
			}
			if cfg.Outputs[i].MQTT == nil {
				m := DefaultMQTTConfig()
				cfg.Outputs[i].MQTT = &m
			}
			applyMQTTFlags(cfg.Outputs[i].MQTT, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopicPrefix)
			applied = true
		}
		if !applied {
			m := DefaultMQTTConfig()
			applyMQTTFlags(&m, *flagMQTTServer, *flagMQTTUser, *flagMQTTPass, *flagClientID, *flagTopicPrefix)
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: OutputMQTT, MQTT: &m})
		}
	}
	if *flagSerialPort != "" {
		applied := false
		for i := range cfg.Outputs {
			if strings.ToLower(cfg.Outputs[i].Type) == OutputSerial {
				if cfg.Outputs[i].Serial == nil {
					cfg.Outputs[i].Serial = &SerialConfig{}
				}
				cfg.Outputs[i].Serial.Port = *flagSerialPort
				applied = true
			}
		}
		if !applied {
			cfg.Outputs = append(cfg.Outputs, OutputConfig{Type: OutputSerial, Serial: &SerialConfig{Port: *flagSerialPort}})
		}
	}
	if *flagMetrics != "" {
		cfg.MetricsAddr = *flagMetrics
	}
	if *flagLogFile != "" {
		cfg.LogFile = *flagLogFile
	}

	cfg.ensureDefaults()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ensureDefaults fills the per-output sections that were left out of the file.
func (c *Config) ensureDefaults() {
	for i := range c.Outputs {
		c.Outputs[i].Type = strings.ToLower(strings.TrimSpace(c.Outputs[i].Type))
		switch c.Outputs[i].Type {
		case OutputMQTT:
			if c.Outputs[i].MQTT == nil {
				m := DefaultMQTTConfig()
				c.Outputs[i].MQTT = &m
			}
			fillTopics(&c.Outputs[i].MQTT.Topics)
			if c.Outputs[i].MQTT.Server == "" {
				c.Outputs[i].MQTT.Server = DefaultMQTTConfig().Server
			}
		case OutputSerial:
			if c.Outputs[i].Serial == nil {
				c.Outputs[i].Serial = &SerialConfig{}
			}
			if c.Outputs[i].Serial.BaudRate == 0 {
				c.Outputs[i].Serial.BaudRate = 115200
			}
		}
	}
}

func (c Config) Validate() error {
	switch c.SensorType {
	case SensorReal, SensorSimulation:
	default:
		return fmt.Errorf("sensor-type must be %q or %q, got %q", SensorReal, SensorSimulation, c.SensorType)
	}
	if c.Sampling.Count < 1 {
		return errors.New("sampling count must be >= 1")
	}
	if c.Sampling.DelayMs < 0 {
		return errors.New("sampling delay must be >= 0")
	}
	if c.Light.ADCMax <= 0 {
		return errors.New("light adc max must be > 0")
	}
	if c.SensorType == SensorReal && c.Light.ADCMax > ADS1115MaxCode {
		return fmt.Errorf("light adc max %d exceeds the ADS1115 range (%d)", c.Light.ADCMax, ADS1115MaxCode)
	}
	if c.Light.Pin < 0 || c.Light.Pin > 3 {
		return fmt.Errorf("invalid light pin %d", c.Light.Pin)
	}
	if c.IntervalMs < 0 {
		return errors.New("interval-ms must be >= 0")
	}
	for _, o := range c.Outputs {
		switch o.Type {
		case OutputConsole:
		case OutputMQTT:
			if o.MQTT == nil {
				return errors.New("mqtt output requires an mqtt section")
			}
			if err := o.MQTT.Topics.Validate(); err != nil {
				return err
			}
			if o.MQTT.QoS < 0 || o.MQTT.QoS > 2 {
				return fmt.Errorf("invalid mqtt qos %d", o.MQTT.QoS)
			}
		case OutputSerial:
			if o.Serial == nil || o.Serial.Port == "" {
				return errors.New("serial output requires a port")
			}
		default:
			return fmt.Errorf("unknown output type %q", o.Type)
		}
	}
	return nil
}

func (t TopicsConfig) Validate() error {
	named := []struct{ name, topic string }{
		{"temperature", t.Temperature},
		{"pressure", t.Pressure},
		{"humidity", t.Humidity},
		{"air_quality", t.AirQuality},
		{"light_intensity", t.LightIntensity},
		{"all", t.All},
	}
	for _, n := range named {
		if strings.TrimSpace(n.topic) == "" {
			return fmt.Errorf("mqtt topic %q is empty", n.name)
		}
	}
	return nil
}

func fillTopics(t *TopicsConfig) {
	def := DefaultTopics("")
	if t.Temperature == "" {
		t.Temperature = def.Temperature
	}
	if t.Pressure == "" {
		t.Pressure = def.Pressure
	}
	if t.Humidity == "" {
		t.Humidity = def.Humidity
	}
	if t.AirQuality == "" {
		t.AirQuality = def.AirQuality
	}
	if t.LightIntensity == "" {
		t.LightIntensity = def.LightIntensity
	}
	if t.All == "" {
		t.All = def.All
	}
}

func applyMQTTFlags(m *MQTTConfig, server, user, pass, clientID, prefix string) {
	if server != "" {
		m.Server = server
	}
	if user != "" {
		m.Username = user
	}
	if pass != "" {
		m.Password = pass
	}
	if clientID != "" {
		m.ClientID = clientID
	}
	if prefix != "" {
		m.Topics = DefaultTopics(prefix)
	}
}

// readFile decodes a config file into out, choosing YAML or JSON by extension.
func readFile(path string, out interface{}) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(b, out); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func parseIntOrHex(s string) (int, error) {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		v, err := strconv.ParseInt(s[2:], 16, 0)
		return int(v), err
	}
	v, err := strconv.Atoi(s)
	return v, err
}

func parseCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
