package config

import (
	"errors"
	"flag"
	"os"
	"strconv"
)

type CSVConfig struct {
	OutputFile string `json:"output_file" yaml:"output_file"`
}

type InfluxConfig struct {
	URL         string `json:"url" yaml:"url"`
	Token       string `json:"token" yaml:"token"`
	Org         string `json:"org" yaml:"org"`
	Bucket      string `json:"bucket" yaml:"bucket"`
	Measurement string `json:"measurement" yaml:"measurement"`
	Node        string `json:"node" yaml:"node"`
	// breaker trips after this many consecutive write failures
	MaxFailures int `json:"max_failures" yaml:"max_failures"`
	OpenSeconds int `json:"open_seconds" yaml:"open_seconds"`
}

type CollectorConfig struct {
	MQTT                 MQTTConfig    `json:"mqtt" yaml:"mqtt"`
	WriteIntervalSeconds int           `json:"write_interval_seconds" yaml:"write_interval_seconds"`
	CSV                  *CSVConfig    `json:"csv,omitempty" yaml:"csv,omitempty"`
	Influx               *InfluxConfig `json:"influx,omitempty" yaml:"influx,omitempty"`
	MetricsAddr          string        `json:"metrics_addr" yaml:"metrics_addr"`
	LogFile              string        `json:"log_file" yaml:"log_file"`
}

func DefaultCollectorConfig() CollectorConfig {
	m := DefaultMQTTConfig()
	m.ClientID = ""
	m.QoS = 1
	return CollectorConfig{
		MQTT:                 m,
		WriteIntervalSeconds: 10,
	}
}

// LoadCollector reads the collector configuration from an optional file,
// then environment variables, then flags.
func LoadCollector(fs *flag.FlagSet, args []string) (CollectorConfig, error) {
	cfgPath := fs.String("config", "", "Path to JSON or YAML config file")
	flagServer := fs.String("mqtt-server", "", "MQTT server (tcp://host:port)")
	flagUser := fs.String("mqtt-user", "", "MQTT username")
	flagClientID := fs.String("mqtt-client-id", "", "MQTT client id")
	flagTopic := fs.String("mqtt-topic", "", "Topic carrying combined readings")
	flagInterval := fs.Int("write-interval", -1, "Seconds between sink flushes")
	flagCSV := fs.String("csv", "", "Append readings to this CSV file")
	flagInfluxURL := fs.String("influx-url", "", "InfluxDB URL")
	flagInfluxOrg := fs.String("influx-org", "", "InfluxDB organisation")
	flagInfluxBucket := fs.String("influx-bucket", "", "InfluxDB bucket")
	flagMetrics := fs.String("metrics-addr", "", "Address for the Prometheus endpoint")
	flagLogFile := fs.String("log-file", "", "Write logs to a rotating file")

	if err := fs.Parse(args); err != nil {
		return DefaultCollectorConfig(), err
	}

	cfg := DefaultCollectorConfig()
	if *cfgPath != "" {
		if err := readFile(*cfgPath, &cfg); err != nil {
			return cfg, err
		}
	}

	// secrets are usually injected through the environment
	cfg.MQTT.Server = env("MQTT_SERVER", cfg.MQTT.Server)
	cfg.MQTT.Username = env("MQTT_USER", cfg.MQTT.Username)
	cfg.MQTT.Password = env("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.WriteIntervalSeconds = envInt("WRITE_INTERVAL_SECONDS", cfg.WriteIntervalSeconds)
	if tok := os.Getenv("INFLUX_TOKEN"); tok != "" {
		if cfg.Influx == nil {
			cfg.Influx = &InfluxConfig{}
		}
		cfg.Influx.Token = tok
	}

	if *flagServer != "" {
		cfg.MQTT.Server = *flagServer
	}
	if *flagUser != "" {
		cfg.MQTT.Username = *flagUser
	}
	if *flagClientID != "" {
		cfg.MQTT.ClientID = *flagClientID
	}
	if *flagTopic != "" {
		cfg.MQTT.Topics.All = *flagTopic
	}
	if *flagInterval != -1 {
		cfg.WriteIntervalSeconds = *flagInterval
	}
	if *flagCSV != "" {
		cfg.CSV = &CSVConfig{OutputFile: *flagCSV}
	}
	if *flagInfluxURL != "" || *flagInfluxOrg != "" || *flagInfluxBucket != "" {
		if cfg.Influx == nil {
			cfg.Influx = &InfluxConfig{}
		}
		if *flagInfluxURL != "" {
			cfg.Influx.URL = *flagInfluxURL
		}
		if *flagInfluxOrg != "" {
			cfg.Influx.Org = *flagInfluxOrg
		}
		if *flagInfluxBucket != "" {
			cfg.Influx.Bucket = *flagInfluxBucket
		}
	}
	if *flagMetrics != "" {
		cfg.MetricsAddr = *flagMetrics
	}
	if *flagLogFile != "" {
		cfg.LogFile = *flagLogFile
	}

	if cfg.Influx != nil {
		if cfg.Influx.Measurement == "" {
			cfg.Influx.Measurement = "environment"
		}
		if cfg.Influx.MaxFailures == 0 {
			cfg.Influx.MaxFailures = 3
		}
		if cfg.Influx.OpenSeconds == 0 {
			cfg.Influx.OpenSeconds = 30
		}
	}

	return cfg, cfg.Validate()
}

func (c CollectorConfig) Validate() error {
	if c.MQTT.Topics.All == "" {
		return errors.New("collector topic is empty")
	}
	if c.WriteIntervalSeconds < 0 {
		return errors.New("write interval must be >= 0")
	}
	if c.CSV == nil && c.Influx == nil {
		return errors.New("collector needs at least one sink (csv or influx)")
	}
	if c.CSV != nil && c.CSV.OutputFile == "" {
		return errors.New("csv sink requires an output file")
	}
	if c.Influx != nil && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return errors.New("influx config incomplete")
	}
	return nil
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
