package mqtt

import (
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/bme680-to-mqtt/pkg/config"
)

const (
	DefaultServer   = "tcp://localhost:1883"
	DefaultClientID = "envnode"
)

var (
	newClient      = mqtt.NewClient
	connectBackOff = func() backoff.BackOff {
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 30 * time.Second
		return bo
	}
)

// ClientOptions builds paho options from the configuration. clientID overrides
// cfg.ClientID when not empty.
func ClientOptions(cfg config.MQTTConfig, clientID string) *mqtt.ClientOptions {
	server := cfg.Server
	if server == "" {
		server = DefaultServer
	}
	if clientID == "" {
		clientID = cfg.ClientID
	}
	if clientID == "" {
		clientID = DefaultClientID
	}
	opts := mqtt.NewClientOptions().AddBroker(server).SetClientID(clientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
	}
	if cfg.Password != "" {
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(10 * time.Second)
	return opts
}

// Connect opens a broker connection, retrying with exponential backoff for at
// most retries additional attempts.
func Connect(opts *mqtt.ClientOptions, retries int) (mqtt.Client, error) {
	if retries < 0 {
		retries = 0
	}
	var client mqtt.Client
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		client = newClient(opts)
		token := client.Connect()
		if token.Wait() && token.Error() != nil {
			log.Printf("mqtt connect attempt %d failed: %v", attempt, token.Error())
			return token.Error()
		}
		return nil
	}, backoff.WithMaxRetries(connectBackOff(), uint64(retries)))
	if err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return client, nil
}
