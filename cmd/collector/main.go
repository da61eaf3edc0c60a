package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/collector"
	"github.com/ericogr/bme680-to-mqtt/pkg/config"
	"github.com/ericogr/bme680-to-mqtt/pkg/logging"
	"github.com/ericogr/bme680-to-mqtt/pkg/metrics"
	mqttout "github.com/ericogr/bme680-to-mqtt/pkg/output/mqtt"
)

func buildSinks(cfg config.CollectorConfig) []collector.Sink {
	var sinks []collector.Sink
	if cfg.CSV != nil {
		sinks = append(sinks, collector.NewCSVSink(cfg.CSV.OutputFile))
		log.Printf("collector: csv sink %s", cfg.CSV.OutputFile)
	}
	if cfg.Influx != nil {
		sinks = append(sinks, collector.NewInfluxSink(*cfg.Influx))
		log.Printf("collector: influx sink %s bucket=%s", cfg.Influx.URL, cfg.Influx.Bucket)
	}
	return sinks
}

func main() {
	cfg, err := config.LoadCollector(flag.CommandLine, os.Args[1:])
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logCloser := logging.Setup(cfg.LogFile)
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = metrics.NewServer(cfg.MetricsAddr)
		go func() {
			log.Printf("metrics listening on %s", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("metrics server error: %v", err)
			}
		}()
	}

	c := collector.New(cfg.MQTT.Topics.All, byte(cfg.MQTT.QoS),
		time.Duration(cfg.WriteIntervalSeconds)*time.Second, buildSinks(cfg)...)

	// subscribe again after every reconnect
	opts := mqttout.ClientOptions(cfg.MQTT, collector.ClientID(cfg.MQTT.ClientID))
	opts.SetOnConnectHandler(c.OnConnect)
	client, err := mqttout.Connect(opts, cfg.MQTT.ConnectRetries)
	if err != nil {
		log.Fatalf("mqtt connect failed: %v", err)
	}
	defer client.Disconnect(250)

	if err := c.Run(ctx); err != nil {
		log.Printf("collector: %v", err)
	}
	if err := c.Close(); err != nil {
		log.Printf("collector: close sinks: %v", err)
	}

	if srv != nil {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
	}
	log.Println("collector: shutdown complete")
}
