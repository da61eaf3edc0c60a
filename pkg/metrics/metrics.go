// Package metrics exposes node and collector counters on a Prometheus endpoint.
package metrics

import (
	"net/http"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "envnode"

const (
	ResultOK    = "ok"
	ResultError = "error"
)

var (
	Acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "acquisitions_total",
		Help:      "Acquisition cycles by result.",
	}, []string{"result"})

	SensorFaults = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sensor_faults_total",
		Help:      "Sensor read failures that aborted an acquisition.",
	})

	PublishFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "publish_faults_total",
		Help:      "Publish failures by the channel that failed first.",
	}, []string{"channel"})

	OutputFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "output_failures_total",
		Help:      "Output publish errors by output type.",
	}, []string{"output"})

	AcquisitionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "acquisition_duration_seconds",
		Help:      "Wall time spent oversampling one reading.",
		Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
	})

	LastReading = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_reading",
		Help:      "Most recent averaged value per channel.",
	}, []string{"channel"})

	LastSequence = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_sequence",
		Help:      "Sequence number of the most recent cycle.",
	})

	CollectorMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collector",
		Name:      "messages_total",
		Help:      "Combined messages received by decode result.",
	}, []string{"result"})

	CollectorFlushes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collector",
		Name:      "flushes_total",
		Help:      "Sink flushes by sink and result.",
	}, []string{"sink", "result"})

	CollectorSubscribes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "collector",
		Name:      "subscribes_total",
		Help:      "Topic subscriptions made on (re)connect by result.",
	}, []string{"result"})

	CollectorBuffered = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "collector",
		Name:      "buffered_records",
		Help:      "Records waiting for the next flush.",
	})
)

// ObserveReading records the channel values of r.
func ObserveReading(r sensor.Reading) {
	LastReading.WithLabelValues("temperature").Set(r.Temperature)
	LastReading.WithLabelValues("pressure").Set(r.Pressure)
	LastReading.WithLabelValues("humidity").Set(r.Humidity)
	LastReading.WithLabelValues("gas_resistance").Set(r.GasResistance)
	LastReading.WithLabelValues("light_intensity").Set(r.LightIntensity)
	LastSequence.Set(float64(r.Sequence))
}

func Result(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultOK
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// NewServer returns a server exposing /metrics on addr.
func NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	return &http.Server{Addr: addr, Handler: mux}
}
