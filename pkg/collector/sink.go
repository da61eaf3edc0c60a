package collector

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
)

// Sink persists a batch of readings. A failed Write leaves the batch with the
// caller, who retries it on the next flush.
type Sink interface {
	Name() string
	Write(ctx context.Context, batch []sensor.Reading) error
	Close() error
}

var csvHeader = []string{"timestamp", "sequence", "tempi", "pressure", "humidity", "airquality", "light"}

// CSVSink appends readings to a CSV file, writing the header when the file
// is empty.
type CSVSink struct {
	mu   sync.Mutex
	path string
}

var _ Sink = (*CSVSink)(nil)

func NewCSVSink(path string) *CSVSink {
	return &CSVSink{path: path}
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(_ context.Context, batch []sensor.Reading) (err error) {
	if len(batch) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("csv open %s: %w", s.path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("csv close %s: %w", s.path, cerr)
		}
	}()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("csv stat %s: %w", s.path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(csvHeader); err != nil {
			return fmt.Errorf("csv header: %w", err)
		}
	}
	for _, r := range batch {
		if err := w.Write(csvRow(r)); err != nil {
			return fmt.Errorf("csv write: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("csv flush %s: %w", s.path, err)
	}
	return nil
}

func (s *CSVSink) Close() error { return nil }

func csvRow(r sensor.Reading) []string {
	return []string{
		strconv.FormatUint(r.Timestamp, 10),
		strconv.FormatUint(r.Sequence, 10),
		formatFloat(r.Temperature),
		formatFloat(r.Pressure),
		formatFloat(r.Humidity),
		formatFloat(r.GasResistance),
		formatFloat(r.LightIntensity),
	}
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
