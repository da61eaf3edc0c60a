package collector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ericogr/bme680-to-mqtt/pkg/output/mqtt/mqtttest"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu      sync.Mutex
	name    string
	fail    error
	onWrite func()
	batches [][]sensor.Reading
	closed  bool
}

func (s *memSink) Name() string { return s.name }

func (s *memSink) Write(_ context.Context, batch []sensor.Reading) error {
	if s.onWrite != nil {
		s.onWrite()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.batches = append(s.batches, append([]sensor.Reading(nil), batch...))
	return nil
}

func (s *memSink) Close() error {
	s.closed = true
	return nil
}

func (s *memSink) written() []sensor.Reading {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []sensor.Reading
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func combined(t *testing.T, seq uint64) []byte {
	t.Helper()
	b, err := json.Marshal(publish.NewCombinedMessage(sensor.Reading{Temperature: 20, Pressure: 1000, Sequence: seq, Timestamp: 1700000000 + seq}))
	require.NoError(t, err)
	return b
}

func TestHandleBuffersUntilFlush(t *testing.T) {
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Minute, sink)

	require.NoError(t, c.Handle("envnode/all", &mqtttest.Message{Body: combined(t, 1)}))
	require.NoError(t, c.Handle("envnode/all", &mqtttest.Message{Body: combined(t, 2)}))
	assert.Equal(t, 2, c.Buffered())
	assert.Empty(t, sink.written())

	require.NoError(t, c.Flush(context.Background()))
	got := sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(1), got[0].Sequence)
	assert.Equal(t, uint64(1700000002), got[1].Timestamp)
	assert.Equal(t, 0, c.Buffered())
}

func TestHandleDropsMalformedPayload(t *testing.T) {
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Minute, sink)

	payloads := []string{
		`{not json`,
		`{}`,
		`null`,
		`{"foo":1}`,
		`{"tempi":21.5}`,
		`{"tempi":21.5,"pressure":1000,"humidity":40,"airquality":12,"light":50,"sequence":3}`,
		`{"tempi":"hot","pressure":1000,"humidity":40,"airquality":12,"light":50,"sequence":3,"timestamp":1}`,
	}
	for _, p := range payloads {
		require.NoError(t, c.Handle("envnode/all", &mqtttest.Message{Body: []byte(p)}))
		assert.Equal(t, 0, c.Buffered(), "payload %s", p)
	}
	require.NoError(t, c.Flush(context.Background()))
	assert.Empty(t, sink.written())
}

func TestDecodeCombinedAcceptsZeroValues(t *testing.T) {
	r, err := decodeCombined([]byte(`{"tempi":0,"pressure":0,"humidity":0,"airquality":0,"light":0,"sequence":0,"timestamp":0}`))
	require.NoError(t, err)
	assert.Equal(t, sensor.Reading{}, r)

	r, err = decodeCombined(combined(t, 7))
	require.NoError(t, err)
	assert.Equal(t, uint64(7), r.Sequence)
	assert.Equal(t, 1000.0, r.Pressure)
}

func TestFlushFailureKeepsBacklog(t *testing.T) {
	bad := &memSink{name: "bad", fail: errors.New("db down")}
	good := &memSink{name: "good"}
	c := New("envnode/all", 1, time.Minute, bad, good)

	require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, 1)}))
	err := c.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad")
	assert.Len(t, good.written(), 1)
	assert.Equal(t, 1, c.Buffered())

	require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, 2)}))
	bad.fail = nil
	require.NoError(t, c.Flush(context.Background()))

	assert.Len(t, bad.written(), 2)
	// the healthy sink does not see record 1 twice
	assert.Len(t, good.written(), 2)
	assert.Equal(t, 0, c.Buffered())
}

func TestZeroIntervalFlushesEachMessage(t *testing.T) {
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, 0, sink)

	require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, 1)}))
	assert.Len(t, sink.written(), 1)
}

func TestFlushKeepsRecordsDroppedDuringWrite(t *testing.T) {
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Minute, sink)
	c.maxPending = 3

	require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, 1)}))
	require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, 2)}))

	// three records arrive while the first batch is being written and push
	// records 1 and 2 out of the backlog
	sink.onWrite = func() {
		sink.onWrite = nil
		for seq := uint64(3); seq <= 5; seq++ {
			require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, seq)}))
		}
	}
	require.NoError(t, c.Flush(context.Background()))
	assert.Equal(t, 3, c.Buffered())

	require.NoError(t, c.Flush(context.Background()))
	var seqs []uint64
	for _, r := range sink.written() {
		seqs = append(seqs, r.Sequence)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)
	assert.Equal(t, 0, c.Buffered())
}

func TestAddDropsOldestOverCapacity(t *testing.T) {
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Minute, sink)
	c.maxPending = 2

	for seq := uint64(1); seq <= 4; seq++ {
		require.NoError(t, c.Handle("t", &mqtttest.Message{Body: combined(t, seq)}))
	}
	require.NoError(t, c.Flush(context.Background()))
	got := sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(3), got[0].Sequence)
	assert.Equal(t, uint64(4), got[1].Sequence)
}

func TestRunFlushesOnShutdown(t *testing.T) {
	fc := mqtttest.NewClient()
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Hour, sink)
	fc.OnConnect = c.OnConnect
	require.NoError(t, fc.Connect().Error())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.True(t, fc.Deliver("envnode/all", combined(t, 5)))
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	got := sink.written()
	require.Len(t, got, 1)
	assert.Equal(t, uint64(5), got[0].Sequence)
	assert.False(t, fc.Deliver("envnode/all", combined(t, 6)))

	require.NoError(t, c.Close())
	assert.True(t, sink.closed)
}

func TestResubscribesAfterReconnect(t *testing.T) {
	fc := mqtttest.NewClient()
	sink := &memSink{name: "mem"}
	c := New("envnode/all", 1, time.Hour, sink)
	fc.OnConnect = c.OnConnect

	require.NoError(t, fc.Connect().Error())
	require.True(t, fc.Deliver("envnode/all", combined(t, 1)))

	fc.Reconnect()
	require.True(t, fc.Deliver("envnode/all", combined(t, 2)))

	require.NoError(t, c.Flush(context.Background()))
	got := sink.written()
	require.Len(t, got, 2)
	assert.Equal(t, uint64(2), got[1].Sequence)
}

func TestOnConnectSubscribeError(t *testing.T) {
	fc := mqtttest.NewClient()
	fc.SubscribeErr = errors.New("not authorized")
	c := New("envnode/all", 1, time.Second, &memSink{name: "mem"})

	c.OnConnect(fc)
	assert.False(t, fc.Deliver("envnode/all", combined(t, 1)))

	// the next reconnect retries the subscription
	fc.SubscribeErr = nil
	fc.Reconnect()
	assert.True(t, fc.Deliver("envnode/all", combined(t, 1)))
}

func TestRunWithoutConnection(t *testing.T) {
	c := New("envnode/all", 1, time.Second, &memSink{name: "mem"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, c.Run(ctx))
}

func TestClientID(t *testing.T) {
	assert.Equal(t, "fixed", ClientID("fixed"))
	a, b := ClientID(""), ClientID("")
	assert.True(t, strings.HasPrefix(a, "envnode-collector-"))
	assert.NotEqual(t, a, b)
}
