package publish

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/ericogr/bme680-to-mqtt/pkg/sensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testTopics = TopicSet{
	Temperature:    "test/temperature",
	Pressure:       "test/pressure",
	Humidity:       "test/humidity",
	AirQuality:     "test/airquality",
	LightIntensity: "test/lightintensity",
	All:            "test/all",
}

var testReading = sensor.Reading{
	Temperature:    21.5,
	Pressure:       1013.25,
	Humidity:       40,
	GasResistance:  12.5,
	LightIntensity: 75,
	Sequence:       7,
	Timestamp:      5000,
}

func TestPublishOrderOnSuccess(t *testing.T) {
	rec := &Recorder{}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)

	require.NoError(t, p.Publish(testReading))
	assert.Equal(t, []string{
		"test/temperature",
		"test/pressure",
		"test/humidity",
		"test/airquality",
		"test/lightintensity",
		"test/all",
	}, rec.Sent())
}

func TestPublishPayloads(t *testing.T) {
	rec := &Recorder{}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)
	require.NoError(t, p.Publish(testReading))

	want := []SingleMessage{
		{Value: 21.5, Unit: "°C", Sequence: 7, Timestamp: 5000},
		{Value: 1013.25, Unit: "hPa", Sequence: 7, Timestamp: 5000},
		{Value: 40, Unit: "%", Sequence: 7, Timestamp: 5000},
		{Value: 12.5, Unit: "KOhm", Sequence: 7, Timestamp: 5000},
		{Value: 75, Unit: "%", Sequence: 7, Timestamp: 5000},
	}
	for i, w := range want {
		var got SingleMessage
		require.NoError(t, json.Unmarshal(rec.Messages[i].Payload, &got))
		assert.Equal(t, w, got, "message %d", i)
	}

	assert.JSONEq(t,
		`{"tempi":21.5,"pressure":1013.25,"humidity":40,"airquality":12.5,"light":75,"sequence":7,"timestamp":5000}`,
		string(rec.Messages[5].Payload))
	assert.Equal(t, `{"value":21.5,"unit":"°C","sequence":7,"timestamp":5000}`, string(rec.Messages[0].Payload))
}

func TestPublishStopsAtFirstBeginFailure(t *testing.T) {
	rec := &Recorder{FailBegin: map[string]error{"test/humidity": errors.New("broker gone")}}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)

	err = p.Publish(testReading)
	require.Error(t, err)

	var fault *PublishFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, ChannelHumidity, fault.Channel)
	assert.Equal(t, "test/humidity", fault.Topic)
	assert.Equal(t, PhaseBegin, fault.Phase)
	assert.Equal(t, uint64(7), fault.Sequence)
	assert.Equal(t, uint64(5000), fault.Timestamp)
	assert.Contains(t, err.Error(), "humidity")

	assert.Equal(t, []string{"test/temperature", "test/pressure"}, rec.Sent())
	assert.Len(t, rec.Messages, 2, "no further topic attempted")
}

func TestPublishStopsAtEndFailure(t *testing.T) {
	rec := &Recorder{FailEnd: map[string]error{"test/lightintensity": errors.New("timeout")}}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)

	err = p.Publish(testReading)
	var fault *PublishFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, ChannelLightIntensity, fault.Channel)
	assert.Equal(t, PhaseEnd, fault.Phase)
	assert.Len(t, rec.Sent(), 4)
	assert.Len(t, rec.Messages, 5, "combined message never begun")
}

func TestPublishCombinedFailure(t *testing.T) {
	rec := &Recorder{FailWrite: map[string]error{"test/all": errors.New("closed")}}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)

	err = p.Publish(testReading)
	var fault *PublishFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, ChannelAll, fault.Channel)
	assert.Equal(t, PhaseWrite, fault.Phase)
	assert.Len(t, rec.Sent(), 5)
}

func TestPublishEncodeFailure(t *testing.T) {
	rec := &Recorder{}
	p, err := NewPublisher(testTopics, rec)
	require.NoError(t, err)

	r := testReading
	r.Pressure = math.NaN()
	err = p.Publish(r)
	var fault *PublishFault
	require.True(t, errors.As(err, &fault))
	assert.Equal(t, ChannelPressure, fault.Channel)
	assert.Equal(t, PhaseEncode, fault.Phase)
	assert.Equal(t, []string{"test/temperature"}, rec.Sent())
}

func TestNewPublisherValidatesTopics(t *testing.T) {
	topics := testTopics
	topics.AirQuality = ""
	_, err := NewPublisher(topics, &Recorder{})
	assert.Error(t, err)

	topics = testTopics
	topics.All = ""
	_, err = NewPublisher(topics, &Recorder{})
	assert.Error(t, err)

	_, err = NewPublisher(testTopics, nil)
	assert.Error(t, err)
}

func TestCombinedMessageRoundTrip(t *testing.T) {
	m := NewCombinedMessage(testReading)
	assert.Equal(t, testReading, m.Reading())
}
