package mqtt

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/ericogr/bme680-to-mqtt/pkg/publish"
)

var (
	ErrNotConnected   = errors.New("mqtt client not connected")
	ErrMessageOpen    = errors.New("mqtt message already in progress")
	ErrNoMessage      = errors.New("no mqtt message in progress")
	ErrPublishTimeout = errors.New("mqtt publish timed out")
)

// Transport buffers one message between BeginMessage and EndMessage and
// publishes it on EndMessage. EndMessage waits at most timeout for the
// broker acknowledgement; zero waits indefinitely.
type Transport struct {
	client   mqtt.Client
	qos      byte
	retained bool
	timeout  time.Duration

	topic string
	buf   bytes.Buffer
	open  bool
}

var _ publish.Transport = (*Transport)(nil)

func NewTransport(client mqtt.Client, qos byte, retained bool, timeout time.Duration) *Transport {
	return &Transport{client: client, qos: qos, retained: retained, timeout: timeout}
}

func (t *Transport) BeginMessage(topic string) error {
	if t.open {
		return ErrMessageOpen
	}
	if t.client == nil || !t.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	t.topic = topic
	t.buf.Reset()
	t.open = true
	return nil
}

func (t *Transport) Write(p []byte) (int, error) {
	if !t.open {
		return 0, ErrNoMessage
	}
	return t.buf.Write(p)
}

func (t *Transport) EndMessage() error {
	if !t.open {
		return ErrNoMessage
	}
	t.open = false
	payload := append([]byte(nil), t.buf.Bytes()...)
	token := t.client.Publish(t.topic, t.qos, t.retained, payload)
	if t.timeout > 0 {
		if !token.WaitTimeout(t.timeout) {
			return fmt.Errorf("%w after %s", ErrPublishTimeout, t.timeout)
		}
	} else {
		token.Wait()
	}
	return token.Error()
}
