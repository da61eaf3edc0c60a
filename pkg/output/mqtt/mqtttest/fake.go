// Package mqtttest provides in-memory paho client doubles.
package mqtttest

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Token is an already-completed mqtt.Token.
type Token struct {
	Err     error
	Timeout bool
}

func (t *Token) Wait() bool { return true }

func (t *Token) WaitTimeout(time.Duration) bool { return !t.Timeout }

func (t *Token) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (t *Token) Error() error { return t.Err }

// Published is one message handed to Client.Publish.
type Published struct {
	Topic    string
	QoS      byte
	Retained bool
	Payload  []byte
}

// Client records publishes and subscriptions. Methods not overridden here
// panic through the nil embedded interface.
type Client struct {
	mqtt.Client

	mu            sync.Mutex
	Connected     bool
	ConnectErrs   []error
	Connects      int
	Disconnected  bool
	PublishErr    map[string]error
	PublishStall  map[string]bool
	SubscribeErr  error
	Messages      []Published
	Subscriptions map[string]mqtt.MessageHandler

	// OnConnect runs after every successful Connect or Reconnect, like
	// paho's OnConnectHandler.
	OnConnect mqtt.OnConnectHandler
}

func NewClient() *Client {
	return &Client{Connected: true, Subscriptions: map[string]mqtt.MessageHandler{}}
}

// Connect pops the next error from ConnectErrs; the client becomes
// connected once they are exhausted.
func (c *Client) Connect() mqtt.Token {
	c.mu.Lock()
	c.Connects++
	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		c.Connected = false
		c.mu.Unlock()
		return &Token{Err: err}
	}
	c.Connected = true
	h := c.OnConnect
	c.mu.Unlock()
	if h != nil {
		h(c)
	}
	return &Token{}
}

// Reconnect simulates a dropped and re-established clean session: every
// subscription is lost and OnConnect runs again.
func (c *Client) Reconnect() {
	c.mu.Lock()
	c.Subscriptions = map[string]mqtt.MessageHandler{}
	c.Connected = true
	h := c.OnConnect
	c.mu.Unlock()
	if h != nil {
		h(c)
	}
}

func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Connected
}

func (c *Client) IsConnectionOpen() bool { return c.IsConnected() }

func (c *Client) Disconnect(uint) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Connected = false
	c.Disconnected = true
}

func (c *Client) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b []byte
	switch p := payload.(type) {
	case []byte:
		b = append([]byte(nil), p...)
	case string:
		b = []byte(p)
	}
	if err := c.PublishErr[topic]; err != nil {
		return &Token{Err: err}
	}
	if c.PublishStall[topic] {
		return &Token{Timeout: true}
	}
	c.Messages = append(c.Messages, Published{Topic: topic, QoS: qos, Retained: retained, Payload: b})
	return &Token{}
}

func (c *Client) Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SubscribeErr != nil {
		return &Token{Err: c.SubscribeErr}
	}
	c.Subscriptions[topic] = callback
	return &Token{}
}

func (c *Client) Unsubscribe(topics ...string) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range topics {
		delete(c.Subscriptions, t)
	}
	return &Token{}
}

// Deliver invokes the handler subscribed to topic, if any.
func (c *Client) Deliver(topic string, payload []byte) bool {
	c.mu.Lock()
	h := c.Subscriptions[topic]
	c.mu.Unlock()
	if h == nil {
		return false
	}
	h(c, &Message{TopicName: topic, Body: payload})
	return true
}

// Sent returns the published messages in order.
func (c *Client) Sent() []Published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Published(nil), c.Messages...)
}

// Message is a minimal mqtt.Message.
type Message struct {
	TopicName string
	Body      []byte
}

func (m *Message) Duplicate() bool   { return false }
func (m *Message) Qos() byte         { return 0 }
func (m *Message) Retained() bool    { return false }
func (m *Message) Topic() string     { return m.TopicName }
func (m *Message) MessageID() uint16 { return 0 }
func (m *Message) Payload() []byte   { return m.Body }
func (m *Message) Ack()              {}
