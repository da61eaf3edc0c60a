package publish

import (
	"bytes"
	"errors"
	"sync"
)

var ErrNoMessage = errors.New("no message in progress")

// Recorded is one message seen by a Recorder.
type Recorded struct {
	Topic   string
	Payload []byte
	Ended   bool
}

// Recorder is an in-memory Transport. Failures can be injected per topic.
type Recorder struct {
	mu        sync.Mutex
	Messages  []Recorded
	FailBegin map[string]error
	FailWrite map[string]error
	FailEnd   map[string]error

	open bool
	cur  bytes.Buffer
}

var _ Transport = (*Recorder)(nil)

func (r *Recorder) BeginMessage(topic string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.FailBegin[topic]; err != nil {
		return err
	}
	r.Messages = append(r.Messages, Recorded{Topic: topic})
	r.cur.Reset()
	r.open = true
	return nil
}

func (r *Recorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return 0, ErrNoMessage
	}
	if err := r.FailWrite[r.Messages[len(r.Messages)-1].Topic]; err != nil {
		return 0, err
	}
	return r.cur.Write(p)
}

func (r *Recorder) EndMessage() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return ErrNoMessage
	}
	r.open = false
	last := &r.Messages[len(r.Messages)-1]
	last.Payload = append([]byte(nil), r.cur.Bytes()...)
	if err := r.FailEnd[last.Topic]; err != nil {
		return err
	}
	last.Ended = true
	return nil
}

// Sent returns the topics of messages that completed successfully, in order.
func (r *Recorder) Sent() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.Messages {
		if m.Ended {
			out = append(out, m.Topic)
		}
	}
	return out
}
