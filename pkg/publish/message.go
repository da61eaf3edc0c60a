package publish

import (
	"errors"
	"fmt"
)

// Phase names the step of the message protocol that failed.
type Phase string

const (
	PhaseEncode Phase = "encode"
	PhaseBegin  Phase = "begin"
	PhaseWrite  Phase = "write"
	PhaseEnd    Phase = "end"
)

// PublishFault reports the first message that could not be sent. Channels
// after it were not attempted.
type PublishFault struct {
	Channel   string
	Topic     string
	Phase     Phase
	Sequence  uint64
	Timestamp uint64
	Err       error
}

func (e *PublishFault) Error() string {
	return fmt.Sprintf("publish %s to %q failed at %s (sequence=%d, timestamp=%d): %v",
		e.Channel, e.Topic, e.Phase, e.Sequence, e.Timestamp, e.Err)
}

func (e *PublishFault) Unwrap() error { return e.Err }

type messageState int

const (
	stateNotStarted messageState = iota
	stateBegan
	stateWritten
	stateEnded
	stateFailed
)

func (s messageState) String() string {
	switch s {
	case stateNotStarted:
		return "not-started"
	case stateBegan:
		return "began"
	case stateWritten:
		return "written"
	case stateEnded:
		return "ended"
	case stateFailed:
		return "failed"
	}
	return "unknown"
}

var errShortWrite = errors.New("short write")

// message drives one begin/write/end exchange. A failed message is not
// rolled back; bytes already written stay with the transport.
type message struct {
	t        Transport
	topic    string
	state    messageState
	failedIn Phase
}

func newMessage(t Transport, topic string) *message {
	return &message{t: t, topic: topic}
}

func (m *message) begin() error {
	if m.state != stateNotStarted {
		return fmt.Errorf("begin in state %s", m.state)
	}
	if err := m.t.BeginMessage(m.topic); err != nil {
		return m.fail(PhaseBegin, err)
	}
	m.state = stateBegan
	return nil
}

func (m *message) write(p []byte) error {
	if m.state != stateBegan {
		return fmt.Errorf("write in state %s", m.state)
	}
	n, err := m.t.Write(p)
	if err == nil && n != len(p) {
		err = errShortWrite
	}
	if err != nil {
		return m.fail(PhaseWrite, err)
	}
	m.state = stateWritten
	return nil
}

func (m *message) end() error {
	if m.state != stateWritten {
		return fmt.Errorf("end in state %s", m.state)
	}
	if err := m.t.EndMessage(); err != nil {
		return m.fail(PhaseEnd, err)
	}
	m.state = stateEnded
	return nil
}

func (m *message) fail(phase Phase, err error) error {
	m.state = stateFailed
	m.failedIn = phase
	return err
}

func (m *message) send(payload []byte) error {
	if err := m.begin(); err != nil {
		return err
	}
	if err := m.write(payload); err != nil {
		return err
	}
	return m.end()
}
