package supervisor

import (
	"time"

	"github.com/loykin/svcplane/internal/envelope"
)

// Message is a data-plane envelope as kept by the supervisor.
type Message struct {
	Sender      string    `json:"sender"`
	Destination string    `json:"destination"`
	Payload     []byte    `json:"payload"`
	Diagnostic  string    `json:"diagnostic,omitempty"`
	ReceivedAt  time.Time `json:"received_at"`
}

func newMessage(env envelope.Envelope) Message {
	msg := Message{
		Sender:      env.Sender,
		Destination: env.Destination.String(),
		Payload:     env.Payload,
		ReceivedAt:  time.Now().UTC(),
	}
	if d, err := envelope.Diagnose(env.Payload); err == nil {
		msg.Diagnostic = d
	}
	return msg
}

type messageRing struct {
	buf  []Message
	next int
	full bool
}

func newMessageRing(n int) *messageRing {
	return &messageRing{buf: make([]Message, n)}
}

func (r *messageRing) add(m Message) {
	r.buf[r.next] = m
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *messageRing) ordered() []Message {
	if !r.full {
		return append([]Message(nil), r.buf[:r.next]...)
	}
	out := make([]Message, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}
