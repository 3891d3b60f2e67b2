// Package queue defines the broker-neutral message envelope and the
// capabilities the worker expects from a queue backend.
package queue

import (
	"context"
	"time"
)

// Message is a single delivery received from a queue backend.
//
// ID identifies the delivery for logging; Attempt is the backend's
// delivery count (1 on first delivery, 0 when the backend cannot tell).
type Message struct {
	ID         string
	Body       []byte
	Attempt    int
	ReceivedAt time.Time

	handle any
}

// NewMessage builds a Message carrying a backend-specific handle
// (receipt handle, stream entry id, kafka message) used later by Ack.
func NewMessage(id string, body []byte, attempt int, handle any) Message {
	return Message{
		ID:         id,
		Body:       body,
		Attempt:    attempt,
		ReceivedAt: time.Now(),
		handle:     handle,
	}
}

// Handle returns the backend-specific handle stored in the message.
func (m Message) Handle() any {
	return m.handle
}

// Receiver pulls at most one message. ok is false when nothing arrived
// within the backend's wait window.
type Receiver interface {
	Receive(ctx context.Context) (msg Message, ok bool, err error)
}

// Acknowledger permanently retires a received message.
type Acknowledger interface {
	Ack(ctx context.Context, msg Message) error
}

// Sender enqueues a raw job body.
type Sender interface {
	Send(ctx context.Context, body []byte) error
}

// Queue is the full set of operations every backend provides.
type Queue interface {
	Receiver
	Acknowledger
	Sender
	Close() error
}

// DeadLetterer moves a message to a dead-letter destination and retires it
// from the work queue.
type DeadLetterer interface {
	DeadLetter(ctx context.Context, msg Message, reason string) error
}

// Releaser gives an unacknowledged message back for redelivery. Backends
// whose redelivery is driven by a visibility timeout do not implement it.
type Releaser interface {
	Release(ctx context.Context, msg Message) error
}
