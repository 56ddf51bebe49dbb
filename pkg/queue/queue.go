// Package queue abstracts the message transport a worker service consumes
// from and publishes to. The logical queue name is the only handle callers
// use; each adapter owns the mapping from that name to its native addressing
// (queue URL, topic and subscription, stream key).
package queue

import (
	"context"
)

// Message is a single delivery fetched from a queue.
type Message struct {
	// ID identifies the message itself and is stable across redeliveries.
	ID string

	// Receipt is the per-delivery token required to delete this delivery.
	// It is opaque to callers and may differ each time the same message is
	// redelivered.
	Receipt string

	// Body is the raw payload as published.
	Body []byte

	// Attributes holds transport-level metadata attached to the message.
	Attributes map[string]string
}

// Transport defines the queue operations a worker depends on. Implementations
// must leave undeleted messages eligible for redelivery once their visibility
// window lapses; that is the only retry mechanism the worker assumes.
type Transport interface {
	// EnsureQueue creates the named queue if it does not already exist. It
	// is idempotent and safe to call on every start.
	EnsureQueue(ctx context.Context, queue string) error

	// Receive fetches up to max messages from the named queue. It returns
	// an empty slice, not an error, when no messages are available.
	Receive(ctx context.Context, queue string, max int) ([]Message, error)

	// Delete permanently removes a delivered message, identified by the
	// receipt token from the delivery being settled.
	Delete(ctx context.Context, queue string, receipt string) error

	// Publish enqueues a raw payload on the named queue. Attributes may be
	// nil.
	Publish(ctx context.Context, queue string, payload []byte, attributes map[string]string) error
}
