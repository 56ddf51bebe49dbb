package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const defaultVisibility = 30 * time.Second

// memoryEntry tracks one stored message and its current delivery state.
type memoryEntry struct {
	msg            Message
	receipt        string // rotated on every delivery
	invisibleUntil time.Time
}

// InMemoryTransport is a process-local Transport with visibility-timeout
// redelivery semantics. It backs unit tests and local development; messages
// received but not deleted become receivable again once the visibility
// window lapses, under a fresh receipt token.
type InMemoryTransport struct {
	visibility time.Duration

	mu     sync.Mutex
	queues map[string][]*memoryEntry
}

// NewInMemoryTransport creates an in-memory transport. A non-positive
// visibility falls back to 30 seconds.
func NewInMemoryTransport(visibility time.Duration) *InMemoryTransport {
	if visibility <= 0 {
		visibility = defaultVisibility
	}
	return &InMemoryTransport{
		visibility: visibility,
		queues:     make(map[string][]*memoryEntry),
	}
}

// EnsureQueue creates the named queue if missing. Publish and Receive also
// create queues on first use, so this only matters for symmetry with real
// transports.
func (t *InMemoryTransport) EnsureQueue(_ context.Context, queue string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.queues[queue]; !ok {
		t.queues[queue] = nil
	}
	return nil
}

// Receive returns up to max currently visible messages in arrival order and
// starts their visibility window.
func (t *InMemoryTransport) Receive(_ context.Context, queue string, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Message
	for _, entry := range t.queues[queue] {
		if len(out) >= max {
			break
		}
		if entry.invisibleUntil.After(now) {
			continue
		}
		entry.receipt = uuid.NewString()
		entry.invisibleUntil = now.Add(t.visibility)

		delivered := entry.msg
		delivered.Receipt = entry.receipt
		out = append(out, delivered)
	}
	return out, nil
}

// Delete removes the entry holding the given receipt. A receipt that has
// already been superseded by a redelivery no longer identifies the entry and
// is rejected.
func (t *InMemoryTransport) Delete(_ context.Context, queue string, receipt string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	entries := t.queues[queue]
	for i, entry := range entries {
		if entry.receipt == receipt {
			t.queues[queue] = append(entries[:i], entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("queue %q has no delivery with receipt %q", queue, receipt)
}

// Publish appends a message to the named queue, creating the queue on first
// use.
func (t *InMemoryTransport) Publish(_ context.Context, queue string, payload []byte, attributes map[string]string) error {
	entry := &memoryEntry{
		msg: Message{
			ID:         uuid.NewString(),
			Body:       append([]byte(nil), payload...),
			Attributes: attributes,
		},
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.queues[queue] = append(t.queues[queue], entry)
	return nil
}

// Size reports how many messages remain on the queue, visible or not. Test
// helper.
func (t *InMemoryTransport) Size(queue string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[queue])
}
