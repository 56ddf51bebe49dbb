// Package dedupe guards a worker against re-running business logic for
// messages it has already completed. A transport that fails the final delete
// will redeliver the message; a guard lets the worker recognise the
// redelivery, delete it again and move on. Guards are optional: without one
// the worker keeps plain at-least-once semantics.
package dedupe

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

// Guard tracks completed message IDs.
type Guard interface {
	// Seen reports whether the message ID was already marked completed.
	Seen(ctx context.Context, messageID string) (bool, error)

	// Mark records the message ID as completed. Marking twice is not an
	// error.
	Mark(ctx context.Context, messageID string) error

	// Close releases any resources held by the guard.
	Close() error
}

// LRUGuard is a fixed-size in-process guard with least-recently-used
// eviction. It protects a single process against redeliveries inside the
// retention horizon its capacity affords; use RedisGuard when several
// workers share a queue.
type LRUGuard struct {
	maxSize int

	mu   sync.Mutex
	ll   *list.List
	seen map[string]*list.Element
}

// NewLRUGuard creates a guard remembering at most maxSize completed IDs.
func NewLRUGuard(maxSize int) (*LRUGuard, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("maxSize must be greater than 0")
	}
	return &LRUGuard{
		maxSize: maxSize,
		ll:      list.New(),
		seen:    make(map[string]*list.Element),
	}, nil
}

// Seen reports whether the ID is currently remembered and refreshes its
// recency when it is.
func (g *LRUGuard) Seen(_ context.Context, messageID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	elem, ok := g.seen[messageID]
	if ok {
		g.ll.MoveToFront(elem)
	}
	return ok, nil
}

// Mark remembers the ID, evicting the least recently used entry when the
// guard is full.
func (g *LRUGuard) Mark(_ context.Context, messageID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if elem, ok := g.seen[messageID]; ok {
		g.ll.MoveToFront(elem)
		return nil
	}

	g.seen[messageID] = g.ll.PushFront(messageID)
	if g.ll.Len() > g.maxSize {
		oldest := g.ll.Back()
		if oldest != nil {
			evicted := g.ll.Remove(oldest).(string)
			delete(g.seen, evicted)
		}
	}
	return nil
}

// Close is a no-op for the in-memory guard.
func (g *LRUGuard) Close() error {
	return nil
}
