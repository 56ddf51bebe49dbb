package worker_test

import (
	"context"
	"sync"

	"github.com/illmade-knight/go-usecase-worker/pkg/auditstore"
	"github.com/illmade-knight/go-usecase-worker/pkg/queue"
)

// ====================================================================================
// This file contains mocks for the transport and audit store contracts the
// worker depends on, for unit tests that need to script deliveries and
// observe settlement side effects.
// ====================================================================================

// --- MockTransport ---

// MockTransport is a scripted queue.Transport: tests inject messages with
// Push, each message is delivered exactly once, and every settlement call is
// recorded. Redelivery behavior is covered separately by the in-memory
// transport's own tests.
type MockTransport struct {
	mu           sync.Mutex
	pending      []queue.Message
	deleted      []string
	ensured      []string
	published    map[string][][]byte
	receiveErr   error
	deleteErr    error
	receiveCount int
	eventHook    func(event string)
}

func NewMockTransport() *MockTransport {
	return &MockTransport{published: make(map[string][][]byte)}
}

// Push injects a message for the next Receive to deliver.
func (m *MockTransport) Push(msg queue.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(m.pending, msg)
}

func (m *MockTransport) EnsureQueue(_ context.Context, queueName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ensured = append(m.ensured, queueName)
	return nil
}

func (m *MockTransport) Receive(_ context.Context, _ string, max int) ([]queue.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveCount++
	if m.receiveErr != nil {
		return nil, m.receiveErr
	}
	n := max
	if n > len(m.pending) {
		n = len(m.pending)
	}
	batch := m.pending[:n]
	m.pending = m.pending[n:]
	return batch, nil
}

func (m *MockTransport) Delete(_ context.Context, _ string, receipt string) error {
	m.mu.Lock()
	hook := m.eventHook
	if m.deleteErr != nil {
		err := m.deleteErr
		m.mu.Unlock()
		return err
	}
	m.deleted = append(m.deleted, receipt)
	m.mu.Unlock()

	if hook != nil {
		hook("delete")
	}
	return nil
}

func (m *MockTransport) Publish(_ context.Context, queueName string, payload []byte, _ map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published[queueName] = append(m.published[queueName], payload)
	return nil
}

func (m *MockTransport) GetDeleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.deleted))
	copy(out, m.deleted)
	return out
}

func (m *MockTransport) GetEnsured() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.ensured))
	copy(out, m.ensured)
	return out
}

func (m *MockTransport) GetPublished(queueName string) [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.published[queueName]))
	copy(out, m.published[queueName])
	return out
}

func (m *MockTransport) GetReceiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receiveCount
}

func (m *MockTransport) SetReceiveError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receiveErr = err
}

func (m *MockTransport) SetDeleteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deleteErr = err
}

// SetEventHook registers a callback fired on every successful Delete, for
// tests asserting settlement ordering.
func (m *MockTransport) SetEventHook(hook func(event string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHook = hook
}

// --- MockStore ---

// MockStore records audit inserts and can be scripted to fail them.
type MockStore struct {
	mu        sync.Mutex
	records   []auditstore.AuditRecord
	insertErr error
	eventHook func(event string)
}

func NewMockStore() *MockStore {
	return &MockStore{}
}

func (m *MockStore) Insert(_ context.Context, record *auditstore.AuditRecord) error {
	m.mu.Lock()
	hook := m.eventHook
	if m.insertErr != nil {
		err := m.insertErr
		m.mu.Unlock()
		return err
	}
	m.records = append(m.records, *record)
	m.mu.Unlock()

	if hook != nil {
		hook("audit")
	}
	return nil
}

func (m *MockStore) Close() error {
	return nil
}

func (m *MockStore) GetRecords() []auditstore.AuditRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]auditstore.AuditRecord, len(m.records))
	copy(out, m.records)
	return out
}

func (m *MockStore) SetInsertError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.insertErr = err
}

func (m *MockStore) SetEventHook(hook func(event string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.eventHook = hook
}

// --- eventRecorder ---

// eventRecorder collects ordering-sensitive events from hooks and mocks.
type eventRecorder struct {
	mu     sync.Mutex
	events []string
}

func (r *eventRecorder) record(event string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *eventRecorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}
