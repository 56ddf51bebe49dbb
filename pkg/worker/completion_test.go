package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/illmade-knight/go-usecase-worker/pkg/auditstore"
	"github.com/illmade-knight/go-usecase-worker/pkg/dedupe"
	"github.com/illmade-knight/go-usecase-worker/pkg/queue"
	"github.com/illmade-knight/go-usecase-worker/pkg/schema"
	"github.com/illmade-knight/go-usecase-worker/pkg/worker"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// completionFixture wires a running service with a single catch-all rule so
// settlement tests only have to vary the handler and hooks.
type completionFixture struct {
	transport *MockTransport
	store     *MockStore
	service   *worker.Service
}

func newCompletionFixture(t *testing.T, cfg worker.Config, handler worker.Handler) *completionFixture {
	t.Helper()
	transport := NewMockTransport()
	store := NewMockStore()
	service, err := worker.New(cfg, transport, store, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, service.Process("audit", schema.Schema{}, handler))
	startWorker(t, service)
	return &completionFixture{transport: transport, store: store, service: service}
}

func (f *completionFixture) waitForRecords(t *testing.T, expected int) []auditstore.AuditRecord {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.store.GetRecords()) == expected
	}, time.Second, 5*time.Millisecond, "expected %d audit records", expected)
	return f.store.GetRecords()
}

func TestCompletion_SettlementOrder(t *testing.T) {
	// Arrange: record the hook, the audit insert and the delete as they happen.
	recorder := &eventRecorder{}
	cfg := newTestConfig()
	cfg.OnDone = func(context.Context, any, queue.Message) {
		recorder.record("hook")
	}

	fixture := newCompletionFixture(t, cfg, func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(worker.Result{})
	})
	fixture.store.SetEventHook(recorder.record)
	fixture.transport.SetEventHook(recorder.record)

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert: the hook sees the outcome first, then the audit record is
	// written, and only then is the message deleted.
	require.Eventually(t, func() bool {
		return len(recorder.snapshot()) == 3
	}, time.Second, 5*time.Millisecond, "all settlement steps should run")
	assert.Equal(t, []string{"hook", "audit", "delete"}, recorder.snapshot())
}

func TestCompletion_FailurePath(t *testing.T) {
	// Arrange
	var hookErr atomic.Value
	cfg := newTestConfig()
	cfg.OnError = func(_ context.Context, handlerErr error, _ queue.Message) {
		hookErr.Store(handlerErr)
	}
	cfg.OnDone = func(context.Context, any, queue.Message) {
		t.Error("the done hook must not fire for a failed handler")
	}

	fixture := newCompletionFixture(t, cfg, func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Fail(errors.New("downstream rejected the request"))
	})

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert: failure still audits and deletes; only the status differs.
	records := fixture.waitForRecords(t, 1)
	assert.Equal(t, auditstore.StatusError, records[0].Status)
	assert.Equal(t, "downstream rejected the request", records[0].Result)

	require.Eventually(t, func() bool {
		return len(fixture.transport.GetDeleted()) == 1
	}, time.Second, 5*time.Millisecond, "a failed message is still deleted")

	stored, ok := hookErr.Load().(error)
	require.True(t, ok, "the error hook should have fired")
	assert.EqualError(t, stored, "downstream rejected the request")
}

func TestCompletion_FailWithNilErrorIsNormalised(t *testing.T) {
	// Arrange
	fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Fail(nil)
	})

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert
	records := fixture.waitForRecords(t, 1)
	assert.Equal(t, auditstore.StatusError, records[0].Status)
	assert.Equal(t, "handler reported failure without an error", records[0].Result)
}

func TestCompletion_AuditFailureStillDeletes(t *testing.T) {
	// Arrange
	fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(worker.Result{})
	})
	fixture.store.SetInsertError(errors.New("store unavailable"))

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert: losing the audit write must not wedge the message on the queue.
	require.Eventually(t, func() bool {
		return len(fixture.transport.GetDeleted()) == 1
	}, time.Second, 5*time.Millisecond, "the message should be deleted despite the failed insert")
	assert.Empty(t, fixture.store.GetRecords())
}

func TestCompletion_DeleteFailureStillMarksCompletion(t *testing.T) {
	// Arrange: the work completes but the broker rejects the delete, so the
	// message will come back. The duplicate guard is what stops the rerun.
	guard, err := dedupe.NewLRUGuard(16)
	require.NoError(t, err)
	cfg := newTestConfig()
	cfg.Duplicates = guard

	fixture := newCompletionFixture(t, cfg, func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(worker.Result{})
	})
	fixture.transport.SetDeleteError(errors.New("receipt expired"))

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert
	fixture.waitForRecords(t, 1)
	assert.Empty(t, fixture.transport.GetDeleted())
	require.Eventually(t, func() bool {
		seen, seenErr := guard.Seen(context.Background(), "m1")
		return seenErr == nil && seen
	}, time.Second, 5*time.Millisecond, "the completed message should be marked so its redelivery is dropped")
}

func TestCompletion_SettlementIsExactlyOnce(t *testing.T) {
	// Arrange
	var doneCalls, errorCalls atomic.Int32
	cfg := newTestConfig()
	cfg.OnDone = func(context.Context, any, queue.Message) { doneCalls.Add(1) }
	cfg.OnError = func(context.Context, error, queue.Message) { errorCalls.Add(1) }

	fixture := newCompletionFixture(t, cfg, func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(worker.Result{Output: "first"})
		completion.Done(worker.Result{Output: "second"})
		completion.Fail(errors.New("too late"))
	})

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert: only the first settlement counts.
	records := fixture.waitForRecords(t, 1)
	assert.Equal(t, auditstore.StatusSuccess, records[0].Status)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, fixture.store.GetRecords(), 1, "repeat settlements must not write more records")
	assert.Len(t, fixture.transport.GetDeleted(), 1, "repeat settlements must not delete again")
	assert.Equal(t, int32(1), doneCalls.Load())
	assert.Zero(t, errorCalls.Load())
}

func TestCompletion_RecordFields(t *testing.T) {
	// Arrange
	cfg := newTestConfig()
	cfg.Name = "order-audit"

	result := worker.Result{
		Output:   map[string]any{"invoice": "inv-7"},
		Group:    "eu-west",
		Count:    3,
		RefType:  "order",
		RefValue: "ord-123",
	}
	fixture := newCompletionFixture(t, cfg, func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(result)
	})

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"originalMessageId": "orig-9", "id": "a"}`))

	// Assert
	records := fixture.waitForRecords(t, 1)
	record := records[0]
	assert.NotEmpty(t, record.ID)
	assert.Equal(t, "order-audit", record.Service)
	assert.Equal(t, "audit", record.UseCase)
	assert.Equal(t, "m1", record.MessageID)
	assert.Equal(t, "orig-9", record.OriginalMessageID)
	assert.Equal(t, auditstore.StatusSuccess, record.Status)
	assert.Equal(t, "order", record.ReferenceType)
	assert.Equal(t, "ord-123", record.ReferenceValue)
	assert.Equal(t, "eu-west", record.GroupLabel)
	assert.Equal(t, 3, record.AffectedCount)
	assert.JSONEq(t, `{"invoice": "inv-7"}`, record.Result)
	assert.False(t, record.CreatedAt.IsZero())
}

func TestCompletion_DefaultReferenceIsTheUseCase(t *testing.T) {
	// Arrange
	fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
		completion.Done(worker.Result{})
	})

	// Act
	fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

	// Assert
	records := fixture.waitForRecords(t, 1)
	assert.Equal(t, "useCase", records[0].ReferenceType)
	assert.Equal(t, "audit", records[0].ReferenceValue)
}

func TestCompletion_OriginalMessageIDPrecedence(t *testing.T) {
	run := func(t *testing.T, msg queue.Message, expected string) {
		t.Helper()
		fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
			completion.Done(worker.Result{})
		})
		fixture.transport.Push(msg)
		records := fixture.waitForRecords(t, 1)
		assert.Equal(t, expected, records[0].OriginalMessageID)
	}

	t.Run("Body field wins over attribute", func(t *testing.T) {
		msg := jsonMessage("m1", `{"originalMessageId": "from-body"}`)
		msg.Attributes = map[string]string{"originalMessageId": "from-attribute"}
		run(t, msg, "from-body")
	})

	t.Run("Attribute is the fallback", func(t *testing.T) {
		msg := jsonMessage("m1", `{"id": "a"}`)
		msg.Attributes = map[string]string{"originalMessageId": "from-attribute"}
		run(t, msg, "from-attribute")
	})

	t.Run("Message ID is the default", func(t *testing.T) {
		run(t, jsonMessage("m1", `{"id": "a"}`), "m1")
	})
}

func TestCompletion_OutputSerialisation(t *testing.T) {
	t.Run("Strings are stored as JSON", func(t *testing.T) {
		fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
			completion.Done(worker.Result{Output: "plain text"})
		})
		fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

		records := fixture.waitForRecords(t, 1)
		assert.Equal(t, `"plain text"`, records[0].Result)
	})

	t.Run("Nil output leaves the result empty", func(t *testing.T) {
		fixture := newCompletionFixture(t, newTestConfig(), func(_ context.Context, _ worker.Body, completion *worker.Completion) {
			completion.Done(worker.Result{})
		})
		fixture.transport.Push(jsonMessage("m1", `{"id": "a"}`))

		records := fixture.waitForRecords(t, 1)
		assert.Empty(t, records[0].Result)
	})
}
