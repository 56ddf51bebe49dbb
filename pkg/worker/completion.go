package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-usecase-worker/pkg/auditstore"
	"github.com/illmade-knight/go-usecase-worker/pkg/queue"
)

// completionTimeout bounds the hook, audit write and delete of one
// settlement. Settlements run on background contexts so a handler that
// finishes after Stop still settles cleanly.
const completionTimeout = 30 * time.Second

// Completion settles one dispatched message. Exactly one of Done or Fail
// must be called; the first call wins and any repeat is logged and ignored.
// Settling triggers, in order: the service hook, the audit record, the
// unconditional delete. Hook and audit failures are logged but never stop
// the delete; completed business logic is never left to reprocess.
type Completion struct {
	service *Service
	useCase string
	msg     queue.Message
	body    Body
	settled atomic.Bool
}

func (s *Service) newCompletion(useCase string, msg queue.Message, body Body) *Completion {
	return &Completion{
		service: s,
		useCase: useCase,
		msg:     msg,
		body:    body,
	}
}

// Done settles the message as successfully handled.
func (c *Completion) Done(result Result) {
	c.settle(auditstore.StatusSuccess, result, nil)
}

// Fail settles the message as handled-with-error. The message is still
// audited and deleted; the error is the durable trace, not a retry trigger.
func (c *Completion) Fail(handlerErr error) {
	if handlerErr == nil {
		handlerErr = errors.New("handler reported failure without an error")
	}
	c.settle(auditstore.StatusError, Result{}, handlerErr)
}

func (c *Completion) settle(status auditstore.Status, result Result, handlerErr error) {
	if !c.settled.CompareAndSwap(false, true) {
		c.service.logger.Error().
			Str("msg_id", c.msg.ID).
			Str("use_case", c.useCase).
			Msg("Completion fulfilled more than once, ignoring repeat call.")
		return
	}

	s := c.service
	defer s.releaseSlot()

	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	if handlerErr != nil {
		s.cfg.OnError(ctx, handlerErr, c.msg)
	} else {
		s.cfg.OnDone(ctx, result.Output, c.msg)
	}

	record := c.buildRecord(status, result, handlerErr)
	if err := s.store.Insert(ctx, record); err != nil {
		s.logger.Error().Err(err).
			Str("msg_id", c.msg.ID).
			Str("use_case", c.useCase).
			Msg("Failed to write audit record; the message will still be deleted.")
	}

	if err := s.transport.Delete(ctx, s.cfg.Name, c.msg.Receipt); err != nil {
		s.logger.Error().Err(err).
			Str("msg_id", c.msg.ID).
			Msg("Failed to delete settled message; the transport will redeliver it.")
	}

	if s.cfg.Duplicates != nil {
		if err := s.cfg.Duplicates.Mark(ctx, c.msg.ID); err != nil {
			s.logger.Warn().Err(err).Str("msg_id", c.msg.ID).Msg("Failed to mark message completed in duplicate guard.")
		}
	}

	s.logger.Debug().
		Str("msg_id", c.msg.ID).
		Str("use_case", c.useCase).
		Str("status", string(status)).
		Msg("Message settled.")
}

func (s *Service) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

// buildRecord assembles the audit trace for one settlement.
func (c *Completion) buildRecord(status auditstore.Status, result Result, handlerErr error) *auditstore.AuditRecord {
	refType := result.RefType
	refValue := result.RefValue
	if refType == "" {
		refType = "useCase"
	}
	if refValue == "" {
		refValue = c.useCase
	}

	var serialized string
	switch {
	case handlerErr != nil:
		serialized = handlerErr.Error()
	case result.Output != nil:
		if data, err := json.Marshal(result.Output); err == nil {
			serialized = string(data)
		} else {
			serialized = fmt.Sprintf("%v", result.Output)
		}
	}

	return &auditstore.AuditRecord{
		ID:                uuid.NewString(),
		Service:           c.service.cfg.Name,
		UseCase:           c.useCase,
		MessageID:         c.msg.ID,
		OriginalMessageID: originalMessageID(c.msg, c.body),
		Status:            status,
		ReferenceType:     refType,
		ReferenceValue:    refValue,
		GroupLabel:        result.Group,
		AffectedCount:     result.Count,
		Result:            serialized,
		CreatedAt:         time.Now().UTC(),
	}
}

// originalMessageID traces message chains: a handler that re-publishes work
// carries the first message's ID in the body or the attributes, and audit
// records keep pointing at it.
func originalMessageID(msg queue.Message, body Body) string {
	if v, ok := body["originalMessageId"].(string); ok && v != "" {
		return v
	}
	if v := msg.Attributes["originalMessageId"]; v != "" {
		return v
	}
	return msg.ID
}
