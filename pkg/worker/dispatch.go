package worker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/illmade-knight/go-usecase-worker/pkg/queue"
)

// Outcome classifies what dispatch did with one fetched message.
type Outcome int

const (
	// OutcomeHandled means a rule matched and its handler was launched.
	OutcomeHandled Outcome = iota + 1

	// OutcomeUnmatched means no rule's schema matched; the message stays on
	// the queue for redelivery.
	OutcomeUnmatched

	// OutcomeMalformed means the body was not valid JSON; no rule was
	// consulted and the message stays on the queue.
	OutcomeMalformed

	// OutcomeDuplicate means a configured duplicate guard recognised an
	// already-completed message; it was deleted without running a handler.
	OutcomeDuplicate
)

// String returns the lower-case name of the outcome.
func (o Outcome) String() string {
	switch o {
	case OutcomeHandled:
		return "handled"
	case OutcomeUnmatched:
		return "unmatched"
	case OutcomeMalformed:
		return "malformed"
	case OutcomeDuplicate:
		return "duplicate"
	default:
		return "unknown"
	}
}

// run is the poll loop. The first fetch happens one interval after start.
func (s *Service) run(ctx context.Context) {
	defer close(s.loopDone)

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	s.logger.Debug().Msg("Poll loop started.")
	for {
		select {
		case <-ctx.Done():
			s.logger.Debug().Msg("Poll loop exiting.")
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fetches one batch and dispatches it sequentially in received order. A
// fetch error abandons the tick; the next interval retries.
func (s *Service) tick(ctx context.Context) {
	messages, err := s.transport.Receive(ctx, s.cfg.Name, s.cfg.BatchSize)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to fetch messages, abandoning tick.")
		return
	}
	if len(messages) == 0 {
		return
	}

	s.logger.Debug().Int("batch_size", len(messages)).Msg("Dispatching fetched batch.")
	for _, msg := range messages {
		s.dispatch(ctx, msg)
	}
}

// dispatch routes one message: decode, first full schema match in
// registration order, launch the handler. Messages that decode badly or
// match nothing are left untouched for the transport to redeliver.
func (s *Service) dispatch(ctx context.Context, msg queue.Message) Outcome {
	if s.cfg.Duplicates != nil {
		seen, err := s.cfg.Duplicates.Seen(ctx, msg.ID)
		if err != nil {
			s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Duplicate guard check failed, treating message as new.")
		} else if seen {
			s.logger.Info().Str("msg_id", msg.ID).Msg("Message already completed, deleting redelivery without dispatch.")
			if deleteErr := s.transport.Delete(ctx, s.cfg.Name, msg.Receipt); deleteErr != nil {
				s.logger.Error().Err(deleteErr).Str("msg_id", msg.ID).Msg("Failed to delete duplicate delivery.")
			}
			return OutcomeDuplicate
		}
	}

	var decoded any
	if err := json.Unmarshal(msg.Body, &decoded); err != nil {
		s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Message body is not valid JSON, leaving for redelivery.")
		return OutcomeMalformed
	}
	body, isObject := decoded.(map[string]any)
	if !isObject {
		s.logger.Warn().Str("msg_id", msg.ID).Msg("Message body is not a JSON object, no use case can match it.")
		return OutcomeUnmatched
	}

	for i := range s.rules {
		rule := &s.rules[i]
		if !rule.schema.Matches(body) {
			continue
		}

		if s.slots != nil {
			// Blocks the tick until a handler settles; this is the
			// back-pressure MaxInFlight promises.
			s.slots <- struct{}{}
		}

		completion := s.newCompletion(rule.useCase, msg, Body(body))
		go rule.handler(context.Background(), Body(body), completion)

		s.logger.Debug().Str("msg_id", msg.ID).Str("use_case", rule.useCase).Msg("Message dispatched.")
		return OutcomeHandled
	}

	s.logger.Warn().Str("msg_id", msg.ID).Msg("No use case matched message, leaving for redelivery.")
	return OutcomeUnmatched
}
