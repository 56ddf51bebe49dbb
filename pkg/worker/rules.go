package worker

import (
	"context"
	"fmt"

	"github.com/illmade-knight/go-usecase-worker/pkg/schema"
)

// Body is the decoded JSON object of a queue message. Handlers read it
// directly; the worker never mutates it after decoding.
type Body map[string]any

// Handler processes one matched message. It runs in its own goroutine and
// must settle the completion exactly once, with Done or Fail, whenever it
// finishes; a handler that never settles leaks its message until the
// transport redelivers it. The context is independent of Stop: in-flight
// handlers are never cancelled by shutdown.
type Handler func(ctx context.Context, body Body, completion *Completion)

// Result carries what a successful handler reports into the done hook and
// the audit record.
type Result struct {
	// Output is the handler's business result, serialized into the audit
	// record and passed to the done hook.
	Output any

	// Group optionally buckets related audit records.
	Group string

	// Count is the number of entities the handler affected.
	Count int

	// RefType and RefValue override how the audit record is keyed; empty
	// values fall back to recording the use-case label.
	RefType  string
	RefValue string
}

// processRule is one registered use case: a label, the schema guarding it
// and the handler to run on a match.
type processRule struct {
	useCase string
	schema  schema.Schema
	handler Handler
}

// Process registers a use case. Rules are evaluated in registration order
// and the first full schema match wins; duplicate labels are allowed, later
// duplicates are simply shadowed for bodies both would match. Registration
// is only possible before Start.
func (s *Service) Process(useCase string, sch schema.Schema, handler Handler) error {
	if useCase == "" {
		return fmt.Errorf("%w: use case label must not be empty", ErrConfig)
	}
	if sch == nil {
		return fmt.Errorf("%w: use case %q requires a schema", ErrConfig, useCase)
	}
	if err := sch.Validate(); err != nil {
		return fmt.Errorf("%w: use case %q: %w", ErrConfig, useCase, err)
	}
	if handler == nil {
		return fmt.Errorf("%w: use case %q requires a handler", ErrConfig, useCase)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateIdle {
		return fmt.Errorf("%w: cannot register use case %q after the service has started", ErrConfig, useCase)
	}
	s.rules = append(s.rules, processRule{useCase: useCase, schema: sch, handler: handler})
	s.logger.Debug().Str("use_case", useCase).Int("schema_fields", len(sch)).Msg("Use case registered.")
	return nil
}
