// Package worker provides a declarative queue-consuming worker: callers
// register use-case handlers guarded by field-kind schemas against the
// service's queue, and the worker polls the queue, routes each message to
// the first matching handler, audits the outcome and deletes the message.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-usecase-worker/pkg/auditstore"
	"github.com/illmade-knight/go-usecase-worker/pkg/dedupe"
	"github.com/illmade-knight/go-usecase-worker/pkg/queue"
	"github.com/rs/zerolog"
)

// ErrConfig wraps every configuration failure: invalid registrations,
// missing identity or hooks, and lifecycle misuse. Unlike runtime transport
// or handler errors it is returned synchronously and never swallowed.
var ErrConfig = errors.New("worker: invalid configuration")

// DoneHook is called once for every successfully handled message, before its
// audit record is written and the message is deleted.
type DoneHook func(ctx context.Context, output any, msg queue.Message)

// ErrorHook is the failure counterpart of DoneHook: the handler's error,
// before the error-status audit record and the delete.
type ErrorHook func(ctx context.Context, handlerErr error, msg queue.Message)

// Config describes a worker service. Identity fields are immutable once the
// service starts.
type Config struct {
	// Name is the service identity: the queue it consumes and the namespace
	// audit stores key their records by. Required.
	Name        string
	Description string
	Version     string

	// PollInterval paces the fetch loop. Defaults to 10s.
	PollInterval time.Duration

	// BatchSize caps how many messages one tick fetches. Defaults to 10.
	BatchSize int

	// MaxInFlight bounds concurrently running handlers. Zero keeps handler
	// concurrency unbounded; with N > 0 a full worker blocks dispatch until
	// a handler settles.
	MaxInFlight int

	// OnDone and OnError are required as soon as any use case is
	// registered; Start fails without them.
	OnDone  DoneHook
	OnError ErrorHook

	// LogSink optionally mirrors every log event to a secondary sink.
	LogSink zerolog.Hook

	// EnvFile optionally names a dotenv file loaded once on first Start. An
	// explicitly named file must exist; the ".env" default is best-effort.
	EnvFile string

	// Duplicates optionally guards against re-running handlers for messages
	// already completed, e.g. redeliveries after a failed delete. Nil keeps
	// plain at-least-once semantics.
	Duplicates dedupe.Guard
}

const (
	stateIdle = iota
	stateRunning
	stateStopped
)

// Service is the worker runtime. Register use cases with Process, then
// Start; the zero state is Idle, Stop is terminal.
type Service struct {
	cfg       Config
	transport queue.Transport
	store     auditstore.RecordInserter
	logger    zerolog.Logger

	mu    sync.Mutex
	state int
	rules []processRule

	// slots is the handler-concurrency semaphore; nil when unbounded.
	slots chan struct{}

	loopCancel context.CancelFunc
	loopDone   chan struct{}

	pushEnsured sync.Map
}

// New validates the service identity and its collaborators. Hook presence is
// checked at Start, when it is known whether any use case needs them.
func New(cfg Config, transport queue.Transport, store auditstore.RecordInserter, logger zerolog.Logger) (*Service, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("%w: service name is required", ErrConfig)
	}
	if transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrConfig)
	}
	if store == nil {
		return nil, fmt.Errorf("%w: audit store cannot be nil", ErrConfig)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}

	serviceLogger := logger.With().
		Str("service", cfg.Name).
		Str("version", cfg.Version).
		Logger()
	if cfg.LogSink != nil {
		serviceLogger = serviceLogger.Hook(cfg.LogSink)
	}

	s := &Service{
		cfg:       cfg,
		transport: transport,
		store:     store,
		logger:    serviceLogger,
	}
	if cfg.MaxInFlight > 0 {
		s.slots = make(chan struct{}, cfg.MaxInFlight)
	}
	return s, nil
}

// Start ensures the service queue exists and begins polling it. The context
// bounds startup work only; polling runs until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case stateRunning:
		return fmt.Errorf("%w: service already started", ErrConfig)
	case stateStopped:
		return fmt.Errorf("%w: service cannot restart after stop", ErrConfig)
	}
	if len(s.rules) > 0 && (s.cfg.OnDone == nil || s.cfg.OnError == nil) {
		return fmt.Errorf("%w: done and error hooks are required once use cases are registered", ErrConfig)
	}

	if err := LoadEnv(s.cfg.EnvFile); err != nil {
		return fmt.Errorf("%w: %w", ErrConfig, err)
	}

	if err := s.transport.EnsureQueue(ctx, s.cfg.Name); err != nil {
		return fmt.Errorf("failed to ensure queue %q: %w", s.cfg.Name, err)
	}

	// The loop context deliberately does not descend from ctx: polling ends
	// through Stop, not through the caller's startup context.
	loopCtx, cancel := context.WithCancel(context.Background())
	s.loopCancel = cancel
	s.loopDone = make(chan struct{})
	s.state = stateRunning

	go s.run(loopCtx)

	s.logger.Info().
		Int("use_cases", len(s.rules)).
		Dur("poll_interval", s.cfg.PollInterval).
		Msg("Worker service started.")
	return nil
}

// Stop halts the poll loop and waits, bounded by ctx, for it to exit: after
// Stop returns no further fetches happen. Handlers already in flight are
// neither cancelled nor awaited; their completions still audit and delete.
// Stop is idempotent and terminal.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	wasRunning := s.state == stateRunning
	s.state = stateStopped
	cancel := s.loopCancel
	done := s.loopDone
	s.mu.Unlock()

	if !wasRunning {
		return nil
	}

	cancel()
	select {
	case <-done:
		s.logger.Info().Msg("Worker service stopped.")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for poll loop to stop.")
		return ctx.Err()
	}
}

// Push serializes body as JSON and publishes it to an arbitrary queue,
// creating the queue on first use. Handlers use it to chain work to other
// services.
func (s *Service) Push(ctx context.Context, queueName string, body any) error {
	if queueName == "" {
		return fmt.Errorf("%w: queue name must not be empty", ErrConfig)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to serialize message body: %w", err)
	}

	if _, ensured := s.pushEnsured.Load(queueName); !ensured {
		if err = s.transport.EnsureQueue(ctx, queueName); err != nil {
			return fmt.Errorf("failed to ensure queue %q: %w", queueName, err)
		}
		s.pushEnsured.Store(queueName, struct{}{})
	}

	if err = s.transport.Publish(ctx, queueName, payload, nil); err != nil {
		return fmt.Errorf("failed to publish to queue %q: %w", queueName, err)
	}
	return nil
}
