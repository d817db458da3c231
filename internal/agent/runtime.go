// Package agent is a small event-driven runtime. Each invocation gets its own
// execution context with typed scratch state and a mailbox; registered
// actions react to events and emit new ones until an output is produced.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	defaultModelTimeout = 60 * time.Second
	defaultConcurrency  = 4
)

// ChatCaller performs the model call between a ChatRequestEvent and its
// ChatResponseEvent.
type ChatCaller interface {
	Call(ctx context.Context, model string, messages []*schema.Message) (*schema.Message, error)
}

// OutputSink receives the result of every completed execution.
type OutputSink interface {
	Publish(ctx context.Context, contextID uuid.UUID, result any) error
}

// Action handles one event for one execution context.
type Action[S any] func(ctx context.Context, ec *ExecutionContext[S], ev Event) error

// Options configures a Runtime.
type Options struct {
	// ModelTimeout bounds each model call. Expiry fails the execution.
	ModelTimeout time.Duration
	// Concurrency bounds parallel executions in InvokeAll and Run.
	Concurrency int
	Sinks       []OutputSink
	Logger      *slog.Logger
}

// ExecutionContext is the per-invocation state. It is owned by a single
// goroutine and never shared between invocations.
type ExecutionContext[S any] struct {
	ID      uuid.UUID
	Scratch S

	state   State
	seen    map[EventType]bool
	mailbox []Event
	output  any
	trace   []EventType
}

// Emit queues an event for this execution.
func (ec *ExecutionContext[S]) Emit(ev Event) {
	ec.mailbox = append(ec.mailbox, ev)
}

// State returns the current lifecycle state.
func (ec *ExecutionContext[S]) State() State {
	return ec.state
}

// Outcome summarizes a finished execution.
type Outcome struct {
	ContextID uuid.UUID   `json:"contextId"`
	State     State       `json:"state"`
	Output    any         `json:"output,omitempty"`
	Trace     []EventType `json:"trace"`
}

// Result pairs an Outcome with the error of a failed execution.
type Result struct {
	Outcome Outcome
	Err     error
}

// Runtime dispatches events to registered actions. Register all actions
// before the first Invoke; afterwards the runtime is safe for concurrent use.
type Runtime[S any] struct {
	chat    ChatCaller
	actions map[EventType]Action[S]
	opts    Options
	log     *slog.Logger
}

// New creates a Runtime that performs model calls through chat.
func New[S any](chat ChatCaller, opts Options) *Runtime[S] {
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = defaultModelTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Runtime[S]{
		chat:    chat,
		actions: make(map[EventType]Action[S]),
		opts:    opts,
		log:     log,
	}
}

// Register binds an action to an event type. Chat requests and outputs are
// handled by the runtime itself and cannot be registered.
func (r *Runtime[S]) Register(t EventType, a Action[S]) error {
	if t == EventChatRequest || t == EventOutput {
		return fmt.Errorf("%s events are handled by the runtime", t)
	}
	if a == nil {
		return fmt.Errorf("nil action for %s", t)
	}
	if _, ok := r.actions[t]; ok {
		return fmt.Errorf("action for %s already registered", t)
	}
	r.actions[t] = a
	return nil
}

// Invoke runs one execution from an InputEvent carrying payload until it
// completes or fails. A failed execution returns its Outcome together with
// an *Error.
func (r *Runtime[S]) Invoke(ctx context.Context, payload json.RawMessage) (Outcome, error) {
	ec := &ExecutionContext[S]{
		ID:   uuid.New(),
		seen: make(map[EventType]bool),
	}
	ec.Emit(InputEvent{Payload: payload})
	log := r.log.With("context_id", ec.ID)

	for len(ec.mailbox) > 0 {
		ev := ec.mailbox[0]
		ec.mailbox = ec.mailbox[1:]

		if err := ctx.Err(); err != nil {
			return r.fail(log, ec, ev.Type(), fmt.Errorf("%w: %w", ErrCanceled, err))
		}
		if err := r.dispatch(ctx, ec, ev); err != nil {
			return r.fail(log, ec, ev.Type(), err)
		}
	}

	if ec.state != StateCompleted {
		return r.fail(log, ec, "", fmt.Errorf("%w: mailbox drained in state %s without output", ErrInvariant, ec.state))
	}
	log.Debug("execution completed", "trace", ec.trace)
	return ec.outcome(), nil
}

func (r *Runtime[S]) dispatch(ctx context.Context, ec *ExecutionContext[S], ev Event) error {
	t := ev.Type()
	if ec.seen[t] {
		return fmt.Errorf("%w: duplicate %s event", ErrInvariant, t)
	}
	if !accepts(ec.state, t) {
		return fmt.Errorf("%w: %s event in state %s", ErrInvariant, t, ec.state)
	}
	ec.seen[t] = true
	ec.trace = append(ec.trace, t)

	switch e := ev.(type) {
	case ChatRequestEvent:
		ec.state = StateAwaitingModelResponse
		reply, err := r.callModel(ctx, e)
		if err != nil {
			return err
		}
		ec.Emit(ChatResponseEvent{Model: e.Model, Message: reply})
		return nil
	case OutputEvent:
		ec.output = e.Result
		ec.state = StateCompleted
		r.publish(ctx, ec.ID, e.Result)
		return nil
	}

	action, ok := r.actions[t]
	if !ok {
		return fmt.Errorf("%w: no action registered for %s", ErrInvariant, t)
	}
	return action(ctx, ec, ev)
}

func (r *Runtime[S]) callModel(ctx context.Context, req ChatRequestEvent) (*schema.Message, error) {
	if r.chat == nil {
		return nil, fmt.Errorf("%w: no chat caller configured", ErrInvariant)
	}
	callCtx, cancel := context.WithTimeout(ctx, r.opts.ModelTimeout)
	defer cancel()

	reply, err := r.chat.Call(callCtx, req.Model, req.Messages)
	switch {
	case err == nil:
		if reply == nil {
			return nil, fmt.Errorf("%w: %s returned no message", ErrTransport, req.Model)
		}
		return reply, nil
	case ctx.Err() != nil:
		return nil, fmt.Errorf("%w: %w", ErrCanceled, ctx.Err())
	case errors.Is(callCtx.Err(), context.DeadlineExceeded):
		return nil, fmt.Errorf("%w after %s: %w", ErrTimeout, r.opts.ModelTimeout, err)
	default:
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
}

func (r *Runtime[S]) publish(ctx context.Context, id uuid.UUID, result any) {
	for _, s := range r.opts.Sinks {
		if err := s.Publish(ctx, id, result); err != nil {
			r.log.Warn("output sink failed", "context_id", id, "error", err)
		}
	}
}

func (r *Runtime[S]) fail(log *slog.Logger, ec *ExecutionContext[S], t EventType, err error) (Outcome, error) {
	e := &Error{ContextID: ec.ID, State: ec.state, Event: t, Kind: classify(err), Err: err}
	ec.state = StateFailed
	ec.mailbox = nil
	if e.Kind == KindInvariant {
		log.Error("execution invariant violated", "state", e.State, "event", t, "error", err)
	} else {
		log.Warn("execution failed", "kind", e.Kind, "state", e.State, "event", t, "error", err)
	}
	return ec.outcome(), e
}

func (ec *ExecutionContext[S]) outcome() Outcome {
	return Outcome{ContextID: ec.ID, State: ec.state, Output: ec.output, Trace: ec.trace}
}

// InvokeAll runs one execution per payload with bounded parallelism. Results
// are index-aligned with payloads; a failed execution does not affect others.
func (r *Runtime[S]) InvokeAll(ctx context.Context, payloads []json.RawMessage) []Result {
	results := make([]Result, len(payloads))
	var g errgroup.Group
	g.SetLimit(r.opts.Concurrency)
	for i, p := range payloads {
		g.Go(func() error {
			out, err := r.Invoke(ctx, p)
			results[i] = Result{Outcome: out, Err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// Run consumes payloads until in is closed or ctx is done, invoking each with
// bounded parallelism. Failed executions are reported through onResult when
// set. An invariant violation stops Run and is returned.
func (r *Runtime[S]) Run(ctx context.Context, in <-chan json.RawMessage, onResult func(Result)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

loop:
	for {
		select {
		case <-gctx.Done():
			break loop
		case p, ok := <-in:
			if !ok {
				break loop
			}
			g.Go(func() error {
				out, err := r.Invoke(gctx, p)
				if onResult != nil {
					onResult(Result{Outcome: out, Err: err})
				}
				if errors.Is(err, ErrInvariant) {
					return err
				}
				return nil
			})
		}
	}

	return g.Wait()
}
