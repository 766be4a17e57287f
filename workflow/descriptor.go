package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Workflow describes a workflow function with input I and output O.
type Workflow[I, O any] struct {
	name string
	fn   func(*Ctx, I) (O, error)
}

// NewWorkflow declares a workflow.
func NewWorkflow[I, O any](name string, fn func(*Ctx, I) (O, error)) *Workflow[I, O] {
	return &Workflow[I, O]{name: name, fn: fn}
}

// Name returns the registered name.
func (w *Workflow[I, O]) Name() string { return w.name }

func (w *Workflow[I, O]) kind() kind { return kindWorkflow }

func (w *Workflow[I, O]) run(c *Ctx, input []byte) ([]byte, error) {
	in, err := decode[I]("input of workflow "+w.name, input)
	if err != nil {
		return nil, err
	}
	out, err := w.fn(c, in)
	if err != nil {
		return nil, err
	}
	return encode("output of workflow "+w.name, out)
}

type activityOptions struct {
	maxRetries int
	timeout    time.Duration
}

// ActivityOption tunes an activity or operation.
type ActivityOption func(*activityOptions)

// WithMaxRetries caps the failed attempts recorded before the activity fails
// the workflow. Zero uses the worker default.
func WithMaxRetries(n int) ActivityOption {
	return func(o *activityOptions) { o.maxRetries = n }
}

// WithTimeout bounds a single attempt. Zero uses the worker default.
func WithTimeout(d time.Duration) ActivityOption {
	return func(o *activityOptions) { o.timeout = d }
}

func applyActivityOptions(opts []ActivityOption) activityOptions {
	var o activityOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Activity describes side-effecting work whose result is recorded in
// history. A recorded success never runs again.
type Activity[I, O any] struct {
	name string
	fn   func(*ActivityCtx, I) (O, error)
	opts activityOptions
}

// NewActivity declares an activity.
func NewActivity[I, O any](name string, fn func(*ActivityCtx, I) (O, error), opts ...ActivityOption) *Activity[I, O] {
	return &Activity[I, O]{name: name, fn: fn, opts: applyActivityOptions(opts)}
}

// Name returns the registered name.
func (a *Activity[I, O]) Name() string { return a.name }

func (a *Activity[I, O]) kind() kind { return kindActivity }

// Operation is like an Activity but nothing is recorded: it runs again on
// every replay, so it must be pure or idempotent.
type Operation[I, O any] struct {
	name string
	fn   func(context.Context, I) (O, error)
	opts activityOptions
}

// NewOperation declares an operation. Only WithTimeout applies.
func NewOperation[I, O any](name string, fn func(context.Context, I) (O, error), opts ...ActivityOption) *Operation[I, O] {
	return &Operation[I, O]{name: name, fn: fn, opts: applyActivityOptions(opts)}
}

// Name returns the registered name.
func (o *Operation[I, O]) Name() string { return o.name }

func (o *Operation[I, O]) kind() kind { return kindOperation }

// Signal declares a persistent, exactly-once message with body T.
type Signal[T any] struct {
	name string
}

// NewSignal declares a signal.
func NewSignal[T any](name string) *Signal[T] {
	return &Signal[T]{name: name}
}

// Name returns the registered name.
func (s *Signal[T]) Name() string { return s.name }

func (s *Signal[T]) kind() kind { return kindSignal }

// Message declares a fire-and-forget broadcast with body T.
type Message[T any] struct {
	name string
}

// NewMessage declares a message.
func NewMessage[T any](name string) *Message[T] {
	return &Message[T]{name: name}
}

// Name returns the registered name.
func (m *Message[T]) Name() string { return m.name }

func (m *Message[T]) kind() kind { return kindMessage }

// ActivityCtx is passed to activity functions. It is a context.Context that
// is cancelled when the attempt times out.
type ActivityCtx struct {
	context.Context
	workflowID uuid.UUID
	activity   string
	attempt    int
	logger     *zap.Logger
}

// WorkflowID returns the id of the calling workflow.
func (a *ActivityCtx) WorkflowID() uuid.UUID { return a.workflowID }

// Attempt returns the 1-based attempt number.
func (a *ActivityCtx) Attempt() int { return a.attempt }

// Logger returns a logger tagged with the workflow and activity.
func (a *ActivityCtx) Logger() *zap.Logger { return a.logger }
