package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/model"
)

// Client dispatches workflows, sends signals and reads results from outside
// a workflow.
type Client struct {
	drv  model.Driver
	opts Options
}

// NewClient builds a client over drv.
func NewClient(drv model.Driver, opts ...Option) *Client {
	return &Client{drv: drv, opts: applyOptions(opts)}
}

// Driver returns the underlying driver.
func (c *Client) Driver() model.Driver { return c.drv }

type dispatchOptions struct {
	id    uuid.UUID
	tags  map[string]string
	rayID uuid.UUID
}

// DispatchOption tunes a dispatch.
type DispatchOption func(*dispatchOptions)

// WithID fixes the workflow id. Dispatching an id twice fails with
// DUPLICATE_WORKFLOW.
func WithID(id uuid.UUID) DispatchOption {
	return func(o *dispatchOptions) { o.id = id }
}

// WithTags attaches routing tags to the workflow.
func WithTags(tags map[string]string) DispatchOption {
	return func(o *dispatchOptions) { o.tags = tags }
}

// WithRayID sets the correlation id. By default the id comes from the
// context's RayContext, or a fresh one.
func WithRayID(id uuid.UUID) DispatchOption {
	return func(o *dispatchOptions) { o.rayID = id }
}

func (c *Client) dispatchOptions(ctx context.Context, opts []DispatchOption) dispatchOptions {
	var o dispatchOptions
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	if o.rayID == uuid.Nil {
		o.rayID = model.RayIDFrom(ctx)
	}
	if o.rayID == uuid.Nil {
		o.rayID = uuid.New()
	}
	return o
}

// Dispatch creates a workflow run of wf and returns its id.
func Dispatch[I, O any](ctx context.Context, c *Client, wf *Workflow[I, O], input I, opts ...DispatchOption) (uuid.UUID, error) {
	b, err := encode("input of workflow "+wf.Name(), input)
	if err != nil {
		return uuid.Nil, err
	}
	return c.DispatchRaw(ctx, wf.Name(), b, opts...)
}

// DispatchTagged creates a workflow run of wf carrying tags, so tagged
// signals and unique sub-workflow lookups can find it.
func DispatchTagged[I, O any](ctx context.Context, c *Client, wf *Workflow[I, O], input I, tags map[string]string, opts ...DispatchOption) (uuid.UUID, error) {
	return Dispatch(ctx, c, wf, input, append(opts, WithTags(tags))...)
}

// DispatchRaw creates a workflow run from an already encoded input.
func (c *Client) DispatchRaw(ctx context.Context, name string, input []byte, opts ...DispatchOption) (uuid.UUID, error) {
	o := c.dispatchOptions(ctx, opts)
	start := time.Now()
	err := c.drv.DispatchWorkflow(ctx, model.DispatchRequest{
		ID:    o.id,
		Name:  name,
		Tags:  o.tags,
		Input: input,
		RayID: o.rayID,
	})
	if err != nil {
		return uuid.Nil, err
	}
	c.opts.Metrics.RecordDispatch(name, time.Since(start))
	c.opts.Logger.Debug("workflow dispatched",
		zap.String("workflow_id", o.id.String()),
		zap.String("workflow_name", name),
		zap.String("ray_id", o.rayID.String()),
	)
	return o.id, nil
}

// SignalWorkflow queues a signal for the workflow id.
func SignalWorkflow[T any](ctx context.Context, c *Client, id uuid.UUID, sig *Signal[T], body T) (uuid.UUID, error) {
	b, err := encode("signal "+sig.Name(), body)
	if err != nil {
		return uuid.Nil, err
	}
	return c.SignalRaw(ctx, id, sig.Name(), b)
}

// SignalTagged queues a signal for whichever workflow carries tags.
func SignalTagged[T any](ctx context.Context, c *Client, tags map[string]string, sig *Signal[T], body T) (uuid.UUID, error) {
	b, err := encode("signal "+sig.Name(), body)
	if err != nil {
		return uuid.Nil, err
	}
	return c.SignalTaggedRaw(ctx, tags, sig.Name(), b)
}

// SignalRaw queues an already encoded signal for the workflow id.
func (c *Client) SignalRaw(ctx context.Context, id uuid.UUID, name string, body []byte) (uuid.UUID, error) {
	start := time.Now()
	sigID, err := c.drv.PublishSignal(ctx, id, name, body, c.rayID(ctx))
	if err != nil {
		return uuid.Nil, err
	}
	c.opts.Metrics.RecordSignalSend(name, time.Since(start))
	return sigID, nil
}

// SignalTaggedRaw queues an already encoded signal by tags.
func (c *Client) SignalTaggedRaw(ctx context.Context, tags map[string]string, name string, body []byte) (uuid.UUID, error) {
	start := time.Now()
	sigID, err := c.drv.PublishTaggedSignal(ctx, tags, name, body, c.rayID(ctx))
	if err != nil {
		return uuid.Nil, err
	}
	c.opts.Metrics.RecordSignalSend(name, time.Since(start))
	return sigID, nil
}

func (c *Client) rayID(ctx context.Context) uuid.UUID {
	if id := model.RayIDFrom(ctx); id != uuid.Nil {
		return id
	}
	return uuid.New()
}

// Output returns the decoded output of a finished workflow. The boolean is
// false while the workflow is still running. A dead workflow returns its
// recorded error.
func Output[I, O any](ctx context.Context, c *Client, wf *Workflow[I, O], id uuid.UUID) (O, bool, error) {
	var zero O
	rec, err := c.drv.GetWorkflow(ctx, id)
	if err != nil {
		return zero, false, err
	}
	switch {
	case rec.IsComplete():
		out, err := decode[O]("output of workflow "+wf.Name(), rec.Output)
		return out, err == nil, err
	case rec.IsDead():
		return zero, false, &model.WorkflowError{Code: rec.ErrorCode, Message: rec.Error}
	default:
		return zero, false, nil
	}
}

// WaitForOutput polls Output every poll until the workflow finishes or ctx
// ends.
func WaitForOutput[I, O any](ctx context.Context, c *Client, wf *Workflow[I, O], id uuid.UUID, poll time.Duration) (O, error) {
	t := time.NewTicker(poll)
	defer t.Stop()
	for {
		out, done, err := Output(ctx, c, wf, id)
		if err != nil || done {
			return out, err
		}
		select {
		case <-ctx.Done():
			var zero O
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}

// Get returns the workflow record.
func (c *Client) Get(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	return c.drv.GetWorkflow(ctx, id)
}

// Find returns the id of a workflow named name whose tags include tags.
func (c *Client) Find(ctx context.Context, name string, tags map[string]string) (uuid.UUID, bool, error) {
	return c.drv.FindWorkflow(ctx, name, tags)
}

// History returns the workflow's events ordered by location.
func (c *Client) History(ctx context.Context, id uuid.UUID) ([]model.Event, error) {
	return c.drv.GetHistory(ctx, id)
}

// Wake clears the workflow's error and schedules it immediately. Use it to
// retry a dead workflow after fixing the cause.
func (c *Client) Wake(ctx context.Context, id uuid.UUID) error {
	return c.drv.WakeWorkflow(ctx, id)
}

// Silence stops a workflow from ever being pulled again.
func (c *Client) Silence(ctx context.Context, id uuid.UUID) error {
	return c.drv.SilenceWorkflow(ctx, id)
}

// Received is a message delivered to a subscriber.
type Received[T any] struct {
	Body           T
	RayID          uuid.UUID
	FromWorkflowID uuid.UUID
	CreateTS       time.Time
}

// MessageSubscription delivers messages of one name and tag set.
type MessageSubscription[T any] struct {
	sub model.Subscription
	out chan Received[T]
}

// C returns the channel of decoded messages. It closes with the
// subscription.
func (s *MessageSubscription[T]) C() <-chan Received[T] { return s.out }

// Close ends the subscription.
func (s *MessageSubscription[T]) Close() error { return s.sub.Close() }

// SubscribeMessage listens for msg published with exactly tags. Only
// messages published after the call are seen.
func SubscribeMessage[T any](ctx context.Context, c *Client, msg *Message[T], tags map[string]string) (*MessageSubscription[T], error) {
	bus := c.drv.Bus()
	if bus == nil {
		return nil, errors.New("driver has no message bus")
	}
	sub, err := bus.Subscribe(ctx, model.MessageSubject(msg.Name(), tags))
	if err != nil {
		return nil, err
	}
	s := &MessageSubscription[T]{sub: sub, out: make(chan Received[T])}
	go func() {
		defer close(s.out)
		for payload := range sub.Messages() {
			var m model.Message
			if err := json.Unmarshal(payload, &m); err != nil {
				c.opts.Logger.Warn("drop malformed message", zap.String("message", msg.Name()), zap.Error(err))
				continue
			}
			body, err := decode[T]("message "+msg.Name(), m.Body)
			if err != nil {
				c.opts.Logger.Warn("drop undecodable message", zap.String("message", msg.Name()), zap.Error(err))
				continue
			}
			select {
			case s.out <- Received[T]{Body: body, RayID: m.RayID, FromWorkflowID: m.FromWorkflowID, CreateTS: m.CreateTS}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return s, nil
}
