package workflow

import (
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/durable/model"
)

// SubWorkflowCall builds a child workflow dispatched from a workflow.
type SubWorkflowCall[I, O any] struct {
	c      *Ctx
	wf     *Workflow[I, O]
	input  I
	tags   map[string]string
	unique bool
}

// SubWorkflow starts building a call to wf with input.
func SubWorkflow[I, O any](c *Ctx, wf *Workflow[I, O], input I) *SubWorkflowCall[I, O] {
	return &SubWorkflowCall[I, O]{c: c, wf: wf, input: input}
}

// Tags sets the child's tags.
func (s *SubWorkflowCall[I, O]) Tags(tags map[string]string) *SubWorkflowCall[I, O] {
	s.tags = tags
	return s
}

// Unique reuses an existing workflow with the same name whose tags include
// the child's tags instead of creating one.
func (s *SubWorkflowCall[I, O]) Unique() *SubWorkflowCall[I, O] {
	s.unique = true
	return s
}

// Dispatch creates the child and returns its id without waiting for it.
func (s *SubWorkflowCall[I, O]) Dispatch() (uuid.UUID, error) {
	c := s.c
	ev, err := c.cursor.Compare(model.EventSubWorkflowDispatch, c.version, s.wf.name)
	if err != nil {
		return uuid.Nil, err
	}
	if ev != nil {
		c.cursor.Inc()
		return ev.SubWorkflowID, nil
	}

	input, err := encode("input of workflow "+s.wf.name, s.input)
	if err != nil {
		return uuid.Nil, err
	}
	start := time.Now()
	id, err := c.run.drv.DispatchSubWorkflow(c.ctx, model.SubWorkflowRequest{
		Ref:           c.ref(),
		ParentID:      c.run.id,
		SubWorkflowID: uuid.New(),
		Name:          s.wf.name,
		Tags:          s.tags,
		Input:         input,
		RayID:         c.run.rayID,
		Unique:        s.unique,
	})
	if err != nil {
		return uuid.Nil, storage("dispatch sub workflow", err)
	}
	c.run.opts.Metrics.RecordDispatch(s.wf.name, time.Since(start))
	c.cursor.Inc()
	return id, nil
}

// Output dispatches the child if needed and returns its output. Until the
// child completes the parent yields with SUB_WORKFLOW_INCOMPLETE and is woken
// by the child finishing. A dead child fails the parent.
func (s *SubWorkflowCall[I, O]) Output() (O, error) {
	var zero O
	id, err := s.Dispatch()
	if err != nil {
		return zero, err
	}
	return awaitSubWorkflow[O](s.c, s.wf.name, id)
}

func awaitSubWorkflow[O any](c *Ctx, name string, id uuid.UUID) (O, error) {
	var zero O
	rec, err := c.run.drv.GetWorkflow(c.ctx, id)
	if err != nil {
		return zero, storage("get sub workflow", err)
	}
	switch {
	case rec.IsComplete():
		return decode[O]("output of workflow "+name, rec.Output)
	case rec.IsDead():
		return zero, model.NewSubWorkflowFailedError(id, rec.Error)
	default:
		return zero, model.NewSubWorkflowIncompleteError(id)
	}
}
