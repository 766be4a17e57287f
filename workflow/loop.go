package workflow

import (
	"time"

	"github.com/pitabwire/durable/model"
)

// LoopStep is what a loop body returns: continue with a new state or break
// with an output.
type LoopStep[S, O any] struct {
	done   bool
	state  S
	output O
}

// LoopCtx is the Ctx of one loop iteration.
type LoopCtx[S, O any] struct {
	*Ctx
	iteration uint32
	state     S
}

// State returns the state the iteration started with.
func (l *LoopCtx[S, O]) State() S { return l.state }

// Iteration returns the 0-based iteration number.
func (l *LoopCtx[S, O]) Iteration() uint32 { return l.iteration }

// Continue ends the iteration and starts the next one with state.
func (l *LoopCtx[S, O]) Continue(state S) LoopStep[S, O] {
	return LoopStep[S, O]{state: state}
}

// Break ends the loop with output.
func (l *LoopCtx[S, O]) Break(output O) LoopStep[S, O] {
	return LoopStep[S, O]{done: true, state: l.state, output: output}
}

// Loop runs body until it breaks. Each iteration records under its own
// location, and finishing an iteration forgets the history of the previous
// one, so a long-running loop keeps a bounded history. The state passed to
// Continue is persisted and handed to the next iteration, including after a
// restart.
func Loop[S, O any](c *Ctx, init S, body func(*LoopCtx[S, O]) (LoopStep[S, O], error)) (O, error) {
	var zero O
	ev, err := c.cursor.Compare(model.EventLoop, c.version, "")
	if err != nil {
		return zero, err
	}
	ref := c.ref()
	loc := ref.Location

	var iteration uint32
	state := init
	switch {
	case ev != nil && ev.Output != nil:
		out, err := decode[O]("loop output", ev.Output)
		if err != nil {
			return zero, err
		}
		c.cursor.Inc()
		return out, nil
	case ev != nil:
		iteration = ev.Iteration
		if state, err = decode[S]("loop state", ev.State); err != nil {
			return zero, err
		}
	default:
		st, err := encode("loop state", init)
		if err != nil {
			return zero, err
		}
		if err := c.run.drv.UpsertLoop(c.ctx, c.run.id, model.LoopUpdate{Ref: ref, State: st}); err != nil {
			return zero, storage("upsert loop", err)
		}
	}

	for {
		if err := c.CheckStop(); err != nil {
			return zero, err
		}
		start := time.Now()
		lc := &LoopCtx[S, O]{
			Ctx:       c.sub(loc.Append(iteration), loc),
			iteration: iteration,
			state:     state,
		}
		step, err := body(lc)
		if err != nil {
			return zero, err
		}
		c.run.opts.Metrics.RecordLoopIteration(c.run.name, time.Since(start))

		st, err := encode("loop state", step.state)
		if err != nil {
			return zero, err
		}
		upd := model.LoopUpdate{Ref: ref, Iteration: iteration + 1, State: st}
		if step.done {
			if upd.Output, err = encode("loop output", step.output); err != nil {
				return zero, err
			}
		}
		if err := c.run.drv.UpsertLoop(c.ctx, c.run.id, upd); err != nil {
			return zero, storage("upsert loop", err)
		}
		if step.done {
			c.cursor.Inc()
			return step.output, nil
		}
		iteration++
		state = step.state
	}
}
