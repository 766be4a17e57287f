package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/model"
)

var errActivityTimeout = errors.New("activity timed out")

// ExecActivity runs a on input, or returns the output recorded for the same
// call when replaying. Failed attempts are recorded and retried on a capped
// exponential schedule; once the retry budget is spent the workflow fails
// with ACTIVITY_MAX_FAILURES_REACHED.
func ExecActivity[I, O any](c *Ctx, a *Activity[I, O], input I) (O, error) {
	var zero O
	if err := c.CheckStop(); err != nil {
		return zero, err
	}

	in, err := encode("input of activity "+a.name, input)
	if err != nil {
		return zero, err
	}
	hash := model.HashInput(in)

	ev, err := c.cursor.CompareActivity(c.version, a.name, hash)
	if err != nil {
		return zero, err
	}

	attempts := 0
	if ev != nil {
		if ev.Succeeded() {
			out, err := decode[O]("output of activity "+a.name, ev.Output)
			if err != nil {
				return zero, err
			}
			c.cursor.Inc()
			return out, nil
		}
		attempts = ev.ErrorCount()
	}

	maxRetries := a.opts.maxRetries
	if maxRetries <= 0 {
		maxRetries = c.run.opts.MaxActivityRetries
	}
	if attempts > 0 {
		last := ev.Errors[attempts-1]
		if attempts >= maxRetries {
			return zero, model.NewActivityMaxFailuresError(a.name, attempts, last.Error)
		}
		if retryAt := last.CreateTS.Add(retryDelay(attempts)); retryAt.After(c.now()) {
			return zero, model.NewActivityFailureError(a.name, attempts, errors.New(last.Error), retryAt)
		}
	}

	timeout := a.opts.timeout
	if timeout <= 0 {
		timeout = c.run.opts.ActivityTimeout
	}
	attempt := attempts + 1

	ctx, span := observability.StartSpan(c.ctx, "activity."+a.name,
		observability.AttrActivity.String(a.name),
		observability.AttrWorkflowID.String(c.run.id.String()),
	)
	actx := &ActivityCtx{
		workflowID: c.run.id,
		activity:   a.name,
		attempt:    attempt,
		logger:     c.run.logger.With(zap.String("activity", a.name), zap.Int("attempt", attempt)),
	}
	start := time.Now()
	out, runErr := runBounded(ctx, c, timeout, func(ctx context.Context) (O, error) {
		actx.Context = ctx
		return a.fn(actx, input)
	})
	elapsed := time.Since(start)

	// The run was abandoned, typically because a sibling branch failed.
	// Nothing is recorded so the attempt does not count.
	if c.ctx.Err() != nil {
		observability.EndSpanWithError(span, c.ctx.Err())
		return zero, model.NewWorkflowStoppedError()
	}

	if runErr == nil {
		payload, err := encode("output of activity "+a.name, out)
		if err != nil {
			observability.EndSpanWithError(span, err)
			return zero, err
		}
		err = c.run.drv.CommitActivityEvent(c.ctx, c.run.id, model.ActivityEventRequest{
			Ref:    c.ref(),
			Name:   a.name,
			Hash:   hash,
			Input:  in,
			Output: payload,
		})
		observability.EndSpanWithError(span, err)
		if err != nil {
			return zero, storage("commit activity event", err)
		}
		c.run.opts.Metrics.RecordActivity(a.name, "", elapsed)
		c.cursor.Inc()
		return out, nil
	}

	err = c.run.drv.CommitActivityEvent(c.ctx, c.run.id, model.ActivityEventRequest{
		Ref:   c.ref(),
		Name:  a.name,
		Hash:  hash,
		Input: in,
		Error: runErr.Error(),
	})
	if err != nil {
		observability.EndSpanWithError(span, err)
		return zero, storage("commit activity event", err)
	}

	var result *model.WorkflowError
	switch {
	case attempt >= maxRetries:
		result = model.NewActivityMaxFailuresError(a.name, attempt, runErr.Error())
	case errors.Is(runErr, errActivityTimeout):
		result = model.NewActivityTimeoutError(a.name, attempt, c.now().Add(retryDelay(attempt)))
	default:
		result = model.NewActivityFailureError(a.name, attempt, runErr, c.now().Add(retryDelay(attempt)))
	}
	c.run.opts.Metrics.RecordActivity(a.name, result.Code, elapsed)
	c.run.logger.Warn("activity attempt failed",
		zap.String("activity", a.name),
		zap.Int("attempt", attempt),
		zap.String("error_code", result.Code),
		zap.Error(runErr),
	)
	observability.EndSpanWithError(span, result)
	return zero, result
}

// ExecOperation runs op on input on every execution, replay included. A
// failure yields and the workflow is retried after a short delay.
func ExecOperation[I, O any](c *Ctx, op *Operation[I, O], input I) (O, error) {
	var zero O
	if err := c.CheckStop(); err != nil {
		return zero, err
	}
	timeout := op.opts.timeout
	if timeout <= 0 {
		timeout = c.run.opts.ActivityTimeout
	}

	out, err := runBounded(c.ctx, c, timeout, func(ctx context.Context) (O, error) {
		return op.fn(ctx, input)
	})
	switch {
	case err == nil:
		return out, nil
	case c.ctx.Err() != nil:
		return zero, model.NewWorkflowStoppedError()
	case errors.Is(err, errActivityTimeout):
		return zero, model.NewOperationTimeoutError(op.name, c.now().Add(retryDelay(1)))
	default:
		return zero, model.NewOperationFailureError(op.name, err, c.now().Add(retryDelay(1)))
	}
}

// runBounded runs fn under the worker's activity semaphore with a timeout.
// fn runs on its own goroutine so a function that ignores its context cannot
// hold the workflow past the timeout. Panics become errors.
func runBounded[O any](parent context.Context, c *Ctx, timeout time.Duration, fn func(context.Context) (O, error)) (O, error) {
	var zero O
	if err := c.run.sem.Acquire(parent, 1); err != nil {
		return zero, err
	}
	defer c.run.sem.Release(1)

	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	type result struct {
		out O
		err error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				c.run.logger.Error("activity panicked",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
				)
				done <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := fn(ctx)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
			return zero, fmt.Errorf("%w after %s: %v", errActivityTimeout, timeout, r.err)
		}
		return r.out, r.err
	case <-ctx.Done():
		if parent.Err() != nil {
			return zero, parent.Err()
		}
		return zero, fmt.Errorf("%w after %s", errActivityTimeout, timeout)
	}
}
