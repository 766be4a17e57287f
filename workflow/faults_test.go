package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/durable/driver/memory"
	"github.com/pitabwire/durable/model"
)

// faultyDriver wraps the memory driver with hooks that fail or interleave
// selected calls.
type faultyDriver struct {
	*memory.Driver
	afterPull      func()
	publishMessage func(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error
}

func (d *faultyDriver) PullWorkflows(ctx context.Context, workerID uuid.UUID, names []string) (*model.PullResult, error) {
	res, err := d.Driver.PullWorkflows(ctx, workerID, names)
	if err == nil && d.afterPull != nil {
		d.afterPull()
	}
	return res, err
}

func (d *faultyDriver) PublishMessageFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
	if d.publishMessage != nil {
		return d.publishMessage(ctx, fromID, req)
	}
	return d.Driver.PublishMessageFromWorkflow(ctx, fromID, req)
}

func (h *harness) faultyWorker(d *faultyDriver, items ...Registrable) *Worker {
	h.t.Helper()
	return NewWorker(mustRegistry(h.t, items...), d,
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
		WithInProcessSleepThreshold(0),
		WithActivityTimeout(time.Second),
	)
}

func TestSendMessage_storageFailureYieldsWithoutSkippingSlot(t *testing.T) {
	note := NewMessage[string]("note")
	resume := NewSignal[string]("resume")
	var calls atomic.Int32
	double := doubler("double", &calls)
	wf := NewWorkflow("noter", func(c *Ctx, x int) (string, error) {
		if err := SendMessage(c, note, "started").Send(); err != nil {
			return "", err
		}
		y, err := ExecActivity(c, double, x)
		if err != nil {
			return "", err
		}
		s, err := Listen(c, resume)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s %d", s, y), nil
	})
	items := []Registrable{wf, note, resume, double}
	h := newHarness(t, items...)

	var failures atomic.Int32
	fd := &faultyDriver{Driver: h.drv}
	fd.publishMessage = func(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
		if failures.Add(1) == 1 {
			return errors.New("connection reset by peer")
		}
		return h.drv.PublishMessageFromWorkflow(ctx, fromID, req)
	}
	w := h.faultyWorker(fd, items...)

	id, err := Dispatch(h.ctx, h.client, wf, 4)
	require.NoError(t, err)
	n, err := w.Tick(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	w.Wait()

	rec := h.record(id)
	assert.Equal(t, model.ErrStorage, rec.ErrorCode)
	assert.True(t, rec.Wake.Immediate)
	assert.False(t, rec.IsDead())
	assert.Empty(t, h.history(id))

	h.drain(w)
	_, err = SignalWorkflow(h.ctx, h.client, id, resume, "ok")
	require.NoError(t, err)
	h.drain(w)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done, "error_code=%s error=%s", h.record(id).ErrorCode, h.record(id).Error)
	assert.Equal(t, "ok 8", out)

	events := h.history(id)
	require.Len(t, events, 3)
	assert.Equal(t, model.EventMessageSend, events[0].Type)
	assert.Equal(t, model.Location{0}, events[0].Location)
	assert.Equal(t, int32(1), calls.Load())
}

func TestSendMessage_lostBroadcastContinues(t *testing.T) {
	note := NewMessage[string]("note")
	wf := NewWorkflow("announcer", func(c *Ctx, _ struct{}) (string, error) {
		if err := SendMessage(c, note, "hello").Send(); err != nil {
			return "", err
		}
		return "sent", nil
	})
	h := newHarness(t, wf, note)

	fd := &faultyDriver{Driver: h.drv}
	fd.publishMessage = func(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
		if err := h.drv.PublishMessageFromWorkflow(ctx, fromID, req); err != nil {
			return err
		}
		return fmt.Errorf("publish message %s: %w: %w", req.Name, model.ErrPublish, errors.New("bus down"))
	}
	w := h.faultyWorker(fd, wf, note)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(w)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "sent", out)
	assert.Equal(t, 1, countEvents(h.history(id), model.EventMessageSend))
}

func TestTick_shutdownAfterPullReleasesLease(t *testing.T) {
	wf := NewWorkflow("late", func(_ *Ctx, x int) (int, error) { return x * 3, nil })
	h := newHarness(t, wf)

	fd := &faultyDriver{Driver: h.drv}
	w := h.faultyWorker(fd, wf)
	fd.afterPull = func() {
		ctx, cancel := context.WithTimeout(h.ctx, time.Second)
		defer cancel()
		require.NoError(t, w.Shutdown(ctx))
	}

	id, err := Dispatch(h.ctx, h.client, wf, 5)
	require.NoError(t, err)
	n, err := w.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	rec := h.record(id)
	assert.Equal(t, uuid.Nil, rec.WorkerInstanceID)
	assert.True(t, rec.HasWakeCondition)
	assert.True(t, rec.Wake.Immediate)
	assert.Equal(t, model.ErrWorkflowStopped, rec.ErrorCode)

	h.drain(h.worker)
	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 15, out)
}

func TestListenAny_withoutNamesFails(t *testing.T) {
	wf := NewWorkflow("deaf", func(c *Ctx, _ struct{}) (string, error) {
		sig, err := c.ListenAny()
		if err != nil {
			return "", err
		}
		return sig.Name, nil
	})
	h := newHarness(t, wf)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	rec := h.record(id)
	assert.True(t, rec.IsDead())
	assert.Equal(t, model.ErrWorkflowFailure, rec.ErrorCode)
	assert.Contains(t, rec.Error, "at least one signal name")
}
