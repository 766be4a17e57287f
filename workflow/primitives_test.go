package workflow

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/durable/model"
)

func TestActivityRetry_succeedsAfterFailures(t *testing.T) {
	var calls atomic.Int32
	flaky := NewActivity("flaky", func(a *ActivityCtx, x int) (int, error) {
		calls.Add(1)
		if a.Attempt() < 3 {
			return 0, errors.New("upstream unavailable")
		}
		return x + a.Attempt(), nil
	})
	wf := NewWorkflow("retrying", func(c *Ctx, x int) (int, error) { return ExecActivity(c, flaky, x) })
	h := newHarness(t, wf, flaky)

	id, err := Dispatch(h.ctx, h.client, wf, 10)
	require.NoError(t, err)

	h.drain(h.worker)
	rec := h.record(id)
	assert.Equal(t, model.ErrActivityFailure, rec.ErrorCode)
	assert.Equal(t, testStart.Add(500*time.Millisecond), rec.Wake.Deadline)

	// Not due before the retry deadline.
	h.drain(h.worker)
	assert.Equal(t, int32(1), calls.Load())

	h.clock.Advance(500 * time.Millisecond)
	h.drain(h.worker)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, testStart.Add(500*time.Millisecond+time.Second), h.record(id).Wake.Deadline)

	h.clock.Advance(time.Second)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 13, out)

	events := h.history(id)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Errors, 2)
	assert.Equal(t, "upstream unavailable", events[0].Errors[0].Error)
}

func TestActivityRetry_maxFailuresIsTerminal(t *testing.T) {
	var calls atomic.Int32
	broken := NewActivity("broken", func(_ *ActivityCtx, _ int) (int, error) {
		calls.Add(1)
		return 0, errors.New("always fails")
	}, WithMaxRetries(2))
	wf := NewWorkflow("doomed", func(c *Ctx, x int) (int, error) { return ExecActivity(c, broken, x) })
	h := newHarness(t, wf, broken)

	id, err := Dispatch(h.ctx, h.client, wf, 1)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		h.drain(h.worker)
		h.clock.Advance(time.Minute)
	}

	rec := h.record(id)
	assert.True(t, rec.IsDead())
	assert.Equal(t, model.ErrActivityMaxFailuresReached, rec.ErrorCode)
	assert.Equal(t, int32(2), calls.Load())
}

func TestActivityTimeout(t *testing.T) {
	slow := NewActivity("slow", func(a *ActivityCtx, _ int) (int, error) {
		<-a.Done()
		return 0, a.Err()
	}, WithTimeout(20*time.Millisecond))
	wf := NewWorkflow("impatient", func(c *Ctx, x int) (int, error) { return ExecActivity(c, slow, x) })
	h := newHarness(t, wf, slow)

	id, err := Dispatch(h.ctx, h.client, wf, 1)
	require.NoError(t, err)
	h.drain(h.worker)

	rec := h.record(id)
	assert.Equal(t, model.ErrActivityTimeout, rec.ErrorCode)
	assert.False(t, rec.IsDead())
	events := h.history(id)
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Errors[0].Error, "activity timed out")
}

func TestActivityPanic_recordedAsFailure(t *testing.T) {
	bad := NewActivity("bad", func(_ *ActivityCtx, _ int) (int, error) {
		panic("nil map")
	})
	wf := NewWorkflow("careless", func(c *Ctx, x int) (int, error) { return ExecActivity(c, bad, x) })
	h := newHarness(t, wf, bad)

	id, err := Dispatch(h.ctx, h.client, wf, 1)
	require.NoError(t, err)
	h.drain(h.worker)

	assert.Equal(t, model.ErrActivityFailure, h.record(id).ErrorCode)
	events := h.history(id)
	require.Len(t, events, 1)
	assert.Equal(t, "panic: nil map", events[0].Errors[0].Error)
}

func TestActivityCtx_exposesWorkflow(t *testing.T) {
	var seen atomic.Value
	inspect := NewActivity("inspect", func(a *ActivityCtx, _ struct{}) (int, error) {
		seen.Store(a.WorkflowID())
		a.Logger().Info("inspecting")
		return a.Attempt(), nil
	})
	wf := NewWorkflow("inspecting", func(c *Ctx, in struct{}) (int, error) { return ExecActivity(c, inspect, in) })
	h := newHarness(t, wf, inspect)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	out, _, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	assert.Equal(t, 1, out)
	assert.Equal(t, id, seen.Load())
}

func TestOperation_runsOnEveryReplay(t *testing.T) {
	var calls atomic.Int32
	lookup := NewOperation("lookup", func(_ context.Context, x int) (int, error) {
		calls.Add(1)
		return x * 10, nil
	})
	sig := NewSignal[int]("more")
	wf := NewWorkflow("lookups", func(c *Ctx, x int) (int, error) {
		a, err := ExecOperation(c, lookup, x)
		if err != nil {
			return 0, err
		}
		b, err := Listen(c, sig)
		return a + b, err
	})
	h := newHarness(t, wf, lookup, sig)

	id, err := Dispatch(h.ctx, h.client, wf, 4)
	require.NoError(t, err)
	h.drain(h.worker)
	_, err = SignalWorkflow(h.ctx, h.client, id, sig, 2)
	require.NoError(t, err)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 42, out)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 0, countEvents(h.history(id), model.EventActivity))
}

func TestOperation_failureYields(t *testing.T) {
	var calls atomic.Int32
	lookup := NewOperation("lookup", func(_ context.Context, x int) (int, error) {
		if calls.Add(1) == 1 {
			return 0, errors.New("cache cold")
		}
		return x, nil
	})
	wf := NewWorkflow("lookup-once", func(c *Ctx, x int) (int, error) { return ExecOperation(c, lookup, x) })
	h := newHarness(t, wf, lookup)

	id, err := Dispatch(h.ctx, h.client, wf, 5)
	require.NoError(t, err)
	h.drain(h.worker)
	assert.Equal(t, model.ErrOperationFailure, h.record(id).ErrorCode)

	h.clock.Advance(time.Second)
	h.drain(h.worker)
	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 5, out)
}

func TestSleep_yieldsUntilDeadline(t *testing.T) {
	wf := NewWorkflow("napper", func(c *Ctx, _ struct{}) (string, error) {
		if err := c.Sleep(time.Hour); err != nil {
			return "", err
		}
		return "rested", nil
	})
	h := newHarness(t, wf)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	rec := h.record(id)
	assert.Equal(t, model.ErrSleep, rec.ErrorCode)
	assert.Equal(t, testStart.Add(time.Hour), rec.Wake.Deadline)

	h.clock.Advance(59 * time.Minute)
	h.drain(h.worker)
	assert.Equal(t, model.WorkflowStateSleeping, h.record(id).State())

	h.clock.Advance(time.Minute)
	h.drain(h.worker)
	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "rested", out)

	events := h.history(id)
	require.Len(t, events, 1)
	assert.Equal(t, model.SleepCompleted, events[0].SleepState)
	assert.Equal(t, testStart.Add(time.Hour), events[0].Deadline)
}

func TestSleep_shortSleepWaitsInProcess(t *testing.T) {
	wf := NewWorkflow("blink", func(c *Ctx, _ struct{}) (int, error) {
		if err := c.Sleep(10 * time.Millisecond); err != nil {
			return 0, err
		}
		return 1, nil
	})
	h := newHarness(t, wf)
	w := NewWorker(mustRegistry(t, wf), h.drv,
		WithClock(h.clock.Now),
		WithInProcessSleepThreshold(time.Second),
	)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(w)

	_, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestListenWithTimeout(t *testing.T) {
	sig := NewSignal[string]("approve")
	wf := NewWorkflow("approval", func(c *Ctx, _ struct{}) (string, error) {
		who, ok, err := ListenWithTimeout(c, sig, 10*time.Minute)
		if err != nil {
			return "", err
		}
		if !ok {
			return "expired", nil
		}
		return "approved by " + who, nil
	})

	t.Run("signal before deadline", func(t *testing.T) {
		h := newHarness(t, wf, sig)
		id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
		require.NoError(t, err)
		h.drain(h.worker)

		rec := h.record(id)
		assert.Equal(t, model.ErrNoSignalFoundAndSleep, rec.ErrorCode)
		assert.Equal(t, []string{"approve"}, rec.Wake.Signals)
		assert.Equal(t, testStart.Add(10*time.Minute), rec.Wake.Deadline)

		_, err = SignalWorkflow(h.ctx, h.client, id, sig, "ops")
		require.NoError(t, err)
		h.drain(h.worker)

		out, done, err := Output(h.ctx, h.client, wf, id)
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, "approved by ops", out)

		events := h.history(id)
		require.Len(t, events, 2)
		assert.Equal(t, model.SleepInterrupted, events[0].SleepState)
		assert.Equal(t, model.EventSignalRecv, events[1].Type)
	})

	t.Run("deadline passes", func(t *testing.T) {
		h := newHarness(t, wf, sig)
		id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
		require.NoError(t, err)
		h.drain(h.worker)

		h.clock.Advance(10 * time.Minute)
		h.drain(h.worker)

		out, done, err := Output(h.ctx, h.client, wf, id)
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, "expired", out)

		// A late signal stays queued for nobody.
		_, err = SignalWorkflow(h.ctx, h.client, id, sig, "late")
		require.NoError(t, err)
		events := h.history(id)
		require.Len(t, events, 1)
		assert.Equal(t, model.SleepCompleted, events[0].SleepState)
	})
}

func TestListenAny(t *testing.T) {
	yes := NewSignal[struct{}]("yes")
	no := NewSignal[struct{}]("no")
	wf := NewWorkflow("vote", func(c *Ctx, _ struct{}) (string, error) {
		sig, err := c.ListenAny(yes.Name(), no.Name())
		if err != nil {
			return "", err
		}
		return sig.Name, nil
	})
	h := newHarness(t, wf, yes, no)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)
	_, err = SignalWorkflow(h.ctx, h.client, id, no, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "no", out)
}

func TestSignalsAreConsumedInOrder(t *testing.T) {
	sig := NewSignal[int]("n")
	wf := NewWorkflow("ordered", func(c *Ctx, _ struct{}) ([]int, error) {
		var got []int
		for i := 0; i < 3; i++ {
			n, err := Listen(c, sig)
			if err != nil {
				return nil, err
			}
			got = append(got, n)
		}
		return got, nil
	})
	h := newHarness(t, wf, sig)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	for _, n := range []int{3, 1, 2} {
		_, err := SignalWorkflow(h.ctx, h.client, id, sig, n)
		require.NoError(t, err)
		h.clock.Advance(time.Millisecond)
	}
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, []int{3, 1, 2}, out)
}

func TestSendSignal_betweenWorkflows(t *testing.T) {
	ping := NewSignal[string]("ping")
	receiver := NewWorkflow("receiver", func(c *Ctx, _ struct{}) (string, error) {
		return Listen(c, ping)
	})
	sender := NewWorkflow("sender", func(c *Ctx, to uuid.UUID) (uuid.UUID, error) {
		return SendSignal(c, ping, "hello").ToWorkflow(to).Send()
	})
	h := newHarness(t, receiver, sender, ping)

	rid, err := Dispatch(h.ctx, h.client, receiver, struct{}{})
	require.NoError(t, err)
	sid, err := Dispatch(h.ctx, h.client, sender, rid)
	require.NoError(t, err)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, receiver, rid)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "hello", out)

	sigID, _, err := Output(h.ctx, h.client, sender, sid)
	require.NoError(t, err)
	events := h.history(sid)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventSignalSend, events[0].Type)
	assert.Equal(t, sigID, events[0].SignalID)
	assert.Equal(t, sigID, h.history(rid)[0].SignalID)
}

func TestSendSignal_byTags(t *testing.T) {
	ping := NewSignal[string]("ping")
	receiver := NewWorkflow("receiver", func(c *Ctx, _ struct{}) (string, error) {
		return Listen(c, ping)
	})
	sender := NewWorkflow("sender", func(c *Ctx, _ struct{}) (uuid.UUID, error) {
		return SendSignal(c, ping, "tagged").ToTags(map[string]string{"order": "o-1"}).Send()
	})
	h := newHarness(t, receiver, sender, ping)

	rid, err := Dispatch(h.ctx, h.client, receiver, struct{}{}, WithTags(map[string]string{"order": "o-1", "region": "eu"}))
	require.NoError(t, err)
	h.drain(h.worker)
	_, err = Dispatch(h.ctx, h.client, sender, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, receiver, rid)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, "tagged", out)
}

func TestSendSignal_withoutRecipientFails(t *testing.T) {
	ping := NewSignal[string]("ping")
	wf := NewWorkflow("lost", func(c *Ctx, _ struct{}) (uuid.UUID, error) {
		return SendSignal(c, ping, "x").Send()
	})
	h := newHarness(t, wf, ping)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)
	assert.Equal(t, model.ErrWorkflowFailure, h.record(id).ErrorCode)
}

type shipped struct {
	OrderID string `json:"order_id"`
}

func TestSendMessage_deliveredToSubscribers(t *testing.T) {
	msg := NewMessage[shipped]("shipped")
	wf := NewWorkflow("shipper", func(c *Ctx, order string) (struct{}, error) {
		return struct{}{}, SendMessage(c, msg, shipped{OrderID: order}).Tags(map[string]string{"order": order}).Send()
	})
	h := newHarness(t, wf, msg)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	sub, err := SubscribeMessage(ctx, h.client, msg, map[string]string{"order": "o-9"})
	require.NoError(t, err)
	defer sub.Close()

	id, err := Dispatch(h.ctx, h.client, wf, "o-9")
	require.NoError(t, err)
	h.drain(h.worker)

	select {
	case got := <-sub.C():
		assert.Equal(t, "o-9", got.Body.OrderID)
		assert.Equal(t, id, got.FromWorkflowID)
		assert.Equal(t, h.record(id).RayID, got.RayID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
	assert.Equal(t, 1, countEvents(h.history(id), model.EventMessageSend))
}

func TestJoin_mergesWakeConditions(t *testing.T) {
	left := NewSignal[int]("left")
	right := NewSignal[int]("right")
	wf := NewWorkflow("both", func(c *Ctx, _ struct{}) (int, error) {
		a, b, err := Join2(c,
			func(c *Ctx) (int, error) { return Listen(c, left) },
			func(c *Ctx) (int, error) { return Listen(c, right) },
		)
		return a + b, err
	})
	h := newHarness(t, wf, left, right)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)
	assert.ElementsMatch(t, []string{"left", "right"}, h.record(id).Wake.Signals)

	_, err = SignalWorkflow(h.ctx, h.client, id, right, 2)
	require.NoError(t, err)
	h.drain(h.worker)
	assert.Equal(t, []string{"left"}, h.record(id).Wake.Signals)

	_, err = SignalWorkflow(h.ctx, h.client, id, left, 40)
	require.NoError(t, err)
	h.drain(h.worker)

	out, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 42, out)
}

func TestJoin_unrecoverableErrorWins(t *testing.T) {
	wait := NewSignal[int]("never")
	wf := NewWorkflow("mixed", func(c *Ctx, _ struct{}) (int, error) {
		err := Join(c,
			func(c *Ctx) error { _, err := Listen(c, wait); return err },
			func(*Ctx) error { return errors.New("validation failed") },
		)
		return 0, err
	})
	h := newHarness(t, wf, wait)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	rec := h.record(id)
	assert.True(t, rec.IsDead())
	assert.Equal(t, model.ErrWorkflowFailure, rec.ErrorCode)
	assert.Contains(t, rec.Error, "validation failed")
}

func TestJoinErrors(t *testing.T) {
	deadline := testStart.Add(time.Minute)
	sleep := model.NewSleepError(deadline)
	nosig := model.NewNoSignalFoundError([]string{"a"})
	fatal := errors.New("fatal")

	assert.NoError(t, joinErrors([]error{nil, nil}))
	assert.Equal(t, fatal, joinErrors([]error{sleep, fatal, nosig}))

	err := joinErrors([]error{nil, sleep, nosig})
	we, ok := model.AsWorkflowError(err)
	require.True(t, ok)
	assert.Equal(t, model.ErrSleep, we.Code)
	assert.Equal(t, deadline, we.Wake.Deadline)
	assert.Equal(t, []string{"a"}, we.Wake.Signals)
	assert.Empty(t, sleep.Wake.Signals, "inputs are not mutated")
}

func TestCheckVersion(t *testing.T) {
	resume := NewSignal[struct{}]("resume")
	build := func(v uint32) *Workflow[struct{}, uint32] {
		return NewWorkflow("versioned", func(c *Ctx, _ struct{}) (uint32, error) {
			got, err := c.CheckVersion(v)
			if err != nil {
				return 0, err
			}
			if _, err := Listen(c, resume); err != nil {
				return 0, err
			}
			return got, nil
		})
	}
	h := newHarness(t, build(1), resume)

	id, err := Dispatch(h.ctx, h.client, build(1), struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	redeployed := h.newWorker(build(2), resume)
	_, err = SignalWorkflow(h.ctx, h.client, id, resume, struct{}{})
	require.NoError(t, err)
	h.drain(redeployed)

	out, done, err := Output(h.ctx, h.client, build(2), id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, uint32(1), out, "a pinned history keeps its version")

	fresh, err := Dispatch(h.ctx, h.client, build(2), struct{}{})
	require.NoError(t, err)
	h.drain(redeployed)
	_, err = SignalWorkflow(h.ctx, h.client, fresh, resume, struct{}{})
	require.NoError(t, err)
	h.drain(redeployed)
	out, _, err = Output(h.ctx, h.client, build(2), fresh)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), out)
}

func TestCheckVersion_historyWithoutCheck(t *testing.T) {
	var calls atomic.Int32
	act := doubler("a", &calls)
	resume := NewSignal[struct{}]("resume")
	v1 := NewWorkflow("legacy", func(c *Ctx, _ struct{}) (uint32, error) {
		if _, err := ExecActivity(c, act, 1); err != nil {
			return 0, err
		}
		_, err := Listen(c, resume)
		return 0, err
	})
	v2 := NewWorkflow("legacy", func(c *Ctx, _ struct{}) (uint32, error) {
		v, err := c.CheckVersion(2)
		if err != nil {
			return 0, err
		}
		if _, err := ExecActivity(c, act, 1); err != nil {
			return 0, err
		}
		_, err = Listen(c, resume)
		return v, err
	})
	h := newHarness(t, v1, act, resume)

	id, err := Dispatch(h.ctx, h.client, v1, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	redeployed := h.newWorker(v2, act, resume)
	_, err = SignalWorkflow(h.ctx, h.client, id, resume, struct{}{})
	require.NoError(t, err)
	h.drain(redeployed)

	out, done, err := Output(h.ctx, h.client, v2, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, uint32(1), out)
	assert.Equal(t, int32(1), calls.Load())
}

func TestVersionedCalls_divergeAcrossVersions(t *testing.T) {
	var calls atomic.Int32
	act := doubler("a", &calls)
	resume := NewSignal[struct{}]("resume")
	v1 := NewWorkflow("tagged-calls", func(c *Ctx, _ struct{}) (int, error) {
		if _, err := ExecActivity(c, act, 1); err != nil {
			return 0, err
		}
		_, err := Listen(c, resume)
		return 0, err
	})
	v2 := NewWorkflow("tagged-calls", func(c *Ctx, _ struct{}) (int, error) {
		return ExecActivity(c.V(2), act, 1)
	})
	h := newHarness(t, v1, act, resume)

	id, err := Dispatch(h.ctx, h.client, v1, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	redeployed := h.newWorker(v2, act)
	require.NoError(t, h.client.Wake(h.ctx, id))
	h.drain(redeployed)
	assert.Equal(t, model.ErrHistoryDiverged, h.record(id).ErrorCode)
}

func TestRemovedActivity(t *testing.T) {
	var oldCalls, newCalls atomic.Int32
	legacy := doubler("legacy", &oldCalls)
	current := doubler("current", &newCalls)
	resume := NewSignal[struct{}]("resume")
	v1 := NewWorkflow("pruned", func(c *Ctx, _ struct{}) (int, error) {
		if _, err := ExecActivity(c, legacy, 1); err != nil {
			return 0, err
		}
		_, err := Listen(c, resume)
		return 0, err
	})
	v2 := NewWorkflow("pruned", func(c *Ctx, _ struct{}) (int, error) {
		if err := c.RemovedActivity("legacy"); err != nil {
			return 0, err
		}
		if _, err := Listen(c, resume); err != nil {
			return 0, err
		}
		return ExecActivity(c, current, 5)
	})
	h := newHarness(t, v1, legacy, resume)

	old, err := Dispatch(h.ctx, h.client, v1, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	redeployed := h.newWorker(v2, current, resume)
	fresh, err := Dispatch(h.ctx, h.client, v2, struct{}{})
	require.NoError(t, err)
	for _, id := range []uuid.UUID{old, fresh} {
		_, err := SignalWorkflow(h.ctx, h.client, id, resume, struct{}{})
		require.NoError(t, err)
	}
	h.drain(redeployed)

	for _, id := range []uuid.UUID{old, fresh} {
		out, done, err := Output(h.ctx, h.client, v2, id)
		require.NoError(t, err)
		require.True(t, done)
		assert.Equal(t, 10, out)
	}
	assert.Equal(t, int32(1), oldCalls.Load())
	assert.Equal(t, int32(2), newCalls.Load())

	events := h.history(fresh)
	require.NotEmpty(t, events)
	assert.Equal(t, model.EventRemoved, events[0].Type)
	assert.Equal(t, model.EventActivity, events[0].RemovedType)
	assert.Equal(t, "legacy", events[0].RemovedName)
	assert.Equal(t, model.EventActivity, h.history(old)[0].Type)
}

func TestSubWorkflow_deadChildFailsParent(t *testing.T) {
	child := NewWorkflow("child", func(_ *Ctx, _ struct{}) (int, error) {
		return 0, errors.New("child broke")
	})
	parent := NewWorkflow("parent", func(c *Ctx, _ struct{}) (int, error) {
		return SubWorkflow(c, child, struct{}{}).Output()
	})
	h := newHarness(t, parent, child)

	id, err := Dispatch(h.ctx, h.client, parent, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	rec := h.record(id)
	assert.True(t, rec.IsDead())
	assert.Equal(t, model.ErrSubWorkflowFailed, rec.ErrorCode)
	assert.Contains(t, rec.Error, "child broke")
}

func TestSubWorkflow_uniqueReusesExisting(t *testing.T) {
	gate := NewSignal[struct{}]("gate")
	child := NewWorkflow("singleton", func(c *Ctx, _ struct{}) (int, error) {
		_, err := Listen(c, gate)
		return 7, err
	})
	parent := NewWorkflow("caller", func(c *Ctx, _ struct{}) (uuid.UUID, error) {
		return SubWorkflow(c, child, struct{}{}).Tags(map[string]string{"tenant": "t1"}).Unique().Dispatch()
	})
	h := newHarness(t, parent, child, gate)

	p1, err := Dispatch(h.ctx, h.client, parent, struct{}{})
	require.NoError(t, err)
	p2, err := Dispatch(h.ctx, h.client, parent, struct{}{})
	require.NoError(t, err)
	h.drain(h.worker)

	c1, _, err := Output(h.ctx, h.client, parent, p1)
	require.NoError(t, err)
	c2, _, err := Output(h.ctx, h.client, parent, p2)
	require.NoError(t, err)
	assert.Equal(t, c1, c2)

	found, ok, err := h.client.Find(h.ctx, "singleton", map[string]string{"tenant": "t1"})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, c1, found)
}

func TestShutdown_stopsRunningWorkflows(t *testing.T) {
	wf := NewWorkflow("long-nap", func(c *Ctx, _ struct{}) (int, error) {
		if err := c.Sleep(30 * time.Minute); err != nil {
			return 0, err
		}
		return 1, nil
	})
	h := newHarness(t, wf)
	w := NewWorker(mustRegistry(t, wf), h.drv,
		WithClock(h.clock.Now),
		WithInProcessSleepThreshold(time.Hour),
	)

	id, err := Dispatch(h.ctx, h.client, wf, struct{}{})
	require.NoError(t, err)
	n, err := w.Tick(h.ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool {
		return countEvents(h.history(id), model.EventSleep) == 1
	}, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(h.ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, w.Shutdown(ctx))

	rec := h.record(id)
	assert.Equal(t, model.ErrWorkflowStopped, rec.ErrorCode)
	assert.True(t, rec.Wake.Immediate)
	assert.False(t, rec.IsDead())

	// A stopping worker pulls nothing.
	n, err = w.Tick(h.ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Another worker resumes from history.
	h.clock.Advance(30 * time.Minute)
	h.drain(h.worker)
	_, done, err := Output(h.ctx, h.client, wf, id)
	require.NoError(t, err)
	assert.True(t, done)
}

func TestWorker_healthCheck(t *testing.T) {
	h := newHarness(t)
	assert.Error(t, h.worker.HealthCheck(h.ctx))

	_, err := h.worker.Tick(h.ctx)
	require.NoError(t, err)
	assert.NoError(t, h.worker.HealthCheck(h.ctx))
}

func TestWorker_runProcessesWakes(t *testing.T) {
	wf := NewWorkflow("quick", func(_ *Ctx, x int) (int, error) { return x + 1, nil })
	h := newHarness(t, wf)
	w := NewWorker(mustRegistry(t, wf), h.drv,
		WithClock(h.clock.Now),
		WithTickInterval(time.Hour),
		WithGCInterval(time.Hour),
	)

	ctx, cancel := context.WithCancel(h.ctx)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	id, err := Dispatch(h.ctx, h.client, wf, 1)
	require.NoError(t, err)
	waitCtx, waitCancel := context.WithTimeout(h.ctx, 5*time.Second)
	defer waitCancel()
	out, err := WaitForOutput(waitCtx, h.client, wf, id, 5*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, 2, out)

	cancel()
	require.NoError(t, <-done)
	w.Wait()
}

func mustRegistry(t *testing.T, items ...Registrable) *Registry {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register(items...))
	return reg
}
