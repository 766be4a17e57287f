package demo

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/driver/memory"
	"github.com/pitabwire/durable/internal/drivertest"
	"github.com/pitabwire/durable/model"
	"github.com/pitabwire/durable/workflow"
)

type env struct {
	ctx    context.Context
	clock  *drivertest.Clock
	worker *workflow.Worker
	client *workflow.Client
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := drivertest.NewClock(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC))
	drv := memory.New(driver.WithClock(clock.Now))
	t.Cleanup(func() { _ = drv.Close() })

	reg := workflow.NewRegistry()
	require.NoError(t, Register(reg))
	return &env{
		ctx:    context.Background(),
		clock:  clock,
		worker: workflow.NewWorker(reg, drv, workflow.WithClock(clock.Now), workflow.WithInProcessSleepThreshold(0)),
		client: workflow.NewClient(drv, workflow.WithClock(clock.Now)),
	}
}

func (e *env) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 100; i++ {
		n, err := e.worker.Tick(e.ctx)
		require.NoError(t, err)
		e.worker.Wait()
		if n == 0 {
			return
		}
	}
	t.Fatal("demo workflows did not settle")
}

func TestDouble(t *testing.T) {
	e := newEnv(t)
	id, err := workflow.Dispatch(e.ctx, e.client, Double, 21)
	require.NoError(t, err)
	e.drain(t)

	out, done, err := workflow.Output(e.ctx, e.client, Double, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 42, out)
}

func TestGreet(t *testing.T) {
	tests := []struct {
		name    string
		approve bool
		want    string
	}{
		{name: "approved", approve: true, want: "hello ada, approved by ops"},
		{name: "timed out", approve: false, want: "hello ada"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t)
			ctx, cancel := context.WithCancel(e.ctx)
			defer cancel()
			sub, err := workflow.SubscribeMessage(ctx, e.client, Greeted, map[string]string{"name": "ada"})
			require.NoError(t, err)
			defer sub.Close()

			id, err := workflow.Dispatch(e.ctx, e.client, Greet, GreetRequest{Name: "ada", Timeout: time.Minute})
			require.NoError(t, err)
			e.drain(t)
			assert.Equal(t, model.ErrNoSignalFoundAndSleep, mustGet(t, e, id).ErrorCode)

			if tc.approve {
				_, err = workflow.SignalWorkflow(e.ctx, e.client, id, Approve, Approval{By: "ops"})
				require.NoError(t, err)
			} else {
				e.clock.Advance(time.Minute)
			}
			e.drain(t)

			out, done, err := workflow.Output(e.ctx, e.client, Greet, id)
			require.NoError(t, err)
			require.True(t, done)
			assert.Equal(t, tc.want, out)

			select {
			case msg := <-sub.C():
				assert.Equal(t, tc.want, msg.Body.Text)
				assert.Equal(t, id, msg.FromWorkflowID)
			case <-time.After(2 * time.Second):
				t.Fatal("greeting not published")
			}
		})
	}
}

func TestCountdown(t *testing.T) {
	e := newEnv(t)
	id, err := workflow.Dispatch(e.ctx, e.client, Countdown, CountdownRequest{From: 3, Interval: time.Second})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		e.drain(t)
		assert.Equal(t, model.ErrSleep, mustGet(t, e, id).ErrorCode)
		e.clock.Advance(time.Second)
	}
	e.drain(t)

	out, done, err := workflow.Output(e.ctx, e.client, Countdown, id)
	require.NoError(t, err)
	require.True(t, done)
	assert.Equal(t, 3, out)

	events, err := e.client.History(e.ctx, id)
	require.NoError(t, err)
	assert.Len(t, events, 1, "finished iterations are forgotten")
}

func TestRegister_rejectsDuplicates(t *testing.T) {
	reg := workflow.NewRegistry()
	require.NoError(t, Register(reg))
	assert.Error(t, Register(reg))
}

func mustGet(t *testing.T, e *env, id uuid.UUID) *model.WorkflowRecord {
	t.Helper()
	rec, err := e.client.Get(e.ctx, id)
	require.NoError(t, err)
	return rec
}
