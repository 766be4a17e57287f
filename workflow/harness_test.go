package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/driver/memory"
	"github.com/pitabwire/durable/internal/drivertest"
	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/model"
)

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// --- Test helpers ---

type harness struct {
	t       *testing.T
	ctx     context.Context
	clock   *drivertest.Clock
	drv     *memory.Driver
	metrics *observability.Metrics
	worker  *Worker
	client  *Client
}

func newHarness(t *testing.T, items ...Registrable) *harness {
	t.Helper()
	clock := drivertest.NewClock(testStart)
	drv := memory.New(driver.WithClock(clock.Now))
	t.Cleanup(func() { _ = drv.Close() })

	h := &harness{
		t:       t,
		ctx:     context.Background(),
		clock:   clock,
		drv:     drv,
		metrics: observability.NewUnregisteredMetrics(),
	}
	h.worker = h.newWorker(items...)
	h.client = NewClient(drv, WithClock(clock.Now), WithMetrics(h.metrics))
	return h
}

// newWorker builds another worker on the same driver, as if the process had
// been redeployed with different code.
func (h *harness) newWorker(items ...Registrable) *Worker {
	h.t.Helper()
	reg := NewRegistry()
	require.NoError(h.t, reg.Register(items...))
	return NewWorker(reg, h.drv,
		WithClock(h.clock.Now),
		WithMetrics(h.metrics),
		WithInProcessSleepThreshold(0),
		WithActivityTimeout(time.Second),
	)
}

// drain ticks w until nothing is due.
func (h *harness) drain(w *Worker) {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		n, err := w.Tick(h.ctx)
		require.NoError(h.t, err)
		w.Wait()
		if n == 0 {
			return
		}
	}
	h.t.Fatal("workflows still due after 50 ticks")
}

func (h *harness) record(id uuid.UUID) *model.WorkflowRecord {
	h.t.Helper()
	rec, err := h.client.Get(h.ctx, id)
	require.NoError(h.t, err)
	return rec
}

func (h *harness) history(id uuid.UUID) []model.Event {
	h.t.Helper()
	events, err := h.client.History(h.ctx, id)
	require.NoError(h.t, err)
	return events
}

func countEvents(events []model.Event, typ model.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func uuidFor(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// doubler is an activity that counts its executions.
func doubler(name string, calls *atomic.Int32) *Activity[int, int] {
	return NewActivity(name, func(_ *ActivityCtx, x int) (int, error) {
		calls.Add(1)
		return x * 2, nil
	})
}
