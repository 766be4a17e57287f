package drivertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

// Settings the suite runs drivers with.
const (
	LeaseTTL  = time.Minute
	PullLimit = 10
)

// Factory builds a fresh, empty driver for one subtest.
type Factory func(t *testing.T, opts ...driver.Option) model.Driver

// Faults is implemented by drivers whose backing store the suite can take
// offline and bring back. Suites for drivers without it skip the storage
// failure tests.
type Faults interface {
	Break(t *testing.T)
	Restore(t *testing.T)
}

type harness struct {
	t      *testing.T
	ctx    context.Context
	clock  *Clock
	d      model.Driver
	worker uuid.UUID
}

func newHarness(t *testing.T, factory Factory) *harness {
	clock := NewClock(time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC))
	d := factory(t,
		driver.WithClock(clock.Now),
		driver.WithLeaseTTL(LeaseTTL),
		driver.WithPullLimit(PullLimit),
	)
	t.Cleanup(func() { _ = d.Close() })
	return &harness{t: t, ctx: context.Background(), clock: clock, d: d, worker: uuid.New()}
}

func (h *harness) dispatch(name string, tags map[string]string) uuid.UUID {
	h.t.Helper()
	id := uuid.New()
	require.NoError(h.t, h.d.DispatchWorkflow(h.ctx, model.DispatchRequest{
		ID: id, Name: name, Tags: tags, Input: []byte(`{"n":1}`), RayID: uuid.New(),
	}))
	return id
}

func (h *harness) dispatchID(id uuid.UUID, name string) {
	h.t.Helper()
	require.NoError(h.t, h.d.DispatchWorkflow(h.ctx, model.DispatchRequest{
		ID: id, Name: name, Input: []byte(`{"n":1}`), RayID: uuid.New(),
	}))
}

func (h *harness) pull(names ...string) []model.PulledWorkflow {
	h.t.Helper()
	return h.pullAs(h.worker, names...)
}

func (h *harness) pullAs(worker uuid.UUID, names ...string) []model.PulledWorkflow {
	h.t.Helper()
	res, err := h.d.PullWorkflows(h.ctx, worker, names)
	require.NoError(h.t, err)
	return res.Workflows
}

func (h *harness) pullOne(name string) model.PulledWorkflow {
	h.t.Helper()
	got := h.pull(name)
	require.Len(h.t, got, 1)
	return got[0]
}

func (h *harness) ref(loc ...uint32) model.EventRef {
	return model.EventRef{Location: model.Location(loc), Version: 1}
}

func (h *harness) history(id uuid.UUID) []model.Event {
	h.t.Helper()
	events, err := h.d.GetHistory(h.ctx, id)
	require.NoError(h.t, err)
	return events
}

// RunSuite runs the conformance suite against drivers built by factory.
func RunSuite(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		run  func(h *harness)
	}{
		{"DispatchAndGet", testDispatchAndGet},
		{"FindWorkflow", testFindWorkflow},
		{"PullLeasesAndClearsWake", testPullLeasesAndClearsWake},
		{"PullLimit", testPullLimit},
		{"SilencedDoNotStarvePull", testSilencedDoNotStarvePull},
		{"CommitWorkflow", testCommitWorkflow},
		{"FailWorkflowDeadline", testFailWorkflowDeadline},
		{"FailWorkflowDead", testFailWorkflowDead},
		{"FailWorkflowPublishesImmediateWake", testFailWorkflowPublishesImmediateWake},
		{"ActivityEventIdempotent", testActivityEventIdempotent},
		{"SignalQueueFIFO", testSignalQueueFIFO},
		{"SignalWakesSleeper", testSignalWakesSleeper},
		{"SignalAlreadyQueued", testSignalAlreadyQueued},
		{"TaggedSignal", testTaggedSignal},
		{"SignalFromWorkflow", testSignalFromWorkflow},
		{"ConcurrentSignalPull", testConcurrentSignalPull},
		{"SubWorkflow", testSubWorkflow},
		{"SubWorkflowUnique", testSubWorkflowUnique},
		{"ConcurrentUniqueSubWorkflow", testConcurrentUniqueSubWorkflow},
		{"SleepEvents", testSleepEvents},
		{"HistoryPrimitives", testHistoryPrimitives},
		{"LoopForgetsIterations", testLoopForgetsIterations},
		{"ExpiredLeaseReclaimed", testExpiredLeaseReclaimed},
		{"PingRenewsLease", testPingRenewsLease},
		{"ConcurrentPullExclusive", testConcurrentPullExclusive},
		{"WakeSub", testWakeSub},
		{"Messages", testMessages},
		{"MessageStorageFailure", testMessageStorageFailure},
		{"SilenceAndWake", testSilenceAndWake},
		{"PublishMetrics", testPublishMetrics},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.run(newHarness(t, factory))
		})
	}
}

// --- Records ---

func testDispatchAndGet(h *harness) {
	id := h.dispatch("order", map[string]string{"user": "u1"})

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Equal(h.t, "order", rec.Name)
	require.Equal(h.t, "u1", rec.Tags["user"])
	require.JSONEq(h.t, `{"n":1}`, string(rec.Input))
	require.True(h.t, rec.HasWakeCondition)
	require.True(h.t, rec.Wake.Immediate)
	require.False(h.t, rec.IsComplete())
	require.Equal(h.t, h.clock.Now(), rec.CreateTS)

	err = h.d.DispatchWorkflow(h.ctx, model.DispatchRequest{ID: id, Name: "order"})
	require.True(h.t, model.IsCode(err, model.ErrDuplicateWorkflow), "got %v", err)

	_, err = h.d.GetWorkflow(h.ctx, uuid.New())
	require.True(h.t, model.IsCode(err, model.ErrWorkflowNotFound), "got %v", err)
}

func testFindWorkflow(h *harness) {
	id := h.dispatch("order", map[string]string{"user": "u1", "region": "eu"})
	h.dispatch("order", map[string]string{"user": "u2"})

	got, ok, err := h.d.FindWorkflow(h.ctx, "order", map[string]string{"user": "u1"})
	require.NoError(h.t, err)
	require.True(h.t, ok)
	require.Equal(h.t, id, got)

	_, ok, err = h.d.FindWorkflow(h.ctx, "order", map[string]string{"user": "u3"})
	require.NoError(h.t, err)
	require.False(h.t, ok)

	_, ok, err = h.d.FindWorkflow(h.ctx, "invoice", map[string]string{"user": "u1"})
	require.NoError(h.t, err)
	require.False(h.t, ok)
}

func testPullLeasesAndClearsWake(h *harness) {
	id := h.dispatch("a", nil)
	h.dispatch("b", nil)

	pulled := h.pull("a")
	require.Len(h.t, pulled, 1)
	require.Equal(h.t, id, pulled[0].ID)
	require.Equal(h.t, "a", pulled[0].Name)
	require.JSONEq(h.t, `{"n":1}`, string(pulled[0].Input))

	require.Empty(h.t, h.pull("a"), "leased workflow pulled twice")
	require.Empty(h.t, h.pullAs(uuid.New(), "a"), "leased workflow pulled by another worker")

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Equal(h.t, h.worker, rec.WorkerInstanceID)
	require.Equal(h.t, h.clock.Now().Add(LeaseTTL), rec.LeaseExpireTS)
	require.False(h.t, rec.HasWakeCondition)
	require.Equal(h.t, model.WorkflowStateRunning, rec.State())
}

func testPullLimit(h *harness) {
	for range PullLimit + 2 {
		h.dispatch("bulk", nil)
	}
	require.Len(h.t, h.pull("bulk"), PullLimit)
	require.Len(h.t, h.pull("bulk"), 2)
}

// Silenced workflows sorting ahead of a live one must not use up the pull
// limit.
func testSilencedDoNotStarvePull(h *harness) {
	for i := range PullLimit + 2 {
		id := uuid.MustParse(fmt.Sprintf("00000000-0000-4000-8000-%012d", i+1))
		h.dispatchID(id, "a")
		require.NoError(h.t, h.d.SilenceWorkflow(h.ctx, id))
	}
	live := uuid.MustParse("ffffffff-ffff-4fff-bfff-ffffffffffff")
	h.dispatchID(live, "a")

	for range 3 {
		got := h.pull("a")
		if len(got) == 0 {
			continue
		}
		require.Len(h.t, got, 1)
		require.Equal(h.t, live, got[0].ID)
		return
	}
	h.t.Fatal("live workflow never pulled")
}

func testCommitWorkflow(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")

	err := h.d.CommitWorkflow(h.ctx, id, uuid.New(), []byte(`42`))
	require.True(h.t, errors.Is(err, model.ErrLeaseLost), "got %v", err)

	require.NoError(h.t, h.d.CommitWorkflow(h.ctx, id, h.worker, []byte(`42`)))
	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, rec.IsComplete())
	require.Equal(h.t, `42`, string(rec.Output))
	require.Equal(h.t, uuid.Nil, rec.WorkerInstanceID)
	require.Equal(h.t, model.WorkflowStateComplete, rec.State())

	h.clock.Advance(2 * LeaseTTL)
	require.Empty(h.t, h.pull("a"))
}

func testFailWorkflowDeadline(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")

	deadline := h.clock.Now().Add(10 * time.Second)
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{
		Wake: model.DeadlineWake(deadline), Error: "SLEEP: zz", ErrorCode: model.ErrSleep,
	}))

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Equal(h.t, "SLEEP: zz", rec.Error)
	require.Equal(h.t, model.ErrSleep, rec.ErrorCode)
	require.True(h.t, rec.HasWakeCondition)
	require.Equal(h.t, deadline, rec.Wake.Deadline)
	require.Equal(h.t, model.WorkflowStateSleeping, rec.State())

	require.Empty(h.t, h.pull("a"))
	h.clock.Advance(10 * time.Second)
	pulled := h.pullOne("a")
	require.Equal(h.t, deadline, pulled.WakeDeadline)
}

func testFailWorkflowDead(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{
		Error: "boom", ErrorCode: model.ErrWorkflowFailure,
	}))

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, rec.IsDead())
	require.Equal(h.t, model.WorkflowStateDead, rec.State())

	h.clock.Advance(time.Hour)
	require.Empty(h.t, h.pull("a"))
}

func testFailWorkflowPublishesImmediateWake(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")
	_, err := h.d.PublishSignal(h.ctx, id, "go", []byte(`1`), uuid.New())
	require.NoError(h.t, err)

	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	wake, err := h.d.WakeSub(ctx)
	require.NoError(h.t, err)

	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{
		Wake: model.SignalWake("go"), ErrorCode: model.ErrNoSignalFound,
	}))
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		h.t.Fatal("no wake after the signal wait became immediate")
	}

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.True(h.t, rec.Wake.Immediate)
	h.pullOne("a")
}

// --- History ---

func testActivityEventIdempotent(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")

	req := model.ActivityEventRequest{Ref: h.ref(0), Name: "double", Hash: model.HashInput([]byte(`21`)), Input: []byte(`21`)}

	fail := req
	fail.Error = "timeout"
	require.NoError(h.t, h.d.CommitActivityEvent(h.ctx, id, fail))
	h.clock.Advance(time.Second)
	require.NoError(h.t, h.d.CommitActivityEvent(h.ctx, id, fail))

	ok := req
	ok.Output = []byte(`42`)
	require.NoError(h.t, h.d.CommitActivityEvent(h.ctx, id, ok))
	ok.Output = []byte(`43`)
	require.NoError(h.t, h.d.CommitActivityEvent(h.ctx, id, ok))

	events := h.history(id)
	require.Len(h.t, events, 1)
	ev := events[0]
	require.Equal(h.t, model.EventActivity, ev.Type)
	require.Equal(h.t, "0", ev.Location.String())
	require.Equal(h.t, "double", ev.Name)
	require.Equal(h.t, req.Hash, ev.Hash)
	require.Equal(h.t, `42`, string(ev.Output))
	require.Len(h.t, ev.Errors, 2)
	require.Equal(h.t, "timeout", ev.Errors[0].Error)

	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{Wake: model.ImmediateWake()}))
	pulled := h.pullOne("a")
	group := pulled.History.At(model.Root)
	require.Len(h.t, group, 1)
	require.Equal(h.t, `42`, string(group[0].Output))
	require.Equal(h.t, 2, group[0].ErrorCount())
}

func testSleepEvents(h *harness) {
	id := h.dispatch("a", nil)
	deadline := h.clock.Now().Add(time.Minute)
	require.NoError(h.t, h.d.CommitSleepEvent(h.ctx, id, h.ref(0), deadline))
	require.NoError(h.t, h.d.CommitSleepEvent(h.ctx, id, h.ref(0), deadline.Add(time.Hour)))

	events := h.history(id)
	require.Len(h.t, events, 1)
	require.Equal(h.t, model.EventSleep, events[0].Type)
	require.Equal(h.t, deadline, events[0].Deadline)
	require.Equal(h.t, model.SleepNormal, events[0].SleepState)

	require.NoError(h.t, h.d.UpdateSleepEventState(h.ctx, id, model.Location{0}, model.SleepInterrupted))
	require.Equal(h.t, model.SleepInterrupted, h.history(id)[0].SleepState)
}

func testHistoryPrimitives(h *harness) {
	id := h.dispatch("a", nil)
	require.NoError(h.t, h.d.CommitVersionCheckEvent(h.ctx, id, model.EventRef{Location: model.Location{0}, Version: 3}))
	require.NoError(h.t, h.d.CommitBranchEvent(h.ctx, id, h.ref(1)))
	require.NoError(h.t, h.d.CommitRemovedEvent(h.ctx, id, h.ref(1, 0), model.EventActivity, "old"))

	events := h.history(id)
	require.Len(h.t, events, 3)
	require.Equal(h.t, model.EventVersionCheck, events[0].Type)
	require.Equal(h.t, uint32(3), events[0].Version)
	require.Equal(h.t, model.EventBranch, events[1].Type)
	require.Equal(h.t, model.EventRemoved, events[2].Type)
	require.Equal(h.t, "1.0", events[2].Location.String())
	require.Equal(h.t, model.EventActivity, events[2].RemovedType)
	require.Equal(h.t, "old", events[2].RemovedName)
}

func testLoopForgetsIterations(h *harness) {
	id := h.dispatch("a", nil)
	loop := h.ref(1)
	require.NoError(h.t, h.d.CommitBranchEvent(h.ctx, id, h.ref(0)))
	require.NoError(h.t, h.d.UpsertLoop(h.ctx, id, model.LoopUpdate{Ref: loop, Iteration: 0, State: []byte(`0`)}))

	inIter := model.EventRef{Location: model.Location{1, 0, 0}, Version: 1, LoopLocation: model.Location{1}}
	require.NoError(h.t, h.d.CommitActivityEvent(h.ctx, id, model.ActivityEventRequest{
		Ref: inIter, Name: "step", Hash: "h", Input: []byte(`0`), Output: []byte(`1`),
	}))
	require.Len(h.t, h.history(id), 3)

	require.NoError(h.t, h.d.UpsertLoop(h.ctx, id, model.LoopUpdate{Ref: loop, Iteration: 1, State: []byte(`1`)}))
	events := h.history(id)
	require.Len(h.t, events, 2)
	require.Equal(h.t, model.EventLoop, events[1].Type)
	require.Equal(h.t, uint32(1), events[1].Iteration)
	require.Equal(h.t, `1`, string(events[1].State))
	require.Nil(h.t, events[1].Output)

	require.NoError(h.t, h.d.UpsertLoop(h.ctx, id, model.LoopUpdate{Ref: loop, Iteration: 2, State: []byte(`1`), Output: []byte(`"done"`)}))
	events = h.history(id)
	require.Equal(h.t, `"done"`, string(events[1].Output))
}

// --- Signals ---

func testSignalQueueFIFO(h *harness) {
	id := h.dispatch("a", nil)
	for _, body := range []string{`1`, `2`} {
		_, err := h.d.PublishSignal(h.ctx, id, "go", []byte(body), uuid.New())
		require.NoError(h.t, err)
		h.clock.Advance(time.Millisecond)
	}
	_, err := h.d.PublishSignal(h.ctx, uuid.New(), "go", []byte(`other`), uuid.New())
	require.NoError(h.t, err)

	first, err := h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(0), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.NotNil(h.t, first)
	require.Equal(h.t, `1`, string(first.Body))

	none, err := h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(1), Names: []string{"stop"}})
	require.NoError(h.t, err)
	require.Nil(h.t, none)

	second, err := h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(1), Names: []string{"go", "stop"}})
	require.NoError(h.t, err)
	require.NotNil(h.t, second)
	require.Equal(h.t, `2`, string(second.Body))

	third, err := h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(2), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.Nil(h.t, third)

	events := h.history(id)
	require.Len(h.t, events, 2)
	require.Equal(h.t, model.EventSignalRecv, events[0].Type)
	require.Equal(h.t, "go", events[0].Name)
	require.Equal(h.t, first.ID, events[0].SignalID)
	require.Equal(h.t, `2`, string(events[1].Body))
}

func testSignalWakesSleeper(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{
		Wake: model.SignalWake("go"), ErrorCode: model.ErrNoSignalFound,
	}))
	require.Empty(h.t, h.pull("a"))

	_, err := h.d.PublishSignal(h.ctx, id, "other", nil, uuid.New())
	require.NoError(h.t, err)
	require.Empty(h.t, h.pull("a"), "woken by a signal it does not wait on")

	_, err = h.d.PublishSignal(h.ctx, id, "go", []byte(`{"n":7}`), uuid.New())
	require.NoError(h.t, err)
	h.pullOne("a")
}

func testSignalAlreadyQueued(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")
	_, err := h.d.PublishSignal(h.ctx, id, "go", nil, uuid.New())
	require.NoError(h.t, err)

	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{
		Wake: model.SignalWake("go"), ErrorCode: model.ErrNoSignalFound,
	}))
	h.pullOne("a")
}

func testTaggedSignal(h *harness) {
	id := h.dispatch("a", map[string]string{"user": "u1", "env": "prod"})
	other := h.dispatch("a", map[string]string{"user": "u2"})
	pulled := h.pull("a")
	require.Len(h.t, pulled, 2)
	for _, wid := range []uuid.UUID{id, other} {
		require.NoError(h.t, h.d.FailWorkflow(h.ctx, wid, h.worker, model.FailRequest{Wake: model.SignalWake("go")}))
	}

	_, err := h.d.PublishTaggedSignal(h.ctx, map[string]string{"user": "u1"}, "go", []byte(`1`), uuid.New())
	require.NoError(h.t, err)

	woken := h.pull("a")
	require.Len(h.t, woken, 1)
	require.Equal(h.t, id, woken[0].ID)

	sig, err := h.d.PullNextSignal(h.ctx, other, model.SignalPullRequest{Ref: h.ref(0), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.Nil(h.t, sig, "tag mismatch must not receive")

	sig, err = h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(0), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.NotNil(h.t, sig)
	require.Equal(h.t, `1`, string(sig.Body))
}

func testSignalFromWorkflow(h *harness) {
	sender := h.dispatch("sender", nil)
	target := h.dispatch("target", nil)
	req := model.SignalSendRequest{
		Ref: h.ref(0), SignalID: uuid.New(), Name: "go", Body: []byte(`5`), RayID: uuid.New(), ToWorkflow: target,
	}
	require.NoError(h.t, h.d.PublishSignalFromWorkflow(h.ctx, sender, req))
	require.NoError(h.t, h.d.PublishSignalFromWorkflow(h.ctx, sender, req))

	events := h.history(sender)
	require.Len(h.t, events, 1)
	require.Equal(h.t, model.EventSignalSend, events[0].Type)
	require.Equal(h.t, target, events[0].TargetID)
	require.Equal(h.t, req.SignalID, events[0].SignalID)

	sig, err := h.d.PullNextSignal(h.ctx, target, model.SignalPullRequest{Ref: h.ref(0), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.NotNil(h.t, sig)
	require.Equal(h.t, req.SignalID, sig.ID)

	again, err := h.d.PullNextSignal(h.ctx, target, model.SignalPullRequest{Ref: h.ref(1), Names: []string{"go"}})
	require.NoError(h.t, err)
	require.Nil(h.t, again, "replayed send enqueued twice")
}

func testConcurrentSignalPull(h *harness) {
	id := h.dispatch("a", nil)
	_, err := h.d.PublishSignal(h.ctx, id, "go", nil, uuid.New())
	require.NoError(h.t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got int
	)
	for i := range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sig, err := h.d.PullNextSignal(h.ctx, id, model.SignalPullRequest{Ref: h.ref(uint32(i)), Names: []string{"go"}})
			if err == nil && sig != nil {
				mu.Lock()
				got++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(h.t, 1, got, "signal delivered more than once")
}

// --- Sub-workflows ---

func testSubWorkflow(h *harness) {
	parent := h.dispatch("parent", nil)
	h.pullOne("parent")

	subID := uuid.New()
	req := model.SubWorkflowRequest{
		Ref: h.ref(0), ParentID: parent, SubWorkflowID: subID, Name: "child", Input: []byte(`10`), RayID: uuid.New(),
	}
	got, err := h.d.DispatchSubWorkflow(h.ctx, req)
	require.NoError(h.t, err)
	require.Equal(h.t, subID, got)

	req.SubWorkflowID = uuid.New()
	again, err := h.d.DispatchSubWorkflow(h.ctx, req)
	require.NoError(h.t, err)
	require.Equal(h.t, subID, again, "replayed dispatch created another child")

	events := h.history(parent)
	require.Len(h.t, events, 1)
	require.Equal(h.t, model.EventSubWorkflowDispatch, events[0].Type)
	require.Equal(h.t, subID, events[0].SubWorkflowID)

	require.NoError(h.t, h.d.FailWorkflow(h.ctx, parent, h.worker, model.FailRequest{
		Wake: model.SubWorkflowWake(subID), ErrorCode: model.ErrSubWorkflowIncomplete,
	}))
	require.Empty(h.t, h.pull("parent"))

	child := h.pullOne("child")
	require.JSONEq(h.t, `10`, string(child.Input))
	require.NoError(h.t, h.d.CommitWorkflow(h.ctx, subID, h.worker, []byte(`11`)))

	h.pullOne("parent")
}

func testSubWorkflowUnique(h *harness) {
	parent := h.dispatch("parent", nil)
	existing := h.dispatch("child", map[string]string{"key": "k"})

	got, err := h.d.DispatchSubWorkflow(h.ctx, model.SubWorkflowRequest{
		Ref: h.ref(0), ParentID: parent, SubWorkflowID: uuid.New(), Name: "child",
		Tags: map[string]string{"key": "k"}, Unique: true,
	})
	require.NoError(h.t, err)
	require.Equal(h.t, existing, got)

	// A finished child is already complete when the parent yields on it.
	h.pull("parent", "child")
	require.NoError(h.t, h.d.CommitWorkflow(h.ctx, existing, h.worker, []byte(`1`)))
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, parent, h.worker, model.FailRequest{Wake: model.SubWorkflowWake(existing)}))
	h.pullOne("parent")
}

func testConcurrentUniqueSubWorkflow(h *harness) {
	const parents = 4
	tags := map[string]string{"key": "shared"}
	ids := make([]uuid.UUID, parents)
	for i := range ids {
		ids[i] = h.dispatch("parent", nil)
	}

	var wg sync.WaitGroup
	got := make([]uuid.UUID, parents)
	errs := make([]error, parents)
	for i, parent := range ids {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got[i], errs[i] = h.d.DispatchSubWorkflow(h.ctx, model.SubWorkflowRequest{
				Ref: h.ref(0), ParentID: parent, SubWorkflowID: uuid.New(), Name: "child",
				Tags: tags, Unique: true, Input: []byte(`1`), RayID: uuid.New(),
			})
		}()
	}
	wg.Wait()

	for i := range got {
		require.NoError(h.t, errs[i])
		require.Equal(h.t, got[0], got[i], "parent %d got another child", i)
	}
	children := h.pull("child")
	require.Len(h.t, children, 1)
	require.Equal(h.t, got[0], children[0].ID)
}

// --- Leases ---

func testExpiredLeaseReclaimed(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")

	n, err := h.d.ClearExpiredLeases(h.ctx, h.worker)
	require.NoError(h.t, err)
	require.Zero(h.t, n)

	h.clock.Advance(LeaseTTL + time.Second)
	other := uuid.New()
	n, err = h.d.ClearExpiredLeases(h.ctx, other)
	require.NoError(h.t, err)
	require.Equal(h.t, 1, n)

	pulled := h.pullAs(other, "a")
	require.Len(h.t, pulled, 1)
	require.Equal(h.t, id, pulled[0].ID)

	err = h.d.CommitWorkflow(h.ctx, id, h.worker, []byte(`1`))
	require.True(h.t, errors.Is(err, model.ErrLeaseLost), "got %v", err)
	require.NoError(h.t, h.d.CommitWorkflow(h.ctx, id, other, []byte(`1`)))
}

func testPingRenewsLease(h *harness) {
	id := h.dispatch("a", nil)
	h.pullOne("a")

	h.clock.Advance(LeaseTTL / 2)
	require.NoError(h.t, h.d.UpdateWorkerPing(h.ctx, h.worker))
	h.clock.Advance(LeaseTTL/2 + time.Second)

	n, err := h.d.ClearExpiredLeases(h.ctx, h.worker)
	require.NoError(h.t, err)
	require.Zero(h.t, n)

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Equal(h.t, h.worker, rec.WorkerInstanceID)
}

func testConcurrentPullExclusive(h *harness) {
	for range 5 {
		h.dispatch("a", nil)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owned = make(map[uuid.UUID]int)
	)
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := h.d.PullWorkflows(h.ctx, uuid.New(), []string{"a"})
			if err != nil {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, wf := range res.Workflows {
				owned[wf.ID]++
			}
		}()
	}
	wg.Wait()
	for id, n := range owned {
		require.Equal(h.t, 1, n, "workflow %s leased %d times", id, n)
	}
}

// --- Plane ---

func testWakeSub(h *harness) {
	ctx, cancel := context.WithCancel(h.ctx)
	defer cancel()
	wake, err := h.d.WakeSub(ctx)
	require.NoError(h.t, err)

	h.dispatch("a", nil)
	select {
	case <-wake:
	case <-time.After(2 * time.Second):
		h.t.Fatal("no wake after dispatch")
	}
}

func testMessages(h *harness) {
	id := h.dispatch("a", nil)
	tags := map[string]string{"room": "r1"}
	sub, err := h.d.Bus().Subscribe(h.ctx, model.MessageSubject("chat", tags))
	require.NoError(h.t, err)
	defer sub.Close()

	require.NoError(h.t, h.d.PublishMessageFromWorkflow(h.ctx, id, model.MessageSendRequest{
		Ref: h.ref(0), Name: "chat", Tags: tags, Body: []byte(`"hi"`), RayID: uuid.New(),
	}))

	select {
	case payload := <-sub.Messages():
		var msg model.Message
		require.NoError(h.t, json.Unmarshal(payload, &msg))
		require.Equal(h.t, "chat", msg.Name)
		require.Equal(h.t, id, msg.FromWorkflowID)
		require.JSONEq(h.t, `"hi"`, string(msg.Body))
	case <-time.After(2 * time.Second):
		h.t.Fatal("message not delivered")
	}

	events := h.history(id)
	require.Len(h.t, events, 1)
	require.Equal(h.t, model.EventMessageSend, events[0].Type)
}

// A message event that failed to store surfaces as a storage error, leaves
// its slot empty and can be written again.
func testMessageStorageFailure(h *harness) {
	faults, ok := h.d.(Faults)
	if !ok {
		h.t.Skip("driver has no backing store to take offline")
	}
	id := h.dispatch("a", nil)
	h.pullOne("a")
	req := model.MessageSendRequest{Ref: h.ref(0), Name: "chat", Body: []byte(`"hi"`), RayID: uuid.New()}

	faults.Break(h.t)
	err := h.d.PublishMessageFromWorkflow(h.ctx, id, req)
	faults.Restore(h.t)
	require.True(h.t, model.IsCode(err, model.ErrStorage), "got %v", err)
	require.False(h.t, errors.Is(err, model.ErrPublish))
	require.Empty(h.t, h.history(id))

	require.NoError(h.t, h.d.PublishMessageFromWorkflow(h.ctx, id, req))
	events := h.history(id)
	require.Len(h.t, events, 1)
	require.Equal(h.t, model.EventMessageSend, events[0].Type)
	require.Equal(h.t, model.Location{0}, events[0].Location)
}

// --- Operator ---

func testSilenceAndWake(h *harness) {
	id := h.dispatch("a", nil)
	require.NoError(h.t, h.d.SilenceWorkflow(h.ctx, id))
	require.Empty(h.t, h.pull("a"))

	rec, err := h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Equal(h.t, model.WorkflowStateSilenced, rec.State())

	require.NoError(h.t, h.d.WakeWorkflow(h.ctx, id))
	h.pullOne("a")
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, id, h.worker, model.FailRequest{Error: "x", ErrorCode: model.ErrWorkflowFailure}))

	require.NoError(h.t, h.d.WakeWorkflow(h.ctx, id))
	rec, err = h.d.GetWorkflow(h.ctx, id)
	require.NoError(h.t, err)
	require.Empty(h.t, rec.Error)
	h.pullOne("a")

	require.True(h.t, model.IsCode(h.d.SilenceWorkflow(h.ctx, uuid.New()), model.ErrWorkflowNotFound))
}

type recorder struct {
	stats model.WorkflowStats
	ping  time.Time
}

func (r *recorder) RecordWorkflowStats(s model.WorkflowStats) { r.stats = s }
func (r *recorder) RecordWorkerPing(_ uuid.UUID, ts time.Time) { r.ping = ts }

func testPublishMetrics(h *harness) {
	dead := h.dispatch("a", nil)
	h.dispatch("b", nil)
	done := h.dispatch("c", nil)
	sleeping := h.dispatch("d", nil)
	_, err := h.d.PublishSignal(h.ctx, sleeping, "go", nil, uuid.New())
	require.NoError(h.t, err)

	h.pull("a", "c", "d")
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, dead, h.worker, model.FailRequest{Error: "x", ErrorCode: model.ErrWorkflowFailure}))
	require.NoError(h.t, h.d.CommitWorkflow(h.ctx, done, h.worker, []byte(`1`)))
	require.NoError(h.t, h.d.FailWorkflow(h.ctx, sleeping, h.worker, model.FailRequest{Wake: model.DeadlineWake(h.clock.Now().Add(time.Hour))}))
	require.NoError(h.t, h.d.UpdateWorkerPing(h.ctx, h.worker))

	rec := &recorder{}
	require.NoError(h.t, h.d.PublishMetrics(h.ctx, h.worker, rec))
	require.Equal(h.t, 4, rec.stats.Total)
	require.Equal(h.t, 1, rec.stats.DeadByCode[model.ErrWorkflowFailure])
	require.Equal(h.t, 2, rec.stats.Sleeping)
	require.Equal(h.t, 0, rec.stats.Active)
	require.Equal(h.t, 1, rec.stats.PendingSignal)
	require.Equal(h.t, h.clock.Now(), rec.ping)
}
