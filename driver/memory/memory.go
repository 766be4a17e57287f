// Package memory is a single-process Driver backed by maps. It is suitable
// for tests and single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/bus"
	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

// Driver implements model.Driver in memory.
type Driver struct {
	opts    driver.Options
	ownsBus bool

	mu        sync.Mutex
	workflows map[uuid.UUID]*model.WorkflowRecord
	history   map[uuid.UUID]map[string]*model.Event // key: location string
	signals   []*model.Signal                       // publish order
	workers   map[uuid.UUID]time.Time
}

var _ model.Driver = (*Driver)(nil)

// New creates an empty in-memory driver. Without WithBus it owns a private
// in-process bus.
func New(opts ...driver.Option) *Driver {
	o := driver.Apply(opts...)
	d := &Driver{
		opts:      o,
		workflows: make(map[uuid.UUID]*model.WorkflowRecord),
		history:   make(map[uuid.UUID]map[string]*model.Event),
		workers:   make(map[uuid.UUID]time.Time),
	}
	if d.opts.Bus == nil {
		d.opts.Bus = bus.NewMemory()
		d.ownsBus = true
	}
	return d
}

// DispatchWorkflow creates a workflow with an immediate wake.
func (d *Driver) DispatchWorkflow(ctx context.Context, req model.DispatchRequest) error {
	d.mu.Lock()
	err := d.insertWorkflow(req)
	d.mu.Unlock()
	if err != nil {
		return err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

func (d *Driver) insertWorkflow(req model.DispatchRequest) error {
	if _, exists := d.workflows[req.ID]; exists {
		return model.NewDuplicateWorkflowError(req.ID)
	}
	d.workflows[req.ID] = &model.WorkflowRecord{
		ID:               req.ID,
		Name:             req.Name,
		Tags:             cloneTags(req.Tags),
		Input:            slices.Clone(req.Input),
		CreateTS:         d.opts.Now(),
		RayID:            req.RayID,
		Wake:             model.ImmediateWake(),
		HasWakeCondition: true,
	}
	d.history[req.ID] = make(map[string]*model.Event)
	return nil
}

// GetWorkflow returns a copy of the record.
func (d *Driver) GetWorkflow(_ context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wf, ok := d.workflows[id]
	if !ok {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	return wf.Clone(), nil
}

// FindWorkflow returns the oldest workflow named name whose tags include tags.
func (d *Driver) FindWorkflow(_ context.Context, name string, tags map[string]string) (uuid.UUID, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wf := d.findLocked(name, tags)
	if wf == nil {
		return uuid.Nil, false, nil
	}
	return wf.ID, true, nil
}

func (d *Driver) findLocked(name string, tags map[string]string) *model.WorkflowRecord {
	var found *model.WorkflowRecord
	for _, wf := range d.workflows {
		if wf.Name != name || !model.TagsMatch(wf.Tags, tags) {
			continue
		}
		if found == nil || wf.CreateTS.Before(found.CreateTS) {
			found = wf
		}
	}
	return found
}

// PullWorkflows leases due workflows and loads their history.
func (d *Driver) PullWorkflows(_ context.Context, workerID uuid.UUID, names []string) (*model.PullResult, error) {
	start := time.Now()
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Now()
	var due []*model.WorkflowRecord
	for _, wf := range d.workflows {
		if wf.IsComplete() || wf.Silenced || !wf.HasWakeCondition || !wf.Wake.Due(now) {
			continue
		}
		if !driver.InFilter(names, wf.Name) || wf.IsLeased(now) {
			continue
		}
		due = append(due, wf)
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].CreateTS.Before(due[j].CreateTS)
	})
	if len(due) > d.opts.PullLimit {
		due = due[:d.opts.PullLimit]
	}

	res := &model.PullResult{}
	for _, wf := range due {
		pulled := model.PulledWorkflow{
			ID:           wf.ID,
			Name:         wf.Name,
			Tags:         cloneTags(wf.Tags),
			Input:        slices.Clone(wf.Input),
			CreateTS:     wf.CreateTS,
			RayID:        wf.RayID,
			WakeDeadline: wf.Wake.Deadline,
		}
		wf.WorkerInstanceID = workerID
		wf.LeaseExpireTS = now.Add(d.opts.LeaseTTL)
		wf.Wake = model.WakeCondition{}
		wf.HasWakeCondition = false
		res.Workflows = append(res.Workflows, pulled)
	}
	res.LeaseDuration = time.Since(start)

	histStart := time.Now()
	for i := range res.Workflows {
		res.Workflows[i].History = model.NewHistory(d.eventsLocked(res.Workflows[i].ID))
	}
	res.HistoryDuration = time.Since(histStart)
	return res, nil
}

func (d *Driver) eventsLocked(id uuid.UUID) []model.Event {
	events := make([]model.Event, 0, len(d.history[id]))
	for _, ev := range d.history[id] {
		events = append(events, cloneEvent(ev))
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Location.Compare(events[j].Location) < 0
	})
	return events
}

func (d *Driver) leasedLocked(id, workerID uuid.UUID) (*model.WorkflowRecord, error) {
	wf, ok := d.workflows[id]
	if !ok {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	if wf.WorkerInstanceID != workerID {
		return nil, model.NewStorageError(fmt.Sprintf("finish workflow %s", id), model.ErrLeaseLost)
	}
	return wf, nil
}

// CommitWorkflow stores the output, releases the lease and wakes parents.
func (d *Driver) CommitWorkflow(ctx context.Context, id, workerID uuid.UUID, output []byte) error {
	d.mu.Lock()
	wf, err := d.leasedLocked(id, workerID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	if output == nil {
		output = []byte{}
	}
	wf.Output = slices.Clone(output)
	wf.Error, wf.ErrorCode = "", ""
	wf.Wake, wf.HasWakeCondition = model.WakeCondition{}, false
	wf.WorkerInstanceID, wf.LeaseExpireTS = uuid.Nil, time.Time{}
	d.wakeParentsLocked(id)
	d.mu.Unlock()

	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// FailWorkflow records a non-final outcome and installs the wake.
func (d *Driver) FailWorkflow(ctx context.Context, id, workerID uuid.UUID, req model.FailRequest) error {
	d.mu.Lock()
	wf, err := d.leasedLocked(id, workerID)
	if err != nil {
		d.mu.Unlock()
		return err
	}
	wf.Error, wf.ErrorCode = req.Error, req.ErrorCode
	wf.Wake = req.Wake
	wf.HasWakeCondition = !req.Wake.IsZero()
	wf.WorkerInstanceID, wf.LeaseExpireTS = uuid.Nil, time.Time{}

	if wf.HasWakeCondition && !wf.Wake.Immediate {
		if len(wf.Wake.Signals) > 0 && d.nextSignalIndexLocked(wf, wf.Wake.Signals) >= 0 {
			wf.Wake.Immediate = true
		}
		if sub, ok := d.workflows[wf.Wake.SubWorkflowID]; ok && (sub.IsComplete() || sub.IsDead()) {
			wf.Wake.Immediate = true
		}
	}
	dead := !wf.HasWakeCondition
	if dead {
		d.wakeParentsLocked(id)
	}
	immediate := wf.Wake.Immediate
	d.mu.Unlock()

	if dead || immediate {
		driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	}
	return nil
}

func (d *Driver) wakeParentsLocked(subID uuid.UUID) {
	for _, wf := range d.workflows {
		if wf.HasWakeCondition && wf.Wake.SubWorkflowID == subID {
			wf.Wake.Immediate = true
		}
	}
}

// CommitActivityEvent appends an attempt to the activity event.
func (d *Driver) CommitActivityEvent(_ context.Context, id uuid.UUID, req model.ActivityEventRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := d.eventMapLocked(id)
	if err != nil {
		return err
	}
	key := req.Ref.Location.String()
	now := d.opts.Now()
	ev, ok := events[key]
	if !ok {
		ev = &model.Event{
			Location:     req.Ref.Location.Clone(),
			Version:      req.Ref.Version,
			Type:         model.EventActivity,
			Hash:         req.Hash,
			Name:         req.Name,
			Input:        slices.Clone(req.Input),
			CreateTS:     now,
			LoopLocation: req.Ref.LoopLocation.Clone(),
		}
		events[key] = ev
	} else if ev.Type != model.EventActivity || ev.Hash != req.Hash {
		return model.NewHistoryDivergedError(req.Ref.Location, "activity event key mismatch")
	}

	switch {
	case req.Output != nil:
		if ev.Output == nil {
			ev.Output = slices.Clone(req.Output)
		}
	case req.Error != "":
		ev.Errors = append(ev.Errors, model.EventError{Error: req.Error, CreateTS: now})
	}
	return nil
}

func (d *Driver) eventMapLocked(id uuid.UUID) (map[string]*model.Event, error) {
	events, ok := d.history[id]
	if !ok {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	return events, nil
}

// insertEventLocked stores ev unless an event already occupies its location.
// It reports whether ev was stored.
func (d *Driver) insertEventLocked(id uuid.UUID, ev *model.Event) (bool, error) {
	events, err := d.eventMapLocked(id)
	if err != nil {
		return false, err
	}
	key := ev.Location.String()
	if _, exists := events[key]; exists {
		return false, nil
	}
	ev.CreateTS = d.opts.Now()
	events[key] = ev
	return true, nil
}

// nextSignalIndexLocked returns the queue index of the oldest signal wf may
// receive among names, or -1.
func (d *Driver) nextSignalIndexLocked(wf *model.WorkflowRecord, names []string) int {
	for i, sig := range d.signals {
		if !slices.Contains(names, sig.Name) {
			continue
		}
		if sig.WorkflowID == wf.ID || (sig.Tagged() && model.TagsMatch(wf.Tags, sig.Tags)) {
			return i
		}
	}
	return -1
}

// PullNextSignal dequeues a signal and records it in one step.
func (d *Driver) PullNextSignal(_ context.Context, id uuid.UUID, req model.SignalPullRequest) (*model.SignalData, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	wf, ok := d.workflows[id]
	if !ok {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	idx := d.nextSignalIndexLocked(wf, req.Names)
	if idx < 0 {
		return nil, nil
	}
	sig := d.signals[idx]
	d.signals = slices.Delete(d.signals, idx, idx+1)

	if _, err := d.insertEventLocked(id, &model.Event{
		Location:     req.Ref.Location.Clone(),
		Version:      req.Ref.Version,
		Type:         model.EventSignalRecv,
		Hash:         sig.Name,
		Name:         sig.Name,
		SignalID:     sig.ID,
		Body:         slices.Clone(sig.Body),
		LoopLocation: req.Ref.LoopLocation.Clone(),
	}); err != nil {
		return nil, err
	}
	return &model.SignalData{ID: sig.ID, Name: sig.Name, Body: slices.Clone(sig.Body), CreateTS: sig.CreateTS}, nil
}

func (d *Driver) enqueueSignalLocked(sig *model.Signal) {
	sig.CreateTS = d.opts.Now()
	d.signals = append(d.signals, sig)
	for _, wf := range d.workflows {
		if !wf.HasWakeCondition || !wf.Wake.WaitsOnSignal(sig.Name) {
			continue
		}
		if sig.WorkflowID == wf.ID || (sig.Tagged() && model.TagsMatch(wf.Tags, sig.Tags)) {
			wf.Wake.Immediate = true
		}
	}
}

// PublishSignal queues a signal addressed to one workflow.
func (d *Driver) PublishSignal(ctx context.Context, workflowID uuid.UUID, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	sig := &model.Signal{ID: uuid.New(), Name: name, Body: slices.Clone(body), RayID: rayID, WorkflowID: workflowID}
	d.mu.Lock()
	d.enqueueSignalLocked(sig)
	d.mu.Unlock()
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return sig.ID, nil
}

// PublishTaggedSignal queues a signal for the first workflow whose tags
// include tags.
func (d *Driver) PublishTaggedSignal(ctx context.Context, tags map[string]string, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	sig := &model.Signal{ID: uuid.New(), Name: name, Body: slices.Clone(body), RayID: rayID, Tags: cloneTags(tags)}
	d.mu.Lock()
	d.enqueueSignalLocked(sig)
	d.mu.Unlock()
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return sig.ID, nil
}

// PublishSignalFromWorkflow records a signal_send event and queues the
// signal. Replaying an already recorded send is a no-op.
func (d *Driver) PublishSignalFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.SignalSendRequest) error {
	d.mu.Lock()
	stored, err := d.insertEventLocked(fromID, &model.Event{
		Location:     req.Ref.Location.Clone(),
		Version:      req.Ref.Version,
		Type:         model.EventSignalSend,
		Hash:         req.Name,
		Name:         req.Name,
		SignalID:     req.SignalID,
		TargetID:     req.ToWorkflow,
		Tags:         cloneTags(req.ToTags),
		Body:         slices.Clone(req.Body),
		LoopLocation: req.Ref.LoopLocation.Clone(),
	})
	if err == nil && stored {
		d.enqueueSignalLocked(&model.Signal{
			ID:         req.SignalID,
			Name:       req.Name,
			Body:       slices.Clone(req.Body),
			RayID:      req.RayID,
			WorkflowID: req.ToWorkflow,
			Tags:       cloneTags(req.ToTags),
		})
	}
	d.mu.Unlock()
	if err != nil {
		return err
	}
	if stored {
		driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	}
	return nil
}

// PublishMessageFromWorkflow records a message_send event and publishes the
// message on the bus.
func (d *Driver) PublishMessageFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
	d.mu.Lock()
	stored, err := d.insertEventLocked(fromID, &model.Event{
		Location:     req.Ref.Location.Clone(),
		Version:      req.Ref.Version,
		Type:         model.EventMessageSend,
		Hash:         req.Name,
		Name:         req.Name,
		Tags:         cloneTags(req.Tags),
		Body:         slices.Clone(req.Body),
		LoopLocation: req.Ref.LoopLocation.Clone(),
	})
	d.mu.Unlock()
	if err != nil || !stored {
		return err
	}
	return driver.PublishMessage(ctx, d.opts.Bus, model.Message{
		Name:           req.Name,
		Tags:           req.Tags,
		Body:           req.Body,
		RayID:          req.RayID,
		FromWorkflowID: fromID,
		CreateTS:       d.opts.Now(),
	})
}

// DispatchSubWorkflow creates the child and records the dispatch in the
// parent's history.
func (d *Driver) DispatchSubWorkflow(ctx context.Context, req model.SubWorkflowRequest) (uuid.UUID, error) {
	d.mu.Lock()
	events, err := d.eventMapLocked(req.ParentID)
	if err != nil {
		d.mu.Unlock()
		return uuid.Nil, err
	}
	if ev, ok := events[req.Ref.Location.String()]; ok {
		d.mu.Unlock()
		return ev.SubWorkflowID, nil
	}

	subID := req.SubWorkflowID
	var existing *model.WorkflowRecord
	if req.Unique {
		existing = d.findLocked(req.Name, req.Tags)
	}
	if existing != nil {
		subID = existing.ID
	} else if err := d.insertWorkflow(model.DispatchRequest{
		ID: subID, Name: req.Name, Tags: req.Tags, Input: req.Input, RayID: req.RayID,
	}); err != nil {
		d.mu.Unlock()
		return uuid.Nil, err
	}

	_, err = d.insertEventLocked(req.ParentID, &model.Event{
		Location:      req.Ref.Location.Clone(),
		Version:       req.Ref.Version,
		Type:          model.EventSubWorkflowDispatch,
		Hash:          req.Name,
		Name:          req.Name,
		SubWorkflowID: subID,
		Tags:          cloneTags(req.Tags),
		Input:         slices.Clone(req.Input),
		LoopLocation:  req.Ref.LoopLocation.Clone(),
	})
	d.mu.Unlock()
	if err != nil {
		return uuid.Nil, err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return subID, nil
}

// CommitSleepEvent records a sleep in the normal state.
func (d *Driver) CommitSleepEvent(_ context.Context, id uuid.UUID, ref model.EventRef, deadline time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.insertEventLocked(id, &model.Event{
		Location:     ref.Location.Clone(),
		Version:      ref.Version,
		Type:         model.EventSleep,
		Deadline:     deadline.UTC().Truncate(time.Millisecond),
		SleepState:   model.SleepNormal,
		LoopLocation: ref.LoopLocation.Clone(),
	})
	return err
}

// UpdateSleepEventState moves a sleep to state.
func (d *Driver) UpdateSleepEventState(_ context.Context, id uuid.UUID, loc model.Location, state model.SleepState) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := d.eventMapLocked(id)
	if err != nil {
		return err
	}
	ev, ok := events[loc.String()]
	if !ok || ev.Type != model.EventSleep {
		return fmt.Errorf("no sleep event at %q", loc.String())
	}
	ev.SleepState = state
	return nil
}

// CommitBranchEvent records a branch.
func (d *Driver) CommitBranchEvent(_ context.Context, id uuid.UUID, ref model.EventRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.insertEventLocked(id, &model.Event{
		Location:     ref.Location.Clone(),
		Version:      ref.Version,
		Type:         model.EventBranch,
		LoopLocation: ref.LoopLocation.Clone(),
	})
	return err
}

// CommitRemovedEvent records a placeholder for a deleted call.
func (d *Driver) CommitRemovedEvent(_ context.Context, id uuid.UUID, ref model.EventRef, typ model.EventType, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.insertEventLocked(id, &model.Event{
		Location:     ref.Location.Clone(),
		Version:      ref.Version,
		Type:         model.EventRemoved,
		RemovedType:  typ,
		RemovedName:  name,
		LoopLocation: ref.LoopLocation.Clone(),
	})
	return err
}

// CommitVersionCheckEvent pins ref.Version at ref.Location.
func (d *Driver) CommitVersionCheckEvent(_ context.Context, id uuid.UUID, ref model.EventRef) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, err := d.insertEventLocked(id, &model.Event{
		Location:     ref.Location.Clone(),
		Version:      ref.Version,
		Type:         model.EventVersionCheck,
		LoopLocation: ref.LoopLocation.Clone(),
	})
	return err
}

// UpsertLoop writes the loop event and forgets every event below it.
func (d *Driver) UpsertLoop(_ context.Context, id uuid.UUID, upd model.LoopUpdate) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	events, err := d.eventMapLocked(id)
	if err != nil {
		return err
	}
	key := upd.Ref.Location.String()
	ev, ok := events[key]
	if !ok {
		ev = &model.Event{
			Location:     upd.Ref.Location.Clone(),
			Version:      upd.Ref.Version,
			Type:         model.EventLoop,
			CreateTS:     d.opts.Now(),
			LoopLocation: upd.Ref.LoopLocation.Clone(),
		}
		events[key] = ev
	}
	ev.Iteration = upd.Iteration
	ev.State = slices.Clone(upd.State)
	ev.Output = slices.Clone(upd.Output)

	for k, other := range events {
		if other.Location.HasPrefix(upd.Ref.Location) {
			delete(events, k)
		}
	}
	return nil
}

// UpdateWorkerPing renews every lease the worker holds.
func (d *Driver) UpdateWorkerPing(_ context.Context, workerID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.opts.Now()
	d.workers[workerID] = now
	for _, wf := range d.workflows {
		if wf.WorkerInstanceID == workerID {
			wf.LeaseExpireTS = now.Add(d.opts.LeaseTTL)
		}
	}
	return nil
}

// ClearExpiredLeases releases expired leases with an immediate wake.
func (d *Driver) ClearExpiredLeases(ctx context.Context, workerID uuid.UUID) (int, error) {
	d.mu.Lock()
	now := d.opts.Now()
	cleared := 0
	for _, wf := range d.workflows {
		if wf.WorkerInstanceID == uuid.Nil || wf.LeaseExpireTS.After(now) {
			continue
		}
		d.opts.Logger.Debug("clearing expired lease",
			zap.Stringer("workflow_id", wf.ID),
			zap.Stringer("lease_holder", wf.WorkerInstanceID),
			zap.Stringer("worker_instance_id", workerID),
		)
		wf.WorkerInstanceID, wf.LeaseExpireTS = uuid.Nil, time.Time{}
		wf.Wake, wf.HasWakeCondition = model.ImmediateWake(), true
		cleared++
	}
	d.mu.Unlock()

	if cleared > 0 {
		driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	}
	return cleared, nil
}

// PublishMetrics reports workflow gauges to rec.
func (d *Driver) PublishMetrics(_ context.Context, workerID uuid.UUID, rec model.StatsRecorder) error {
	d.mu.Lock()
	stats := model.WorkflowStats{DeadByCode: make(map[string]int), PendingSignal: len(d.signals)}
	now := d.opts.Now()
	for _, wf := range d.workflows {
		stats.Total++
		switch {
		case wf.IsComplete():
		case wf.IsLeased(now):
			stats.Active++
		case wf.IsDead():
			stats.DeadByCode[wf.ErrorCode]++
		case wf.HasWakeCondition:
			stats.Sleeping++
		}
	}
	ping := d.workers[workerID]
	d.mu.Unlock()

	rec.RecordWorkflowStats(stats)
	rec.RecordWorkerPing(workerID, ping)
	return nil
}

// WakeSub subscribes to wake notifications on the bus.
func (d *Driver) WakeSub(ctx context.Context) (<-chan struct{}, error) {
	return driver.WakeSub(ctx, d.opts.Bus)
}

// SilenceWorkflow excludes the workflow from pulls.
func (d *Driver) SilenceWorkflow(_ context.Context, id uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	wf, ok := d.workflows[id]
	if !ok {
		return model.NewWorkflowNotFoundError(id)
	}
	wf.Silenced = true
	return nil
}

// WakeWorkflow installs an immediate wake and clears the error.
func (d *Driver) WakeWorkflow(ctx context.Context, id uuid.UUID) error {
	d.mu.Lock()
	wf, ok := d.workflows[id]
	if !ok {
		d.mu.Unlock()
		return model.NewWorkflowNotFoundError(id)
	}
	if wf.IsComplete() {
		d.mu.Unlock()
		return nil
	}
	wf.Silenced = false
	wf.Error, wf.ErrorCode = "", ""
	wf.Wake, wf.HasWakeCondition = model.ImmediateWake(), true
	d.mu.Unlock()

	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// GetHistory returns every event ordered by location.
func (d *Driver) GetHistory(_ context.Context, id uuid.UUID) ([]model.Event, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.history[id]; !ok {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	return d.eventsLocked(id), nil
}

// Bus returns the driver's message plane.
func (d *Driver) Bus() model.Bus { return d.opts.Bus }

// HealthCheck always succeeds.
func (d *Driver) HealthCheck(context.Context) error { return nil }

// Close releases the bus if the driver created it.
func (d *Driver) Close() error {
	if d.ownsBus {
		return d.opts.Bus.Close()
	}
	return nil
}

// Len returns the number of workflows. For testing.
func (d *Driver) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.workflows)
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneEvent(ev *model.Event) model.Event {
	out := *ev
	out.Location = ev.Location.Clone()
	out.LoopLocation = ev.LoopLocation.Clone()
	out.Input = slices.Clone(ev.Input)
	out.Output = slices.Clone(ev.Output)
	out.Body = slices.Clone(ev.Body)
	out.State = slices.Clone(ev.State)
	out.Errors = slices.Clone(ev.Errors)
	out.Tags = cloneTags(ev.Tags)
	return out
}
