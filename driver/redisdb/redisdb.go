// Package redisdb is a Driver on Redis. Multi-key mutations run as
// optimistic WATCH/MULTI transactions and retry on conflict.
package redisdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/bus"
	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

// DefaultPrefix namespaces keys when no prefix is given.
const DefaultPrefix = "durable"

const maxTxRetries = 32

// Driver implements model.Driver on Redis.
type Driver struct {
	client redis.UniversalClient
	keys   keys
	opts   driver.Options

	ownsBus bool
}

var _ model.Driver = (*Driver)(nil)

// New creates a driver storing keys under prefix. Without WithBus it
// publishes wake notifications and messages through Redis pub/sub on the same
// client. The client is owned by the caller.
func New(client redis.UniversalClient, prefix string, opts ...driver.Option) *Driver {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	o := driver.Apply(opts...)
	owns := o.Bus == nil
	if owns {
		o.Bus = bus.NewRedis(client)
	}
	return &Driver{client: client, keys: keys{p: prefix}, opts: o, ownsBus: owns}
}

// storedSignal is a queued signal with its publish sequence.
type storedSignal struct {
	model.Signal
	Seq int64 `json:"seq"`
}

// watch runs fn in an optimistic transaction over keys, retrying when a
// watched key changes before EXEC.
func (d *Driver) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for range maxTxRetries {
		err := d.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return storageErr("redis transaction", err)
	}
	return model.NewStorageError("redis transaction", fmt.Errorf("too much contention on %v", keys))
}

// storageErr classifies a failed redis call as a recoverable storage error.
// Workflow errors pass through unchanged.
func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsWorkflowError(err); ok {
		return err
	}
	return model.NewStorageError(op, err)
}

func ms(t time.Time) int64 { return t.UnixMilli() }

func readRecord(ctx context.Context, c redis.Cmdable, key string, id uuid.UUID) (*model.WorkflowRecord, error) {
	raw, err := c.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %q: %w", key, err)
	}
	var rec model.WorkflowRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &rec, nil
}

func encode(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal %T: %w", v, err)
	}
	return b, nil
}

func (d *Driver) setRecord(ctx context.Context, pipe redis.Pipeliner, rec *model.WorkflowRecord) error {
	b, err := encode(rec)
	if err != nil {
		return err
	}
	pipe.Set(ctx, d.keys.workflow(rec.ID), b, 0)
	return nil
}

// indexWake adds rec's wake condition to the indexes. A silenced workflow
// keeps its signal and sub-workflow entries but stays out of the pull index
// until it is woken.
func (d *Driver) indexWake(ctx context.Context, pipe redis.Pipeliner, rec *model.WorkflowRecord) {
	if !rec.HasWakeCondition {
		return
	}
	w := rec.Wake
	switch {
	case rec.Silenced:
	case w.Immediate:
		pipe.ZAdd(ctx, d.keys.wake(rec.Name), redis.Z{Score: 0, Member: rec.ID.String()})
	case !w.Deadline.IsZero():
		pipe.ZAdd(ctx, d.keys.wake(rec.Name), redis.Z{Score: float64(ms(w.Deadline)), Member: rec.ID.String()})
	}
	for _, s := range w.Signals {
		pipe.SAdd(ctx, d.keys.waitSignal(s), rec.ID.String())
	}
	if w.SubWorkflowID != uuid.Nil {
		pipe.SAdd(ctx, d.keys.waitSub(w.SubWorkflowID), rec.ID.String())
	}
}

// unindexWake removes rec's current wake condition from the indexes.
func (d *Driver) unindexWake(ctx context.Context, pipe redis.Pipeliner, rec *model.WorkflowRecord) {
	pipe.ZRem(ctx, d.keys.wake(rec.Name), rec.ID.String())
	for _, s := range rec.Wake.Signals {
		pipe.SRem(ctx, d.keys.waitSignal(s), rec.ID.String())
	}
	if rec.Wake.SubWorkflowID != uuid.Nil {
		pipe.SRem(ctx, d.keys.waitSub(rec.Wake.SubWorkflowID), rec.ID.String())
	}
}

func (d *Driver) newRecord(req model.DispatchRequest) *model.WorkflowRecord {
	return &model.WorkflowRecord{
		ID:               req.ID,
		Name:             req.Name,
		Tags:             req.Tags,
		Input:            req.Input,
		CreateTS:         d.opts.Now(),
		RayID:            req.RayID,
		Wake:             model.ImmediateWake(),
		HasWakeCondition: true,
	}
}

func (d *Driver) createRecord(ctx context.Context, pipe redis.Pipeliner, rec *model.WorkflowRecord) error {
	if err := d.setRecord(ctx, pipe, rec); err != nil {
		return err
	}
	id := rec.ID.String()
	pipe.SAdd(ctx, d.keys.all(), id)
	pipe.SAdd(ctx, d.keys.name(rec.Name), id)
	for k, v := range rec.Tags {
		pipe.SAdd(ctx, d.keys.tag(k, v), id)
	}
	d.indexWake(ctx, pipe, rec)
	return nil
}

// DispatchWorkflow creates a workflow with an immediate wake.
func (d *Driver) DispatchWorkflow(ctx context.Context, req model.DispatchRequest) error {
	key := d.keys.workflow(req.ID)
	err := d.watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return model.NewDuplicateWorkflowError(req.ID)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return d.createRecord(ctx, pipe, d.newRecord(req))
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// GetWorkflow reads one record.
func (d *Driver) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	return readRecord(ctx, d.client, d.keys.workflow(id), id)
}

// FindWorkflow intersects the name and tag indexes and returns the oldest
// match.
func (d *Driver) FindWorkflow(ctx context.Context, name string, tags map[string]string) (uuid.UUID, bool, error) {
	rec, err := d.find(ctx, d.client, name, tags)
	if err != nil || rec == nil {
		return uuid.Nil, false, err
	}
	return rec.ID, true, nil
}

func (d *Driver) find(ctx context.Context, c redis.Cmdable, name string, tags map[string]string) (*model.WorkflowRecord, error) {
	sets := []string{d.keys.name(name)}
	for k, v := range tags {
		sets = append(sets, d.keys.tag(k, v))
	}
	ids, err := c.SInter(ctx, sets...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis sinter: %w", err)
	}
	recs, err := d.records(ctx, c, ids)
	if err != nil {
		return nil, err
	}
	var found *model.WorkflowRecord
	for _, rec := range recs {
		if found == nil || rec.CreateTS.Before(found.CreateTS) {
			found = rec
		}
	}
	return found, nil
}

// records loads the records for ids, skipping missing ones.
func (d *Driver) records(ctx context.Context, c redis.Cmdable, ids []string) ([]*model.WorkflowRecord, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ks := make([]string, len(ids))
	for i, id := range ids {
		ks[i] = d.keys.p + ":wf:" + id
	}
	vals, err := c.MGet(ctx, ks...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make([]*model.WorkflowRecord, 0, len(vals))
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var rec model.WorkflowRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal workflow: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// PullWorkflows leases due workflows one transaction at a time. Each wake
// index is read in pages of the pull limit so entries that cannot be leased
// never hide due workflows behind them. A candidate taken by another worker
// between the scan and the lease is skipped.
func (d *Driver) PullWorkflows(ctx context.Context, workerID uuid.UUID, names []string) (*model.PullResult, error) {
	start := time.Now()
	now := d.opts.Now()
	maxScore := strconv.FormatInt(ms(now), 10)
	limit := d.opts.PullLimit

	type candidate struct {
		id    string
		name  string
		score float64
	}
	offsets := make(map[string]int64, len(names))
	pending := slices.Clone(names)
	res := &model.PullResult{}
	for len(pending) > 0 && len(res.Workflows) < limit {
		var cands []candidate
		var more []string
		for _, name := range pending {
			zs, err := d.client.ZRangeByScoreWithScores(ctx, d.keys.wake(name), &redis.ZRangeBy{
				Min:    "-inf",
				Max:    maxScore,
				Offset: offsets[name],
				Count:  int64(limit),
			}).Result()
			if err != nil {
				return nil, model.NewStorageError("redis scan wake "+name, err)
			}
			for _, z := range zs {
				cands = append(cands, candidate{id: z.Member.(string), name: name, score: z.Score})
			}
			offsets[name] += int64(len(zs))
			if len(zs) == limit {
				more = append(more, name)
			}
		}
		sort.SliceStable(cands, func(i, j int) bool { return cands[i].score < cands[j].score })

		for _, c := range cands {
			if len(res.Workflows) >= limit {
				break
			}
			id, err := uuid.Parse(c.id)
			if err != nil {
				continue
			}
			pulled, removed, err := d.lease(ctx, id, c.name, workerID, now)
			if err != nil {
				return nil, err
			}
			if removed {
				offsets[c.name]--
			}
			if pulled != nil {
				res.Workflows = append(res.Workflows, *pulled)
			}
		}
		pending = more
	}
	res.LeaseDuration = time.Since(start)

	histStart := time.Now()
	for i := range res.Workflows {
		events, err := d.GetHistory(ctx, res.Workflows[i].ID)
		if err != nil {
			return nil, err
		}
		res.Workflows[i].History = model.NewHistory(events)
	}
	res.HistoryDuration = time.Since(histStart)
	return res, nil
}

// lease claims id from the wake index of name. It reports whether the index
// entry was removed, either because the workflow was leased or because the
// entry no longer points at a pullable workflow.
func (d *Driver) lease(ctx context.Context, id uuid.UUID, name string, workerID uuid.UUID, now time.Time) (*model.PulledWorkflow, bool, error) {
	key := d.keys.workflow(id)
	var (
		pulled  *model.PulledWorkflow
		removed bool
	)
	err := d.watch(ctx, func(tx *redis.Tx) error {
		pulled, removed = nil, false
		rec, err := readRecord(ctx, tx, key, id)
		stale := false
		switch {
		case model.IsCode(err, model.ErrWorkflowNotFound):
			stale = true
		case err != nil:
			return err
		default:
			stale = rec.IsComplete() || rec.Silenced || !rec.HasWakeCondition
		}
		if stale {
			_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZRem(ctx, d.keys.wake(name), id.String())
				return nil
			})
			removed = err == nil
			return err
		}
		if !rec.Wake.Due(now) || rec.IsLeased(now) {
			return nil
		}
		p := model.PulledWorkflow{
			ID: rec.ID, Name: rec.Name, Tags: rec.Tags, Input: rec.Input,
			CreateTS: rec.CreateTS, RayID: rec.RayID, WakeDeadline: rec.Wake.Deadline,
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			d.unindexWake(ctx, pipe, rec)
			rec.Wake, rec.HasWakeCondition = model.WakeCondition{}, false
			rec.WorkerInstanceID = workerID
			rec.LeaseExpireTS = now.Add(d.opts.LeaseTTL)
			pipe.ZAdd(ctx, d.keys.leases(), redis.Z{Score: float64(ms(rec.LeaseExpireTS)), Member: id.String()})
			pipe.SAdd(ctx, d.keys.workerLeases(workerID), id.String())
			return d.setRecord(ctx, pipe, rec)
		})
		if err == nil {
			pulled, removed = &p, true
		}
		return err
	}, key)
	return pulled, removed, err
}

// releaseLease clears the lease fields and their indexes.
func (d *Driver) releaseLease(ctx context.Context, pipe redis.Pipeliner, rec *model.WorkflowRecord) {
	pipe.ZRem(ctx, d.keys.leases(), rec.ID.String())
	if rec.WorkerInstanceID != uuid.Nil {
		pipe.SRem(ctx, d.keys.workerLeases(rec.WorkerInstanceID), rec.ID.String())
	}
	rec.WorkerInstanceID, rec.LeaseExpireTS = uuid.Nil, time.Time{}
}

func leaseHeld(rec *model.WorkflowRecord, workerID uuid.UUID) error {
	if rec.WorkerInstanceID != workerID {
		return model.NewStorageError(fmt.Sprintf("finish workflow %s", rec.ID), model.ErrLeaseLost)
	}
	return nil
}

// CommitWorkflow stores the output, releases the lease and wakes parents.
func (d *Driver) CommitWorkflow(ctx context.Context, id, workerID uuid.UUID, output []byte) error {
	key := d.keys.workflow(id)
	if output == nil {
		output = []byte{}
	}
	err := d.watch(ctx, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if err := leaseHeld(rec, workerID); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			d.unindexWake(ctx, pipe, rec)
			d.releaseLease(ctx, pipe, rec)
			rec.Output = output
			rec.Error, rec.ErrorCode = "", ""
			rec.Wake, rec.HasWakeCondition = model.WakeCondition{}, false
			return d.setRecord(ctx, pipe, rec)
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	if err := d.wakeParents(ctx, id); err != nil {
		return err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// FailWorkflow records the error and installs the wake condition.
func (d *Driver) FailWorkflow(ctx context.Context, id, workerID uuid.UUID, req model.FailRequest) error {
	key := d.keys.workflow(id)
	watched := []string{key, d.keys.signalsTo(id)}
	for _, s := range req.Wake.Signals {
		watched = append(watched, d.keys.signalsTagged(s))
	}
	if req.Wake.SubWorkflowID != uuid.Nil {
		watched = append(watched, d.keys.workflow(req.Wake.SubWorkflowID))
	}

	dead := req.Wake.IsZero()
	immediate := false
	err := d.watch(ctx, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if err := leaseHeld(rec, workerID); err != nil {
			return err
		}
		wake := req.Wake
		wake.Signals = slices.Clone(req.Wake.Signals)
		if !dead && !wake.Immediate {
			if len(wake.Signals) > 0 {
				sig, err := d.nextSignal(ctx, tx, rec, wake.Signals)
				if err != nil {
					return err
				}
				wake.Immediate = sig != nil
			}
			if wake.SubWorkflowID != uuid.Nil {
				sub, err := readRecord(ctx, tx, d.keys.workflow(wake.SubWorkflowID), wake.SubWorkflowID)
				if err != nil && !model.IsCode(err, model.ErrWorkflowNotFound) {
					return err
				}
				if sub != nil && (sub.IsComplete() || sub.IsDead()) {
					wake.Immediate = true
				}
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			d.unindexWake(ctx, pipe, rec)
			d.releaseLease(ctx, pipe, rec)
			rec.Error, rec.ErrorCode = req.Error, req.ErrorCode
			rec.Wake, rec.HasWakeCondition = wake, !dead
			d.indexWake(ctx, pipe, rec)
			return d.setRecord(ctx, pipe, rec)
		})
		immediate = err == nil && wake.Immediate
		return err
	}, watched...)
	if err != nil {
		return err
	}
	if dead {
		if err := d.wakeParents(ctx, id); err != nil {
			return err
		}
	}
	if dead || immediate {
		driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	}
	return nil
}

// makeImmediate converts the wake of id to immediate if match accepts the
// current record.
func (d *Driver) makeImmediate(ctx context.Context, id uuid.UUID, match func(*model.WorkflowRecord) bool) error {
	key := d.keys.workflow(id)
	return d.watch(ctx, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if model.IsCode(err, model.ErrWorkflowNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !rec.HasWakeCondition || rec.Wake.Immediate || !match(rec) {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			rec.Wake.Immediate = true
			d.indexWake(ctx, pipe, rec)
			return d.setRecord(ctx, pipe, rec)
		})
		return err
	}, key)
}

func (d *Driver) wakeParents(ctx context.Context, subID uuid.UUID) error {
	parents, err := d.client.SMembers(ctx, d.keys.waitSub(subID)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}
	for _, p := range parents {
		pid, err := uuid.Parse(p)
		if err != nil {
			continue
		}
		if err := d.makeImmediate(ctx, pid, func(rec *model.WorkflowRecord) bool {
			return rec.Wake.SubWorkflowID == subID
		}); err != nil {
			return err
		}
	}
	return nil
}

// --- History ---

func (d *Driver) readEvent(ctx context.Context, c redis.Cmdable, id uuid.UUID, loc model.Location) (*model.Event, error) {
	raw, err := c.HGet(ctx, d.keys.history(id), loc.String()).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis hget history: %w", err)
	}
	var ev model.Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event: %w", err)
	}
	return &ev, nil
}

// insertEvent stores ev unless its location is taken and reports whether it
// was stored.
func (d *Driver) insertEvent(ctx context.Context, id uuid.UUID, ev *model.Event) (bool, error) {
	ev.CreateTS = d.opts.Now()
	b, err := encode(ev)
	if err != nil {
		return false, err
	}
	ok, err := d.client.HSetNX(ctx, d.keys.history(id), ev.Location.String(), b).Result()
	if err != nil {
		return false, model.NewStorageError("redis hsetnx history", err)
	}
	return ok, nil
}

// CommitActivityEvent appends an attempt to the activity event.
func (d *Driver) CommitActivityEvent(ctx context.Context, id uuid.UUID, req model.ActivityEventRequest) error {
	hkey := d.keys.history(id)
	return d.watch(ctx, func(tx *redis.Tx) error {
		now := d.opts.Now()
		ev, err := d.readEvent(ctx, tx, id, req.Ref.Location)
		if err != nil {
			return err
		}
		if ev == nil {
			ev = &model.Event{
				Location: req.Ref.Location, Version: req.Ref.Version, Type: model.EventActivity,
				Hash: req.Hash, Name: req.Name, Input: req.Input, CreateTS: now, LoopLocation: req.Ref.LoopLocation,
			}
		} else if ev.Type != model.EventActivity || ev.Hash != req.Hash {
			return model.NewHistoryDivergedError(req.Ref.Location, "activity event key mismatch")
		}
		switch {
		case req.Output != nil:
			if ev.Output != nil {
				return nil
			}
			ev.Output = req.Output
		case req.Error != "":
			ev.Errors = append(ev.Errors, model.EventError{Error: req.Error, CreateTS: now})
		}
		b, err := encode(ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, req.Ref.Location.String(), b)
			return nil
		})
		return err
	}, hkey)
}

// CommitSleepEvent records a sleep in the normal state.
func (d *Driver) CommitSleepEvent(ctx context.Context, id uuid.UUID, ref model.EventRef, deadline time.Time) error {
	_, err := d.insertEvent(ctx, id, &model.Event{
		Location: ref.Location, Version: ref.Version, Type: model.EventSleep,
		Deadline: deadline.UTC().Truncate(time.Millisecond), SleepState: model.SleepNormal, LoopLocation: ref.LoopLocation,
	})
	return err
}

// UpdateSleepEventState moves a sleep to state.
func (d *Driver) UpdateSleepEventState(ctx context.Context, id uuid.UUID, loc model.Location, state model.SleepState) error {
	hkey := d.keys.history(id)
	return d.watch(ctx, func(tx *redis.Tx) error {
		ev, err := d.readEvent(ctx, tx, id, loc)
		if err != nil {
			return err
		}
		if ev == nil || ev.Type != model.EventSleep {
			return fmt.Errorf("no sleep event at %q", loc.String())
		}
		ev.SleepState = state
		b, err := encode(ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, loc.String(), b)
			return nil
		})
		return err
	}, hkey)
}

// CommitBranchEvent records a branch.
func (d *Driver) CommitBranchEvent(ctx context.Context, id uuid.UUID, ref model.EventRef) error {
	_, err := d.insertEvent(ctx, id, &model.Event{
		Location: ref.Location, Version: ref.Version, Type: model.EventBranch, LoopLocation: ref.LoopLocation,
	})
	return err
}

// CommitRemovedEvent records a placeholder for a deleted call.
func (d *Driver) CommitRemovedEvent(ctx context.Context, id uuid.UUID, ref model.EventRef, typ model.EventType, name string) error {
	_, err := d.insertEvent(ctx, id, &model.Event{
		Location: ref.Location, Version: ref.Version, Type: model.EventRemoved,
		RemovedType: typ, RemovedName: name, LoopLocation: ref.LoopLocation,
	})
	return err
}

// CommitVersionCheckEvent pins ref.Version at ref.Location.
func (d *Driver) CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, ref model.EventRef) error {
	_, err := d.insertEvent(ctx, id, &model.Event{
		Location: ref.Location, Version: ref.Version, Type: model.EventVersionCheck, LoopLocation: ref.LoopLocation,
	})
	return err
}

// UpsertLoop writes the loop event and forgets every event below it.
func (d *Driver) UpsertLoop(ctx context.Context, id uuid.UUID, upd model.LoopUpdate) error {
	hkey := d.keys.history(id)
	return d.watch(ctx, func(tx *redis.Tx) error {
		all, err := tx.HGetAll(ctx, hkey).Result()
		if err != nil {
			return fmt.Errorf("redis hgetall history: %w", err)
		}
		field := upd.Ref.Location.String()
		ev := &model.Event{
			Location: upd.Ref.Location, Version: upd.Ref.Version, Type: model.EventLoop,
			CreateTS: d.opts.Now(), LoopLocation: upd.Ref.LoopLocation,
		}
		if raw, ok := all[field]; ok {
			if err := json.Unmarshal([]byte(raw), ev); err != nil {
				return fmt.Errorf("unmarshal loop event: %w", err)
			}
		}
		ev.Iteration, ev.State, ev.Output = upd.Iteration, upd.State, upd.Output
		b, err := encode(ev)
		if err != nil {
			return err
		}

		var forget []string
		for f := range all {
			loc, err := model.ParseLocation(f)
			if err == nil && loc.HasPrefix(upd.Ref.Location) {
				forget = append(forget, f)
			}
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, field, b)
			if len(forget) > 0 {
				pipe.HDel(ctx, hkey, forget...)
			}
			return nil
		})
		return err
	}, hkey)
}

// GetHistory returns every event ordered by location.
func (d *Driver) GetHistory(ctx context.Context, id uuid.UUID) ([]model.Event, error) {
	all, err := d.client.HGetAll(ctx, d.keys.history(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall history: %w", err)
	}
	if len(all) == 0 {
		if _, err := d.GetWorkflow(ctx, id); err != nil {
			return nil, err
		}
	}
	events := make([]model.Event, 0, len(all))
	for _, raw := range all {
		var ev model.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event: %w", err)
		}
		events = append(events, ev)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Location.Compare(events[j].Location) < 0
	})
	return events, nil
}

// --- Signals ---

// nextSignal returns the oldest queued signal rec may receive among names.
func (d *Driver) nextSignal(ctx context.Context, c redis.Cmdable, rec *model.WorkflowRecord, names []string) (*storedSignal, error) {
	var ids []string
	direct, err := c.ZRange(ctx, d.keys.signalsTo(rec.ID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrange signals: %w", err)
	}
	ids = append(ids, direct...)
	for _, name := range names {
		tagged, err := c.ZRange(ctx, d.keys.signalsTagged(name), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("redis zrange tagged signals: %w", err)
		}
		ids = append(ids, tagged...)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := c.HMGet(ctx, d.keys.signals(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hmget signals: %w", err)
	}
	var best *storedSignal
	for _, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var sig storedSignal
		if err := json.Unmarshal([]byte(s), &sig); err != nil {
			return nil, fmt.Errorf("unmarshal signal: %w", err)
		}
		if !slices.Contains(names, sig.Name) {
			continue
		}
		if sig.WorkflowID != rec.ID && !(sig.Tagged() && model.TagsMatch(rec.Tags, sig.Tags)) {
			continue
		}
		if best == nil || sig.Seq < best.Seq {
			best = &sig
		}
	}
	return best, nil
}

func (d *Driver) signalQueue(sig *storedSignal) string {
	if sig.Tagged() {
		return d.keys.signalsTagged(sig.Name)
	}
	return d.keys.signalsTo(sig.WorkflowID)
}

// PullNextSignal dequeues a signal and records it in one transaction.
func (d *Driver) PullNextSignal(ctx context.Context, id uuid.UUID, req model.SignalPullRequest) (*model.SignalData, error) {
	rec, err := d.GetWorkflow(ctx, id)
	if err != nil {
		return nil, err
	}
	watched := []string{d.keys.signalsTo(id)}
	for _, n := range req.Names {
		watched = append(watched, d.keys.signalsTagged(n))
	}
	var out *model.SignalData
	err = d.watch(ctx, func(tx *redis.Tx) error {
		out = nil
		sig, err := d.nextSignal(ctx, tx, rec, req.Names)
		if err != nil || sig == nil {
			return err
		}
		ev := &model.Event{
			Location: req.Ref.Location, Version: req.Ref.Version, Type: model.EventSignalRecv,
			Hash: sig.Name, Name: sig.Name, SignalID: sig.ID, Body: sig.Body,
			CreateTS: d.opts.Now(), LoopLocation: req.Ref.LoopLocation,
		}
		b, err := encode(ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, d.signalQueue(sig), sig.ID.String())
			pipe.HDel(ctx, d.keys.signals(), sig.ID.String())
			pipe.HSetNX(ctx, d.keys.history(id), req.Ref.Location.String(), b)
			return nil
		})
		if err == nil {
			out = &model.SignalData{ID: sig.ID, Name: sig.Name, Body: sig.Body, CreateTS: sig.CreateTS}
		}
		return err
	}, watched...)
	return out, err
}

// enqueue adds sig to its queue inside pipe.
func (d *Driver) enqueue(ctx context.Context, pipe redis.Pipeliner, sig *storedSignal) error {
	b, err := encode(sig)
	if err != nil {
		return err
	}
	pipe.HSet(ctx, d.keys.signals(), sig.ID.String(), b)
	pipe.ZAdd(ctx, d.signalQueue(sig), redis.Z{Score: float64(sig.Seq), Member: sig.ID.String()})
	return nil
}

func (d *Driver) newSignal(ctx context.Context, sig model.Signal) (*storedSignal, error) {
	seq, err := d.client.Incr(ctx, d.keys.signalSeq()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis incr signal seq: %w", err)
	}
	sig.CreateTS = d.opts.Now()
	return &storedSignal{Signal: sig, Seq: seq}, nil
}

// wakeReceivers makes workflows waiting on sig's name immediate.
func (d *Driver) wakeReceivers(ctx context.Context, sig *storedSignal) error {
	match := func(rec *model.WorkflowRecord) bool {
		return rec.Wake.WaitsOnSignal(sig.Name)
	}
	if !sig.Tagged() {
		return d.makeImmediate(ctx, sig.WorkflowID, match)
	}
	sets := []string{d.keys.waitSignal(sig.Name)}
	for k, v := range sig.Tags {
		sets = append(sets, d.keys.tag(k, v))
	}
	ids, err := d.client.SInter(ctx, sets...).Result()
	if err != nil {
		return fmt.Errorf("redis sinter: %w", err)
	}
	for _, s := range ids {
		wid, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		if err := d.makeImmediate(ctx, wid, match); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) publish(ctx context.Context, sig model.Signal) (uuid.UUID, error) {
	stored, err := d.newSignal(ctx, sig)
	if err != nil {
		return uuid.Nil, err
	}
	if _, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return d.enqueue(ctx, pipe, stored)
	}); err != nil {
		return uuid.Nil, fmt.Errorf("redis enqueue signal: %w", err)
	}
	if err := d.wakeReceivers(ctx, stored); err != nil {
		return uuid.Nil, err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return stored.ID, nil
}

// PublishSignal queues a signal addressed to one workflow.
func (d *Driver) PublishSignal(ctx context.Context, workflowID uuid.UUID, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	return d.publish(ctx, model.Signal{ID: uuid.New(), Name: name, Body: body, RayID: rayID, WorkflowID: workflowID})
}

// PublishTaggedSignal queues a signal for the first workflow whose tags
// include tags.
func (d *Driver) PublishTaggedSignal(ctx context.Context, tags map[string]string, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	return d.publish(ctx, model.Signal{ID: uuid.New(), Name: name, Body: body, RayID: rayID, Tags: tags})
}

// PublishSignalFromWorkflow records a signal_send event and queues the
// signal in one transaction.
func (d *Driver) PublishSignalFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.SignalSendRequest) error {
	hkey := d.keys.history(fromID)
	stored, err := d.newSignal(ctx, model.Signal{
		ID: req.SignalID, Name: req.Name, Body: req.Body, RayID: req.RayID,
		WorkflowID: req.ToWorkflow, Tags: req.ToTags,
	})
	if err != nil {
		return err
	}
	ev := &model.Event{
		Location: req.Ref.Location, Version: req.Ref.Version, Type: model.EventSignalSend,
		Hash: req.Name, Name: req.Name, SignalID: req.SignalID, TargetID: req.ToWorkflow,
		Tags: req.ToTags, Body: req.Body, CreateTS: d.opts.Now(), LoopLocation: req.Ref.LoopLocation,
	}
	b, err := encode(ev)
	if err != nil {
		return err
	}
	sent := false
	err = d.watch(ctx, func(tx *redis.Tx) error {
		exists, err := tx.HExists(ctx, hkey, req.Ref.Location.String()).Result()
		if err != nil || exists {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, req.Ref.Location.String(), b)
			return d.enqueue(ctx, pipe, stored)
		})
		sent = err == nil
		return err
	}, hkey)
	if err != nil || !sent {
		return err
	}
	if err := d.wakeReceivers(ctx, stored); err != nil {
		return err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// PublishMessageFromWorkflow records a message_send event and publishes the
// message on the bus.
func (d *Driver) PublishMessageFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
	stored, err := d.insertEvent(ctx, fromID, &model.Event{
		Location: req.Ref.Location, Version: req.Ref.Version, Type: model.EventMessageSend,
		Hash: req.Name, Name: req.Name, Tags: req.Tags, Body: req.Body, LoopLocation: req.Ref.LoopLocation,
	})
	if err != nil {
		return storageErr("record message event", err)
	}
	if !stored {
		return nil
	}
	return driver.PublishMessage(ctx, d.opts.Bus, model.Message{
		Name: req.Name, Tags: req.Tags, Body: req.Body, RayID: req.RayID,
		FromWorkflowID: fromID, CreateTS: d.opts.Now(),
	})
}

// DispatchSubWorkflow creates the child and records the dispatch in the
// parent's history in one transaction. A unique dispatch looks for an
// existing child inside the transaction and watches the name index, so two
// concurrent dispatches cannot both create one.
func (d *Driver) DispatchSubWorkflow(ctx context.Context, req model.SubWorkflowRequest) (uuid.UUID, error) {
	hkey := d.keys.history(req.ParentID)
	ckey := d.keys.workflow(req.SubWorkflowID)
	nkey := d.keys.name(req.Name)
	field := req.Ref.Location.String()

	var result uuid.UUID
	err := d.watch(ctx, func(tx *redis.Tx) error {
		prev, err := d.readEvent(ctx, tx, req.ParentID, req.Ref.Location)
		if err != nil {
			return err
		}
		if prev != nil {
			result = prev.SubWorkflowID
			return nil
		}

		subID, reuse := req.SubWorkflowID, false
		if req.Unique {
			existing, err := d.find(ctx, tx, req.Name, req.Tags)
			if err != nil {
				return err
			}
			if existing != nil {
				subID, reuse = existing.ID, true
			}
		}
		if !reuse {
			n, err := tx.Exists(ctx, ckey).Result()
			if err != nil {
				return err
			}
			if n > 0 {
				return model.NewDuplicateWorkflowError(subID)
			}
		}
		ev := &model.Event{
			Location: req.Ref.Location, Version: req.Ref.Version, Type: model.EventSubWorkflowDispatch,
			Hash: req.Name, Name: req.Name, SubWorkflowID: subID, Tags: req.Tags, Input: req.Input,
			CreateTS: d.opts.Now(), LoopLocation: req.Ref.LoopLocation,
		}
		b, err := encode(ev)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, hkey, field, b)
			if reuse {
				return nil
			}
			return d.createRecord(ctx, pipe, d.newRecord(model.DispatchRequest{
				ID: subID, Name: req.Name, Tags: req.Tags, Input: req.Input, RayID: req.RayID,
			}))
		})
		if err == nil {
			result = subID
		}
		return err
	}, hkey, ckey, nkey)
	if err != nil {
		return uuid.Nil, err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return result, nil
}

// --- Leases ---

// UpdateWorkerPing records liveness and renews the worker's leases.
func (d *Driver) UpdateWorkerPing(ctx context.Context, workerID uuid.UUID) error {
	now := d.opts.Now()
	if err := d.client.HSet(ctx, d.keys.workers(), workerID.String(), ms(now)).Err(); err != nil {
		return fmt.Errorf("redis hset workers: %w", err)
	}
	ids, err := d.client.SMembers(ctx, d.keys.workerLeases(workerID)).Result()
	if err != nil {
		return fmt.Errorf("redis smembers leases: %w", err)
	}
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		key := d.keys.workflow(id)
		err = d.watch(ctx, func(tx *redis.Tx) error {
			rec, err := readRecord(ctx, tx, key, id)
			if err != nil && !model.IsCode(err, model.ErrWorkflowNotFound) {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				if rec == nil || rec.WorkerInstanceID != workerID {
					pipe.SRem(ctx, d.keys.workerLeases(workerID), s)
					return nil
				}
				rec.LeaseExpireTS = now.Add(d.opts.LeaseTTL)
				pipe.ZAdd(ctx, d.keys.leases(), redis.Z{Score: float64(ms(rec.LeaseExpireTS)), Member: s})
				return d.setRecord(ctx, pipe, rec)
			})
			return err
		}, key)
		if err != nil {
			return err
		}
	}
	return nil
}

// ClearExpiredLeases releases expired leases with an immediate wake.
func (d *Driver) ClearExpiredLeases(ctx context.Context, workerID uuid.UUID) (int, error) {
	now := d.opts.Now()
	ids, err := d.client.ZRangeByScore(ctx, d.keys.leases(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(ms(now), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis scan leases: %w", err)
	}
	cleared := 0
	for _, s := range ids {
		id, err := uuid.Parse(s)
		if err != nil {
			continue
		}
		key := d.keys.workflow(id)
		released := false
		err = d.watch(ctx, func(tx *redis.Tx) error {
			released = false
			rec, err := readRecord(ctx, tx, key, id)
			if model.IsCode(err, model.ErrWorkflowNotFound) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, d.keys.leases(), s)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}
			if rec.WorkerInstanceID == uuid.Nil || rec.LeaseExpireTS.After(now) {
				return nil
			}
			d.opts.Logger.Debug("clearing expired lease",
				zap.Stringer("workflow_id", id),
				zap.Stringer("lease_holder", rec.WorkerInstanceID),
				zap.Stringer("worker_instance_id", workerID),
			)
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				d.unindexWake(ctx, pipe, rec)
				d.releaseLease(ctx, pipe, rec)
				rec.Wake, rec.HasWakeCondition = model.ImmediateWake(), true
				d.indexWake(ctx, pipe, rec)
				return d.setRecord(ctx, pipe, rec)
			})
			released = err == nil
			return err
		}, key)
		if err != nil {
			return cleared, err
		}
		if released {
			cleared++
		}
	}
	if cleared > 0 {
		driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	}
	return cleared, nil
}

// PublishMetrics scans every record and reports gauges to rec.
func (d *Driver) PublishMetrics(ctx context.Context, workerID uuid.UUID, rec model.StatsRecorder) error {
	ids, err := d.client.SMembers(ctx, d.keys.all()).Result()
	if err != nil {
		return fmt.Errorf("redis smembers all: %w", err)
	}
	recs, err := d.records(ctx, d.client, ids)
	if err != nil {
		return err
	}
	pending, err := d.client.HLen(ctx, d.keys.signals()).Result()
	if err != nil {
		return fmt.Errorf("redis hlen signals: %w", err)
	}
	now := d.opts.Now()
	stats := model.WorkflowStats{DeadByCode: make(map[string]int), PendingSignal: int(pending)}
	for _, wf := range recs {
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
	rec.RecordWorkflowStats(stats)

	pingMS, err := d.client.HGet(ctx, d.keys.workers(), workerID.String()).Int64()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("redis hget workers: %w", err)
	}
	if err == nil {
		rec.RecordWorkerPing(workerID, time.UnixMilli(pingMS).UTC())
	}
	return nil
}

// WakeSub subscribes to wake notifications on the bus.
func (d *Driver) WakeSub(ctx context.Context) (<-chan struct{}, error) {
	return driver.WakeSub(ctx, d.opts.Bus)
}

// --- Operator ---

// SilenceWorkflow excludes the workflow from pulls.
func (d *Driver) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	key := d.keys.workflow(id)
	return d.watch(ctx, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		rec.Silenced = true
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, d.keys.wake(rec.Name), rec.ID.String())
			return d.setRecord(ctx, pipe, rec)
		})
		return err
	}, key)
}

// WakeWorkflow installs an immediate wake and clears the error.
func (d *Driver) WakeWorkflow(ctx context.Context, id uuid.UUID) error {
	key := d.keys.workflow(id)
	err := d.watch(ctx, func(tx *redis.Tx) error {
		rec, err := readRecord(ctx, tx, key, id)
		if err != nil {
			return err
		}
		if rec.IsComplete() {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			d.unindexWake(ctx, pipe, rec)
			rec.Silenced = false
			rec.Error, rec.ErrorCode = "", ""
			rec.Wake, rec.HasWakeCondition = model.ImmediateWake(), true
			d.indexWake(ctx, pipe, rec)
			return d.setRecord(ctx, pipe, rec)
		})
		return err
	}, key)
	if err != nil {
		return err
	}
	driver.PublishWake(ctx, d.opts.Bus, d.opts.Logger)
	return nil
}

// Bus returns the driver's message plane.
func (d *Driver) Bus() model.Bus { return d.opts.Bus }

// HealthCheck pings Redis.
func (d *Driver) HealthCheck(ctx context.Context) error {
	if err := d.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close closes the bus if the driver created it. The client belongs to the
// caller.
func (d *Driver) Close() error {
	if d.ownsBus {
		return d.opts.Bus.Close()
	}
	return nil
}
