package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

const workflowColumns = `id, name, tags, input, output, complete, error, error_code, create_ts, ray_id,
	has_wake_condition, wake_immediate, wake_deadline_ts, wake_signals, wake_sub_workflow_id,
	worker_instance_id, lease_expire_ts, silenced`

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(s scanner) (*model.WorkflowRecord, error) {
	var (
		rec                               model.WorkflowRecord
		tags, signals                     string
		complete, hasWake, immediate, sil int
		createTS                          int64
		deadline, leaseExpire             sql.NullInt64
		subID, workerID                   uuid.NullUUID
	)
	err := s.Scan(&rec.ID, &rec.Name, &tags, &rec.Input, &rec.Output, &complete, &rec.Error, &rec.ErrorCode,
		&createTS, &rec.RayID, &hasWake, &immediate, &deadline, &signals, &subID,
		&workerID, &leaseExpire, &sil)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &rec.Tags); err != nil {
		return nil, fmt.Errorf("unmarshal tags of %s: %w", rec.ID, err)
	}
	if len(rec.Tags) == 0 {
		rec.Tags = nil
	}
	if err := json.Unmarshal([]byte(signals), &rec.Wake.Signals); err != nil {
		return nil, fmt.Errorf("unmarshal wake signals of %s: %w", rec.ID, err)
	}
	if len(rec.Wake.Signals) == 0 {
		rec.Wake.Signals = nil
	}
	if complete == 1 && rec.Output == nil {
		rec.Output = []byte{}
	}
	if complete == 0 {
		rec.Output = nil
	}
	rec.CreateTS = fromMS(createTS)
	rec.HasWakeCondition = hasWake == 1
	rec.Wake.Immediate = immediate == 1
	if deadline.Valid {
		rec.Wake.Deadline = fromMS(deadline.Int64)
	}
	rec.Wake.SubWorkflowID = subID.UUID
	rec.WorkerInstanceID = workerID.UUID
	if leaseExpire.Valid {
		rec.LeaseExpireTS = fromMS(leaseExpire.Int64)
	}
	rec.Silenced = sil == 1
	return &rec, nil
}

func (d *Driver) getWorkflowTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) (*model.WorkflowRecord, error) {
	rec, err := scanWorkflow(d.queryRow(ctx, tx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.NewWorkflowNotFoundError(id)
	}
	if err != nil {
		return nil, fmt.Errorf("select workflow %s: %w", id, err)
	}
	return rec, nil
}

func (d *Driver) workflowExists(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	var one int
	err := d.queryRow(ctx, tx, `SELECT 1 FROM workflows WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return model.NewWorkflowNotFoundError(id)
	}
	return err
}

func (d *Driver) insertWorkflowTx(ctx context.Context, tx *sql.Tx, req model.DispatchRequest) error {
	tags := req.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	tagsJSON, err := encodeJSON(tags)
	if err != nil {
		return err
	}
	input := req.Input
	if input == nil {
		input = []byte{}
	}
	res, err := d.exec(ctx, tx, `INSERT INTO workflows
		(id, name, tags, input, create_ts, ray_id, has_wake_condition, wake_immediate)
		VALUES (?, ?, ?, ?, ?, ?, 1, 1)
		ON CONFLICT (id) DO NOTHING`,
		req.ID, req.Name, tagsJSON, input, ms(d.opts.Now()), req.RayID)
	if err != nil {
		return fmt.Errorf("insert workflow %s: %w", req.ID, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return err
	}
	if n == 0 {
		return model.NewDuplicateWorkflowError(req.ID)
	}
	for k, v := range req.Tags {
		if _, err := d.exec(ctx, tx, `INSERT INTO workflow_tags (workflow_id, k, v) VALUES (?, ?, ?)`, req.ID, k, v); err != nil {
			return fmt.Errorf("insert tag %s of %s: %w", k, req.ID, err)
		}
	}
	return nil
}

// setWake replaces the wake columns and the signal wait rows.
func (d *Driver) setWake(ctx context.Context, tx *sql.Tx, id uuid.UUID, wake model.WakeCondition, has bool) error {
	signals := wake.Signals
	if signals == nil {
		signals = []string{}
	}
	signalsJSON, err := encodeJSON(signals)
	if err != nil {
		return err
	}
	if _, err := d.exec(ctx, tx, `UPDATE workflows SET has_wake_condition = ?, wake_immediate = ?,
		wake_deadline_ts = ?, wake_signals = ?, wake_sub_workflow_id = ? WHERE id = ?`,
		boolInt(has), boolInt(wake.Immediate), nullMS(wake.Deadline), signalsJSON, nullUUID(wake.SubWorkflowID), id); err != nil {
		return fmt.Errorf("update wake of %s: %w", id, err)
	}
	if _, err := d.exec(ctx, tx, `DELETE FROM workflow_wake_signals WHERE workflow_id = ?`, id); err != nil {
		return fmt.Errorf("clear wake signals of %s: %w", id, err)
	}
	if !has {
		return nil
	}
	for _, name := range signals {
		if _, err := d.exec(ctx, tx, `INSERT INTO workflow_wake_signals (workflow_id, signal_name) VALUES (?, ?)
			ON CONFLICT DO NOTHING`, id, name); err != nil {
			return fmt.Errorf("insert wake signal %s of %s: %w", name, id, err)
		}
	}
	return nil
}

func (d *Driver) makeImmediate(ctx context.Context, tx *sql.Tx, id uuid.UUID) error {
	_, err := d.exec(ctx, tx, `UPDATE workflows SET wake_immediate = 1 WHERE id = ? AND has_wake_condition = 1`, id)
	return err
}

// wakeParents makes every workflow waiting on subID immediate.
func (d *Driver) wakeParents(ctx context.Context, tx *sql.Tx, subID uuid.UUID) error {
	_, err := d.exec(ctx, tx, `UPDATE workflows SET wake_immediate = 1
		WHERE has_wake_condition = 1 AND wake_sub_workflow_id = ?`, subID)
	if err != nil {
		return fmt.Errorf("wake parents of %s: %w", subID, err)
	}
	return nil
}

// DispatchWorkflow creates a workflow with an immediate wake.
func (d *Driver) DispatchWorkflow(ctx context.Context, req model.DispatchRequest) error {
	err := d.tx(ctx, "dispatch workflow", func(tx *sql.Tx) error {
		return d.insertWorkflowTx(ctx, tx, req)
	})
	if err != nil {
		return err
	}
	d.publishWake(ctx)
	return nil
}

// GetWorkflow returns the record.
func (d *Driver) GetWorkflow(ctx context.Context, id uuid.UUID) (*model.WorkflowRecord, error) {
	var rec *model.WorkflowRecord
	err := d.tx(ctx, "get workflow", func(tx *sql.Tx) error {
		var err error
		rec, err = d.getWorkflowTx(ctx, tx, id)
		return err
	})
	return rec, err
}

func (d *Driver) findTx(ctx context.Context, tx *sql.Tx, name string, tags map[string]string) (uuid.UUID, bool, error) {
	var b strings.Builder
	b.WriteString(`SELECT id FROM workflows w WHERE name = ?`)
	args := []any{name}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(` AND EXISTS (SELECT 1 FROM workflow_tags t WHERE t.workflow_id = w.id AND t.k = ? AND t.v = ?)`)
		args = append(args, k, tags[k])
	}
	b.WriteString(` ORDER BY create_ts, id LIMIT 1`)

	var id uuid.UUID
	err := d.queryRow(ctx, tx, b.String(), args...).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return uuid.Nil, false, nil
	}
	if err != nil {
		return uuid.Nil, false, fmt.Errorf("find workflow %s: %w", name, err)
	}
	return id, true, nil
}

// FindWorkflow returns the oldest workflow named name whose tags include tags.
func (d *Driver) FindWorkflow(ctx context.Context, name string, tags map[string]string) (uuid.UUID, bool, error) {
	var (
		id    uuid.UUID
		found bool
	)
	err := d.tx(ctx, "find workflow", func(tx *sql.Tx) error {
		var err error
		id, found, err = d.findTx(ctx, tx, name, tags)
		return err
	})
	return id, found, err
}

// PullWorkflows leases due workflows and loads their history.
func (d *Driver) PullWorkflows(ctx context.Context, workerID uuid.UUID, names []string) (*model.PullResult, error) {
	res := &model.PullResult{}
	if len(names) == 0 {
		return res, nil
	}
	start := time.Now()
	err := d.tx(ctx, "pull workflows", func(tx *sql.Tx) error {
		res.Workflows = res.Workflows[:0]
		now := d.opts.Now()
		args := []any{ms(now)}
		for _, n := range names {
			args = append(args, n)
		}
		args = append(args, ms(now), d.opts.PullLimit)
		rows, err := d.query(ctx, tx, `SELECT `+workflowColumns+` FROM workflows
			WHERE complete = 0 AND silenced = 0 AND has_wake_condition = 1
			AND (wake_immediate = 1 OR (wake_deadline_ts IS NOT NULL AND wake_deadline_ts <= ?))
			AND name IN (`+placeholders(len(names))+`)
			AND (worker_instance_id IS NULL OR lease_expire_ts <= ?)
			ORDER BY create_ts, id LIMIT ?`, args...)
		if err != nil {
			return fmt.Errorf("select due workflows: %w", err)
		}
		var due []*model.WorkflowRecord
		for rows.Next() {
			rec, err := scanWorkflow(rows)
			if err != nil {
				rows.Close()
				return err
			}
			due = append(due, rec)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, wf := range due {
			claimed, err := d.exec(ctx, tx, `UPDATE workflows SET worker_instance_id = ?, lease_expire_ts = ?
				WHERE id = ? AND (worker_instance_id IS NULL OR lease_expire_ts <= ?)`,
				workerID, ms(now.Add(d.opts.LeaseTTL)), wf.ID, ms(now))
			if err != nil {
				return fmt.Errorf("lease workflow %s: %w", wf.ID, err)
			}
			if n, err := rowsAffected(claimed); err != nil || n != 1 {
				if err != nil {
					return err
				}
				continue
			}
			if err := d.setWake(ctx, tx, wf.ID, model.WakeCondition{}, false); err != nil {
				return err
			}
			res.Workflows = append(res.Workflows, model.PulledWorkflow{
				ID:           wf.ID,
				Name:         wf.Name,
				Tags:         wf.Tags,
				Input:        wf.Input,
				CreateTS:     wf.CreateTS,
				RayID:        wf.RayID,
				WakeDeadline: wf.Wake.Deadline,
			})
		}
		res.LeaseDuration = time.Since(start)

		histStart := time.Now()
		for i := range res.Workflows {
			events, err := d.eventsTx(ctx, tx, res.Workflows[i].ID)
			if err != nil {
				return err
			}
			res.Workflows[i].History = model.NewHistory(events)
		}
		res.HistoryDuration = time.Since(histStart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// leasedTx loads id and checks that workerID holds its lease.
func (d *Driver) leasedTx(ctx context.Context, tx *sql.Tx, id, workerID uuid.UUID) (*model.WorkflowRecord, error) {
	rec, err := d.getWorkflowTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if rec.WorkerInstanceID != workerID {
		return nil, model.NewStorageError(fmt.Sprintf("finish workflow %s", id), model.ErrLeaseLost)
	}
	return rec, nil
}

// CommitWorkflow stores the output, releases the lease and wakes parents.
func (d *Driver) CommitWorkflow(ctx context.Context, id, workerID uuid.UUID, output []byte) error {
	if output == nil {
		output = []byte{}
	}
	err := d.tx(ctx, "commit workflow", func(tx *sql.Tx) error {
		if _, err := d.leasedTx(ctx, tx, id, workerID); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `UPDATE workflows SET output = ?, complete = 1, error = '', error_code = '',
			worker_instance_id = NULL, lease_expire_ts = NULL WHERE id = ?`, output, id); err != nil {
			return fmt.Errorf("complete workflow %s: %w", id, err)
		}
		if err := d.setWake(ctx, tx, id, model.WakeCondition{}, false); err != nil {
			return err
		}
		return d.wakeParents(ctx, tx, id)
	})
	if err != nil {
		return err
	}
	d.publishWake(ctx)
	return nil
}

// FailWorkflow records a non-final outcome and installs the wake.
func (d *Driver) FailWorkflow(ctx context.Context, id, workerID uuid.UUID, req model.FailRequest) error {
	dead := req.Wake.IsZero()
	immediate := false
	err := d.tx(ctx, "fail workflow", func(tx *sql.Tx) error {
		immediate = false
		rec, err := d.leasedTx(ctx, tx, id, workerID)
		if err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `UPDATE workflows SET error = ?, error_code = ?,
			worker_instance_id = NULL, lease_expire_ts = NULL WHERE id = ?`, req.Error, req.ErrorCode, id); err != nil {
			return fmt.Errorf("fail workflow %s: %w", id, err)
		}

		wake := req.Wake
		if !dead && !wake.Immediate {
			if len(wake.Signals) > 0 {
				sig, err := d.nextSignalTx(ctx, tx, rec, wake.Signals)
				if err != nil {
					return err
				}
				if sig != nil {
					wake.Immediate = true
				}
			}
			if wake.SubWorkflowID != uuid.Nil {
				sub, err := d.getWorkflowTx(ctx, tx, wake.SubWorkflowID)
				if err != nil && !model.IsCode(err, model.ErrWorkflowNotFound) {
					return err
				}
				if sub != nil && (sub.IsComplete() || sub.IsDead()) {
					wake.Immediate = true
				}
			}
		}
		if err := d.setWake(ctx, tx, id, wake, !dead); err != nil {
			return err
		}
		immediate = wake.Immediate
		if dead {
			return d.wakeParents(ctx, tx, id)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if dead || immediate {
		d.publishWake(ctx)
	}
	return nil
}

// UpdateWorkerPing records liveness and renews every lease the worker holds.
func (d *Driver) UpdateWorkerPing(ctx context.Context, workerID uuid.UUID) error {
	return d.tx(ctx, "update worker ping", func(tx *sql.Tx) error {
		now := d.opts.Now()
		if _, err := d.exec(ctx, tx, `INSERT INTO worker_instances (id, last_ping_ts) VALUES (?, ?)
			ON CONFLICT (id) DO UPDATE SET last_ping_ts = excluded.last_ping_ts`, workerID, ms(now)); err != nil {
			return fmt.Errorf("upsert worker %s: %w", workerID, err)
		}
		if _, err := d.exec(ctx, tx, `UPDATE workflows SET lease_expire_ts = ? WHERE worker_instance_id = ?`,
			ms(now.Add(d.opts.LeaseTTL)), workerID); err != nil {
			return fmt.Errorf("renew leases of %s: %w", workerID, err)
		}
		return nil
	})
}

// ClearExpiredLeases releases expired leases with an immediate wake.
func (d *Driver) ClearExpiredLeases(ctx context.Context, workerID uuid.UUID) (int, error) {
	cleared := 0
	err := d.tx(ctx, "clear expired leases", func(tx *sql.Tx) error {
		cleared = 0
		rows, err := d.query(ctx, tx, `SELECT id, worker_instance_id FROM workflows
			WHERE worker_instance_id IS NOT NULL AND lease_expire_ts <= ?`, ms(d.opts.Now()))
		if err != nil {
			return fmt.Errorf("select expired leases: %w", err)
		}
		type expired struct{ id, holder uuid.UUID }
		var list []expired
		for rows.Next() {
			var e expired
			if err := rows.Scan(&e.id, &e.holder); err != nil {
				rows.Close()
				return err
			}
			list = append(list, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range list {
			d.logger().Debug("clearing expired lease",
				zap.Stringer("workflow_id", e.id),
				zap.Stringer("lease_holder", e.holder),
				zap.Stringer("worker_instance_id", workerID),
			)
			if _, err := d.exec(ctx, tx, `UPDATE workflows SET worker_instance_id = NULL, lease_expire_ts = NULL
				WHERE id = ?`, e.id); err != nil {
				return fmt.Errorf("release lease of %s: %w", e.id, err)
			}
			if err := d.setWake(ctx, tx, e.id, model.ImmediateWake(), true); err != nil {
				return err
			}
			cleared++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if cleared > 0 {
		d.publishWake(ctx)
	}
	return cleared, nil
}

// PublishMetrics reports workflow gauges to rec.
func (d *Driver) PublishMetrics(ctx context.Context, workerID uuid.UUID, rec model.StatsRecorder) error {
	stats := model.WorkflowStats{DeadByCode: make(map[string]int)}
	var ping time.Time
	err := d.tx(ctx, "publish metrics", func(tx *sql.Tx) error {
		stats = model.WorkflowStats{DeadByCode: make(map[string]int)}
		now := ms(d.opts.Now())
		if err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM workflows`).Scan(&stats.Total); err != nil {
			return fmt.Errorf("count workflows: %w", err)
		}
		if err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM workflows
			WHERE complete = 0 AND worker_instance_id IS NOT NULL AND lease_expire_ts > ?`, now).Scan(&stats.Active); err != nil {
			return fmt.Errorf("count active workflows: %w", err)
		}
		if err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM workflows
			WHERE complete = 0 AND has_wake_condition = 1
			AND (worker_instance_id IS NULL OR lease_expire_ts <= ?)`, now).Scan(&stats.Sleeping); err != nil {
			return fmt.Errorf("count sleeping workflows: %w", err)
		}
		if err := d.queryRow(ctx, tx, `SELECT COUNT(*) FROM signals`).Scan(&stats.PendingSignal); err != nil {
			return fmt.Errorf("count signals: %w", err)
		}

		rows, err := d.query(ctx, tx, `SELECT error_code, COUNT(*) FROM workflows
			WHERE complete = 0 AND has_wake_condition = 0 AND error <> '' AND worker_instance_id IS NULL
			GROUP BY error_code`)
		if err != nil {
			return fmt.Errorf("count dead workflows: %w", err)
		}
		for rows.Next() {
			var (
				code string
				n    int
			)
			if err := rows.Scan(&code, &n); err != nil {
				rows.Close()
				return err
			}
			stats.DeadByCode[code] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		var last sql.NullInt64
		err = d.queryRow(ctx, tx, `SELECT last_ping_ts FROM worker_instances WHERE id = ?`, workerID).Scan(&last)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select worker %s: %w", workerID, err)
		}
		ping = time.Time{}
		if last.Valid {
			ping = fromMS(last.Int64)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.RecordWorkflowStats(stats)
	rec.RecordWorkerPing(workerID, ping)
	return nil
}

// WakeSub subscribes to wake notifications on the bus.
func (d *Driver) WakeSub(ctx context.Context) (<-chan struct{}, error) {
	return driver.WakeSub(ctx, d.opts.Bus)
}

// SilenceWorkflow excludes the workflow from pulls.
func (d *Driver) SilenceWorkflow(ctx context.Context, id uuid.UUID) error {
	return d.tx(ctx, "silence workflow", func(tx *sql.Tx) error {
		res, err := d.exec(ctx, tx, `UPDATE workflows SET silenced = 1 WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, err := rowsAffected(res); err != nil || n == 0 {
			if err != nil {
				return err
			}
			return model.NewWorkflowNotFoundError(id)
		}
		return nil
	})
}

// WakeWorkflow installs an immediate wake and clears the error.
func (d *Driver) WakeWorkflow(ctx context.Context, id uuid.UUID) error {
	woke := false
	err := d.tx(ctx, "wake workflow", func(tx *sql.Tx) error {
		rec, err := d.getWorkflowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		if rec.IsComplete() {
			woke = false
			return nil
		}
		if _, err := d.exec(ctx, tx, `UPDATE workflows SET silenced = 0, error = '', error_code = '' WHERE id = ?`, id); err != nil {
			return err
		}
		woke = true
		return d.setWake(ctx, tx, id, model.ImmediateWake(), true)
	})
	if err != nil {
		return err
	}
	if woke {
		d.publishWake(ctx)
	}
	return nil
}
