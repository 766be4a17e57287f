package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/pitabwire/durable/driver"
	"github.com/pitabwire/durable/model"
)

type queuedSignal struct {
	model.Signal
	seq int64
}

// nextSignalTx returns the oldest queued signal named in names that wf may
// receive, or nil.
func (d *Driver) nextSignalTx(ctx context.Context, tx *sql.Tx, wf *model.WorkflowRecord, names []string) (*queuedSignal, error) {
	if len(names) == 0 {
		return nil, nil
	}
	args := []any{wf.ID}
	for _, n := range names {
		args = append(args, n)
	}
	rows, err := d.query(ctx, tx, `SELECT seq, id, name, body, ray_id, workflow_id, tags, create_ts FROM signals
		WHERE (workflow_id = ? OR workflow_id IS NULL) AND name IN (`+placeholders(len(names))+`)
		ORDER BY seq`, args...)
	if err != nil {
		return nil, fmt.Errorf("select signals for %s: %w", wf.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			sig      queuedSignal
			target   uuid.NullUUID
			tags     sql.NullString
			createTS int64
		)
		if err := rows.Scan(&sig.seq, &sig.ID, &sig.Name, &sig.Body, &sig.RayID, &target, &tags, &createTS); err != nil {
			return nil, err
		}
		sig.WorkflowID = target.UUID
		sig.CreateTS = fromMS(createTS)
		if tags.Valid {
			if err := json.Unmarshal([]byte(tags.String), &sig.Tags); err != nil {
				return nil, fmt.Errorf("unmarshal tags of signal %s: %w", sig.ID, err)
			}
		}
		if sig.WorkflowID == wf.ID || (sig.Tagged() && model.TagsMatch(wf.Tags, sig.Tags)) {
			return &sig, nil
		}
	}
	return nil, rows.Err()
}

// PullNextSignal dequeues a signal and records it in one step.
func (d *Driver) PullNextSignal(ctx context.Context, id uuid.UUID, req model.SignalPullRequest) (*model.SignalData, error) {
	var out *model.SignalData
	err := d.tx(ctx, "pull signal", func(tx *sql.Tx) error {
		out = nil
		wf, err := d.getWorkflowTx(ctx, tx, id)
		if err != nil {
			return err
		}
		sig, err := d.nextSignalTx(ctx, tx, wf, req.Names)
		if err != nil || sig == nil {
			return err
		}
		res, err := d.exec(ctx, tx, `DELETE FROM signals WHERE seq = ?`, sig.seq)
		if err != nil {
			return fmt.Errorf("dequeue signal %s: %w", sig.ID, err)
		}
		if n, err := rowsAffected(res); err != nil || n != 1 {
			if err != nil {
				return err
			}
			return nil
		}
		if _, err := d.insertEvent(ctx, tx, id, &model.Event{
			Location:     req.Ref.Location,
			Version:      req.Ref.Version,
			Type:         model.EventSignalRecv,
			Hash:         sig.Name,
			Name:         sig.Name,
			SignalID:     sig.ID,
			Body:         sig.Body,
			LoopLocation: req.Ref.LoopLocation,
		}); err != nil {
			return err
		}
		out = &model.SignalData{ID: sig.ID, Name: sig.Name, Body: sig.Body, CreateTS: sig.CreateTS}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// enqueue stores sig and makes every receiver waiting on it immediate.
func (d *Driver) enqueue(ctx context.Context, tx *sql.Tx, sig *model.Signal) error {
	sig.CreateTS = d.opts.Now()
	var tags sql.NullString
	if sig.Tagged() {
		t := sig.Tags
		if t == nil {
			t = map[string]string{}
		}
		s, err := encodeJSON(t)
		if err != nil {
			return err
		}
		tags = sql.NullString{String: s, Valid: true}
	}
	body := sig.Body
	if body == nil {
		body = []byte{}
	}
	if _, err := d.exec(ctx, tx, `INSERT INTO signals (id, name, body, ray_id, workflow_id, tags, create_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.Name, body, sig.RayID, nullUUID(sig.WorkflowID), tags, ms(sig.CreateTS)); err != nil {
		return fmt.Errorf("insert signal %s: %w", sig.Name, err)
	}

	if !sig.Tagged() {
		_, err := d.exec(ctx, tx, `UPDATE workflows SET wake_immediate = 1
			WHERE id = ? AND has_wake_condition = 1
			AND EXISTS (SELECT 1 FROM workflow_wake_signals s WHERE s.workflow_id = workflows.id AND s.signal_name = ?)`,
			sig.WorkflowID, sig.Name)
		if err != nil {
			return fmt.Errorf("wake receiver of %s: %w", sig.Name, err)
		}
		return nil
	}

	rows, err := d.query(ctx, tx, `SELECT w.id, w.tags FROM workflows w
		JOIN workflow_wake_signals s ON s.workflow_id = w.id
		WHERE s.signal_name = ? AND w.has_wake_condition = 1`, sig.Name)
	if err != nil {
		return fmt.Errorf("select receivers of %s: %w", sig.Name, err)
	}
	var receivers []uuid.UUID
	for rows.Next() {
		var (
			id      uuid.UUID
			rawTags string
			wfTags  map[string]string
		)
		if err := rows.Scan(&id, &rawTags); err != nil {
			rows.Close()
			return err
		}
		if err := json.Unmarshal([]byte(rawTags), &wfTags); err != nil {
			rows.Close()
			return fmt.Errorf("unmarshal tags of %s: %w", id, err)
		}
		if model.TagsMatch(wfTags, sig.Tags) {
			receivers = append(receivers, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}
	for _, id := range receivers {
		if err := d.makeImmediate(ctx, tx, id); err != nil {
			return fmt.Errorf("wake receiver %s: %w", id, err)
		}
	}
	return nil
}

// PublishSignal queues a signal addressed to one workflow.
func (d *Driver) PublishSignal(ctx context.Context, workflowID uuid.UUID, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	sig := &model.Signal{ID: uuid.New(), Name: name, Body: body, RayID: rayID, WorkflowID: workflowID}
	if err := d.tx(ctx, "publish signal", func(tx *sql.Tx) error {
		return d.enqueue(ctx, tx, sig)
	}); err != nil {
		return uuid.Nil, err
	}
	d.publishWake(ctx)
	return sig.ID, nil
}

// PublishTaggedSignal queues a signal for the first workflow whose tags
// include tags.
func (d *Driver) PublishTaggedSignal(ctx context.Context, tags map[string]string, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error) {
	sig := &model.Signal{ID: uuid.New(), Name: name, Body: body, RayID: rayID, Tags: tags}
	if err := d.tx(ctx, "publish tagged signal", func(tx *sql.Tx) error {
		return d.enqueue(ctx, tx, sig)
	}); err != nil {
		return uuid.Nil, err
	}
	d.publishWake(ctx)
	return sig.ID, nil
}

// PublishSignalFromWorkflow records a signal_send event and queues the
// signal. Replaying an already recorded send is a no-op.
func (d *Driver) PublishSignalFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.SignalSendRequest) error {
	stored := false
	err := d.tx(ctx, "publish signal from workflow", func(tx *sql.Tx) error {
		var err error
		stored, err = d.insertEvent(ctx, tx, fromID, &model.Event{
			Location:     req.Ref.Location,
			Version:      req.Ref.Version,
			Type:         model.EventSignalSend,
			Hash:         req.Name,
			Name:         req.Name,
			SignalID:     req.SignalID,
			TargetID:     req.ToWorkflow,
			Tags:         req.ToTags,
			Body:         req.Body,
			LoopLocation: req.Ref.LoopLocation,
		})
		if err != nil || !stored {
			return err
		}
		return d.enqueue(ctx, tx, &model.Signal{
			ID:         req.SignalID,
			Name:       req.Name,
			Body:       req.Body,
			RayID:      req.RayID,
			WorkflowID: req.ToWorkflow,
			Tags:       req.ToTags,
		})
	})
	if err != nil {
		return err
	}
	if stored {
		d.publishWake(ctx)
	}
	return nil
}

// PublishMessageFromWorkflow records a message_send event and publishes the
// message on the bus after the event commits.
func (d *Driver) PublishMessageFromWorkflow(ctx context.Context, fromID uuid.UUID, req model.MessageSendRequest) error {
	stored := false
	err := d.tx(ctx, "publish message from workflow", func(tx *sql.Tx) error {
		var err error
		stored, err = d.insertEvent(ctx, tx, fromID, &model.Event{
			Location:     req.Ref.Location,
			Version:      req.Ref.Version,
			Type:         model.EventMessageSend,
			Hash:         req.Name,
			Name:         req.Name,
			Tags:         req.Tags,
			Body:         req.Body,
			LoopLocation: req.Ref.LoopLocation,
		})
		return err
	})
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
	var (
		subID   uuid.UUID
		created bool
	)
	err := d.tx(ctx, "dispatch sub-workflow", func(tx *sql.Tx) error {
		created = false
		if err := d.workflowExists(ctx, tx, req.ParentID); err != nil {
			return err
		}
		ev, err := d.eventAt(ctx, tx, req.ParentID, req.Ref.Location)
		if err != nil {
			return err
		}
		if ev != nil {
			subID = ev.SubWorkflowID
			return nil
		}

		subID = req.SubWorkflowID
		found := false
		if req.Unique {
			var existing uuid.UUID
			existing, found, err = d.findTx(ctx, tx, req.Name, req.Tags)
			if err != nil {
				return err
			}
			if found {
				subID = existing
			}
		}
		if !found {
			if err := d.insertWorkflowTx(ctx, tx, model.DispatchRequest{
				ID: subID, Name: req.Name, Tags: req.Tags, Input: req.Input, RayID: req.RayID,
			}); err != nil {
				return err
			}
		}
		created = true
		_, err = d.insertEvent(ctx, tx, req.ParentID, &model.Event{
			Location:      req.Ref.Location,
			Version:       req.Ref.Version,
			Type:          model.EventSubWorkflowDispatch,
			Hash:          req.Name,
			Name:          req.Name,
			SubWorkflowID: subID,
			Tags:          req.Tags,
			Input:         req.Input,
			LoopLocation:  req.Ref.LoopLocation,
		})
		return err
	})
	if err != nil {
		return uuid.Nil, err
	}
	if created {
		d.publishWake(ctx)
	}
	return subID, nil
}
