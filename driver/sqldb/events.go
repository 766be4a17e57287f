package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pitabwire/durable/model"
)

func (d *Driver) eventsTx(ctx context.Context, tx *sql.Tx, id uuid.UUID) ([]model.Event, error) {
	rows, err := d.query(ctx, tx, `SELECT data FROM workflow_events WHERE workflow_id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("select history of %s: %w", id, err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev model.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal event of %s: %w", id, err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Location.Compare(events[j].Location) < 0
	})
	return events, nil
}

// eventAt returns the event stored at loc, or nil.
func (d *Driver) eventAt(ctx context.Context, tx *sql.Tx, id uuid.UUID, loc model.Location) (*model.Event, error) {
	var data string
	err := d.queryRow(ctx, tx, `SELECT data FROM workflow_events WHERE workflow_id = ? AND location = ?`,
		id, loc.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select event %q of %s: %w", loc.String(), id, err)
	}
	var ev model.Event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return nil, fmt.Errorf("unmarshal event %q of %s: %w", loc.String(), id, err)
	}
	return &ev, nil
}

func nullLocation(loc model.Location) sql.NullString {
	if loc == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: loc.String(), Valid: true}
}

// insertEvent stores ev unless an event already occupies its location. It
// reports whether ev was stored.
func (d *Driver) insertEvent(ctx context.Context, tx *sql.Tx, id uuid.UUID, ev *model.Event) (bool, error) {
	if err := d.workflowExists(ctx, tx, id); err != nil {
		return false, err
	}
	ev.CreateTS = d.opts.Now()
	data, err := encodeJSON(ev)
	if err != nil {
		return false, err
	}
	res, err := d.exec(ctx, tx, `INSERT INTO workflow_events
		(workflow_id, location, event_type, version, loop_location, create_ts, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, location) DO NOTHING`,
		id, ev.Location.String(), int(ev.Type), int64(ev.Version), nullLocation(ev.LoopLocation), ms(ev.CreateTS), data)
	if err != nil {
		return false, fmt.Errorf("insert %s event of %s: %w", ev.Type, id, err)
	}
	n, err := rowsAffected(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// upsertEvent overwrites the event at ev.Location.
func (d *Driver) upsertEvent(ctx context.Context, tx *sql.Tx, id uuid.UUID, ev *model.Event) error {
	data, err := encodeJSON(ev)
	if err != nil {
		return err
	}
	if _, err := d.exec(ctx, tx, `INSERT INTO workflow_events
		(workflow_id, location, event_type, version, loop_location, create_ts, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (workflow_id, location) DO UPDATE SET data = excluded.data`,
		id, ev.Location.String(), int(ev.Type), int64(ev.Version), nullLocation(ev.LoopLocation), ms(ev.CreateTS), data); err != nil {
		return fmt.Errorf("upsert %s event of %s: %w", ev.Type, id, err)
	}
	return nil
}

// CommitActivityEvent appends an attempt to the activity event.
func (d *Driver) CommitActivityEvent(ctx context.Context, id uuid.UUID, req model.ActivityEventRequest) error {
	return d.tx(ctx, "commit activity event", func(tx *sql.Tx) error {
		if err := d.workflowExists(ctx, tx, id); err != nil {
			return err
		}
		ev, err := d.eventAt(ctx, tx, id, req.Ref.Location)
		if err != nil {
			return err
		}
		now := d.opts.Now()
		if ev == nil {
			ev = &model.Event{
				Location:     req.Ref.Location,
				Version:      req.Ref.Version,
				Type:         model.EventActivity,
				Hash:         req.Hash,
				Name:         req.Name,
				Input:        req.Input,
				CreateTS:     now,
				LoopLocation: req.Ref.LoopLocation,
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
		return d.upsertEvent(ctx, tx, id, ev)
	})
}

// CommitSleepEvent records a sleep in the normal state.
func (d *Driver) CommitSleepEvent(ctx context.Context, id uuid.UUID, ref model.EventRef, deadline time.Time) error {
	return d.tx(ctx, "commit sleep event", func(tx *sql.Tx) error {
		_, err := d.insertEvent(ctx, tx, id, &model.Event{
			Location:     ref.Location,
			Version:      ref.Version,
			Type:         model.EventSleep,
			Deadline:     deadline.UTC().Truncate(time.Millisecond),
			SleepState:   model.SleepNormal,
			LoopLocation: ref.LoopLocation,
		})
		return err
	})
}

// UpdateSleepEventState moves a sleep to state.
func (d *Driver) UpdateSleepEventState(ctx context.Context, id uuid.UUID, loc model.Location, state model.SleepState) error {
	return d.tx(ctx, "update sleep event", func(tx *sql.Tx) error {
		if err := d.workflowExists(ctx, tx, id); err != nil {
			return err
		}
		ev, err := d.eventAt(ctx, tx, id, loc)
		if err != nil {
			return err
		}
		if ev == nil || ev.Type != model.EventSleep {
			return fmt.Errorf("no sleep event at %q", loc.String())
		}
		ev.SleepState = state
		return d.upsertEvent(ctx, tx, id, ev)
	})
}

// CommitBranchEvent records a branch.
func (d *Driver) CommitBranchEvent(ctx context.Context, id uuid.UUID, ref model.EventRef) error {
	return d.tx(ctx, "commit branch event", func(tx *sql.Tx) error {
		_, err := d.insertEvent(ctx, tx, id, &model.Event{
			Location:     ref.Location,
			Version:      ref.Version,
			Type:         model.EventBranch,
			LoopLocation: ref.LoopLocation,
		})
		return err
	})
}

// CommitRemovedEvent records a placeholder for a deleted call.
func (d *Driver) CommitRemovedEvent(ctx context.Context, id uuid.UUID, ref model.EventRef, typ model.EventType, name string) error {
	return d.tx(ctx, "commit removed event", func(tx *sql.Tx) error {
		_, err := d.insertEvent(ctx, tx, id, &model.Event{
			Location:     ref.Location,
			Version:      ref.Version,
			Type:         model.EventRemoved,
			RemovedType:  typ,
			RemovedName:  name,
			LoopLocation: ref.LoopLocation,
		})
		return err
	})
}

// CommitVersionCheckEvent pins ref.Version at ref.Location.
func (d *Driver) CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, ref model.EventRef) error {
	return d.tx(ctx, "commit version check event", func(tx *sql.Tx) error {
		_, err := d.insertEvent(ctx, tx, id, &model.Event{
			Location:     ref.Location,
			Version:      ref.Version,
			Type:         model.EventVersionCheck,
			LoopLocation: ref.LoopLocation,
		})
		return err
	})
}

// UpsertLoop writes the loop event and forgets every event below it.
func (d *Driver) UpsertLoop(ctx context.Context, id uuid.UUID, upd model.LoopUpdate) error {
	return d.tx(ctx, "upsert loop", func(tx *sql.Tx) error {
		if err := d.workflowExists(ctx, tx, id); err != nil {
			return err
		}
		ev, err := d.eventAt(ctx, tx, id, upd.Ref.Location)
		if err != nil {
			return err
		}
		if ev == nil {
			ev = &model.Event{
				Location:     upd.Ref.Location,
				Version:      upd.Ref.Version,
				Type:         model.EventLoop,
				CreateTS:     d.opts.Now(),
				LoopLocation: upd.Ref.LoopLocation,
			}
		}
		ev.Iteration = upd.Iteration
		ev.State = upd.State
		ev.Output = upd.Output
		if err := d.upsertEvent(ctx, tx, id, ev); err != nil {
			return err
		}
		if _, err := d.exec(ctx, tx, `DELETE FROM workflow_events WHERE workflow_id = ? AND location LIKE ?`,
			id, upd.Ref.Location.String()+".%"); err != nil {
			return fmt.Errorf("forget loop events of %s: %w", id, err)
		}
		return nil
	})
}

// GetHistory returns every event ordered by location.
func (d *Driver) GetHistory(ctx context.Context, id uuid.UUID) ([]model.Event, error) {
	var events []model.Event
	err := d.tx(ctx, "get history", func(tx *sql.Tx) error {
		if err := d.workflowExists(ctx, tx, id); err != nil {
			return err
		}
		var err error
		events, err = d.eventsTx(ctx, tx, id)
		return err
	})
	return events, err
}
