package workflow

import (
	"github.com/pitabwire/durable/model"
)

// CheckVersion pins a code version the first time it runs. Later executions,
// including under newer code, get the pinned version back. Histories written
// before the check existed report version 1.
func (c *Ctx) CheckVersion(v uint32) (uint32, error) {
	ev, err := c.cursor.CompareVersionCheck()
	if err != nil {
		return 0, err
	}
	switch {
	case ev == nil:
		ref := c.ref()
		ref.Version = v
		if err := c.run.drv.CommitVersionCheckEvent(c.ctx, c.run.id, ref); err != nil {
			return 0, storage("commit version check event", err)
		}
		c.cursor.Inc()
		return v, nil
	case ev.Type == model.EventVersionCheck:
		c.cursor.Inc()
		return ev.Version, nil
	default:
		return 1, nil
	}
}

// Removed stands in for a call that was deleted from workflow code. Old
// histories that recorded the call replay past it; new executions record a
// marker so the slot numbering stays the same.
func (c *Ctx) Removed(typ model.EventType, name string) error {
	ev, err := c.cursor.CompareRemoved(typ, name)
	if err != nil {
		return err
	}
	if ev == nil {
		if err := c.run.drv.CommitRemovedEvent(c.ctx, c.run.id, c.ref(), typ, name); err != nil {
			return storage("commit removed event", err)
		}
	}
	c.cursor.Inc()
	return nil
}

// RemovedActivity stands in for a deleted call to the activity name.
func (c *Ctx) RemovedActivity(name string) error {
	return c.Removed(model.EventActivity, name)
}
