package workflow

import (
	"time"

	"github.com/pitabwire/durable/model"
)

// Sleep pauses the workflow for d measured from the first execution.
func (c *Ctx) Sleep(d time.Duration) error {
	return c.SleepUntil(c.now().Add(d))
}

// SleepUntil pauses the workflow until deadline. Short sleeps are waited
// in-process; longer ones yield with SLEEP and a deadline wake.
func (c *Ctx) SleepUntil(deadline time.Time) error {
	ev, err := c.cursor.Compare(model.EventSleep, c.version, "")
	if err != nil {
		return err
	}
	loc := c.cursor.CurrentLocation()
	if ev == nil {
		deadline = deadline.UTC().Truncate(time.Millisecond)
		if err := c.run.drv.CommitSleepEvent(c.ctx, c.run.id, c.ref(), deadline); err != nil {
			return storage("commit sleep event", err)
		}
	} else {
		if ev.SleepState != model.SleepNormal {
			c.cursor.Inc()
			return nil
		}
		deadline = ev.Deadline
	}

	if remaining := deadline.Sub(c.now()); remaining > 0 {
		if remaining > c.run.opts.InProcessSleepThreshold {
			return model.NewSleepError(deadline)
		}
		timer := time.NewTimer(remaining)
		select {
		case <-timer.C:
		case <-c.run.stop:
			timer.Stop()
			return model.NewWorkflowStoppedError()
		case <-c.ctx.Done():
			timer.Stop()
			return model.NewWorkflowStoppedError()
		}
	}

	if err := c.run.drv.UpdateSleepEventState(c.ctx, c.run.id, loc, model.SleepCompleted); err != nil {
		return storage("update sleep event", err)
	}
	c.cursor.Inc()
	return nil
}
