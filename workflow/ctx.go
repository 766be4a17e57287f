package workflow

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/durable/internal/history"
	"github.com/pitabwire/durable/model"
)

// run is the state shared by every Ctx of one workflow execution.
type run struct {
	drv      model.Driver
	opts     *Options
	sem      *semaphore.Weighted
	id       uuid.UUID
	name     string
	tags     map[string]string
	rayID    uuid.UUID
	workerID uuid.UUID
	stop     <-chan struct{}
	logger   *zap.Logger
}

// Ctx is handed to workflow code. Each branch and loop iteration gets its
// own Ctx walking its own part of the history; a Ctx must not be shared
// between goroutines.
type Ctx struct {
	run          *run
	ctx          context.Context
	cursor       *history.Cursor
	version      uint32
	loopLocation model.Location
}

func newRootCtx(ctx context.Context, r *run, events model.History) *Ctx {
	return &Ctx{
		run:    r,
		ctx:    ctx,
		cursor: history.New(events, model.Root),
	}
}

// ID returns the workflow id.
func (c *Ctx) ID() uuid.UUID { return c.run.id }

// Name returns the workflow name.
func (c *Ctx) Name() string { return c.run.name }

// Tags returns a copy of the workflow tags.
func (c *Ctx) Tags() map[string]string {
	out := make(map[string]string, len(c.run.tags))
	for k, v := range c.run.tags {
		out[k] = v
	}
	return out
}

// RayID returns the correlation id of the run.
func (c *Ctx) RayID() uuid.UUID { return c.run.rayID }

// Context returns the context of the run. It carries the RayContext and the
// active trace span.
func (c *Ctx) Context() context.Context { return c.ctx }

// Logger returns a logger tagged with the workflow.
func (c *Ctx) Logger() *zap.Logger { return c.run.logger }

// Location returns where the next recorded call will be placed.
func (c *Ctx) Location() model.Location { return c.cursor.CurrentLocation() }

// V returns a Ctx that records and matches calls with history version n.
// Calls made through it are placed in the same sequence as calls on c.
func (c *Ctx) V(n uint32) *Ctx {
	out := *c
	out.version = n
	return &out
}

// CheckStop returns WORKFLOW_STOPPED once the worker is shutting down.
func (c *Ctx) CheckStop() error {
	select {
	case <-c.run.stop:
		return model.NewWorkflowStoppedError()
	default:
		return nil
	}
}

func (c *Ctx) now() time.Time {
	return c.run.opts.now()
}

func (c *Ctx) ref() model.EventRef {
	return model.EventRef{
		Location:     c.cursor.CurrentLocation(),
		Version:      c.version,
		LoopLocation: c.loopLocation,
	}
}

// sub returns a Ctx walking the events under loc.
func (c *Ctx) sub(loc, loopLocation model.Location) *Ctx {
	return &Ctx{
		run:          c.run,
		ctx:          c.ctx,
		cursor:       c.cursor.Sub(loc),
		version:      c.version,
		loopLocation: loopLocation,
	}
}

func (c *Ctx) withContext(ctx context.Context) *Ctx {
	out := *c
	out.ctx = ctx
	return &out
}

// storage passes engine errors through and classifies anything else a
// driver returns as a recoverable storage failure.
func storage(op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := model.AsWorkflowError(err); ok {
		return err
	}
	return model.NewStorageError(op, err)
}
