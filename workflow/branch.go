package workflow

import (
	"runtime/debug"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/durable/model"
)

// Branch opens a new location and returns a Ctx recording under it. The
// branch event occupies one slot in c.
func (c *Ctx) Branch() (*Ctx, error) {
	ev, err := c.cursor.Compare(model.EventBranch, c.version, "")
	if err != nil {
		return nil, err
	}
	if ev == nil {
		if err := c.run.drv.CommitBranchEvent(c.ctx, c.run.id, c.ref()); err != nil {
			return nil, storage("commit branch event", err)
		}
	}
	loc := c.cursor.CurrentLocation()
	c.cursor.Inc()
	return c.sub(loc, c.loopLocation), nil
}

// Join runs fns concurrently, each in its own branch. Branches are opened in
// argument order, so their locations do not depend on scheduling.
//
// An unrecoverable error in any branch cancels the others and the first one
// in argument order is returned. Otherwise, if some branches yielded, the
// first recoverable error is returned carrying the merged wake condition of
// every yielded branch.
func Join(c *Ctx, fns ...func(*Ctx) error) error {
	branches := make([]*Ctx, len(fns))
	for i := range fns {
		b, err := c.Branch()
		if err != nil {
			return err
		}
		branches[i] = b
	}

	errs := make([]error, len(fns))
	g, gctx := errgroup.WithContext(c.ctx)
	for i, fn := range fns {
		b := branches[i].withContext(gctx)
		g.Go(func() error {
			err := runBranch(b, fn)
			errs[i] = err
			if err != nil && !model.IsRecoverable(err) {
				return err
			}
			return nil
		})
	}
	_ = g.Wait()
	return joinErrors(errs)
}

func runBranch(b *Ctx, fn func(*Ctx) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.run.logger.Error("branch panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = model.NewWorkflowPanicError(r)
		}
	}()
	if err := fn(b); err != nil {
		return err
	}
	return b.cursor.CheckClear()
}

func joinErrors(errs []error) error {
	var first *model.WorkflowError
	var wake model.WakeCondition
	for _, err := range errs {
		if err == nil {
			continue
		}
		if !model.IsRecoverable(err) {
			// A sibling cancelled by this failure reports WORKFLOW_STOPPED;
			// the failure itself is what the caller needs.
			return err
		}
		we, _ := model.AsWorkflowError(err)
		if first == nil {
			first = we
			wake = we.WakeCondition()
			continue
		}
		wake = wake.Merge(we.WakeCondition())
	}
	if first == nil {
		return nil
	}
	out := *first
	out.Wake = wake
	return &out
}

// Join2 runs two typed branches concurrently.
func Join2[A, B any](c *Ctx, fa func(*Ctx) (A, error), fb func(*Ctx) (B, error)) (A, B, error) {
	var a A
	var b B
	err := Join(c,
		func(c *Ctx) (err error) { a, err = fa(c); return err },
		func(c *Ctx) (err error) { b, err = fb(c); return err },
	)
	return a, b, err
}

// Join3 runs three typed branches concurrently.
func Join3[A, B, C any](c *Ctx, fa func(*Ctx) (A, error), fb func(*Ctx) (B, error), fc func(*Ctx) (C, error)) (A, B, C, error) {
	var a A
	var b B
	var cc C
	err := Join(c,
		func(c *Ctx) (err error) { a, err = fa(c); return err },
		func(c *Ctx) (err error) { b, err = fb(c); return err },
		func(c *Ctx) (err error) { cc, err = fc(c); return err },
	)
	return a, b, cc, err
}
