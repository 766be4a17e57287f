package workflow

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/pitabwire/durable/internal/observability"
	"github.com/pitabwire/durable/model"
)

const (
	commitRetryInitial = 50 * time.Millisecond
	commitRetryMax     = 2 * time.Second
	commitRetries      = 5
)

// task is a workflow the worker is currently running.
type task struct {
	stop     chan struct{}
	stopOnce sync.Once
}

func (t *task) signalStop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Worker pulls workflows whose wake condition is satisfied and runs them.
type Worker struct {
	reg  *Registry
	drv  model.Driver
	opts Options
	sem  *semaphore.Weighted

	mu       sync.Mutex
	running  map[uuid.UUID]*task
	wg       sync.WaitGroup
	stopping atomic.Bool
	lastTick atomic.Int64
}

// NewWorker builds a worker for the workflows in reg. The registry is frozen.
func NewWorker(reg *Registry, drv model.Driver, opts ...Option) *Worker {
	o := applyOptions(opts)
	reg.freeze()
	return &Worker{
		reg:     reg,
		drv:     drv,
		opts:    o,
		sem:     semaphore.NewWeighted(int64(o.ActivityConcurrency)),
		running: make(map[uuid.UUID]*task),
	}
}

// ID returns the worker instance id.
func (w *Worker) ID() uuid.UUID { return w.opts.WorkerID }

// Running returns how many workflows are executing.
func (w *Worker) Running() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.running)
}

// Run ticks on the interval and on every wake notification, and collects
// garbage on the GC interval, until ctx is done. It does not stop running
// workflows; call Shutdown for that.
func (w *Worker) Run(ctx context.Context) error {
	logger := w.opts.Logger.With(zap.String("worker_instance_id", w.opts.WorkerID.String()))

	wake, err := w.drv.WakeSub(ctx)
	if err != nil {
		return fmt.Errorf("worker: subscribe wake: %w", err)
	}

	tick := time.NewTicker(w.opts.TickInterval)
	defer tick.Stop()
	gc := time.NewTicker(w.opts.GCInterval)
	defer gc.Stop()

	logger.Info("worker started",
		zap.Strings("workflows", w.reg.WorkflowNames()),
		zap.Duration("tick_interval", w.opts.TickInterval),
	)
	w.runGC(ctx, logger)
	w.runTick(ctx, logger)

	for {
		select {
		case <-ctx.Done():
			logger.Info("worker loop stopped")
			return nil
		case _, ok := <-wake:
			if !ok {
				wake = nil
				continue
			}
			logger.Debug("wake notification")
			w.runTick(ctx, logger)
		case <-tick.C:
			w.runTick(ctx, logger)
		case <-gc.C:
			w.runGC(ctx, logger)
		}
	}
}

func (w *Worker) runTick(ctx context.Context, logger *zap.Logger) {
	if _, err := w.Tick(ctx); err != nil && ctx.Err() == nil {
		logger.Error("pull workflows failed", zap.Error(err))
	}
}

func (w *Worker) runGC(ctx context.Context, logger *zap.Logger) {
	if err := w.GC(ctx); err != nil && ctx.Err() == nil {
		logger.Error("garbage collection failed", zap.Error(err))
	}
}

// Tick pulls once and starts every pulled workflow that is not already
// running. It returns how many were started.
func (w *Worker) Tick(ctx context.Context) (int, error) {
	w.lastTick.Store(time.Now().UnixNano())
	if w.stopping.Load() {
		return 0, nil
	}
	names := w.reg.WorkflowNames()
	if len(names) == 0 {
		return 0, nil
	}

	ctx, span := observability.StartSpan(ctx, "worker.pull",
		observability.AttrWorkerID.String(w.opts.WorkerID.String()))
	start := time.Now()
	res, err := w.drv.PullWorkflows(ctx, w.opts.WorkerID, names)
	if err != nil {
		observability.EndSpanWithError(span, err)
		return 0, err
	}
	w.opts.Metrics.RecordPull(res.LeaseDuration, res.HistoryDuration, time.Since(start))
	span.SetAttributes(observability.AttrPulled.Int(len(res.Workflows)))
	span.End()

	started := 0
	base := context.WithoutCancel(ctx)
	for _, pw := range res.Workflows {
		t, stopping := w.track(pw.ID)
		if stopping {
			w.release(base, pw)
			continue
		}
		if t == nil {
			continue
		}
		started++
		w.wg.Add(1)
		go w.execute(base, t, pw)
	}
	return started, nil
}

// track registers a task for id. It returns nil when id is already running,
// and reports stopping when Shutdown began after the pull.
func (w *Worker) track(id uuid.UUID) (t *task, stopping bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping.Load() {
		return nil, true
	}
	if _, busy := w.running[id]; busy {
		return nil, false
	}
	t = &task{stop: make(chan struct{})}
	w.running[id] = t
	return t, false
}

// release hands back the lease of a workflow pulled by a worker that began
// stopping before it could run. The workflow keeps its history and is due
// again at once.
func (w *Worker) release(ctx context.Context, pw model.PulledWorkflow) {
	logger := w.opts.Logger.With(
		zap.String("workflow_id", pw.ID.String()),
		zap.String("workflow_name", pw.Name),
	)
	logger.Debug("releasing pulled workflow")
	w.finish(ctx, pw, nil, model.NewWorkflowStoppedError(), logger)
}

func (w *Worker) untrack(id uuid.UUID) {
	w.mu.Lock()
	delete(w.running, id)
	w.mu.Unlock()
}

// execute runs one pulled workflow to its next yield point and records the
// outcome.
func (w *Worker) execute(ctx context.Context, t *task, pw model.PulledWorkflow) {
	defer w.wg.Done()
	defer w.untrack(pw.ID)

	ctx = model.WithRayContext(ctx, &model.RayContext{
		RayID:            pw.RayID,
		WorkflowID:       pw.ID,
		WorkflowName:     pw.Name,
		WorkerInstanceID: w.opts.WorkerID,
	})
	ctx, span := observability.StartSpan(ctx, "workflow.run",
		append(observability.WorkflowAttributes(pw.ID, pw.Name, pw.RayID),
			observability.AttrWorkerID.String(w.opts.WorkerID.String()))...)
	logger := observability.WorkflowLogger(ctx, w.opts.Logger)

	output, err := w.runWorkflow(ctx, t, pw, logger)
	w.finish(ctx, pw, output, err, logger)
	observability.EndSpanWithError(span, err)
}

func (w *Worker) runWorkflow(ctx context.Context, t *task, pw model.PulledWorkflow, logger *zap.Logger) (output []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("workflow panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			output, err = nil, model.NewWorkflowPanicError(r)
		}
	}()

	wf, ok := w.reg.workflow(pw.Name)
	if !ok {
		return nil, model.NewWorkflowMissingFromRegistryError(pw.Name)
	}
	c := newRootCtx(ctx, &run{
		drv:      w.drv,
		opts:     &w.opts,
		sem:      w.sem,
		id:       pw.ID,
		name:     pw.Name,
		tags:     pw.Tags,
		rayID:    pw.RayID,
		workerID: w.opts.WorkerID,
		stop:     t.stop,
		logger:   logger,
	}, pw.History)

	logger.Debug("running workflow", zap.Int("history_events", pw.History.Len()))
	output, err = wf.run(c, pw.Input)
	if err != nil {
		return nil, err
	}
	if err := c.cursor.CheckClear(); err != nil {
		return nil, err
	}
	return output, nil
}

// finish commits the output or records the error with the wake condition it
// carries.
func (w *Worker) finish(ctx context.Context, pw model.PulledWorkflow, output []byte, runErr error, logger *zap.Logger) {
	start := time.Now()
	if runErr == nil {
		err := w.retry(ctx, func() error {
			return w.drv.CommitWorkflow(ctx, pw.ID, w.opts.WorkerID, output)
		})
		w.opts.Metrics.RecordCommit(time.Since(start))
		if err != nil {
			w.logFinishError(logger, "commit workflow failed", err)
			return
		}
		w.opts.Metrics.RecordWorkflowComplete(pw.Name, w.opts.now().Sub(pw.CreateTS))
		logger.Info("workflow complete")
		return
	}

	code := model.ErrorCode(runErr)
	w.opts.Metrics.RecordWorkflowError(code)
	req := model.FailRequest{Error: runErr.Error(), ErrorCode: code}
	if we, ok := model.AsWorkflowError(runErr); ok && we.IsRecoverable() {
		req.Wake = we.WakeCondition()
		if req.Wake.IsZero() {
			req.Wake = model.ImmediateWake()
		}
		logger.Debug("workflow yielded",
			zap.String("error_code", code),
			zap.Stringers("wake", req.Wake.Kinds()),
		)
	} else {
		logger.Error("workflow failed", zap.String("error_code", code), zap.Error(runErr))
	}

	err := w.retry(ctx, func() error {
		return w.drv.FailWorkflow(ctx, pw.ID, w.opts.WorkerID, req)
	})
	w.opts.Metrics.RecordCommit(time.Since(start))
	if err != nil {
		w.logFinishError(logger, "fail workflow failed", err)
	}
}

func (w *Worker) logFinishError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, model.ErrLeaseLost) {
		logger.Warn(msg, zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

// retry retries driver writes with bounded backoff. A lost lease is final:
// another worker owns the workflow now.
func (w *Worker) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = commitRetryInitial
	b.MaxInterval = commitRetryMax
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if errors.Is(err, model.ErrLeaseLost) {
			return backoff.Permanent(err)
		}
		if we, ok := model.AsWorkflowError(err); ok && we.Code != model.ErrStorage {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, commitRetries), ctx))
}

// GC renews the worker's leases, requeues workflows whose lease expired and
// refreshes the gauges.
func (w *Worker) GC(ctx context.Context) error {
	var errs []error
	if err := w.drv.UpdateWorkerPing(ctx, w.opts.WorkerID); err != nil {
		errs = append(errs, fmt.Errorf("ping: %w", err))
	}
	n, err := w.drv.ClearExpiredLeases(ctx, w.opts.WorkerID)
	if err != nil {
		errs = append(errs, fmt.Errorf("clear expired leases: %w", err))
	} else if n > 0 {
		w.opts.Logger.Debug("cleared expired leases", zap.Int("count", n))
	}
	if err := w.drv.PublishMetrics(ctx, w.opts.WorkerID, w.opts.Metrics); err != nil {
		errs = append(errs, fmt.Errorf("publish metrics: %w", err))
	}
	return errors.Join(errs...)
}

// Wait blocks until every running workflow has finished.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Shutdown stops pulling, asks every running workflow to stop and waits for
// them to record their outcome. A workflow that observes the stop yields
// with an immediate wake so another worker resumes it. If ctx ends first,
// Shutdown returns ctx's error and the remaining leases expire on their own.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	w.stopping.Store(true)
	n := len(w.running)
	for _, t := range w.running {
		t.signalStop()
	}
	w.mu.Unlock()
	w.opts.Logger.Info("worker draining", zap.Int("running", n))

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.opts.Logger.Info("worker drained")
		return nil
	case <-ctx.Done():
		w.opts.Logger.Warn("worker drain timed out", zap.Int("running", w.Running()))
		return ctx.Err()
	}
}

// HealthCheck reports an error when the worker loop has not ticked for
// three intervals.
func (w *Worker) HealthCheck(context.Context) error {
	last := w.lastTick.Load()
	if last == 0 {
		return errors.New("worker not started")
	}
	if since := time.Since(time.Unix(0, last)); since > 3*w.opts.TickInterval {
		return fmt.Errorf("worker last ticked %s ago", since.Truncate(time.Millisecond))
	}
	return nil
}
