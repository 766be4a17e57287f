package model

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Driver is the only component that performs persistent I/O. All mutations a
// single method makes commit atomically.
type Driver interface {
	// DispatchWorkflow creates a workflow with an immediate wake. It fails
	// with DUPLICATE_WORKFLOW if the id exists.
	DispatchWorkflow(ctx context.Context, req DispatchRequest) error
	// GetWorkflow fails with WORKFLOW_NOT_FOUND for unknown ids.
	GetWorkflow(ctx context.Context, id uuid.UUID) (*WorkflowRecord, error)
	// FindWorkflow returns a workflow named name whose tags include tags.
	FindWorkflow(ctx context.Context, name string, tags map[string]string) (uuid.UUID, bool, error)

	// PullWorkflows leases up to the configured limit of workflows whose wake
	// condition is satisfied, whose name is in names and whose lease is
	// absent or expired. Each pulled workflow has its wake cleared and its
	// full history loaded.
	PullWorkflows(ctx context.Context, workerID uuid.UUID, names []string) (*PullResult, error)
	// CommitWorkflow stores the final output and releases the lease.
	CommitWorkflow(ctx context.Context, id, workerID uuid.UUID, output []byte) error
	// FailWorkflow records the error, installs req.Wake and releases the
	// lease. A signal wake whose signal is already queued, or a sub-workflow
	// wake whose child already finished, is installed as immediate. An
	// immediate wake or a dead workflow publishes a wake notification.
	FailWorkflow(ctx context.Context, id, workerID uuid.UUID, req FailRequest) error

	// CommitActivityEvent appends an attempt to the activity event at
	// req.Ref. Writing an output that is already recorded is a no-op.
	CommitActivityEvent(ctx context.Context, id uuid.UUID, req ActivityEventRequest) error
	// PullNextSignal dequeues the oldest matching signal and records it as a
	// signal_recv event in one step. It returns nil when nothing matches.
	PullNextSignal(ctx context.Context, id uuid.UUID, req SignalPullRequest) (*SignalData, error)
	PublishSignal(ctx context.Context, workflowID uuid.UUID, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error)
	PublishTaggedSignal(ctx context.Context, tags map[string]string, name string, body []byte, rayID uuid.UUID) (uuid.UUID, error)
	PublishSignalFromWorkflow(ctx context.Context, fromID uuid.UUID, req SignalSendRequest) error
	PublishMessageFromWorkflow(ctx context.Context, fromID uuid.UUID, req MessageSendRequest) error
	DispatchSubWorkflow(ctx context.Context, req SubWorkflowRequest) (uuid.UUID, error)

	CommitSleepEvent(ctx context.Context, id uuid.UUID, ref EventRef, deadline time.Time) error
	UpdateSleepEventState(ctx context.Context, id uuid.UUID, loc Location, state SleepState) error
	CommitBranchEvent(ctx context.Context, id uuid.UUID, ref EventRef) error
	CommitRemovedEvent(ctx context.Context, id uuid.UUID, ref EventRef, typ EventType, name string) error
	CommitVersionCheckEvent(ctx context.Context, id uuid.UUID, ref EventRef) error
	UpsertLoop(ctx context.Context, id uuid.UUID, upd LoopUpdate) error

	// UpdateWorkerPing records liveness and renews every lease the worker
	// holds.
	UpdateWorkerPing(ctx context.Context, workerID uuid.UUID) error
	// ClearExpiredLeases releases expired leases and installs an immediate
	// wake on each released workflow. It returns how many were released.
	ClearExpiredLeases(ctx context.Context, workerID uuid.UUID) (int, error)
	PublishMetrics(ctx context.Context, workerID uuid.UUID, rec StatsRecorder) error
	// WakeSub delivers a value whenever a wake condition may have become
	// satisfied. Spurious wakes are allowed. The channel closes with ctx.
	WakeSub(ctx context.Context) (<-chan struct{}, error)

	SilenceWorkflow(ctx context.Context, id uuid.UUID) error
	// WakeWorkflow installs an immediate wake and clears the recorded error.
	WakeWorkflow(ctx context.Context, id uuid.UUID) error
	GetHistory(ctx context.Context, id uuid.UUID) ([]Event, error)

	// Bus returns the message plane the driver publishes on.
	Bus() Bus
	HealthCheck(ctx context.Context) error
	Close() error
}

// StatsRecorder receives the gauges a driver computes in PublishMetrics.
type StatsRecorder interface {
	RecordWorkflowStats(stats WorkflowStats)
	RecordWorkerPing(workerID uuid.UUID, ts time.Time)
}

// Clock returns the current time. Drivers accept one so tests can control
// leases and deadlines.
type Clock func() time.Time
