package model

import (
	"time"

	"github.com/google/uuid"
)

// Workflow states derived from a record.
const (
	WorkflowStateComplete = "complete"
	WorkflowStateDead     = "dead"
	WorkflowStateSleeping = "sleeping"
	WorkflowStateRunning  = "running"
	WorkflowStateSilenced = "silenced"
)

// WorkflowRecord is the persisted state of a workflow.
type WorkflowRecord struct {
	ID        uuid.UUID         `json:"id"`
	Name      string            `json:"workflow_name"`
	Tags      map[string]string `json:"tags,omitempty"`
	Input     []byte            `json:"input"`
	Output    []byte            `json:"output"`
	Error     string            `json:"error,omitempty"`
	ErrorCode string            `json:"error_code,omitempty"`
	CreateTS  time.Time         `json:"create_ts"`
	RayID     uuid.UUID         `json:"ray_id"`

	Wake             WakeCondition `json:"wake"`
	HasWakeCondition bool          `json:"has_wake_condition"`

	WorkerInstanceID uuid.UUID `json:"worker_instance_id"`
	LeaseExpireTS    time.Time `json:"lease_expire_ts"`
	Silenced         bool      `json:"silenced"`
}

// IsComplete reports whether the workflow produced an output.
func (r *WorkflowRecord) IsComplete() bool {
	return r.Output != nil
}

// IsDead reports whether the workflow failed without a wake to resume it.
func (r *WorkflowRecord) IsDead() bool {
	return !r.IsComplete() && !r.HasWakeCondition && r.Error != "" && r.WorkerInstanceID == uuid.Nil
}

// IsLeased reports whether a worker holds a valid lease at now.
func (r *WorkflowRecord) IsLeased(now time.Time) bool {
	return r.WorkerInstanceID != uuid.Nil && r.LeaseExpireTS.After(now)
}

// State summarizes the record for operators.
func (r *WorkflowRecord) State() string {
	switch {
	case r.IsComplete():
		return WorkflowStateComplete
	case r.Silenced:
		return WorkflowStateSilenced
	case r.IsDead():
		return WorkflowStateDead
	case r.WorkerInstanceID != uuid.Nil:
		return WorkflowStateRunning
	default:
		return WorkflowStateSleeping
	}
}

// Clone returns a deep copy of r.
func (r *WorkflowRecord) Clone() *WorkflowRecord {
	out := *r
	out.Tags = cloneTags(r.Tags)
	out.Input = cloneBytes(r.Input)
	out.Output = cloneBytes(r.Output)
	out.Wake.Signals = append([]string(nil), r.Wake.Signals...)
	return &out
}

// DispatchRequest creates a workflow.
type DispatchRequest struct {
	ID    uuid.UUID
	Name  string
	Tags  map[string]string
	Input []byte
	RayID uuid.UUID
}

// PulledWorkflow is a leased workflow with its full history.
type PulledWorkflow struct {
	ID           uuid.UUID
	Name         string
	Tags         map[string]string
	Input        []byte
	CreateTS     time.Time
	RayID        uuid.UUID
	WakeDeadline time.Time
	History      History
}

// PullResult is the outcome of one pull along with the time spent.
type PullResult struct {
	Workflows       []PulledWorkflow
	LeaseDuration   time.Duration
	HistoryDuration time.Duration
}

// FailRequest records a non-final outcome. A zero Wake leaves the workflow
// dead.
type FailRequest struct {
	Wake      WakeCondition
	Error     string
	ErrorCode string
}

// WorkflowStats is a snapshot of engine gauges.
type WorkflowStats struct {
	Total         int
	Active        int
	Sleeping      int
	DeadByCode    map[string]int
	PendingSignal int
}

func cloneTags(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte{}, b...)
}
