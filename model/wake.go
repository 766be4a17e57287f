package model

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// WakeKind is the persisted encoding of a wake condition variant.
type WakeKind int8

// Wake condition variants. The numeric values are used in persisted index keys.
const (
	WakeImmediate   WakeKind = 0
	WakeDeadline    WakeKind = 1
	WakeSubWorkflow WakeKind = 2
	WakeSignal      WakeKind = 3
)

func (k WakeKind) String() string {
	switch k {
	case WakeImmediate:
		return "immediate"
	case WakeDeadline:
		return "deadline"
	case WakeSubWorkflow:
		return "sub_workflow"
	case WakeSignal:
		return "signal"
	default:
		return "unknown"
	}
}

// WakeCondition describes when a sleeping workflow should next be pulled.
// Variants combine: a workflow waiting for a signal with a timeout carries
// both Signals and Deadline.
type WakeCondition struct {
	Immediate     bool      `json:"immediate,omitempty"`
	Deadline      time.Time `json:"deadline"`
	Signals       []string  `json:"signals,omitempty"`
	SubWorkflowID uuid.UUID `json:"sub_workflow_id"`
}

// ImmediateWake returns a condition that is satisfied right away.
func ImmediateWake() WakeCondition {
	return WakeCondition{Immediate: true}
}

// DeadlineWake returns a condition satisfied at ts.
func DeadlineWake(ts time.Time) WakeCondition {
	return WakeCondition{Deadline: ts}
}

// SignalWake returns a condition satisfied when any of names is published to
// the workflow.
func SignalWake(names ...string) WakeCondition {
	return WakeCondition{Signals: slices.Clone(names)}
}

// SubWorkflowWake returns a condition satisfied when the sub-workflow finishes.
func SubWorkflowWake(id uuid.UUID) WakeCondition {
	return WakeCondition{SubWorkflowID: id}
}

// IsZero reports whether no wake is installed.
func (w WakeCondition) IsZero() bool {
	return !w.Immediate && w.Deadline.IsZero() && len(w.Signals) == 0 && w.SubWorkflowID == uuid.Nil
}

// Kinds lists the variants present in w.
func (w WakeCondition) Kinds() []WakeKind {
	var kinds []WakeKind
	if w.Immediate {
		kinds = append(kinds, WakeImmediate)
	}
	if !w.Deadline.IsZero() {
		kinds = append(kinds, WakeDeadline)
	}
	if w.SubWorkflowID != uuid.Nil {
		kinds = append(kinds, WakeSubWorkflow)
	}
	if len(w.Signals) > 0 {
		kinds = append(kinds, WakeSignal)
	}
	return kinds
}

// Due reports whether the time-based part of the condition is satisfied at
// now. Signal and sub-workflow conditions become due when their trigger
// converts them to Immediate.
func (w WakeCondition) Due(now time.Time) bool {
	if w.Immediate {
		return true
	}
	return !w.Deadline.IsZero() && !w.Deadline.After(now)
}

// WaitsOnSignal reports whether name would wake the workflow.
func (w WakeCondition) WaitsOnSignal(name string) bool {
	return slices.Contains(w.Signals, name)
}

// Merge combines two conditions so that the result is satisfied when either
// one is. Deadlines keep the earliest; signal names are unioned; the first
// sub-workflow wins.
func (w WakeCondition) Merge(o WakeCondition) WakeCondition {
	out := WakeCondition{
		Immediate:     w.Immediate || o.Immediate,
		Deadline:      w.Deadline,
		Signals:       slices.Clone(w.Signals),
		SubWorkflowID: w.SubWorkflowID,
	}
	if !o.Deadline.IsZero() && (out.Deadline.IsZero() || o.Deadline.Before(out.Deadline)) {
		out.Deadline = o.Deadline
	}
	for _, s := range o.Signals {
		if !slices.Contains(out.Signals, s) {
			out.Signals = append(out.Signals, s)
		}
	}
	if out.SubWorkflowID == uuid.Nil {
		out.SubWorkflowID = o.SubWorkflowID
	}
	return out
}
