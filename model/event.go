package model

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// EventType classifies a history event.
type EventType int

// History event types. The numeric values are persisted.
const (
	EventActivity EventType = iota
	EventSignalRecv
	EventSignalSend
	EventMessageSend
	EventSubWorkflowDispatch
	EventSleep
	EventLoop
	EventBranch
	EventVersionCheck
	EventRemoved
)

func (t EventType) String() string {
	switch t {
	case EventActivity:
		return "activity"
	case EventSignalRecv:
		return "signal_recv"
	case EventSignalSend:
		return "signal_send"
	case EventMessageSend:
		return "message_send"
	case EventSubWorkflowDispatch:
		return "sub_workflow_dispatch"
	case EventSleep:
		return "sleep"
	case EventLoop:
		return "loop_iteration"
	case EventBranch:
		return "branch"
	case EventVersionCheck:
		return "version_check"
	case EventRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// SleepState is the lifecycle of a sleep event.
type SleepState int

// Sleep states. The numeric values are persisted.
const (
	SleepNormal SleepState = iota
	SleepInterrupted
	SleepCompleted
)

func (s SleepState) String() string {
	switch s {
	case SleepNormal:
		return "normal"
	case SleepInterrupted:
		return "interrupted"
	case SleepCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// EventError is one failed attempt of an activity.
type EventError struct {
	Error    string    `json:"error"`
	CreateTS time.Time `json:"create_ts"`
}

// Event is a single entry in a workflow's history. Only the fields relevant
// to Type are populated.
type Event struct {
	Location Location  `json:"location"`
	Version  uint32    `json:"version"`
	Type     EventType `json:"event_type"`
	// Hash is the deterministic content key: the input hash for activities,
	// the signal or message name for sends and receives, the iteration for
	// loops.
	Hash string `json:"hash,omitempty"`
	Name string `json:"name,omitempty"`

	Input  []byte       `json:"input,omitempty"`
	Output []byte       `json:"output"`
	Errors []EventError `json:"errors,omitempty"`

	SignalID      uuid.UUID         `json:"signal_id"`
	TargetID      uuid.UUID         `json:"target_id"`
	Body          []byte            `json:"body,omitempty"`
	SubWorkflowID uuid.UUID         `json:"sub_workflow_id"`
	Tags          map[string]string `json:"tags,omitempty"`

	Deadline   time.Time  `json:"deadline"`
	SleepState SleepState `json:"sleep_state"`

	Iteration uint32 `json:"iteration"`
	State     []byte `json:"state,omitempty"`

	RemovedType EventType `json:"removed_type"`
	RemovedName string    `json:"removed_name,omitempty"`

	CreateTS     time.Time `json:"create_ts"`
	LoopLocation Location  `json:"loop_location,omitempty"`
}

// Succeeded reports whether an activity event holds an output.
func (e *Event) Succeeded() bool {
	return e.Output != nil
}

// ErrorCount returns how many attempts of an activity event have failed.
func (e *Event) ErrorCount() int {
	return len(e.Errors)
}

// EventRef is the placement shared by every history write: where the event
// goes, which version of the code wrote it and which loop owns it.
type EventRef struct {
	Location     Location
	Version      uint32
	LoopLocation Location
}

// History holds a workflow's events grouped by parent location. Each group is
// sorted by its last coordinate.
type History map[string][]Event

// NewHistory groups a flat list of events.
func NewHistory(events []Event) History {
	h := make(History)
	for _, ev := range events {
		key := ev.Location.Parent().String()
		h[key] = append(h[key], ev)
	}
	for key := range h {
		group := h[key]
		sort.Slice(group, func(i, j int) bool {
			return group[i].Location.Last() < group[j].Location.Last()
		})
	}
	return h
}

// At returns the events directly under parent.
func (h History) At(parent Location) []Event {
	return h[parent.String()]
}

// Events flattens the history ordered by location.
func (h History) Events() []Event {
	var out []Event
	for _, group := range h {
		out = append(out, group...)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Location.Compare(out[j].Location) < 0
	})
	return out
}

// Len returns the total number of events.
func (h History) Len() int {
	n := 0
	for _, group := range h {
		n += len(group)
	}
	return n
}
