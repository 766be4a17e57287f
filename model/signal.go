package model

import (
	"time"

	"github.com/google/uuid"
)

// Signal is a persisted, addressed message waiting to be pulled into a
// workflow's history. Exactly one of WorkflowID and Tags is set.
type Signal struct {
	ID         uuid.UUID         `json:"id"`
	Name       string            `json:"signal_name"`
	Body       []byte            `json:"body"`
	RayID      uuid.UUID         `json:"ray_id"`
	WorkflowID uuid.UUID         `json:"workflow_id"`
	Tags       map[string]string `json:"tags,omitempty"`
	CreateTS   time.Time         `json:"create_ts"`
}

// Tagged reports whether the signal is routed through the tag index.
func (s *Signal) Tagged() bool {
	return s.WorkflowID == uuid.Nil
}

// SignalData is a signal as seen by the receiving workflow.
type SignalData struct {
	ID       uuid.UUID `json:"id"`
	Name     string    `json:"signal_name"`
	Body     []byte    `json:"body"`
	CreateTS time.Time `json:"create_ts"`
}

// Message is a fire-and-forget broadcast published on the bus.
type Message struct {
	Name           string            `json:"name"`
	Tags           map[string]string `json:"tags"`
	Body           []byte            `json:"body"`
	RayID          uuid.UUID         `json:"ray_id"`
	FromWorkflowID uuid.UUID         `json:"from_workflow_id"`
	CreateTS       time.Time         `json:"create_ts"`
}

// ActivityEventRequest records one activity attempt. Exactly one of Output
// and Error is set.
type ActivityEventRequest struct {
	Ref    EventRef
	Name   string
	Hash   string
	Input  []byte
	Output []byte
	Error  string
}

// SignalPullRequest asks for the oldest queued signal matching any of Names.
type SignalPullRequest struct {
	Ref   EventRef
	Names []string
}

// SignalSendRequest publishes a signal from inside a workflow. Exactly one of
// ToWorkflow and ToTags is set.
type SignalSendRequest struct {
	Ref        EventRef
	SignalID   uuid.UUID
	Name       string
	Body       []byte
	RayID      uuid.UUID
	ToWorkflow uuid.UUID
	ToTags     map[string]string
}

// MessageSendRequest publishes a message from inside a workflow.
type MessageSendRequest struct {
	Ref   EventRef
	Name  string
	Tags  map[string]string
	Body  []byte
	RayID uuid.UUID
}

// SubWorkflowRequest dispatches a child workflow and records the dispatch in
// the parent's history. With Unique set an existing workflow with the same
// name and tags is reused.
type SubWorkflowRequest struct {
	Ref           EventRef
	ParentID      uuid.UUID
	SubWorkflowID uuid.UUID
	Name          string
	Tags          map[string]string
	Input         []byte
	RayID         uuid.UUID
	Unique        bool
}

// LoopUpdate upserts a loop event. Every event below the loop location is
// removed, so only the running iteration's history survives.
type LoopUpdate struct {
	Ref       EventRef
	Iteration uint32
	State     []byte
	Output    []byte
}
