package model

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestWithRayContext_roundTrip(t *testing.T) {
	rc := &RayContext{
		RayID:        uuid.New(),
		WorkflowID:   uuid.New(),
		WorkflowName: "doubler",
	}
	ctx := WithRayContext(context.Background(), rc)

	got := RayContextFrom(ctx)
	if got == nil {
		t.Fatal("RayContextFrom returned nil")
	}
	if got.WorkflowName != "doubler" {
		t.Errorf("WorkflowName = %q, want doubler", got.WorkflowName)
	}
	if RayIDFrom(ctx) != rc.RayID {
		t.Errorf("RayIDFrom = %v, want %v", RayIDFrom(ctx), rc.RayID)
	}
}

func TestRayContextFrom_missing(t *testing.T) {
	if RayContextFrom(context.Background()) != nil {
		t.Error("expected nil for empty context")
	}
	if RayIDFrom(context.Background()) == uuid.Nil {
		t.Error("RayIDFrom should mint an id outside a run")
	}
}
