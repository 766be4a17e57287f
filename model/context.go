package model

import (
	"context"

	"github.com/google/uuid"
)

// RayContext carries the correlation identity of a workflow run. It is
// immutable after construction and safe for concurrent reads.
type RayContext struct {
	RayID            uuid.UUID
	WorkflowID       uuid.UUID
	WorkflowName     string
	WorkerInstanceID uuid.UUID
}

type contextKey struct{}

// WithRayContext attaches a RayContext to the given context.
func WithRayContext(ctx context.Context, rc *RayContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rc)
}

// RayContextFrom extracts the RayContext from the context, or returns nil if
// not present.
func RayContextFrom(ctx context.Context) *RayContext {
	rc, _ := ctx.Value(contextKey{}).(*RayContext)
	return rc
}

// RayIDFrom returns the ray id carried by ctx, or a fresh one when ctx is not
// part of a workflow run.
func RayIDFrom(ctx context.Context) uuid.UUID {
	if rc := RayContextFrom(ctx); rc != nil && rc.RayID != uuid.Nil {
		return rc.RayID
	}
	return uuid.New()
}
