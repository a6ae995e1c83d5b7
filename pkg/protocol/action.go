// Package protocol defines the contracts between the engine and its pluggable
// parts.
package protocol

import (
	"context"

	"github.com/crmflow/automation/pkg/models"
)

// ActionHandler performs one action type.
//
// Schema returns the JSON schema the action's config must satisfy; the engine
// validates the config against it before calling Execute. Execute receives the
// config with templates already rendered against the event and returns the
// step output. Handlers must honour ctx cancellation.
type ActionHandler interface {
	Type() string
	Schema() map[string]any
	Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error)
}

// RecordStore is the business application's record API used by record
// operation actions.
type RecordStore interface {
	UpdateFields(ctx context.Context, model, recordID string, fields map[string]any) (map[string]any, error)
	Create(ctx context.Context, model string, fields map[string]any) (map[string]any, error)
}

// Headers sent with record store writes so that the resulting change
// notifications can be traced back to the run.
const (
	WorkflowIDHeader   = "X-Crmflow-Workflow-Id"
	ExecutionIDHeader  = "X-Crmflow-Execution-Id"
	CascadeDepthHeader = "X-Crmflow-Cascade-Depth"
)

// RunInfo identifies the run and step an action executes in. CascadeDepth is
// one more than the depth of the triggering event.
type RunInfo struct {
	WorkflowID   string
	ExecutionID  string
	ActionID     string
	Attempt      int
	CascadeDepth int
}

type runInfoKey struct{}

// WithRunInfo returns a context carrying info.
func WithRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFrom returns the run info stored in ctx, if any.
func RunInfoFrom(ctx context.Context) RunInfo {
	info, _ := ctx.Value(runInfoKey{}).(RunInfo)

	return info
}
