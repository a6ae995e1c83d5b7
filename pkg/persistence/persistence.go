// Package persistence provides the storage abstraction for workflow definitions
// and the execution ledger.
package persistence

import (
	"context"
	"time"

	"github.com/crmflow/automation/pkg/models"
)

// DefinitionStore gives the engine read access to workflow definitions. The
// engine only ever writes the two execution counters.
type DefinitionStore interface {
	// ListActive returns active definitions with the given trigger type whose
	// trigger model is empty or equal to model.
	ListActive(ctx context.Context, triggerType models.TriggerType, model string) ([]*models.WorkflowDefinition, error)
	// IncrementExecutionCount atomically adds one to the execution count and
	// advances last_executed_at to at, never moving it backwards.
	IncrementExecutionCount(ctx context.Context, id string, at time.Time) error

	Get(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	List(ctx context.Context) ([]*models.WorkflowDefinition, error)
	Save(ctx context.Context, workflow *models.WorkflowDefinition) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// Ledger is the durable, idempotent execution history keyed by idempotency key.
type Ledger interface {
	// Acquire stores record if no record exists for its key. It returns the
	// stored record and true when acquired, or the existing record and false.
	Acquire(ctx context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error)
	// Reclaim replaces a running record whose attempt still equals
	// prevAttempt. It returns false when another run got there first.
	Reclaim(ctx context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error)

	Get(ctx context.Context, key string) (*models.ExecutionRecord, error)
	Put(ctx context.Context, record *models.ExecutionRecord) error
	// ListByWorkflow returns the newest records first; limit <= 0 means no limit.
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error)

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

// MatchesFilter reports whether a definition is returned by ListActive for the
// given trigger type and model. Implementations that filter in memory share it.
func MatchesFilter(w *models.WorkflowDefinition, triggerType models.TriggerType, model string) bool {
	return w.IsActive() &&
		w.TriggerType == triggerType &&
		(w.TriggerModel == "" || w.TriggerModel == model)
}
