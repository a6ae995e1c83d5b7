package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/persistence/sqlbase"
)

// WorkflowRepository handles workflow definition database operations.
type WorkflowRepository struct {
	persistence *Persistence
}

var _ persistence.DefinitionStore = (*WorkflowRepository)(nil)

const selectWorkflow = `
	SELECT
		id
	  , name
	  , description
	  , trigger_type
	  , trigger_model
	  , trigger_conditions
	  , trigger_schedule
	  , actions
	  , state
	  , execution_count
	  , last_executed_at
	  , created_at
	  , updated_at
	FROM workflow_definitions
`

// ListActive returns the active definitions for a trigger type whose model
// filter is empty or equal to model.
func (r *WorkflowRepository) ListActive(ctx context.Context, triggerType models.TriggerType, model string) ([]*models.WorkflowDefinition, error) {
	query := selectWorkflow + `
	WHERE state = 'active'
	  AND trigger_type = $1
	  AND (trigger_model = '' OR trigger_model = $2)
	ORDER BY id
	`

	return r.query(ctx, query, string(triggerType), model)
}

// List returns all definitions.
func (r *WorkflowRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	return r.query(ctx, selectWorkflow+" ORDER BY id")
}

func (r *WorkflowRepository) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	row := r.persistence.db.QueryRowContext(ctx, selectWorkflow+" WHERE id = $1", id)

	workflow, err := scanWorkflow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewWorkflowError("Get", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to scan workflow: %w", err)
	}

	return workflow, nil
}

// Save upserts a definition. Counters are kept when the definition exists.
func (r *WorkflowRepository) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	now := time.Now().UTC()

	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	conditionsJSON, err := json.Marshal(emptyIfNil(workflow.TriggerConditions))
	if err != nil {
		return fmt.Errorf("failed to marshal trigger conditions: %w", err)
	}

	actionsJSON, err := json.Marshal(emptyIfNil(workflow.Actions))
	if err != nil {
		return fmt.Errorf("failed to marshal actions: %w", err)
	}

	query := `
		INSERT INTO workflow_definitions (id, name, description, trigger_type, trigger_model,
			trigger_conditions, trigger_schedule, actions, state, execution_count,
			last_executed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			trigger_type = EXCLUDED.trigger_type,
			trigger_model = EXCLUDED.trigger_model,
			trigger_conditions = EXCLUDED.trigger_conditions,
			trigger_schedule = EXCLUDED.trigger_schedule,
			actions = EXCLUDED.actions,
			state = EXCLUDED.state,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.persistence.db.ExecContext(ctx, query,
		workflow.ID,
		workflow.Name,
		workflow.Description,
		string(workflow.TriggerType),
		workflow.TriggerModel,
		conditionsJSON,
		workflow.TriggerSchedule,
		actionsJSON,
		string(workflow.State),
		workflow.ExecutionCount,
		workflow.LastExecutedAt,
		workflow.CreatedAt,
		workflow.UpdatedAt,
	)
	if err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	return nil
}

// IncrementExecutionCount relies on a single UPDATE for atomicity; GREATEST
// ignores NULL, which keeps last_executed_at monotonic.
func (r *WorkflowRepository) IncrementExecutionCount(ctx context.Context, id string, at time.Time) error {
	query := `
		UPDATE workflow_definitions
		SET execution_count = execution_count + 1,
			last_executed_at = GREATEST(last_executed_at, $2)
		WHERE id = $1
	`

	result, err := r.persistence.db.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, err)
	}

	if affected == 0 {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, persistence.ErrWorkflowNotFound)
	}

	return nil
}

func (r *WorkflowRepository) HealthCheck(ctx context.Context) error {
	return r.persistence.HealthCheck(ctx)
}

func (r *WorkflowRepository) Close(ctx context.Context) error {
	return r.persistence.Close(ctx)
}

func (r *WorkflowRepository) query(ctx context.Context, query string, args ...any) ([]*models.WorkflowDefinition, error) {
	rows, err := r.persistence.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}

	defer sqlbase.CloseRows(ctx, r.persistence.logger, rows)

	workflows := make([]*models.WorkflowDefinition, 0)

	for rows.Next() {
		workflow, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}

		workflows = append(workflows, workflow)
	}

	err = rows.Err()
	if err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

func scanWorkflow(row sqlbase.Scanner) (*models.WorkflowDefinition, error) {
	var (
		workflow       models.WorkflowDefinition
		triggerType    string
		state          string
		conditionsJSON []byte
		actionsJSON    []byte
		lastExecutedAt sql.NullTime
	)

	err := row.Scan(
		&workflow.ID,
		&workflow.Name,
		&workflow.Description,
		&triggerType,
		&workflow.TriggerModel,
		&conditionsJSON,
		&workflow.TriggerSchedule,
		&actionsJSON,
		&state,
		&workflow.ExecutionCount,
		&lastExecutedAt,
		&workflow.CreatedAt,
		&workflow.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(conditionsJSON, &workflow.TriggerConditions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger conditions: %w", err)
	}

	if err := json.Unmarshal(actionsJSON, &workflow.Actions); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actions: %w", err)
	}

	workflow.TriggerType = models.TriggerType(triggerType)
	workflow.State = models.WorkflowState(state)
	workflow.LastExecutedAt = sqlbase.NullTime(lastExecutedAt)
	workflow.CreatedAt = workflow.CreatedAt.UTC()
	workflow.UpdatedAt = workflow.UpdatedAt.UTC()

	return &workflow, nil
}

func emptyIfNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}

	return items
}
