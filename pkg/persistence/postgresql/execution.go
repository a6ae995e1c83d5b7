package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/persistence/sqlbase"
)

// ExecutionRepository is the PostgreSQL execution ledger.
type ExecutionRepository struct {
	persistence *Persistence
}

var _ persistence.Ledger = (*ExecutionRepository)(nil)

const (
	executionColumns = `idempotency_key, id, workflow_id, workflow_name, event_model, event_record_id,
		event_occurred_at, change_kind, status, steps, error, attempt, started_at, finished_at`

	selectExecution = `SELECT ` + executionColumns + ` FROM execution_records`
)

// Acquire inserts the record unless the key exists; ON CONFLICT DO NOTHING
// makes the check and insert one atomic statement.
func (r *ExecutionRepository) Acquire(ctx context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	if record.IdempotencyKey == "" {
		return nil, false, persistence.NewExecutionError("Acquire", "", persistence.ErrInvalidExecution)
	}

	args, err := executionArgs(record)
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	query := `INSERT INTO execution_records (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO NOTHING`

	result, err := r.persistence.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	if affected == 1 {
		return record.Clone(), true, nil
	}

	existing, err := r.Get(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

// Reclaim overwrites a running record only while its attempt is unchanged.
func (r *ExecutionRepository) Reclaim(ctx context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error) {
	stepsJSON, err := json.Marshal(emptyIfNil(record.Steps))
	if err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	query := `
		UPDATE execution_records
		SET id = $2, status = $3, steps = $4, error = $5, attempt = $6, started_at = $7, finished_at = $8
		WHERE idempotency_key = $1 AND status = 'running' AND attempt = $9
	`

	result, err := r.persistence.db.ExecContext(ctx, query,
		record.IdempotencyKey,
		record.ID,
		string(record.Status),
		stepsJSON,
		record.Error,
		record.Attempt,
		record.StartedAt.UTC(),
		record.FinishedAt,
		prevAttempt,
	)
	if err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	return affected == 1, nil
}

func (r *ExecutionRepository) Get(ctx context.Context, key string) (*models.ExecutionRecord, error) {
	row := r.persistence.db.QueryRowContext(ctx, selectExecution+" WHERE idempotency_key = $1", key)

	record, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewExecutionError("Get", key, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", key, err)
	}

	return record, nil
}

func (r *ExecutionRepository) Put(ctx context.Context, record *models.ExecutionRecord) error {
	if record.IdempotencyKey == "" {
		return persistence.NewExecutionError("Put", "", persistence.ErrInvalidExecution)
	}

	args, err := executionArgs(record)
	if err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, err)
	}

	query := `INSERT INTO execution_records (` + executionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			id = EXCLUDED.id,
			workflow_name = EXCLUDED.workflow_name,
			status = EXCLUDED.status,
			steps = EXCLUDED.steps,
			error = EXCLUDED.error,
			attempt = EXCLUDED.attempt,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at`

	if _, err := r.persistence.db.ExecContext(ctx, query, args...); err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, err)
	}

	return nil
}

func (r *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	query := selectExecution + " WHERE workflow_id = $1 ORDER BY started_at DESC, idempotency_key"
	args := []any{workflowID}

	if limit > 0 {
		query += " LIMIT $2"

		args = append(args, limit)
	}

	rows, err := r.persistence.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}

	defer sqlbase.CloseRows(ctx, r.persistence.logger, rows)

	records := make([]*models.ExecutionRecord, 0)

	for rows.Next() {
		record, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating executions: %w", err)
	}

	return records, nil
}

func (r *ExecutionRepository) HealthCheck(ctx context.Context) error {
	return r.persistence.HealthCheck(ctx)
}

// Close is a no-op: the database handle is owned by Persistence and closed
// through the definition store.
func (r *ExecutionRepository) Close(_ context.Context) error {
	return nil
}

func executionArgs(record *models.ExecutionRecord) ([]any, error) {
	stepsJSON, err := json.Marshal(emptyIfNil(record.Steps))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal steps: %w", err)
	}

	return []any{
		record.IdempotencyKey,
		record.ID,
		record.WorkflowID,
		record.WorkflowName,
		record.EventRef.Model,
		record.EventRef.RecordID,
		record.EventRef.OccurredAt.UTC(),
		string(record.ChangeKind),
		string(record.Status),
		stepsJSON,
		record.Error,
		record.Attempt,
		record.StartedAt.UTC(),
		record.FinishedAt,
	}, nil
}

func scanExecution(row sqlbase.Scanner) (*models.ExecutionRecord, error) {
	var (
		record     models.ExecutionRecord
		changeKind string
		status     string
		stepsJSON  []byte
		finishedAt sql.NullTime
	)

	err := row.Scan(
		&record.IdempotencyKey,
		&record.ID,
		&record.WorkflowID,
		&record.WorkflowName,
		&record.EventRef.Model,
		&record.EventRef.RecordID,
		&record.EventRef.OccurredAt,
		&changeKind,
		&status,
		&stepsJSON,
		&record.Error,
		&record.Attempt,
		&record.StartedAt,
		&finishedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(stepsJSON, &record.Steps); err != nil {
		return nil, fmt.Errorf("failed to unmarshal steps: %w", err)
	}

	record.ChangeKind = models.TriggerType(changeKind)
	record.Status = models.ExecutionStatus(status)
	record.EventRef.OccurredAt = record.EventRef.OccurredAt.UTC()
	record.StartedAt = record.StartedAt.UTC()
	record.FinishedAt = sqlbase.NullTime(finishedAt)

	return &record, nil
}
