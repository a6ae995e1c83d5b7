package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
	"github.com/crmflow/automation/pkg/persistence/memory"
)

// ExecutionRepository stores one execution record per idempotency key.
type ExecutionRepository struct {
	base
}

var _ persistence.Ledger = (*ExecutionRepository)(nil)

func (er *ExecutionRepository) path(key string) string {
	return filepath.Join(er.root, "executions", key+".json")
}

func (er *ExecutionRepository) Acquire(ctx context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	if err := validateID(record.IdempotencyKey); err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, persistence.ErrInvalidExecution)
	}

	created, err := createJSON(er.path(record.IdempotencyKey), record)
	if err != nil {
		return nil, false, persistence.NewExecutionError("Acquire", record.IdempotencyKey, err)
	}

	if created {
		return record.Clone(), true, nil
	}

	existing, err := er.Get(ctx, record.IdempotencyKey)
	if err != nil {
		return nil, false, err
	}

	return existing, false, nil
}

func (er *ExecutionRepository) Reclaim(ctx context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error) {
	er.mu.Lock()
	defer er.mu.Unlock()

	existing, err := er.Get(ctx, record.IdempotencyKey)
	if err != nil {
		return false, err
	}

	if existing.Status != models.ExecutionRunning || existing.Attempt != prevAttempt {
		return false, nil
	}

	if err := writeJSON(er.path(record.IdempotencyKey), record); err != nil {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, err)
	}

	return true, nil
}

func (er *ExecutionRepository) Get(_ context.Context, key string) (*models.ExecutionRecord, error) {
	if err := validateID(key); err != nil {
		return nil, persistence.NewExecutionError("Get", key, err)
	}

	var record models.ExecutionRecord

	if err := readJSON(er.path(key), &record); err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewExecutionError("Get", key, persistence.ErrExecutionNotFound)
		}

		return nil, persistence.NewExecutionError("Get", key, err)
	}

	return &record, nil
}

func (er *ExecutionRepository) Put(_ context.Context, record *models.ExecutionRecord) error {
	if err := validateID(record.IdempotencyKey); err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, persistence.ErrInvalidExecution)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	if err := writeJSON(er.path(record.IdempotencyKey), record); err != nil {
		return persistence.NewExecutionError("Put", record.IdempotencyKey, err)
	}

	return nil
}

// ListByWorkflow scans the executions directory.
func (er *ExecutionRepository) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	jsonFiles, err := fs.Glob(os.DirFS(filepath.Join(er.root, "executions")), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list execution files: %w", err)
	}

	records := make([]*models.ExecutionRecord, 0)

	for _, file := range jsonFiles {
		record, err := er.Get(ctx, strings.TrimSuffix(file, ".json"))
		if err != nil {
			if persistence.IsExecutionNotFound(err) {
				continue
			}

			return nil, err
		}

		if record.WorkflowID == workflowID {
			records = append(records, record)
		}
	}

	memory.SortNewestFirst(records)

	if limit > 0 && len(records) > limit {
		records = records[:limit]
	}

	return records, nil
}
