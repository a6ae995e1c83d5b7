package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
)

// Ledger keeps execution records in a map keyed by idempotency key.
type Ledger struct {
	mu      sync.RWMutex
	records map[string]*models.ExecutionRecord
}

var _ persistence.Ledger = (*Ledger)(nil)

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{records: make(map[string]*models.ExecutionRecord)}
}

func (l *Ledger) Acquire(_ context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	if record.IdempotencyKey == "" {
		return nil, false, persistence.NewExecutionError("Acquire", "", persistence.ErrInvalidExecution)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.records[record.IdempotencyKey]; ok {
		return existing.Clone(), false, nil
	}

	l.records[record.IdempotencyKey] = record.Clone()

	return record.Clone(), true, nil
}

func (l *Ledger) Reclaim(_ context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	existing, ok := l.records[record.IdempotencyKey]
	if !ok {
		return false, persistence.NewExecutionError("Reclaim", record.IdempotencyKey, persistence.ErrExecutionNotFound)
	}

	if existing.Status != models.ExecutionRunning || existing.Attempt != prevAttempt {
		return false, nil
	}

	l.records[record.IdempotencyKey] = record.Clone()

	return true, nil
}

func (l *Ledger) Get(_ context.Context, key string) (*models.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	record, ok := l.records[key]
	if !ok {
		return nil, persistence.NewExecutionError("Get", key, persistence.ErrExecutionNotFound)
	}

	return record.Clone(), nil
}

func (l *Ledger) Put(_ context.Context, record *models.ExecutionRecord) error {
	if record.IdempotencyKey == "" {
		return persistence.NewExecutionError("Put", "", persistence.ErrInvalidExecution)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.records[record.IdempotencyKey] = record.Clone()

	return nil
}

func (l *Ledger) ListByWorkflow(_ context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	result := make([]*models.ExecutionRecord, 0)

	for _, record := range l.records {
		if record.WorkflowID == workflowID {
			result = append(result, record.Clone())
		}
	}

	SortNewestFirst(result)

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}

	return result, nil
}

func (l *Ledger) HealthCheck(_ context.Context) error {
	return nil
}

func (l *Ledger) Close(_ context.Context) error {
	return nil
}

// SortNewestFirst orders records by start time descending, ties broken by key.
func SortNewestFirst(records []*models.ExecutionRecord) {
	sort.Slice(records, func(i, j int) bool {
		if !records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].StartedAt.After(records[j].StartedAt)
		}

		return records[i].IdempotencyKey < records[j].IdempotencyKey
	})
}
