package mocks

import (
	"context"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockDefinitionStore is a mock implementation of persistence.DefinitionStore interface.
type MockDefinitionStore struct {
	mock.Mock
}

func (m *MockDefinitionStore) ListActive(ctx context.Context, triggerType models.TriggerType, model string) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx, triggerType, model)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionStore) IncrementExecutionCount(ctx context.Context, id string, at time.Time) error {
	args := m.Called(ctx, id, at)

	return args.Error(0)
}

func (m *MockDefinitionStore) Get(ctx context.Context, id string) (*models.WorkflowDefinition, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionStore) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.WorkflowDefinition), args.Error(1)
}

func (m *MockDefinitionStore) Save(ctx context.Context, workflow *models.WorkflowDefinition) error {
	args := m.Called(ctx, workflow)

	return args.Error(0)
}

func (m *MockDefinitionStore) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockDefinitionStore) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

// MockLedger is a mock implementation of persistence.Ledger interface.
type MockLedger struct {
	mock.Mock
}

func (m *MockLedger) Acquire(ctx context.Context, record *models.ExecutionRecord) (*models.ExecutionRecord, bool, error) {
	args := m.Called(ctx, record)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}

	return args.Get(0).(*models.ExecutionRecord), args.Bool(1), args.Error(2)
}

func (m *MockLedger) Reclaim(ctx context.Context, record *models.ExecutionRecord, prevAttempt int) (bool, error) {
	args := m.Called(ctx, record, prevAttempt)

	return args.Bool(0), args.Error(1)
}

func (m *MockLedger) Get(ctx context.Context, key string) (*models.ExecutionRecord, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(*models.ExecutionRecord), args.Error(1)
}

func (m *MockLedger) Put(ctx context.Context, record *models.ExecutionRecord) error {
	args := m.Called(ctx, record)

	return args.Error(0)
}

func (m *MockLedger) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*models.ExecutionRecord, error) {
	args := m.Called(ctx, workflowID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).([]*models.ExecutionRecord), args.Error(1)
}

func (m *MockLedger) HealthCheck(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}

func (m *MockLedger) Close(ctx context.Context) error {
	args := m.Called(ctx)

	return args.Error(0)
}
