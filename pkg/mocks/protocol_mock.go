package mocks

import (
	"context"

	"github.com/crmflow/automation/pkg/models"
	"github.com/stretchr/testify/mock"
)

// MockActionHandler is a mock implementation of protocol.ActionHandler interface.
type MockActionHandler struct {
	mock.Mock
}

func (m *MockActionHandler) Type() string {
	args := m.Called()

	return args.String(0)
}

func (m *MockActionHandler) Schema() map[string]any {
	args := m.Called()
	if args.Get(0) == nil {
		return nil
	}

	return args.Get(0).(map[string]any)
}

func (m *MockActionHandler) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	args := m.Called(ctx, config, event)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

// MockRecordStore is a mock implementation of protocol.RecordStore interface.
type MockRecordStore struct {
	mock.Mock
}

func (m *MockRecordStore) UpdateFields(ctx context.Context, model, recordID string, fields map[string]any) (map[string]any, error) {
	args := m.Called(ctx, model, recordID, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}

func (m *MockRecordStore) Create(ctx context.Context, model string, fields map[string]any) (map[string]any, error) {
	args := m.Called(ctx, model, fields)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}

	return args.Get(0).(map[string]any), args.Error(1)
}
