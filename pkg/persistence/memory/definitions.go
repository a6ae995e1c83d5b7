// Package memory provides in-process persistence for definitions and the
// execution ledger. State is lost on restart.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
)

// DefinitionStore keeps workflow definitions in a map.
type DefinitionStore struct {
	mu        sync.RWMutex
	workflows map[string]*models.WorkflowDefinition
}

var _ persistence.DefinitionStore = (*DefinitionStore)(nil)

// NewDefinitionStore creates an empty store.
func NewDefinitionStore() *DefinitionStore {
	return &DefinitionStore{workflows: make(map[string]*models.WorkflowDefinition)}
}

func (s *DefinitionStore) ListActive(_ context.Context, triggerType models.TriggerType, model string) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.WorkflowDefinition, 0)

	for _, w := range s.workflows {
		if persistence.MatchesFilter(w, triggerType, model) {
			result = append(result, w.Clone())
		}
	}

	return result, nil
}

func (s *DefinitionStore) IncrementExecutionCount(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.workflows[id]
	if !ok {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, persistence.ErrWorkflowNotFound)
	}

	w.ExecutionCount++

	at = at.UTC()
	if w.LastExecutedAt == nil || at.After(*w.LastExecutedAt) {
		w.LastExecutedAt = &at
	}

	return nil
}

func (s *DefinitionStore) Get(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.workflows[id]
	if !ok {
		return nil, persistence.NewWorkflowError("Get", id, persistence.ErrWorkflowNotFound)
	}

	return w.Clone(), nil
}

// List returns all definitions ordered by id.
func (s *DefinitionStore) List(_ context.Context) ([]*models.WorkflowDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*models.WorkflowDefinition, 0, len(s.workflows))
	for _, w := range s.workflows {
		result = append(result, w.Clone())
	}

	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })

	return result, nil
}

func (s *DefinitionStore) Save(_ context.Context, workflow *models.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.workflows[workflow.ID] = workflow.Clone()

	return nil
}

func (s *DefinitionStore) HealthCheck(_ context.Context) error {
	return nil
}

func (s *DefinitionStore) Close(_ context.Context) error {
	return nil
}
