package file

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/persistence"
)

// WorkflowRepository handles workflow definition file operations.
type WorkflowRepository struct {
	base
}

var _ persistence.DefinitionStore = (*WorkflowRepository)(nil)

func (wr *WorkflowRepository) dir() string {
	return filepath.Join(wr.root, "workflows")
}

// List returns every definition ordered by id.
func (wr *WorkflowRepository) List(ctx context.Context) ([]*models.WorkflowDefinition, error) {
	jsonFiles, err := fs.Glob(os.DirFS(wr.dir()), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow files: %w", err)
	}

	workflows := make([]*models.WorkflowDefinition, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		workflow, err := wr.Get(ctx, strings.TrimSuffix(file, ".json"))
		if err != nil {
			return nil, err
		}

		workflows = append(workflows, workflow)
	}

	sort.Slice(workflows, func(i, j int) bool { return workflows[i].ID < workflows[j].ID })

	return workflows, nil
}

// ListActive reads all definitions and keeps the ones eligible for the trigger.
func (wr *WorkflowRepository) ListActive(ctx context.Context, triggerType models.TriggerType, model string) ([]*models.WorkflowDefinition, error) {
	all, err := wr.List(ctx)
	if err != nil {
		return nil, err
	}

	active := make([]*models.WorkflowDefinition, 0, len(all))

	for _, workflow := range all {
		if persistence.MatchesFilter(workflow, triggerType, model) {
			active = append(active, workflow)
		}
	}

	return active, nil
}

// Get retrieves a workflow by its ID from the file system.
func (wr *WorkflowRepository) Get(_ context.Context, id string) (*models.WorkflowDefinition, error) {
	if err := validateID(id); err != nil {
		return nil, persistence.NewWorkflowError("Get", id, err)
	}

	var workflow models.WorkflowDefinition

	err := readJSON(filepath.Join(wr.dir(), id+".json"), &workflow)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, persistence.NewWorkflowError("Get", id, persistence.ErrWorkflowNotFound)
		}

		return nil, fmt.Errorf("failed to read workflow %s: %w", id, err)
	}

	return &workflow, nil
}

// Save saves a workflow to the file system.
func (wr *WorkflowRepository) Save(_ context.Context, workflow *models.WorkflowDefinition) error {
	if err := validateID(workflow.ID); err != nil {
		return persistence.NewWorkflowError("Save", workflow.ID, err)
	}

	wr.mu.Lock()
	defer wr.mu.Unlock()

	now := time.Now().UTC()
	if workflow.CreatedAt.IsZero() {
		workflow.CreatedAt = now
	}

	workflow.UpdatedAt = now

	if err := writeJSON(filepath.Join(wr.dir(), workflow.ID+".json"), workflow); err != nil {
		return fmt.Errorf("failed to write workflow %s: %w", workflow.ID, err)
	}

	return nil
}

// IncrementExecutionCount rewrites the definition with updated counters. The
// read-modify-write is serialized within the process only.
func (wr *WorkflowRepository) IncrementExecutionCount(ctx context.Context, id string, at time.Time) error {
	wr.mu.Lock()
	defer wr.mu.Unlock()

	workflow, err := wr.Get(ctx, id)
	if err != nil {
		return err
	}

	workflow.ExecutionCount++

	at = at.UTC()
	if workflow.LastExecutedAt == nil || at.After(*workflow.LastExecutedAt) {
		workflow.LastExecutedAt = &at
	}

	if err := writeJSON(filepath.Join(wr.dir(), id+".json"), workflow); err != nil {
		return persistence.NewWorkflowError("IncrementExecutionCount", id, err)
	}

	return nil
}
