package recordops

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

// TaskModel is the record model tasks are created in.
const TaskModel = "task"

// CreateTask creates a follow-up task linked to the triggering record.
type CreateTask struct {
	logger *slog.Logger
	store  protocol.RecordStore
	now    func() time.Time
}

func NewCreateTask(logger *slog.Logger, store protocol.RecordStore) *CreateTask {
	return &CreateTask{
		logger: logger.With("module", "create_task_action"),
		store:  store,
		now:    time.Now,
	}
}

func (a *CreateTask) Type() string {
	return string(models.ActionCreateTask)
}

func (a *CreateTask) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	dueIn, err := actions.Duration(config, "due_in")
	if err != nil {
		return nil, err
	}

	fields := map[string]any{
		"title":             actions.String(config, "title"),
		"status":            "open",
		"related_model":     event.Model,
		"related_record_id": event.RecordID,
	}

	if description := actions.String(config, "description"); description != "" {
		fields["description"] = description
	}

	if assignee := actions.String(config, "assignee"); assignee != "" {
		fields[defaultAssigneeField] = assignee
	}

	if dueIn > 0 {
		fields["due_at"] = a.now().UTC().Add(dueIn).Format(time.RFC3339)
	}

	record, err := a.store.Create(ctx, TaskModel, fields)
	if err != nil {
		return nil, fmt.Errorf("creating task: %w", err)
	}

	a.logger.DebugContext(ctx, "task created", "related_model", event.Model, "related_record_id", event.RecordID)

	return map[string]any{"record": record}, nil
}

func (a *CreateTask) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"title":       map[string]any{"type": "string", "minLength": 1},
			"description": map[string]any{"type": "string"},
			"assignee":    map[string]any{"type": "string"},
			"due_in": map[string]any{
				"description": "Time until the task is due: a duration such as '48h' or a number of seconds.",
				"type":        []any{"string", "number"},
			},
		},
		"required":             []any{"title"},
		"additionalProperties": false,
	}
}
