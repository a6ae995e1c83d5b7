package recordops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

const defaultAssigneeField = "assigned_to"

type AssignUser struct {
	logger *slog.Logger
	store  protocol.RecordStore
}

func NewAssignUser(logger *slog.Logger, store protocol.RecordStore) *AssignUser {
	return &AssignUser{
		logger: logger.With("module", "assign_user_action"),
		store:  store,
	}
}

func (a *AssignUser) Type() string {
	return string(models.ActionAssignUser)
}

func (a *AssignUser) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	model, recordID, err := target(config, event)
	if err != nil {
		return nil, err
	}

	field := actions.StringOr(config, "field", defaultAssigneeField)
	userID := actions.String(config, "user_id")

	record, err := a.store.UpdateFields(ctx, model, recordID, map[string]any{field: userID})
	if err != nil {
		return nil, fmt.Errorf("assigning %s/%s to %s: %w", model, recordID, userID, err)
	}

	a.logger.DebugContext(ctx, "user assigned", "model", model, "record_id", recordID, "user_id", userID)

	return map[string]any{
		"model":     model,
		"record_id": recordID,
		"field":     field,
		"user_id":   userID,
		"record":    record,
	}, nil
}

func (a *AssignUser) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": withTarget(map[string]any{
			"user_id": map[string]any{"type": "string", "minLength": 1},
			"field": map[string]any{
				"type":    "string",
				"default": defaultAssigneeField,
			},
		}),
		"required":             []any{"user_id"},
		"additionalProperties": false,
	}
}
