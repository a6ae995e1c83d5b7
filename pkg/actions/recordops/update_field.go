package recordops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

// UpdateField sets one field of a record to a literal value or to the result
// of an expression.
type UpdateField struct {
	logger    *slog.Logger
	store     protocol.RecordStore
	evaluator *Evaluator
}

func NewUpdateField(logger *slog.Logger, store protocol.RecordStore) *UpdateField {
	return &UpdateField{
		logger:    logger.With("module", "update_field_action"),
		store:     store,
		evaluator: NewEvaluator(),
	}
}

func (a *UpdateField) Type() string {
	return string(models.ActionUpdateField)
}

func (a *UpdateField) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	model, recordID, err := target(config, event)
	if err != nil {
		return nil, err
	}

	field := actions.String(config, "field")
	value := config["value"]

	if expression := actions.String(config, "expression"); expression != "" {
		value, err = a.evaluator.Evaluate(expression, event)
		if err != nil {
			return nil, err
		}
	}

	record, err := a.store.UpdateFields(ctx, model, recordID, map[string]any{field: value})
	if err != nil {
		return nil, fmt.Errorf("updating %s on %s/%s: %w", field, model, recordID, err)
	}

	a.logger.DebugContext(ctx, "field updated", "model", model, "record_id", recordID, "field", field)

	return map[string]any{
		"model":     model,
		"record_id": recordID,
		"field":     field,
		"value":     value,
		"record":    record,
	}, nil
}

func (a *UpdateField) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": withTarget(map[string]any{
			"field": map[string]any{"type": "string", "minLength": 1},
			"value": map[string]any{
				"description": "Literal value to set. Strings support templating.",
			},
			"expression": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Expression computing the value, e.g. 'after.amount * 0.1'.",
			},
		}),
		"required": []any{"field"},
		"oneOf": []any{
			map[string]any{"required": []any{"value"}},
			map[string]any{"required": []any{"expression"}},
		},
		"additionalProperties": false,
	}
}
