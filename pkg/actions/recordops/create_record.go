package recordops

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

type CreateRecord struct {
	logger *slog.Logger
	store  protocol.RecordStore
}

func NewCreateRecord(logger *slog.Logger, store protocol.RecordStore) *CreateRecord {
	return &CreateRecord{
		logger: logger.With("module", "create_record_action"),
		store:  store,
	}
}

func (a *CreateRecord) Type() string {
	return string(models.ActionCreateRecord)
}

func (a *CreateRecord) Execute(ctx context.Context, config map[string]any, _ models.Event) (map[string]any, error) {
	model := actions.String(config, "model")

	record, err := a.store.Create(ctx, model, actions.Map(config, "fields"))
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", model, err)
	}

	a.logger.DebugContext(ctx, "record created", "model", model)

	return map[string]any{
		"model":  model,
		"record": record,
	}, nil
}

func (a *CreateRecord) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"model":  map[string]any{"type": "string", "minLength": 1},
			"fields": map[string]any{"type": "object"},
		},
		"required":             []any{"model", "fields"},
		"additionalProperties": false,
	}
}
