// Package email provides the send_email action. Delivery is handled by an
// external sender consuming email.requested messages from the outbox topic.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/crmflow/automation/pkg/actions"
	"github.com/crmflow/automation/pkg/eventbus"
	"github.com/crmflow/automation/pkg/events"
	"github.com/crmflow/automation/pkg/models"
	"github.com/crmflow/automation/pkg/protocol"
)

var ErrNoRecipients = errors.New("send_email requires at least one recipient")

type Action struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	newID     func() string
}

func NewAction(logger *slog.Logger, bus eventbus.EventBus) *Action {
	return &Action{
		logger:    logger.With("module", "send_email_action"),
		publisher: bus,
		newID:     bus.GenerateID,
	}
}

func (a *Action) Type() string {
	return string(models.ActionSendEmail)
}

func (a *Action) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	to := actions.StringList(config, "to")
	if len(to) == 0 {
		return nil, ErrNoRecipients
	}

	info := protocol.RunInfoFrom(ctx)

	message := events.EmailRequested{
		BaseEvent: events.NewBaseEvent(a.newID(), events.EmailRequestedEvent, info.WorkflowID),
		To:        to,
		Cc:        actions.StringList(config, "cc"),
		Subject:   actions.String(config, "subject"),
		Body:      actions.String(config, "body"),
		EventRef:  event.Ref(),
	}
	message.Metadata = map[string]any{
		"execution_id": info.ExecutionID,
		"action_id":    info.ActionID,
	}

	err := a.publisher.Publish(ctx, event.RecordID, message)
	if err != nil {
		return nil, fmt.Errorf("failed to publish email request: %w", err)
	}

	a.logger.InfoContext(ctx, "email requested", "message_id", message.ID, "recipients", len(to))

	return map[string]any{
		"message_id": message.ID,
		"to":         to,
	}, nil
}

func (a *Action) Schema() map[string]any {
	recipients := map[string]any{
		"oneOf": []any{
			map[string]any{"type": "string", "minLength": 1},
			map[string]any{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]any{"type": "string", "minLength": 1},
			},
		},
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to": recipients,
			"cc": recipients,
			"subject": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Subject line. Supports templating, e.g. 'Deal {{ .after.name }} won'.",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Message body. Supports templating.",
			},
		},
		"required":             []any{"to", "subject", "body"},
		"additionalProperties": false,
	}
}
