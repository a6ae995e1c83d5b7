// Package notification provides the send_notification action.
package notification

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

const defaultLevel = "info"

var ErrNoTarget = errors.New("send_notification requires user_id or channel")

type Action struct {
	logger    *slog.Logger
	publisher eventbus.EventPublisher
	newID     func() string
}

func NewAction(logger *slog.Logger, bus eventbus.EventBus) *Action {
	return &Action{
		logger:    logger.With("module", "send_notification_action"),
		publisher: bus,
		newID:     bus.GenerateID,
	}
}

func (a *Action) Type() string {
	return string(models.ActionSendNotification)
}

func (a *Action) Execute(ctx context.Context, config map[string]any, event models.Event) (map[string]any, error) {
	userID := actions.String(config, "user_id")
	channel := actions.String(config, "channel")

	if userID == "" && channel == "" {
		return nil, ErrNoTarget
	}

	info := protocol.RunInfoFrom(ctx)

	message := events.NotificationRequested{
		BaseEvent: events.NewBaseEvent(a.newID(), events.NotificationRequestedEvent, info.WorkflowID),
		UserID:    userID,
		Channel:   channel,
		Message:   actions.String(config, "message"),
		Level:     actions.StringOr(config, "level", defaultLevel),
		EventRef:  event.Ref(),
	}
	message.Metadata = map[string]any{
		"execution_id": info.ExecutionID,
		"action_id":    info.ActionID,
	}

	err := a.publisher.Publish(ctx, event.RecordID, message)
	if err != nil {
		return nil, fmt.Errorf("failed to publish notification: %w", err)
	}

	a.logger.DebugContext(ctx, "notification requested", "message_id", message.ID, "user_id", userID, "channel", channel)

	return map[string]any{
		"message_id": message.ID,
		"level":      message.Level,
	}, nil
}

func (a *Action) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"user_id": map[string]any{"type": "string"},
			"channel": map[string]any{"type": "string"},
			"message": map[string]any{
				"type":        "string",
				"minLength":   1,
				"description": "Notification text. Supports templating.",
			},
			"level": map[string]any{
				"type":    "string",
				"default": defaultLevel,
				"enum":    []any{"info", "warning", "error", "success"},
			},
		},
		"required": []any{"message"},
		"anyOf": []any{
			map[string]any{"required": []any{"user_id"}},
			map[string]any{"required": []any{"channel"}},
		},
		"additionalProperties": false,
	}
}
